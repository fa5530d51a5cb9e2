package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/super-flat/flock/sample/actor"
)

func init() {
	rootCmd.AddCommand(listCMD)
}

var listCMD = &cobra.Command{
	Use:   "list",
	Short: "List the entry points that can be run",
	Run: func(cmd *cobra.Command, args []string) {
		for _, name := range actor.EntryPoints(nil, zap.NewNop(), time.Second).Names() {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
	},
}
