package cmd

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/super-flat/flock/actors"
	"github.com/super-flat/flock/config"
	"github.com/super-flat/flock/log"
	"github.com/super-flat/flock/messaging"
	"github.com/super-flat/flock/messaging/memory"
	"github.com/super-flat/flock/messaging/nats"
	"github.com/super-flat/flock/runner"
	"github.com/super-flat/flock/sample/actor"
)

func init() {
	rootCmd.AddCommand(runCMD)
}

var runCMD = &cobra.Command{
	Use:   "run [entry point]",
	Short: "Start one process of the fleet",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runProcess(cmd.Context(), args[0])
	},
}

func runProcess(ctx context.Context, name string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := log.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	conn, err := connect(ctx, cfg, name, logger)
	if err != nil {
		logger.Error("failed to connect to the broker", zap.Error(err))
		return err
	}

	entryPoints := actor.EntryPoints(conn, logger, cfg.PingInterval,
		actors.WithInitMaxRetries(cfg.InitMaxRetries),
	)
	runtime := runner.NewRuntime(conn, entryPoints, runner.WithRuntimeLogger(logger))
	if err := runtime.Run(ctx, name); err != nil {
		logger.Error("failed to start the process", zap.String("entry_point", name), zap.Error(err))
		return err
	}
	return nil
}

// connect opens the process-wide messaging connection
func connect(ctx context.Context, cfg *config.Config, name string, logger *zap.Logger) (messaging.Conn, error) {
	if cfg.Transport == config.TransportMemory {
		return memory.NewBroker(memory.WithBufferSize(cfg.BufferSize)).Connect(), nil
	}
	return nats.Connect(ctx, cfg.NATS(name, logger))
}
