package main

import "github.com/super-flat/flock/cmd"

func main() {
	cmd.Execute()
}
