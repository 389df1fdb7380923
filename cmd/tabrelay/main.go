package main

import (
	"os"

	"github.com/grovetools/tabrelay/cli"
	"github.com/grovetools/tabrelay/cmd"
	"github.com/grovetools/tabrelay/logging"
	"go.uber.org/automaxprocs/maxprocs"
)

func main() {
	// stdout is the serve control channel; keep maxprocs chatter in the log.
	_, _ = maxprocs.Set(maxprocs.Logger(logging.NewLogger("main").Debugf))

	rootCmd := cmd.NewRootCmd()

	if err := rootCmd.Execute(); err != nil {
		verbose, _ := rootCmd.PersistentFlags().GetBool("verbose")
		cli.NewErrorHandler(verbose).Handle(err)
		os.Exit(1)
	}
}
