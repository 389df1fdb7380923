package cmd

import (
	"fmt"
	"os"
	"syscall"

	"github.com/grovetools/tabrelay/internal/pidfile"
	"github.com/grovetools/tabrelay/pkg/paths"
	"github.com/spf13/cobra"
)

// NewStopCmd returns the command that signals the recorded primary.
func NewStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running primary",
		Long: `Send SIGTERM to the primary recorded in the pid file. Connected relays
reconnect to whichever process becomes primary next.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			running, pid, err := pidfile.IsRunning(paths.PidFilePath())
			if err != nil {
				return fmt.Errorf("error checking status: %w", err)
			}

			if !running {
				fmt.Fprintln(cmd.OutOrStdout(), "No primary is running")
				return nil
			}

			process, err := os.FindProcess(pid)
			if err != nil {
				return fmt.Errorf("failed to find process %d: %w", pid, err)
			}
			if err := process.Signal(syscall.SIGTERM); err != nil {
				return fmt.Errorf("failed to send stop signal: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Sent SIGTERM to process %d\n", pid)
			return nil
		},
	}
}
