package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/grovetools/tabrelay/cli"
	"github.com/grovetools/tabrelay/internal/broker"
	"github.com/grovetools/tabrelay/logging"
	"github.com/spf13/cobra"
)

// NewServeCmd returns the command that runs one broker process.
func NewServeCmd() *cobra.Command {
	var (
		project    string
		label      string
		sessionKey string
		parentPID  int
		noControl  bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the broker as primary or relay",
		Long: `Run the broker. The first process to bind the shared ports becomes the
primary and accepts terminal and caller connections; later processes become
relays and forward through it.

Requests are read as JSON lines from stdin and results are written as JSON
lines to stdout. The process exits when stdin closes or the parent process
disappears.`,
		Example: `# Issue one request and exit when it completes
echo '{"id":"1","type":"navigate","payload":{"url":"https://example.com"}}' | tabrelay serve

# Run without a control channel, e.g. as a standalone primary
tabrelay serve --no-control`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cli.LoadConfig(cmd)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if !cmd.Flags().Changed("parent-pid") {
				parentPID = os.Getppid()
			}
			opts := broker.Options{
				ProjectDir: project,
				Label:      label,
				SessionKey: sessionKey,
				ParentPID:  parentPID,
				Control:    os.Stdin,
				Output:     os.Stdout,
				Logger:     logging.NewLogger("broker"),
			}
			if noControl {
				opts.Control = nil
				opts.Output = nil
			}
			return broker.New(cfg, opts).Run(ctx)
		},
	}

	cmd.Flags().StringVar(&project, "project", "", "Project directory used for session recovery (default: working directory)")
	cmd.Flags().StringVar(&label, "label", "", "Human-readable project label (default: project directory name)")
	cmd.Flags().StringVar(&sessionKey, "session", "", "Use this session key instead of recovering or minting one")
	cmd.Flags().IntVar(&parentPID, "parent-pid", 0, "Parent process to watch; 0 disables the poll (default: the invoking process)")
	cmd.Flags().BoolVar(&noControl, "no-control", false, "Do not read requests from stdin")

	return cmd
}
