package cmd

import (
	"github.com/grovetools/tabrelay/cli"
	"github.com/grovetools/tabrelay/version"
	"github.com/spf13/cobra"
)

// NewRootCmd assembles the tabrelay command tree.
func NewRootCmd() *cobra.Command {
	root := cli.NewStandardCommand(
		"tabrelay",
		"Share one browser-control connection between many local tool processes",
	)
	cli.SetVersionTemplate(root, version.GetInfo())

	root.AddCommand(NewServeCmd())
	root.AddCommand(NewStatusCmd())
	root.AddCommand(NewStopCmd())
	root.AddCommand(NewSessionsCmd())
	root.AddCommand(NewLogsCmd())
	root.AddCommand(NewWatchCmd())
	root.AddCommand(NewConfigCmd())
	root.AddCommand(NewPathsCmd())
	root.AddCommand(cli.NewVersionCommand("tabrelay"))

	cli.ApplyStyledHelpRecursive(root)
	return root
}
