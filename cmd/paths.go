package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/grovetools/tabrelay/pkg/paths"
	"github.com/spf13/cobra"
)

// PathsOutput lists the files and directories tabrelay uses.
type PathsOutput struct {
	ConfigDir string `json:"config_dir"`
	StateDir  string `json:"state_dir"`
	LogDir    string `json:"log_dir"`
	SessionDB string `json:"session_db"`
	PidFile   string `json:"pid_file"`
}

// NewPathsCmd returns the command that prints resolved paths as JSON.
func NewPathsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "paths",
		Short: "Print the paths used by tabrelay",
		Long: `Print the resolved paths as JSON. TABRELAY_HOME relocates everything
under one root; otherwise the XDG base directories apply.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := PathsOutput{
				ConfigDir: paths.ConfigDir(),
				StateDir:  paths.StateDir(),
				LogDir:    paths.LogDir(),
				SessionDB: paths.SessionDBPath(),
				PidFile:   paths.PidFilePath(),
			}

			jsonData, err := json.MarshalIndent(output, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to marshal paths to JSON: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(jsonData))
			return nil
		},
	}
}
