package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/grovetools/tabrelay/cli"
	"github.com/grovetools/tabrelay/internal/sessionstore"
	"github.com/grovetools/tabrelay/logging"
	"github.com/grovetools/tabrelay/pkg/paths"
	"github.com/spf13/cobra"
)

// NewSessionsCmd returns the command that lists persisted relay sessions.
func NewSessionsCmd() *cobra.Command {
	var prune bool

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List persisted relay sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cli.LoadConfig(cmd)
			if err != nil {
				return err
			}
			path := cfg.Sessions.DBPath
			if path == "" {
				path = paths.SessionDBPath()
			}

			store, err := sessionstore.Open(path,
				sessionstore.WithExpiry(cfg.Sessions.Expiry),
				sessionstore.WithLogger(logging.NewLogger("sessionstore")),
			)
			if err != nil {
				return err
			}
			defer store.Close()

			if prune {
				n, err := store.ExpireStaleSessions()
				if err != nil {
					return err
				}
				logging.NewLogger("sessions").WithField("expired", n).Info("Pruned orphaned sessions")
			}

			recs, err := store.List()
			if err != nil {
				return err
			}
			if cli.GetOptions(cmd).JSONOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(recs)
			}
			renderSessions(cmd.OutOrStdout(), recs, time.Now())
			return nil
		},
	}

	cmd.Flags().BoolVar(&prune, "prune", false, "Delete orphaned sessions past expiry before listing")
	return cmd
}

func renderSessions(w io.Writer, recs []sessionstore.Record, now time.Time) {
	if len(recs) == 0 {
		fmt.Fprintln(w, cli.MutedStyle.Render(" No sessions recorded"))
		return
	}
	for _, rec := range recs {
		fmt.Fprintf(w, " %s  %s  %s  %s\n",
			cli.KeyStyle.Render(rec.SessionKey),
			stateStyle(rec.State).Render(fmt.Sprintf("%-9s", rec.State)),
			rec.Label,
			cli.MutedStyle.Render(fmt.Sprintf("pid %d, active %s ago", rec.OwnerPID, now.Sub(rec.LastActivityAt).Truncate(time.Second))),
		)
	}
}

func stateStyle(state sessionstore.State) lipgloss.Style {
	switch state {
	case sessionstore.StateActive, sessionstore.StateRecovered:
		return cli.OKStyle
	case sessionstore.StateOrphaned:
		return cli.WarnStyle
	}
	return cli.MutedStyle
}
