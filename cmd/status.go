package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/grovetools/tabrelay/cli"
	"github.com/grovetools/tabrelay/errors"
	"github.com/grovetools/tabrelay/internal/server"
	"github.com/spf13/cobra"
)

// NewStatusCmd returns the command that queries the primary's status endpoint.
func NewStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the running primary's connections and recent operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cli.LoadConfig(cmd)
			if err != nil {
				return err
			}

			status, raw, err := fetchStatus(fmt.Sprintf("http://%s/status", cfg.StatusAddr()))
			if err != nil {
				return err
			}
			if cli.GetOptions(cmd).JSONOutput {
				_, err := cmd.OutOrStdout().Write(raw)
				return err
			}
			renderStatus(cmd.OutOrStdout(), status)
			return nil
		},
	}
}

func fetchStatus(url string) (*server.Status, []byte, error) {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrCodeNoPeer, "no primary is running")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("status endpoint returned %s", resp.Status)
	}
	var status server.Status
	if err := json.Unmarshal(raw, &status); err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrCodeInvalidMessage, "malformed status document")
	}
	return &status, raw, nil
}

func renderStatus(w io.Writer, s *server.Status) {
	row := func(key, value string) {
		fmt.Fprintf(w, " %s %s\n", cli.KeyStyle.Render(fmt.Sprintf("%-10s", key)), value)
	}

	fmt.Fprintln(w, " "+cli.TitleStyle.Render("TABRELAY")+" "+cli.OKStyle.Render(strings.ToUpper(s.Mode)))
	row("pid", fmt.Sprint(s.PID))
	row("version", s.Version)
	row("uptime", s.Uptime)
	if s.SessionKey != "" {
		row("session", s.SessionKey)
	}

	fmt.Fprintln(w, "\n "+cli.SectionStyle.Render("CONNECTIONS"))
	terminals := fmt.Sprint(s.Counts.Terminals)
	if s.Counts.Terminals == 0 {
		terminals = cli.BadStyle.Render(terminals)
	}
	row("terminal", terminals)
	row("caller", fmt.Sprint(s.Counts.Callers))
	row("relay", fmt.Sprint(s.Counts.Relays))
	row("pending", fmt.Sprint(s.Counts.Pending))

	relays := make([]string, 0)
	for _, c := range s.Connections {
		if c.SessionKey == "" {
			continue
		}
		relays = append(relays, fmt.Sprintf("   %s %s %s",
			c.SessionKey, cli.MutedStyle.Render(fmt.Sprintf("pid %d", c.OwnerPID)), c.Label))
	}
	sort.Strings(relays)
	for _, line := range relays {
		fmt.Fprintln(w, line)
	}

	fmt.Fprintln(w, "\n "+cli.SectionStyle.Render("RECENT"))
	r := s.Recent
	errCount := fmt.Sprint(r.Errors)
	if r.Errors > 0 {
		errCount = cli.WarnStyle.Render(errCount)
	}
	row("requests", fmt.Sprint(r.Count))
	row("errors", errCount)
	row("latency", fmt.Sprintf("mean %.1fms  max %.1fms", r.MeanMs, r.MaxMs))
	if r.LastError != "" {
		row("last error", cli.BadStyle.Render(r.LastError))
	}
}
