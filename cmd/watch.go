package cmd

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/grovetools/tabrelay/cli"
	"github.com/grovetools/tabrelay/internal/registry"
	"github.com/grovetools/tabrelay/internal/server"
	"github.com/spf13/cobra"
)

// NewWatchCmd returns the live status dashboard command.
func NewWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Live view of the primary's connections",
		Long: `Poll the status endpoint and redraw the connection table. Keeps polling
while no primary is running, so it picks up a failover as it happens.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cli.LoadConfig(cmd)
			if err != nil {
				return err
			}
			interval, _ := cmd.Flags().GetDuration("interval")

			m := newWatchModel(fmt.Sprintf("http://%s/status", cfg.StatusAddr()), interval)
			_, err = tea.NewProgram(m, tea.WithAltScreen(), tea.WithOutput(cmd.OutOrStdout())).Run()
			return err
		},
	}
	cmd.Flags().Duration("interval", time.Second, "Polling interval")
	return cmd
}

type watchKeyMap struct {
	Quit    key.Binding
	Refresh key.Binding
}

var watchKeys = watchKeyMap{
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c", "esc"),
		key.WithHelp("q", "quit"),
	),
	Refresh: key.NewBinding(
		key.WithKeys("r"),
		key.WithHelp("r", "refresh"),
	),
}

type statusMsg struct {
	status *server.Status
	err    error
	at     time.Time
}

type pollMsg time.Time

type watchModel struct {
	url      string
	interval time.Duration

	status  *server.Status
	err     error
	updated time.Time

	spinner spinner.Model
	table   table.Model
}

func newWatchModel(url string, interval time.Duration) watchModel {
	if interval <= 0 {
		interval = time.Second
	}
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ID", Width: 10},
			{Title: "ROLE", Width: 9},
			{Title: "SESSION", Width: 38},
			{Title: "PID", Width: 8},
			{Title: "LABEL", Width: 16},
			{Title: "IDLE", Width: 8},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	return watchModel{
		url:      url,
		interval: interval,
		spinner:  spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(cli.KeyStyle)),
		table:    t,
	}
}

func (m watchModel) fetch() tea.Cmd {
	url := m.url
	return func() tea.Msg {
		status, _, err := fetchStatus(url)
		return statusMsg{status: status, err: err, at: time.Now()}
	}
}

func (m watchModel) poll() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return pollMsg(t) })
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.fetch())
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, watchKeys.Quit):
			return m, tea.Quit
		case key.Matches(msg, watchKeys.Refresh):
			return m, m.fetch()
		}
	case tea.WindowSizeMsg:
		if h := msg.Height - 16; h > 3 {
			m.table.SetHeight(h)
		}
		return m, nil
	case statusMsg:
		m.status, m.err, m.updated = msg.status, msg.err, msg.at
		if msg.status != nil {
			m.table.SetRows(connectionRows(msg.status.Connections, msg.at))
		} else {
			m.table.SetRows(nil)
		}
		return m, m.poll()
	case pollMsg:
		return m, m.fetch()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m watchModel) View() string {
	var b strings.Builder
	switch {
	case m.status == nil && m.err == nil:
		fmt.Fprintf(&b, "\n %s connecting to %s\n", m.spinner.View(), m.url)
	case m.status == nil:
		fmt.Fprintf(&b, "\n %s %s\n %s waiting for a primary\n",
			cli.BadStyle.Render("unreachable:"), m.err, m.spinner.View())
	default:
		renderStatus(&b, m.status)
		b.WriteString("\n")
		b.WriteString(m.table.View())
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "\n %s\n", cli.MutedStyle.Render(m.footer()))
	return b.String()
}

func (m watchModel) footer() string {
	parts := []string{
		watchKeys.Quit.Help().Key + " " + watchKeys.Quit.Help().Desc,
		watchKeys.Refresh.Help().Key + " " + watchKeys.Refresh.Help().Desc,
	}
	if !m.updated.IsZero() {
		parts = append([]string{"updated " + m.updated.Format("15:04:05")}, parts...)
	}
	return strings.Join(parts, "  ")
}

// connectionRows orders terminals first, then callers, then relays.
func connectionRows(conns []registry.Connection, now time.Time) []table.Row {
	order := map[registry.Role]int{registry.RoleTerminal: 0, registry.RoleCaller: 1, registry.RoleRelay: 2}
	sorted := append([]registry.Connection(nil), conns...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if order[sorted[i].Role] != order[sorted[j].Role] {
			return order[sorted[i].Role] < order[sorted[j].Role]
		}
		return sorted[i].ID < sorted[j].ID
	})

	rows := make([]table.Row, 0, len(sorted))
	for _, c := range sorted {
		pid := ""
		if c.OwnerPID > 0 {
			pid = fmt.Sprint(c.OwnerPID)
		}
		idle := ""
		if !c.LastAppMessageAt.IsZero() {
			idle = now.Sub(c.LastAppMessageAt).Truncate(time.Second).String()
		}
		rows = append(rows, table.Row{c.ID, string(c.Role), c.SessionKey, pid, c.Label, idle})
	}
	return rows
}
