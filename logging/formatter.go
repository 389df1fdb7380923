package logging

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/sirupsen/logrus"
)

var (
	componentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#7E9CD8"))
	warnStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF9E3B"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5D62")).Bold(true)
)

// TextFormatter is a custom logrus formatter.
type TextFormatter struct {
	DisableTimestamp bool
	DisableComponent bool
	// Color enables lipgloss styling of the level and component tags.
	Color bool
}

// Format renders a single log entry.
func (f *TextFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b strings.Builder

	if !f.DisableTimestamp {
		b.WriteString(entry.Time.Format("2006-01-02 15:04:05.000"))
		b.WriteString(" ")
	}

	levelStr := entry.Level.String()
	if levelStr == "warning" {
		levelStr = "warn"
	}
	level := fmt.Sprintf("[%s]", strings.ToUpper(levelStr))
	if f.Color {
		switch {
		case entry.Level <= logrus.ErrorLevel:
			level = errorStyle.Render(level)
		case entry.Level == logrus.WarnLevel:
			level = warnStyle.Render(level)
		}
	}
	b.WriteString(level)

	if component, ok := entry.Data["component"]; ok && !f.DisableComponent {
		tag := fmt.Sprintf("%v", component)
		if f.Color {
			tag = componentStyle.Render(tag)
		}
		b.WriteString(fmt.Sprintf(" [%s]", tag))
	}

	if entry.HasCaller() {
		fileName := filepath.Base(entry.Caller.File)
		funcName := filepath.Base(entry.Caller.Function)
		b.WriteString(fmt.Sprintf(" [%s:%d %s]", fileName, entry.Caller.Line, funcName))
	}

	b.WriteString(" ")
	b.WriteString(entry.Message)

	// Sorted so that lines diff cleanly between runs.
	keys := make([]string, 0, len(entry.Data))
	for key := range entry.Data {
		if key != "component" {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	for _, key := range keys {
		b.WriteString(fmt.Sprintf(" %s=%v", key, entry.Data[key]))
	}

	b.WriteString("\n")
	return []byte(b.String()), nil
}
