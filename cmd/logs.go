package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/grovetools/tabrelay/cli"
	"github.com/grovetools/tabrelay/errors"
	"github.com/grovetools/tabrelay/pkg/paths"
	"github.com/hpcloud/tail"
	"github.com/spf13/cobra"
)

// NewLogsCmd creates the `logs` command.
func NewLogsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the broker log file",
		Long: `Print the most recent broker log file from the log directory. File logging
must be enabled (logging.file: true) for a log to exist.

Examples:
  # Follow the current log
  tabrelay logs -f

  # Last 100 lines from the registry only
  tabrelay logs --tail 100 --component registry
`,
		RunE: runLogsE,
	}

	cmd.Flags().BoolP("follow", "f", false, "Follow log output")
	cmd.Flags().Int("tail", 50, "Number of lines to show from the end of the log (-1 for all)")
	cmd.Flags().String("component", "", "Only show lines from this component")
	cmd.Flags().String("file", "", "Read this log file instead of the latest one")

	return cmd
}

func runLogsE(cmd *cobra.Command, args []string) error {
	opts := cli.GetOptions(cmd)
	follow, _ := cmd.Flags().GetBool("follow")
	tailLines, _ := cmd.Flags().GetInt("tail")
	component, _ := cmd.Flags().GetString("component")
	path, _ := cmd.Flags().GetString("file")

	if path == "" {
		latest, err := findLatestLogFile(paths.LogDir())
		if err != nil {
			return err
		}
		path = latest
	}

	offset, err := tailOffset(path, tailLines)
	if err != nil {
		return err
	}

	t, err := tail.TailFile(path, tail.Config{
		Location:  &tail.SeekInfo{Offset: offset, Whence: io.SeekStart},
		Follow:    follow,
		ReOpen:    follow,
		MustExist: true,
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer t.Cleanup()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	out := cmd.OutOrStdout()
	for {
		select {
		case <-sigs:
			return t.Stop()
		case line, ok := <-t.Lines:
			if !ok {
				return nil
			}
			if line.Err != nil {
				return line.Err
			}
			printLogLine(out, line.Text, component, opts.JSONOutput)
		}
	}
}

// findLatestLogFile returns the newest non-empty .log file in dir, falling back
// to the newest empty one.
func findLatestLogFile(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeConfigNotFound, "could not read log directory "+dir)
	}

	var latest, latestNonEmpty os.FileInfo
	var latestPath, latestNonEmptyPath string

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".log" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if latest == nil || info.ModTime().After(latest.ModTime()) {
			latest = info
			latestPath = filepath.Join(dir, entry.Name())
		}
		if info.Size() > 0 && (latestNonEmpty == nil || info.ModTime().After(latestNonEmpty.ModTime())) {
			latestNonEmpty = info
			latestNonEmptyPath = filepath.Join(dir, entry.Name())
		}
	}

	if latestNonEmpty != nil {
		return latestNonEmptyPath, nil
	}
	if latest == nil {
		return "", errors.New(errors.ErrCodeConfigNotFound, "no log files found in "+dir).
			WithDetail("hint", "enable logging.file in the config")
	}
	return latestPath, nil
}

// tailOffset returns the byte offset where the last n lines of path begin.
// A negative n means the whole file.
func tailOffset(path string, n int) (int64, error) {
	if n < 0 {
		return 0, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return info.Size(), nil
	}

	starts := make([]int64, 0, n)
	var pos int64
	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			if len(starts) == n {
				starts = starts[1:]
			}
			starts = append(starts, pos)
			pos += int64(len(line))
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
	}
	if len(starts) == 0 {
		return 0, nil
	}
	return starts[0], nil
}

// printLogLine renders one log line. JSON lines from the json preset are
// pretty-printed; text lines pass through untouched.
func printLogLine(w io.Writer, line, component string, jsonOut bool) {
	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		if component != "" && !strings.Contains(line, "["+component+"]") {
			return
		}
		if jsonOut {
			data, _ := json.Marshal(map[string]string{"raw_line": line})
			fmt.Fprintln(w, string(data))
			return
		}
		fmt.Fprintln(w, line)
		return
	}

	comp, _ := entry["component"].(string)
	if component != "" && comp != component {
		return
	}
	if jsonOut {
		fmt.Fprintln(w, line)
		return
	}

	ts, _ := entry["time"].(string)
	level, _ := entry["level"].(string)
	msg, _ := entry["msg"].(string)

	timeStr := ts
	if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		timeStr = parsed.Format("15:04:05")
	}

	levelStyle := cli.MutedStyle
	switch strings.ToLower(level) {
	case "error", "fatal", "panic":
		levelStyle = cli.BadStyle
	case "warning":
		levelStyle = cli.WarnStyle
	case "info":
		levelStyle = cli.OKStyle
	}

	keys := make([]string, 0, len(entry))
	for k := range entry {
		if k != "time" && k != "level" && k != "msg" && k != "component" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	fields := make([]string, 0, len(keys))
	for _, k := range keys {
		fields = append(fields, fmt.Sprintf("%s=%v", cli.MutedStyle.Render(k), entry[k]))
	}

	fmt.Fprintf(w, "%s %s [%s] %s %s\n",
		timeStr,
		levelStyle.Render(strings.ToUpper(level)),
		cli.KeyStyle.Render(comp),
		msg,
		strings.Join(fields, " "),
	)
}
