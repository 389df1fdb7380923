package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/grovetools/tabrelay/config"
	"github.com/grovetools/tabrelay/pkg/paths"
	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"
	"github.com/sirupsen/logrus"
)

var (
	loggers   = make(map[string]*logrus.Entry)
	loggersMu sync.Mutex

	// active is the logging section applied to new loggers. Nil until Init or
	// the first NewLogger call loads it from the default config.
	active *config.LoggingConfig
)

// Init sets the logging configuration used by loggers created afterwards.
// Commands call it once after loading their config.
func Init(cfg config.LoggingConfig) {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	c := cfg
	active = &c
	// Loggers built before Init were configured from defaults; rebuild lazily.
	loggers = make(map[string]*logrus.Entry)
}

// NewLogger creates and returns a pre-configured logger for a specific component.
// It uses a singleton pattern per component to avoid re-initializing.
func NewLogger(component string) *logrus.Entry {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	if logger, exists := loggers[component]; exists {
		return logger
	}

	if active == nil {
		logCfg := config.Default().Logging
		if cfg, err := config.LoadDefault(); err == nil {
			logCfg = cfg.Logging
		} else {
			logrus.Warnf("Failed to load logging config, using defaults: %v", err)
		}
		active = &logCfg
	}

	entry := build(component, *active)
	loggers[component] = entry
	return entry
}

// Discard returns an entry that drops everything. Useful in tests and for
// components constructed without a logger.
func Discard() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

func build(component string, logCfg config.LoggingConfig) *logrus.Entry {
	logger := logrus.New()

	// Configure Level
	levelStr := "info"
	if env := os.Getenv("TABRELAY_LOG_LEVEL"); env != "" {
		levelStr = env
	} else if logCfg.Level != "" {
		levelStr = logCfg.Level
	}
	level, err := logrus.ParseLevel(levelStr)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	// Configure Caller Reporting
	if os.Getenv("TABRELAY_LOG_CALLER") == "true" || logCfg.ReportCaller {
		logger.SetReportCaller(true)
	}

	// Stdout is the control channel in serve mode, so sinks are limited to a
	// file and stderr.
	var writers []io.Writer

	if logCfg.File || logCfg.FilePath != "" {
		logFilePath := expandPath(logCfg.FilePath)
		if logFilePath == "" {
			dateStr := time.Now().Format("2006-01-02")
			logFilePath = filepath.Join(paths.LogDir(), fmt.Sprintf("tabrelay-%s.log", dateStr))
		}
		if err := os.MkdirAll(filepath.Dir(logFilePath), 0755); err != nil {
			logger.Warnf("Failed to create log directory %s: %v", filepath.Dir(logFilePath), err)
		} else if file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err == nil {
			writers = append(writers, file)
		} else {
			logger.Warnf("Failed to open log file %s: %v", logFilePath, err)
		}
	}

	shouldLogToStderr := false
	stderrMode := logCfg.Stderr
	if stderrMode == "" {
		stderrMode = "auto"
	}

	switch stderrMode {
	case "always":
		shouldLogToStderr = true
	case "never":
		shouldLogToStderr = false
	default:
		// Auto: stderr when debugging, or when stderr is not an interactive terminal
		// (the usual case: the broker runs as a child of a tool process).
		isDebug := os.Getenv("TABRELAY_DEBUG") == "1" || logger.GetLevel() >= logrus.DebugLevel
		isInteractive := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
		shouldLogToStderr = isDebug || !isInteractive
	}

	if shouldLogToStderr {
		writers = append(writers, os.Stderr)
	}

	// Color only when stderr is the sole sink, so log files stay plain.
	color := len(writers) == 1 && writers[0] == io.Writer(os.Stderr) && stderrHasColor()

	switch logCfg.Preset {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "simple":
		logger.SetFormatter(&TextFormatter{DisableTimestamp: true, DisableComponent: true})
	default:
		logger.SetFormatter(&TextFormatter{Color: color})
	}

	switch len(writers) {
	case 0:
		logger.SetOutput(io.Discard)
	case 1:
		logger.SetOutput(writers[0])
	default:
		logger.SetOutput(io.MultiWriter(writers...))
	}

	return logger.WithField("component", component)
}

// stderrHasColor honors NO_COLOR and CLICOLOR_FORCE as well as the terminal check.
func stderrHasColor() bool {
	return termenv.NewOutput(os.Stderr).EnvColorProfile() != termenv.Ascii
}

// expandPath expands tilde in file paths
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
