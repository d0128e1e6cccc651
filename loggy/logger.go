// Package loggy sets up the process loggers: text records in a rotating
// file under the logs folder, optionally echoed to stderr.
package loggy

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

const DefaultApp = "diskm8"

type Options struct {
	Folder     string
	App        string
	Level      slog.Level
	Echo       bool
	MaxSizeMB  int
	MaxBackups int

	// Stderr replaces os.Stderr as the echo target.
	Stderr io.Writer
}

// Logger is a configured root logger and the file behind it.
type Logger struct {
	*slog.Logger
	file *lumberjack.Logger
	path string
}

// Path is the log file being written.
func (l *Logger) Path() string { return l.path }

func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// New opens <Folder>/<App>.log, creating the folder, and returns a logger
// writing to it.
func New(o Options) (*Logger, error) {
	if o.App == "" {
		o.App = DefaultApp
	}
	if o.MaxSizeMB <= 0 {
		o.MaxSizeMB = 10
	}
	if o.MaxBackups < 0 {
		o.MaxBackups = 0
	}

	var w io.Writer = io.Discard
	l := &Logger{}
	if o.Folder != "" {
		if err := os.MkdirAll(o.Folder, 0755); err != nil {
			return nil, fmt.Errorf("log folder %s: %w", o.Folder, err)
		}
		l.path = filepath.Join(o.Folder, o.App+".log")
		l.file = &lumberjack.Logger{
			Filename:   l.path,
			MaxSize:    o.MaxSizeMB,
			MaxBackups: o.MaxBackups,
			LocalTime:  true,
		}
		w = l.file
	}
	if o.Echo {
		errw := o.Stderr
		if errw == nil {
			errw = os.Stderr
		}
		if o.Folder == "" {
			w = errw
		} else {
			w = io.MultiWriter(w, errw)
		}
	}

	l.Logger = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: o.Level}))
	l.Logger = l.Logger.With("app", o.App)
	return l, nil
}

var (
	mu      sync.Mutex
	root    *slog.Logger
	loggers map[int]*slog.Logger
)

// SetDefault installs the logger Get hands out slots of.
func SetDefault(l *slog.Logger) {
	mu.Lock()
	defer mu.Unlock()
	root = l
	loggers = nil
}

// Get returns the logger for a slot: a mounted volume in the shell or a
// worker in a scan. Before SetDefault it discards everything.
func Get(id int) *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	if loggers == nil {
		loggers = make(map[int]*slog.Logger)
	}
	if l, ok := loggers[id]; ok {
		return l
	}
	base := root
	if base == nil {
		base = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	l := base.With("slot", id)
	loggers[id] = l
	return l
}

// ParseLevel accepts debug, info, warn or error in any case.
func ParseLevel(s string) (slog.Level, error) {
	var lv slog.Level
	if err := lv.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("log level %q: %w", s, err)
	}
	return lv, nil
}
