// Package logs builds the process logger: a terminal handler, an optional
// JSON file and the systemd journal when running as a service, fanned out
// with slog-multi.
package logs

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"strings"
	"time"

	slogmulti "github.com/samber/slog-multi"
	slogjournal "github.com/systemd/slog-journal"
)

type Options struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	// File appends JSON records to the given path.
	File string `mapstructure:"file"`
	// Journal is "auto", "on" or "off". auto enables the journal only when
	// the process runs inside a systemd service.
	Journal string `mapstructure:"journal"`
}

// Logger is a configured logger. Level can be changed while it is in use.
type Logger struct {
	*slog.Logger
	Level *slog.LevelVar

	closers []io.Closer
}

func (l *Logger) Close() error {
	var first error
	for _, c := range l.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	l.closers = nil
	return first
}

// New builds a logger writing to w and whatever opts add.
func New(w io.Writer, opts Options) (*Logger, error) {
	level := new(slog.LevelVar)
	parsed, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	level.Set(parsed)

	logger := &Logger{Level: level}
	var handlers []slog.Handler

	service := runningAsService()
	journal := opts.Journal
	if journal == "" {
		journal = "auto"
	}

	var terminal slog.Handler
	if !service || journal == "off" {
		handlerOpts := &slog.HandlerOptions{Level: level}
		switch opts.Format {
		case "", "text":
			terminal = slog.NewTextHandler(w, handlerOpts)
		case "json":
			terminal = slog.NewJSONHandler(w, handlerOpts)
		default:
			return nil, fmt.Errorf("unsupported log format: %s", opts.Format)
		}
		handlers = append(handlers, terminal)
	}

	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		logger.closers = append(logger.closers, f)
		handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level}))
	}

	switch journal {
	case "on", "auto":
		if journal == "auto" && !service {
			break
		}
		journalHandler, err := slogjournal.NewHandler(&slogjournal.Options{
			ReplaceGroup: func(key string) string {
				return toJournalKey(key)
			},
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				a.Key = toJournalKey(a.Key)
				return a
			},
		})
		if err != nil {
			if terminal != nil {
				record := slog.NewRecord(time.Now(), slog.LevelWarn, "new systemd journal handler", 0)
				record.Add("error", err)
				_ = terminal.Handle(context.Background(), record)
			}
			break
		}
		handlers = append(handlers, &leveledHandler{Handler: journalHandler, level: level})
	case "off":
	default:
		return nil, fmt.Errorf("unsupported journal mode: %s", journal)
	}

	if len(handlers) == 0 {
		handlers = append(handlers, slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	}
	logger.Logger = slog.New(slogmulti.Fanout(handlers...))
	return logger, nil
}

// ParseLevel accepts debug, info, warn and error. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level: %q", s)
	}
}

// leveledHandler applies the shared level to handlers without their own.
type leveledHandler struct {
	slog.Handler
	level slog.Leveler
}

func (h *leveledHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return l >= h.level.Level() && h.Handler.Enabled(ctx, l)
}

func (h *leveledHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &leveledHandler{Handler: h.Handler.WithAttrs(attrs), level: h.level}
}

func (h *leveledHandler) WithGroup(name string) slog.Handler {
	return &leveledHandler{Handler: h.Handler.WithGroup(name), level: h.level}
}

func toJournalKey(str string) string {
	str = strings.ToUpper(str)
	return strings.Map(func(r rune) rune {
		if r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			return r
		}
		return '_'
	}, str)
}

func runningAsService() bool {
	content, err := os.ReadFile("/proc/self/cgroup")
	if err != nil {
		return false
	}
	parts := strings.Split(strings.TrimSpace(string(content)), ":")
	if len(parts) < 3 {
		return false
	}
	return strings.HasSuffix(path.Dir(parts[2]), ".service")
}
