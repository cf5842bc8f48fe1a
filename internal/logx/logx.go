package logx

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// Logger writes leveled, key=value lines through log/slog. The search id
// and any attributes added with With appear on every line. It is passed
// explicitly; nothing here touches the slog default logger.
type Logger struct {
	l    *slog.Logger
	file *os.File
}

func New(id string, w io.Writer) *Logger {
	l := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo}))
	if id != "" {
		l = l.With("search", id)
	}
	return &Logger{l: l}
}

// Discard returns a logger that drops everything.
func Discard() *Logger { return New("", io.Discard) }

// Open returns a logger that writes to stderr and appends to the file at path.
func Open(id, path string) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	lg := New(id, io.MultiWriter(os.Stderr, f))
	lg.file = f
	return lg, nil
}

// With returns a logger that adds args as attributes to every line. The
// child shares the parent's output and is closed with it.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{l: l.l.With(args...)}
}

func (l *Logger) Infof(f string, a ...any)  { l.l.Info(fmt.Sprintf(f, a...)) }
func (l *Logger) Warnf(f string, a ...any)  { l.l.Warn(fmt.Sprintf(f, a...)) }
func (l *Logger) Errorf(f string, a ...any) { l.l.Error(fmt.Sprintf(f, a...)) }

// Close flushes and closes the log file, if any.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		l.file.Close()
		return err
	}
	err := l.file.Close()
	l.file = nil
	return err
}
