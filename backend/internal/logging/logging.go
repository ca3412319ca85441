// Package logging provides the session logger: one record per line in a
// per-day file, mirrored to a colored console.
package logging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	slogmulti "github.com/samber/slog-multi"
)

const (
	filePrefix = "autocoder-"
	fileSuffix = ".log"
	dayLayout  = "2006-01-02"

	// DefaultRetentionDays is how long day files stay uncompressed.
	DefaultRetentionDays = 7
)

// Options configures Open.
type Options struct {
	Dir     string       // Log directory; created if missing.
	Project string       // Tag written on every file line.
	Level   slog.Leveler // Defaults to info.
	// Console receives the compact rendering. Defaults to stderr, colored when
	// it is a terminal.
	Console io.Writer
	// RetentionDays before day files are archived. 0 means
	// DefaultRetentionDays, negative disables archiving.
	RetentionDays int
	Codec         Codec // Defaults to zstd.

	now func() time.Time
}

// Store owns the day file and the logger writing into it.
type Store struct {
	dir     string
	project string
	now     func() time.Time
	log     *slog.Logger

	mu   sync.Mutex
	day  string
	f    *os.File
	done bool
}

// DefaultDir returns $AUTOCODER_LOG_DIR, else ~/.autocoder/logs.
func DefaultDir() (string, error) {
	if d := os.Getenv("AUTOCODER_LOG_DIR"); d != "" {
		return d, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".autocoder", "logs"), nil
}

// Open creates the log directory, opens today's file and archives old ones.
func Open(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, errors.New("log dir is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	s := &Store{dir: opts.Dir, project: opts.Project, now: opts.now}
	if s.now == nil {
		s.now = time.Now
	}
	if err := s.rotate(s.now()); err != nil {
		return nil, err
	}
	level := opts.Level
	if level == nil {
		level = slog.LevelInfo
	}
	s.log = slog.New(slogmulti.Fanout(
		&fileHandler{s: s, level: level},
		consoleHandler(opts.Console, level),
	))

	retention := opts.RetentionDays
	if retention == 0 {
		retention = DefaultRetentionDays
	}
	if retention > 0 {
		codec := opts.Codec
		if codec == "" {
			codec = Zstd
		}
		archived, err := Archive(s.dir, s.now(), retention, codec)
		if err != nil {
			s.log.Warn("archiving old logs", "err", err)
		}
		if len(archived) != 0 {
			s.log.Debug("archived old logs", "files", len(archived), "codec", codec)
		}
	}
	return s, nil
}

// Logger returns the logger writing to both sinks.
func (s *Store) Logger() *slog.Logger {
	return s.log
}

// Path returns the current day file.
func (s *Store) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path(s.day)
}

// Close flushes and closes the day file. Records logged afterwards only reach
// the console.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = true
	if s.f == nil {
		return nil
	}
	err := s.f.Sync()
	if err2 := s.f.Close(); err == nil {
		err = err2
	}
	s.f = nil
	return err
}

func (s *Store) path(day string) string {
	return filepath.Join(s.dir, filePrefix+day+fileSuffix)
}

// rotate opens the file for t's day if it is not the current one.
func (s *Store) rotate(t time.Time) error {
	day := t.Format(dayLayout)
	if day == s.day && s.f != nil {
		return nil
	}
	f, err := os.OpenFile(s.path(day), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	if s.f != nil {
		_ = s.f.Close()
	}
	s.f = f
	s.day = day
	return nil
}

// write appends one formatted line, switching files at midnight.
func (s *Store) write(t time.Time, line []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil
	}
	if err := s.rotate(t); err != nil {
		return err
	}
	_, err := s.f.Write(line)
	return err
}

func consoleHandler(w io.Writer, level slog.Leveler) slog.Handler {
	noColor := true
	if w == nil {
		w = colorable.NewColorable(os.Stderr)
		noColor = !isatty.IsTerminal(os.Stderr.Fd())
	}
	return tint.NewHandler(w, &tint.Options{
		Level:       level,
		TimeFormat:  "15:04:05",
		NoColor:     noColor,
		ReplaceAttr: dropZero,
	})
}

// dropZero removes zero-valued attributes from the console rendering.
func dropZero(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && (a.Key == slog.TimeKey || a.Key == slog.LevelKey || a.Key == slog.MessageKey) {
		return a
	}
	skip := false
	switch t := a.Value.Any().(type) {
	case string:
		skip = t == ""
	case bool:
		skip = !t
	case uint64:
		skip = t == 0
	case int64:
		skip = t == 0
	case float64:
		skip = t == 0
	case time.Time:
		skip = t.IsZero()
	case time.Duration:
		skip = t == 0
	case nil:
		skip = true
	}
	if skip {
		return slog.Attr{}
	}
	return a
}
