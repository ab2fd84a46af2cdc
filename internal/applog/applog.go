// Package applog wires log/slog to a date-stamped log file.
package applog

import (
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
)

// DefaultPrefix names log files when Options.Prefix is empty.
const DefaultPrefix = "deskhub"

const defaultKeepDays = 7

// DailyRotator writes to <dir>/<prefix>-YYYY-MM-DD.log, switching files when
// the local date changes. After each switch only the newest keep files
// remain.
type DailyRotator struct {
	dir    string
	prefix string
	keep   int

	mu   sync.Mutex
	now  func() time.Time
	day  string
	file *os.File
}

func NewDailyRotator(dir, prefix string, keep int) *DailyRotator {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if keep <= 0 {
		keep = defaultKeepDays
	}
	return &DailyRotator{dir: dir, prefix: prefix, keep: keep, now: time.Now}
}

// SetNow replaces the clock. Used in tests only.
func (r *DailyRotator) SetNow(fn func() time.Time) {
	r.mu.Lock()
	r.now = fn
	r.mu.Unlock()
}

func (r *DailyRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if day := r.now().Format(time.DateOnly); day != r.day || r.file == nil {
		if err := r.open(day); err != nil {
			return 0, err
		}
	}
	return r.file.Write(p)
}

func (r *DailyRotator) name(day string) string {
	return filepath.Join(r.dir, r.prefix+"-"+day+".log")
}

func (r *DailyRotator) open(day string) error {
	f, err := os.OpenFile(r.name(day), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	if r.file != nil {
		r.file.Close()
	}
	r.file, r.day = f, day
	r.removeOld()
	return nil
}

// removeOld deletes dated files beyond the newest keep. Files whose suffix is
// not a date are left alone.
func (r *DailyRotator) removeOld() {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return
	}
	var days []string
	for _, e := range entries {
		day, ok := strings.CutPrefix(e.Name(), r.prefix+"-")
		if !ok {
			continue
		}
		day, ok = strings.CutSuffix(day, ".log")
		if !ok {
			continue
		}
		if _, err := time.Parse(time.DateOnly, day); err != nil {
			continue
		}
		days = append(days, day)
	}
	if len(days) <= r.keep {
		return
	}
	slices.Sort(days)
	for _, day := range days[:len(days)-r.keep] {
		os.Remove(r.name(day))
	}
}

func (r *DailyRotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file, r.day = nil, ""
	return err
}

// Options configures Init.
type Options struct {
	Dir      string
	Level    string
	Prefix   string
	KeepDays int
	// Tee, when set, receives a copy of every line.
	Tee io.Writer
}

// Init installs a text slog handler over a DailyRotator as slog.Default and
// points the stdlib log package at the same output. Close the returned
// io.Closer on exit.
func Init(opts Options) (*slog.Logger, io.Closer, error) {
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}
	rotator := NewDailyRotator(opts.Dir, opts.Prefix, opts.KeepDays)
	out := io.Writer(rotator)
	if opts.Tee != nil {
		out = io.MultiWriter(rotator, opts.Tee)
	}
	logger := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: ParseLevel(opts.Level)}))
	slog.SetDefault(logger)
	log.SetOutput(out)
	log.SetFlags(0)
	return logger, rotator, nil
}

// ParseLevel accepts slog level names in any case, plus "warning". Anything
// else is LevelInfo.
func ParseLevel(s string) slog.Level {
	if strings.EqualFold(s, "warning") {
		return slog.LevelWarn
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
