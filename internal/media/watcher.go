package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/zsprackett/deskhub/internal/events"
)

// ErrNoPlayer is returned by a query when no media player is active.
var ErrNoPlayer = errors.New("no active player")

// QueryFunc returns the track of the current player session.
type QueryFunc func(ctx context.Context) (events.Track, error)

const metadataFormat = "{{title}}\t{{artist}}\t{{album}}\t{{playerName}}"

// Watcher polls the active media player and publishes track_changed when the
// (title, artist) pair changes.
type Watcher struct {
	query     QueryFunc
	publisher events.Publisher
	interval  time.Duration
	lastKey   string
	stop      chan struct{}
	wg        sync.WaitGroup
	logger    *slog.Logger
}

func New(publisher events.Publisher, interval time.Duration, logger *slog.Logger) *Watcher {
	return NewWithQuery(publisher, interval, logger, PlayerctlQuery)
}

// NewWithQuery creates a Watcher with an injectable query. Used in tests.
func NewWithQuery(publisher events.Publisher, interval time.Duration, logger *slog.Logger, query QueryFunc) *Watcher {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Watcher{
		query:     query,
		publisher: publisher,
		interval:  interval,
		stop:      make(chan struct{}),
		logger:    logger,
	}
}

func (w *Watcher) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-w.stop:
				return
			case <-ticker.C:
				w.RunOnce(ctx)
			}
		}
	}()
}

func (w *Watcher) Stop() {
	close(w.stop)
	w.wg.Wait()
}

// RunOnce polls the player once.
func (w *Watcher) RunOnce(ctx context.Context) {
	track, err := w.query(ctx)
	if err != nil {
		if !errors.Is(err, ErrNoPlayer) {
			w.logger.Debug("media: query failed", "err", err)
		}
		return
	}
	if track.Title == "" {
		return
	}
	key := track.Title + "\x00" + track.Artist
	if key == w.lastKey {
		return
	}
	w.lastKey = key
	w.publisher.Publish(ctx, events.TopicTrackChanged, events.TrackChanged(track))
}

// PlayerctlQuery reads the current track through playerctl (MPRIS).
func PlayerctlQuery(ctx context.Context) (events.Track, error) {
	out, err := exec.CommandContext(ctx, "playerctl", "metadata", "--format", metadataFormat).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return events.Track{}, ErrNoPlayer
		}
		return events.Track{}, fmt.Errorf("playerctl: %w", err)
	}
	return ParseMetadata(string(out))
}

// ParseMetadata splits playerctl output produced with metadataFormat.
func ParseMetadata(out string) (events.Track, error) {
	line := strings.TrimRight(out, "\r\n")
	if line == "" {
		return events.Track{}, ErrNoPlayer
	}
	parts := strings.Split(line, "\t")
	if len(parts) != 4 {
		return events.Track{}, fmt.Errorf("unexpected playerctl output %q", line)
	}
	return events.Track{
		Title:  parts[0],
		Artist: parts[1],
		Album:  parts[2],
		App:    parts[3],
	}, nil
}
