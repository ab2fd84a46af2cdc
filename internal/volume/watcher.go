package volume

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/zsprackett/deskhub/internal/events"
)

// ReadFunc returns the master volume in percent.
type ReadFunc func(ctx context.Context) (int, error)

var percentRe = regexp.MustCompile(`(\d+)%`)

// Watcher polls the default sink volume and publishes volume_changed when it
// differs from the previous reading. The first reading is the baseline.
type Watcher struct {
	read      ReadFunc
	publisher events.Publisher
	interval  time.Duration
	last      int
	primed    bool
	stop      chan struct{}
	wg        sync.WaitGroup
	logger    *slog.Logger
}

func New(publisher events.Publisher, interval time.Duration, logger *slog.Logger) *Watcher {
	return NewWithReader(publisher, interval, logger, PactlRead)
}

// NewWithReader creates a Watcher with an injectable reader. Used in tests.
func NewWithReader(publisher events.Publisher, interval time.Duration, logger *slog.Logger, read ReadFunc) *Watcher {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	return &Watcher{
		read:      read,
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
		w.RunOnce(ctx)
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

func (w *Watcher) RunOnce(ctx context.Context) {
	cur, err := w.read(ctx)
	if err != nil {
		w.logger.Debug("volume: read failed", "err", err)
		return
	}
	if !w.primed {
		w.last, w.primed = cur, true
		return
	}
	if cur == w.last {
		return
	}
	w.last = cur
	w.publisher.Publish(ctx, events.TopicVolumeChanged, events.VolumeChanged(cur))
}

// PactlRead reads the default sink volume through pactl.
func PactlRead(ctx context.Context) (int, error) {
	out, err := exec.CommandContext(ctx, "pactl", "get-sink-volume", "@DEFAULT_SINK@").Output()
	if err != nil {
		return 0, fmt.Errorf("pactl: %w", err)
	}
	return ParsePercent(string(out))
}

// ParsePercent returns the first percentage in pactl output, clamped to
// 0..100.
func ParsePercent(out string) (int, error) {
	m := percentRe.FindStringSubmatch(out)
	if m == nil {
		return 0, fmt.Errorf("no volume in %q", out)
	}
	v, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, err
	}
	return min(v, 100), nil
}
