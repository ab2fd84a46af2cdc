package sysload

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/zsprackett/deskhub/internal/events"
	"github.com/zsprackett/deskhub/internal/sysstat"
)

type Sampler interface {
	Sample(ctx context.Context) sysstat.Load
}

// Thresholds are the rise, in percentage points between two consecutive
// samples, that counts as a spike.
type Thresholds struct {
	CPU float64
	RAM float64
	GPU float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{CPU: 30, RAM: 20, GPU: 30}
}

// Monitor publishes big_system_load whenever a metric jumps by more than its
// threshold since the previous sample.
type Monitor struct {
	sampler    Sampler
	publisher  events.Publisher
	thresholds Thresholds
	interval   time.Duration
	prev       sysstat.Load
	primed     bool
	stop       chan struct{}
	wg         sync.WaitGroup
	logger     *slog.Logger
}

func New(sampler Sampler, publisher events.Publisher, thresholds Thresholds, interval time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	return &Monitor{
		sampler:    sampler,
		publisher:  publisher,
		thresholds: thresholds,
		interval:   interval,
		stop:       make(chan struct{}),
		logger:     logger,
	}
}

func (m *Monitor) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		m.RunOnce(ctx)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				m.RunOnce(ctx)
			}
		}
	}()
}

func (m *Monitor) Stop() {
	close(m.stop)
	m.wg.Wait()
}

// RunOnce takes one sample and publishes a spike if there is one. The first
// sample only establishes the baseline. Not safe for concurrent use with a
// running Monitor.
func (m *Monitor) RunOnce(ctx context.Context) {
	cur := m.sampler.Sample(ctx)
	if !m.primed {
		m.prev = cur
		m.primed = true
		return
	}

	spikes := Spikes(m.prev, cur, m.thresholds)
	m.prev = cur
	if len(spikes) == 0 {
		return
	}
	m.logger.Debug("sysload: spike detected",
		"cpu", cur.CPU,
		"ram", cur.RAM,
		"gpu", cur.GPU,
		"spikes", spikes,
	)
	m.publisher.Publish(ctx, events.TopicBigSystemLoad, events.BigSystemLoad(cur.CPU, cur.RAM, cur.GPU, spikes))
}

// Spikes lists the metrics, in CPU, RAM, GPU order, that rose by more than
// their threshold from prev to cur.
func Spikes(prev, cur sysstat.Load, th Thresholds) []string {
	var out []string
	if cur.CPU-prev.CPU > th.CPU {
		out = append(out, "CPU")
	}
	if cur.RAM-prev.RAM > th.RAM {
		out = append(out, "RAM")
	}
	if cur.GPU-prev.GPU > th.GPU {
		out = append(out, "GPU")
	}
	return out
}
