// Package bridge connects the local event bus to display devices. Bus events
// are forwarded as protocol messages; device requests drive schedule pushes
// and the live telemetry stream.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/zsprackett/deskhub/internal/eventbus"
	"github.com/zsprackett/deskhub/internal/events"
	"github.com/zsprackett/deskhub/internal/hub"
	"github.com/zsprackett/deskhub/internal/metrics"
	"github.com/zsprackett/deskhub/internal/protocol"
	"github.com/zsprackett/deskhub/internal/sysstat"
)

const defaultTelemetryInterval = 500 * time.Millisecond

// Subscriber registers bus handlers.
type Subscriber interface {
	Subscribe(topic string, h eventbus.Handler)
}

// Server is the device connection layer.
type Server interface {
	Start(ctx context.Context, onMessage hub.MessageHandler) error
	Broadcast(ctx context.Context, m protocol.Outbound) error
}

// ScheduleReader loads the cached schedule document.
type ScheduleReader interface {
	LatestSchedule(ctx context.Context) (json.RawMessage, error)
}

// Sampler takes one machine load snapshot.
type Sampler interface {
	Sample(ctx context.Context) sysstat.Load
}

type Options struct {
	// TelemetryInterval is the pc_load period. Defaults to 500ms.
	TelemetryInterval time.Duration
	// Now returns the current local time. Defaults to time.Now.
	Now func() time.Time
}

// forwards maps bus topics to the event name devices know them by.
var forwards = []struct {
	topic string
	name  string
}{
	{events.TopicTrackChanged, "music"},
	{events.TopicVolumeChanged, "volume"},
	{events.TopicBigSystemLoad, "system_load"},
}

type Bridge struct {
	bus       Subscriber
	server    Server
	schedule  ScheduleReader
	sampler   Sampler
	interval  time.Duration
	now       func() time.Time
	logger    *slog.Logger
	ctx       context.Context
	telemetry telemetryTask
}

func New(bus Subscriber, server Server, schedule ScheduleReader, sampler Sampler, opts Options, logger *slog.Logger) *Bridge {
	if opts.TelemetryInterval <= 0 {
		opts.TelemetryInterval = defaultTelemetryInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Bridge{
		bus:      bus,
		server:   server,
		schedule: schedule,
		sampler:  sampler,
		interval: opts.TelemetryInterval,
		now:      opts.Now,
		logger:   logger,
		ctx:      context.Background(),
	}
}

// Start subscribes the bridge to the bus and starts the device server with
// HandleMessage as its inbound callback. ctx bounds the server and the
// telemetry stream.
func (b *Bridge) Start(ctx context.Context) error {
	b.ctx = ctx
	for _, f := range forwards {
		b.bus.Subscribe(f.topic, b.forward(f.name))
	}
	return b.server.Start(ctx, b.HandleMessage)
}

func (b *Bridge) forward(name string) eventbus.Handler {
	return func(ctx context.Context, e events.Event) error {
		return b.server.Broadcast(ctx, protocol.EventMessage{Name: name, Payload: e.Payload})
	}
}

// HandleMessage dispatches one raw device message. Unrecognised input is
// dropped without a reply.
func (b *Bridge) HandleMessage(ctx context.Context, raw []byte) error {
	msg, ok := protocol.Decode(raw)
	if !ok {
		metrics.IncInbound("ignored")
		return nil
	}
	metrics.IncInbound(msg.Kind())

	switch m := msg.(type) {
	case protocol.PCLoadCommand:
		switch m.Action {
		case protocol.ActionStart:
			b.StartTelemetry()
		case protocol.ActionStop:
			b.StopTelemetry()
		}
	case protocol.ScheduleDate:
		if _, err := b.ReconcileSchedule(ctx, m.Date); err != nil {
			b.logger.Warn("bridge: schedule not sent", "err", err)
		}
	}
	return nil
}

// ReconcileSchedule pushes the cached schedule to all devices when the
// device-reported date is stale. sent reports whether a push happened.
func (b *Bridge) ReconcileSchedule(ctx context.Context, reported *string) (sent bool, err error) {
	if !IsStale(b.now(), reported) {
		metrics.IncSchedulePush("fresh")
		b.logger.Debug("bridge: device schedule is current", "date", *reported)
		return false, nil
	}
	if b.schedule == nil {
		metrics.IncSchedulePush("unavailable")
		return false, errors.New("no schedule source configured")
	}
	doc, err := b.schedule.LatestSchedule(ctx)
	if err != nil {
		metrics.IncSchedulePush("unavailable")
		return false, err
	}
	if err := b.server.Broadcast(ctx, protocol.ScheduleMessage{Payload: doc}); err != nil {
		return false, err
	}
	metrics.IncSchedulePush("sent")
	b.logger.Info("bridge: schedule pushed")
	return true, nil
}

// IsStale reports whether a device holding a schedule for reported needs a
// new one. A missing or malformed date is stale, as is any date before
// today's local calendar date.
func IsStale(today time.Time, reported *string) bool {
	if reported == nil {
		return true
	}
	loc := today.Location()
	d, err := time.ParseInLocation(time.DateOnly, *reported, loc)
	if err != nil {
		return true
	}
	y, m, day := today.Date()
	return d.Before(time.Date(y, m, day, 0, 0, 0, 0, loc))
}

// StartTelemetry launches the pc_load stream. It is a no-op when the stream
// is already running.
func (b *Bridge) StartTelemetry() {
	if b.telemetry.start(b.runTelemetry) {
		b.logger.Info("bridge: telemetry started", "interval", b.interval)
	}
}

// StopTelemetry stops the pc_load stream and waits for it to exit. No
// pc_load message is sent after it returns.
func (b *Bridge) StopTelemetry() {
	if b.telemetry.stopAndWait() {
		b.logger.Info("bridge: telemetry stopped")
	}
}

// TelemetryState reports the lifecycle state of the telemetry stream.
func (b *Bridge) TelemetryState() TaskState {
	return b.telemetry.current()
}

// Close stops the telemetry stream.
func (b *Bridge) Close() {
	b.StopTelemetry()
}

func (b *Bridge) runTelemetry(stop <-chan struct{}) {
	ctx := b.ctx
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			load := b.sampler.Sample(ctx)
			msg := protocol.PCLoad{CPU: load.CPU, GPU: load.GPU, RAM: load.RAM}
			if err := b.server.Broadcast(ctx, msg); err != nil {
				b.logger.Warn("bridge: pc_load broadcast failed", "err", err)
				continue
			}
			metrics.IncTelemetrySample()
		}
	}
}
