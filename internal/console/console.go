// Package console logs bus activity in a human-readable form.
package console

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/zsprackett/deskhub/internal/eventbus"
	"github.com/zsprackett/deskhub/internal/events"
)

type Subscriber interface {
	Subscribe(topic string, h eventbus.Handler)
}

type Output struct {
	showAlbum bool
	logger    *slog.Logger
}

func New(showAlbum bool, logger *slog.Logger) *Output {
	return &Output{showAlbum: showAlbum, logger: logger}
}

// Register subscribes the output to every producer topic.
func (o *Output) Register(bus Subscriber) {
	bus.Subscribe(events.TopicTrackChanged, o.OnTrack)
	bus.Subscribe(events.TopicVolumeChanged, o.OnVolume)
	bus.Subscribe(events.TopicBigSystemLoad, o.OnLoad)
}

func (o *Output) OnTrack(ctx context.Context, e events.Event) error {
	line := fmt.Sprintf("%s - %s", str(e, "artist"), str(e, "title"))
	if album := str(e, "album"); o.showAlbum && album != "" {
		line += " [" + album + "]"
	}
	o.logger.Info("now playing", "track", line, "app", str(e, "app"))
	return nil
}

func (o *Output) OnVolume(ctx context.Context, e events.Event) error {
	v, _ := e.Get("value")
	o.logger.Info("volume changed", "percent", v)
	return nil
}

func (o *Output) OnLoad(ctx context.Context, e events.Event) error {
	var spikes string
	if v, ok := e.Get("events"); ok {
		if list, ok := v.([]string); ok {
			spikes = strings.Join(list, ",")
		}
	}
	o.logger.Warn("system load spike",
		"cpu", fmt.Sprintf("%.1f%%", num(e, "cpu")),
		"ram", fmt.Sprintf("%.1f%%", num(e, "ram")),
		"gpu", fmt.Sprintf("%.1f%%", num(e, "gpu")),
		"spikes", spikes,
	)
	return nil
}

func str(e events.Event, key string) string {
	v, _ := e.Get(key)
	s, _ := v.(string)
	return s
}

func num(e events.Event, key string) float64 {
	v, _ := e.Get(key)
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	}
	return 0
}
