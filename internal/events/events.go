package events

import (
	"context"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Topics published by the local producers.
const (
	TopicTrackChanged  = "track_changed"
	TopicVolumeChanged = "volume_changed"
	TopicBigSystemLoad = "big_system_load"
)

// Payload is an insertion-ordered string map. Keys marshal to JSON in the
// order they were set.
type Payload = orderedmap.OrderedMap[string, any]

// Event is a local state change handed from a producer to bus subscribers.
type Event struct {
	Type    string
	Payload *Payload
}

// New builds an Event from alternating key/value arguments. A trailing key
// without a value is dropped.
func New(typ string, kv ...any) Event {
	p := orderedmap.New[string, any]()
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		p.Set(key, kv[i+1])
	}
	return Event{Type: typ, Payload: p}
}

// Get returns the payload value for key.
func (e Event) Get(key string) (any, bool) {
	if e.Payload == nil {
		return nil, false
	}
	return e.Payload.Get(key)
}

// Track describes the media item currently playing.
type Track struct {
	Title  string
	Artist string
	Album  string
	App    string
}

func TrackChanged(t Track) Event {
	return New(TopicTrackChanged,
		"title", t.Title,
		"artist", t.Artist,
		"album", t.Album,
		"app", t.App,
	)
}

// VolumeChanged carries the master volume in percent (0..100).
func VolumeChanged(value int) Event {
	return New(TopicVolumeChanged, "value", value)
}

// BigSystemLoad reports a load spike. spikes names the metrics that jumped,
// a subset of "CPU", "RAM", "GPU".
func BigSystemLoad(cpu, ram, gpu float64, spikes []string) Event {
	if spikes == nil {
		spikes = []string{}
	}
	return New(TopicBigSystemLoad,
		"cpu", cpu,
		"ram", ram,
		"gpu", gpu,
		"events", spikes,
	)
}

// Publisher hands events to the bus. Producers depend on this rather than on
// the bus implementation.
type Publisher interface {
	Publish(ctx context.Context, topic string, e Event)
}
