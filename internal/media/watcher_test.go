package media_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/zsprackett/deskhub/internal/events"
	"github.com/zsprackett/deskhub/internal/media"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type capturePublisher struct {
	events []events.Event
}

func (c *capturePublisher) Publish(ctx context.Context, topic string, e events.Event) {
	c.events = append(c.events, e)
}

func TestParseMetadata(t *testing.T) {
	track, err := media.ParseMetadata("Song\tBand\tLP\tspotify\n")
	if err != nil {
		t.Fatal(err)
	}
	want := events.Track{Title: "Song", Artist: "Band", Album: "LP", App: "spotify"}
	if track != want {
		t.Errorf("got %+v want %+v", track, want)
	}

	if _, err := media.ParseMetadata(""); !errors.Is(err, media.ErrNoPlayer) {
		t.Errorf("expected ErrNoPlayer for empty output, got %v", err)
	}
	if _, err := media.ParseMetadata("only-title\n"); err == nil {
		t.Error("expected error for malformed output")
	}
}

func TestRunOnce_PublishesOnChangeOnly(t *testing.T) {
	tracks := []events.Track{
		{Title: "A", Artist: "X", App: "vlc"},
		{Title: "A", Artist: "X", Album: "late album tag", App: "vlc"},
		{Title: "B", Artist: "X", App: "vlc"},
		{Title: "", Artist: "X", App: "vlc"},
		{Title: "B", Artist: "Y", App: "vlc"},
	}
	i := 0
	pub := &capturePublisher{}
	w := media.NewWithQuery(pub, 0, discardLogger(), func(ctx context.Context) (events.Track, error) {
		tr := tracks[i]
		i++
		return tr, nil
	})
	for range tracks {
		w.RunOnce(context.Background())
	}

	if len(pub.events) != 3 {
		t.Fatalf("expected 3 track_changed events, got %d", len(pub.events))
	}
	wantTitles := []string{"A", "B", "B"}
	for n, e := range pub.events {
		if title, _ := e.Get("title"); title != wantTitles[n] {
			t.Errorf("event %d: title %v want %s", n, title, wantTitles[n])
		}
	}
	if app, _ := pub.events[0].Get("app"); app != "vlc" {
		t.Errorf("app: got %v", app)
	}
}

func TestRunOnce_QueryErrorIgnored(t *testing.T) {
	pub := &capturePublisher{}
	w := media.NewWithQuery(pub, 0, discardLogger(), func(ctx context.Context) (events.Track, error) {
		return events.Track{}, errors.New("dbus unavailable")
	})
	w.RunOnce(context.Background())
	if len(pub.events) != 0 {
		t.Errorf("expected no events, got %d", len(pub.events))
	}
}
