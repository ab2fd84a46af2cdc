package schedule_test

import (
	"testing"
	"time"

	"github.com/zsprackett/deskhub/internal/schedule"
)

func TestParse(t *testing.T) {
	doc, err := schedule.Parse([]byte(`{"date":"2026-10-17","today":[{"name":"Central","times":["07:05"]}],"tomorrow":[]}`))
	if err != nil {
		t.Fatal(err)
	}
	if doc.Date != "2026-10-17" || len(doc.Today) != 1 || doc.Today[0].Name != "Central" {
		t.Errorf("unexpected document %+v", doc)
	}
	if _, err := schedule.Parse([]byte(`[`)); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestNearest(t *testing.T) {
	doc := &schedule.Document{
		Date: "2026-10-17",
		Today: []schedule.Stop{
			{Name: "Central", Times: []string{"07:05", "09:40", "bad", "23:10"}},
			{Name: "Park", Times: []string{"09:35", "09:50"}},
		},
		Tomorrow: []schedule.Stop{{Name: "Central", Times: []string{"00:05"}}},
	}
	now := time.Date(2026, 10, 17, 9, 30, 0, 0, time.Local)

	got, ok := schedule.Nearest(doc, now)
	if !ok {
		t.Fatal("expected a departure")
	}
	if got != (schedule.Departure{Stop: "Park", Time: "09:35"}) {
		t.Errorf("got %+v", got)
	}

	exact := time.Date(2026, 10, 17, 9, 35, 0, 0, time.Local)
	if got, _ := schedule.Nearest(doc, exact); got.Time != "09:35" {
		t.Errorf("departure at exactly now should count, got %+v", got)
	}

	late := time.Date(2026, 10, 17, 23, 30, 0, 0, time.Local)
	if _, ok := schedule.Nearest(doc, late); ok {
		t.Error("expected no departure after the last bus")
	}

	if _, ok := schedule.Nearest(nil, now); ok {
		t.Error("expected no departure for nil document")
	}
}
