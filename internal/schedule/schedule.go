// Package schedule describes the cached transit schedule document shared with
// devices.
package schedule

import (
	"encoding/json"
	"fmt"
	"time"
)

type Stop struct {
	Name  string   `json:"name"`
	URL   string   `json:"url,omitempty"`
	Times []string `json:"times"`
}

// Document is the cached schedule. Date is the YYYY-MM-DD day that Today
// refers to.
type Document struct {
	Date     string `json:"date"`
	Today    []Stop `json:"today"`
	Tomorrow []Stop `json:"tomorrow"`
}

func Parse(raw []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse schedule: %w", err)
	}
	return &doc, nil
}

type Departure struct {
	Stop string `json:"stop_name"`
	Time string `json:"time"`
}

// Nearest returns the earliest departure today at or after now. Times that
// do not parse as HH:MM are skipped.
func Nearest(doc *Document, now time.Time) (Departure, bool) {
	if doc == nil {
		return Departure{}, false
	}
	y, m, d := now.Date()
	var best Departure
	var bestAt time.Time
	found := false
	for _, stop := range doc.Today {
		for _, hhmm := range stop.Times {
			clock, err := time.Parse("15:04", hhmm)
			if err != nil {
				continue
			}
			at := time.Date(y, m, d, clock.Hour(), clock.Minute(), 0, 0, now.Location())
			if at.Before(now) {
				continue
			}
			if !found || at.Before(bestAt) {
				best, bestAt, found = Departure{Stop: stop.Name, Time: hhmm}, at, true
			}
		}
	}
	return best, found
}
