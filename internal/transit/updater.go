package transit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zsprackett/deskhub/internal/db"
	"github.com/zsprackett/deskhub/internal/metrics"
	"github.com/zsprackett/deskhub/internal/schedule"
)

// ErrNoStops is returned by Update when no stops are configured.
var ErrNoStops = errors.New("no transit stops configured")

// ErrAllFetchesFailed is returned by Update when no stop could be fetched for
// either day. The cached document is left untouched.
var ErrAllFetchesFailed = errors.New("every transit fetch failed")

type Stop struct {
	URL  string
	Name string
}

type Fetcher interface {
	FetchStop(ctx context.Context, pageURL, stopName string, day time.Time) ([]string, error)
}

type Store interface {
	LatestSchedule(ctx context.Context) (json.RawMessage, error)
	SaveSchedule(date string, document []byte) error
	PruneSchedules(before string) (int64, error)
	SetMeta(key, value string) error
}

// Updater rebuilds the cached schedule document for today and tomorrow.
type Updater struct {
	fetcher  Fetcher
	store    Store
	stops    []Stop
	interval time.Duration
	now      func() time.Time
	stop     chan struct{}
	wg       sync.WaitGroup
	logger   *slog.Logger
}

func NewUpdater(fetcher Fetcher, store Store, stops []Stop, interval time.Duration, logger *slog.Logger) *Updater {
	return &Updater{
		fetcher:  fetcher,
		store:    store,
		stops:    stops,
		interval: interval,
		now:      time.Now,
		stop:     make(chan struct{}),
		logger:   logger,
	}
}

// SetNow replaces the time source. Used in tests only.
func (u *Updater) SetNow(fn func() time.Time) {
	u.now = fn
}

// Start refreshes the cache in the background: once immediately when
// refreshNow is set, then every interval. A non-positive interval disables
// the periodic refresh.
func (u *Updater) Start(refreshNow bool) {
	if len(u.stops) == 0 {
		u.logger.Info("transit: no stops configured, updater idle")
		return
	}
	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			select {
			case <-u.stop:
				cancel()
			case <-ctx.Done():
			}
		}()

		if refreshNow {
			u.refresh(ctx)
		}
		if u.interval <= 0 {
			return
		}
		ticker := time.NewTicker(u.interval)
		defer ticker.Stop()
		for {
			select {
			case <-u.stop:
				return
			case <-ticker.C:
				u.refresh(ctx)
			}
		}
	}()
}

func (u *Updater) Stop() {
	close(u.stop)
	u.wg.Wait()
}

func (u *Updater) refresh(ctx context.Context) {
	if _, err := u.Update(ctx); err != nil {
		u.logger.Warn("transit: schedule update failed", "err", err)
	}
}

// Update fetches every stop for today and tomorrow concurrently and saves the
// resulting document. A stop that fails to fetch keeps the times the cached
// document holds for that day, or none. When every fetch fails nothing is
// written and ErrAllFetchesFailed is returned.
func (u *Updater) Update(ctx context.Context) (*schedule.Document, error) {
	if len(u.stops) == 0 {
		return nil, ErrNoStops
	}
	today := u.now()
	days := []time.Time{today, today.AddDate(0, 0, 1)}

	results := make([][]schedule.Stop, len(days))
	for i := range results {
		results[i] = make([]schedule.Stop, len(u.stops))
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed = make(map[[2]int]bool)
	)
	for d, day := range days {
		for s, stop := range u.stops {
			wg.Add(1)
			go func(d, s int, day time.Time, stop Stop) {
				defer wg.Done()
				times, err := u.fetcher.FetchStop(ctx, stop.URL, stop.Name, day)
				if err != nil {
					u.logger.Warn("transit: fetch failed",
						"stop", stop.Name,
						"url", stop.URL,
						"day", day.Format(time.DateOnly),
						"err", err,
					)
					times = []string{}
					mu.Lock()
					failed[[2]int{d, s}] = true
					mu.Unlock()
				}
				results[d][s] = schedule.Stop{Name: stop.Name, URL: stop.URL, Times: times}
			}(d, s, day, stop)
		}
	}
	wg.Wait()

	if len(failed) == len(days)*len(u.stops) {
		metrics.IncTransitUpdate(metrics.ResultError)
		return nil, ErrAllFetchesFailed
	}
	if len(failed) > 0 {
		u.carryOver(ctx, days, results, failed)
	}

	doc := &schedule.Document{
		Date:     today.Format(time.DateOnly),
		Today:    results[0],
		Tomorrow: results[1],
	}
	data, err := json.Marshal(doc)
	if err != nil {
		metrics.IncTransitUpdate(metrics.ResultError)
		return nil, fmt.Errorf("encode schedule: %w", err)
	}
	if err := u.store.SaveSchedule(doc.Date, data); err != nil {
		metrics.IncTransitUpdate(metrics.ResultError)
		return nil, fmt.Errorf("save schedule: %w", err)
	}
	if n, err := u.store.PruneSchedules(doc.Date); err != nil {
		u.logger.Debug("transit: prune failed", "err", err)
	} else if n > 0 {
		u.logger.Debug("transit: pruned old schedules", "count", n)
	}
	if err := u.store.SetMeta(db.MetaTransitUpdated, u.now().UTC().Format(time.RFC3339)); err != nil {
		u.logger.Debug("transit: meta write failed", "err", err)
	}
	metrics.IncTransitUpdate(metrics.ResultSuccess)
	u.logger.Info("transit: schedule updated", "date", doc.Date, "stops", len(u.stops))
	return doc, nil
}

// carryOver fills failed entries from the cached document when it covers the
// same calendar day and stop.
func (u *Updater) carryOver(ctx context.Context, days []time.Time, results [][]schedule.Stop, failed map[[2]int]bool) {
	raw, err := u.store.LatestSchedule(ctx)
	if err != nil {
		return
	}
	prev, err := schedule.Parse(raw)
	if err != nil {
		return
	}
	cached := make(map[string][]schedule.Stop, 2)
	cached[prev.Date] = prev.Today
	if d, err := time.Parse(time.DateOnly, prev.Date); err == nil {
		cached[d.AddDate(0, 0, 1).Format(time.DateOnly)] = prev.Tomorrow
	}
	for key := range failed {
		d, s := key[0], key[1]
		for _, stop := range cached[days[d].Format(time.DateOnly)] {
			if stop.Name == results[d][s].Name && len(stop.Times) > 0 {
				results[d][s].Times = stop.Times
				u.logger.Info("transit: kept cached times",
					"stop", stop.Name,
					"day", days[d].Format(time.DateOnly),
				)
				break
			}
		}
	}
}
