package transit_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zsprackett/deskhub/internal/db"
	"github.com/zsprackett/deskhub/internal/schedule"
	"github.com/zsprackett/deskhub/internal/transit"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openFixture(t *testing.T) *os.File {
	t.Helper()
	f, err := os.Open("testdata/route.html")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func TestParseStop(t *testing.T) {
	times, err := transit.ParseStop(openFixture(t), "Central Station")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"07:05", "07:20", "23:50"}
	if !reflect.DeepEqual(times, want) {
		t.Errorf("got %v want %v", times, want)
	}
}

func TestParseStop_FirstRoute(t *testing.T) {
	times, err := transit.ParseStop(openFixture(t), "Ploshchad Lenina")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(times, []string{"06:05", "06:35"}) {
		t.Errorf("unexpected times %v", times)
	}
}

func TestParseStop_Errors(t *testing.T) {
	if _, err := transit.ParseStop(openFixture(t), "Nowhere"); err == nil {
		t.Error("expected error for unknown stop")
	}
	if _, err := transit.ParseStop(openFixture(t), "Depot"); err == nil {
		t.Error("expected error for stop without timetable")
	}
}

func TestSiteDate(t *testing.T) {
	if got := transit.SiteDate(time.Date(2026, 3, 7, 0, 0, 0, 0, time.UTC)); got != "07.03.2026" {
		t.Errorf("got %q", got)
	}
}

func TestFetchStop(t *testing.T) {
	page, _ := os.ReadFile("testdata/route.html")
	var gotQuery, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("mgt_schedule[date]")
		gotUA = r.Header.Get("User-Agent")
		w.Write(page)
	}))
	defer srv.Close()

	c := transit.NewClient(srv.Client())
	times, err := c.FetchStop(context.Background(), srv.URL+"/route/42?dir=1", "Central Station",
		time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if gotQuery != "17.10.2026" {
		t.Errorf("date param: got %q", gotQuery)
	}
	if gotUA != "Mozilla/5.0" {
		t.Errorf("user agent: got %q", gotUA)
	}
	if len(times) != 3 {
		t.Errorf("expected 3 times, got %v", times)
	}
}

func TestFetchStop_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", 503)
	}))
	defer srv.Close()

	_, err := transit.NewClient(nil).FetchStop(context.Background(), srv.URL, "Central", time.Now())
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Errorf("expected 503 error, got %v", err)
	}
}

type fakeFetcher struct {
	mu    sync.Mutex
	calls []string
	down  bool
}

func (f *fakeFetcher) setDown(down bool) {
	f.mu.Lock()
	f.down = down
	f.mu.Unlock()
}

func (f *fakeFetcher) FetchStop(ctx context.Context, pageURL, stopName string, day time.Time) ([]string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, stopName+"@"+day.Format(time.DateOnly))
	down := f.down
	f.mu.Unlock()
	if down {
		return nil, errors.New("network unreachable")
	}
	if stopName == "Broken" {
		return nil, errors.New("site down")
	}
	return []string{"08:00", day.Format("02")}, nil
}

func openDB(t *testing.T) *db.DB {
	t.Helper()
	store, err := db.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestUpdate_BuildsTodayAndTomorrow(t *testing.T) {
	store := openDB(t)
	fetcher := &fakeFetcher{}
	u := transit.NewUpdater(fetcher, store, []transit.Stop{
		{URL: "http://example/a", Name: "Central"},
		{URL: "http://example/b", Name: "Broken"},
	}, 0, discardLogger())
	u.SetNow(func() time.Time { return time.Date(2026, 10, 17, 5, 0, 0, 0, time.Local) })

	doc, err := u.Update(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if doc.Date != "2026-10-17" {
		t.Errorf("date: got %q", doc.Date)
	}
	if len(fetcher.calls) != 4 {
		t.Errorf("expected 4 fetches, got %v", fetcher.calls)
	}
	if got := doc.Today[0]; got.Name != "Central" || !reflect.DeepEqual(got.Times, []string{"08:00", "17"}) {
		t.Errorf("today[0]: %+v", got)
	}
	if got := doc.Tomorrow[0].Times; !reflect.DeepEqual(got, []string{"08:00", "18"}) {
		t.Errorf("tomorrow[0] times: %v", got)
	}
	if got := doc.Today[1]; got.Name != "Broken" || got.Times == nil || len(got.Times) != 0 {
		t.Errorf("failed stop should keep an empty list: %+v", got)
	}

	raw, err := store.LatestSchedule(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	stored, err := schedule.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(stored, doc) {
		t.Errorf("stored document differs:\n%+v\n%+v", stored, doc)
	}
	if v, _ := store.GetMeta(db.MetaTransitUpdated); v == "" {
		t.Error("expected last update time to be recorded")
	}
}

func TestUpdate_PrunesOlderDocuments(t *testing.T) {
	store := openDB(t)
	if err := store.SaveSchedule("2026-10-15", []byte(`{"date":"2026-10-15","today":[],"tomorrow":[]}`)); err != nil {
		t.Fatal(err)
	}
	u := transit.NewUpdater(&fakeFetcher{}, store, []transit.Stop{{URL: "http://example/a", Name: "Central"}}, 0, discardLogger())
	u.SetNow(func() time.Time { return time.Date(2026, 10, 17, 5, 0, 0, 0, time.Local) })
	if _, err := u.Update(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n, _ := store.PruneSchedules("2026-10-17"); n != 0 {
		t.Errorf("expected older documents already pruned, %d remained", n)
	}
}

func TestUpdate_OutageKeepsCachedDocument(t *testing.T) {
	store := openDB(t)
	fetcher := &fakeFetcher{}
	u := transit.NewUpdater(fetcher, store, []transit.Stop{{URL: "http://example/a", Name: "Central"}}, 0, discardLogger())
	u.SetNow(func() time.Time { return time.Date(2026, 10, 17, 5, 0, 0, 0, time.Local) })
	if _, err := u.Update(context.Background()); err != nil {
		t.Fatal(err)
	}
	before, _ := store.GetMeta(db.MetaTransitUpdated)

	fetcher.setDown(true)
	u.SetNow(func() time.Time { return time.Date(2026, 10, 17, 11, 0, 0, 0, time.Local) })
	if _, err := u.Update(context.Background()); !errors.Is(err, transit.ErrAllFetchesFailed) {
		t.Fatalf("expected ErrAllFetchesFailed, got %v", err)
	}

	raw, err := store.LatestSchedule(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	doc, err := schedule.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if got := doc.Today[0].Times; !reflect.DeepEqual(got, []string{"08:00", "17"}) {
		t.Errorf("cached times overwritten during outage: %v", got)
	}
	if after, _ := store.GetMeta(db.MetaTransitUpdated); after != before {
		t.Errorf("last update time moved during outage: %q -> %q", before, after)
	}
}

func TestUpdate_FailedStopKeepsCachedTimes(t *testing.T) {
	store := openDB(t)
	prev := `{"date":"2026-10-16","today":[{"name":"Broken","times":["06:00"]}],"tomorrow":[{"name":"Broken","times":["06:10","06:40"]}]}`
	if err := store.SaveSchedule("2026-10-16", []byte(prev)); err != nil {
		t.Fatal(err)
	}
	u := transit.NewUpdater(&fakeFetcher{}, store, []transit.Stop{
		{URL: "http://example/a", Name: "Central"},
		{URL: "http://example/b", Name: "Broken"},
	}, 0, discardLogger())
	u.SetNow(func() time.Time { return time.Date(2026, 10, 17, 5, 0, 0, 0, time.Local) })

	doc, err := u.Update(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got := doc.Today[1].Times; !reflect.DeepEqual(got, []string{"06:10", "06:40"}) {
		t.Errorf("today's Broken times: got %v want cached 06:10, 06:40", got)
	}
	if got := doc.Tomorrow[1].Times; len(got) != 0 {
		t.Errorf("tomorrow's Broken times: got %v, nothing cached for that day", got)
	}
}

func TestUpdate_NoStops(t *testing.T) {
	u := transit.NewUpdater(&fakeFetcher{}, openDB(t), nil, 0, discardLogger())
	if _, err := u.Update(context.Background()); !errors.Is(err, transit.ErrNoStops) {
		t.Errorf("expected ErrNoStops, got %v", err)
	}
}

func TestStart_RefreshesImmediately(t *testing.T) {
	store := openDB(t)
	u := transit.NewUpdater(&fakeFetcher{}, store, []transit.Stop{{URL: "http://example/a", Name: "Central"}}, time.Hour, discardLogger())
	u.Start(true)
	defer u.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := store.LatestSchedule(context.Background()); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("schedule not written by background refresh")
}
