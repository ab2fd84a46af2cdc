package transit

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	userAgent = "Mozilla/5.0"
	dateParam = "mgt_schedule[date]"
)

// Client downloads route timetable pages.
type Client struct {
	http *http.Client
}

func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	return &Client{http: httpClient}
}

// FetchStop returns the departures of stopName on day from the route page at
// pageURL.
func (c *Client) FetchStop(ctx context.Context, pageURL, stopName string, day time.Time) ([]string, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set(dateParam, SiteDate(day))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("site returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return ParseStop(resp.Body, stopName)
}

// SiteDate renders day the way the transit site expects it (DD.MM.YYYY).
func SiteDate(day time.Time) string {
	return day.Format("02.01.2006")
}
