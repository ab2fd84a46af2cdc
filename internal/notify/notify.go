package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/zsprackett/deskhub/internal/events"
)

// Config holds notification settings.
type Config struct {
	Enabled  bool
	Desktop  bool
	Webhook  string
	NtfyURL  string
	Cooldown time.Duration
}

// Notifier raises desktop notifications and optional webhook/ntfy POSTs when
// the machine reports a load spike.
type Notifier struct {
	cfg     Config
	logger  *slog.Logger
	client  *http.Client
	desktop func(title, body string) error
	now     func() time.Time

	mu   sync.Mutex
	last time.Time
}

// New returns a Notifier with the given config.
func New(cfg Config, logger *slog.Logger) *Notifier {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = time.Minute
	}
	return &Notifier{
		cfg:     cfg,
		logger:  logger,
		client:  &http.Client{Timeout: 5 * time.Second},
		desktop: sendDesktop,
		now:     time.Now,
	}
}

// NewWithDesktop creates a Notifier with an injectable desktop sender. Used
// in tests.
func NewWithDesktop(cfg Config, logger *slog.Logger, desktop func(title, body string) error) *Notifier {
	n := New(cfg, logger)
	n.desktop = desktop
	return n
}

// HandleLoad is a bus handler for big_system_load.
func (n *Notifier) HandleLoad(ctx context.Context, e events.Event) error {
	if !n.cfg.Enabled {
		return nil
	}
	now := n.now()
	n.mu.Lock()
	if !n.last.IsZero() && now.Sub(n.last) < n.cfg.Cooldown {
		n.mu.Unlock()
		return nil
	}
	n.last = now
	n.mu.Unlock()

	alert := newAlert(e, now)
	if n.cfg.Desktop && n.desktop != nil {
		if err := n.desktop("deskhub", alert.message()); err != nil {
			n.logger.Warn("notify: desktop notification failed", "err", err)
		}
	}
	if n.cfg.Webhook != "" {
		n.sendWebhook(ctx, alert)
	}
	if n.cfg.NtfyURL != "" {
		n.sendNtfy(ctx, alert)
	}
	return nil
}

type alert struct {
	CPU       float64  `json:"cpu"`
	RAM       float64  `json:"ram"`
	GPU       float64  `json:"gpu"`
	Spikes    []string `json:"spikes"`
	Timestamp string   `json:"timestamp"`
}

func newAlert(e events.Event, at time.Time) alert {
	a := alert{Timestamp: at.UTC().Format(time.RFC3339)}
	if v, ok := e.Get("cpu"); ok {
		a.CPU, _ = v.(float64)
	}
	if v, ok := e.Get("ram"); ok {
		a.RAM, _ = v.(float64)
	}
	if v, ok := e.Get("gpu"); ok {
		a.GPU, _ = v.(float64)
	}
	if v, ok := e.Get("events"); ok {
		a.Spikes, _ = v.([]string)
	}
	return a
}

func (a alert) message() string {
	return fmt.Sprintf("%s spike: CPU %.0f%% · RAM %.0f%% · GPU %.0f%%",
		strings.Join(a.Spikes, "/"), a.CPU, a.RAM, a.GPU)
}

func sendDesktop(title, body string) error {
	return exec.Command("notify-send", "--urgency=critical", title, body).Run()
}

func (n *Notifier) sendWebhook(ctx context.Context, a alert) {
	data, err := json.Marshal(a)
	if err != nil {
		return
	}
	if err := n.post(ctx, n.cfg.Webhook, data); err != nil {
		n.logger.Warn("notify: webhook failed", "url", n.cfg.Webhook, "err", err)
	}
}

type ntfyPayload struct {
	Topic    string   `json:"topic,omitempty"`
	Title    string   `json:"title"`
	Message  string   `json:"message"`
	Priority int      `json:"priority"`
	Tags     []string `json:"tags"`
}

func (n *Notifier) sendNtfy(ctx context.Context, a alert) {
	payload := ntfyPayload{
		Title:    "System load spike",
		Message:  a.message(),
		Priority: 4,
		Tags:     []string{"rotating_light"},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := n.post(ctx, n.cfg.NtfyURL, data); err != nil {
		n.logger.Warn("notify: ntfy failed", "url", n.cfg.NtfyURL, "err", err)
	}
}

func (n *Notifier) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
