package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/zsprackett/deskhub/internal/applog"
	"github.com/zsprackett/deskhub/internal/bridge"
	"github.com/zsprackett/deskhub/internal/config"
	"github.com/zsprackett/deskhub/internal/console"
	"github.com/zsprackett/deskhub/internal/db"
	"github.com/zsprackett/deskhub/internal/eventbus"
	"github.com/zsprackett/deskhub/internal/events"
	"github.com/zsprackett/deskhub/internal/hub"
	"github.com/zsprackett/deskhub/internal/media"
	"github.com/zsprackett/deskhub/internal/metrics"
	"github.com/zsprackett/deskhub/internal/notify"
	"github.com/zsprackett/deskhub/internal/sysload"
	"github.com/zsprackett/deskhub/internal/sysstat"
	"github.com/zsprackett/deskhub/internal/transit"
	"github.com/zsprackett/deskhub/internal/volume"
	"github.com/zsprackett/deskhub/internal/webapi"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var configPath, logLevel, addr string
	flagSet := pflag.NewFlagSet("deskhub", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", config.DefaultPath(), "config file (.json with comments, or .yaml)")
	flagSet.StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	flagSet.StringVar(&addr, "addr", "", "override hub listen address as host:port")
	flagSet.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: deskhub [flags] [serve|update-schedule]\n\n")
		flagSet.PrintDefaults()
	}
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if addr != "" {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return fmt.Errorf("--addr: %w", err)
		}
		cfg.Hub.Host = host
		if cfg.Hub.Port, err = strconv.Atoi(port); err != nil {
			return fmt.Errorf("--addr port: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	cmd := "serve"
	if flagSet.NArg() > 0 {
		cmd = flagSet.Arg(0)
	}

	logOpts := applog.Options{Dir: cfg.LogDir, Level: cfg.LogLevel}
	if cfg.LogStderr {
		logOpts.Tee = os.Stderr
	}
	logger, logCloser, err := applog.Init(logOpts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not init log file: %v\n", err)
		logger = slog.Default()
	} else {
		defer logCloser.Close()
	}

	store, err := openDB(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "serve":
		return serve(ctx, cfg, store, logger)
	case "update-schedule":
		return updateSchedule(ctx, cfg, store, logger)
	default:
		flagSet.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func openDB(path string) (*db.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	store, err := db.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := store.Migrate(); err != nil {
		store.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return store, nil
}

func newUpdater(cfg config.Config, store *db.DB, logger *slog.Logger) *transit.Updater {
	stops := make([]transit.Stop, 0, len(cfg.Transit.Stops))
	for _, s := range cfg.Transit.Stops {
		stops = append(stops, transit.Stop{URL: s.URL, Name: s.Name})
	}
	client := transit.NewClient(&http.Client{Timeout: 30 * time.Second})
	interval := config.Duration(cfg.Transit.RefreshInterval, 6*time.Hour)
	return transit.NewUpdater(client, store, stops, interval, logger)
}

func updateSchedule(ctx context.Context, cfg config.Config, store *db.DB, logger *slog.Logger) error {
	doc, err := newUpdater(cfg, store, logger).Update(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("schedule cached for %s (%d stops)\n", doc.Date, len(doc.Today))
	return nil
}

func serve(ctx context.Context, cfg config.Config, store *db.DB, logger *slog.Logger) error {
	metrics.Init()
	bus := eventbus.New(logger)

	if cfg.Console.Enabled {
		console.New(cfg.Console.ShowAlbum, logger).Register(bus)
	}
	notifier := notify.New(notify.Config{
		Enabled:  cfg.Notifications.Enabled,
		Desktop:  cfg.Notifications.Desktop,
		Webhook:  cfg.Notifications.Webhook,
		NtfyURL:  cfg.Notifications.NtfyURL,
		Cooldown: config.Duration(cfg.Notifications.Cooldown, time.Minute),
	}, logger)
	bus.Subscribe(events.TopicBigSystemLoad, notifier.HandleLoad)

	h := hub.New(hub.Config{
		Host:         cfg.Hub.Host,
		Port:         cfg.Hub.Port,
		WriteTimeout: config.Duration(cfg.Hub.WriteTimeout, 5*time.Second),
		PingInterval: config.Duration(cfg.Hub.PingInterval, 20*time.Second),
	}, logger)
	h.SetJournal(store)
	webapi.New(store, h, logger).Mount(h)

	b := bridge.New(bus, h, store, sysstat.NewSampler(), bridge.Options{
		TelemetryInterval: config.Duration(cfg.Telemetry.Interval, 500*time.Millisecond),
	}, logger)
	if err := b.Start(ctx); err != nil {
		return err
	}
	defer b.Close()
	logger.Info("deskhub: listening", "addr", h.Addr().String())

	if cfg.SystemLoad.Enabled {
		mon := sysload.New(sysstat.NewSampler(), bus, sysload.Thresholds{
			CPU: cfg.SystemLoad.CPUSpike,
			RAM: cfg.SystemLoad.RAMSpike,
			GPU: cfg.SystemLoad.GPUSpike,
		}, config.Duration(cfg.SystemLoad.Interval, 200*time.Millisecond), logger)
		mon.Start()
		defer mon.Stop()
	}
	if cfg.Media.Enabled {
		w := media.New(bus, config.Duration(cfg.Media.Interval, 500*time.Millisecond), logger)
		w.Start()
		defer w.Stop()
	}
	if cfg.Volume.Enabled {
		w := volume.New(bus, config.Duration(cfg.Volume.Interval, 200*time.Millisecond), logger)
		w.Start()
		defer w.Stop()
	}
	updater := newUpdater(cfg, store, logger)
	updater.Start(cfg.Transit.UpdateOnStart)
	defer updater.Stop()

	<-ctx.Done()
	logger.Info("deskhub: shutting down")
	h.Wait()
	return nil
}
