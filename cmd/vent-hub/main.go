// Command vent-hub runs the ventilation hub: it ingests sensor and actuator
// messages over MQTT, decides when to open the window, and forwards its
// journal to the remote collector.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/sweeney/vent-hub/internal/button"
	"github.com/sweeney/vent-hub/internal/climate"
	"github.com/sweeney/vent-hub/internal/control"
	"github.com/sweeney/vent-hub/internal/gpio"
	"github.com/sweeney/vent-hub/internal/history"
	"github.com/sweeney/vent-hub/internal/indoor"
	"github.com/sweeney/vent-hub/internal/ingest"
	"github.com/sweeney/vent-hub/internal/journal"
	"github.com/sweeney/vent-hub/internal/metrics"
	"github.com/sweeney/vent-hub/internal/mqtt"
	"github.com/sweeney/vent-hub/internal/replicate"
	"github.com/sweeney/vent-hub/internal/state"
	"github.com/sweeney/vent-hub/internal/web"
)

// Environment variables that seed flag defaults.
const (
	envBroker       = "MQTT_BROKER_HOST"
	envSyncURL      = "REMOTE_SERVER_URL"
	envSyncToken    = "BEARER_TOKEN"
	envSyncInterval = "SYNC_INTERVAL"
	envDeviceID     = "DEVICE_ID"
)

// sourceHub is the journal source for lifecycle events.
const sourceHub = "hub"

type config struct {
	broker   string
	clientID string
	deviceID string
	httpAddr string
	journal  string

	syncURL      string
	syncToken    string
	syncInterval time.Duration
	syncMaxWait  time.Duration
	syncDelay    time.Duration
	syncTimeout  time.Duration
	retention    time.Duration

	indoorIIO      string
	indoorInterval time.Duration

	pinOpen  int
	pinClose int
	debounce time.Duration

	influxURL    string
	influxToken  string
	influxOrg    string
	influxBucket string

	printState bool
}

func main() {
	cfg, err := parseFlags(os.Args[1:], os.Getenv)
	if err != nil {
		log.Fatalf("fatal: %v", err)
	}
	if err := run(cfg); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

func parseFlags(args []string, getenv func(string) string) (config, error) {
	var cfg config
	syncInterval, err := envDuration(getenv, envSyncInterval, replicate.DefaultInterval)
	if err != nil {
		return cfg, err
	}

	fs := flag.NewFlagSet("vent-hub", flag.ContinueOnError)
	fs.StringVar(&cfg.broker, "broker", brokerURL(envOr(getenv, envBroker, "localhost")), "MQTT broker address")
	fs.StringVar(&cfg.clientID, "client-id", "", "MQTT client id (default vent-hub-<random>)")
	fs.StringVar(&cfg.deviceID, "device-id", envOr(getenv, envDeviceID, "vent-hub"), "Device id reported to the collector")
	fs.StringVar(&cfg.httpAddr, "http", ":80", "HTTP status address (empty to disable)")
	fs.StringVar(&cfg.journal, "journal", "/var/lib/vent-hub/journal.db", "Journal database path")

	fs.StringVar(&cfg.syncURL, "sync-url", getenv(envSyncURL), "Collector API root (empty to disable replication)")
	fs.StringVar(&cfg.syncToken, "sync-token", getenv(envSyncToken), "Collector bearer token")
	fs.DurationVar(&cfg.syncInterval, "sync-interval", syncInterval, "Replication interval")
	fs.DurationVar(&cfg.syncMaxWait, "sync-max-wait", replicate.DefaultMaxWait, "Longest wait between failed replication attempts")
	fs.DurationVar(&cfg.syncDelay, "sync-delay", replicate.DefaultDelay, "Delay before the first replication cycle")
	fs.DurationVar(&cfg.syncTimeout, "sync-timeout", replicate.DefaultTimeout, "Collector request timeout")
	fs.DurationVar(&cfg.retention, "retention", replicate.DefaultRetention, "How long synced records stay in the journal")

	fs.StringVar(&cfg.indoorIIO, "indoor-iio", indoor.DefaultIIODevice, "BME680 IIO device directory (empty to disable)")
	fs.DurationVar(&cfg.indoorInterval, "indoor-interval", indoor.DefaultInterval, "Indoor sampling interval")

	fs.IntVar(&cfg.pinOpen, "pin-open", gpio.DefaultPinOpen, "BCM pin for the manual open button (-1 disables buttons)")
	fs.IntVar(&cfg.pinClose, "pin-close", gpio.DefaultPinClose, "BCM pin for the manual close button (-1 disables buttons)")
	fs.DurationVar(&cfg.debounce, "debounce", button.DefaultDebounce, "Button debounce duration")

	fs.StringVar(&cfg.influxURL, "influx-url", "", "InfluxDB URL for the history mirror (empty to disable)")
	fs.StringVar(&cfg.influxToken, "influx-token", "", "InfluxDB token")
	fs.StringVar(&cfg.influxOrg, "influx-org", "", "InfluxDB organisation")
	fs.StringVar(&cfg.influxBucket, "influx-bucket", "vent-hub", "InfluxDB bucket")

	fs.BoolVar(&cfg.printState, "print-state", false, "Print indoor sensor and button state and exit")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if cfg.clientID == "" {
		cfg.clientID = "vent-hub-" + uuid.NewString()[:8]
	}
	return cfg, nil
}

func run(cfg config) error {
	if cfg.printState {
		return printState(cfg)
	}

	start := time.Now()
	m := metrics.New()

	bolt, err := journal.OpenBolt(cfg.journal)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	var jl journal.Log = bolt
	if cfg.influxURL != "" {
		mirror, err := history.Open(bolt, history.Config{
			URL:    cfg.influxURL,
			Token:  cfg.influxToken,
			Org:    cfg.influxOrg,
			Bucket: cfg.influxBucket,
			Device: cfg.deviceID,
		})
		if err != nil {
			bolt.Close()
			return err
		}
		jl = mirror
	}
	defer func() {
		if err := jl.Close(); err != nil {
			log.Printf("close journal: %v", err)
		}
	}()
	appendEvent(jl, fmt.Sprintf("hub started, device %s, broker %s", cfg.deviceID, cfg.broker))

	store := state.New(time.Now)
	topics := mqtt.DefaultTopics()

	var pipe *ingest.Pipeline
	client := mqtt.NewClient(mqtt.Options{
		Broker:   cfg.broker,
		ClientID: cfg.clientID,
		Topics:   topics,
		OnState:  func(s mqtt.State) { m.SetMQTTState(int(s)) },
	}, func(topic string, payload []byte) { pipe.HandleMessage(topic, payload) })
	pipe = ingest.New(store, jl, client, ingest.Config{Topics: topics, Metrics: m})

	engine := climate.NewEngine(climate.DefaultThresholds(), climate.DefaultTiming())
	worker := control.New(engine, store, pipe, jl, control.Config{Metrics: m})

	var repl *replicate.Client
	if cfg.syncURL != "" {
		repl = replicate.New(jl, replicate.Config{
			BaseURL:   cfg.syncURL,
			Token:     cfg.syncToken,
			DeviceID:  cfg.deviceID,
			Interval:  cfg.syncInterval,
			MaxWait:   cfg.syncMaxWait,
			Delay:     cfg.syncDelay,
			Timeout:   cfg.syncTimeout,
			Retention: cfg.retention,
			Metrics:   m,
		})
	} else {
		log.Printf("sync: disabled (no --sync-url)")
	}

	var sampler *indoor.Sampler
	if cfg.indoorIIO != "" {
		sensor, err := indoor.NewIIO(cfg.indoorIIO)
		if err != nil {
			// The hub still relays outdoor data and commands without it.
			log.Printf("indoor: %v; indoor sampling disabled", err)
			appendError(jl, journal.SourceIndoor, err.Error())
		} else {
			sampler = indoor.NewSampler(sensor, pipe, jl, indoor.Config{Interval: cfg.indoorInterval, Metrics: m})
		}
	}

	var poller *button.Poller
	buttons := gpio.Enabled(cfg.pinOpen, cfg.pinClose)
	if buttons {
		reader, err := gpio.NewRealReader(cfg.pinOpen, cfg.pinClose)
		switch {
		case errors.Is(err, gpio.ErrUnsupported):
			log.Printf("button: %v; buttons disabled", err)
			buttons = false
		case err != nil:
			return fmt.Errorf("init gpio: %w", err)
		default:
			defer reader.Close()
			poller = button.NewPoller(reader, worker, button.DefaultPoll, cfg.debounce)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	var srv *web.Server
	if cfg.httpAddr != "" {
		opts := web.Options{
			Addr:    cfg.httpAddr,
			Store:   store,
			Control: worker,
			Journal: jl,
			Metrics: m,
			Info: web.Info{
				DeviceID:  cfg.deviceID,
				Broker:    cfg.broker,
				RemoteURL: cfg.syncURL,
				HTTPAddr:  cfg.httpAddr,
				Buttons:   buttons,
				History:   cfg.influxURL != "",
				StartTime: start,
			},
		}
		if repl != nil {
			opts.Sync = repl
		}
		srv = web.New(opts)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("http server error: %v", err)
			}
		}()
		g.Go(func() error { return srv.Hub().Run(gctx) })
		log.Printf("http status server listening on %s", cfg.httpAddr)
	}

	g.Go(func() error { return client.Run(gctx) })
	g.Go(func() error { return worker.Run(gctx) })
	if sampler != nil {
		g.Go(func() error { return sampler.Run(gctx) })
	}
	if poller != nil {
		g.Go(func() error { return poller.Run(gctx) })
	}
	if repl != nil {
		g.Go(func() error { return repl.Run(gctx) })
	}

	log.Printf("started: device=%s broker=%s client=%s buttons=%v", cfg.deviceID, cfg.broker, cfg.clientID, buttons)

	err = g.Wait()
	reason := "signal"
	if err != nil {
		reason = err.Error()
	}
	log.Printf("shutting down: %s", reason)
	appendEvent(jl, "hub shutting down: "+reason)

	client.Close()
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("http shutdown: %v", err)
		}
		cancel()
	}

	if errors.Is(err, mqtt.ErrGaveUp) {
		return err
	}
	if err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	return nil
}

func printState(cfg config) error {
	if cfg.indoorIIO != "" {
		sensor, err := indoor.NewIIO(cfg.indoorIIO)
		if err != nil {
			return err
		}
		s, err := sensor.Read()
		if err != nil {
			return fmt.Errorf("read indoor sensor: %w", err)
		}
		fmt.Println(formatSample(s))
	}
	if gpio.Enabled(cfg.pinOpen, cfg.pinClose) {
		reader, err := gpio.NewRealReader(cfg.pinOpen, cfg.pinClose)
		if err != nil {
			return fmt.Errorf("init gpio: %w", err)
		}
		defer reader.Close()
		openPressed, closePressed, err := reader.Read()
		if err != nil {
			return fmt.Errorf("read gpio: %w", err)
		}
		fmt.Printf("open button: %s, close button: %s\n", buttonString(openPressed), buttonString(closePressed))
	}
	return nil
}

func appendEvent(jl journal.Log, msg string) {
	if _, err := jl.Append(journal.Event(sourceHub, msg, time.Now())); err != nil {
		log.Printf("journal: %v", err)
	}
}

func appendError(jl journal.Log, source, msg string) {
	if _, err := jl.Append(journal.Error(source, msg, time.Now())); err != nil {
		log.Printf("journal: %v", err)
	}
}

func formatSample(s indoor.Sample) string {
	gas := "n/a"
	if s.Gas.Valid {
		gas = fmt.Sprintf("%.0fΩ", s.Gas.Value)
	}
	return fmt.Sprintf("indoor: %.1f°C, %.1f%%RH, gas %s", s.Temperature, s.Humidity, gas)
}

func buttonString(pressed bool) string {
	if pressed {
		return "PRESSED"
	}
	return "RELEASED"
}

func envOr(getenv func(string) string, key, def string) string {
	if v := getenv(key); v != "" {
		return v
	}
	return def
}

// envDuration reads key as whole seconds or a Go duration string.
func envDuration(getenv func(string) string, key string, def time.Duration) (time.Duration, error) {
	v := getenv(key)
	if v == "" {
		return def, nil
	}
	if n, err := strconv.Atoi(v); err == nil {
		if n <= 0 {
			return 0, fmt.Errorf("%s: must be positive, got %d", key, n)
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: must be positive, got %v", key, d)
	}
	return d, nil
}

// brokerURL turns a bare host (as MQTT_BROKER_HOST holds) into a tcp URL.
func brokerURL(host string) string {
	if strings.Contains(host, "://") {
		return host
	}
	if _, _, err := net.SplitHostPort(host); err == nil {
		return "tcp://" + host
	}
	return "tcp://" + net.JoinHostPort(host, "1883")
}
