// Package replicate forwards the journal to the remote collector with
// at-least-once delivery. Records are marked synced only after the
// collector acknowledges the batch that carried them.
package replicate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/sweeney/vent-hub/internal/journal"
	"github.com/sweeney/vent-hub/internal/metrics"
)

// Defaults match the deployed hub.
const (
	DefaultInterval     = 300 * time.Second
	DefaultMaxWait      = 2400 * time.Second
	DefaultDelay        = 30 * time.Second
	DefaultTimeout      = 30 * time.Second
	DefaultRetention    = 7 * 24 * time.Hour
	DefaultLimit        = 500
	DefaultCleanupEvery = 24 * time.Hour
)

// DeliveryError is a failed sync or cleanup call. It is always retried.
type DeliveryError struct {
	Op     string
	Status int
	Body   string
	Err    error
}

func (e *DeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.Status, e.Body)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Config configures a Client. Zero values select the defaults.
type Config struct {
	// BaseURL is the collector API root; batches go to BaseURL+"/sync".
	BaseURL  string
	Token    string
	DeviceID string

	Interval     time.Duration
	MaxWait      time.Duration
	Delay        time.Duration
	Timeout      time.Duration
	Retention    time.Duration
	Limit        int
	CleanupEvery time.Duration

	HTTPClient *http.Client
	Metrics    *metrics.Metrics
	Now        func() time.Time
	// After defaults to time.After; tests replace it.
	After func(time.Duration) <-chan time.Time
}

func (c *Config) defaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.MaxWait <= 0 {
		c.MaxWait = DefaultMaxWait
	}
	if c.Delay < 0 {
		c.Delay = 0
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	if c.Limit <= 0 {
		c.Limit = DefaultLimit
	}
	if c.CleanupEvery <= 0 {
		c.CleanupEvery = DefaultCleanupEvery
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.After == nil {
		c.After = time.After
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
}

// Client drains the journal. It is owned by one goroutine.
type Client struct {
	cfg     Config
	journal journal.Log
	breaker *gobreaker.CircuitBreaker
	backoff *backoff.ExponentialBackOff

	failures    int
	wait        time.Duration
	lastCleanup time.Time
	lastSync    time.Time

	mu     sync.Mutex
	status Status
}

// Status is the client's progress as seen from other goroutines.
type Status struct {
	Failures int           `json:"failures"`
	NextWait time.Duration `json:"next_wait"`
	LastSync time.Time     `json:"last_sync,omitempty"`
}

// New creates a client for the journal jl.
func New(jl journal.Log, cfg Config) *Client {
	cfg.defaults()
	c := &Client{
		cfg:     cfg,
		journal: jl,
		backoff: newBackOff(cfg.Interval, cfg.MaxWait),
		wait:    minDuration(cfg.Interval, cfg.MaxWait),
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "sync",
		Timeout: cfg.Interval,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("sync: circuit %s %s -> %s", name, from, to)
			cfg.Metrics.SetCircuitBreakerState(name, float64(to))
		},
	})
	c.publishStatus()
	return c
}

// newBackOff yields 2·base, 4·base, 8·base, 8·base... capped at maxWait.
func newBackOff(base, maxWait time.Duration) *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     minDuration(2*base, maxWait),
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         minDuration(8*base, maxWait),
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// Status returns the state as of the last completed cycle. Safe for
// concurrent use.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Client) publishStatus() {
	c.mu.Lock()
	c.status = Status{Failures: c.failures, NextWait: c.wait, LastSync: c.lastSync}
	c.mu.Unlock()
}

// Failures returns the consecutive failure count.
func (c *Client) Failures() int {
	return c.failures
}

// NextWait is how long Run sleeps before the next cycle.
func (c *Client) NextWait() time.Duration {
	return c.wait
}

// Run waits out the start-up grace delay, then cycles until ctx is
// cancelled. A cycle in progress completes; a final retention sweep runs
// before Run returns.
func (c *Client) Run(ctx context.Context) error {
	log.Printf("sync: sending to %s every %v (delay %v)", c.cfg.BaseURL, c.cfg.Interval, c.cfg.Delay)
	c.appendRecord(journal.Event("sync", fmt.Sprintf("sync client started, interval %v", c.cfg.Interval), c.cfg.Now()))

	wait := c.cfg.Delay
	for {
		select {
		case <-ctx.Done():
			c.sweep()
			log.Printf("sync: stopped")
			return nil
		case <-c.cfg.After(wait):
		}

		if _, err := c.Cycle(ctx); err != nil {
			log.Printf("sync: %v (failures=%d, next attempt in %v)", err, c.failures, c.wait)
		}
		wait = c.wait
	}
}

// Cycle runs one sweep, fetch, send and mark pass and returns the number of
// records confirmed. On failure nothing is marked and the same records are
// sent again next time.
func (c *Client) Cycle(ctx context.Context) (int, error) {
	c.sweep()

	records, err := c.journal.FetchUnsynced(c.cfg.Limit)
	if err != nil {
		// The journal is local; treat it like a delivery failure so the
		// loop backs off rather than spinning.
		c.fail()
		return 0, fmt.Errorf("fetch unsynced: %w", err)
	}
	if len(records) == 0 {
		c.wait = minDuration(c.cfg.Interval, c.cfg.MaxWait)
		c.publishStatus()
		c.reportPending()
		return 0, nil
	}

	batch := NewBatch(c.cfg.DeviceID, records)
	start := time.Now()
	err = c.send(ctx, batch)
	elapsed := time.Since(start)
	if err != nil {
		c.fail()
		c.cfg.Metrics.SyncResult(elapsed, 0, false, c.failures)
		c.appendRecord(journal.Error("sync", fmt.Sprintf("upload failed (attempt %d): %v", c.failures, err), c.cfg.Now()))
		return 0, err
	}

	ids := batch.IDs()
	if err := c.journal.MarkSynced(ids); err != nil {
		// The collector has the records; resending them later is a
		// duplicate, which at-least-once delivery allows.
		log.Printf("sync: mark %d records synced: %v", len(ids), err)
	}
	c.failures = 0
	c.backoff.Reset()
	c.wait = minDuration(c.cfg.Interval, c.cfg.MaxWait)
	if len(records) == c.cfg.Limit {
		// A full batch means more is waiting; drain it without pausing.
		c.wait = 0
	}
	c.lastSync = c.cfg.Now()
	c.publishStatus()
	c.cfg.Metrics.SyncResult(elapsed, len(ids), true, 0)
	c.reportPending()

	log.Printf("sync: uploaded %d records (%d readings, %d errors, %d events)",
		len(ids), len(batch.SensorReadings), len(batch.ErrorLogs), len(batch.EventLogs))

	if now := c.cfg.Now(); now.Sub(c.lastCleanup) >= c.cfg.CleanupEvery {
		if err := c.Cleanup(ctx); err != nil {
			log.Printf("sync: %v", err)
		} else {
			c.lastCleanup = now
		}
	}
	return len(ids), nil
}

func (c *Client) fail() {
	c.failures++
	c.wait = c.backoff.NextBackOff()
	c.publishStatus()
}

func (c *Client) sweep() {
	cutoff := c.cfg.Now().Add(-c.cfg.Retention)
	n, err := c.journal.Sweep(cutoff)
	if err != nil {
		log.Printf("sync: retention sweep: %v", err)
		return
	}
	if n > 0 {
		log.Printf("sync: swept %d synced records older than %v", n, c.cfg.Retention)
	}
}

func (c *Client) reportPending() {
	if n, err := c.journal.Pending(); err == nil {
		c.cfg.Metrics.SetPending(n)
	}
}

// Cleanup asks the collector to drop its own old records.
func (c *Client) Cleanup(ctx context.Context) error {
	return c.post(ctx, "cleanup", nil)
}

func (c *Client) send(ctx context.Context, b *Batch) error {
	body, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}
	return c.post(ctx, "sync", body)
}

// post makes one call through the circuit breaker. The request outlives ctx
// cancellation so shutdown never aborts a call mid-flight; the timeout
// still bounds it.
func (c *Client) post(ctx context.Context, op string, body []byte) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.Timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.BaseURL+"/"+op, bytes.NewReader(body))
		if err != nil {
			return nil, &DeliveryError{Op: op, Err: err}
		}
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Batch-ID", uuid.New().String())

		resp, err := c.cfg.HTTPClient.Do(req)
		if err != nil {
			return nil, &DeliveryError{Op: op, Err: err}
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, &DeliveryError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &DeliveryError{Op: op, Err: err}
	}
	return err
}

func (c *Client) appendRecord(r journal.Record) {
	if _, err := c.journal.Append(r); err != nil {
		log.Printf("sync: journal %s record: %v", r.Kind, err)
	}
}
