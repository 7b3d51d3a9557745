// Package control runs the worker that owns the decision engine. Indoor
// readings trigger automatic evaluations; manual requests from the web
// surface and the hardware buttons are serialised through the same
// goroutine, so the engine's cooldown and override state need no locking.
package control

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/sweeney/vent-hub/internal/climate"
	"github.com/sweeney/vent-hub/internal/journal"
	"github.com/sweeney/vent-hub/internal/metrics"
	"github.com/sweeney/vent-hub/internal/state"
)

// ErrStopped is returned by Issue once the worker has exited.
var ErrStopped = errors.New("control worker stopped")

// Publisher is the command publish path.
type Publisher interface {
	PublishCommand(cmd climate.Command) error
	Connected() bool
}

// Config configures a Worker. Zero values select the defaults.
type Config struct {
	Metrics *metrics.Metrics
	Now     func() time.Time
	// Buffer is the store subscription depth.
	Buffer int
}

// Result reports what happened to an issued command.
type Result struct {
	Command climate.Command `json:"command"`
	// OverrideUntil is set for manual commands.
	OverrideUntil time.Time `json:"override_until,omitempty"`
}

// Status is what the worker exposes to readers on other goroutines.
type Status struct {
	LastDecision  *DecisionRecord `json:"last_decision"`
	LastCommand   climate.Command `json:"last_command,omitempty"`
	LastCommandAt time.Time       `json:"last_command_at,omitempty"`
	OverrideUntil time.Time       `json:"override_until,omitempty"`
	Evaluations   int             `json:"evaluations"`
}

// DecisionRecord is a decision stamped with its evaluation time.
type DecisionRecord struct {
	At       time.Time         `json:"at"`
	Command  climate.Command   `json:"command,omitempty"`
	Skip     climate.Skip      `json:"skip,omitempty"`
	Reason   string            `json:"reason"`
	Triggers []climate.Trigger `json:"triggers,omitempty"`
	Seasonal bool              `json:"seasonal"`
}

type request struct {
	cmd    climate.Command
	source string
	reply  chan reply
}

type reply struct {
	res Result
	err error
}

// Worker owns a climate.Engine.
type Worker struct {
	engine  *climate.Engine
	store   *state.Store
	pub     Publisher
	journal journal.Log
	metrics *metrics.Metrics
	now     func() time.Time
	buffer  int

	requests chan request
	done     chan struct{}

	mu     sync.RWMutex
	status Status
}

// New creates a worker. Call Run to start it.
func New(engine *climate.Engine, store *state.Store, pub Publisher, jl journal.Log, cfg Config) *Worker {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 8
	}
	return &Worker{
		engine:   engine,
		store:    store,
		pub:      pub,
		journal:  jl,
		metrics:  cfg.Metrics,
		now:      cfg.Now,
		buffer:   cfg.Buffer,
		requests: make(chan request),
		done:     make(chan struct{}),
	}
}

// Run evaluates once per indoor reading and serves Issue requests until ctx
// is cancelled. The evaluation or request in progress completes first.
func (w *Worker) Run(ctx context.Context) error {
	changes, cancel := w.store.Subscribe(w.buffer)
	defer cancel()
	defer close(w.done)

	log.Printf("control: started")
	for {
		select {
		case <-ctx.Done():
			log.Printf("control: stopped")
			return nil
		case c, ok := <-changes:
			if !ok {
				return nil
			}
			if c == state.ChangeIndoor {
				w.evaluate()
			}
		case req := <-w.requests:
			res, err := w.issue(req.cmd, req.source)
			req.reply <- reply{res: res, err: err}
		}
	}
}

// Issue hands cmd to the worker and waits for it to be published. Manual
// commands install the override first; other commands are sent as-is.
func (w *Worker) Issue(ctx context.Context, cmd climate.Command, source string) (Result, error) {
	req := request{cmd: cmd, source: source, reply: make(chan reply, 1)}
	select {
	case w.requests <- req:
	case <-w.done:
		return Result{}, ErrStopped
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	// The worker always replies once it has taken a request.
	r := <-req.reply
	return r.res, r.err
}

// Connected reports whether commands can be published right now.
func (w *Worker) Connected() bool {
	return w.pub.Connected()
}

// Thresholds returns the engine's limits. They never change after New.
func (w *Worker) Thresholds() climate.Thresholds {
	return w.engine.Thresholds()
}

// Status returns a copy of the worker's status.
func (w *Worker) Status() Status {
	w.mu.RLock()
	defer w.mu.RUnlock()
	s := w.status
	if s.LastDecision != nil {
		d := *s.LastDecision
		d.Triggers = append([]climate.Trigger(nil), d.Triggers...)
		s.LastDecision = &d
	}
	return s
}

func (w *Worker) evaluate() {
	snap := w.store.Snapshot()
	in := climate.InputFromSnapshot(snap)
	in.Now = w.now()
	d := w.engine.Decide(in)

	w.setDecision(in.Now, d)
	if d.Command == "" {
		w.metrics.Decision(string(d.Skip))
		log.Printf("control: no command (%s): %s", d.Skip, d.Reason)
		return
	}
	w.metrics.Decision(string(d.Command))

	log.Printf("control: decided %s [%s]: %s", d.Command, describe(d.Triggers), d.Reason)
	if err := w.pub.PublishCommand(d.Command); err != nil {
		// Not recorded: the next indoor reading reconsiders.
		w.appendRecord(journal.Error("control", fmt.Sprintf("command %s not sent: %v", d.Command, err), in.Now))
		return
	}
	w.engine.RecordCommand(d.Command, in.Now)
	w.setLastCommand(d.Command, in.Now)

	msg := fmt.Sprintf("command %s sent: %s", d.Command, d.Reason)
	if d.Seasonal {
		msg += " (seasonal outdoor estimate)"
	}
	w.appendRecord(journal.Event("control", msg, in.Now))
}

func (w *Worker) issue(cmd climate.Command, source string) (Result, error) {
	now := w.now()
	res := Result{Command: cmd}

	if cmd.IsManual() {
		if w.engine.CancelOverrideIfManualOpen(cmd) {
			log.Printf("control: %s cleared the previous override", cmd)
		}
		res.OverrideUntil = w.engine.ActivateManualOverride(cmd, now)
		w.metrics.Override()
		w.setOverride(res.OverrideUntil)
		log.Printf("control: manual override %s from %s until %s", cmd, source, res.OverrideUntil.Format(time.RFC3339))
		w.appendRecord(journal.Event(source, fmt.Sprintf("manual override activated: %s", cmd), now))
	}

	if err := w.pub.PublishCommand(cmd); err != nil {
		w.appendRecord(journal.Error(source, fmt.Sprintf("command %s not sent: %v", cmd, err), now))
		return res, err
	}
	w.appendRecord(journal.Event(source, fmt.Sprintf("command %s sent", cmd), now))
	return res, nil
}

func (w *Worker) setDecision(at time.Time, d climate.Decision) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status.Evaluations++
	w.status.LastDecision = &DecisionRecord{
		At:       at,
		Command:  d.Command,
		Skip:     d.Skip,
		Reason:   d.Reason,
		Triggers: append([]climate.Trigger(nil), d.Triggers...),
		Seasonal: d.Seasonal,
	}
}

func (w *Worker) setLastCommand(cmd climate.Command, at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status.LastCommand = cmd
	w.status.LastCommandAt = at
}

func (w *Worker) setOverride(until time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status.OverrideUntil = until
}

func (w *Worker) appendRecord(r journal.Record) {
	if _, err := w.journal.Append(r); err != nil {
		log.Printf("control: journal %s record: %v", r.Kind, err)
	}
}

// describe renders triggers for log lines.
func describe(ts []climate.Trigger) string {
	parts := make([]string, len(ts))
	for i, t := range ts {
		parts[i] = string(t)
	}
	return strings.Join(parts, "+")
}
