package button

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sweeney/vent-hub/internal/climate"
	"github.com/sweeney/vent-hub/internal/control"
	"github.com/sweeney/vent-hub/internal/gpio"
)

type issued struct {
	cmd    climate.Command
	source string
}

type fakeIssuer struct {
	mu  sync.Mutex
	got []issued
	err error
}

func (f *fakeIssuer) Issue(_ context.Context, cmd climate.Command, source string) (control.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, issued{cmd, source})
	return control.Result{Command: cmd}, f.err
}

func (f *fakeIssuer) commands() []issued {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]issued(nil), f.got...)
}

// drive feeds n ticks 10ms apart through the poller.
func drive(p *Poller, n int) {
	clock := t0
	p.now = func() time.Time { return clock }
	for i := 0; i < n; i++ {
		p.sample(context.Background())
		clock = clock.Add(10 * time.Millisecond)
	}
}

func TestPollerIssuesManualCommands(t *testing.T) {
	var samples []gpio.Sample
	samples = append(samples, gpio.Repeat(gpio.Sample{}, 10)...)
	samples = append(samples, gpio.Repeat(gpio.Sample{Open: true}, 10)...)
	samples = append(samples, gpio.Repeat(gpio.Sample{}, 10)...)
	samples = append(samples, gpio.Repeat(gpio.Sample{Close: true}, 10)...)

	iss := &fakeIssuer{}
	p := NewPoller(gpio.NewFakeReader(samples...), iss, 10*time.Millisecond, 50*time.Millisecond)
	drive(p, len(samples)+5)

	got := iss.commands()
	want := []issued{
		{climate.CommandManualOpen, Source},
		{climate.CommandManualClose, Source},
	}
	if len(got) != len(want) {
		t.Fatalf("issued %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("issued[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
	if c := p.Counts(); c.Open != 1 || c.Close != 1 {
		t.Errorf("counts = %+v", c)
	}
}

func TestPollerSurvivesErrors(t *testing.T) {
	r := gpio.NewFakeReader(gpio.Sample{})
	r.Fail(errors.New("line busy"))
	iss := &fakeIssuer{err: control.ErrStopped}
	p := NewPoller(r, iss, 0, 0)
	drive(p, 3)
	if len(iss.commands()) != 0 {
		t.Error("nothing should be issued on read errors")
	}
	if n := r.Reads(); n != 3 {
		t.Errorf("reads = %d, want 3", n)
	}

	r.Fail(nil)
	r.Script(append(gpio.Repeat(gpio.Sample{}, 12), gpio.Sample{Open: true})...)
	drive(p, 30)
	if got := iss.commands(); len(got) != 1 {
		t.Errorf("issued %d commands, want 1 despite issue error", len(got))
	}
}

func TestPollerStopsOnCancel(t *testing.T) {
	p := NewPoller(gpio.NewFakeReader(gpio.Sample{}), &fakeIssuer{}, 0, 0)
	ctx, cancel := context.WithCancel(context.Background())
	tick := make(chan time.Time)
	done := make(chan error, 1)
	go func() { done <- p.loop(ctx, tick) }()

	tick <- t0
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("loop returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}
}
