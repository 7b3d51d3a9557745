package button

import (
	"context"
	"log"
	"time"

	"github.com/sweeney/vent-hub/internal/climate"
	"github.com/sweeney/vent-hub/internal/control"
	"github.com/sweeney/vent-hub/internal/gpio"
)

const (
	DefaultPoll     = 50 * time.Millisecond
	DefaultDebounce = 100 * time.Millisecond
)

// Source is the origin recorded for button presses.
const Source = "button"

// Issuer accepts manual commands. *control.Worker satisfies it.
type Issuer interface {
	Issue(ctx context.Context, cmd climate.Command, source string) (control.Result, error)
}

// Poller samples the buttons and issues a manual command per press.
type Poller struct {
	reader   gpio.Reader
	issuer   Issuer
	poll     time.Duration
	detector *Detector
	now      func() time.Time
}

// NewPoller creates a poller. Zero durations take the defaults.
func NewPoller(reader gpio.Reader, issuer Issuer, poll, debounce time.Duration) *Poller {
	if poll <= 0 {
		poll = DefaultPoll
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Poller{
		reader:   reader,
		issuer:   issuer,
		poll:     poll,
		detector: NewDetector(debounce),
		now:      time.Now,
	}
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()
	return p.loop(ctx, ticker.C)
}

func (p *Poller) loop(ctx context.Context, tick <-chan time.Time) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick:
			p.sample(ctx)
		}
	}
}

func (p *Poller) sample(ctx context.Context) {
	openPressed, closePressed, err := p.reader.Read()
	if err != nil {
		log.Printf("button: gpio read error: %v", err)
		return
	}
	for _, ev := range p.detector.Process(Input{Open: openPressed, Close: closePressed, Time: p.now()}) {
		cmd := climate.CommandManualClose
		if ev.Button == ButtonOpen {
			cmd = climate.CommandManualOpen
		}
		log.Printf("button: %s pressed, issuing %s", ev.Button, cmd)
		if _, err := p.issuer.Issue(ctx, cmd, Source); err != nil {
			log.Printf("button: %s: %v", cmd, err)
		}
	}
}

// Counts returns presses seen since startup.
func (p *Poller) Counts() Counts {
	return p.detector.Counts()
}
