package mqtt

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	paho "github.com/eclipse/paho.mqtt.golang"
)

// Options configures a Client.
type Options struct {
	Broker   string
	ClientID string
	Topics   Topics

	// RetryInterval is the fixed wait between connection attempts.
	RetryInterval time.Duration
	// MaxAttempts bounds consecutive failed attempts before Run gives up.
	MaxAttempts int

	ConnectTimeout time.Duration
	PublishTimeout time.Duration

	// OnState, if set, is called on every state transition.
	OnState func(State)
	// Now defaults to time.Now.
	Now func() time.Time
}

func (o *Options) defaults() {
	if o.RetryInterval <= 0 {
		o.RetryInterval = 5 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = 5 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// session is one live, subscribed broker connection.
type session interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Unsubscribe(topics []string) error
	Disconnect()
}

// dialFunc opens a session. onLost is called at most once, when the
// session drops.
type dialFunc func(onLost func(error)) (session, error)

// Client owns the broker connection. Run drives the state machine; Publish
// may be called from any goroutine.
type Client struct {
	opts    Options
	handler Handler
	dial    dialFunc

	mu       sync.RWMutex
	state    State
	session  session
	draining bool
}

// NewClient creates a client that delivers inbound messages to h.
func NewClient(opts Options, h Handler) *Client {
	opts.defaults()
	c := &Client{opts: opts, handler: h}
	c.dial = c.dialPaho
	return c
}

// Close publishes a SHUTDOWN event and disconnects the current session.
func (c *Client) Close() error {
	c.mu.RLock()
	s := c.session
	c.mu.RUnlock()

	c.setState(StateDisconnected, nil)
	if s == nil {
		return nil
	}
	c.announce(s, "SHUTDOWN")
	s.Disconnect()
	log.Printf("mqtt: disconnected")
	return nil
}

// Run connects, subscribes and waits for the session to drop, then starts
// over. Each run of connection attempts is bounded by MaxAttempts; a
// successful connect resets the count. Run returns nil when ctx is
// cancelled and an error wrapping ErrGaveUp when the attempts run out.
func (c *Client) Run(ctx context.Context) error {
	for {
		lost := make(chan error, 1)
		onLost := func(err error) {
			select {
			case lost <- err:
			default:
			}
		}

		s, attempts, err := c.connect(ctx, onLost)
		if ctx.Err() != nil {
			if s != nil {
				s.Disconnect()
			}
			c.setState(StateDisconnected, nil)
			return nil
		}
		if err != nil {
			c.setState(StateDisconnected, nil)
			log.Printf("mqtt: giving up on %s after %d attempts: %v", c.opts.Broker, attempts, err)
			return fmt.Errorf("%w: %s after %d attempts: %v", ErrGaveUp, c.opts.Broker, attempts, err)
		}

		c.setState(StateSubscribed, s)
		log.Printf("mqtt: subscribed to %d topics on %s", len(c.opts.Topics.Inbound()), c.opts.Broker)
		c.announce(s, "ONLINE")

		select {
		case <-ctx.Done():
			// Inbound delivery stops here. The session stays up so
			// in-flight work can still publish; Close tears it down.
			c.drain(s)
			return nil
		case err := <-lost:
			c.setState(StateDisconnected, nil)
			log.Printf("mqtt: connection lost: %v", err)
			s.Disconnect()
		}
	}
}

func (c *Client) connect(ctx context.Context, onLost func(error)) (session, int, error) {
	var (
		s        session
		attempts int
	)
	op := func() error {
		attempts++
		c.setState(StateConnecting, nil)
		got, err := c.dial(onLost)
		if err != nil {
			log.Printf("mqtt: connect attempt %d/%d to %s failed: %v", attempts, c.opts.MaxAttempts, c.opts.Broker, err)
			return err
		}
		s = got
		return nil
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.opts.RetryInterval), uint64(c.opts.MaxAttempts-1)),
		ctx,
	)
	err := backoff.Retry(op, policy)
	return s, attempts, err
}

// drain stops handing inbound messages to the handler and drops the
// broker subscriptions.
func (c *Client) drain(s session) {
	c.mu.Lock()
	c.draining = true
	c.mu.Unlock()

	if err := s.Unsubscribe(c.opts.Topics.Inbound()); err != nil {
		log.Printf("mqtt: unsubscribe: %v", err)
		return
	}
	log.Printf("mqtt: unsubscribed, no longer accepting messages")
}

// deliver passes an inbound message to the handler unless Run has
// started shutting down.
func (c *Client) deliver(topic string, payload []byte) {
	c.mu.RLock()
	draining := c.draining
	c.mu.RUnlock()
	if draining {
		return
	}
	c.handler(topic, payload)
}

func (c *Client) announce(s session, event string) {
	if c.opts.Topics.System == "" {
		return
	}
	payload, err := FormatSystemPayload(SystemEvent{Timestamp: c.opts.Now(), Event: event})
	if err != nil {
		return
	}
	if err := s.Publish(c.opts.Topics.System, 1, true, payload); err != nil {
		log.Printf("mqtt: publish %s event: %v", event, err)
	}
}

func (c *Client) setState(st State, s session) {
	c.mu.Lock()
	changed := c.state != st
	c.state = st
	c.session = s
	c.mu.Unlock()

	if changed && c.opts.OnState != nil {
		c.opts.OnState(st)
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsConnected reports whether the client is subscribed.
func (c *Client) IsConnected() bool {
	return c.State() == StateSubscribed
}

// Publish sends payload on the current session. It never queues or retries.
func (c *Client) Publish(topic string, qos byte, retained bool, payload []byte) error {
	c.mu.RLock()
	s, st := c.session, c.state
	c.mu.RUnlock()

	if st != StateSubscribed || s == nil {
		return ErrNotConnected
	}
	return s.Publish(topic, qos, retained, payload)
}

// pahoSession adapts a connected paho client.
type pahoSession struct {
	client  paho.Client
	timeout time.Duration
}

func (p *pahoSession) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := p.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("%w: %s: timeout after %v", ErrTransportRejected, topic, p.timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrTransportRejected, topic, err)
	}
	return nil
}

func (p *pahoSession) Unsubscribe(topics []string) error {
	token := p.client.Unsubscribe(topics...)
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("unsubscribe timeout after %v", p.timeout)
	}
	return token.Error()
}

func (p *pahoSession) Disconnect() {
	p.client.Disconnect(1000) // 1 second quiesce
}

func (c *Client) dialPaho(onLost func(error)) (session, error) {
	will, err := FormatSystemPayload(SystemEvent{Timestamp: c.opts.Now(), Event: "OFFLINE", Reason: "connection lost"})
	if err != nil {
		return nil, fmt.Errorf("format will: %w", err)
	}

	opts := paho.NewClientOptions().
		AddBroker(c.opts.Broker).
		SetClientID(c.opts.ClientID).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetConnectTimeout(c.opts.ConnectTimeout).
		SetOrderMatters(true).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			onLost(err)
		})
	if c.opts.Topics.System != "" {
		opts.SetWill(c.opts.Topics.System, string(will), 1, true)
	}

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(c.opts.ConnectTimeout) {
		return nil, fmt.Errorf("connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}

	filters := make(map[string]byte)
	for _, t := range c.opts.Topics.Inbound() {
		filters[t] = 1
	}
	token = client.SubscribeMultiple(filters, func(_ paho.Client, m paho.Message) {
		c.deliver(m.Topic(), m.Payload())
	})
	if !token.WaitTimeout(c.opts.ConnectTimeout) {
		client.Disconnect(0)
		return nil, fmt.Errorf("subscribe timeout")
	}
	if err := token.Error(); err != nil {
		client.Disconnect(0)
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	return &pahoSession{client: client, timeout: c.opts.PublishTimeout}, nil
}
