// Package mqtt connects the hub to the sensor/actuator broker: a bounded
// reconnect state machine, inbound subscriptions and the publish path.
package mqtt

import (
	"encoding/json"
	"errors"
	"time"
)

// Transport errors.
var (
	// ErrNotConnected is returned by Publish while no session is subscribed.
	ErrNotConnected = errors.New("mqtt not connected")

	// ErrTransportRejected wraps a publish the broker refused or timed out.
	ErrTransportRejected = errors.New("mqtt publish rejected")

	// ErrGaveUp is returned by Run when every connection attempt failed.
	ErrGaveUp = errors.New("mqtt gave up connecting")
)

// Topics names every topic the hub uses.
type Topics struct {
	Temperature   string
	Humidity      string
	Battery       string
	WindowStatus  string
	WindowCommand string
	DeviceError   string

	// System carries the hub's own retained lifecycle events and its will.
	System string
}

// DefaultTopics returns the topic names the firmware is built with.
func DefaultTopics() Topics {
	return Topics{
		Temperature:   "sensor/temperature",
		Humidity:      "sensor/humidity",
		Battery:       "sensor/battery",
		WindowStatus:  "window/status",
		WindowCommand: "window/command",
		DeviceError:   "device/error",
		System:        "hub/system",
	}
}

// Inbound returns the topics the hub subscribes to.
func (t Topics) Inbound() []string {
	return []string{t.Temperature, t.Humidity, t.Battery, t.WindowStatus, t.DeviceError}
}

// Handler receives every inbound message. It is called from the transport's
// goroutine, one message at a time, in arrival order.
type Handler func(topic string, payload []byte)

// Publisher publishes to the broker.
type Publisher interface {
	// Publish sends payload and waits for the broker to accept it.
	// Returns ErrNotConnected or an error wrapping ErrTransportRejected.
	Publish(topic string, qos byte, retained bool, payload []byte) error

	ConnectionStatus
}

// ConnectionStatus reports whether the MQTT session is subscribed.
type ConnectionStatus interface {
	IsConnected() bool
}

// State is the connection state machine.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	default:
		return "disconnected"
	}
}

// CommandPayload is the actuator command message.
type CommandPayload struct {
	Command string `json:"command"`
}

// FormatCommand creates the JSON payload for an actuator command.
func FormatCommand(cmd string) ([]byte, error) {
	return json.Marshal(CommandPayload{Command: cmd})
}

// SystemEvent is a hub lifecycle event (ONLINE, OFFLINE, SHUTDOWN).
type SystemEvent struct {
	Timestamp time.Time
	Event     string
	Reason    string
}

// SystemPayload is the wire form of a SystemEvent.
type SystemPayload struct {
	Hub SystemPayloadInner `json:"hub"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	return json.Marshal(SystemPayload{
		Hub: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	})
}
