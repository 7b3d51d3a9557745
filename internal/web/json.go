package web

import (
	"encoding/json"
	"time"

	"github.com/sweeney/vent-hub/internal/climate"
	"github.com/sweeney/vent-hub/internal/control"
	"github.com/sweeney/vent-hub/internal/state"
)

// StatusJSON is the JSON representation of the hub status.
type StatusJSON struct {
	Hub StatusInner `json:"hub"`
}

// StatusInner contains the status details.
type StatusInner struct {
	DeviceID      string       `json:"device_id"`
	Ready         bool         `json:"ready"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	StartTime     string       `json:"start_time"`
	Timestamp     string       `json:"timestamp"`
	MQTT          MQTTStatus   `json:"mqtt"`
	Control       ControlJSON  `json:"control"`
	Sync          *SyncJSON    `json:"sync,omitempty"`
	Journal       *JournalJSON `json:"journal,omitempty"`
	Config        ConfigJSON   `json:"config"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// ControlJSON reports the decision engine's recent activity.
type ControlJSON struct {
	LastCommand    string                  `json:"last_command"`
	LastCommandAt  *string                 `json:"last_command_at"`
	OverrideActive bool                    `json:"override_active"`
	OverrideUntil  *string                 `json:"override_until"`
	Evaluations    int                     `json:"evaluations"`
	LastDecision   *control.DecisionRecord `json:"last_decision"`
}

// SyncJSON reports replication progress.
type SyncJSON struct {
	RemoteURL       string  `json:"remote_url"`
	Failures        int     `json:"failures"`
	NextWaitSeconds int64   `json:"next_wait_seconds"`
	LastSync        *string `json:"last_sync"`
}

// JournalJSON reports the local journal backlog.
type JournalJSON struct {
	Pending int `json:"pending"`
}

// ConfigJSON is the JSON representation of hub config.
type ConfigJSON struct {
	Broker   string `json:"broker"`
	HTTPAddr string `json:"http_addr"`
	Buttons  bool   `json:"buttons"`
	History  bool   `json:"history"`
}

// DataJSON is the live reading set. Missing values are null.
type DataJSON struct {
	Indoor    IndoorJSON         `json:"indoor"`
	Outdoor   OutdoorJSON        `json:"outdoor"`
	Actuator  ActuatorJSON       `json:"actuator"`
	LastError *state.DeviceError `json:"last_error"`
	Timestamp string             `json:"timestamp"`
}

// IndoorJSON is the indoor sensor block.
type IndoorJSON struct {
	Temperature state.Float `json:"temperature"`
	Humidity    state.Float `json:"humidity"`
	Gas         state.Float `json:"gas"`
	UpdatedAt   *string     `json:"updated_at"`
}

// OutdoorJSON is the outdoor sensor block.
type OutdoorJSON struct {
	Temperature state.Float `json:"temperature"`
	Humidity    state.Float `json:"humidity"`
	Battery     state.Float `json:"battery"`
	UpdatedAt   *string     `json:"updated_at"`
}

// ActuatorJSON is the window actuator block.
type ActuatorJSON struct {
	Status      string  `json:"status"`
	Position    *int    `json:"position"`
	MaxPosition *int    `json:"max_position"`
	UpdatedAt   *string `json:"updated_at"`
}

// CommandJSON answers POST /api/window/{command}.
type CommandJSON struct {
	Status        string          `json:"status"`
	Command       climate.Command `json:"command,omitempty"`
	OverrideUntil *string         `json:"override_until,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// stamp renders t as RFC 3339, or nil when t is zero.
func stamp(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func formatData(snap state.Snapshot) DataJSON {
	d := DataJSON{
		Indoor: IndoorJSON{
			Temperature: snap.Indoor.Temperature,
			Humidity:    snap.Indoor.Humidity,
			Gas:         snap.Indoor.Gas,
			UpdatedAt:   stamp(snap.Indoor.UpdatedAt),
		},
		Outdoor: OutdoorJSON{
			Temperature: snap.Outdoor.Temperature,
			Humidity:    snap.Outdoor.Humidity,
			Battery:     snap.Outdoor.Battery,
			UpdatedAt:   stamp(snap.Outdoor.UpdatedAt),
		},
		Actuator: ActuatorJSON{
			Status:    string(snap.Actuator.State),
			UpdatedAt: stamp(snap.Actuator.UpdatedAt),
		},
		LastError: snap.LastError,
		Timestamp: snap.Now.UTC().Format(time.RFC3339),
	}
	if !snap.Actuator.UpdatedAt.IsZero() {
		pos, top := snap.Actuator.Position, snap.Actuator.MaxPosition
		d.Actuator.Position = &pos
		d.Actuator.MaxPosition = &top
	}
	return d
}

// view is everything the status page and index.json show.
type view struct {
	Snap      state.Snapshot
	Control   control.Status
	Connected bool
	Sync      *SyncJSON
	Pending   *int
	Info      Info
}

func (v view) uptime() time.Duration {
	return v.Snap.Now.Sub(v.Info.StartTime)
}

func formatStatus(v view) StatusInner {
	ctl := v.Control
	st := StatusInner{
		DeviceID:      v.Info.DeviceID,
		Ready:         v.Snap.Indoor.Temperature.Valid,
		UptimeSeconds: int64(v.uptime().Truncate(time.Second).Seconds()),
		StartTime:     v.Info.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     v.Snap.Now.UTC().Format(time.RFC3339),
		MQTT:          MQTTStatus{Connected: v.Connected, Broker: v.Info.Broker},
		Control: ControlJSON{
			LastCommand:    string(ctl.LastCommand),
			LastCommandAt:  stamp(ctl.LastCommandAt),
			OverrideActive: v.Snap.Now.Before(ctl.OverrideUntil),
			OverrideUntil:  stamp(ctl.OverrideUntil),
			Evaluations:    ctl.Evaluations,
			LastDecision:   ctl.LastDecision,
		},
		Sync: v.Sync,
		Config: ConfigJSON{
			Broker:   v.Info.Broker,
			HTTPAddr: v.Info.HTTPAddr,
			Buttons:  v.Info.Buttons,
			History:  v.Info.History,
		},
	}
	if v.Pending != nil {
		st.Journal = &JournalJSON{Pending: *v.Pending}
	}
	return st
}

func formatJSON(v view) []byte {
	data, _ := json.MarshalIndent(StatusJSON{Hub: formatStatus(v)}, "", "  ")
	return data
}
