package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sweeney/vent-hub/internal/climate"
	"github.com/sweeney/vent-hub/internal/control"
	"github.com/sweeney/vent-hub/internal/journal"
	"github.com/sweeney/vent-hub/internal/metrics"
	"github.com/sweeney/vent-hub/internal/replicate"
	"github.com/sweeney/vent-hub/internal/state"
)

var (
	start = time.Date(2026, 4, 12, 8, 0, 0, 0, time.UTC)
	now   = start.Add(90 * time.Minute)
)

type issuedCommand struct {
	cmd    climate.Command
	source string
}

type fakeController struct {
	mu        sync.Mutex
	connected bool
	err       error
	issued    []issuedCommand
	status    control.Status
}

func (f *fakeController) Issue(_ context.Context, cmd climate.Command, source string) (control.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issued = append(f.issued, issuedCommand{cmd, source})
	if f.err != nil {
		return control.Result{}, f.err
	}
	res := control.Result{Command: cmd}
	if cmd.IsManual() {
		res.OverrideUntil = now.Add(30 * time.Minute)
	}
	return res, nil
}

func (f *fakeController) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeController) Thresholds() climate.Thresholds { return climate.DefaultThresholds() }

func (f *fakeController) Status() control.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeController) set(fn func(*fakeController)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeController) commands() []issuedCommand {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]issuedCommand(nil), f.issued...)
}

type fakeSync struct{ st replicate.Status }

func (f fakeSync) Status() replicate.Status { return f.st }

type fixture struct {
	ts    *httptest.Server
	srv   *Server
	store *state.Store
	ctl   *fakeController
	jl    *journal.Memory
}

func newTestServer(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: state.New(func() time.Time { return now }),
		ctl:   &fakeController{connected: true},
		jl:    journal.NewMemory(),
	}
	f.srv = New(Options{
		Addr:    ":0",
		Store:   f.store,
		Control: f.ctl,
		Sync:    fakeSync{replicate.Status{Failures: 2, NextWait: 1200 * time.Second}},
		Journal: f.jl,
		Metrics: metrics.New(),
		Info: Info{
			DeviceID:  "hub-1",
			Broker:    "tcp://192.168.1.200:1883",
			RemoteURL: "https://collector.example/api/",
			HTTPAddr:  ":80",
			StartTime: start,
		},
	})
	f.ts = httptest.NewServer(f.srv.Handler())
	t.Cleanup(f.ts.Close)
	return f
}

func getJSON(t *testing.T, url string, v any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp
}

func TestJSONEndpoint(t *testing.T) {
	f := newTestServer(t)
	f.store.WriteIndoor(21.5, 48, state.Float{})
	f.jl.Append(journal.Event("main", "hub started", now))
	f.ctl.set(func(c *fakeController) {
		c.status = control.Status{
			LastCommand:   climate.CommandOpen,
			LastCommandAt: now.Add(-5 * time.Minute),
			OverrideUntil: now.Add(10 * time.Minute),
			Evaluations:   7,
			LastDecision:  &control.DecisionRecord{At: now, Skip: climate.SkipCooldown, Reason: "cooldown after open"},
		}
	})

	var sj StatusJSON
	resp := getJSON(t, f.ts.URL+"/index.json", &sj)
	if resp.StatusCode != 200 {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: got %q, want application/json", ct)
	}

	hub := sj.Hub
	if hub.DeviceID != "hub-1" {
		t.Errorf("DeviceID: got %q", hub.DeviceID)
	}
	if !hub.Ready {
		t.Error("expected Ready=true once indoor data exists")
	}
	if hub.UptimeSeconds != 5400 {
		t.Errorf("UptimeSeconds: got %d, want 5400", hub.UptimeSeconds)
	}
	if !hub.MQTT.Connected || hub.MQTT.Broker != "tcp://192.168.1.200:1883" {
		t.Errorf("MQTT: %+v", hub.MQTT)
	}
	if hub.Control.LastCommand != "open" || hub.Control.Evaluations != 7 || !hub.Control.OverrideActive {
		t.Errorf("Control: %+v", hub.Control)
	}
	if hub.Control.LastDecision == nil || hub.Control.LastDecision.Skip != climate.SkipCooldown {
		t.Errorf("LastDecision: %+v", hub.Control.LastDecision)
	}
	if hub.Sync == nil || hub.Sync.Failures != 2 || hub.Sync.NextWaitSeconds != 1200 || hub.Sync.LastSync != nil {
		t.Errorf("Sync: %+v", hub.Sync)
	}
	if hub.Journal == nil || hub.Journal.Pending != 1 {
		t.Errorf("Journal: %+v", hub.Journal)
	}
}

func TestJSONNotReadyWithoutIndoorData(t *testing.T) {
	f := newTestServer(t)
	var sj StatusJSON
	getJSON(t, f.ts.URL+"/index.json", &sj)
	if sj.Hub.Ready {
		t.Error("expected Ready=false before the first indoor sample")
	}
	if sj.Hub.Control.LastCommandAt != nil || sj.Hub.Control.OverrideUntil != nil {
		t.Errorf("zero times should be null: %+v", sj.Hub.Control)
	}
}

func TestDataPlaceholders(t *testing.T) {
	f := newTestServer(t)

	resp, err := http.Get(f.ts.URL + "/api/data")
	if err != nil {
		t.Fatalf("GET /api/data: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	for _, want := range []string{
		`"temperature":null`,
		`"gas":null`,
		`"battery":null`,
		`"status":"unknown"`,
		`"position":null`,
		`"last_error":null`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("body missing %s: %s", want, body)
		}
	}
}

func TestDataValues(t *testing.T) {
	f := newTestServer(t)
	f.store.WriteIndoor(23.4, 65, state.Some(30000))
	f.store.WriteOutdoor(state.OutdoorTemperature, 12)
	open := state.ActuatorOpen
	pos, top := 800, 1600
	f.store.WriteActuator(state.ActuatorUpdate{State: &open, Position: &pos, MaxPosition: &top})

	var d DataJSON
	getJSON(t, f.ts.URL+"/api/data", &d)

	if d.Indoor.Temperature != state.Some(23.4) || d.Indoor.Gas != state.Some(30000) {
		t.Errorf("Indoor: %+v", d.Indoor)
	}
	if d.Outdoor.Temperature != state.Some(12) || d.Outdoor.Humidity.Valid {
		t.Errorf("Outdoor: %+v", d.Outdoor)
	}
	if d.Actuator.Status != "open" || d.Actuator.Position == nil || *d.Actuator.Position != 800 || *d.Actuator.MaxPosition != 1600 {
		t.Errorf("Actuator: %+v", d.Actuator)
	}
	if d.Indoor.UpdatedAt == nil || *d.Indoor.UpdatedAt != "2026-04-12T09:30:00Z" {
		t.Errorf("Indoor.UpdatedAt: %v", d.Indoor.UpdatedAt)
	}
}

func TestThresholds(t *testing.T) {
	f := newTestServer(t)
	var th climate.Thresholds
	getJSON(t, f.ts.URL+"/api/thresholds", &th)
	if th != climate.DefaultThresholds() {
		t.Errorf("thresholds: got %+v", th)
	}
}

func post(t *testing.T, url string) (int, CommandJSON) {
	t.Helper()
	resp, err := http.Post(url, "application/json", nil)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	var cj CommandJSON
	json.NewDecoder(resp.Body).Decode(&cj)
	return resp.StatusCode, cj
}

func TestWindowCommand(t *testing.T) {
	f := newTestServer(t)

	code, cj := post(t, f.ts.URL+"/api/window/manual_open")
	if code != http.StatusOK {
		t.Fatalf("status: got %d, want 200 (%+v)", code, cj)
	}
	if cj.Status != "success" || cj.Command != climate.CommandManualOpen {
		t.Errorf("response: %+v", cj)
	}
	if cj.OverrideUntil == nil || *cj.OverrideUntil != "2026-04-12T10:00:00Z" {
		t.Errorf("OverrideUntil: %v", cj.OverrideUntil)
	}

	code, cj = post(t, f.ts.URL+"/api/window/close")
	if code != http.StatusOK || cj.OverrideUntil != nil {
		t.Errorf("close: %d %+v", code, cj)
	}

	got := f.ctl.commands()
	want := []issuedCommand{{climate.CommandManualOpen, Source}, {climate.CommandClose, Source}}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("issued %+v, want %+v", got, want)
	}
}

func TestWindowCommandRejected(t *testing.T) {
	f := newTestServer(t)
	for _, cmd := range []string{"explode", "OPEN", "open;rm", "manuel_aaben"} {
		code, cj := post(t, f.ts.URL+"/api/window/"+cmd)
		if code != http.StatusBadRequest {
			t.Errorf("%q: status %d, want 400", cmd, code)
		}
		if cj.Status != "error" || cj.Error == "" {
			t.Errorf("%q: response %+v", cmd, cj)
		}
	}
	if n := len(f.ctl.commands()); n != 0 {
		t.Errorf("%d commands reached the controller", n)
	}
}

func TestWindowCommandUnavailable(t *testing.T) {
	f := newTestServer(t)
	f.ctl.set(func(c *fakeController) { c.connected = false })
	if code, _ := post(t, f.ts.URL+"/api/window/open"); code != http.StatusServiceUnavailable {
		t.Errorf("disconnected: status %d, want 503", code)
	}
	if n := len(f.ctl.commands()); n != 0 {
		t.Errorf("command issued while disconnected")
	}

	f.ctl.set(func(c *fakeController) {
		c.connected = true
		c.err = errors.New("publish command open: not connected")
	})
	code, cj := post(t, f.ts.URL+"/api/window/open")
	if code != http.StatusServiceUnavailable {
		t.Errorf("publish failure: status %d, want 503", code)
	}
	if !strings.Contains(cj.Error, "not connected") {
		t.Errorf("error: %q", cj.Error)
	}
}

func TestWindowCommandMethod(t *testing.T) {
	f := newTestServer(t)
	resp, err := http.Get(f.ts.URL + "/api/window/open")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status: got %d, want 405", resp.StatusCode)
	}
}

func TestHTMLEndpoint(t *testing.T) {
	f := newTestServer(t)
	f.store.WriteIndoor(21.5, 48, state.Float{})

	for _, path := range []string{"/", "/index.html"} {
		resp, err := http.Get(f.ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode != 200 {
			t.Errorf("%s: status %d, want 200", path, resp.StatusCode)
		}
		if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
			t.Errorf("%s: Content-Type %q", path, ct)
		}
		for _, want := range []string{"21.5°C", "no data yet", "hub-1", "1h 30m 0s"} {
			if !strings.Contains(string(body), want) {
				t.Errorf("%s: page missing %q", path, want)
			}
		}
	}
}

func TestNotFoundForUnknownPath(t *testing.T) {
	f := newTestServer(t)
	resp, err := http.Get(f.ts.URL + "/nonexistent")
	if err != nil {
		t.Fatalf("GET /nonexistent: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 404 {
		t.Errorf("status: got %d, want 404", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newTestServer(t)
	getJSON(t, f.ts.URL+"/api/thresholds", nil)

	resp, err := http.Get(f.ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), `route="/api/thresholds"`) {
		t.Errorf("request not counted:\n%s", body)
	}
}

func TestCORSHeader(t *testing.T) {
	f := newTestServer(t)
	req, _ := http.NewRequest(http.MethodGet, f.ts.URL+"/api/data", nil)
	req.Header.Set("Origin", "http://dashboard.local")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin: got %q, want *", got)
	}
}
