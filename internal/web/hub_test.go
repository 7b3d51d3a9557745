package web

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sweeney/vent-hub/internal/climate"
	"github.com/sweeney/vent-hub/internal/state"
)

// startHub runs the hub until the test ends and dials one client.
func startHub(t *testing.T, f *fixture) (*websocket.Conn, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.srv.Hub().Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn, cancel
}

func read(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var m Message
	if err := conn.ReadJSON(&m); err != nil {
		t.Fatalf("read: %v", err)
	}
	return m
}

func waitClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Clients() != n {
		if time.Now().After(deadline) {
			t.Fatalf("clients = %d, want %d", h.Clients(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHubInitialMessage(t *testing.T) {
	f := newTestServer(t)
	f.store.WriteIndoor(20.5, 50, state.Float{})
	conn, _ := startHub(t, f)

	m := read(t, conn)
	if m.Type != "initial" {
		t.Fatalf("type: got %q, want initial", m.Type)
	}
	if m.Data == nil || m.Data.Indoor.Temperature != state.Some(20.5) {
		t.Errorf("data: %+v", m.Data)
	}
	if m.Thresholds == nil || *m.Thresholds != climate.DefaultThresholds() {
		t.Errorf("thresholds: %+v", m.Thresholds)
	}
}

func TestHubBroadcastsStoreChanges(t *testing.T) {
	f := newTestServer(t)
	conn, _ := startHub(t, f)
	read(t, conn) // initial
	waitClients(t, f.srv.Hub(), 1)

	f.store.WriteIndoor(24, 70, state.Some(40000))
	m := read(t, conn)
	if m.Type != "update" || m.UpdateType != string(state.ChangeIndoor) {
		t.Fatalf("message: %+v", m)
	}
	if m.Data.Indoor.Humidity != state.Some(70) {
		t.Errorf("humidity: %+v", m.Data.Indoor.Humidity)
	}

	f.store.Announce(state.ChangeOutdoor)
	if m := read(t, conn); m.UpdateType != string(state.ChangeOutdoor) {
		t.Errorf("update_type: got %q, want outdoor", m.UpdateType)
	}
}

func TestHubClientMessages(t *testing.T) {
	f := newTestServer(t)
	conn, _ := startHub(t, f)
	read(t, conn)

	tests := []struct {
		name     string
		send     ClientMessage
		wantType string
	}{
		{"get data", ClientMessage{Type: "get_data"}, "data"},
		{"manual open", ClientMessage{Type: "window_command", Command: "manual_open"}, "command_sent"},
		{"bad command", ClientMessage{Type: "window_command", Command: "DROP"}, "error"},
		{"unknown type", ClientMessage{Type: "reboot"}, "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := conn.WriteJSON(tt.send); err != nil {
				t.Fatalf("write: %v", err)
			}
			if m := read(t, conn); m.Type != tt.wantType {
				t.Errorf("type: got %q, want %q (%+v)", m.Type, tt.wantType, m)
			}
		})
	}

	got := f.ctl.commands()
	if len(got) != 1 || got[0].cmd != climate.CommandManualOpen || got[0].source != WSSource {
		t.Errorf("issued %+v", got)
	}
}

func TestHubInvalidJSON(t *testing.T) {
	f := newTestServer(t)
	conn, _ := startHub(t, f)
	read(t, conn)

	conn.WriteMessage(websocket.TextMessage, []byte("{not json"))
	if m := read(t, conn); m.Type != "error" || m.Error != "invalid JSON" {
		t.Errorf("message: %+v", m)
	}
}

func TestHubClosesClientsOnShutdown(t *testing.T) {
	f := newTestServer(t)
	conn, cancel := startHub(t, f)
	read(t, conn)
	waitClients(t, f.srv.Hub(), 1)

	cancel()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("read after shutdown: %v, want going-away close", err)
	}
	waitClients(t, f.srv.Hub(), 0)
}
