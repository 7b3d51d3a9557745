// Package web serves the hub's status page, JSON API and live websocket feed.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/sweeney/vent-hub/internal/climate"
	"github.com/sweeney/vent-hub/internal/control"
	"github.com/sweeney/vent-hub/internal/journal"
	"github.com/sweeney/vent-hub/internal/metrics"
	"github.com/sweeney/vent-hub/internal/replicate"
	"github.com/sweeney/vent-hub/internal/state"
)

// Controller is the command path. *control.Worker satisfies it.
type Controller interface {
	Issue(ctx context.Context, cmd climate.Command, source string) (control.Result, error)
	Connected() bool
	Thresholds() climate.Thresholds
	Status() control.Status
}

// SyncStatus reports replication progress. *replicate.Client satisfies it.
type SyncStatus interface {
	Status() replicate.Status
}

// Info is static hub configuration for display.
type Info struct {
	DeviceID  string
	Broker    string
	RemoteURL string
	HTTPAddr  string
	Buttons   bool
	History   bool
	StartTime time.Time
}

// Options configures a Server. Sync, Journal and Metrics are optional.
type Options struct {
	Addr    string
	Store   *state.Store
	Control Controller
	Sync    SyncStatus
	Journal journal.Log
	Metrics *metrics.Metrics
	Info    Info
}

// Source is the origin recorded for commands sent through the REST API.
const Source = "web"

// Server serves the status page and API over HTTP.
type Server struct {
	httpServer *http.Server
	opts       Options
	hub        *Hub
}

// New creates a Server. Run Hub().Run alongside it for live updates.
func New(opts Options) *Server {
	s := &Server{opts: opts, hub: NewHub(opts.Store, opts.Control)}

	r := mux.NewRouter()
	s.route(r, "/", s.handleIndex, http.MethodGet)
	s.route(r, "/index.html", s.handleIndex, http.MethodGet)
	s.route(r, "/index.json", s.handleJSON, http.MethodGet)
	s.route(r, "/api/data", s.handleData, http.MethodGet)
	s.route(r, "/api/thresholds", s.handleThresholds, http.MethodGet)
	s.route(r, "/api/window/{command}", s.handleWindow, http.MethodPost)
	s.route(r, "/ws", s.hub.ServeHTTP, http.MethodGet)
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics.Handler()).Methods(http.MethodGet)
	}

	h := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost}),
	)(r)
	h = handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(h)

	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) route(r *mux.Router, path string, h http.HandlerFunc, methods ...string) {
	r.Handle(path, s.opts.Metrics.WrapHandler(path, h)).Methods(methods...)
}

// Handler returns the root handler. Useful for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener. Useful for tests.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) view() view {
	v := view{
		Snap:      s.opts.Store.Snapshot(),
		Control:   s.opts.Control.Status(),
		Connected: s.opts.Control.Connected(),
		Info:      s.opts.Info,
	}
	if s.opts.Sync != nil {
		st := s.opts.Sync.Status()
		v.Sync = &SyncJSON{
			RemoteURL:       s.opts.Info.RemoteURL,
			Failures:        st.Failures,
			NextWaitSeconds: int64(st.NextWait.Seconds()),
			LastSync:        stamp(st.LastSync),
		}
	}
	if s.opts.Journal != nil {
		if n, err := s.opts.Journal.Pending(); err == nil {
			v.Pending = &n
		}
	}
	return v
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	renderHTML(w, s.view())
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write(formatJSON(s.view()))
}

func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, formatData(s.opts.Store.Snapshot()))
}

func (s *Server) handleThresholds(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Control.Thresholds())
}

func (s *Server) handleWindow(w http.ResponseWriter, r *http.Request) {
	cmd, err := climate.ParseCommand(mux.Vars(r)["command"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, CommandJSON{Status: "error", Error: err.Error()})
		return
	}
	if !s.opts.Control.Connected() {
		writeJSON(w, http.StatusServiceUnavailable, CommandJSON{Status: "error", Command: cmd, Error: "mqtt not connected"})
		return
	}
	res, err := s.opts.Control.Issue(r.Context(), cmd, Source)
	if err != nil {
		log.Printf("web: %s: %v", cmd, err)
		status := http.StatusServiceUnavailable
		if errors.Is(err, context.Canceled) {
			status = http.StatusRequestTimeout
		}
		writeJSON(w, status, CommandJSON{Status: "error", Command: cmd, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, CommandJSON{Status: "success", Command: res.Command, OverrideUntil: stamp(res.OverrideUntil)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("web: encode response: %v", err)
	}
}
