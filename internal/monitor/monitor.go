// Package monitor exposes a read-only HTTP+WebSocket surface over the
// detection core's running state: mode, baseline readiness, per-ID
// baseline summaries, recent alerts, and a live alert stream.
// Generalized from the reference's REST+WebSocket control API, with
// every mutating endpoint dropped — this core only observes.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/can-ids/detection-core/internal/alert"
	"github.com/can-ids/detection-core/internal/baseline"
	"github.com/can-ids/detection-core/internal/state"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Status is a snapshot of orchestrator-owned GlobalState (spec §3
// "GlobalState"), published to the monitor for read-only exposure.
type Status struct {
	Mode                   string  `json:"mode"`
	BaselineReady          bool    `json:"baseline_ready"`
	LearningStartTimestamp float64 `json:"learning_start_timestamp,omitempty"`
	LearningEndTimestamp   float64 `json:"learning_end_timestamp,omitempty"`
	RunID                  string  `json:"run_id"`
}

const recentAlertsCap = 200

// Monitor implements alert.Sink so emitted alerts are also visible
// over the API (cmd/idscore adds it to every severity's routing entry
// when the monitor is enabled), and serves the REST/WebSocket surface
// itself.
type Monitor struct {
	log       *zap.Logger
	baseline  *baseline.Engine
	states    *state.Manager
	metrics   http.Handler
	startTime time.Time

	statusMu sync.RWMutex
	status   Status

	alertsMu sync.Mutex
	recent   []alert.Alert

	wsMu    sync.RWMutex
	wsConns map[*websocket.Conn]struct{}

	upgrader   websocket.Upgrader
	httpServer *http.Server
}

// New builds a Monitor. metrics is typically (*telemetry.Metrics).Handler().
func New(log *zap.Logger, eng *baseline.Engine, states *state.Manager, metrics http.Handler) *Monitor {
	return &Monitor{
		log:       log,
		baseline:  eng,
		states:    states,
		metrics:   metrics,
		startTime: time.Now(),
		wsConns:   make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Bind attaches the engine's Baseline Engine and State Manager once
// they exist, so the monitor can serve /api/v1/status and
// /api/v1/baseline/:id. Construction order requires this as a second
// step: the engine owns baseline/state lifetime but the monitor must
// be passed to the engine as an alert.Sink before the engine exists.
func (m *Monitor) Bind(eng *baseline.Engine, states *state.Manager) {
	m.baseline = eng
	m.states = states
}

// SetStatus publishes a new GlobalState snapshot, called by the
// orchestrator on every mode transition.
func (m *Monitor) SetStatus(s Status) {
	m.statusMu.Lock()
	m.status = s
	m.statusMu.Unlock()
}

// --- alert.Sink ---

func (m *Monitor) Name() string { return "monitor" }

func (m *Monitor) Write(a alert.Alert) error {
	m.alertsMu.Lock()
	m.recent = append(m.recent, a)
	if len(m.recent) > recentAlertsCap {
		m.recent = m.recent[len(m.recent)-recentAlertsCap:]
	}
	m.alertsMu.Unlock()

	m.broadcast(wsMessage{Type: "alert", Data: a})
	return nil
}

func (m *Monitor) Close() error { return nil }

// --- HTTP/WebSocket server ---

// Start begins serving on listen. Returns once the listener is bound;
// serving happens in a background goroutine.
func (m *Monitor) Start(listen string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/status", m.handleStatus)
	mux.HandleFunc("/api/v1/alerts", m.handleAlerts)
	mux.HandleFunc("/api/v1/baseline/", m.handleBaselineByID)
	mux.HandleFunc("/ws/live", m.handleWS)
	if m.metrics != nil {
		mux.Handle("/metrics", m.metrics)
	}

	m.httpServer = &http.Server{Handler: corsMiddleware(mux)}

	lis, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("monitor: listening on %s: %w", listen, err)
	}

	m.log.Info("monitor API starting", zap.String("listen", listen))

	go func() {
		if err := m.httpServer.Serve(lis); err != nil && err != http.ErrServerClosed {
			m.log.Error("monitor API server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server and closes WebSocket
// clients.
func (m *Monitor) Stop() {
	if m.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		m.httpServer.Shutdown(ctx)
	}
	m.wsMu.Lock()
	for c := range m.wsConns {
		c.Close()
	}
	m.wsMu.Unlock()
}

type wsMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

func (m *Monitor) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	m.wsMu.Lock()
	m.wsConns[conn] = struct{}{}
	m.wsMu.Unlock()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	m.wsMu.Lock()
	delete(m.wsConns, conn)
	m.wsMu.Unlock()
	conn.Close()
}

func (m *Monitor) broadcast(msg wsMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	m.wsMu.RLock()
	defer m.wsMu.RUnlock()

	for c := range m.wsConns {
		if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
			c.Close()
			go func(conn *websocket.Conn) {
				m.wsMu.Lock()
				delete(m.wsConns, conn)
				m.wsMu.Unlock()
			}(c)
		}
	}
}

// --- REST handlers ---

func (m *Monitor) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	m.statusMu.RLock()
	status := m.status
	m.statusMu.RUnlock()

	trackedIDs := 0
	if m.states != nil {
		trackedIDs = m.states.TrackedCount()
	}

	writeJSON(w, map[string]any{
		"mode":                     status.Mode,
		"baseline_ready":           status.BaselineReady,
		"learning_start_timestamp": status.LearningStartTimestamp,
		"learning_end_timestamp":   status.LearningEndTimestamp,
		"run_id":                   status.RunID,
		"tracked_ids":              trackedIDs,
		"uptime_seconds":           int64(time.Since(m.startTime).Seconds()),
	})
}

func (m *Monitor) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	m.alertsMu.Lock()
	n := len(m.recent)
	if n > limit {
		n = limit
	}
	out := make([]alert.Alert, n)
	copy(out, m.recent[len(m.recent)-n:])
	m.alertsMu.Unlock()

	writeJSON(w, out)
}

func (m *Monitor) handleBaselineByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	idStr := strings.TrimPrefix(r.URL.Path, "/api/v1/baseline/")
	if idStr == "" {
		http.Error(w, "missing can_id", http.StatusBadRequest)
		return
	}

	var canID uint32
	if _, err := fmt.Sscanf(idStr, "0x%X", &canID); err != nil {
		if _, err := fmt.Sscanf(idStr, "%d", &canID); err != nil {
			http.Error(w, "invalid can_id", http.StatusBadRequest)
			return
		}
	}

	if m.baseline == nil || !m.baseline.IsFrozen() {
		http.Error(w, "baseline not ready", http.StatusServiceUnavailable)
		return
	}
	b, ok := m.baseline.Lookup(canID)
	if !ok {
		http.Error(w, "unknown can_id", http.StatusNotFound)
		return
	}
	writeJSON(w, b)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
