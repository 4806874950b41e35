package alert

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/can-ids/detection-core/internal/config"
	"github.com/can-ids/detection-core/internal/frame"
	"github.com/can-ids/detection-core/internal/state"
	"go.uber.org/zap"
)

type recordingSink struct {
	name    string
	written []Alert
	failNext bool
}

func (r *recordingSink) Name() string { return r.name }
func (r *recordingSink) Write(a Alert) error {
	if r.failNext {
		r.failNext = false
		return os.ErrClosed
	}
	r.written = append(r.written, a)
	return nil
}
func (r *recordingSink) Close() error { return nil }

type countingMetrics struct {
	emitted, throttled, cooldown, sinkErrors int
}

func (m *countingMetrics) IncAlertEmitted(string, string) { m.emitted++ }
func (m *countingMetrics) IncAlertThrottled()             { m.throttled++ }
func (m *countingMetrics) IncAlertCooldown()              { m.cooldown++ }
func (m *countingMetrics) IncSinkError(string)            { m.sinkErrors++ }

func newState() *state.PerIdState {
	sm := state.NewManager(zap.NewNop(), state.DefaultCaps())
	return sm.Update(frame.Frame{Timestamp: 0, CANID: 0x100, DLC: 8, Payload: make([]byte, 8)}, false)
}

func defaultRouting() map[string][]string {
	return map[string][]string{
		"low":      {"json"},
		"medium":   {"json", "text"},
		"high":     {"json", "text", "console"},
		"critical": {"json", "text", "console"},
	}
}

func TestEmitRoutesBySeverity(t *testing.T) {
	console := &recordingSink{name: "console"}
	text := &recordingSink{name: "text"}
	jsonSink := &recordingSink{name: "json"}
	metrics := &countingMetrics{}

	m := NewManager(zap.NewNop(), config.ThrottleConfig{MaxAlertsPerIDPerSec: 10, GlobalMaxAlertsPerSec: 10, CooldownMs: 0},
		defaultRouting(), []Sink{console, text, jsonSink}, metrics)

	s := newState()
	m.Emit(Alert{Timestamp: 1, CANID: 0x100, Type: TypeTamperDLCAnomaly, Severity: High}, s)

	if len(console.written) != 1 || len(text.written) != 1 || len(jsonSink.written) != 1 {
		t.Fatalf("expected high severity to fan out to all three sinks: console=%d text=%d json=%d",
			len(console.written), len(text.written), len(jsonSink.written))
	}
	if metrics.emitted != 1 {
		t.Errorf("emitted = %d, want 1", metrics.emitted)
	}
}

func TestEmitLowSeverityOnlyJSON(t *testing.T) {
	console := &recordingSink{name: "console"}
	jsonSink := &recordingSink{name: "json"}
	m := NewManager(zap.NewNop(), config.ThrottleConfig{MaxAlertsPerIDPerSec: 10, GlobalMaxAlertsPerSec: 10},
		defaultRouting(), []Sink{console, jsonSink}, nil)

	s := newState()
	m.Emit(Alert{Timestamp: 1, CANID: 0x100, Type: TypeNonPeriodicFastReplay, Severity: Low}, s)

	if len(console.written) != 0 {
		t.Error("console should not receive low-severity alerts under default routing")
	}
	if len(jsonSink.written) != 1 {
		t.Error("json sink should receive low-severity alerts")
	}
}

func TestCooldownSuppressesRepeat(t *testing.T) {
	jsonSink := &recordingSink{name: "json"}
	metrics := &countingMetrics{}
	m := NewManager(zap.NewNop(), config.ThrottleConfig{MaxAlertsPerIDPerSec: 100, GlobalMaxAlertsPerSec: 100, CooldownMs: 1000},
		defaultRouting(), []Sink{jsonSink}, metrics)

	s := newState()
	m.Emit(Alert{Timestamp: 1.0, CANID: 0x100, Type: TypeEntropyAnomaly, Severity: Medium}, s)
	m.Emit(Alert{Timestamp: 1.5, CANID: 0x100, Type: TypeEntropyAnomaly, Severity: Medium}, s)

	if len(jsonSink.written) != 1 {
		t.Fatalf("expected second alert within cooldown to be suppressed, got %d writes", len(jsonSink.written))
	}
	if metrics.cooldown != 1 {
		t.Errorf("cooldown metric = %d, want 1", metrics.cooldown)
	}
}

func TestCooldownExpiresAfterWindow(t *testing.T) {
	jsonSink := &recordingSink{name: "json"}
	m := NewManager(zap.NewNop(), config.ThrottleConfig{MaxAlertsPerIDPerSec: 100, GlobalMaxAlertsPerSec: 100, CooldownMs: 500},
		defaultRouting(), []Sink{jsonSink}, nil)

	s := newState()
	m.Emit(Alert{Timestamp: 1.0, CANID: 0x100, Type: TypeEntropyAnomaly, Severity: Medium}, s)
	m.Emit(Alert{Timestamp: 2.0, CANID: 0x100, Type: TypeEntropyAnomaly, Severity: Medium}, s)

	if len(jsonSink.written) != 2 {
		t.Fatalf("expected both alerts past cooldown window to be delivered, got %d", len(jsonSink.written))
	}
}

func TestPerIDThrottle(t *testing.T) {
	jsonSink := &recordingSink{name: "json"}
	metrics := &countingMetrics{}
	m := NewManager(zap.NewNop(), config.ThrottleConfig{MaxAlertsPerIDPerSec: 2, GlobalMaxAlertsPerSec: 100, CooldownMs: 0},
		defaultRouting(), []Sink{jsonSink}, metrics)

	s := newState()
	for i := 0; i < 5; i++ {
		m.Emit(Alert{Timestamp: 1.0, CANID: 0x100, Type: TypeEntropyAnomaly, Severity: Low}, s)
	}

	if len(jsonSink.written) != 2 {
		t.Fatalf("expected only 2 alerts within the same second to pass the per-ID bucket, got %d", len(jsonSink.written))
	}
	if metrics.throttled != 3 {
		t.Errorf("throttled = %d, want 3", metrics.throttled)
	}
}

func TestGlobalThrottle(t *testing.T) {
	jsonSink := &recordingSink{name: "json"}
	m := NewManager(zap.NewNop(), config.ThrottleConfig{MaxAlertsPerIDPerSec: 100, GlobalMaxAlertsPerSec: 1, CooldownMs: 0},
		defaultRouting(), []Sink{jsonSink}, nil)

	sm := state.NewManager(zap.NewNop(), state.DefaultCaps())
	s1 := sm.Update(frame.Frame{Timestamp: 0, CANID: 0x1, DLC: 0}, false)
	s2 := sm.Update(frame.Frame{Timestamp: 0, CANID: 0x2, DLC: 0}, false)

	m.Emit(Alert{Timestamp: 1.0, CANID: 0x1, Type: TypeUnknownIDDetected, Severity: Low}, s1)
	m.Emit(Alert{Timestamp: 1.0, CANID: 0x2, Type: TypeUnknownIDDetected, Severity: Low}, s2)

	if len(jsonSink.written) != 1 {
		t.Fatalf("expected global bucket to cap total alerts at 1, got %d", len(jsonSink.written))
	}
}

func TestSinkErrorDoesNotPropagate(t *testing.T) {
	jsonSink := &recordingSink{name: "json", failNext: true}
	metrics := &countingMetrics{}
	m := NewManager(zap.NewNop(), config.ThrottleConfig{MaxAlertsPerIDPerSec: 10, GlobalMaxAlertsPerSec: 10},
		defaultRouting(), []Sink{jsonSink}, metrics)

	s := newState()
	m.Emit(Alert{Timestamp: 1, CANID: 0x100, Type: TypeSequenceReplay, Severity: Low}, s)

	if metrics.sinkErrors != 1 {
		t.Errorf("sinkErrors = %d, want 1", metrics.sinkErrors)
	}
	if metrics.emitted != 0 {
		t.Errorf("emitted = %d, want 0 since the only routed sink failed", metrics.emitted)
	}
}

func TestJSONSinkRendersWireFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.json")
	sink, err := NewJSONSink(path)
	if err != nil {
		t.Fatalf("NewJSONSink: %v", err)
	}
	a := Alert{Timestamp: 42.5, CANID: 0x123, Type: TypeStaticByteMismatch, Severity: High, Details: "byte 2 mismatch"}
	if err := sink.Write(a); err != nil {
		t.Fatalf("Write: %v", err)
	}
	sink.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var wire struct {
		AlertType string `json:"alert_type"`
		CANID     string `json:"can_id"`
		Severity  string `json:"severity"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(data))), &wire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if wire.AlertType != "static_byte_mismatch" || wire.Severity != "high" {
		t.Errorf("wire = %+v", wire)
	}
}

func TestTextSinkAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.text")
	sink, err := NewTextSink(path)
	if err != nil {
		t.Fatalf("NewTextSink: %v", err)
	}
	sink.Write(Alert{Timestamp: 1, CANID: 0x1, Type: TypeTamperDLCAnomaly, Severity: High, Details: "d1"})
	sink.Write(Alert{Timestamp: 2, CANID: 0x1, Type: TypeTamperDLCAnomaly, Severity: High, Details: "d2"})
	sink.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 appended lines, got %d: %q", len(lines), string(data))
	}
}
