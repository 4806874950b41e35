package alert

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/can-ids/detection-core/internal/config"
	"github.com/can-ids/detection-core/internal/state"
	"go.uber.org/zap"
)

// Sink writes a single alert to an output destination (spec §4.4
// "Console, rolling text log, rolling JSON log").
type Sink interface {
	Name() string
	Write(a Alert) error
	Close() error
}

// Metrics is the subset of telemetry counters the Alert Manager
// reports against. Kept as an interface so internal/alert does not
// import internal/telemetry directly.
type Metrics interface {
	IncAlertEmitted(alertType, severity string)
	IncAlertThrottled()
	IncAlertCooldown()
	IncSinkError(sink string)
}

type noopMetrics struct{}

func (noopMetrics) IncAlertEmitted(string, string) {}
func (noopMetrics) IncAlertThrottled()             {}
func (noopMetrics) IncAlertCooldown()              {}
func (noopMetrics) IncSinkError(string)            {}

// secondBucket is a second-aligned counting window (spec §4.4
// "Throttle buckets are second-aligned").
type secondBucket struct {
	second int64
	count  int
}

func (b *secondBucket) allow(now float64, limit int) bool {
	sec := int64(now)
	if sec != b.second {
		b.second = sec
		b.count = 0
	}
	b.count++
	return b.count <= limit
}

// Manager applies severity tagging, throttling, cooldown, and sink
// routing to detector output (spec §4.4).
type Manager struct {
	log     *zap.Logger
	cfg         config.ThrottleConfig
	throttleFor func(canID uint32) config.ThrottleConfig
	routing     map[string][]string
	sinks       map[string]Sink
	metrics     Metrics

	mu           sync.Mutex
	globalBucket secondBucket
	perIDBuckets map[idType]*secondBucket
}

type idType struct {
	canID uint32
	typ   Type
}

// NewManager builds an Alert Manager wired to the given sinks (keyed
// by name, e.g. "console", "text", "json") and throttle config.
// metrics may be nil, in which case counters are discarded.
func NewManager(log *zap.Logger, throttle config.ThrottleConfig, routing map[string][]string, sinks []Sink, metrics Metrics) *Manager {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	sinkByName := make(map[string]Sink, len(sinks))
	for _, s := range sinks {
		sinkByName[s.Name()] = s
	}
	return &Manager{
		log:          log,
		cfg:          throttle,
		routing:      routing,
		sinks:        sinkByName,
		metrics:      metrics,
		perIDBuckets: make(map[idType]*secondBucket),
	}
}

// SetThrottleResolver overrides the fixed throttle config with a
// per-CAN-ID resolver, wiring spec §6's "resolution is
// ID-specific-then-global" into the Alert Manager. nil restores the
// fixed config passed to NewManager.
func (m *Manager) SetThrottleResolver(resolve func(canID uint32) config.ThrottleConfig) {
	m.mu.Lock()
	m.throttleFor = resolve
	m.mu.Unlock()
}

// Emit applies cooldown, throttling, and routing to a single alert.
// s is the originating CAN ID's PerIdState, used for cooldown
// bookkeeping (spec §3 "last_alert_times").
func (m *Manager) Emit(a Alert, s *state.PerIdState) {
	throttle := m.cfg
	if m.throttleFor != nil {
		throttle = m.throttleFor(a.CANID)
	}

	if last, ok := s.LastAlertTime(a.Type); ok {
		cooldownSec := float64(throttle.CooldownMs) / 1000.0
		if a.Timestamp-last < cooldownSec {
			m.metrics.IncAlertCooldown()
			return
		}
	}

	m.mu.Lock()
	key := idType{canID: a.CANID, typ: a.Type}
	bucket, ok := m.perIDBuckets[key]
	if !ok {
		bucket = &secondBucket{}
		m.perIDBuckets[key] = bucket
	}
	idOK := bucket.allow(a.Timestamp, throttle.MaxAlertsPerIDPerSec)
	globalOK := m.globalBucket.allow(a.Timestamp, throttle.GlobalMaxAlertsPerSec)
	m.mu.Unlock()

	if !idOK || !globalOK {
		m.metrics.IncAlertThrottled()
		return
	}

	s.SetLastAlertTime(a.Type, a.Timestamp)
	m.route(a)
}

// route fans a cleared alert out to the sinks named by the severity's
// routing entry (spec §4.4 "Severity → sink routing").
func (m *Manager) route(a Alert) {
	names := m.routing[a.Severity.String()]
	delivered := false
	for _, name := range names {
		sink, ok := m.sinks[name]
		if !ok {
			continue
		}
		if err := sink.Write(a); err != nil {
			m.metrics.IncSinkError(name)
			if m.log != nil {
				m.log.Warn("alert sink write failed", zap.String("sink", name), zap.Error(err))
			}
			continue
		}
		delivered = true
	}
	if delivered {
		m.metrics.IncAlertEmitted(string(a.Type), a.Severity.String())
	}
}

// Close closes every registered sink, aggregating errors.
func (m *Manager) Close() error {
	var firstErr error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// --- sinks ---

// ConsoleSink writes human-readable lines to an io-capable logger.
type ConsoleSink struct {
	log *zap.Logger
}

// NewConsoleSink builds a sink that logs alerts through zap at Warn
// level (spec §4.4 "Console").
func NewConsoleSink(log *zap.Logger) *ConsoleSink {
	return &ConsoleSink{log: log}
}

func (c *ConsoleSink) Name() string { return "console" }

func (c *ConsoleSink) Write(a Alert) error {
	c.log.Warn("alert",
		zap.String("alert_type", string(a.Type)),
		zap.String("can_id", a.toWire().CANID),
		zap.String("severity", a.Severity.String()),
		zap.String("details", a.Details),
	)
	return nil
}

func (c *ConsoleSink) Close() error { return nil }

// FileSink appends one rendered alert per line to a rolling-less
// append-only file (rotation is left to an external log-rotation
// tool, matching how the reference leaves rotation to operators).
type FileSink struct {
	name   string
	mu     sync.Mutex
	f      *os.File
	render func(a Alert) ([]byte, error)
}

func renderText(a Alert) ([]byte, error) {
	line := fmt.Sprintf("%.6f %s %s %s %s\n", a.Timestamp, a.toWire().CANID, a.Severity.String(), a.Type, a.Details)
	return []byte(line), nil
}

func renderJSON(a Alert) ([]byte, error) {
	data, err := json.Marshal(a.toWire())
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// NewTextSink opens (creating/appending to) an append-only text-log sink.
func NewTextSink(path string) (*FileSink, error) {
	return newFileSink("text", path, renderText)
}

// NewJSONSink opens (creating/appending to) an append-only JSON-log sink.
func NewJSONSink(path string) (*FileSink, error) {
	return newFileSink("json", path, renderJSON)
}

func newFileSink(name, path string, render func(a Alert) ([]byte, error)) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening %s sink at %s: %w", name, path, err)
	}
	return &FileSink{name: name, f: f, render: render}, nil
}

func (f *FileSink) Name() string { return f.name }

func (f *FileSink) Write(a Alert) error {
	data, err := f.render(a)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_, err = f.f.Write(data)
	return err
}

func (f *FileSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.f.Close()
}
