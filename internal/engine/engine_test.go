package engine

import (
	"context"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/can-ids/detection-core/internal/alert"
	"github.com/can-ids/detection-core/internal/config"
	"github.com/can-ids/detection-core/internal/source"
	"github.com/can-ids/detection-core/internal/telemetry"
	"go.uber.org/zap"
)

type spySink struct {
	alerts []alert.Alert
}

func (s *spySink) Name() string { return "spy" }
func (s *spySink) Write(a alert.Alert) error {
	s.alerts = append(s.alerts, a)
	return nil
}
func (s *spySink) Close() error { return nil }

func routeEverythingTo(name string) map[string][]string {
	return map[string][]string{"low": {name}, "medium": {name}, "high": {name}, "critical": {name}}
}

func writeTrace(t *testing.T, lines []string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trace.ndjson")
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func regularFrameLine(ts float64, id string, dlc int, payload string) string {
	return fmt.Sprintf(`{"timestamp":%f,"can_id":"%s","dlc":%d,"payload":%s}`, ts, id, dlc, payload)
}

// buildLearnTrace produces a short, regular 0x100 heartbeat stream
// (dlc=1, payload byte 0x00 static) so the baseline freezes quickly.
func buildLearnTrace(n int) []string {
	lines := make([]string, n)
	for i := 0; i < n; i++ {
		lines[i] = regularFrameLine(float64(i)*0.1, "0x100", 1, "[0]")
	}
	return lines
}

func TestEngineLearnsThenDetectsUnknownID(t *testing.T) {
	lines := buildLearnTrace(10)
	// after learning, inject a frame from a never-seen ID (0x200); its
	// timestamp ends the 1s learning window, so it is detected rather
	// than learned.
	lines = append(lines, regularFrameLine(1.0, "0x200", 1, "[9]"))
	path := writeTrace(t, lines)

	src, err := source.NewOfflineSource(path)
	if err != nil {
		t.Fatal(err)
	}

	sink := &spySink{}
	cfg := config.DefaultConfig()
	cfg.Learning.InitialWindowSec = 1 // freeze quickly given trace timestamps
	cfg.Learning.MinSamplesForStableBaseline = 1
	cfg.GeneralRules.DetectUnknownID.LearningMode = config.GeneralStrict
	mgr := alert.NewManager(zap.NewNop(), cfg.Throttle, routeEverythingTo("spy"), []alert.Sink{sink}, nil)

	eng, err := New(Params{
		Log:      zap.NewNop(),
		Cfg:      cfg,
		Source:   src,
		Offline:  true,
		Mode:     ModeAuto,
		AlertMgr: mgr,
		RunID:    "test-run",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := eng.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	found := false
	for _, a := range sink.alerts {
		if a.Type == alert.TypeUnknownIDDetected && a.CANID == 0x200 {
			found = true
		}
	}
	if !found {
		t.Errorf("expected an unknown_id_detected alert for 0x200, got %+v", sink.alerts)
	}
}

func TestEngineDetectModeRequiresBaselinePath(t *testing.T) {
	src, err := source.NewOfflineSource(writeTrace(t, nil))
	if err != nil {
		t.Fatal(err)
	}
	_, err = New(Params{
		Log:     zap.NewNop(),
		Cfg:     config.DefaultConfig(),
		Source:  src,
		Offline: true,
		Mode:    ModeDetect,
	})
	if err == nil {
		t.Fatal("expected error for missing baseline path in detect mode")
	}
}

func TestSafeDetectRecoversPanicAndCountsError(t *testing.T) {
	metrics := telemetry.NewMetrics()
	e := &Engine{log: zap.NewNop(), metrics: metrics}

	alerts := e.safeDetect("drop", func() []alert.Alert {
		panic("boom")
	})
	if alerts != nil {
		t.Errorf("expected nil alerts from a recovered panic, got %+v", alerts)
	}

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `idscore_detector_errors_total{detector="drop"} 1`) {
		t.Errorf("expected detector_errors_total{detector=drop}=1 in metrics body:\n%s", rec.Body.String())
	}
}

func TestSafeDetectPassesThroughNormalResult(t *testing.T) {
	e := &Engine{log: zap.NewNop()}
	want := []alert.Alert{{Type: alert.TypeUnknownIDDetected}}

	got := e.safeDetect("general_rules", func() []alert.Alert { return want })
	if len(got) != 1 || got[0].Type != want[0].Type {
		t.Errorf("got = %+v, want %+v", got, want)
	}
}

func TestEngineMalformedFrameCountedNotFatal(t *testing.T) {
	lines := []string{`{not json}`, regularFrameLine(0, "0x100", 0, "[]")}
	path := writeTrace(t, lines)
	src, err := source.NewOfflineSource(path)
	if err != nil {
		t.Fatal(err)
	}

	cfg := config.DefaultConfig()
	cfg.Learning.InitialWindowSec = 100
	eng, err := New(Params{
		Log:     zap.NewNop(),
		Cfg:     cfg,
		Source:  src,
		Offline: true,
		Mode:    ModeAuto,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := eng.Run(context.Background()); err != nil {
		t.Fatalf("Run should swallow malformed-line errors, got: %v", err)
	}
}
