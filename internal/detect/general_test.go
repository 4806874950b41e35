package detect

import (
	"testing"

	"github.com/can-ids/detection-core/internal/alert"
	"github.com/can-ids/detection-core/internal/baseline"
	"github.com/can-ids/detection-core/internal/config"
	"github.com/can-ids/detection-core/internal/frame"
	"github.com/can-ids/detection-core/internal/state"
	"go.uber.org/zap"
)

func frozenEngineWith(knownIDs ...uint32) *baseline.Engine {
	e := baseline.NewEngine(zap.NewNop(), config.LearningConfig{MinSamplesForStableBaseline: 1}, 1)
	sm := state.NewManager(zap.NewNop(), state.DefaultCaps())
	for _, id := range knownIDs {
		f := frame.Frame{Timestamp: 0, CANID: id, DLC: 0}
		e.Observe(f, sm.Update(f, false))
	}
	e.Freeze()
	return e
}

func TestGeneralRulesStrictUnknownID(t *testing.T) {
	eng := frozenEngineWith(0x100, 0x200)
	d := NewGeneralRulesDetector(config.DetectUnknownID{Enabled: true, LearningMode: config.GeneralStrict})

	alerts := d.Detect(frame.Frame{Timestamp: 1.0, CANID: 0x999, DLC: 8, Payload: make([]byte, 8)}, 1.0, true, eng)
	if len(alerts) != 1 || alerts[0].Type != alert.TypeUnknownIDDetected {
		t.Fatalf("alerts = %+v, want one unknown_id_detected", alerts)
	}
	if alerts[0].Severity != alert.Medium {
		t.Errorf("severity = %v, want Medium", alerts[0].Severity)
	}
}

func TestGeneralRulesKnownIDNoAlert(t *testing.T) {
	eng := frozenEngineWith(0x100)
	d := NewGeneralRulesDetector(config.DetectUnknownID{Enabled: true, LearningMode: config.GeneralStrict})

	if alerts := d.Detect(frame.Frame{Timestamp: 1.0, CANID: 0x100}, 1.0, true, eng); alerts != nil {
		t.Errorf("expected no alert for a known ID, got %v", alerts)
	}
}

func TestGeneralRulesGatedByBaselineReady(t *testing.T) {
	eng := frozenEngineWith()
	d := NewGeneralRulesDetector(config.DetectUnknownID{Enabled: true, LearningMode: config.GeneralStrict})

	if alerts := d.Detect(frame.Frame{Timestamp: 1.0, CANID: 0x999}, 1.0, false, eng); alerts != nil {
		t.Errorf("expected no alert while baseline not ready, got %v", alerts)
	}
}

func TestGeneralRulesShadowNeverEmits(t *testing.T) {
	eng := frozenEngineWith()
	d := NewGeneralRulesDetector(config.DetectUnknownID{
		Enabled:           true,
		LearningMode:      config.GeneralShadow,
		ShadowDurationSec: 5,
		AutoAddToBaseline: true,
	})

	if alerts := d.Detect(frame.Frame{Timestamp: 0.0, CANID: 0x999}, 0.0, true, eng); alerts != nil {
		t.Errorf("shadow mode must never emit a user-visible alert, got %v", alerts)
	}
	if alerts := d.Detect(frame.Frame{Timestamp: 10.0, CANID: 0x999}, 10.0, true, eng); alerts != nil {
		t.Errorf("shadow mode must never emit a user-visible alert, got %v", alerts)
	}
}

func TestGeneralRulesShadowAutoAddsAfterWindow(t *testing.T) {
	eng := frozenEngineWith()
	d := NewGeneralRulesDetector(config.DetectUnknownID{
		Enabled:           true,
		LearningMode:      config.GeneralShadow,
		ShadowDurationSec: 5,
		AutoAddToBaseline: true,
	})

	d.Detect(frame.Frame{Timestamp: 0.0, CANID: 0x999}, 0.0, true, eng)
	if eng.Contains(0x999) {
		t.Fatal("0x999 should not be added before the shadow window elapses")
	}
	d.Detect(frame.Frame{Timestamp: 6.0, CANID: 0x999}, 6.0, true, eng)
	if !eng.Contains(0x999) {
		t.Fatal("0x999 should be auto-added once the shadow window elapses")
	}
}
