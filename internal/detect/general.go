package detect

import (
	"fmt"
	"sync"

	"github.com/can-ids/detection-core/internal/alert"
	"github.com/can-ids/detection-core/internal/baseline"
	"github.com/can-ids/detection-core/internal/config"
	"github.com/can-ids/detection-core/internal/frame"
)

// GeneralRulesDetector flags CAN IDs that never appeared in the
// learned baseline (spec §4.3.d). Unlike the other three detectors
// it needs the Baseline Engine itself, not a single IdBaseline
// lookup, since "is this ID known at all" and "register this ID as
// untrained" are Engine-level operations.
type GeneralRulesDetector struct {
	cfg config.DetectUnknownID

	mu          sync.Mutex
	shadowStart map[uint32]float64
	added       map[uint32]bool
}

// NewGeneralRulesDetector builds a General Rules detector.
func NewGeneralRulesDetector(cfg config.DetectUnknownID) *GeneralRulesDetector {
	return &GeneralRulesDetector{
		cfg:         cfg,
		shadowStart: make(map[uint32]float64),
		added:       make(map[uint32]bool),
	}
}

// Detect evaluates the unknown-ID rule. baselineReady gates all
// emission (spec §8 "no-learning-leakage"); in strict mode an unknown
// ID is reported immediately, in shadow mode it is recorded and,
// once auto_add_to_baseline is set, silently promoted to an
// untrained baseline entry after its per-ID shadow window elapses —
// shadow mode never produces a user-visible alert.
func (d *GeneralRulesDetector) Detect(f frame.Frame, now float64, baselineReady bool, eng *baseline.Engine) []alert.Alert {
	if !d.cfg.Enabled || !baselineReady {
		return nil
	}
	if eng.Contains(f.CANID) {
		return nil
	}

	switch d.cfg.LearningMode {
	case config.GeneralStrict:
		return []alert.Alert{{
			Timestamp: f.Timestamp,
			CANID:     f.CANID,
			Type:      alert.TypeUnknownIDDetected,
			Severity:  alert.Medium,
			Details:   fmt.Sprintf("can_id 0x%X not present in learned baseline", f.CANID),
			Context:   map[string]any{},
		}}
	case config.GeneralShadow:
		d.observeShadow(f.CANID, now, eng)
		return nil
	default:
		return nil
	}
}

func (d *GeneralRulesDetector) observeShadow(canID uint32, now float64, eng *baseline.Engine) {
	d.mu.Lock()
	defer d.mu.Unlock()

	start, ok := d.shadowStart[canID]
	if !ok {
		d.shadowStart[canID] = now
		return
	}

	if !d.cfg.AutoAddToBaseline || d.added[canID] {
		return
	}
	if now-start >= d.cfg.ShadowDurationSec {
		eng.AddUntrained(canID)
		d.added[canID] = true
	}
}
