// Package detect implements the fixed Drop -> Tamper -> Replay ->
// GeneralRules detector chain (spec §4.3). The detectors never mutate
// the State Manager, and Drop, Tamper and Replay only read the
// Baseline Engine; the GeneralRules detector may register an unknown
// ID as an untrained baseline entry (shadow-mode auto-add). Each
// returns a list of Alerts for the orchestrator to hand to the Alert
// Manager.
package detect

import (
	"fmt"
	"math"
	"sort"

	"github.com/can-ids/detection-core/internal/alert"
	"github.com/can-ids/detection-core/internal/baseline"
	"github.com/can-ids/detection-core/internal/config"
	"github.com/can-ids/detection-core/internal/frame"
	"github.com/can-ids/detection-core/internal/state"
)

// DropDetector flags missing frames on periodic IDs (spec §4.3.a).
type DropDetector struct {
	cfg config.DropConfig
}

// NewDropDetector builds a Drop detector bound to a resolved
// per-ID/global DropConfig.
func NewDropDetector(cfg config.DropConfig) *DropDetector {
	return &DropDetector{cfg: cfg}
}

// Detect evaluates the drop rules against the current frame. All
// rules require a frozen baseline with a positive iat_mean. When more
// than one rule fires, only the highest-severity alert is emitted;
// ties break on lexicographically-smallest alert_type (spec §9 open
// question, pinned).
func (d *DropDetector) Detect(f frame.Frame, s *state.PerIdState, b *baseline.IdBaseline) []alert.Alert {
	if b == nil || b.IATMean <= 0 {
		return nil
	}
	if d.cfg.TreatDLCZeroAsSpecial && f.DLC == 0 {
		return nil
	}

	currentIAT, ok := s.IAT()
	if !ok {
		return nil
	}

	var candidates []alert.Alert

	if currentIAT > b.IATMean*d.cfg.MaxIATFactor {
		candidates = append(candidates, alert.Alert{
			Timestamp: f.Timestamp,
			CANID:     f.CANID,
			Type:      alert.TypeIATMaxFactorViolation,
			Severity:  alert.Medium,
			Details:   fmt.Sprintf("iat %.6fs exceeds %.2fx learned mean %.6fs", currentIAT, d.cfg.MaxIATFactor, b.IATMean),
			Context: map[string]any{
				"current_iat": currentIAT,
				"iat_mean":    b.IATMean,
				"max_iat_factor": d.cfg.MaxIATFactor,
			},
		})
	}

	if currentIAT > b.IATMean+d.cfg.MissingFrameSigma*b.IATSigma {
		candidates = append(candidates, alert.Alert{
			Timestamp: f.Timestamp,
			CANID:     f.CANID,
			Type:      alert.TypeMissingFrameSigma,
			Severity:  alert.High,
			Details:   fmt.Sprintf("iat %.6fs exceeds mean+%.1fsigma (%.6fs)", currentIAT, d.cfg.MissingFrameSigma, b.IATMean+d.cfg.MissingFrameSigma*b.IATSigma),
			Context: map[string]any{
				"current_iat":        currentIAT,
				"iat_mean":           b.IATMean,
				"iat_sigma":          b.IATSigma,
				"missing_frame_sigma": d.cfg.MissingFrameSigma,
			},
		})
	}

	missed := int(math.Floor(currentIAT/b.IATMean)) - 1
	if missed > d.cfg.ConsecutiveMissingAllowed {
		candidates = append(candidates, alert.Alert{
			Timestamp: f.Timestamp,
			CANID:     f.CANID,
			Type:      alert.TypeConsecutiveMissing,
			Severity:  alert.High,
			Details:   fmt.Sprintf("estimated %d consecutive missing frames exceeds allowance %d", missed, d.cfg.ConsecutiveMissingAllowed),
			Context: map[string]any{
				"estimated_missing": missed,
				"allowed":           d.cfg.ConsecutiveMissingAllowed,
			},
		})
	}

	if len(candidates) == 0 {
		return nil
	}
	if len(candidates) == 1 {
		return candidates
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Severity != candidates[j].Severity {
			return candidates[i].Severity.Rank() > candidates[j].Severity.Rank()
		}
		return candidates[i].Type < candidates[j].Type
	})
	return candidates[:1]
}
