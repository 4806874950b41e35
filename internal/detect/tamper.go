package detect

import (
	"fmt"
	"math"

	"github.com/can-ids/detection-core/internal/alert"
	"github.com/can-ids/detection-core/internal/baseline"
	"github.com/can-ids/detection-core/internal/config"
	"github.com/can-ids/detection-core/internal/frame"
	"github.com/can-ids/detection-core/internal/state"
)

// TamperDetector flags payload or DLC deviations from the learned
// baseline (spec §4.3.b). Rules run, and alerts are appended, in a
// fixed order — DLC, entropy, static-byte, byte-behavior — so that
// emission for a single frame is deterministic.
type TamperDetector struct {
	cfg               config.TamperConfig
	minEntropySamples int
}

// NewTamperDetector builds a Tamper detector. minEntropySamples
// mirrors learning.min_entropy_samples — it lives outside
// config.TamperConfig because it's a learning-phase knob shared with
// the Baseline Engine, not a per-ID tamper tunable.
func NewTamperDetector(cfg config.TamperConfig, minEntropySamples int) *TamperDetector {
	return &TamperDetector{cfg: cfg, minEntropySamples: minEntropySamples}
}

func (d *TamperDetector) Detect(f frame.Frame, s *state.PerIdState, b *baseline.IdBaseline) []alert.Alert {
	if b == nil {
		return nil
	}

	var alerts []alert.Alert

	if a, ok := d.checkDLC(f, b); ok {
		alerts = append(alerts, a)
	}

	if !b.Untrained {
		if a, ok := d.checkEntropy(f, b); ok {
			alerts = append(alerts, a)
		}
		if a, ok := d.checkStaticByte(f, b); ok {
			alerts = append(alerts, a)
		}
		if a, ok := d.checkByteBehavior(f, s, b); ok {
			alerts = append(alerts, a)
		}
	}

	return alerts
}

func (d *TamperDetector) checkDLC(f frame.Frame, b *baseline.IdBaseline) (alert.Alert, bool) {
	// The source's "adaptive" mode has no defined adaptation algorithm
	// (spec §9 open question); treated as strict_whitelist.
	if b.LearnedDLCs[f.DLC] {
		return alert.Alert{}, false
	}
	return alert.Alert{
		Timestamp: f.Timestamp,
		CANID:     f.CANID,
		Type:      alert.TypeTamperDLCAnomaly,
		Severity:  alert.High,
		Details:   fmt.Sprintf("dlc %d not in learned whitelist", f.DLC),
		Context:   map[string]any{"dlc": f.DLC, "learned_dlcs": sortedDLCs(b.LearnedDLCs)},
	}, true
}

func (d *TamperDetector) checkEntropy(f frame.Frame, b *baseline.IdBaseline) (alert.Alert, bool) {
	if !d.cfg.EntropyParams.Enabled {
		return alert.Alert{}, false
	}
	if b.EntropySamples < d.minEntropySamples {
		return alert.Alert{}, false
	}
	if int(f.DLC) < d.cfg.PayloadAnalysisMinDLC {
		return alert.Alert{}, false
	}

	ent := baseline.Entropy(f.Payload)
	diff := math.Abs(ent - b.EntropyMean)
	threshold := d.cfg.EntropyParams.SigmaThreshold * b.EntropySigma
	if diff <= threshold {
		return alert.Alert{}, false
	}
	return alert.Alert{
		Timestamp: f.Timestamp,
		CANID:     f.CANID,
		Type:      alert.TypeEntropyAnomaly,
		Severity:  alert.Medium,
		Details:   fmt.Sprintf("payload entropy %.3f deviates %.3f from learned mean %.3f (threshold %.3f)", ent, diff, b.EntropyMean, threshold),
		Context: map[string]any{
			"entropy":       ent,
			"entropy_mean":  b.EntropyMean,
			"entropy_sigma": b.EntropySigma,
		},
	}, true
}

func (d *TamperDetector) checkStaticByte(f frame.Frame, b *baseline.IdBaseline) (alert.Alert, bool) {
	if !d.cfg.ByteBehaviorParams.Enabled {
		return alert.Alert{}, false
	}

	var mismatches []int
	for i := 0; i < len(f.Payload) && i < frame.MaxPayloadLen; i++ {
		if b.ByteBehavior[i].Kind != baseline.KindStatic {
			continue
		}
		if f.Payload[i] != b.StaticByteValues[i] {
			mismatches = append(mismatches, i)
		}
	}

	if len(mismatches) < d.cfg.ByteBehaviorParams.StaticByteMismatchThreshold {
		return alert.Alert{}, false
	}
	return alert.Alert{
		Timestamp: f.Timestamp,
		CANID:     f.CANID,
		Type:      alert.TypeStaticByteMismatch,
		Severity:  alert.High,
		Details:   fmt.Sprintf("%d static byte position(s) mismatched learned value", len(mismatches)),
		Context:   map[string]any{"positions": mismatches},
	}, true
}

func (d *TamperDetector) checkByteBehavior(f frame.Frame, s *state.PerIdState, b *baseline.IdBaseline) (alert.Alert, bool) {
	if !d.cfg.ByteBehaviorParams.Enabled {
		return alert.Alert{}, false
	}

	var deviating []int
	for i := 0; i < len(f.Payload) && i < frame.MaxPayloadLen; i++ {
		behavior := b.ByteBehavior[i]
		switch behavior.Kind {
		case baseline.KindVariable:
			if f.Payload[i] < behavior.Min || f.Payload[i] > behavior.Max {
				deviating = append(deviating, i)
			}
		case baseline.KindCounter:
			if !d.cfg.ByteBehaviorParams.CounterByteParams.DetectSimpleCounters {
				continue
			}
			prev, ok := previousByteValue(s, i)
			if !ok {
				continue
			}
			step := int(f.Payload[i]) - int(prev)
			if step < 0 {
				step += behavior.CounterModulus
			}
			if !withinCounterTolerance(step, behavior.CounterStep, behavior.CounterModulus, d.cfg.ByteBehaviorParams.CounterByteParams.AllowedCounterSkips) {
				deviating = append(deviating, i)
			}
		}
	}

	if len(deviating) == 0 {
		return alert.Alert{}, false
	}

	severity := alert.Medium
	if len(deviating) >= 4 {
		severity = alert.High
	}
	return alert.Alert{
		Timestamp: f.Timestamp,
		CANID:     f.CANID,
		Type:      alert.TypeByteBehaviorAnomaly,
		Severity:  severity,
		Details:   fmt.Sprintf("%d byte position(s) deviate from learned counter/variable behavior", len(deviating)),
		Context:   map[string]any{"positions": deviating},
	}, true
}

// previousByteValue returns the byte observed at position i on the
// frame before the current one. State Manager updates before
// detectors run (spec §2), so the current value is the ring's last
// entry and the previous value is second-to-last.
func previousByteValue(s *state.PerIdState, i int) (byte, bool) {
	ring := s.PayloadByteHistory[i]
	if ring.Len() < 2 {
		return 0, false
	}
	return ring.At(ring.Len() - 2), true
}

func withinCounterTolerance(observedStep, learnedStep, modulus, allowedSkips int) bool {
	for skip := -allowedSkips; skip <= allowedSkips; skip++ {
		want := ((learnedStep+skip)%modulus + modulus) % modulus
		if observedStep == want {
			return true
		}
	}
	return false
}

func sortedDLCs(m map[uint8]bool) []int {
	out := make([]int, 0, len(m))
	for dlc := range m {
		out = append(out, int(dlc))
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}
