package detect

import (
	"fmt"
	"hash/maphash"
	"sync"

	"github.com/can-ids/detection-core/internal/alert"
	"github.com/can-ids/detection-core/internal/baseline"
	"github.com/can-ids/detection-core/internal/config"
	"github.com/can-ids/detection-core/internal/frame"
	"github.com/can-ids/detection-core/internal/state"
)

// ReplayDetector flags unauthorized repetition of payloads or
// sequences (spec §4.3.c). Unlike Drop and Tamper it carries its own
// small auxiliary state — a rolling map of sequence-window hashes —
// since that bookkeeping has no place in PerIdState's fixed data
// model; it never reaches into the State Manager or Baseline Engine.
type ReplayDetector struct {
	cfg  config.ReplayConfig
	seed maphash.Seed

	mu      sync.Mutex
	lastSeq map[uint32]map[uint64]float64 // can_id -> sequence tuple hash -> last-seen timestamp
}

// NewReplayDetector builds a Replay detector bound to a resolved
// per-ID/global ReplayConfig.
func NewReplayDetector(cfg config.ReplayConfig) *ReplayDetector {
	return &ReplayDetector{
		cfg:     cfg,
		seed:    maphash.MakeSeed(),
		lastSeq: make(map[uint32]map[uint64]float64),
	}
}

func (d *ReplayDetector) Detect(f frame.Frame, s *state.PerIdState, b *baseline.IdBaseline) []alert.Alert {
	var alerts []alert.Alert

	if a, ok := d.checkFastReplay(f, s, b); ok {
		alerts = append(alerts, a)
	}
	if a, ok := d.checkIdenticalPayload(f, s); ok {
		alerts = append(alerts, a)
	}
	if a, ok := d.checkSequenceReplay(f, s); ok {
		alerts = append(alerts, a)
	}

	return alerts
}

func (d *ReplayDetector) checkFastReplay(f frame.Frame, s *state.PerIdState, b *baseline.IdBaseline) (alert.Alert, bool) {
	if b == nil || b.IATMean <= 0 {
		return alert.Alert{}, false
	}
	currentIAT, ok := s.IAT()
	if !ok {
		return alert.Alert{}, false
	}

	threshold := b.IATMean * d.cfg.MinIATFactorForFastReplay
	absoluteMin := d.cfg.AbsoluteMinIATMs / 1000.0
	if absoluteMin > threshold {
		threshold = absoluteMin
	}

	if currentIAT >= threshold {
		return alert.Alert{}, false
	}
	return alert.Alert{
		Timestamp: f.Timestamp,
		CANID:     f.CANID,
		Type:      alert.TypeNonPeriodicFastReplay,
		Severity:  alert.Low,
		Details:   fmt.Sprintf("iat %.6fs below replay floor %.6fs", currentIAT, threshold),
		Context:   map[string]any{"current_iat": currentIAT, "threshold": threshold},
	}, true
}

func (d *ReplayDetector) checkIdenticalPayload(f frame.Frame, s *state.PerIdState) (alert.Alert, bool) {
	p := d.cfg.IdenticalPayloadParams
	if !p.Enabled {
		return alert.Alert{}, false
	}

	current, ok := s.PayloadHashHistory.Last()
	if !ok {
		return alert.Alert{}, false
	}

	windowSec := float64(p.TimeWindowMS) / 1000.0
	count := 0
	for _, entry := range s.PayloadHashHistory.Items() {
		if entry.Hash != current.Hash {
			continue
		}
		if f.Timestamp-entry.Timestamp > windowSec {
			continue
		}
		count++
	}

	if count < p.RepetitionThreshold {
		return alert.Alert{}, false
	}
	return alert.Alert{
		Timestamp: f.Timestamp,
		CANID:     f.CANID,
		Type:      alert.TypeIdenticalPayloadRepeat,
		Severity:  alert.Medium,
		Details:   fmt.Sprintf("identical payload repeated %d times within %dms", count, p.TimeWindowMS),
		Context:   map[string]any{"repetitions": count, "window_ms": p.TimeWindowMS},
	}, true
}

func (d *ReplayDetector) checkSequenceReplay(f frame.Frame, s *state.PerIdState) (alert.Alert, bool) {
	p := d.cfg.SequenceReplayParams
	if !p.Enabled {
		return alert.Alert{}, false
	}
	if s.SequenceBuffer.Len() < p.SequenceLength {
		return alert.Alert{}, false
	}

	items := s.SequenceBuffer.Items()
	window := items[len(items)-p.SequenceLength:]
	tupleHash := d.hashSequence(window)

	d.mu.Lock()
	byID, ok := d.lastSeq[f.CANID]
	if !ok {
		byID = make(map[uint64]float64)
		d.lastSeq[f.CANID] = byID
	}
	priorSeen, hadPrior := byID[tupleHash]
	byID[tupleHash] = f.Timestamp
	d.mu.Unlock()

	if !hadPrior {
		return alert.Alert{}, false
	}

	age := f.Timestamp - priorSeen
	if age > p.MaxSequenceAgeSec {
		return alert.Alert{}, false
	}
	if age < p.MinIntervalBetweenSequencesSec {
		return alert.Alert{}, false
	}

	return alert.Alert{
		Timestamp: f.Timestamp,
		CANID:     f.CANID,
		Type:      alert.TypeSequenceReplay,
		Severity:  alert.Medium,
		Details:   fmt.Sprintf("last %d-frame payload sequence matches one observed %.3fs earlier", p.SequenceLength, age),
		Context:   map[string]any{"sequence_length": p.SequenceLength, "age_sec": age},
	}, true
}

func (d *ReplayDetector) hashSequence(hashes []uint64) uint64 {
	var h maphash.Hash
	h.SetSeed(d.seed)
	buf := make([]byte, 8)
	for _, v := range hashes {
		for i := 0; i < 8; i++ {
			buf[i] = byte(v >> (8 * i))
		}
		h.Write(buf)
	}
	return h.Sum64()
}
