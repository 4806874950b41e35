// Package baseline builds per-CAN-ID statistical profiles of normal
// traffic during a learning window and freezes them into a read-only
// Baseline consulted by the detector chain (spec §4.2).
package baseline

import (
	"errors"
	"math"
	"sync"

	"github.com/can-ids/detection-core/internal/config"
	"github.com/can-ids/detection-core/internal/frame"
	"github.com/can-ids/detection-core/internal/state"
	"go.uber.org/zap"
)

// ErrWrongMode is returned when Observe is called after Freeze — an
// internal contract violation (spec §7 "WrongMode").
var ErrWrongMode = errors.New("baseline: observe called on frozen engine")

// ByteKind classifies how a payload byte position behaves across the
// learning window (spec §3 "byte_behavior").
type ByteKind int

const (
	KindRare ByteKind = iota
	KindStatic
	KindCounter
	KindVariable
)

func (k ByteKind) String() string {
	switch k {
	case KindStatic:
		return "static"
	case KindCounter:
		return "counter"
	case KindVariable:
		return "variable"
	default:
		return "rare"
	}
}

// ByteBehavior describes the learned classification of one payload
// byte position.
type ByteBehavior struct {
	Kind           ByteKind
	StaticValue    byte
	CounterStep    int
	CounterModulus int
	Min, Max       byte
}

// IdBaseline is the read-only, per-ID statistical profile produced by
// freezing the Baseline Engine (spec §3 "Baseline").
type IdBaseline struct {
	IATMean    float64
	IATSigma   float64
	IATSamples int

	LearnedDLCs map[uint8]bool

	EntropyMean    float64
	EntropySigma   float64
	EntropySamples int

	ByteBehavior     [frame.MaxPayloadLen]ByteBehavior
	StaticByteValues [frame.MaxPayloadLen]byte

	FrameCount uint64

	// LearnedPeriod is derived from IATMean (spec §3 "learned_period").
	LearnedPeriod float64

	// Untrained marks an ID that never reached MinSamplesForStableBaseline
	// frames — still a known ID, but byte/entropy tamper rules are
	// suppressed for it (spec §4.2).
	Untrained bool
}

// idAccumulator holds the open-learning-phase running state for one
// CAN ID.
type idAccumulator struct {
	iatCount int
	iatMean  float64
	iatM2    float64

	learnedDLCs map[uint8]bool

	entropyCount int
	entropyMean  float64
	entropyM2    float64

	byteValues [frame.MaxPayloadLen][]byte

	frameCount uint64
}

func newAccumulator() *idAccumulator {
	return &idAccumulator{learnedDLCs: make(map[uint8]bool)}
}

// Engine accumulates per-ID statistics during learning and freezes
// them into read-only IdBaselines (spec §4.2 "States: open -> frozen").
type Engine struct {
	log *zap.Logger
	cfg config.LearningConfig

	// entropyMinDLC mirrors tamper.payload_analysis_min_dlc: payloads
	// shorter than this are excluded from the entropy baseline, the
	// same floor the Tamper detector later applies at detection time.
	entropyMinDLC int

	mu           sync.RWMutex
	frozen       bool
	accumulators map[uint32]*idAccumulator
	baselines    map[uint32]*IdBaseline
}

// NewEngine creates an open Baseline Engine. entropyMinDLC should be
// set to the configured tamper.payload_analysis_min_dlc so the
// learned entropy distribution matches what the Tamper detector will
// later evaluate against it.
func NewEngine(log *zap.Logger, cfg config.LearningConfig, entropyMinDLC int) *Engine {
	return &Engine{
		log:           log,
		cfg:           cfg,
		entropyMinDLC: entropyMinDLC,
		accumulators:  make(map[uint32]*idAccumulator),
		baselines:     make(map[uint32]*IdBaseline),
	}
}

// Observe folds one frame's contribution into its ID's accumulator.
// Valid only while the engine is open; returns ErrWrongMode once
// frozen (spec §4.2 "observe (open only)").
func (e *Engine) Observe(f frame.Frame, s *state.PerIdState) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.frozen {
		return ErrWrongMode
	}

	acc, ok := e.accumulators[f.CANID]
	if !ok {
		acc = newAccumulator()
		e.accumulators[f.CANID] = acc
	}

	if iat, hasIAT := s.IAT(); hasIAT {
		acc.iatMean, acc.iatM2, acc.iatCount = welfordUpdate(acc.iatMean, acc.iatM2, acc.iatCount, iat)
	}

	acc.learnedDLCs[f.DLC] = true

	if int(f.DLC) >= e.entropyMinDLC {
		ent := Entropy(f.Payload)
		acc.entropyMean, acc.entropyM2, acc.entropyCount = welfordUpdate(acc.entropyMean, acc.entropyM2, acc.entropyCount, ent)
	}

	for i := 0; i < len(f.Payload) && i < frame.MaxPayloadLen; i++ {
		acc.byteValues[i] = append(acc.byteValues[i], f.Payload[i])
	}

	acc.frameCount++

	return nil
}

// Freeze transitions the engine from open to frozen, finalizing an
// IdBaseline for every observed ID (spec §4.2 "freeze(now)"). IDs
// below MinSamplesForStableBaseline are marked Untrained. Freeze is
// idempotent: calling it again is a no-op.
func (e *Engine) Freeze() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.frozen {
		return
	}
	e.frozen = true

	for canID, acc := range e.accumulators {
		b := &IdBaseline{
			IATMean:     acc.iatMean,
			IATSigma:    stddev(acc.iatM2, acc.iatCount),
			IATSamples:  acc.iatCount,
			LearnedDLCs: acc.learnedDLCs,
			FrameCount:  acc.frameCount,
		}
		if b.IATMean > 0 {
			b.LearnedPeriod = b.IATMean
		}

		if acc.entropyCount > 0 {
			b.EntropyMean = acc.entropyMean
			b.EntropySigma = stddev(acc.entropyM2, acc.entropyCount)
			b.EntropySamples = acc.entropyCount
		}

		b.Untrained = acc.frameCount < uint64(e.cfg.MinSamplesForStableBaseline)

		for i := 0; i < frame.MaxPayloadLen; i++ {
			behavior := classifyByte(acc.byteValues[i], e.cfg.MinCounterSamples)
			b.ByteBehavior[i] = behavior
			if behavior.Kind == KindStatic {
				b.StaticByteValues[i] = behavior.StaticValue
			}
		}

		e.baselines[canID] = b
	}

	if e.log != nil {
		e.log.Info("baseline frozen", zap.Int("ids_learned", len(e.baselines)))
	}
}

// IsFrozen reports whether the engine has transitioned to frozen.
func (e *Engine) IsFrozen() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.frozen
}

// Lookup returns the frozen IdBaseline for canID. It only returns
// results once frozen (spec §4.2 "lookup (frozen only)").
func (e *Engine) Lookup(canID uint32) (*IdBaseline, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.frozen {
		return nil, false
	}
	b, ok := e.baselines[canID]
	return b, ok
}

// Contains reports whether canID is a known (learned or later
// auto-added) ID.
func (e *Engine) Contains(canID uint32) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.baselines[canID]
	return ok
}

// IDs returns every CAN ID with a frozen baseline, for callers that
// need to enumerate known IDs (e.g. persistence's Save).
func (e *Engine) IDs() []uint32 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]uint32, 0, len(e.baselines))
	for id := range e.baselines {
		ids = append(ids, id)
	}
	return ids
}

// LoadFrozen replaces the engine's contents with externally-supplied
// baselines and marks it frozen, for the "detect" runtime mode which
// loads a previously-saved baseline instead of learning one (spec §6
// "load(path) -> Baseline").
func (e *Engine) LoadFrozen(baselines map[uint32]*IdBaseline) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.baselines = baselines
	e.frozen = true
}

// AddUntrained inserts a minimal, untrained IdBaseline for canID. Used
// by the General Rules detector's shadow-mode auto-add-to-baseline
// behavior (spec §4.3.d) — this never mutates an existing baseline,
// it only registers a new one, so it is permitted after Freeze.
func (e *Engine) AddUntrained(canID uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.baselines[canID]; ok {
		return
	}
	e.baselines[canID] = &IdBaseline{
		LearnedDLCs: map[uint8]bool{},
		Untrained:   true,
	}
}

// --- internal helpers ---

func welfordUpdate(mean, m2 float64, count int, x float64) (float64, float64, int) {
	count++
	delta := x - mean
	mean += delta / float64(count)
	delta2 := x - mean
	m2 += delta * delta2
	return mean, m2, count
}

func stddev(m2 float64, count int) float64 {
	if count < 2 {
		return 0
	}
	return math.Sqrt(m2 / float64(count))
}

// Entropy computes the Shannon entropy, in bits, of a payload's byte
// value distribution (spec §4.2 "Entropy"). Range [0, 8].
func Entropy(payload []byte) float64 {
	if len(payload) == 0 {
		return 0
	}
	var counts [256]int
	for _, b := range payload {
		counts[b]++
	}
	n := float64(len(payload))
	var h float64
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / n
		h -= p * math.Log2(p)
	}
	return h
}

const minRareSamples = 3

// classifyByte finalizes one byte position's behavior from its
// observed value sequence (spec §4.2 "freeze(now)").
func classifyByte(values []byte, minCounterSamples int) ByteBehavior {
	if len(values) < minRareSamples {
		return ByteBehavior{Kind: KindRare}
	}

	allSame := true
	for _, v := range values[1:] {
		if v != values[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return ByteBehavior{Kind: KindStatic, StaticValue: values[0]}
	}

	min, max := values[0], values[0]
	for _, v := range values {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}

	if behavior, ok := classifyCounter(values, minCounterSamples); ok {
		return behavior
	}

	return ByteBehavior{Kind: KindVariable, Min: min, Max: max}
}

// classifyCounter checks whether a byte's value sequence is
// consistent with a monotonic counter wrapping at modulus 256 (spec
// §4.2: "contained in a monotonic-increment sequence with wrap-around
// at 255 ... and >= min_counter_samples").
func classifyCounter(values []byte, minCounterSamples int) (ByteBehavior, bool) {
	if len(values) < 2 || len(values) < minCounterSamples {
		return ByteBehavior{}, false
	}

	steps := make(map[int]int)
	for i := 1; i < len(values); i++ {
		step := int(values[i]) - int(values[i-1])
		if step < 0 {
			step += 256
		}
		steps[step]++
	}

	modalStep, modalCount := 0, 0
	for step, count := range steps {
		if count > modalCount {
			modalStep, modalCount = step, count
		}
	}

	total := len(values) - 1
	if modalStep == 0 || total == 0 {
		return ByteBehavior{}, false
	}
	if float64(modalCount)/float64(total) < 0.8 {
		return ByteBehavior{}, false
	}
	if modalCount < minCounterSamples {
		return ByteBehavior{}, false
	}

	return ByteBehavior{Kind: KindCounter, CounterStep: modalStep, CounterModulus: 256}, true
}
