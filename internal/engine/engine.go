// Package engine orchestrates the detection core: it wires the
// Source, State Manager, Baseline Engine, detector chain, and Alert
// Manager into the fixed synchronous pipeline described by spec §2
// and owns the learning→detecting mode transition. Generalized from
// the reference control plane's Engine (component construction order,
// ctx-cancellation Start/Stop shape).
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/can-ids/detection-core/internal/alert"
	"github.com/can-ids/detection-core/internal/baseline"
	"github.com/can-ids/detection-core/internal/config"
	"github.com/can-ids/detection-core/internal/detect"
	"github.com/can-ids/detection-core/internal/frame"
	"github.com/can-ids/detection-core/internal/monitor"
	"github.com/can-ids/detection-core/internal/persist"
	"github.com/can-ids/detection-core/internal/source"
	"github.com/can-ids/detection-core/internal/state"
	"github.com/can-ids/detection-core/internal/telemetry"
	"go.uber.org/zap"
)

// Mode selects the orchestrator's startup behavior (spec §6 "detect:
// load baseline, run detection").
type Mode string

const (
	// ModeLearn learns a fresh baseline for InitialWindowSec, then
	// transitions to detecting and (if BaselinePath is set) saves it.
	ModeLearn Mode = "learn"
	// ModeDetect loads a previously-saved baseline from BaselinePath
	// and runs detection immediately.
	ModeDetect Mode = "detect"
	// ModeAuto behaves like ModeLearn but never persists.
	ModeAuto Mode = "auto"
)

// detectorSet bundles the three baseline-consulting detectors so a
// per-ID override can be resolved and cached as one unit (spec §6
// "Per-ID override map").
type detectorSet struct {
	drop   *detect.DropDetector
	tamper *detect.TamperDetector
	replay *detect.ReplayDetector
}

// Engine is the detection-core orchestrator.
type Engine struct {
	log *zap.Logger
	cfg *config.Config

	src     source.Source
	offline bool

	states   *state.Manager
	baseline *baseline.Engine
	general  *detect.GeneralRulesDetector

	globalDetectors detectorSet
	idDetectors     map[uint32]*detectorSet

	alertMgr *alert.Manager
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	mon      *monitor.Monitor

	mode          Mode
	baselinePath  string
	runID         string
	baselineReady bool
	learningStart float64
	haveStart     bool
}

// Params bundles Engine construction inputs.
type Params struct {
	Log          *zap.Logger
	Cfg          *config.Config
	Source       source.Source
	Offline      bool
	Mode         Mode
	BaselinePath string
	AlertMgr     *alert.Manager
	Metrics      *telemetry.Metrics
	Tracer       *telemetry.Tracer
	Monitor      *monitor.Monitor
	RunID        string
}

// New builds an Engine, wiring the State Manager, a fresh or
// pre-loaded Baseline Engine, the detector chain, and the Alert
// Manager according to p.Mode.
func New(p Params) (*Engine, error) {
	caps := state.Caps{
		IATHistory:  p.Cfg.IATHistoryCap,
		PayloadHash: p.Cfg.PayloadHashHistoryCap,
		PayloadByte: p.Cfg.PayloadByteHistoryCap,
		SequenceBuf: p.Cfg.SequenceBufferCap,
	}

	e := &Engine{
		log:          p.Log,
		cfg:          p.Cfg,
		src:          p.Source,
		offline:      p.Offline,
		states:       state.NewManager(p.Log, caps),
		baseline:     baseline.NewEngine(p.Log, p.Cfg.Learning, p.Cfg.Tamper.PayloadAnalysisMinDLC),
		general:      detect.NewGeneralRulesDetector(p.Cfg.GeneralRules.DetectUnknownID),
		idDetectors:  make(map[uint32]*detectorSet),
		alertMgr:     p.AlertMgr,
		metrics:      p.Metrics,
		tracer:       p.Tracer,
		mon:          p.Monitor,
		mode:         p.Mode,
		baselinePath: p.BaselinePath,
		runID:        p.RunID,
	}
	e.globalDetectors = detectorSet{
		drop:   detect.NewDropDetector(p.Cfg.Drop),
		tamper: detect.NewTamperDetector(p.Cfg.Tamper, p.Cfg.Learning.MinEntropySamples),
		replay: detect.NewReplayDetector(p.Cfg.Replay),
	}

	switch p.Mode {
	case ModeDetect:
		if p.BaselinePath == "" {
			return nil, errors.New("engine: detect mode requires a baseline path")
		}
		loaded, err := persist.Load(p.BaselinePath)
		if err != nil {
			return nil, fmt.Errorf("loading baseline: %w", err)
		}
		e.baseline.LoadFrozen(loaded)
		e.baselineReady = true
	case ModeLearn, ModeAuto:
		// starts in the open/learning state; Freeze happens in Run.
	default:
		return nil, fmt.Errorf("engine: unknown mode %q", p.Mode)
	}

	if p.Monitor != nil {
		p.Monitor.Bind(e.baseline, e.states)
	}

	e.publishStatus()
	return e, nil
}

// Baseline exposes the engine's Baseline Engine to callers that need
// direct access to it (New already binds it to the monitor).
func (e *Engine) Baseline() *baseline.Engine { return e.baseline }

// States exposes the engine's State Manager, for the same reason as
// Baseline.
func (e *Engine) States() *state.Manager { return e.states }

func (e *Engine) publishStatus() {
	if e.mon == nil {
		return
	}
	status := monitor.Status{
		RunID:         e.runID,
		BaselineReady: e.baselineReady,
	}
	if e.baselineReady {
		status.Mode = "detecting"
	} else {
		status.Mode = "learning"
	}
	status.LearningStartTimestamp = e.learningStart
	e.mon.SetStatus(status)
}

// detectorsFor resolves the effective Drop/Tamper/Replay detectors for
// canID, applying any per-ID override (spec §6 "resolution is
// ID-specific-then-global"); overridden IDs get their own cached
// detector instance, all other IDs share the global one.
func (e *Engine) detectorsFor(canID uint32) *detectorSet {
	if _, overridden := e.cfg.IDs[canID]; !overridden {
		return &e.globalDetectors
	}
	if ds, ok := e.idDetectors[canID]; ok {
		return ds
	}
	drop, tamper, replay, _ := e.cfg.ForID(canID)
	ds := &detectorSet{
		drop:   detect.NewDropDetector(drop),
		tamper: detect.NewTamperDetector(tamper, e.cfg.Learning.MinEntropySamples),
		replay: detect.NewReplayDetector(replay),
	}
	e.idDetectors[canID] = ds
	return ds
}

// Run processes frames until the source is exhausted (offline) or ctx
// is cancelled (live), applying the fixed per-frame pipeline (spec §2)
// and the learning→detecting transition (spec §3 "GlobalState").
func (e *Engine) Run(ctx context.Context) error {
	if e.alertMgr != nil {
		e.alertMgr.SetThrottleResolver(func(canID uint32) config.ThrottleConfig {
			_, _, _, throttle := e.cfg.ForID(canID)
			return throttle
		})
	}

	evictTicker := time.NewTicker(1 * time.Second)
	defer evictTicker.Stop()

	var lastTimestamp float64

	for {
		select {
		case <-ctx.Done():
			e.log.Info("engine: context cancelled, draining")
			return nil
		case <-evictTicker.C:
			e.states.EvictStale(lastTimestamp, e.cfg.EvictionAgeSec)
			e.states.CleanupIfPressure(lastTimestamp, e.cfg.SoftIDLimit)
			if e.metrics != nil {
				e.metrics.TrackedIDs.Set(float64(e.states.TrackedCount()))
			}
		default:
		}

		f, ok, err := e.src.Next()
		if err != nil {
			if errors.Is(err, frame.ErrMalformed) {
				if e.metrics != nil {
					e.metrics.FramesMalformed.Inc()
				}
				e.log.Debug("malformed frame skipped", zap.Error(err))
				continue
			}
			if errors.Is(err, source.ErrClosed) {
				e.log.Info("engine: source closed")
				return nil
			}
			e.log.Warn("source read error", zap.Error(err))
			continue
		}
		if !ok {
			if e.offline {
				e.log.Info("engine: offline source exhausted")
				e.finishLearningIfOpen(lastTimestamp)
				return nil
			}
			continue
		}

		if err := f.Validate(); err != nil {
			if e.metrics != nil {
				e.metrics.FramesMalformed.Inc()
			}
			e.log.Debug("invalid frame skipped", zap.Error(err))
			continue
		}

		lastTimestamp = f.Timestamp
		e.processFrame(ctx, f)
	}
}

func (e *Engine) processFrame(ctx context.Context, f frame.Frame) {
	if e.tracer != nil {
		_, span := e.tracer.StartFrameSpan(ctx, f.CANID)
		defer span.End()
	}

	if e.metrics != nil {
		e.metrics.FramesProcessed.Inc()
	}

	drop, _, _, _ := e.cfg.ForID(f.CANID)
	s := e.states.Update(f, drop.TreatDLCZeroAsSpecial)

	if !e.baselineReady && e.observeLearning(f, s) {
		return
	}

	e.detect(f, s)
}

// observeLearning feeds the Baseline Engine during the open/learning
// phase (spec §4.2 "States: open -> frozen"). A frame that arrives once
// the learning window has elapsed is not observed: it freezes the
// baseline and observeLearning returns false so the caller runs
// detection on that frame.
func (e *Engine) observeLearning(f frame.Frame, s *state.PerIdState) bool {
	if !e.haveStart {
		e.learningStart = f.Timestamp
		e.haveStart = true
		e.publishStatus()
	}

	if e.mode == ModeLearn || e.mode == ModeAuto {
		elapsed := f.Timestamp - e.learningStart
		if elapsed >= float64(e.cfg.Learning.InitialWindowSec) {
			e.freezeBaseline(f.Timestamp)
			return false
		}
	}

	if err := e.baseline.Observe(f, s); err != nil && !errors.Is(err, baseline.ErrWrongMode) {
		e.log.Warn("baseline observe error", zap.Error(err))
	}
	return true
}

func (e *Engine) freezeBaseline(now float64) {
	e.baseline.Freeze()
	e.baselineReady = true
	if e.metrics != nil {
		e.metrics.BaselineReady.Set(1)
	}

	if e.mode == ModeLearn && e.baselinePath != "" {
		if err := e.saveBaseline(); err != nil {
			e.log.Warn("failed to persist baseline", zap.Error(err))
		}
	}

	e.log.Info("baseline ready, entering detection mode", zap.Float64("learning_duration_sec", now-e.learningStart))
	e.publishStatus()
}

func (e *Engine) saveBaseline() error {
	return persist.Save(e.baseline, e.baseline.IDs(), e.baselinePath)
}

// finishLearningIfOpen freezes the baseline at end-of-stream even if
// the configured window never elapsed (offline trace shorter than the
// learning window).
func (e *Engine) finishLearningIfOpen(lastTimestamp float64) {
	if e.baselineReady {
		return
	}
	if e.mode == ModeLearn || e.mode == ModeAuto {
		e.freezeBaseline(lastTimestamp)
	}
}

// detect runs the fixed Drop -> Tamper -> Replay -> GeneralRules chain
// against a ready baseline (spec §2, §4.3) and routes emitted alerts
// through the Alert Manager. Each detector call is isolated by
// safeDetect so one detector's internal failure never crosses the
// frame boundary (spec §7 "Propagation").
func (e *Engine) detect(f frame.Frame, s *state.PerIdState) {
	b, _ := e.baseline.Lookup(f.CANID)
	ds := e.detectorsFor(f.CANID)

	var alerts []alert.Alert
	alerts = append(alerts, e.safeDetect("drop", func() []alert.Alert { return ds.drop.Detect(f, s, b) })...)
	alerts = append(alerts, e.safeDetect("tamper", func() []alert.Alert { return ds.tamper.Detect(f, s, b) })...)
	alerts = append(alerts, e.safeDetect("replay", func() []alert.Alert { return ds.replay.Detect(f, s, b) })...)
	alerts = append(alerts, e.safeDetect("general_rules", func() []alert.Alert {
		return e.general.Detect(f, f.Timestamp, e.baselineReady, e.baseline)
	})...)

	if e.alertMgr == nil {
		return
	}
	for _, a := range alerts {
		e.alertMgr.Emit(a, s)
	}
}

// safeDetect runs one detector and recovers from a panic, counting it
// as a detector error and yielding zero alerts for this frame instead
// of crashing the pipeline (spec §7 "A detector that would fail
// internally returns zero alerts and increments a per-detector error
// counter").
func (e *Engine) safeDetect(name string, run func() []alert.Alert) (alerts []alert.Alert) {
	defer func() {
		if r := recover(); r != nil {
			if e.metrics != nil {
				e.metrics.IncDetectorError(name)
			}
			e.log.Error("detector panicked, skipping", zap.String("detector", name), zap.Any("recovered", r))
			alerts = nil
		}
	}()
	return run()
}

// Stop releases the engine's owned resources: the monitor API, the
// Alert Manager's sinks, and the frame source.
func (e *Engine) Stop() {
	if e.mon != nil {
		e.mon.Stop()
	}
	if e.alertMgr != nil {
		if err := e.alertMgr.Close(); err != nil {
			e.log.Warn("error closing alert sinks", zap.Error(err))
		}
	}
	if e.tracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		e.tracer.Shutdown(ctx)
	}
	if err := e.src.Close(); err != nil {
		e.log.Warn("error closing source", zap.Error(err))
	}
}
