package baseline

import (
	"testing"

	"github.com/can-ids/detection-core/internal/config"
	"github.com/can-ids/detection-core/internal/frame"
	"github.com/can-ids/detection-core/internal/state"
	"go.uber.org/zap"
)

func learningCfg() config.LearningConfig {
	return config.LearningConfig{
		InitialWindowSec:            300,
		MinSamplesForStableBaseline: 5,
		MinEntropySamples:           5,
		MinCounterSamples:           3,
	}
}

func TestObserveRejectedAfterFreeze(t *testing.T) {
	e := NewEngine(zap.NewNop(), learningCfg(), 1)
	sm := state.NewManager(zap.NewNop(), state.DefaultCaps())
	f := frame.Frame{Timestamp: 1, CANID: 0x10, DLC: 1, Payload: []byte{1}}
	s := sm.Update(f, false)

	if err := e.Observe(f, s); err != nil {
		t.Fatalf("Observe before freeze: %v", err)
	}
	e.Freeze()
	if err := e.Observe(f, s); err != ErrWrongMode {
		t.Fatalf("Observe after freeze = %v, want ErrWrongMode", err)
	}
}

func TestFreezeMarksUntrained(t *testing.T) {
	e := NewEngine(zap.NewNop(), learningCfg(), 1)
	sm := state.NewManager(zap.NewNop(), state.DefaultCaps())

	f := frame.Frame{Timestamp: 1, CANID: 0x20, DLC: 1, Payload: []byte{5}}
	s := sm.Update(f, false)
	e.Observe(f, s)

	e.Freeze()

	b, ok := e.Lookup(0x20)
	if !ok {
		t.Fatal("expected baseline entry for 0x20")
	}
	if !b.Untrained {
		t.Error("expected Untrained=true with only 1 sample (min 5)")
	}
}

func TestLookupBeforeFreezeFails(t *testing.T) {
	e := NewEngine(zap.NewNop(), learningCfg(), 1)
	sm := state.NewManager(zap.NewNop(), state.DefaultCaps())
	f := frame.Frame{Timestamp: 1, CANID: 0x30, DLC: 0, Payload: nil}
	s := sm.Update(f, false)
	e.Observe(f, s)

	if _, ok := e.Lookup(0x30); ok {
		t.Fatal("Lookup should fail before Freeze")
	}
}

func TestStaticByteClassification(t *testing.T) {
	e := NewEngine(zap.NewNop(), learningCfg(), 1)
	sm := state.NewManager(zap.NewNop(), state.DefaultCaps())

	for i := 0; i < 10; i++ {
		f := frame.Frame{Timestamp: float64(i), CANID: 0x40, DLC: 2, Payload: []byte{0xAA, byte(i)}}
		s := sm.Update(f, false)
		e.Observe(f, s)
	}
	e.Freeze()

	b, _ := e.Lookup(0x40)
	if b.ByteBehavior[0].Kind != KindStatic || b.ByteBehavior[0].StaticValue != 0xAA {
		t.Errorf("byte0 = %+v, want static 0xAA", b.ByteBehavior[0])
	}
	if b.ByteBehavior[1].Kind != KindCounter {
		t.Errorf("byte1 = %+v, want counter", b.ByteBehavior[1])
	}
}

func TestCounterByteWrapAround(t *testing.T) {
	e := NewEngine(zap.NewNop(), learningCfg(), 1)
	sm := state.NewManager(zap.NewNop(), state.DefaultCaps())

	values := []byte{253, 254, 255, 0, 1, 2, 3}
	for i, v := range values {
		f := frame.Frame{Timestamp: float64(i), CANID: 0x50, DLC: 1, Payload: []byte{v}}
		s := sm.Update(f, false)
		e.Observe(f, s)
	}
	e.Freeze()

	b, _ := e.Lookup(0x50)
	behavior := b.ByteBehavior[0]
	if behavior.Kind != KindCounter {
		t.Fatalf("byte0 = %+v, want counter (wrap-around step 1)", behavior)
	}
	if behavior.CounterStep != 1 {
		t.Errorf("CounterStep = %d, want 1", behavior.CounterStep)
	}
}

func TestVariableByteClassification(t *testing.T) {
	e := NewEngine(zap.NewNop(), learningCfg(), 1)
	sm := state.NewManager(zap.NewNop(), state.DefaultCaps())

	values := []byte{10, 200, 30, 150, 5, 220}
	for i, v := range values {
		f := frame.Frame{Timestamp: float64(i), CANID: 0x60, DLC: 1, Payload: []byte{v}}
		s := sm.Update(f, false)
		e.Observe(f, s)
	}
	e.Freeze()

	b, _ := e.Lookup(0x60)
	if b.ByteBehavior[0].Kind != KindVariable {
		t.Errorf("byte0 = %+v, want variable", b.ByteBehavior[0])
	}
}

func TestRareByteClassificationBelowMinSamples(t *testing.T) {
	e := NewEngine(zap.NewNop(), learningCfg(), 1)
	sm := state.NewManager(zap.NewNop(), state.DefaultCaps())

	f := frame.Frame{Timestamp: 1, CANID: 0x70, DLC: 1, Payload: []byte{1}}
	s := sm.Update(f, false)
	e.Observe(f, s)
	e.Freeze()

	b, _ := e.Lookup(0x70)
	if b.ByteBehavior[0].Kind != KindRare {
		t.Errorf("byte0 = %+v, want rare (only 1 sample)", b.ByteBehavior[0])
	}
}

func TestEntropyRespectsMinDLCFloor(t *testing.T) {
	e := NewEngine(zap.NewNop(), learningCfg(), 4)
	sm := state.NewManager(zap.NewNop(), state.DefaultCaps())

	f := frame.Frame{Timestamp: 1, CANID: 0x80, DLC: 1, Payload: []byte{1}}
	s := sm.Update(f, false)
	e.Observe(f, s)
	e.Freeze()

	b, _ := e.Lookup(0x80)
	if b.EntropySamples != 0 {
		t.Errorf("EntropySamples = %d, want 0 (DLC below floor)", b.EntropySamples)
	}
}

func TestEntropyOfConstantPayloadIsZero(t *testing.T) {
	if got := Entropy([]byte{7, 7, 7, 7}); got != 0 {
		t.Errorf("Entropy(constant) = %v, want 0", got)
	}
}

func TestEntropyOfUniformPayloadIsMax(t *testing.T) {
	got := Entropy([]byte{0, 1, 2, 3, 4, 5, 6, 7})
	if got < 2.9 || got > 3.0 {
		t.Errorf("Entropy(8 distinct bytes) = %v, want ~3.0", got)
	}
}

func TestAddUntrainedAfterFreeze(t *testing.T) {
	e := NewEngine(zap.NewNop(), learningCfg(), 1)
	e.Freeze()

	if e.Contains(0x999) {
		t.Fatal("0x999 should not be known yet")
	}
	e.AddUntrained(0x999)
	if !e.Contains(0x999) {
		t.Fatal("0x999 should be known after AddUntrained")
	}
	b, ok := e.Lookup(0x999)
	if !ok || !b.Untrained {
		t.Error("AddUntrained should register an Untrained baseline entry")
	}
}

func TestFreezeIsIdempotent(t *testing.T) {
	e := NewEngine(zap.NewNop(), learningCfg(), 1)
	sm := state.NewManager(zap.NewNop(), state.DefaultCaps())
	f := frame.Frame{Timestamp: 1, CANID: 0x90, DLC: 0, Payload: nil}
	s := sm.Update(f, false)
	e.Observe(f, s)
	e.Freeze()
	e.AddUntrained(0xA0)
	e.Freeze()

	if !e.Contains(0xA0) {
		t.Error("second Freeze() should not discard state added after the first")
	}
}
