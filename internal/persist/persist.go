// Package persist saves and loads frozen baselines, the optional
// persistence interface named in spec §6.
package persist

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/can-ids/detection-core/internal/baseline"
)

// FormatVersion is written as meta.version in every saved snapshot
// (spec §6 "meta.version = \"4.0\"").
const FormatVersion = "4.0"

type wireByteBehavior struct {
	Kind           string `json:"kind"`
	StaticValue    byte   `json:"static_value,omitempty"`
	CounterStep    int    `json:"counter_step,omitempty"`
	CounterModulus int    `json:"counter_modulus,omitempty"`
	Min            byte   `json:"min,omitempty"`
	Max            byte   `json:"max,omitempty"`
}

type wireIdBaseline struct {
	IATMean          float64            `json:"iat_mean"`
	IATSigma         float64            `json:"iat_sigma"`
	IATSamples       int                `json:"iat_samples"`
	LearnedDLCs      []int              `json:"learned_dlcs"`
	EntropyMean      float64            `json:"entropy_mean"`
	EntropySigma     float64            `json:"entropy_sigma"`
	EntropySamples   int                `json:"entropy_samples"`
	ByteBehavior     [8]wireByteBehavior `json:"byte_behavior"`
	StaticByteValues [8]byte            `json:"static_byte_values"`
	FrameCount       uint64             `json:"frame_count"`
	LearnedPeriod    float64            `json:"learned_period"`
	Untrained        bool               `json:"untrained"`
}

type snapshot struct {
	Meta struct {
		Version string `json:"version"`
	} `json:"meta"`
	Baselines map[string]wireIdBaseline `json:"baselines"`
}

func toWire(b *baseline.IdBaseline) wireIdBaseline {
	w := wireIdBaseline{
		IATMean:          b.IATMean,
		IATSigma:         b.IATSigma,
		IATSamples:       b.IATSamples,
		EntropyMean:      b.EntropyMean,
		EntropySigma:     b.EntropySigma,
		EntropySamples:   b.EntropySamples,
		StaticByteValues: b.StaticByteValues,
		FrameCount:       b.FrameCount,
		LearnedPeriod:    b.LearnedPeriod,
		Untrained:        b.Untrained,
	}
	for dlc := range b.LearnedDLCs {
		w.LearnedDLCs = append(w.LearnedDLCs, int(dlc))
	}
	for i, bh := range b.ByteBehavior {
		w.ByteBehavior[i] = wireByteBehavior{
			Kind:           bh.Kind.String(),
			StaticValue:    bh.StaticValue,
			CounterStep:    bh.CounterStep,
			CounterModulus: bh.CounterModulus,
			Min:            bh.Min,
			Max:            bh.Max,
		}
	}
	return w
}

func fromWire(w wireIdBaseline) *baseline.IdBaseline {
	b := &baseline.IdBaseline{
		IATMean:          w.IATMean,
		IATSigma:         w.IATSigma,
		IATSamples:       w.IATSamples,
		LearnedDLCs:      make(map[uint8]bool, len(w.LearnedDLCs)),
		EntropyMean:      w.EntropyMean,
		EntropySigma:     w.EntropySigma,
		EntropySamples:   w.EntropySamples,
		StaticByteValues: w.StaticByteValues,
		FrameCount:       w.FrameCount,
		LearnedPeriod:    w.LearnedPeriod,
		Untrained:        w.Untrained,
	}
	for _, dlc := range w.LearnedDLCs {
		b.LearnedDLCs[uint8(dlc)] = true
	}
	for i, wb := range w.ByteBehavior {
		b.ByteBehavior[i] = baseline.ByteBehavior{
			Kind:           byteKindFromString(wb.Kind),
			StaticValue:    wb.StaticValue,
			CounterStep:    wb.CounterStep,
			CounterModulus: wb.CounterModulus,
			Min:            wb.Min,
			Max:            wb.Max,
		}
	}
	return b
}

func byteKindFromString(s string) baseline.ByteKind {
	switch s {
	case "static":
		return baseline.KindStatic
	case "counter":
		return baseline.KindCounter
	case "variable":
		return baseline.KindVariable
	default:
		return baseline.KindRare
	}
}

// Save writes every known (can_id, IdBaseline) pair from eng to path
// as a JSON snapshot (spec §6 "save(baseline, path)").
func Save(eng *baseline.Engine, canIDs []uint32, path string) error {
	snap := snapshot{Baselines: make(map[string]wireIdBaseline, len(canIDs))}
	snap.Meta.Version = FormatVersion

	for _, id := range canIDs {
		b, ok := eng.Lookup(id)
		if !ok {
			continue
		}
		snap.Baselines[fmt.Sprintf("%d", id)] = toWire(b)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling baseline snapshot: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// Load reads a JSON snapshot written by Save, returning the decoded
// per-ID baselines keyed by CAN ID (spec §6 "load(path) -> Baseline").
func Load(path string) (map[uint32]*baseline.IdBaseline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading baseline snapshot: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parsing baseline snapshot: %w", err)
	}
	if snap.Meta.Version != FormatVersion {
		return nil, fmt.Errorf("unsupported baseline snapshot version %q, want %q", snap.Meta.Version, FormatVersion)
	}

	out := make(map[uint32]*baseline.IdBaseline, len(snap.Baselines))
	for key, w := range snap.Baselines {
		var id uint32
		if _, err := fmt.Sscanf(key, "%d", &id); err != nil {
			return nil, fmt.Errorf("invalid can_id key %q in snapshot: %w", key, err)
		}
		out[id] = fromWire(w)
	}
	return out, nil
}
