// Package alert defines the Alert value type, its wire format, and
// the Alert Manager that applies throttling, cooldown, and sink
// routing policy (spec §4.4).
package alert

import (
	"fmt"

	"github.com/can-ids/detection-core/internal/frame"
)

// Type is the closed enumeration of alert types emitted by the
// detector chain (spec §6).
type Type string

const (
	TypeIATMaxFactorViolation   Type = "iat_max_factor_violation"
	TypeMissingFrameSigma       Type = "missing_frame_sigma"
	TypeConsecutiveMissing      Type = "consecutive_missing"
	TypeTamperDLCAnomaly        Type = "tamper_dlc_anomaly"
	TypeEntropyAnomaly          Type = "entropy_anomaly"
	TypeStaticByteMismatch      Type = "static_byte_mismatch"
	TypeByteBehaviorAnomaly     Type = "byte_behavior_anomaly"
	TypeNonPeriodicFastReplay   Type = "non_periodic_fast_replay"
	TypeIdenticalPayloadRepeat  Type = "identical_payload_repetition"
	TypeSequenceReplay          Type = "sequence_replay"
	TypeUnknownIDDetected       Type = "unknown_id_detected"
)

// Severity ranks alert urgency, low to critical.
type Severity int

const (
	Low Severity = iota
	Medium
	High
	Critical
)

// String renders the severity the way the JSON sink and console sink
// expect: lowercase.
func (s Severity) String() string {
	switch s {
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	case Critical:
		return "critical"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Rank returns the severity's ordinal for tie-break comparisons.
// Higher is more severe.
func (s Severity) Rank() int { return int(s) }

// Alert is a value-typed detection result, emitted by a detector and
// either routed to sinks or dropped by the Alert Manager.
type Alert struct {
	Timestamp float64
	CANID     uint32
	Type      Type
	Severity  Severity
	Details   string
	Context   map[string]any
}

// wireAlert mirrors the JSON sink shape pinned by spec §6.
type wireAlert struct {
	AlertType string         `json:"alert_type"`
	CANID     string         `json:"can_id"`
	Timestamp float64        `json:"timestamp"`
	Severity  string         `json:"severity"`
	Details   string         `json:"details"`
	Context   map[string]any `json:"context"`
}

func (a Alert) toWire() wireAlert {
	ctx := a.Context
	if ctx == nil {
		ctx = map[string]any{}
	}
	return wireAlert{
		AlertType: string(a.Type),
		CANID:     frame.Frame{CANID: a.CANID}.IDHex(),
		Timestamp: a.Timestamp,
		Severity:  a.Severity.String(),
		Details:   a.Details,
		Context:   ctx,
	}
}
