// Package config handles configuration loading, defaults, validation,
// and per-ID override resolution for the detection core (spec §6).
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DLCLearningMode selects how the Tamper detector treats DLC values
// not seen during learning.
type DLCLearningMode string

const (
	DLCStrictWhitelist DLCLearningMode = "strict_whitelist"
	DLCAdaptive        DLCLearningMode = "adaptive"
)

// GeneralRulesMode selects strict vs shadow unknown-ID handling.
type GeneralRulesMode string

const (
	GeneralStrict GeneralRulesMode = "strict"
	GeneralShadow GeneralRulesMode = "shadow"
)

// LearningConfig groups baseline-learning tunables (spec §6 "Learning").
type LearningConfig struct {
	InitialWindowSec          int `yaml:"initial_learning_window_sec"`
	MinSamplesForStableBaseline int `yaml:"min_samples_for_stable_baseline"`
	MinEntropySamples         int `yaml:"min_entropy_samples"`
	MinCounterSamples         int `yaml:"min_counter_samples"`
}

// DropConfig groups Drop detector tunables (spec §6 "Drop").
type DropConfig struct {
	MissingFrameSigma        float64 `yaml:"missing_frame_sigma"`
	ConsecutiveMissingAllowed int    `yaml:"consecutive_missing_allowed"`
	MaxIATFactor             float64 `yaml:"max_iat_factor"`
	TreatDLCZeroAsSpecial    bool    `yaml:"treat_dlc_zero_as_special"`
}

// CounterByteParams controls counter-byte-behavior matching (spec §6 "Tamper").
type CounterByteParams struct {
	DetectSimpleCounters      bool `yaml:"detect_simple_counters"`
	MaxValueBeforeRolloverGuess int `yaml:"max_value_before_rollover_guess"`
	AllowedCounterSkips       int  `yaml:"allowed_counter_skips"`
}

// ByteBehaviorParams controls static/counter/variable byte checks.
type ByteBehaviorParams struct {
	Enabled                     bool              `yaml:"enabled"`
	StaticByteMismatchThreshold int               `yaml:"static_byte_mismatch_threshold"`
	CounterByteParams           CounterByteParams `yaml:"counter_byte_params"`
}

// EntropyParams controls the entropy-anomaly rule.
type EntropyParams struct {
	Enabled         bool    `yaml:"enabled"`
	SigmaThreshold  float64 `yaml:"sigma_threshold"`
}

// TamperConfig groups Tamper detector tunables (spec §6 "Tamper").
type TamperConfig struct {
	DLCLearningMode        DLCLearningMode    `yaml:"dlc_learning_mode"`
	PayloadAnalysisMinDLC  int                `yaml:"payload_analysis_min_dlc"`
	EntropyParams          EntropyParams      `yaml:"entropy_params"`
	ByteBehaviorParams     ByteBehaviorParams `yaml:"byte_behavior_params"`
}

// IdenticalPayloadParams controls the identical-payload-repetition rule.
type IdenticalPayloadParams struct {
	Enabled              bool `yaml:"enabled"`
	TimeWindowMS         int  `yaml:"time_window_ms"`
	RepetitionThreshold  int  `yaml:"repetition_threshold"`
}

// SequenceReplayParams controls the sequence-replay rule.
type SequenceReplayParams struct {
	Enabled                          bool    `yaml:"enabled"`
	SequenceLength                   int     `yaml:"sequence_length"`
	MaxSequenceAgeSec                float64 `yaml:"max_sequence_age_sec"`
	MinIntervalBetweenSequencesSec   float64 `yaml:"min_interval_between_sequences_sec"`
}

// ReplayConfig groups Replay detector tunables (spec §6 "Replay").
type ReplayConfig struct {
	MinIATFactorForFastReplay float64                `yaml:"min_iat_factor_for_fast_replay"`
	AbsoluteMinIATMs          float64                `yaml:"absolute_min_iat_ms"`
	IdenticalPayloadParams    IdenticalPayloadParams `yaml:"identical_payload_params"`
	SequenceReplayParams      SequenceReplayParams   `yaml:"sequence_replay_params"`
}

// DetectUnknownID controls the General Rules detector.
type DetectUnknownID struct {
	Enabled            bool             `yaml:"enabled"`
	LearningMode       GeneralRulesMode `yaml:"learning_mode"`
	ShadowDurationSec  float64          `yaml:"shadow_duration_sec"`
	AutoAddToBaseline  bool             `yaml:"auto_add_to_baseline"`
}

// GeneralRulesConfig groups General Rules detector tunables.
type GeneralRulesConfig struct {
	DetectUnknownID DetectUnknownID `yaml:"detect_unknown_id"`
}

// ThrottleConfig groups Alert Manager throttling tunables (spec §6 "Throttle").
type ThrottleConfig struct {
	MaxAlertsPerIDPerSec  int `yaml:"max_alerts_per_id_per_sec"`
	GlobalMaxAlertsPerSec int `yaml:"global_max_alerts_per_sec"`
	CooldownMs            int `yaml:"cooldown_ms"`
}

// Config is the top-level detection-core configuration.
type Config struct {
	Learning     LearningConfig     `yaml:"learning"`
	Drop         DropConfig         `yaml:"drop"`
	Tamper       TamperConfig       `yaml:"tamper"`
	Replay       ReplayConfig       `yaml:"replay"`
	GeneralRules GeneralRulesConfig `yaml:"general_rules"`
	Throttle     ThrottleConfig     `yaml:"throttle"`

	// Memory/pressure knobs (spec §3 "Memory pressure").
	SoftIDLimit      int     `yaml:"soft_id_limit"`
	EvictionAgeSec   float64 `yaml:"eviction_age_sec"`
	MemoryLimitMB    int     `yaml:"memory_limit_mb"`

	// State ring-buffer capacities (spec §3 "PerIdState").
	IATHistoryCap        int `yaml:"iat_history_cap"`
	PayloadHashHistoryCap int `yaml:"payload_hash_history_cap"`
	PayloadByteHistoryCap int `yaml:"payload_byte_history_cap"`
	SequenceBufferCap    int `yaml:"sequence_buffer_cap"`

	// Sinks (spec §4.4).
	Sinks SinksConfig `yaml:"sinks"`

	// LogLevel controls zap's level ("debug", "info", "warn", "error").
	LogLevel string `yaml:"log_level"`

	// Monitor controls the ambient HTTP/WS/metrics API.
	Monitor MonitorConfig `yaml:"monitor"`

	// IDs holds per-CAN-ID overrides, resolved ID-specific-then-global.
	IDs map[uint32]Overrides `yaml:"ids"`
}

// Overrides is a partial Config applicable to a single CAN ID. A nil
// group falls back to the global group; a non-nil group replaces the
// global group whole, so its zero fields are used as zero, not merged
// with the global values.
type Overrides struct {
	Drop     *DropConfig     `yaml:"drop,omitempty"`
	Tamper   *TamperConfig   `yaml:"tamper,omitempty"`
	Replay   *ReplayConfig   `yaml:"replay,omitempty"`
	Throttle *ThrottleConfig `yaml:"throttle,omitempty"`
}

// SinksConfig controls which output sinks are active and how severity
// maps to sinks.
type SinksConfig struct {
	ConsoleEnabled bool   `yaml:"console_enabled"`
	TextPath       string `yaml:"text_path"`
	JSONPath       string `yaml:"json_path"`
	// Routing maps a severity name to the sink names that should
	// receive it: "console", "text", "json".
	Routing map[string][]string `yaml:"routing"`
}

// MonitorConfig controls the ambient observability/control API.
type MonitorConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// DefaultConfig returns the spec's documented defaults (§6).
func DefaultConfig() *Config {
	return &Config{
		Learning: LearningConfig{
			InitialWindowSec:            300,
			MinSamplesForStableBaseline: 100,
			MinEntropySamples:           100,
			MinCounterSamples:           20,
		},
		Drop: DropConfig{
			MissingFrameSigma:         3.5,
			ConsecutiveMissingAllowed: 2,
			MaxIATFactor:              2.5,
			TreatDLCZeroAsSpecial:     false,
		},
		Tamper: TamperConfig{
			DLCLearningMode:       DLCStrictWhitelist,
			PayloadAnalysisMinDLC: 1,
			EntropyParams: EntropyParams{
				Enabled:        true,
				SigmaThreshold: 3.0,
			},
			ByteBehaviorParams: ByteBehaviorParams{
				Enabled:                     true,
				StaticByteMismatchThreshold: 1,
				CounterByteParams: CounterByteParams{
					DetectSimpleCounters:        true,
					MaxValueBeforeRolloverGuess: 255,
					AllowedCounterSkips:         1,
				},
			},
		},
		Replay: ReplayConfig{
			MinIATFactorForFastReplay: 0.3,
			AbsoluteMinIATMs:          1.0,
			IdenticalPayloadParams: IdenticalPayloadParams{
				Enabled:             true,
				TimeWindowMS:        1000,
				RepetitionThreshold: 3,
			},
			SequenceReplayParams: SequenceReplayParams{
				Enabled:                        true,
				SequenceLength:                 5,
				MaxSequenceAgeSec:              300,
				MinIntervalBetweenSequencesSec: 1,
			},
		},
		GeneralRules: GeneralRulesConfig{
			DetectUnknownID: DetectUnknownID{
				Enabled:           true,
				LearningMode:      GeneralShadow,
				ShadowDurationSec: 60,
				AutoAddToBaseline: true,
			},
		},
		Throttle: ThrottleConfig{
			MaxAlertsPerIDPerSec:  10,
			GlobalMaxAlertsPerSec: 100,
			CooldownMs:            1000,
		},
		SoftIDLimit:           2048,
		EvictionAgeSec:        300,
		MemoryLimitMB:         256,
		IATHistoryCap:         1000,
		PayloadHashHistoryCap: 100,
		PayloadByteHistoryCap: 50,
		SequenceBufferCap:     20,
		Sinks: SinksConfig{
			ConsoleEnabled: true,
			TextPath:       "",
			JSONPath:       "",
			Routing: map[string][]string{
				"low":      {"json"},
				"medium":   {"json", "text"},
				"high":     {"json", "text", "console"},
				"critical": {"json", "text", "console"},
			},
		},
		LogLevel: "info",
		Monitor: MonitorConfig{
			Enabled: true,
			Listen:  "127.0.0.1:8980",
		},
		IDs: map[uint32]Overrides{},
	}
}

// LoadFromFile loads configuration from a YAML file, layering it onto
// DefaultConfig() and validating the result.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for internally-consistent,
// in-range values. A ConfigError here is fatal at startup (spec §7).
func (c *Config) Validate() error {
	if c.Learning.InitialWindowSec <= 0 {
		return fmt.Errorf("learning.initial_learning_window_sec must be > 0")
	}
	if c.Learning.MinSamplesForStableBaseline <= 0 {
		return fmt.Errorf("learning.min_samples_for_stable_baseline must be > 0")
	}
	if c.Drop.MaxIATFactor <= 0 {
		return fmt.Errorf("drop.max_iat_factor must be > 0")
	}
	if c.Drop.MissingFrameSigma <= 0 {
		return fmt.Errorf("drop.missing_frame_sigma must be > 0")
	}
	switch c.Tamper.DLCLearningMode {
	case DLCStrictWhitelist, DLCAdaptive:
	default:
		return fmt.Errorf("tamper.dlc_learning_mode must be strict_whitelist or adaptive, got %q", c.Tamper.DLCLearningMode)
	}
	switch c.GeneralRules.DetectUnknownID.LearningMode {
	case GeneralStrict, GeneralShadow:
	default:
		return fmt.Errorf("general_rules.detect_unknown_id.learning_mode must be strict or shadow, got %q", c.GeneralRules.DetectUnknownID.LearningMode)
	}
	if c.Throttle.MaxAlertsPerIDPerSec <= 0 {
		return fmt.Errorf("throttle.max_alerts_per_id_per_sec must be > 0")
	}
	if c.Throttle.GlobalMaxAlertsPerSec <= 0 {
		return fmt.Errorf("throttle.global_max_alerts_per_sec must be > 0")
	}
	if c.SoftIDLimit <= 0 {
		return fmt.Errorf("soft_id_limit must be > 0")
	}
	return nil
}

// SaveToFile writes the current configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// ForID resolves the effective Drop/Tamper/Replay/Throttle config for
// a given CAN ID, applying any per-ID override over the global value
// (spec §6 "Per-ID override map ... resolution is ID-specific-then-global").
func (c *Config) ForID(canID uint32) (DropConfig, TamperConfig, ReplayConfig, ThrottleConfig) {
	drop, tamper, replay, throttle := c.Drop, c.Tamper, c.Replay, c.Throttle
	if ov, ok := c.IDs[canID]; ok {
		if ov.Drop != nil {
			drop = *ov.Drop
		}
		if ov.Tamper != nil {
			tamper = *ov.Tamper
		}
		if ov.Replay != nil {
			replay = *ov.Replay
		}
		if ov.Throttle != nil {
			throttle = *ov.Throttle
		}
	}
	return drop, tamper, replay, throttle
}
