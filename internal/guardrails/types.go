package guardrails

import (
	"context"
	"time"
)

// GateMode turns signal violations into a pass/fail verdict.
type GateMode string

const (
	// GateHard fails the check if any enabled rule exceeds its threshold.
	GateHard GateMode = "hard_gate"
	// GateMixed fails only on critical-category violations; everything else
	// is recorded but advisory.
	GateMixed GateMode = "mixed"
	// GateAdvisory never fails, only records signals.
	GateAdvisory GateMode = "advisory"
)

func ParseGateMode(value string) (GateMode, bool) {
	switch GateMode(value) {
	case GateHard, GateMixed, GateAdvisory:
		return GateMode(value), true
	case "":
		return GateMixed, true
	default:
		return "", false
	}
}

// Critical categories for GateMixed. Violations outside this set are advisory.
var criticalCategories = map[string]struct{}{
	"pii":       {},
	"jailbreak": {},
	"self_harm": {},
	"adult":     {},
}

func IsCriticalCategory(category string) bool {
	_, ok := criticalCategories[category]
	return ok
}

// SignalResult is one provider's verdict. Score is normalized to [0,1];
// Unavailable means the provider could not produce a score (never treated as
// a violation). Details are opaque to the aggregator.
type SignalResult struct {
	Provider    string         `json:"provider"`
	Category    string         `json:"category"`
	Score       float64        `json:"score"`
	Unavailable bool           `json:"unavailable,omitempty"`
	Threshold   float64        `json:"threshold"`
	Violated    bool           `json:"violated,omitempty"`
	Cached      bool           `json:"cached,omitempty"`
	Reused      bool           `json:"reused,omitempty"`
	Fingerprint string         `json:"fingerprint,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
}

// CheckRequest describes one guardrails evaluation. Stage distinguishes
// preflight checks from per-step/per-test checks for fingerprinting.
type CheckRequest struct {
	Input      string
	Output     string
	Model      string
	Stage      string
	Rules      []string
	Thresholds map[string]float64
	Mode       GateMode
	// Probe obtains model output once when a provider needs it and none was
	// supplied. At most one probe call is issued per check, shared by all
	// providers.
	Probe OutputProbe
}

type OutputProbe func(ctx context.Context) (string, error)

// CheckResult is the aggregated verdict plus every signal that contributed.
type CheckResult struct {
	Pass       bool           `json:"pass"`
	Mode       GateMode       `json:"mode"`
	Signals    []SignalResult `json:"signals"`
	Violations []string       `json:"violations,omitempty"`
	ProbeUsed  bool           `json:"probe_used,omitempty"`
	ReusedIDs  []string       `json:"reused_fingerprints,omitempty"`
	Duration   time.Duration  `json:"-"`
	DurationMS int64          `json:"duration_ms"`
}
