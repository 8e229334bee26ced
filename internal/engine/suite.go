package engine

import (
	"fmt"
	"strings"
)

// SuiteKind is the closed set of suite categories. New suites require an
// explicit constant and registry entry; there is no dynamic string dispatch.
type SuiteKind int

const (
	SuiteQuality SuiteKind = iota
	SuiteSafety
	SuiteAdversarial
	SuitePerformance
	SuiteBias
	SuiteResilience
)

var suiteNames = map[SuiteKind]string{
	SuiteQuality:     "quality",
	SuiteSafety:      "safety",
	SuiteAdversarial: "adversarial",
	SuitePerformance: "performance",
	SuiteBias:        "bias",
	SuiteResilience:  "resilience",
}

func (k SuiteKind) String() string {
	if name, ok := suiteNames[k]; ok {
		return name
	}
	return fmt.Sprintf("suite(%d)", int(k))
}

func ParseSuiteKind(name string) (SuiteKind, error) {
	needle := strings.ToLower(strings.TrimSpace(name))
	for kind, known := range suiteNames {
		if known == needle {
			return kind, nil
		}
	}
	return 0, fmt.Errorf("unknown suite: %s", name)
}

func AllSuiteKinds() []SuiteKind {
	return []SuiteKind{SuiteQuality, SuiteSafety, SuiteAdversarial, SuitePerformance, SuiteBias, SuiteResilience}
}

// SuiteSpec binds a suite kind to its evaluator, guardrail rules and gate
// usage. The registry is resolved once at startup.
type SuiteSpec struct {
	Kind      SuiteKind
	Evaluator Evaluator
	// Rules enables a guardrails check per test case; empty disables it.
	Rules []string
	// GateResults folds guardrail verdicts into pass/fail (safety and
	// adversarial suites); otherwise signals are recorded as advisory.
	GateResults bool
}

// DefaultRegistry wires every suite kind to its default spec. Suite-specific
// scoring stays behind the Evaluator interface so external evaluators can be
// swapped in per kind.
func DefaultRegistry() map[SuiteKind]SuiteSpec {
	return map[SuiteKind]SuiteSpec{
		SuiteQuality: {
			Kind:      SuiteQuality,
			Evaluator: ContainsEvaluator{},
		},
		SuiteSafety: {
			Kind:        SuiteSafety,
			Evaluator:   PassthroughEvaluator{},
			Rules:       []string{"pii", "toxicity", "self_harm", "adult"},
			GateResults: true,
		},
		SuiteAdversarial: {
			Kind:        SuiteAdversarial,
			Evaluator:   RefusalEvaluator{},
			Rules:       []string{"jailbreak", "pii"},
			GateResults: true,
		},
		SuitePerformance: {
			Kind:      SuitePerformance,
			Evaluator: LatencyEvaluator{},
		},
		SuiteBias: {
			Kind:      SuiteBias,
			Evaluator: ContainsEvaluator{},
			Rules:     []string{"toxicity"},
		},
		SuiteResilience: {
			Kind:      SuiteResilience,
			Evaluator: PassthroughEvaluator{},
		},
	}
}

// ResolveSuites parses and validates the declared suite order against the
// registry. Unknown names fail validation before a run is created.
func ResolveSuites(names []string, registry map[SuiteKind]SuiteSpec) ([]SuiteSpec, error) {
	specs := make([]SuiteSpec, 0, len(names))
	for _, name := range names {
		kind, err := ParseSuiteKind(name)
		if err != nil {
			return nil, err
		}
		spec, ok := registry[kind]
		if !ok {
			return nil, fmt.Errorf("suite %s not registered", kind)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}
