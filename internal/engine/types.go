package engine

import "evalgate/internal/guardrails"

// TestCase is one unit of work inside a suite. Context carries
// suite-specific extras (expected tool names, latency budgets) opaque to the
// scheduler.
type TestCase struct {
	ID       string         `json:"id"`
	Input    string         `json:"input"`
	Expected string         `json:"expected,omitempty"`
	Context  map[string]any `json:"context,omitempty"`
}

// TestResult is immutable once recorded.
type TestResult struct {
	TestID    string                    `json:"test_id"`
	Input     string                    `json:"input"`
	Expected  string                    `json:"expected,omitempty"`
	Actual    string                    `json:"actual,omitempty"`
	Score     float64                   `json:"score"`
	Pass      bool                      `json:"pass"`
	LatencyMS int64                     `json:"latency_ms"`
	Retries   int                       `json:"retries,omitempty"`
	Error     string                    `json:"error,omitempty"`
	// CircuitOpen marks fast-failed calls that never reached the target;
	// clients must not count these against target-side error budgets.
	CircuitOpen bool                      `json:"circuit_open,omitempty"`
	Signals     []guardrails.SignalResult `json:"signals,omitempty"`
	ReusedIDs   []string                  `json:"reused_fingerprints,omitempty"`
}

// SuiteResult aggregates a suite's test results in declared case order.
type SuiteResult struct {
	Suite      string         `json:"suite"`
	Results    []TestResult   `json:"results"`
	Total      int            `json:"total"`
	Passed     int            `json:"passed"`
	Failed     int            `json:"failed"`
	PassRate   float64        `json:"pass_rate"`
	Pass       bool           `json:"pass"`
	DurationMS int64          `json:"duration_ms"`
	Metrics    map[string]any `json:"metrics,omitempty"`
	Error      string         `json:"error,omitempty"`
	// Partial marks a suite interrupted by cooperative cancellation.
	Partial bool `json:"partial,omitempty"`
}

func finalizeSuiteResult(result *SuiteResult) {
	result.Total = len(result.Results)
	result.Passed = 0
	for _, item := range result.Results {
		if item.Pass {
			result.Passed++
		}
	}
	result.Failed = result.Total - result.Passed
	if result.Total > 0 {
		result.PassRate = float64(result.Passed) / float64(result.Total)
	}
	result.Pass = result.Failed == 0 && result.Error == ""
}
