package server

import (
	"time"

	"evalgate/internal/engine"
	"evalgate/internal/mcp"
)

// RunState is the run lifecycle. A run never re-enters running after leaving
// it; cancelled, completed and failed are terminal.
type RunState string

const (
	RunPending   RunState = "pending"
	RunRunning   RunState = "running"
	RunCancelled RunState = "cancelled"
	RunCompleted RunState = "completed"
	RunFailed    RunState = "failed"
)

func (s RunState) Terminal() bool {
	switch s {
	case RunCancelled, RunCompleted, RunFailed:
		return true
	}
	return false
}

type RunRequest struct {
	TargetMode string             `json:"target_mode,omitempty"`
	Endpoint   string             `json:"endpoint"`
	Provider   string             `json:"provider"`
	Model      string             `json:"model"`
	APIKey     string             `json:"api_key,omitempty"`
	Suites     []string           `json:"suites"`
	Thresholds map[string]float64 `json:"thresholds,omitempty"`
	GateMode   string             `json:"gate_mode,omitempty"`
	TimeoutSec int                `json:"timeout_sec,omitempty"`
	DryRun     bool               `json:"dry_run,omitempty"`
	// Options is the free-form option map; recognized keys are
	// suite_concurrency (number) and cases_dir (string).
	Options map[string]any `json:"options,omitempty"`
}

type RunMeta struct {
	RunID           string      `json:"run_id"`
	State           RunState    `json:"state"`
	Request         RunRequest  `json:"request"`
	CancelRequested bool        `json:"cancel_requested,omitempty"`
	CreatedAt       string      `json:"created_at"`
	StartedAt       string      `json:"started_at,omitempty"`
	FinishedAt      string      `json:"finished_at,omitempty"`
	Error           string      `json:"error,omitempty"`
	Summary         *RunSummary `json:"summary,omitempty"`
}

// RunSummary is built incrementally while the run executes and finalized at
// the terminal transition. A cancelled run keeps completed suites, the
// partial suite as collected, and lists the rest under SuitesNotRun.
type RunSummary struct {
	Suites       []engine.SuiteResult `json:"suites"`
	Sessions     []*mcp.Session       `json:"sessions,omitempty"`
	SuitesNotRun []string             `json:"suites_not_run,omitempty"`
	CancelPoint  string               `json:"cancel_point,omitempty"`
	TotalTests   int                  `json:"total_tests"`
	TotalPassed  int                  `json:"total_passed"`
	Pass         bool                 `json:"pass"`
}

type RunEvent struct {
	Seq       int64          `json:"seq"`
	Timestamp string         `json:"timestamp"`
	Stage     string         `json:"stage"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

type MetricsOverview struct {
	GeneratedAt     string `json:"generated_at"`
	TotalRuns       int    `json:"total_runs"`
	ActiveRuns      int    `json:"active_runs"`
	CompletedRuns   int    `json:"completed_runs"`
	CancelledRuns   int    `json:"cancelled_runs"`
	FailedRuns      int    `json:"failed_runs"`
	TotalTests      int    `json:"total_tests"`
	TotalPassed     int    `json:"total_passed"`
	AverageDuration int64  `json:"average_duration_ms"`
	GuardrailHits   int    `json:"guardrail_hits"`
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}
