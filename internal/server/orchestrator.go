package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"evalgate/internal/engine"
	"evalgate/internal/guardrails"
	"evalgate/internal/mcp"
	"evalgate/internal/resilience"
	"evalgate/internal/target"
)

// ValidationError rejects a submission before a Run exists.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return "invalid run configuration: " + e.Message
}

func validationErrorf(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ErrRunActive means a second execution was requested for a run id that
// already has one. Exactly one active execution per run id.
var ErrRunActive = errors.New("run already has an active execution")

type runHandle struct {
	cancelRequested atomic.Bool
	done            chan struct{}
}

// Orchestrator owns the run lifecycle: submit, start sync/async, poll,
// cancel. The invoker, guardrails aggregator and suite registry are
// constructor-injected and shared across all runs, so concurrent runs against
// the same target observe the same breaker state and fingerprint cache.
type Orchestrator struct {
	cfg      ServerConfig
	store    Store
	obs      *Observability
	invoker  *resilience.Invoker
	guard    *guardrails.Aggregator
	registry map[engine.SuiteKind]engine.SuiteSpec

	mu      sync.Mutex
	handles map[string]*runHandle
	slots   chan struct{}
}

func NewOrchestrator(cfg ServerConfig, store Store, obs *Observability) *Orchestrator {
	invoker := resilience.NewInvoker(resilience.InvokerConfig{
		CallTimeout: time.Duration(cfg.Resilience.CallTimeoutSec) * time.Second,
		MaxRetries:  cfg.Resilience.MaxRetries,
		BackoffBase: time.Duration(cfg.Resilience.BackoffBaseMS) * time.Millisecond,
		BackoffCap:  time.Duration(cfg.Resilience.BackoffCapMS) * time.Millisecond,
		Workers:     cfg.Resilience.Workers,
		QueueDepth:  cfg.Resilience.QueueDepth,
		Breaker: resilience.BreakerConfig{
			FailThreshold: cfg.Resilience.BreakerFails,
			ResetAfter:    time.Duration(cfg.Resilience.BreakerResetSec) * time.Second,
			Disabled:      cfg.Resilience.BreakerDisabled,
		},
	})
	cache := guardrails.NewFingerprintCache(time.Duration(cfg.Guardrails.CacheTTLSec) * time.Second)
	return &Orchestrator{
		cfg:      cfg,
		store:    store,
		obs:      obs,
		invoker:  invoker,
		guard:    guardrails.NewAggregator(guardrails.DefaultProviders(), cache),
		registry: engine.DefaultRegistry(),
		handles:  map[string]*runHandle{},
		slots:    make(chan struct{}, cfg.Runs.MaxParallelRuns),
	}
}

func (o *Orchestrator) Invoker() *resilience.Invoker {
	return o.invoker
}

func (o *Orchestrator) Guard() *guardrails.Aggregator {
	return o.guard
}

// Submit validates the configuration and creates a pending Run. Validation
// failures reject the submission before any Run exists.
func (o *Orchestrator) Submit(req RunRequest) (RunMeta, error) {
	mode, ok := target.ParseMode(req.TargetMode)
	if !ok {
		return RunMeta{}, validationErrorf("unknown target_mode %q", req.TargetMode)
	}
	req.TargetMode = string(mode)
	if strings.TrimSpace(req.Endpoint) == "" {
		return RunMeta{}, validationErrorf("endpoint is required")
	}
	if strings.TrimSpace(req.Provider) == "" {
		return RunMeta{}, validationErrorf("provider is required")
	}
	if strings.TrimSpace(req.Model) == "" {
		return RunMeta{}, validationErrorf("model is required")
	}
	if len(req.Suites) == 0 {
		return RunMeta{}, validationErrorf("at least one suite is required")
	}
	if _, err := engine.ResolveSuites(req.Suites, o.registry); err != nil {
		return RunMeta{}, &ValidationError{Message: err.Error()}
	}
	gateMode := req.GateMode
	if gateMode == "" {
		gateMode = o.cfg.Guardrails.DefaultMode
	}
	if _, ok := guardrails.ParseGateMode(gateMode); !ok {
		return RunMeta{}, validationErrorf("unknown gate_mode %q", req.GateMode)
	}
	req.GateMode = gateMode
	if req.TimeoutSec <= 0 {
		req.TimeoutSec = o.cfg.Runs.DefaultTimeoutSec
	}

	runID, err := randomID("run")
	if err != nil {
		return RunMeta{}, err
	}
	meta := RunMeta{
		RunID:     runID,
		State:     RunPending,
		Request:   req,
		CreatedAt: nowRFC3339(),
	}
	if err := o.store.CreateRun(meta); err != nil {
		return RunMeta{}, err
	}
	_, _ = o.store.AppendRunEvent(runID, "submit", "run submitted", map[string]any{
		"suites": req.Suites,
		"mode":   req.TargetMode,
	})
	return meta, nil
}

// StartAsync transitions the run to running and continues execution on a
// background task tracked by an explicit handle in the registry.
func (o *Orchestrator) StartAsync(runID string) error {
	meta, ok := o.store.GetRun(runID)
	if !ok {
		return fmt.Errorf("run not found: %s", runID)
	}
	if meta.State != RunPending {
		return fmt.Errorf("run %s is %s, not pending", runID, meta.State)
	}

	o.mu.Lock()
	if _, exists := o.handles[runID]; exists {
		o.mu.Unlock()
		return ErrRunActive
	}
	handle := &runHandle{done: make(chan struct{})}
	if meta.CancelRequested {
		// Cancel arrived while the run was still pending.
		handle.cancelRequested.Store(true)
	}
	o.handles[runID] = handle
	o.mu.Unlock()

	go func() {
		defer func() {
			// Drop the handle once the run is terminal so the registry does
			// not grow for the process lifetime.
			o.mu.Lock()
			delete(o.handles, runID)
			o.mu.Unlock()
			close(handle.done)
		}()
		o.slots <- struct{}{}
		defer func() { <-o.slots }()
		o.execute(runID, meta.Request, handle)
	}()
	return nil
}

// StartSync runs to completion and returns the final state.
func (o *Orchestrator) StartSync(ctx context.Context, runID string) (RunMeta, error) {
	if err := o.StartAsync(runID); err != nil {
		return RunMeta{}, err
	}
	o.mu.Lock()
	handle := o.handles[runID]
	o.mu.Unlock()
	if handle == nil {
		// The run already finished and released its handle.
		meta, _ := o.store.GetRun(runID)
		return meta, nil
	}
	select {
	case <-ctx.Done():
		return RunMeta{}, ctx.Err()
	case <-handle.done:
	}
	meta, _ := o.store.GetRun(runID)
	return meta, nil
}

// Poll returns the current state with whatever summary has been collected.
func (o *Orchestrator) Poll(runID string) (RunMeta, bool) {
	return o.store.GetRun(runID)
}

// Cancel requests cooperative cancellation and returns immediately. The flag
// is observed at the next suite/step boundary; in-flight work finishes.
func (o *Orchestrator) Cancel(runID string) error {
	meta, ok := o.store.GetRun(runID)
	if !ok {
		return fmt.Errorf("run not found: %s", runID)
	}
	if meta.State.Terminal() {
		return fmt.Errorf("run %s already %s", runID, meta.State)
	}
	o.mu.Lock()
	handle := o.handles[runID]
	o.mu.Unlock()
	if handle != nil {
		handle.cancelRequested.Store(true)
	}
	_, _ = o.store.UpdateRun(runID, func(m *RunMeta) {
		m.CancelRequested = true
	})
	_, _ = o.store.AppendRunEvent(runID, "cancel", "cancellation requested", nil)
	return nil
}

// Shutdown waits for every active run to reach a terminal state.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	handles := make([]*runHandle, 0, len(o.handles))
	for _, handle := range o.handles {
		handles = append(handles, handle)
	}
	o.mu.Unlock()
	for _, handle := range handles {
		<-handle.done
	}
}

func (o *Orchestrator) execute(runID string, req RunRequest, handle *runHandle) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(req.TimeoutSec)*time.Second)
	defer cancel()

	_, _ = o.store.UpdateRun(runID, func(m *RunMeta) {
		m.State = RunRunning
		m.StartedAt = nowRFC3339()
	})
	_, _ = o.store.AppendRunEvent(runID, "start", "run started", nil)

	specs, err := engine.ResolveSuites(req.Suites, o.registry)
	if err != nil {
		// Validated at submit; reaching this means the registry changed
		// underneath us. Setup failure: no suite runs.
		o.finishFailed(ctx, runID, fmt.Errorf("resolve suites: %w", err))
		return
	}
	source := o.caseSource(req)
	client := target.NewClient(target.Config{
		BaseURL: req.Endpoint,
		APIKey:  req.APIKey,
		Model:   req.Model,
		Timeout: time.Duration(o.cfg.Resilience.CallTimeoutSec) * time.Second,
	})
	gateMode, _ := guardrails.ParseGateMode(req.GateMode)
	thresholds := mergeThresholds(o.cfg.Guardrails.Thresholds, req.Thresholds)

	// Dry runs never contact the target, so protocol mode skips the harness
	// and its tool discovery; cases take the simulated pass path instead.
	var harness *mcp.Harness
	if req.TargetMode == string(target.ModeProtocol) && !req.DryRun {
		harness, err = mcp.NewHarness(client, o.invoker, o.guard, mcp.HarnessConfig{
			Policy: mcp.PolicyConfig{
				AllowTools:  o.cfg.MCP.AllowTools,
				DenyNetwork: o.cfg.MCP.DenyNetwork,
				MaxSteps:    o.cfg.MCP.MaxSteps,
				Rules:       o.cfg.MCP.PolicyRules,
			},
			Preflight:       len(o.cfg.MCP.PreflightRules) > 0,
			PreflightRules:  o.cfg.MCP.PreflightRules,
			StepRules:       o.cfg.MCP.StepRules,
			Thresholds:      thresholds,
			GateMode:        gateMode,
			InputCostPer1K:  o.cfg.MCP.InputCostPer1K,
			OutputCostPer1K: o.cfg.MCP.OutputCostPer1K,
		})
		if err != nil {
			o.finishFailed(ctx, runID, fmt.Errorf("build session harness: %w", err))
			return
		}
	}

	env := &engine.Env{Client: client, Invoker: o.invoker, Guard: o.guard}
	opts := engine.RunOptions{
		Concurrency:     o.suiteConcurrency(req),
		Thresholds:      thresholds,
		GateMode:        gateMode,
		DryRun:          req.DryRun,
		CancelRequested: handle.cancelRequested.Load,
	}

	summary := &RunSummary{Suites: []engine.SuiteResult{}}
	cancelled := false
	for index, spec := range specs {
		if handle.cancelRequested.Load() {
			cancelled = true
			summary.CancelPoint = "before suite " + spec.Kind.String()
			for _, remaining := range specs[index:] {
				summary.SuitesNotRun = append(summary.SuitesNotRun, remaining.Kind.String())
			}
			break
		}
		_, _ = o.store.AppendRunEvent(runID, "suite_start", "suite started", map[string]any{
			"suite": spec.Kind.String(),
		})

		cases, loadErr := source.Load(ctx, spec.Kind)
		var result engine.SuiteResult
		if loadErr != nil {
			result = engine.SuiteResult{
				Suite: spec.Kind.String(),
				Error: loadErr.Error(),
			}
		} else if harness != nil {
			result = o.runProtocolSuite(ctx, harness, spec, cases, opts, summary)
		} else {
			result = engine.RunSuite(ctx, env, spec, cases, opts)
		}
		summary.Suites = append(summary.Suites, result)
		o.recordSuite(ctx, runID, result)

		if result.Partial {
			cancelled = true
			summary.CancelPoint = "during suite " + spec.Kind.String()
			for _, remaining := range specs[index+1:] {
				summary.SuitesNotRun = append(summary.SuitesNotRun, remaining.Kind.String())
			}
			break
		}
	}

	summary.Pass = !cancelled
	for _, suite := range summary.Suites {
		summary.TotalTests += suite.Total
		summary.TotalPassed += suite.Passed
		if !suite.Pass {
			summary.Pass = false
		}
	}

	finalState := RunCompleted
	if cancelled {
		finalState = RunCancelled
	}
	_, _ = o.store.UpdateRun(runID, func(m *RunMeta) {
		m.State = finalState
		m.FinishedAt = nowRFC3339()
		m.Summary = summary
	})
	_, _ = o.store.AppendRunEvent(runID, "finished", "run "+string(finalState), map[string]any{
		"state":  string(finalState),
		"passed": summary.TotalPassed,
		"total":  summary.TotalTests,
	})
	o.obs.MarkRun(ctx, string(finalState))
	slog.Info("run finished", "run_id", runID, "state", finalState,
		"passed", summary.TotalPassed, "total", summary.TotalTests)
}

func (o *Orchestrator) finishFailed(ctx context.Context, runID string, cause error) {
	_, _ = o.store.UpdateRun(runID, func(m *RunMeta) {
		m.State = RunFailed
		m.FinishedAt = nowRFC3339()
		m.Error = cause.Error()
	})
	_, _ = o.store.AppendRunEvent(runID, "error", "run failed", map[string]any{
		"error": cause.Error(),
	})
	o.obs.MarkRun(ctx, string(RunFailed))
	slog.Error("run failed", "run_id", runID, "error", cause)
}

func (o *Orchestrator) recordSuite(ctx context.Context, runID string, result engine.SuiteResult) {
	_, _ = o.store.AppendRunEvent(runID, "suite_result", "suite finished", map[string]any{
		"suite":       result.Suite,
		"pass":        result.Pass,
		"passed":      result.Passed,
		"total":       result.Total,
		"partial":     result.Partial,
		"duration_ms": result.DurationMS,
	})
	o.obs.MarkSuite(ctx, result.Suite, result.DurationMS)
	reused := 0
	for _, item := range result.Results {
		reused += len(item.ReusedIDs)
		if item.CircuitOpen {
			o.obs.MarkBreakerTrip(ctx, result.Suite)
		}
		if item.Error == resilience.ErrQueueFull.Error() {
			o.obs.MarkQueueReject(ctx, result.Suite)
		}
		for _, signal := range item.Signals {
			if signal.Violated && !signal.Reused {
				o.obs.MarkGuardrailHit(ctx, signal.Provider)
			}
		}
	}
	o.obs.MarkCacheReuse(ctx, reused)
}

// runProtocolSuite drives each test case as one tool-calling session. Steps
// come from the case's script; a case without a script becomes a single chat
// step. Sessions are appended to the run summary for reporting.
func (o *Orchestrator) runProtocolSuite(ctx context.Context, harness *mcp.Harness, spec engine.SuiteSpec, cases []engine.TestCase, opts engine.RunOptions, summary *RunSummary) engine.SuiteResult {
	start := time.Now()
	result := engine.SuiteResult{Suite: spec.Kind.String(), Results: []engine.TestResult{}}

	for _, testCase := range cases {
		if opts.CancelRequested() {
			result.Partial = true
			break
		}
		item := o.runSession(ctx, harness, testCase, summary)
		result.Results = append(result.Results, item)
	}

	total := len(result.Results)
	passed := 0
	for _, item := range result.Results {
		if item.Pass {
			passed++
		}
	}
	result.Total = total
	result.Passed = passed
	result.Failed = total - passed
	if total > 0 {
		result.PassRate = float64(passed) / float64(total)
	}
	result.Pass = result.Failed == 0 && !result.Partial
	result.DurationMS = time.Since(start).Milliseconds()
	return result
}

func (o *Orchestrator) runSession(ctx context.Context, harness *mcp.Harness, testCase engine.TestCase, summary *RunSummary) engine.TestResult {
	item := engine.TestResult{TestID: testCase.ID, Input: testCase.Input}

	steps, err := scriptSteps(testCase)
	if err != nil {
		item.Error = err.Error()
		return item
	}

	session, err := harness.StartSession(ctx, testCase.Input)
	if err != nil {
		item.Error = err.Error()
		if errors.Is(err, resilience.ErrCircuitOpen) {
			item.CircuitOpen = true
		}
		return item
	}
	defer func() {
		harness.Close(session)
		summary.Sessions = append(summary.Sessions, session)
	}()

	var lastOutput string
	for _, stepReq := range steps {
		step, stepErr := harness.ExecuteStep(ctx, session, stepReq)
		if stepErr != nil {
			item.Error = stepErr.Error()
			return item
		}
		item.LatencyMS += step.LatencyMS
		item.ReusedIDs = append(item.ReusedIDs, step.ReusedIDs...)
		item.Signals = append(item.Signals, step.Signals...)
		if step.Decision == mcp.DecisionError {
			item.Error = step.Error
			return item
		}
		if step.Output != "" {
			lastOutput = step.Output
		}
	}
	item.Actual = lastOutput
	item.Score = 1
	item.Pass = len(session.Violations) == 0
	if !item.Pass {
		item.Error = "session violations: " + strings.Join(session.Violations, ", ")
	}
	return item
}

// scriptSteps derives the session's step script from the case. Context.steps
// holds an ordered list of {role, channel, input, tool, args}; absent that,
// the case input becomes a single user chat step. A script that does not
// decode is an error: the case must fail, not pass with zero steps.
func scriptSteps(testCase engine.TestCase) ([]mcp.StepRequest, error) {
	raw, ok := testCase.Context["steps"]
	if !ok {
		return []mcp.StepRequest{{
			Role:    "user",
			Channel: mcp.ChannelUserToLLM,
			Input:   testCase.Input,
		}}, nil
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid step script: %w", err)
	}
	var steps []mcp.StepRequest
	if err := json.Unmarshal(encoded, &steps); err != nil {
		return nil, fmt.Errorf("invalid step script: %w", err)
	}
	return steps, nil
}

func (o *Orchestrator) caseSource(req RunRequest) engine.CaseSource {
	dir := o.cfg.CasesDir
	if raw, ok := req.Options["cases_dir"]; ok {
		if value, ok := raw.(string); ok && strings.TrimSpace(value) != "" {
			dir = value
		}
	}
	if strings.TrimSpace(dir) != "" {
		return engine.FileSource{Dir: dir}
	}
	return engine.BuiltinSource()
}

func (o *Orchestrator) suiteConcurrency(req RunRequest) int {
	if raw, ok := req.Options["suite_concurrency"]; ok {
		switch value := raw.(type) {
		case float64:
			if value > 0 {
				return int(value)
			}
		case int:
			if value > 0 {
				return value
			}
		}
	}
	return o.cfg.Runs.SuiteConcurrency
}

func mergeThresholds(base, overrides map[string]float64) map[string]float64 {
	if len(base) == 0 {
		return overrides
	}
	merged := make(map[string]float64, len(base)+len(overrides))
	for rule, value := range base {
		merged[rule] = value
	}
	for rule, value := range overrides {
		merged[rule] = value
	}
	return merged
}

func randomID(prefix string) (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return prefix + "_" + hex.EncodeToString(b), nil
}
