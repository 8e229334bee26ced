package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"evalgate/internal/guardrails"
	"evalgate/internal/resilience"
	"evalgate/internal/target"
)

// Env is the shared execution environment a suite runs against,
// constructor-injected by the orchestrator.
type Env struct {
	Client  *target.Client
	Invoker *resilience.Invoker
	Guard   *guardrails.Aggregator
}

func (e *Env) targetKey() string {
	return e.Client.BaseURL() + "|" + e.Client.Model()
}

type RunOptions struct {
	// Concurrency bounds in-flight cases within the suite. The per-target
	// semaphore in the invoker still applies underneath.
	Concurrency int
	Thresholds  map[string]float64
	GateMode    guardrails.GateMode
	DryRun      bool
	// CancelRequested is polled at case boundaries. In-flight cases finish;
	// no new case is dispatched once it reports true.
	CancelRequested func() bool
}

// RunSuite executes every case of a suite. Cases may complete out of order
// under concurrent dispatch; results are reassembled in declared order before
// the SuiteResult is finalized. Per-case provider errors become failing
// results and never abort the suite.
func RunSuite(ctx context.Context, env *Env, spec SuiteSpec, cases []TestCase, opts RunOptions) SuiteResult {
	start := time.Now()
	result := SuiteResult{Suite: spec.Kind.String(), Results: []TestResult{}}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	cancelRequested := opts.CancelRequested
	if cancelRequested == nil {
		cancelRequested = func() bool { return false }
	}

	slots := make(chan struct{}, concurrency)
	ordered := make([]*TestResult, len(cases))
	var wg sync.WaitGroup

	dispatched := 0
	for index, testCase := range cases {
		if cancelRequested() {
			result.Partial = true
			break
		}
		slots <- struct{}{}
		wg.Add(1)
		go func(i int, tc TestCase) {
			defer wg.Done()
			defer func() { <-slots }()
			item := runCase(ctx, env, spec, tc, opts)
			ordered[i] = &item
		}(index, testCase)
		dispatched++
	}
	wg.Wait()

	for _, item := range ordered[:dispatched] {
		if item != nil {
			result.Results = append(result.Results, *item)
		}
	}
	finalizeSuiteResult(&result)
	if result.Partial {
		// A partial suite keeps whatever verdicts it collected; overall pass
		// is left to the cancellation summary.
		result.Pass = false
	}
	result.DurationMS = time.Since(start).Milliseconds()
	return result
}

func runCase(ctx context.Context, env *Env, spec SuiteSpec, tc TestCase, opts RunOptions) TestResult {
	result := TestResult{
		TestID:   tc.ID,
		Input:    tc.Input,
		Expected: tc.Expected,
	}

	if opts.DryRun {
		result.Pass = true
		result.Score = 1
		result.Actual = "(dry-run)"
		return result
	}

	var resp *target.CompletionResponse
	_, outcome, err := env.Invoker.Do(ctx, env.targetKey(), func(ctx context.Context) (*target.RawResponse, error) {
		var raw *target.RawResponse
		var callErr error
		resp, raw, callErr = env.Client.Complete(ctx, target.CompletionRequest{
			Messages: []target.Message{{Role: "user", Content: tc.Input}},
		})
		return raw, callErr
	})
	result.LatencyMS = outcome.Latency.Milliseconds()
	result.Retries = outcome.Retries
	if err != nil {
		result.Error = err.Error()
		if errors.Is(err, resilience.ErrCircuitOpen) {
			result.CircuitOpen = true
		}
		return result
	}

	result.Actual = resp.Output
	result.Score, result.Pass = spec.Evaluator.Evaluate(tc, resp.Output, outcome.Latency)

	if env.Guard != nil && len(spec.Rules) > 0 {
		check, checkErr := env.Guard.Check(ctx, guardrails.CheckRequest{
			Input:      tc.Input,
			Output:     resp.Output,
			Model:      env.Client.Model(),
			Stage:      "test",
			Rules:      spec.Rules,
			Thresholds: opts.Thresholds,
			Mode:       opts.GateMode,
		})
		if checkErr != nil {
			result.Error = checkErr.Error()
			result.Pass = false
			return result
		}
		result.Signals = check.Signals
		result.ReusedIDs = check.ReusedIDs
		if spec.GateResults && !check.Pass {
			result.Pass = false
		}
	}
	return result
}
