package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"evalgate/internal/target"
)

func writeCaseFile(t *testing.T, dir, suite string, cases string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, suite+".json"), []byte(cases), 0o644); err != nil {
		t.Fatalf("write case file: %v", err)
	}
}

func newTestOrchestrator(t *testing.T, mutate func(*ServerConfig)) (*Orchestrator, *MemoryFileStore) {
	t.Helper()
	cfg := DefaultServerConfig()
	cfg.Resilience.BackoffBaseMS = 1
	cfg.Resilience.BackoffCapMS = 2
	if mutate != nil {
		mutate(&cfg)
	}
	store, err := NewMemoryFileStore("")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return NewOrchestrator(cfg, store, nil), store
}

func completionTarget(t *testing.T, output string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(target.CompletionResponse{Output: output})
	}))
	t.Cleanup(server.Close)
	return server
}

func validRequest(endpoint string) RunRequest {
	return RunRequest{
		Endpoint: endpoint,
		Provider: "generic",
		Model:    "model-x",
		Suites:   []string{"quality"},
	}
}

func TestSubmitValidation(t *testing.T) {
	orch, _ := newTestOrchestrator(t, nil)
	cases := []struct {
		name   string
		mutate func(*RunRequest)
	}{
		{"unknown mode", func(r *RunRequest) { r.TargetMode = "carrier-pigeon" }},
		{"missing endpoint", func(r *RunRequest) { r.Endpoint = "" }},
		{"missing provider", func(r *RunRequest) { r.Provider = "" }},
		{"missing model", func(r *RunRequest) { r.Model = "" }},
		{"no suites", func(r *RunRequest) { r.Suites = nil }},
		{"unknown suite", func(r *RunRequest) { r.Suites = []string{"quality", "vibes"} }},
		{"unknown gate mode", func(r *RunRequest) { r.GateMode = "soft_gate" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validRequest("http://target.test")
			tc.mutate(&req)
			_, err := orch.Submit(req)
			var validation *ValidationError
			if !errors.As(err, &validation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestSubmitCreatesPendingRun(t *testing.T) {
	orch, store := newTestOrchestrator(t, nil)
	meta, err := orch.Submit(validRequest("http://target.test"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if meta.State != RunPending || meta.RunID == "" {
		t.Fatalf("expected pending run with id, got %+v", meta)
	}
	if meta.Request.GateMode != "mixed" {
		t.Fatalf("expected default gate mode applied, got %q", meta.Request.GateMode)
	}
	events := store.ListRunEvents(meta.RunID, 0)
	if len(events) != 1 || events[0].Stage != "submit" {
		t.Fatalf("expected submit event, got %+v", events)
	}
}

func TestRunSyncEndToEnd(t *testing.T) {
	server := completionTarget(t, "pong, obviously")
	dir := t.TempDir()
	writeCaseFile(t, dir, "quality", `[{"id":"q1","input":"ping","expected":"pong"}]`)

	orch, store := newTestOrchestrator(t, func(cfg *ServerConfig) {
		cfg.CasesDir = dir
	})
	meta, err := orch.Submit(validRequest(server.URL))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	final, err := orch.StartSync(context.Background(), meta.RunID)
	if err != nil {
		t.Fatalf("start sync: %v", err)
	}
	if final.State != RunCompleted {
		t.Fatalf("expected completed, got %s (%s)", final.State, final.Error)
	}
	if final.Summary == nil || !final.Summary.Pass || final.Summary.TotalPassed != 1 {
		t.Fatalf("unexpected summary: %+v", final.Summary)
	}
	if final.StartedAt == "" || final.FinishedAt == "" {
		t.Fatalf("expected lifecycle timestamps, got %+v", final)
	}

	stages := map[string]bool{}
	for _, event := range store.ListRunEvents(meta.RunID, 0) {
		stages[event.Stage] = true
	}
	for _, want := range []string{"submit", "start", "suite_start", "suite_result", "finished"} {
		if !stages[want] {
			t.Fatalf("missing %s event, got %v", want, stages)
		}
	}
}

func TestStartAsyncRequiresPendingRun(t *testing.T) {
	server := completionTarget(t, "fine")
	dir := t.TempDir()
	writeCaseFile(t, dir, "quality", `[{"id":"q1","input":"x","expected":"fine"}]`)
	orch, _ := newTestOrchestrator(t, func(cfg *ServerConfig) { cfg.CasesDir = dir })

	meta, err := orch.Submit(validRequest(server.URL))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := orch.StartSync(context.Background(), meta.RunID); err != nil {
		t.Fatalf("start sync: %v", err)
	}
	if err := orch.StartAsync(meta.RunID); err == nil {
		t.Fatalf("expected error starting a finished run")
	}
	if err := orch.StartAsync("missing"); err == nil {
		t.Fatalf("expected error for unknown run")
	}
}

func TestCancelPendingRunSkipsAllSuites(t *testing.T) {
	server := completionTarget(t, "never used")
	dir := t.TempDir()
	writeCaseFile(t, dir, "quality", `[{"id":"q1","input":"x","expected":"y"}]`)
	orch, _ := newTestOrchestrator(t, func(cfg *ServerConfig) { cfg.CasesDir = dir })

	req := validRequest(server.URL)
	req.Suites = []string{"quality", "resilience"}
	meta, err := orch.Submit(req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := orch.Cancel(meta.RunID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	final, err := orch.StartSync(context.Background(), meta.RunID)
	if err != nil {
		t.Fatalf("start sync: %v", err)
	}
	if final.State != RunCancelled {
		t.Fatalf("expected cancelled, got %s", final.State)
	}
	if len(final.Summary.SuitesNotRun) != 2 {
		t.Fatalf("expected both suites skipped, got %+v", final.Summary)
	}
	if final.Summary.CancelPoint == "" {
		t.Fatalf("expected cancel point recorded")
	}
}

func TestCancelMidRunKeepsCompletedSuites(t *testing.T) {
	dir := t.TempDir()
	writeCaseFile(t, dir, "quality", `[{"id":"q1","input":"a","expected":"clean"}]`)
	writeCaseFile(t, dir, "resilience", `[{"id":"r1","input":"b"},{"id":"r2","input":"c"},{"id":"r3","input":"d"}]`)

	var orch *Orchestrator
	var runID string
	var once sync.Once
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if requests == 2 {
			// First case of the second suite is in flight: request cancel now.
			once.Do(func() { _ = orch.Cancel(runID) })
		}
		_ = json.NewEncoder(w).Encode(target.CompletionResponse{Output: "clean"})
	}))
	defer server.Close()

	orch, _ = newTestOrchestrator(t, func(cfg *ServerConfig) {
		cfg.CasesDir = dir
		cfg.Runs.SuiteConcurrency = 1
	})

	req := validRequest(server.URL)
	req.Suites = []string{"quality", "resilience"}
	meta, err := orch.Submit(req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	runID = meta.RunID

	final, err := orch.StartSync(context.Background(), runID)
	if err != nil {
		t.Fatalf("start sync: %v", err)
	}
	if final.State != RunCancelled {
		t.Fatalf("expected cancelled, got %s", final.State)
	}
	if len(final.Summary.Suites) != 2 {
		t.Fatalf("expected completed quality suite plus partial resilience suite, got %d", len(final.Summary.Suites))
	}
	quality := final.Summary.Suites[0]
	if quality.Suite != "quality" || !quality.Pass {
		t.Fatalf("completed suite must keep its verdict: %+v", quality)
	}
	partial := final.Summary.Suites[1]
	if !partial.Partial || partial.Total >= 3 {
		t.Fatalf("expected partial second suite, got %+v", partial)
	}
	if final.Summary.Pass {
		t.Fatalf("cancelled run must not pass overall")
	}
}

func TestCancelTerminalRunRejected(t *testing.T) {
	server := completionTarget(t, "fine")
	dir := t.TempDir()
	writeCaseFile(t, dir, "quality", `[{"id":"q1","input":"x","expected":"fine"}]`)
	orch, _ := newTestOrchestrator(t, func(cfg *ServerConfig) { cfg.CasesDir = dir })

	meta, err := orch.Submit(validRequest(server.URL))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := orch.StartSync(context.Background(), meta.RunID); err != nil {
		t.Fatalf("start sync: %v", err)
	}
	if err := orch.Cancel(meta.RunID); err == nil {
		t.Fatalf("expected error cancelling a terminal run")
	}
}

func TestDryRunCompletesWithoutTarget(t *testing.T) {
	orch, _ := newTestOrchestrator(t, nil)
	req := validRequest("http://unreachable.invalid")
	req.DryRun = true
	meta, err := orch.Submit(req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	final, err := orch.StartSync(context.Background(), meta.RunID)
	if err != nil {
		t.Fatalf("start sync: %v", err)
	}
	if final.State != RunCompleted || !final.Summary.Pass {
		t.Fatalf("expected passing dry run, got %s %+v", final.State, final.Summary)
	}
}

func TestSuiteLoadErrorDoesNotAbortRun(t *testing.T) {
	server := completionTarget(t, "fine")
	dir := t.TempDir()
	// resilience.json intentionally absent; quality present.
	writeCaseFile(t, dir, "quality", `[{"id":"q1","input":"x","expected":"fine"}]`)
	orch, _ := newTestOrchestrator(t, func(cfg *ServerConfig) { cfg.CasesDir = dir })

	req := validRequest(server.URL)
	req.Suites = []string{"resilience", "quality"}
	meta, err := orch.Submit(req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	final, err := orch.StartSync(context.Background(), meta.RunID)
	if err != nil {
		t.Fatalf("start sync: %v", err)
	}
	if final.State != RunCompleted {
		t.Fatalf("expected completed run despite load failure, got %s", final.State)
	}
	if final.Summary.Suites[0].Error == "" {
		t.Fatalf("expected load error recorded on the first suite")
	}
	if !final.Summary.Suites[1].Pass {
		t.Fatalf("expected the second suite to run normally")
	}
	if final.Summary.Pass {
		t.Fatalf("a suite that failed to load must fail the run summary")
	}
}

func TestFinishedRunReleasesHandle(t *testing.T) {
	orch, _ := newTestOrchestrator(t, nil)
	req := validRequest("http://unreachable.invalid")
	req.DryRun = true
	meta, err := orch.Submit(req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := orch.StartSync(context.Background(), meta.RunID); err != nil {
		t.Fatalf("start sync: %v", err)
	}
	orch.mu.Lock()
	_, held := orch.handles[meta.RunID]
	orch.mu.Unlock()
	if held {
		t.Fatalf("terminal run must release its handle")
	}
}

func TestProtocolModeDryRunSkipsDiscovery(t *testing.T) {
	orch, _ := newTestOrchestrator(t, nil)
	req := validRequest("http://unreachable.invalid")
	req.TargetMode = "mcp"
	req.DryRun = true
	meta, err := orch.Submit(req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	final, err := orch.StartSync(context.Background(), meta.RunID)
	if err != nil {
		t.Fatalf("start sync: %v", err)
	}
	if final.State != RunCompleted || !final.Summary.Pass {
		t.Fatalf("expected passing dry run, got %s (%s)", final.State, final.Error)
	}
	if len(final.Summary.Sessions) != 0 {
		t.Fatalf("dry run must not open sessions, got %d", len(final.Summary.Sessions))
	}
	if got := final.Summary.Suites[0].Results[0].Actual; got != "(dry-run)" {
		t.Fatalf("expected simulated case output, got %q", got)
	}
}

func TestProtocolModeMalformedStepScriptFails(t *testing.T) {
	dir := t.TempDir()
	writeCaseFile(t, dir, "resilience", `[{"id":"s1","input":"hello","context":{"steps":"not-a-script"}}]`)
	orch, _ := newTestOrchestrator(t, func(cfg *ServerConfig) { cfg.CasesDir = dir })

	req := validRequest("http://unreachable.invalid")
	req.TargetMode = "mcp"
	req.Suites = []string{"resilience"}
	meta, err := orch.Submit(req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	final, err := orch.StartSync(context.Background(), meta.RunID)
	if err != nil {
		t.Fatalf("start sync: %v", err)
	}
	if final.State != RunCompleted {
		t.Fatalf("expected completed run, got %s (%s)", final.State, final.Error)
	}
	item := final.Summary.Suites[0].Results[0]
	if item.Pass {
		t.Fatalf("a case with an undecodable step script must not pass: %+v", item)
	}
	if !strings.Contains(item.Error, "invalid step script") {
		t.Fatalf("expected step script error recorded, got %q", item.Error)
	}
	if final.Summary.Pass {
		t.Fatalf("run summary must fail when a case is malformed")
	}
	if len(final.Summary.Sessions) != 0 {
		t.Fatalf("no session should open for a malformed script, got %d", len(final.Summary.Sessions))
	}
}

func TestProtocolModeRunsSessions(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/tools", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(target.ToolListResponse{Tools: []target.ToolDescriptor{{Name: "echo"}}})
	})
	mux.HandleFunc("POST /v1/completions", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(target.CompletionResponse{Output: "clean reply"})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	dir := t.TempDir()
	writeCaseFile(t, dir, "resilience", `[{"id":"s1","input":"hello there"}]`)
	orch, _ := newTestOrchestrator(t, func(cfg *ServerConfig) { cfg.CasesDir = dir })

	req := validRequest(server.URL)
	req.TargetMode = "mcp"
	req.Suites = []string{"resilience"}
	meta, err := orch.Submit(req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	final, err := orch.StartSync(context.Background(), meta.RunID)
	if err != nil {
		t.Fatalf("start sync: %v", err)
	}
	if final.State != RunCompleted {
		t.Fatalf("expected completed, got %s (%s)", final.State, final.Error)
	}
	if len(final.Summary.Sessions) != 1 {
		t.Fatalf("expected one session per case, got %d", len(final.Summary.Sessions))
	}
	session := final.Summary.Sessions[0]
	if !session.Closed || len(session.Steps) != 1 {
		t.Fatalf("expected one closed session with one chat step, got %+v", session)
	}
	if !final.Summary.Suites[0].Results[0].Pass {
		t.Fatalf("expected violation-free session to pass: %+v", final.Summary.Suites[0].Results[0])
	}
}
