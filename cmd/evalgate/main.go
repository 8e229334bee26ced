package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"evalgate/internal/server"
)

func main() {
	endpoint := flag.String("endpoint", envOr("EVALGATE_ENDPOINT", ""), "Base URL of the target under test")
	apiKey := flag.String("api-key", envOr("EVALGATE_API_KEY", ""), "API key for the target")
	provider := flag.String("provider", envOr("EVALGATE_PROVIDER", "generic"), "Provider label for reporting")
	model := flag.String("model", envOr("EVALGATE_MODEL", ""), "Model ID under test")
	mode := flag.String("mode", "api", "Target mode: api|mcp")
	suites := flag.String("suites", "quality,safety", "Comma-separated suites: quality,safety,adversarial,performance,bias,resilience")
	gateMode := flag.String("gate-mode", "mixed", "Guardrails gating: hard_gate|mixed|advisory")
	timeout := flag.Int("timeout", 540, "Run timeout in seconds")
	maxRetries := flag.Int("max-retries", 2, "Max retries per target call")
	concurrency := flag.Int("concurrency", 4, "In-flight cases per suite")
	casesDir := flag.String("cases-dir", "", "Directory of <suite>.json case files (builtin bank if empty)")
	dryRun := flag.Bool("dry-run", false, "Validate configuration and simulate without calling the target")
	format := flag.String("format", "text", "Output format: text|json")
	outputPath := flag.String("out", "", "Write full run JSON to this file")
	strict := flag.Bool("strict", false, "Exit non-zero if any suite fails")
	flag.Parse()

	if strings.TrimSpace(*endpoint) == "" && !*dryRun {
		exitWith("EVALGATE_ENDPOINT or -endpoint is required")
	}
	if strings.TrimSpace(*model) == "" {
		exitWith("EVALGATE_MODEL or -model is required")
	}

	cfg := server.DefaultServerConfig()
	cfg.Resilience.MaxRetries = *maxRetries
	cfg.Runs.SuiteConcurrency = *concurrency
	cfg.CasesDir = *casesDir

	store, err := server.NewMemoryFileStore("")
	if err != nil {
		exitWith("create run store: " + err.Error())
	}
	orchestrator := server.NewOrchestrator(cfg, store, nil)

	req := server.RunRequest{
		TargetMode: *mode,
		Endpoint:   *endpoint,
		Provider:   *provider,
		Model:      *model,
		APIKey:     *apiKey,
		Suites:     splitList(*suites),
		GateMode:   *gateMode,
		TimeoutSec: *timeout,
		DryRun:     *dryRun,
	}
	if *dryRun && strings.TrimSpace(*endpoint) == "" {
		req.Endpoint = "http://dry-run.invalid"
	}

	meta, err := orchestrator.Submit(req)
	if err != nil {
		exitWith(err.Error())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(*timeout+30)*time.Second)
	defer cancel()
	final, err := orchestrator.StartSync(ctx, meta.RunID)
	if err != nil {
		exitWith(err.Error())
	}

	switch strings.ToLower(strings.TrimSpace(*format)) {
	case "json":
		printJSON(final)
	default:
		printText(final)
	}

	if strings.TrimSpace(*outputPath) != "" {
		if err := writeRun(*outputPath, final); err != nil {
			exitWith("failed to write run report: " + err.Error())
		}
	}

	if final.State == server.RunFailed {
		os.Exit(2)
	}
	if *strict && (final.Summary == nil || !final.Summary.Pass) {
		os.Exit(1)
	}
}

func exitWith(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}

func envOr(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func printText(meta server.RunMeta) {
	fmt.Printf("Run: %s\n", meta.RunID)
	fmt.Printf("State: %s\n", meta.State)
	fmt.Printf("Endpoint: %s\n", meta.Request.Endpoint)
	fmt.Printf("Model: %s\n\n", meta.Request.Model)
	if meta.Error != "" {
		fmt.Printf("error: %s\n", meta.Error)
		return
	}
	if meta.Summary == nil {
		return
	}
	for _, suite := range meta.Summary.Suites {
		status := "PASS"
		if !suite.Pass {
			status = "FAIL"
		}
		if suite.Partial {
			status = "PARTIAL"
		}
		fmt.Printf("[%s] %s - %d/%d passed (%dms)\n", status, suite.Suite, suite.Passed, suite.Total, suite.DurationMS)
		if suite.Error != "" {
			fmt.Printf("  error: %s\n", suite.Error)
		}
		for _, result := range suite.Results {
			if result.Pass {
				continue
			}
			fmt.Printf("  - %s failed", result.TestID)
			if result.Error != "" {
				fmt.Printf(": %s", result.Error)
			}
			fmt.Println()
		}
	}
	if len(meta.Summary.SuitesNotRun) > 0 {
		fmt.Printf("\nNot run (cancelled %s): %s\n", meta.Summary.CancelPoint, strings.Join(meta.Summary.SuitesNotRun, ", "))
	}
	fmt.Printf("\nTotals: pass=%d total=%d overall=%v\n", meta.Summary.TotalPassed, meta.Summary.TotalTests, meta.Summary.Pass)
}

func printJSON(meta server.RunMeta) {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		exitWith("failed to encode run JSON: " + err.Error())
	}
	fmt.Println(string(data))
}

func writeRun(path string, meta server.RunMeta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Clean(path), data, 0o644)
}
