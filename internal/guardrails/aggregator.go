package guardrails

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Aggregator runs the applicable signal providers for a check, merges
// thresholds, applies the gating mode and maintains the fingerprint cache.
// One Aggregator is shared process-wide; constructor-injected, never global.
type Aggregator struct {
	providers map[string]SignalProvider
	defaults  map[string]float64
	cache     *FingerprintCache
}

func NewAggregator(providers []SignalProvider, cache *FingerprintCache) *Aggregator {
	if cache == nil {
		cache = NewFingerprintCache(DefaultCacheTTL)
	}
	byID := make(map[string]SignalProvider, len(providers))
	for _, provider := range providers {
		byID[provider.ID()] = provider
	}
	return &Aggregator{
		providers: byID,
		defaults:  DefaultThresholds(),
		cache:     cache,
	}
}

// Register adds or replaces a provider. Intended for wiring external
// evaluator units at startup.
func (a *Aggregator) Register(provider SignalProvider) {
	a.providers[provider.ID()] = provider
}

func (a *Aggregator) Cache() *FingerprintCache {
	return a.cache
}

// Threshold resolves the effective threshold for a rule: caller overrides
// win, otherwise built-in defaults, otherwise 0.5.
func (a *Aggregator) Threshold(rule string, overrides map[string]float64) float64 {
	if overrides != nil {
		if value, ok := overrides[rule]; ok {
			return value
		}
	}
	if value, ok := a.defaults[rule]; ok {
		return value
	}
	return 0.5
}

// Check evaluates every enabled rule against the request. Providers that need
// model output trigger at most one shared probe call when no output was
// supplied. Results are cached per fingerprint; cache hits never re-invoke
// the provider and are marked reused so cost estimators exclude them.
func (a *Aggregator) Check(ctx context.Context, req CheckRequest) (CheckResult, error) {
	start := time.Now()
	mode := req.Mode
	if mode == "" {
		mode = GateMixed
	}
	result := CheckResult{Pass: true, Mode: mode, Signals: []SignalResult{}}
	rulesHash := RulesHash(req.Rules, req.Thresholds)

	output := req.Output
	probed := false
	for _, rule := range req.Rules {
		provider, ok := a.providers[rule]
		if !ok {
			return result, fmt.Errorf("unknown guardrail rule: %s", rule)
		}
		threshold := a.Threshold(rule, req.Thresholds)
		fingerprint := Fingerprint(provider.ID(), rule, req.Stage, req.Model, rulesHash)

		if cached, ok := a.cache.Get(fingerprint); ok {
			cached.Cached = true
			cached.Reused = true
			cached.Threshold = threshold
			cached.Violated = !cached.Unavailable && cached.Score > threshold
			result.Signals = append(result.Signals, cached)
			result.ReusedIDs = append(result.ReusedIDs, fingerprint)
			continue
		}

		if provider.NeedsOutput() && output == "" {
			if req.Probe != nil && !probed {
				probed = true
				probedOutput, err := req.Probe(ctx)
				if err != nil {
					slog.Warn("guardrails output probe failed", "error", err)
				} else {
					output = probedOutput
					result.ProbeUsed = true
				}
			}
			if output == "" {
				result.Signals = append(result.Signals, SignalResult{
					Provider:    provider.ID(),
					Category:    provider.Category(),
					Unavailable: true,
					Threshold:   threshold,
					Fingerprint: fingerprint,
				})
				continue
			}
		}

		signal, err := provider.Evaluate(ctx, req.Input, output)
		if err != nil {
			signal = SignalResult{
				Provider:    provider.ID(),
				Category:    provider.Category(),
				Unavailable: true,
			}
		}
		signal.Threshold = threshold
		signal.Fingerprint = fingerprint
		signal.Violated = !signal.Unavailable && signal.Score > threshold
		if !signal.Unavailable {
			a.cache.Put(fingerprint, signal)
		}
		result.Signals = append(result.Signals, signal)
	}

	for _, signal := range result.Signals {
		if !signal.Violated {
			continue
		}
		result.Violations = append(result.Violations, signal.Provider)
		switch mode {
		case GateHard:
			result.Pass = false
		case GateMixed:
			if IsCriticalCategory(signal.Category) {
				result.Pass = false
			}
		case GateAdvisory:
			// Recorded only.
		}
	}

	result.Duration = time.Since(start)
	result.DurationMS = result.Duration.Milliseconds()
	return result, nil
}
