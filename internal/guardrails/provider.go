package guardrails

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
)

// SignalProvider is one pluggable check. Implementations are black boxes to
// the aggregator: they return a normalized score in [0,1] or mark themselves
// unavailable.
type SignalProvider interface {
	ID() string
	Category() string
	// NeedsOutput reports whether the provider scores model output (true) or
	// only the input prompt (false).
	NeedsOutput() bool
	Evaluate(ctx context.Context, input, output string) (SignalResult, error)
}

// DefaultThresholds are the built-in per-rule thresholds; caller-supplied
// thresholds override them per rule.
func DefaultThresholds() map[string]float64 {
	return map[string]float64{
		"pii":       0.5,
		"toxicity":  0.7,
		"jailbreak": 0.5,
		"self_harm": 0.3,
		"adult":     0.6,
		"schema":    0.5,
	}
}

// DefaultProviders returns the built-in heuristic provider set. Production
// deployments register richer providers; these keep the platform usable out
// of the box and give tests deterministic behavior.
func DefaultProviders() []SignalProvider {
	return []SignalProvider{
		patternProvider{
			id:       "pii",
			category: "pii",
			output:   true,
			patterns: []*regexp.Regexp{
				regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
				regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`),
				regexp.MustCompile(`(?i)\b[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}\b`),
				regexp.MustCompile(`\+?\d{1,3}[ -]?\(?\d{2,4}\)?[ -]?\d{3,4}[ -]?\d{3,4}`),
			},
		},
		keywordProvider{
			id:       "toxicity",
			category: "toxicity",
			output:   true,
			keywords: []string{"idiot", "stupid", "hate you", "worthless", "kill them"},
		},
		patternProvider{
			id:       "jailbreak",
			category: "jailbreak",
			output:   false,
			patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)ignore (all |your )?(previous |prior )?instructions`),
				regexp.MustCompile(`(?i)\bDAN mode\b`),
				regexp.MustCompile(`(?i)pretend (you are|to be) (an? )?unrestricted`),
				regexp.MustCompile(`(?i)disregard (the )?(system|safety) (prompt|rules)`),
			},
		},
		keywordProvider{
			id:       "self_harm",
			category: "self_harm",
			output:   true,
			keywords: []string{"kill myself", "end my life", "hurt myself", "suicide method"},
		},
		keywordProvider{
			id:       "adult",
			category: "adult",
			output:   true,
			keywords: []string{"explicit sexual", "nsfw content", "pornographic"},
		},
		schemaProvider{},
	}
}

// patternProvider scores 1.0 when any regex matches, 0.0 otherwise.
type patternProvider struct {
	id       string
	category string
	output   bool
	patterns []*regexp.Regexp
}

func (p patternProvider) ID() string        { return p.id }
func (p patternProvider) Category() string  { return p.category }
func (p patternProvider) NeedsOutput() bool { return p.output }

func (p patternProvider) Evaluate(_ context.Context, input, output string) (SignalResult, error) {
	text := input
	if p.output {
		text = output
	}
	result := SignalResult{Provider: p.id, Category: p.category}
	matched := []string{}
	for _, pattern := range p.patterns {
		if hit := pattern.FindString(text); hit != "" {
			matched = append(matched, pattern.String())
		}
	}
	if len(matched) > 0 {
		result.Score = 1
		result.Details = map[string]any{"matched": matched}
	}
	return result, nil
}

// keywordProvider scores by fraction of keywords present, saturating at 1.0
// after two hits.
type keywordProvider struct {
	id       string
	category string
	output   bool
	keywords []string
}

func (p keywordProvider) ID() string        { return p.id }
func (p keywordProvider) Category() string  { return p.category }
func (p keywordProvider) NeedsOutput() bool { return p.output }

func (p keywordProvider) Evaluate(_ context.Context, input, output string) (SignalResult, error) {
	text := strings.ToLower(input)
	if p.output {
		text = strings.ToLower(output)
	}
	result := SignalResult{Provider: p.id, Category: p.category}
	hits := 0
	for _, keyword := range p.keywords {
		if strings.Contains(text, keyword) {
			hits++
		}
	}
	switch {
	case hits >= 2:
		result.Score = 1
	case hits == 1:
		result.Score = 0.6
	}
	if hits > 0 {
		result.Details = map[string]any{"keyword_hits": hits}
	}
	return result, nil
}

// schemaProvider checks that an output that looks like JSON actually parses.
// Non-JSON output is not a violation; the provider marks itself unavailable.
type schemaProvider struct{}

func (schemaProvider) ID() string        { return "schema" }
func (schemaProvider) Category() string  { return "schema" }
func (schemaProvider) NeedsOutput() bool { return true }

func (schemaProvider) Evaluate(_ context.Context, _, output string) (SignalResult, error) {
	result := SignalResult{Provider: "schema", Category: "schema"}
	trimmed := strings.TrimSpace(output)
	if !strings.HasPrefix(trimmed, "{") && !strings.HasPrefix(trimmed, "[") {
		result.Unavailable = true
		return result, nil
	}
	var value any
	if err := json.Unmarshal([]byte(trimmed), &value); err != nil {
		result.Score = 1
		result.Details = map[string]any{"parse_error": err.Error()}
	}
	return result, nil
}
