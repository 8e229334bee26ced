package mcp

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

type PolicyConfig struct {
	// AllowTools is the tool allowlist. Empty means every discovered tool is
	// allowed.
	AllowTools []string `json:"allow_tools" yaml:"allow_tools"`
	// DenyNetwork rejects tool calls whose arguments look like they reach the
	// network. Best-effort pattern matching, not a sandbox; advisory unless
	// paired with real network isolation.
	DenyNetwork bool `json:"deny_network" yaml:"deny_network"`
	// DryRun denies every tool invocation while still recording the step.
	DryRun bool `json:"dry_run" yaml:"dry_run"`
	// MaxSteps is the per-session step ceiling. Exceeding it closes the
	// session with a violation.
	MaxSteps int `json:"max_steps" yaml:"max_steps"`
	// Rules are optional boolean expressions evaluated per step with the
	// variables tool, role, channel, input, args_json and step_index. A rule
	// evaluating to false denies the step.
	Rules []string `json:"rules" yaml:"rules"`
}

const DefaultMaxSteps = 50

var networkPattern = regexp.MustCompile(`(?i)(https?://|wss?://|ftp://|ssh |curl |wget |\b(?:\d{1,3}\.){3}\d{1,3}\b|:[0-9]{2,5}/)`)

// Policy is the compiled per-step policy guard.
type Policy struct {
	cfg      PolicyConfig
	allow    map[string]struct{}
	programs []*vm.Program
}

func NewPolicy(cfg PolicyConfig) (*Policy, error) {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	policy := &Policy{cfg: cfg}
	if len(cfg.AllowTools) > 0 {
		policy.allow = make(map[string]struct{}, len(cfg.AllowTools))
		for _, name := range cfg.AllowTools {
			policy.allow[strings.TrimSpace(name)] = struct{}{}
		}
	}
	for _, rule := range cfg.Rules {
		rule = strings.TrimSpace(rule)
		if rule == "" {
			continue
		}
		program, err := expr.Compile(rule, expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("compile policy rule %q: %w", rule, err)
		}
		policy.programs = append(policy.programs, program)
	}
	return policy, nil
}

func (p *Policy) MaxSteps() int {
	return p.cfg.MaxSteps
}

// Evaluate returns a deny reason for a tool step, or "" when the step is
// allowed. Step count enforcement lives in the harness; this covers
// allowlist, dry-run, the no-network heuristic and custom rules.
func (p *Policy) Evaluate(req StepRequest, stepIndex int) string {
	if p.cfg.DryRun {
		return "dry_run mode: tool invocation disabled"
	}
	if p.allow != nil {
		if _, ok := p.allow[req.Tool]; !ok {
			return fmt.Sprintf("tool %q not in allowlist", req.Tool)
		}
	}
	if p.cfg.DenyNetwork && networkPattern.MatchString(string(req.Args)) {
		return "arguments match network access pattern"
	}
	if len(p.programs) > 0 {
		env := map[string]any{
			"tool":       req.Tool,
			"role":       req.Role,
			"channel":    string(req.Channel),
			"input":      req.Input,
			"args_json":  string(req.Args),
			"step_index": stepIndex,
		}
		var args map[string]any
		if len(req.Args) > 0 && json.Unmarshal(req.Args, &args) == nil {
			env["args"] = args
		} else {
			env["args"] = map[string]any{}
		}
		for i, program := range p.programs {
			allowed, err := expr.Run(program, env)
			if err != nil {
				return fmt.Sprintf("policy rule %d failed to evaluate: %v", i, err)
			}
			if ok, _ := allowed.(bool); !ok {
				return fmt.Sprintf("policy rule %d denied the step", i)
			}
		}
	}
	return ""
}
