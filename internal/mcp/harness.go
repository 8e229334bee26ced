package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"evalgate/internal/guardrails"
	"evalgate/internal/resilience"
	"evalgate/internal/target"
)

// ErrSessionClosed is returned for steps submitted after the session has been
// closed (explicitly or by hitting the step ceiling).
var ErrSessionClosed = errors.New("session closed")

type HarnessConfig struct {
	Policy PolicyConfig
	// Preflight enables a guardrails check on the opening prompt before any
	// step runs.
	Preflight      bool
	PreflightRules []string
	Thresholds     map[string]float64
	GateMode       guardrails.GateMode
	// StepRules enables the lightweight guardrails check on tool output per
	// step, reusing preflight fingerprints where coordinates match.
	StepRules []string
	// CostPer1KTokens prices session totals; zero disables cost estimates.
	InputCostPer1K  float64
	OutputCostPer1K float64
}

// Harness drives tool-calling sessions against a protocol target. All tool
// traffic goes through the resilient invocation layer.
type Harness struct {
	client  *target.Client
	invoker *resilience.Invoker
	guard   *guardrails.Aggregator
	policy  *Policy
	cfg     HarnessConfig
}

func NewHarness(client *target.Client, invoker *resilience.Invoker, guard *guardrails.Aggregator, cfg HarnessConfig) (*Harness, error) {
	policy, err := NewPolicy(cfg.Policy)
	if err != nil {
		return nil, err
	}
	return &Harness{
		client:  client,
		invoker: invoker,
		guard:   guard,
		policy:  policy,
		cfg:     cfg,
	}, nil
}

func (h *Harness) targetKey() string {
	return h.client.BaseURL() + "|" + h.client.Model()
}

// StartSession discovers the target's tools and runs the optional preflight
// guardrails gate on the opening prompt.
func (h *Harness) StartSession(ctx context.Context, openingPrompt string) (*Session, error) {
	session := &Session{
		ID:        uuid.NewString(),
		Model:     h.client.Model(),
		Steps:     []Step{},
		StartedAt: time.Now().UTC(),
	}

	var tools *target.ToolListResponse
	_, _, err := h.invoker.Do(ctx, h.targetKey(), func(ctx context.Context) (*target.RawResponse, error) {
		var raw *target.RawResponse
		var callErr error
		tools, raw, callErr = h.client.ListTools(ctx)
		return raw, callErr
	})
	if err != nil {
		return nil, fmt.Errorf("discover tools: %w", err)
	}
	session.Tools = tools.Tools

	if h.cfg.Preflight && h.guard != nil && len(h.cfg.PreflightRules) > 0 {
		session.RulesHash = guardrails.RulesHash(h.cfg.PreflightRules, h.cfg.Thresholds)
		check, err := h.guard.Check(ctx, guardrails.CheckRequest{
			Input:      openingPrompt,
			Model:      session.Model,
			Stage:      "preflight",
			Rules:      h.cfg.PreflightRules,
			Thresholds: h.cfg.Thresholds,
			Mode:       h.cfg.GateMode,
		})
		if err != nil {
			return nil, fmt.Errorf("preflight guardrails check: %w", err)
		}
		session.Preflight = &check
		if !check.Pass {
			session.Violations = append(session.Violations, "preflight_gate_failed")
		}
	}
	return session, nil
}

// ExecuteStep runs one step through the schema guard, the policy guard and,
// when both admit it, the tool itself. Steps are strictly sequential per
// session. The recorded step is returned even when its decision is a denial.
func (h *Harness) ExecuteStep(ctx context.Context, session *Session, req StepRequest) (Step, error) {
	session.mu.Lock()
	defer session.mu.Unlock()

	if session.Closed {
		return Step{}, ErrSessionClosed
	}

	step := Step{
		ID:      uuid.NewString(),
		Role:    req.Role,
		Channel: req.Channel,
		Input:   req.Input,
		Tool:    req.Tool,
		Args:    req.Args,
	}

	// Step ceiling is a hard stop: record the violation and close.
	if len(session.Steps) >= h.policy.MaxSteps() {
		step.Decision = DecisionDeniedPolicy
		step.DenyReason = fmt.Sprintf("step ceiling %d exceeded", h.policy.MaxSteps())
		session.Violations = append(session.Violations, "step_ceiling_exceeded")
		h.appendLocked(session, step)
		h.closeLocked(session)
		return step, nil
	}

	if req.Tool != "" {
		tool, known := session.tool(req.Tool)
		if !known {
			step.Decision = DecisionDeniedPolicy
			step.DenyReason = fmt.Sprintf("tool %q not advertised by target", req.Tool)
			h.appendLocked(session, step)
			return step, nil
		}
		if err := ValidateArgs(tool.InputSchema, req.Args); err != nil {
			step.Decision = DecisionDeniedSchema
			step.DenyReason = err.Error()
			h.appendLocked(session, step)
			return step, nil
		}
		if reason := h.policy.Evaluate(req, len(session.Steps)); reason != "" {
			step.Decision = DecisionDeniedPolicy
			step.DenyReason = reason
			h.appendLocked(session, step)
			return step, nil
		}
		h.invokeToolLocked(ctx, session, &step)
	} else {
		h.invokeChatLocked(ctx, session, &step, req)
	}

	if step.Decision == DecisionOK && h.guard != nil && len(h.cfg.StepRules) > 0 {
		check, err := h.guard.Check(ctx, guardrails.CheckRequest{
			Input:      step.Input,
			Output:     step.Output,
			Model:      session.Model,
			Stage:      "step",
			Rules:      h.cfg.StepRules,
			Thresholds: h.cfg.Thresholds,
			Mode:       guardrails.GateAdvisory,
		})
		if err != nil {
			slog.Warn("step guardrails check failed", "session", session.ID, "error", err)
		} else {
			step.Signals = check.Signals
			step.ReusedIDs = check.ReusedIDs
			for _, violation := range check.Violations {
				session.Violations = append(session.Violations, "step:"+violation)
			}
		}
	}

	h.appendLocked(session, step)
	return step, nil
}

func (h *Harness) invokeToolLocked(ctx context.Context, session *Session, step *Step) {
	var resp *target.ToolCallResponse
	_, outcome, err := h.invoker.Do(ctx, h.targetKey(), func(ctx context.Context) (*target.RawResponse, error) {
		var raw *target.RawResponse
		var callErr error
		resp, raw, callErr = h.client.CallTool(ctx, target.ToolCallRequest{
			SessionID: session.ID,
			Name:      step.Tool,
			Arguments: step.Args,
		})
		return raw, callErr
	})
	step.LatencyMS = outcome.Latency.Milliseconds()
	step.Retries = outcome.Retries
	if err != nil {
		step.Decision = DecisionError
		step.Error = err.Error()
		return
	}
	step.Decision = DecisionOK
	step.Output = resp.Output
	if resp.IsError {
		step.Decision = DecisionError
		step.Error = resp.Output
	}
	step.TokensIn = resp.Usage.InputTokens
	step.TokensOut = resp.Usage.OutputTokens
	step.CostUSD = h.cost(resp.Usage)
}

func (h *Harness) invokeChatLocked(ctx context.Context, session *Session, step *Step, req StepRequest) {
	var resp *target.CompletionResponse
	_, outcome, err := h.invoker.Do(ctx, h.targetKey(), func(ctx context.Context) (*target.RawResponse, error) {
		var raw *target.RawResponse
		var callErr error
		resp, raw, callErr = h.client.Complete(ctx, target.CompletionRequest{
			Model:    session.Model,
			Messages: []target.Message{{Role: req.Role, Content: req.Input}},
		})
		return raw, callErr
	})
	step.LatencyMS = outcome.Latency.Milliseconds()
	step.Retries = outcome.Retries
	if err != nil {
		step.Decision = DecisionError
		step.Error = err.Error()
		return
	}
	step.Decision = DecisionOK
	step.Output = resp.Output
	step.TokensIn = resp.Usage.InputTokens
	step.TokensOut = resp.Usage.OutputTokens
	step.CostUSD = h.cost(resp.Usage)
}

func (h *Harness) cost(usage target.Usage) float64 {
	return float64(usage.InputTokens)/1000*h.cfg.InputCostPer1K +
		float64(usage.OutputTokens)/1000*h.cfg.OutputCostPer1K
}

func (h *Harness) appendLocked(session *Session, step Step) {
	session.Steps = append(session.Steps, step)
	session.Totals.Steps = len(session.Steps)
	session.Totals.LatencyMS += step.LatencyMS
	session.Totals.TokensIn += step.TokensIn
	session.Totals.TokensOut += step.TokensOut
	session.Totals.CostUSD += step.CostUSD
}

func (h *Harness) closeLocked(session *Session) {
	if session.Closed {
		return
	}
	session.Closed = true
	session.ClosedAt = time.Now().UTC()
}

// Close finalizes totals and returns the session for reporting. Further steps
// are rejected with ErrSessionClosed.
func (h *Harness) Close(session *Session) *Session {
	session.mu.Lock()
	defer session.mu.Unlock()
	h.closeLocked(session)
	return session
}
