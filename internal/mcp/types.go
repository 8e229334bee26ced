package mcp

import (
	"encoding/json"
	"sync"
	"time"

	"evalgate/internal/guardrails"
	"evalgate/internal/target"
)

// Decision classifies the outcome of one session step.
type Decision string

const (
	DecisionOK           Decision = "ok"
	DecisionDeniedSchema Decision = "denied_schema"
	DecisionDeniedPolicy Decision = "denied_policy"
	DecisionError        Decision = "error"
)

// Channel names the direction of a step's traffic.
type Channel string

const (
	ChannelUserToLLM Channel = "user_to_llm"
	ChannelLLMToTool Channel = "llm_to_tool"
	ChannelToolToLLM Channel = "tool_to_llm"
)

type StepRequest struct {
	Role    string          `json:"role"`
	Channel Channel         `json:"channel"`
	Input   string          `json:"input"`
	Tool    string          `json:"tool,omitempty"`
	Args    json.RawMessage `json:"args,omitempty"`
}

// Step is one recorded exchange. Immutable once appended to its session.
type Step struct {
	ID         string                     `json:"id"`
	Role       string                     `json:"role"`
	Channel    Channel                    `json:"channel"`
	Input      string                     `json:"input"`
	Tool       string                     `json:"tool,omitempty"`
	Args       json.RawMessage            `json:"args,omitempty"`
	Output     string                     `json:"output,omitempty"`
	Error      string                     `json:"error,omitempty"`
	Decision   Decision                   `json:"decision"`
	DenyReason string                     `json:"deny_reason,omitempty"`
	LatencyMS  int64                      `json:"latency_ms"`
	TokensIn   int                        `json:"tokens_in"`
	TokensOut  int                        `json:"tokens_out"`
	CostUSD    float64                    `json:"cost_usd"`
	Retries    int                        `json:"retries,omitempty"`
	Signals    []guardrails.SignalResult  `json:"signals,omitempty"`
	ReusedIDs  []string                   `json:"reused_fingerprints,omitempty"`
}

type Totals struct {
	LatencyMS int64   `json:"latency_ms"`
	TokensIn  int     `json:"tokens_in"`
	TokensOut int     `json:"tokens_out"`
	CostUSD   float64 `json:"cost_usd"`
	Steps     int     `json:"steps"`
}

// Session is one multi-step tool-calling exchange. Steps are strictly
// sequential within a session; multiple sessions may run concurrently.
type Session struct {
	mu sync.Mutex

	ID         string                   `json:"id"`
	Model      string                   `json:"model"`
	RulesHash  string                   `json:"rules_hash,omitempty"`
	Tools      []target.ToolDescriptor  `json:"tools"`
	Steps      []Step                   `json:"steps"`
	Totals     Totals                   `json:"totals"`
	Preflight  *guardrails.CheckResult  `json:"preflight,omitempty"`
	Violations []string                 `json:"violations,omitempty"`
	Closed     bool                     `json:"closed"`
	StartedAt  time.Time                `json:"started_at"`
	ClosedAt   time.Time                `json:"closed_at,omitempty"`
}

func (s *Session) tool(name string) (target.ToolDescriptor, bool) {
	for _, tool := range s.Tools {
		if tool.Name == name {
			return tool, true
		}
	}
	return target.ToolDescriptor{}, false
}
