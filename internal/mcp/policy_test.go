package mcp

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestPolicyAllowlist(t *testing.T) {
	policy, err := NewPolicy(PolicyConfig{AllowTools: []string{"search", "read_file"}})
	if err != nil {
		t.Fatalf("new policy: %v", err)
	}
	if reason := policy.Evaluate(StepRequest{Tool: "search"}, 0); reason != "" {
		t.Fatalf("allowlisted tool denied: %s", reason)
	}
	if reason := policy.Evaluate(StepRequest{Tool: "delete_everything"}, 0); reason == "" {
		t.Fatalf("expected tool outside allowlist to be denied")
	}
}

func TestPolicyEmptyAllowlistAllowsAll(t *testing.T) {
	policy, err := NewPolicy(PolicyConfig{})
	if err != nil {
		t.Fatalf("new policy: %v", err)
	}
	if reason := policy.Evaluate(StepRequest{Tool: "anything"}, 0); reason != "" {
		t.Fatalf("empty allowlist must allow all tools, got: %s", reason)
	}
}

func TestPolicyDenyNetwork(t *testing.T) {
	policy, err := NewPolicy(PolicyConfig{DenyNetwork: true})
	if err != nil {
		t.Fatalf("new policy: %v", err)
	}
	cases := []string{
		`{"url":"https://evil.example.com"}`,
		`{"cmd":"curl http://10.0.0.1/steal"}`,
		`{"host":"192.168.1.1"}`,
	}
	for _, args := range cases {
		reason := policy.Evaluate(StepRequest{Tool: "exec", Args: json.RawMessage(args)}, 0)
		if reason == "" {
			t.Fatalf("expected network-looking args to be denied: %s", args)
		}
	}
	reason := policy.Evaluate(StepRequest{Tool: "exec", Args: json.RawMessage(`{"path":"notes.txt"}`)}, 0)
	if reason != "" {
		t.Fatalf("plain file args denied: %s", reason)
	}
}

func TestPolicyDryRunDeniesAllTools(t *testing.T) {
	policy, err := NewPolicy(PolicyConfig{DryRun: true, AllowTools: []string{"search"}})
	if err != nil {
		t.Fatalf("new policy: %v", err)
	}
	reason := policy.Evaluate(StepRequest{Tool: "search"}, 0)
	if !strings.Contains(reason, "dry_run") {
		t.Fatalf("expected dry-run denial, got: %s", reason)
	}
}

func TestPolicyExpressionRules(t *testing.T) {
	policy, err := NewPolicy(PolicyConfig{
		Rules: []string{
			`tool != "shell"`,
			`step_index < 10`,
		},
	})
	if err != nil {
		t.Fatalf("new policy: %v", err)
	}
	if reason := policy.Evaluate(StepRequest{Tool: "search"}, 0); reason != "" {
		t.Fatalf("expected compliant step to pass, got: %s", reason)
	}
	if reason := policy.Evaluate(StepRequest{Tool: "shell"}, 0); reason == "" {
		t.Fatalf("expected rule to deny the shell tool")
	}
	if reason := policy.Evaluate(StepRequest{Tool: "search"}, 12); reason == "" {
		t.Fatalf("expected step index rule to deny late steps")
	}
}

func TestPolicyRuleSeesArguments(t *testing.T) {
	policy, err := NewPolicy(PolicyConfig{
		Rules: []string{`args.path != "/etc/passwd"`},
	})
	if err != nil {
		t.Fatalf("new policy: %v", err)
	}
	denied := policy.Evaluate(StepRequest{
		Tool: "read_file",
		Args: json.RawMessage(`{"path":"/etc/passwd"}`),
	}, 0)
	if denied == "" {
		t.Fatalf("expected argument-based rule to deny the step")
	}
	allowed := policy.Evaluate(StepRequest{
		Tool: "read_file",
		Args: json.RawMessage(`{"path":"README.md"}`),
	}, 0)
	if allowed != "" {
		t.Fatalf("expected benign path to pass, got: %s", allowed)
	}
}

func TestPolicyInvalidRuleRejectedAtConstruction(t *testing.T) {
	_, err := NewPolicy(PolicyConfig{Rules: []string{`tool ==`}})
	if err == nil {
		t.Fatalf("expected compile error for malformed rule")
	}
}

func TestPolicyDefaultStepCeiling(t *testing.T) {
	policy, err := NewPolicy(PolicyConfig{})
	if err != nil {
		t.Fatalf("new policy: %v", err)
	}
	if policy.MaxSteps() != DefaultMaxSteps {
		t.Fatalf("expected default step ceiling %d, got %d", DefaultMaxSteps, policy.MaxSteps())
	}
}
