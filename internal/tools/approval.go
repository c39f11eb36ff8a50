package tools

import "strings"

// Decision is the policy outcome for a tool invocation.
type Decision string

const (
	DecisionAllow           Decision = "allow"
	DecisionRequireApproval Decision = "require-approval"
	DecisionDeny            Decision = "deny"
)

// ApprovalPolicy gates tool execution. Patterns support a trailing "*"
// wildcard ("read_*", "mcp:*"). Precedence: denylist, allowlist,
// require-approval, then the default decision.
type ApprovalPolicy struct {
	Allowlist       []string `yaml:"allowlist" json:"allowlist"`
	Denylist        []string `yaml:"denylist" json:"denylist"`
	RequireApproval []string `yaml:"require_approval" json:"require_approval"`

	// DefaultDecision applies when no rule matches. Empty means allow.
	DefaultDecision Decision `yaml:"default_decision" json:"default_decision"`
}

// DefaultApprovalPolicy allows read-style tools outright and asks before
// anything that can mutate state.
func DefaultApprovalPolicy() *ApprovalPolicy {
	return &ApprovalPolicy{
		Allowlist:       []string{"read_*", "list_*", "task_*", "delegate"},
		RequireApproval: []string{"bash", "write_*"},
		DefaultDecision: DecisionAllow,
	}
}

// Evaluate returns the decision for a tool name.
func (p *ApprovalPolicy) Evaluate(name string) Decision {
	if p == nil {
		return DecisionAllow
	}
	if matchAny(p.Denylist, name) {
		return DecisionDeny
	}
	if matchAny(p.Allowlist, name) {
		return DecisionAllow
	}
	if matchAny(p.RequireApproval, name) {
		return DecisionRequireApproval
	}
	if p.DefaultDecision != "" {
		return p.DefaultDecision
	}
	return DecisionAllow
}

func matchAny(patterns []string, name string) bool {
	for _, pat := range patterns {
		if matchPattern(pat, name) {
			return true
		}
	}
	return false
}

func matchPattern(pattern, name string) bool {
	if pattern == name || pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(name, prefix)
	}
	return false
}
