// Package policy decides, per resource group, whether drift is synced
// automatically or waits for manual approval.
package policy

import (
	"fmt"
	"sort"
	"strings"

	"github.com/szaher/gitsync/internal/expr"
)

// Decision is the outcome of evaluating a group.
type Decision string

const (
	AutoSync       Decision = "AutoSync"
	ManualApproval Decision = "ManualApproval"
)

// ParseDecision accepts "auto"/"AutoSync" and "manual"/"ManualApproval".
func ParseDecision(s string) (Decision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "auto", "autosync", "automatic":
		return AutoSync, nil
	case "manual", "manualapproval":
		return ManualApproval, nil
	}
	return "", fmt.Errorf("unknown sync decision %q (expected auto or manual)", s)
}

// Group is the unit a policy is evaluated for.
type Group struct {
	Name        string
	Environment string
	Target      string
	Cluster     string
	Namespace   string
	// Automated is the target's explicit sync policy, if any.
	Automated *bool
	Labels    map[string]string
}

// Rule forces a decision when its expression holds for a group.
type Rule struct {
	Name     string
	When     string
	Decision Decision

	compiled *expr.CompiledExpr
}

// Config is the policy configuration consulted fresh on every pass.
type Config struct {
	// Environments maps an environment name to its default decision.
	Environments map[string]Decision
	// Rules are evaluated in order; the first match wins.
	Rules []Rule
	// Default applies to environments that are not listed.
	Default Decision
}

// DefaultEnvironments mirrors common promotion flows: lower environments
// sync automatically, production waits for approval.
func DefaultEnvironments() map[string]Decision {
	return map[string]Decision{
		"dev":        AutoSync,
		"sandbox":    AutoSync,
		"staging":    AutoSync,
		"production": ManualApproval,
	}
}

// Evaluator decides a group's sync mode.
type Evaluator interface {
	Evaluate(g Group) Decision
}

// Result is a decision plus the reason it was reached.
type Result struct {
	Decision Decision
	Reason   string
}

// DefaultEvaluator applies rules, then the target's explicit setting, then
// the environment default, then the global default.
type DefaultEvaluator struct {
	cfg Config
}

// NewEvaluator compiles cfg's rules.
func NewEvaluator(cfg Config) (*DefaultEvaluator, error) {
	if cfg.Environments == nil {
		cfg.Environments = DefaultEnvironments()
	}
	if cfg.Default == "" {
		cfg.Default = ManualApproval
	}
	rules := make([]Rule, len(cfg.Rules))
	for i, r := range cfg.Rules {
		if r.Decision != AutoSync && r.Decision != ManualApproval {
			return nil, fmt.Errorf("policy rule %q: invalid decision %q", r.Name, r.Decision)
		}
		compiled, err := expr.Compile(r.When)
		if err != nil {
			return nil, fmt.Errorf("policy rule %q: %w", r.Name, err)
		}
		r.compiled = compiled
		rules[i] = r
	}
	cfg.Rules = rules
	return &DefaultEvaluator{cfg: cfg}, nil
}

// Evaluate implements Evaluator.
func (e *DefaultEvaluator) Evaluate(g Group) Decision {
	return e.Explain(g).Decision
}

// Explain evaluates g and reports why. A rule that fails to evaluate
// forces ManualApproval.
func (e *DefaultEvaluator) Explain(g Group) Result {
	env := expr.Env{
		Group:       g.Name,
		Environment: g.Environment,
		Target:      g.Target,
		Cluster:     g.Cluster,
		Namespace:   g.Namespace,
		Labels:      g.Labels,
	}
	for _, r := range e.cfg.Rules {
		ok, err := expr.EvalBool(r.compiled, env)
		if err != nil {
			return Result{Decision: ManualApproval, Reason: fmt.Sprintf("rule %q failed: %v", r.Name, err)}
		}
		if ok {
			return Result{Decision: r.Decision, Reason: fmt.Sprintf("rule %q matched", r.Name)}
		}
	}
	if g.Automated != nil {
		if *g.Automated {
			return Result{Decision: AutoSync, Reason: "target sync policy is automated"}
		}
		return Result{Decision: ManualApproval, Reason: "target sync policy is manual"}
	}
	if d, ok := e.cfg.Environments[g.Environment]; ok {
		return Result{Decision: d, Reason: fmt.Sprintf("default for environment %q", g.Environment)}
	}
	return Result{Decision: e.cfg.Default, Reason: fmt.Sprintf("environment %q has no policy", g.Environment)}
}

// FormatResults renders per-group decisions, one per line.
func FormatResults(results map[string]Result) string {
	names := make([]string, 0, len(results))
	for n := range results {
		names = append(names, n)
	}
	sort.Strings(names)
	var sb strings.Builder
	for _, n := range names {
		r := results[n]
		fmt.Fprintf(&sb, "  %s: %s (%s)\n", n, r.Decision, r.Reason)
	}
	return sb.String()
}
