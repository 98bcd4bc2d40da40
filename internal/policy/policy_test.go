package policy

import (
	"strings"
	"testing"
)

func boolPtr(b bool) *bool { return &b }

func TestEvaluate_EnvironmentDefaults(t *testing.T) {
	e, err := NewEvaluator(Config{})
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}
	tests := []struct {
		env  string
		want Decision
	}{
		{"sandbox", AutoSync},
		{"staging", AutoSync},
		{"production", ManualApproval},
		{"unheard-of", ManualApproval},
	}
	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			if got := e.Evaluate(Group{Name: tt.env, Environment: tt.env}); got != tt.want {
				t.Errorf("Evaluate(%s) = %s, want %s", tt.env, got, tt.want)
			}
		})
	}
}

func TestEvaluate_Precedence(t *testing.T) {
	e, err := NewEvaluator(Config{
		Rules: []Rule{
			{Name: "freeze", When: `labels["freeze"] == "true"`, Decision: ManualApproval},
			{Name: "canary", When: `group == "canary"`, Decision: AutoSync},
		},
	})
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}
	tests := []struct {
		name  string
		group Group
		want  Decision
	}{
		{"rule beats environment", Group{Name: "canary", Environment: "production"}, AutoSync},
		{"rule beats explicit flag", Group{Name: "web", Environment: "staging", Automated: boolPtr(true), Labels: map[string]string{"freeze": "true"}}, ManualApproval},
		{"explicit flag beats environment", Group{Name: "web", Environment: "production", Automated: boolPtr(true)}, AutoSync},
		{"explicit manual", Group{Name: "web", Environment: "staging", Automated: boolPtr(false)}, ManualApproval},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := e.Evaluate(tt.group); got != tt.want {
				t.Errorf("Evaluate() = %s, want %s (%s)", got, tt.want, e.Explain(tt.group).Reason)
			}
		})
	}
}

func TestNewEvaluator_Invalid(t *testing.T) {
	if _, err := NewEvaluator(Config{Rules: []Rule{{Name: "bad", When: "nope ==", Decision: AutoSync}}}); err == nil {
		t.Error("expected compile error")
	}
	if _, err := NewEvaluator(Config{Rules: []Rule{{Name: "bad", When: "true", Decision: "Sometimes"}}}); err == nil {
		t.Error("expected invalid decision error")
	}
}

func TestParseDecision(t *testing.T) {
	for in, want := range map[string]Decision{"auto": AutoSync, "Manual": ManualApproval, "AutoSync": AutoSync} {
		got, err := ParseDecision(in)
		if err != nil || got != want {
			t.Errorf("ParseDecision(%q) = %s, %v; want %s", in, got, err, want)
		}
	}
	if _, err := ParseDecision("maybe"); err == nil {
		t.Error("expected error")
	}
}

func TestFormatResults(t *testing.T) {
	out := FormatResults(map[string]Result{
		"web": {Decision: AutoSync, Reason: "x"},
		"db":  {Decision: ManualApproval, Reason: "y"},
	})
	if strings.Index(out, "db:") > strings.Index(out, "web:") {
		t.Errorf("results not sorted:\n%s", out)
	}
}
