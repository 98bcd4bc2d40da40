package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/szaher/gitsync/internal/diff"
	"github.com/szaher/gitsync/internal/policy"
	"github.com/szaher/gitsync/internal/resource"
	"github.com/szaher/gitsync/internal/state"
)

// Phase is a step of the pass state machine.
type Phase string

const (
	PhaseIdle       Phase = "Idle"
	PhaseFetching   Phase = "Fetching"
	PhaseDiffing    Phase = "Diffing"
	PhaseOrdering   Phase = "Ordering"
	PhasePolicyGate Phase = "PolicyGate"
	PhaseApplying   Phase = "Applying"
	PhaseRecording  Phase = "Recording"
	PhaseFailed     Phase = "Failed"
)

// PassOutcome is the overall result of a pass.
type PassOutcome string

const (
	PassCompleted PassOutcome = "Completed"
	PassAborted   PassOutcome = "Aborted"
)

// Outcomes that appear in reports but are never recorded.
const (
	// OutcomeInSync marks a resource whose live state already matched.
	OutcomeInSync state.Outcome = "InSync"
	// OutcomeOutOfSync marks a resource a dry run would have changed.
	OutcomeOutOfSync state.Outcome = "OutOfSync"
)

// Result is the outcome of one resource in one pass.
type Result struct {
	Identity resource.Identity `json:"identity"`
	Action   diff.Kind         `json:"action"`
	Outcome  state.Outcome     `json:"outcome"`
	Reason   string            `json:"reason,omitempty"`
	Error    string            `json:"error,omitempty"`
	Group    string            `json:"group,omitempty"`
	Decision policy.Decision   `json:"decision,omitempty"`
	Revision string            `json:"revision,omitempty"`
	Changes  []diff.Change     `json:"changes,omitempty"`
}

// Report describes a finished pass. FailedPhase is the phase an aborted
// pass stopped in.
type Report struct {
	PassID      string                   `json:"pass_id"`
	Target      string                   `json:"target"`
	Revision    string                   `json:"revision,omitempty"`
	DryRun      bool                     `json:"dry_run,omitempty"`
	StartedAt   time.Time                `json:"started_at"`
	FinishedAt  time.Time                `json:"finished_at"`
	Outcome     PassOutcome              `json:"outcome"`
	Phase       Phase                    `json:"phase"`
	FailedPhase Phase                    `json:"failed_phase,omitempty"`
	Error       string                   `json:"error,omitempty"`
	Order       []resource.Identity      `json:"order,omitempty"`
	Policies    map[string]policy.Result `json:"policies,omitempty"`
	Results     []Result                 `json:"results"`
}

// Result returns the result for id.
func (r *Report) Result(id resource.Identity) (Result, bool) {
	for _, res := range r.Results {
		if res.Identity == id {
			return res, true
		}
	}
	return Result{}, false
}

// Count returns the number of results with the given outcome.
func (r *Report) Count(o state.Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == o {
			n++
		}
	}
	return n
}

// Drifted returns the number of resources whose live state differs from
// the source and was not fixed in this pass.
func (r *Report) Drifted() int {
	n := 0
	for _, res := range r.Results {
		if res.Action != diff.KindNoOp && res.Outcome != state.OutcomeSucceeded {
			n++
		}
	}
	return n
}

// Pending returns the resources held back for approval.
func (r *Report) Pending() []resource.Identity {
	var ids []resource.Identity
	for _, res := range r.Results {
		if res.Outcome == state.OutcomeSkipped && res.Decision == policy.ManualApproval && res.Reason == reasonAwaitingApproval {
			ids = append(ids, res.Identity)
		}
	}
	return ids
}

// Deltas returns the changes of the pass in order, for diff.FormatText.
func (r *Report) Deltas() []diff.Delta {
	out := make([]diff.Delta, 0, len(r.Results))
	for _, res := range r.Results {
		out = append(out, diff.Delta{Identity: res.Identity, Kind: res.Action, Changes: res.Changes})
	}
	return out
}

// Summary renders a one-line human summary.
func (r *Report) Summary() string {
	if r.Outcome == PassAborted {
		return fmt.Sprintf("pass %s aborted during %s: %s", r.PassID, r.FailedPhase, r.Error)
	}
	parts := []string{
		fmt.Sprintf("%d succeeded", r.Count(state.OutcomeSucceeded)),
		fmt.Sprintf("%d failed", r.Count(state.OutcomeFailed)),
		fmt.Sprintf("%d skipped", r.Count(state.OutcomeSkipped)),
		fmt.Sprintf("%d in sync", r.Count(OutcomeInSync)),
	}
	if r.DryRun {
		parts = append(parts, fmt.Sprintf("%d out of sync", r.Count(OutcomeOutOfSync)))
	}
	return fmt.Sprintf("pass %s at %s: %s", r.PassID, shortRevision(r.Revision), strings.Join(parts, ", "))
}

func shortRevision(rev string) string {
	rev = strings.TrimPrefix(rev, "sha256:")
	if len(rev) > 12 {
		return rev[:12]
	}
	if rev == "" {
		return "unknown"
	}
	return rev
}
