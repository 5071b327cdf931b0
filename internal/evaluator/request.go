// Package evaluator runs the external policy evaluator. Requests travel to
// the evaluator process through temp files bound to its stdin and stdout,
// and every failure path resolves to needs_human_review.
package evaluator

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/taskgate/internal/governance"
)

// Kind is the subject type being evaluated.
type Kind string

const (
	KindDecision   Kind = "decision"
	KindPlan       Kind = "plan"
	KindCompletion Kind = "completion"
	KindHolistic   Kind = "holistic"
)

// Outcome records how an evaluation ended.
type Outcome string

const (
	OutcomeOK           Outcome = "ok"
	OutcomeShortCircuit Outcome = "short_circuit"
	OutcomeOversize     Outcome = "oversize"
	OutcomeRateLimited  Outcome = "rate_limited"
	OutcomeUnavailable  Outcome = "unavailable"
	OutcomeTimeout      Outcome = "timeout"
	OutcomeExitError    Outcome = "exit_error"
	OutcomeEmpty        Outcome = "empty"
	OutcomeMalformed    Outcome = "malformed"
	OutcomeCanceled     Outcome = "canceled"
	OutcomeInternal     Outcome = "internal_error"
)

// Failed reports whether the outcome is a failure path.
func (o Outcome) Failed() bool {
	return o != OutcomeOK && o != OutcomeShortCircuit
}

// Holistic describes a burst of tasks reviewed together.
type Holistic struct {
	SessionID        string   `json:"session_id"`
	TaskIDs          []string `json:"task_ids"`
	Subjects         []string `json:"subjects"`
	CollectiveIntent string   `json:"collective_intent"`
}

// TaskSubject is a governed task reviewed on its own.
type TaskSubject struct {
	ImplTaskID  string                `json:"impl_task_id"`
	Subject     string                `json:"subject"`
	Description string                `json:"description,omitempty"`
	Context     string                `json:"context,omitempty"`
	ReviewType  governance.ReviewType `json:"review_type"`
}

// Request is one evaluation. Exactly one subject field matching Kind is set;
// a plan evaluation may carry either Plan or Task.
type Request struct {
	Kind       Kind
	Decision   *governance.Decision
	Plan       *governance.Plan
	Task       *TaskSubject
	Completion *governance.CompletionReport
	Holistic   *Holistic
}

func (r Request) validate() error {
	var ok bool
	switch r.Kind {
	case KindDecision:
		ok = r.Decision != nil
	case KindPlan:
		ok = r.Plan != nil || r.Task != nil
	case KindCompletion:
		ok = r.Completion != nil
	case KindHolistic:
		ok = r.Holistic != nil
	default:
		return &governance.ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown evaluation kind %q", r.Kind)}
	}
	if !ok {
		return &governance.ValidationError{Field: "subject", Reason: "missing subject for kind " + string(r.Kind)}
	}
	return nil
}

// subject returns the value rendered into the prompt.
func (r Request) subject() any {
	switch {
	case r.Decision != nil:
		return r.Decision
	case r.Plan != nil:
		return r.Plan
	case r.Task != nil:
		return r.Task
	case r.Completion != nil:
		return r.Completion
	default:
		return r.Holistic
	}
}

// searchQuery picks the text used to look up related policy matches.
func (r Request) searchQuery() string {
	switch {
	case r.Decision != nil:
		return r.Decision.Summary
	case r.Plan != nil:
		return r.Plan.Summary
	case r.Task != nil:
		return r.Task.Subject
	case r.Completion != nil:
		return r.Completion.Summary
	case r.Holistic != nil:
		return r.Holistic.CollectiveIntent
	}
	return ""
}

// Result is the gateway's answer. Verdict is never approved when Outcome
// is a failure.
type Result struct {
	Verdict           governance.Verdict   `json:"verdict"`
	Findings          []governance.Finding `json:"findings,omitempty"`
	Guidance          string               `json:"guidance,omitempty"`
	StandardsVerified []string             `json:"standards_verified,omitempty"`
	Reviewer          string               `json:"reviewer"`
	Outcome           Outcome              `json:"outcome"`
	Duration          time.Duration        `json:"duration"`
}

func humanReview(outcome Outcome, reviewer, guidance string) *Result {
	return &Result{
		Verdict:  governance.VerdictNeedsHumanReview,
		Guidance: guidance,
		Reviewer: reviewer,
		Outcome:  outcome,
	}
}
