// Package governance defines the records that make up the review trail for
// agent-created work: decisions, verdicts, governed tasks and their reviews.
package governance

import (
	"strings"
	"time"
)

// Category classifies an architectural decision.
type Category string

const (
	CategoryPatternChoice   Category = "pattern_choice"
	CategoryComponentDesign Category = "component_design"
	CategoryAPIDesign       Category = "api_design"
	CategoryDeviation       Category = "deviation"
	CategoryScopeChange     Category = "scope_change"
)

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryPatternChoice, CategoryComponentDesign, CategoryAPIDesign, CategoryDeviation, CategoryScopeChange:
		return true
	}
	return false
}

// RequiresHuman reports whether decisions of this category always escalate
// to a human without consulting the evaluator.
func (c Category) RequiresHuman() bool {
	return c == CategoryDeviation || c == CategoryScopeChange
}

// Confidence is the submitting agent's self-reported confidence.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Valid reports whether c is a known confidence level.
func (c Confidence) Valid() bool {
	return c == ConfidenceHigh || c == ConfidenceMedium || c == ConfidenceLow
}

// Verdict is the outcome of a review.
type Verdict string

const (
	VerdictApproved         Verdict = "approved"
	VerdictBlocked          Verdict = "blocked"
	VerdictNeedsHumanReview Verdict = "needs_human_review"
)

// Valid reports whether v is a known verdict.
func (v Verdict) Valid() bool {
	return v == VerdictApproved || v == VerdictBlocked || v == VerdictNeedsHumanReview
}

// ParseVerdict normalizes free-form verdict text. Anything unrecognized maps
// to needs_human_review so that ambiguity never approves work.
func ParseVerdict(s string) Verdict {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.NewReplacer("-", "_", " ", "_").Replace(norm)
	switch norm {
	case "approved", "approve":
		return VerdictApproved
	case "blocked", "block", "rejected":
		return VerdictBlocked
	default:
		return VerdictNeedsHumanReview
	}
}

// Tier is the layer of standards a finding was raised against.
type Tier string

const (
	TierVision       Tier = "vision"
	TierArchitecture Tier = "architecture"
	TierQuality      Tier = "quality"
)

// Severity ranks a finding.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityMajor    Severity = "major"
	SeverityMinor    Severity = "minor"
	SeverityInfo     Severity = "info"
)

// Finding is a single reviewer observation. Findings are owned by their
// verdict and are never stored on their own.
type Finding struct {
	Tier            Tier     `json:"tier"`
	Severity        Severity `json:"severity"`
	Description     string   `json:"description"`
	Suggestion      string   `json:"suggestion,omitempty"`
	Strengths       []string `json:"strengths,omitempty"`
	SalvageGuidance string   `json:"salvage_guidance,omitempty"`
}

// Decision is an architectural choice submitted by an agent. Decisions are
// immutable; a revision is a new decision.
type Decision struct {
	ID                     string     `json:"id"`
	TaskID                 string     `json:"task_id"`
	Sequence               int        `json:"sequence"`
	Agent                  string     `json:"agent"`
	Category               Category   `json:"category"`
	Summary                string     `json:"summary"`
	Detail                 string     `json:"detail"`
	ComponentsAffected     []string   `json:"components_affected,omitempty"`
	AlternativesConsidered []string   `json:"alternatives_considered,omitempty"`
	Confidence             Confidence `json:"confidence"`
	CreatedAt              time.Time  `json:"created_at"`
}

// Input limits for agent-submitted text.
const (
	MaxSummaryLength = 1000
	MaxDetailLength  = 50000
	MaxListEntries   = 100
)

// Validate checks a decision before it is persisted.
func (d *Decision) Validate() error {
	if strings.TrimSpace(d.TaskID) == "" {
		return invalid("task_id", "is required")
	}
	if strings.TrimSpace(d.Agent) == "" {
		return invalid("agent", "is required")
	}
	if !d.Category.Valid() {
		return invalid("category", "unknown category "+quote(string(d.Category)))
	}
	if !d.Confidence.Valid() {
		return invalid("confidence", "unknown confidence "+quote(string(d.Confidence)))
	}
	if err := checkText("summary", d.Summary, MaxSummaryLength, true); err != nil {
		return err
	}
	if err := checkText("detail", d.Detail, MaxDetailLength, false); err != nil {
		return err
	}
	if len(d.ComponentsAffected) > MaxListEntries {
		return invalid("components_affected", "too many entries")
	}
	if len(d.AlternativesConsidered) > MaxListEntries {
		return invalid("alternatives_considered", "too many entries")
	}
	return nil
}

// Plan is an implementation plan submitted for review before work starts.
type Plan struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	Agent     string    `json:"agent"`
	Summary   string    `json:"summary"`
	Steps     []string  `json:"steps,omitempty"`
	Risks     []string  `json:"risks,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks a plan before it is persisted.
func (p *Plan) Validate() error {
	if strings.TrimSpace(p.TaskID) == "" {
		return invalid("task_id", "is required")
	}
	if strings.TrimSpace(p.Agent) == "" {
		return invalid("agent", "is required")
	}
	if err := checkText("summary", p.Summary, MaxDetailLength, true); err != nil {
		return err
	}
	if len(p.Steps) > MaxListEntries {
		return invalid("steps", "too many entries")
	}
	return nil
}

// CompletionReport describes finished work submitted for review.
type CompletionReport struct {
	ID           string    `json:"id"`
	TaskID       string    `json:"task_id"`
	Agent        string    `json:"agent"`
	Summary      string    `json:"summary"`
	FilesChanged []string  `json:"files_changed,omitempty"`
	TestsRun     []string  `json:"tests_run,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Validate checks a completion report before it is persisted.
func (c *CompletionReport) Validate() error {
	if strings.TrimSpace(c.TaskID) == "" {
		return invalid("task_id", "is required")
	}
	if strings.TrimSpace(c.Agent) == "" {
		return invalid("agent", "is required")
	}
	if err := checkText("summary", c.Summary, MaxDetailLength, true); err != nil {
		return err
	}
	if len(c.FilesChanged) > 10*MaxListEntries {
		return invalid("files_changed", "too many entries")
	}
	return nil
}

// ReviewVerdict is the outcome of evaluating exactly one decision, plan or
// completion report.
type ReviewVerdict struct {
	ID                string    `json:"id"`
	DecisionID        string    `json:"decision_id,omitempty"`
	PlanID            string    `json:"plan_id,omitempty"`
	CompletionID      string    `json:"completion_id,omitempty"`
	Verdict           Verdict   `json:"verdict"`
	Findings          []Finding `json:"findings,omitempty"`
	Guidance          string    `json:"guidance,omitempty"`
	StandardsVerified []string  `json:"standards_verified,omitempty"`
	Reviewer          string    `json:"reviewer"`
	// Outcome records how the evaluator run ended, e.g. "ok" or "timeout".
	Outcome   string    `json:"outcome,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate enforces the single-subject rule.
func (v *ReviewVerdict) Validate() error {
	subjects := 0
	for _, id := range []string{v.DecisionID, v.PlanID, v.CompletionID} {
		if id != "" {
			subjects++
		}
	}
	if subjects != 1 {
		return invalid("subject", "exactly one of decision_id, plan_id, completion_id must be set")
	}
	if !v.Verdict.Valid() {
		return invalid("verdict", "unknown verdict "+quote(string(v.Verdict)))
	}
	return nil
}

// GovernedStatus is the lifecycle state of a governed implementation task.
type GovernedStatus string

const (
	GovernedPendingReview GovernedStatus = "pending_review"
	GovernedApproved      GovernedStatus = "approved"
	GovernedBlocked       GovernedStatus = "blocked"
)

// Valid reports whether s is a known governed status.
func (s GovernedStatus) Valid() bool {
	return s == GovernedPendingReview || s == GovernedApproved || s == GovernedBlocked
}

// GovernedTaskRecord tracks an implementation task that may not run until
// every attached review approves it.
type GovernedTaskRecord struct {
	ID          string         `json:"id"`
	ImplTaskID  string         `json:"impl_task_id"`
	Subject     string         `json:"subject"`
	Description string         `json:"description,omitempty"`
	Context     string         `json:"context,omitempty"`
	ReviewIDs   []string       `json:"review_ids"`
	Status      GovernedStatus `json:"status"`
	SessionID   string         `json:"session_id,omitempty"`
	// HolisticGuidance is the collective guidance of a rejected burst the
	// task belonged to. It clears when the task is released.
	HolisticGuidance string     `json:"holistic_guidance,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	ReleasedAt       *time.Time `json:"released_at,omitempty"`
}

// ReviewType is the discipline a review task covers.
type ReviewType string

const (
	ReviewGovernance   ReviewType = "governance"
	ReviewSecurity     ReviewType = "security"
	ReviewArchitecture ReviewType = "architecture"
	ReviewMemory       ReviewType = "memory"
	ReviewVision       ReviewType = "vision"
	ReviewCustom       ReviewType = "custom"
)

// Valid reports whether t is a known review type.
func (t ReviewType) Valid() bool {
	switch t {
	case ReviewGovernance, ReviewSecurity, ReviewArchitecture, ReviewMemory, ReviewVision, ReviewCustom:
		return true
	}
	return false
}

// ReviewStatus is the lifecycle state of a single task review.
type ReviewStatus string

const (
	ReviewPending          ReviewStatus = "pending"
	ReviewInProgress       ReviewStatus = "in_progress"
	ReviewApproved         ReviewStatus = "approved"
	ReviewBlocked          ReviewStatus = "blocked"
	ReviewNeedsHumanReview ReviewStatus = "needs_human_review"
)

// IsTerminal reports whether the review has a final verdict. A review
// escalated to needs_human_review stays open until a human completes it.
func (s ReviewStatus) IsTerminal() bool {
	return s == ReviewApproved || s == ReviewBlocked
}

// StatusForVerdict maps a verdict onto the review status it produces.
func StatusForVerdict(v Verdict) ReviewStatus {
	switch v {
	case VerdictApproved:
		return ReviewApproved
	case VerdictBlocked:
		return ReviewBlocked
	default:
		return ReviewNeedsHumanReview
	}
}

// TaskReviewRecord links a review task to the implementation task it blocks.
type TaskReviewRecord struct {
	ID                string       `json:"id"`
	ReviewTaskID      string       `json:"review_task_id"`
	ImplTaskID        string       `json:"impl_task_id"`
	GovernedTaskID    string       `json:"governed_task_id"`
	ReviewType        ReviewType   `json:"review_type"`
	Status            ReviewStatus `json:"status"`
	Context           string       `json:"context,omitempty"`
	Verdict           *Verdict     `json:"verdict,omitempty"`
	Guidance          string       `json:"guidance,omitempty"`
	Findings          []Finding    `json:"findings,omitempty"`
	StandardsVerified []string     `json:"standards_verified,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	CompletedAt       *time.Time   `json:"completed_at,omitempty"`
}

// HolisticReviewRecord is the single review covering a burst of tasks
// created together in one session.
type HolisticReviewRecord struct {
	ID                string    `json:"id"`
	SessionID         string    `json:"session_id"`
	TaskIDs           []string  `json:"task_ids"`
	TaskSubjects      []string  `json:"task_subjects"`
	CollectiveIntent  string    `json:"collective_intent"`
	Verdict           *Verdict  `json:"verdict,omitempty"`
	Findings          []Finding `json:"findings,omitempty"`
	Guidance          string    `json:"guidance,omitempty"`
	StandardsVerified []string  `json:"standards_verified,omitempty"`
	Reviewer          string    `json:"reviewer"`
	CreatedAt         time.Time `json:"created_at"`
}

// TaskKind discriminates review tasks from the work they gate. It is set once
// when a task is created and never inferred from the subject.
type TaskKind string

const (
	KindImplementation TaskKind = "implementation"
	KindReview         TaskKind = "review"
)

// MetadataKindKey is the task metadata key carrying the TaskKind for hosts
// that only expose free-form metadata.
const MetadataKindKey = "taskgate_kind"

func checkText(field, value string, max int, required bool) error {
	if required && strings.TrimSpace(value) == "" {
		return invalid(field, "is required")
	}
	if len(value) > max {
		return invalid(field, "exceeds maximum length")
	}
	return nil
}

func quote(s string) string {
	return "\"" + s + "\""
}
