package mcp

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/fyrsmithlabs/taskgate/internal/governance"
	"github.com/fyrsmithlabs/taskgate/internal/pairing"
	"github.com/fyrsmithlabs/taskgate/internal/service"
	"github.com/fyrsmithlabs/taskgate/internal/store"
)

// addTool registers a typed tool with invocation metrics. fn returns the
// structured output and a one-line text summary.
func addTool[In, Out any](s *Server, name, description string, fn func(ctx context.Context, in In) (Out, string, error)) {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        name,
		Description: description,
	}, func(ctx context.Context, req *mcp.CallToolRequest, args In) (*mcp.CallToolResult, Out, error) {
		start := time.Now()
		var toolErr error
		defer func() {
			s.metrics.RecordInvocation(ctx, name, time.Since(start), toolErr)
		}()

		out, text, err := fn(ctx, args)
		if err != nil {
			toolErr = err
			var zero Out
			return nil, zero, err
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: text}},
		}, out, nil
	})
}

func (s *Server) scrub(text string) string {
	if text == "" {
		return ""
	}
	return s.scrubber.Scrub(text).Scrubbed
}

// registerTools registers all MCP tools with the server.
func (s *Server) registerTools() {
	// Submissions evaluated synchronously
	addTool(s, "submit_decision",
		"Submit an architectural decision for review. Deviations and scope changes always require a human.",
		s.submitDecision)
	addTool(s, "submit_plan_for_review",
		"Submit an implementation plan for review before starting work.",
		s.submitPlan)
	addTool(s, "submit_completion_review",
		"Submit finished work for a completion review.",
		s.submitCompletion)

	// Governed task lifecycle
	addTool(s, "create_governed_task",
		"Create an implementation task that is blocked by a review task from the moment it exists.",
		s.createGovernedTask)
	addTool(s, "add_review_blocker",
		"Attach another review task to an implementation task. The task runs only after every review approves.",
		s.addReviewBlocker)
	addTool(s, "complete_task_review",
		"Record the verdict of a review task. Approval removes the blocker; any other verdict keeps it and appends guidance.",
		s.completeTaskReview)

	// Queries
	addTool(s, "get_task_review_status",
		"Show the reviews, outstanding blockers and guidance for an implementation task.",
		s.getTaskReviewStatus)
	addTool(s, "check_task_executable",
		"Check whether a task may start now.",
		s.checkTaskExecutable)
	addTool(s, "get_decision_history",
		"List submitted decisions with their latest verdicts, newest first.",
		s.getDecisionHistory)
	addTool(s, "get_decision",
		"Show one decision with every verdict recorded on it.",
		s.getDecision)
	addTool(s, "get_holistic_reviews",
		"List the holistic reviews run on bursts of tasks created together in a session.",
		s.getHolisticReviews)
	addTool(s, "get_governance_status",
		"Aggregate counts across decisions, verdicts, governed tasks and reviews.",
		s.getGovernanceStatus)
}

// ===== SUBMISSIONS =====

type submitDecisionInput struct {
	TaskID                 string   `json:"task_id" jsonschema:"Task the decision belongs to"`
	Agent                  string   `json:"agent" jsonschema:"Submitting agent"`
	Category               string   `json:"category" jsonschema:"pattern_choice, component_design, api_design, deviation or scope_change"`
	Summary                string   `json:"summary" jsonschema:"One-paragraph summary of the decision"`
	Detail                 string   `json:"detail,omitempty" jsonschema:"Full rationale"`
	ComponentsAffected     []string `json:"components_affected,omitempty" jsonschema:"Components the decision touches"`
	AlternativesConsidered []string `json:"alternatives_considered,omitempty" jsonschema:"Alternatives that were rejected"`
	Confidence             string   `json:"confidence" jsonschema:"high, medium or low"`
}

type submitPlanInput struct {
	TaskID  string   `json:"task_id" jsonschema:"Task the plan belongs to"`
	Agent   string   `json:"agent" jsonschema:"Submitting agent"`
	Summary string   `json:"summary" jsonschema:"What will be built and how"`
	Steps   []string `json:"steps,omitempty" jsonschema:"Ordered implementation steps"`
	Risks   []string `json:"risks,omitempty" jsonschema:"Known risks"`
}

type submitCompletionInput struct {
	TaskID       string   `json:"task_id" jsonschema:"Task that was completed"`
	Agent        string   `json:"agent" jsonschema:"Submitting agent"`
	Summary      string   `json:"summary" jsonschema:"What was done"`
	FilesChanged []string `json:"files_changed,omitempty" jsonschema:"Files touched"`
	TestsRun     []string `json:"tests_run,omitempty" jsonschema:"Tests that were run"`
}

type verdictOutput struct {
	ReviewID          string               `json:"review_id" jsonschema:"Verdict record ID"`
	SubjectID         string               `json:"subject_id" jsonschema:"ID of the reviewed decision, plan or completion"`
	Verdict           string               `json:"verdict" jsonschema:"approved, blocked or needs_human_review"`
	Guidance          string               `json:"guidance,omitempty" jsonschema:"Reviewer guidance"`
	Findings          []governance.Finding `json:"findings,omitempty" jsonschema:"Reviewer findings"`
	StandardsVerified []string             `json:"standards_verified,omitempty" jsonschema:"Standards the reviewer checked"`
	Reviewer          string               `json:"reviewer" jsonschema:"Reviewer identity"`
	Outcome           string               `json:"outcome" jsonschema:"How the evaluation ended, e.g. ok or timeout"`
}

func (s *Server) verdictOutput(v *governance.ReviewVerdict, subjectID string) (verdictOutput, string) {
	out := verdictOutput{
		ReviewID:          v.ID,
		SubjectID:         subjectID,
		Verdict:           string(v.Verdict),
		Guidance:          s.scrub(v.Guidance),
		Findings:          slices.Clone(v.Findings),
		StandardsVerified: v.StandardsVerified,
		Reviewer:          v.Reviewer,
		Outcome:           v.Outcome,
	}
	for i := range out.Findings {
		out.Findings[i].Description = s.scrub(out.Findings[i].Description)
		out.Findings[i].Suggestion = s.scrub(out.Findings[i].Suggestion)
	}
	text := fmt.Sprintf("Verdict: %s", out.Verdict)
	if out.Guidance != "" {
		text += "\nGuidance: " + out.Guidance
	}
	return out, text
}

func (s *Server) submitDecision(ctx context.Context, in submitDecisionInput) (verdictOutput, string, error) {
	d := &governance.Decision{
		TaskID:                 in.TaskID,
		Agent:                  in.Agent,
		Category:               governance.Category(in.Category),
		Summary:                in.Summary,
		Detail:                 in.Detail,
		ComponentsAffected:     in.ComponentsAffected,
		AlternativesConsidered: in.AlternativesConsidered,
		Confidence:             governance.Confidence(in.Confidence),
	}
	v, err := s.svc.SubmitDecision(ctx, d)
	if err != nil {
		return verdictOutput{}, "", fmt.Errorf("submit decision failed: %w", err)
	}
	s.metrics.RecordVerdict(ctx, "submit_decision", v.Verdict)
	out, text := s.verdictOutput(v, d.ID)
	return out, text, nil
}

func (s *Server) submitPlan(ctx context.Context, in submitPlanInput) (verdictOutput, string, error) {
	p := &governance.Plan{TaskID: in.TaskID, Agent: in.Agent, Summary: in.Summary, Steps: in.Steps, Risks: in.Risks}
	v, err := s.svc.SubmitPlan(ctx, p)
	if err != nil {
		return verdictOutput{}, "", fmt.Errorf("submit plan failed: %w", err)
	}
	s.metrics.RecordVerdict(ctx, "submit_plan_for_review", v.Verdict)
	out, text := s.verdictOutput(v, p.ID)
	return out, text, nil
}

func (s *Server) submitCompletion(ctx context.Context, in submitCompletionInput) (verdictOutput, string, error) {
	c := &governance.CompletionReport{
		TaskID:       in.TaskID,
		Agent:        in.Agent,
		Summary:      in.Summary,
		FilesChanged: in.FilesChanged,
		TestsRun:     in.TestsRun,
	}
	v, err := s.svc.SubmitCompletion(ctx, c)
	if err != nil {
		return verdictOutput{}, "", fmt.Errorf("submit completion failed: %w", err)
	}
	s.metrics.RecordVerdict(ctx, "submit_completion_review", v.Verdict)
	out, text := s.verdictOutput(v, c.ID)
	return out, text, nil
}

// ===== GOVERNED TASKS =====

type createGovernedTaskInput struct {
	SessionID   string `json:"session_id,omitempty" jsonschema:"Agent session; tasks created together in a session get one holistic review"`
	Subject     string `json:"subject" jsonschema:"Task subject"`
	Description string `json:"description,omitempty" jsonschema:"Task description"`
	Context     string `json:"context,omitempty" jsonschema:"Extra context for the reviewer"`
	ReviewType  string `json:"review_type,omitempty" jsonschema:"governance (default), security, architecture, memory, vision or custom"`
	Owner       string `json:"owner,omitempty" jsonschema:"Task owner"`
}

type createGovernedTaskOutput struct {
	ImplTaskID     string `json:"impl_task_id" jsonschema:"Implementation task ID"`
	ReviewTaskID   string `json:"review_task_id" jsonschema:"Review task blocking it"`
	GovernedTaskID string `json:"governed_task_id" jsonschema:"Governed record ID"`
	ReviewID       string `json:"review_id" jsonschema:"Task review record ID"`
}

func (s *Server) createGovernedTask(ctx context.Context, in createGovernedTaskInput) (createGovernedTaskOutput, string, error) {
	pair, err := s.svc.CreateGovernedTask(ctx, pairing.PairRequest{
		SessionID:   in.SessionID,
		Subject:     in.Subject,
		Description: in.Description,
		Context:     in.Context,
		ReviewType:  governance.ReviewType(in.ReviewType),
		Owner:       in.Owner,
		Kind:        governance.KindImplementation,
	})
	if err != nil {
		return createGovernedTaskOutput{}, "", fmt.Errorf("create governed task failed: %w", err)
	}
	return createGovernedTaskOutput{
			ImplTaskID:     pair.ImplTaskID,
			ReviewTaskID:   pair.ReviewTaskID,
			GovernedTaskID: pair.GovernedTaskID,
			ReviewID:       pair.ReviewID,
		},
		fmt.Sprintf("Created task #%s, blocked by review task #%s", pair.ImplTaskID, pair.ReviewTaskID), nil
}

type addReviewBlockerInput struct {
	ImplTaskID string `json:"impl_task_id" jsonschema:"Implementation task to block"`
	ReviewType string `json:"review_type" jsonschema:"governance, security, architecture, memory, vision or custom"`
	Context    string `json:"context,omitempty" jsonschema:"Why this review is needed"`
}

type addReviewBlockerOutput struct {
	ImplTaskID   string `json:"impl_task_id" jsonschema:"Implementation task ID"`
	ReviewTaskID string `json:"review_task_id" jsonschema:"New review task ID"`
}

func (s *Server) addReviewBlocker(ctx context.Context, in addReviewBlockerInput) (addReviewBlockerOutput, string, error) {
	id, err := s.svc.AddReviewBlocker(ctx, in.ImplTaskID, governance.ReviewType(in.ReviewType), in.Context)
	if err != nil {
		return addReviewBlockerOutput{}, "", fmt.Errorf("add review blocker failed: %w", err)
	}
	return addReviewBlockerOutput{ImplTaskID: in.ImplTaskID, ReviewTaskID: id},
		fmt.Sprintf("Task #%s is now also blocked by review task #%s", in.ImplTaskID, id), nil
}

type completeTaskReviewInput struct {
	ReviewTaskID      string               `json:"review_task_id" jsonschema:"Review task being completed"`
	Verdict           string               `json:"verdict" jsonschema:"approved, blocked or needs_human_review"`
	Guidance          string               `json:"guidance,omitempty" jsonschema:"Guidance for the implementer"`
	Findings          []governance.Finding `json:"findings,omitempty" jsonschema:"Review findings"`
	StandardsVerified []string             `json:"standards_verified,omitempty" jsonschema:"Standards checked"`
}

type completeTaskReviewOutput struct {
	ReviewTaskID      string   `json:"review_task_id" jsonschema:"Completed review task"`
	ImplTaskID        string   `json:"impl_task_id" jsonschema:"Implementation task it gates"`
	Status            string   `json:"status" jsonschema:"Resulting review status"`
	Released          bool     `json:"released" jsonschema:"True when no blockers remain"`
	RemainingBlockers []string `json:"remaining_blockers" jsonschema:"Review tasks still blocking the implementation task"`
}

func (s *Server) completeTaskReview(ctx context.Context, in completeTaskReviewInput) (completeTaskReviewOutput, string, error) {
	res, err := s.svc.CompleteTaskReview(ctx, service.CompleteReviewRequest{
		ReviewTaskID:      in.ReviewTaskID,
		Verdict:           governance.Verdict(in.Verdict),
		Guidance:          in.Guidance,
		Findings:          in.Findings,
		StandardsVerified: in.StandardsVerified,
	})
	if err != nil {
		return completeTaskReviewOutput{}, "", fmt.Errorf("complete task review failed: %w", err)
	}
	s.metrics.RecordVerdict(ctx, "complete_task_review", governance.Verdict(in.Verdict))
	out := completeTaskReviewOutput{
		ReviewTaskID:      in.ReviewTaskID,
		ImplTaskID:        res.Release.ImplTaskID,
		Status:            string(res.Review.Status),
		Released:          res.Release.Released,
		RemainingBlockers: res.Release.RemainingBlockers,
	}
	if out.RemainingBlockers == nil {
		out.RemainingBlockers = []string{}
	}
	text := fmt.Sprintf("Review #%s recorded as %s; task #%s", out.ReviewTaskID, out.Status, out.ImplTaskID)
	if out.Released {
		text += " is released"
	} else {
		text += fmt.Sprintf(" still has %d blocker(s)", len(out.RemainingBlockers))
	}
	return out, text, nil
}

// ===== QUERIES =====

type taskInput struct {
	ImplTaskID string `json:"impl_task_id" jsonschema:"Implementation task ID"`
}

type reviewOutput struct {
	ReviewTaskID string `json:"review_task_id" jsonschema:"Review task ID"`
	ReviewType   string `json:"review_type" jsonschema:"Review discipline"`
	Status       string `json:"status" jsonschema:"pending, in_progress, approved, blocked or needs_human_review"`
	Verdict      string `json:"verdict,omitempty" jsonschema:"Verdict once completed"`
	Guidance     string `json:"guidance,omitempty" jsonschema:"Reviewer guidance"`
}

type taskReviewStatusOutput struct {
	ImplTaskID       string         `json:"impl_task_id" jsonschema:"Implementation task ID"`
	Governed         bool           `json:"governed" jsonschema:"True when taskgate tracks the task"`
	Status           string         `json:"status,omitempty" jsonschema:"pending_review, approved or blocked"`
	Executable       bool           `json:"executable" jsonschema:"True when no reviews block the task"`
	BlockedBy        []string       `json:"blocked_by" jsonschema:"Outstanding review task IDs"`
	Reviews          []reviewOutput `json:"reviews" jsonschema:"Attached reviews"`
	HolisticGuidance string         `json:"holistic_guidance,omitempty" jsonschema:"Guidance from a rejected holistic review of the task's burst"`
}

func (s *Server) getTaskReviewStatus(ctx context.Context, in taskInput) (taskReviewStatusOutput, string, error) {
	st, err := s.svc.GetTaskReviewStatus(ctx, in.ImplTaskID)
	if err != nil {
		return taskReviewStatusOutput{}, "", fmt.Errorf("get task review status failed: %w", err)
	}
	out := taskReviewStatusOutput{
		ImplTaskID:       st.ImplTaskID,
		Governed:         st.Governed,
		Executable:       st.Executable,
		BlockedBy:        st.BlockedBy,
		Reviews:          make([]reviewOutput, 0, len(st.Reviews)),
		HolisticGuidance: s.scrub(st.HolisticGuidance),
	}
	if out.BlockedBy == nil {
		out.BlockedBy = []string{}
	}
	if st.Record != nil {
		out.Status = string(st.Record.Status)
	}
	for _, r := range st.Reviews {
		ro := reviewOutput{
			ReviewTaskID: r.ReviewTaskID,
			ReviewType:   string(r.ReviewType),
			Status:       string(r.Status),
			Guidance:     s.scrub(r.Guidance),
		}
		if r.Verdict != nil {
			ro.Verdict = string(*r.Verdict)
		}
		out.Reviews = append(out.Reviews, ro)
	}
	text := fmt.Sprintf("Task #%s: %d review(s), %d outstanding", out.ImplTaskID, len(out.Reviews), len(out.BlockedBy))
	return out, text, nil
}

type checkTaskExecutableInput struct {
	TaskID    string `json:"task_id" jsonschema:"Task about to start"`
	SessionID string `json:"session_id,omitempty" jsonschema:"Session asking; defaults to the task's session"`
}

type checkTaskExecutableOutput struct {
	TaskID     string   `json:"task_id" jsonschema:"Task ID"`
	Executable bool     `json:"executable" jsonschema:"True when the task may start"`
	BlockedBy  []string `json:"blocked_by" jsonschema:"Outstanding review task IDs"`
	Guidance   []string `json:"guidance" jsonschema:"Latest task and session guidance"`
}

func (s *Server) checkTaskExecutable(ctx context.Context, in checkTaskExecutableInput) (checkTaskExecutableOutput, string, error) {
	out := checkTaskExecutableOutput{TaskID: in.TaskID, BlockedBy: []string{}, Guidance: []string{}}
	err := s.svc.CheckExecutable(ctx, in.TaskID, in.SessionID)
	var blocked *governance.BlockedError
	switch {
	case err == nil:
		out.Executable = true
		s.metrics.RecordGateDecision(ctx, true)
		return out, fmt.Sprintf("Task #%s may start", in.TaskID), nil
	case errors.As(err, &blocked):
		s.metrics.RecordGateDecision(ctx, false)
		out.BlockedBy = blocked.BlockedBy
		for _, g := range blocked.Guidance {
			out.Guidance = append(out.Guidance, s.scrub(g))
		}
		return out, s.scrub(blocked.Error()), nil
	default:
		return checkTaskExecutableOutput{}, "", fmt.Errorf("check task executable failed: %w", err)
	}
}

type historyInput struct {
	TaskID  string `json:"task_id,omitempty" jsonschema:"Filter by task"`
	Agent   string `json:"agent,omitempty" jsonschema:"Filter by agent"`
	Verdict string `json:"verdict,omitempty" jsonschema:"Filter by latest verdict"`
	Limit   int    `json:"limit,omitempty" jsonschema:"Maximum results (default: 100)"`
}

type historyEntryOutput struct {
	DecisionID string `json:"decision_id" jsonschema:"Decision ID"`
	TaskID     string `json:"task_id" jsonschema:"Task ID"`
	Sequence   int    `json:"sequence" jsonschema:"Position within the task's decisions"`
	Agent      string `json:"agent" jsonschema:"Submitting agent"`
	Category   string `json:"category" jsonschema:"Decision category"`
	Summary    string `json:"summary" jsonschema:"Decision summary"`
	Confidence string `json:"confidence" jsonschema:"Stated confidence"`
	CreatedAt  string `json:"created_at" jsonschema:"RFC 3339 timestamp"`
	Verdict    string `json:"verdict,omitempty" jsonschema:"Latest verdict"`
	Guidance   string `json:"guidance,omitempty" jsonschema:"Latest guidance"`
}

type historyOutput struct {
	Decisions []historyEntryOutput `json:"decisions" jsonschema:"Matching decisions, newest first"`
	Count     int                  `json:"count" jsonschema:"Number of decisions returned"`
}

func (s *Server) getDecisionHistory(ctx context.Context, in historyInput) (historyOutput, string, error) {
	entries, err := s.svc.DecisionHistory(ctx, store.HistoryFilter{
		TaskID:  in.TaskID,
		Agent:   in.Agent,
		Verdict: governance.Verdict(in.Verdict),
		Limit:   in.Limit,
	})
	if err != nil {
		return historyOutput{}, "", fmt.Errorf("get decision history failed: %w", err)
	}
	out := historyOutput{Decisions: make([]historyEntryOutput, 0, len(entries))}
	for _, e := range entries {
		h := historyEntryOutput{
			DecisionID: e.Decision.ID,
			TaskID:     e.Decision.TaskID,
			Sequence:   e.Decision.Sequence,
			Agent:      e.Decision.Agent,
			Category:   string(e.Decision.Category),
			Summary:    s.scrub(e.Decision.Summary),
			Confidence: string(e.Decision.Confidence),
			CreatedAt:  e.Decision.CreatedAt.Format(time.RFC3339),
		}
		if e.Review != nil {
			h.Verdict = string(e.Review.Verdict)
			h.Guidance = s.scrub(e.Review.Guidance)
		}
		out.Decisions = append(out.Decisions, h)
	}
	out.Count = len(out.Decisions)
	return out, fmt.Sprintf("%d decision(s)", out.Count), nil
}

type decisionInput struct {
	DecisionID string `json:"decision_id" jsonschema:"Decision ID"`
}

type decisionVerdictOutput struct {
	Verdict   string `json:"verdict" jsonschema:"approved, blocked or needs_human_review"`
	Guidance  string `json:"guidance,omitempty" jsonschema:"Reviewer guidance"`
	Reviewer  string `json:"reviewer" jsonschema:"Reviewer identity"`
	Outcome   string `json:"outcome" jsonschema:"How the evaluation ended"`
	CreatedAt string `json:"created_at" jsonschema:"RFC 3339 timestamp"`
}

type decisionOutput struct {
	Decision historyEntryOutput      `json:"decision" jsonschema:"The decision and its latest verdict"`
	Detail   string                  `json:"detail,omitempty" jsonschema:"Full rationale"`
	Verdicts []decisionVerdictOutput `json:"verdicts" jsonschema:"Every verdict, oldest first"`
}

func (s *Server) getDecision(ctx context.Context, in decisionInput) (decisionOutput, string, error) {
	d, err := s.svc.GetDecision(ctx, in.DecisionID)
	if err != nil {
		return decisionOutput{}, "", fmt.Errorf("get decision failed: %w", err)
	}
	out := decisionOutput{
		Decision: historyEntryOutput{
			DecisionID: d.Decision.ID,
			TaskID:     d.Decision.TaskID,
			Sequence:   d.Decision.Sequence,
			Agent:      d.Decision.Agent,
			Category:   string(d.Decision.Category),
			Summary:    s.scrub(d.Decision.Summary),
			Confidence: string(d.Decision.Confidence),
			CreatedAt:  d.Decision.CreatedAt.Format(time.RFC3339),
		},
		Detail:   s.scrub(d.Decision.Detail),
		Verdicts: make([]decisionVerdictOutput, 0, len(d.Reviews)),
	}
	for _, r := range d.Reviews {
		out.Verdicts = append(out.Verdicts, decisionVerdictOutput{
			Verdict:   string(r.Verdict),
			Guidance:  s.scrub(r.Guidance),
			Reviewer:  r.Reviewer,
			Outcome:   r.Outcome,
			CreatedAt: r.CreatedAt.Format(time.RFC3339),
		})
	}
	if n := len(out.Verdicts); n > 0 {
		out.Decision.Verdict = out.Verdicts[n-1].Verdict
		out.Decision.Guidance = out.Verdicts[n-1].Guidance
	}
	return out, fmt.Sprintf("Decision %s: %d verdict(s)", out.Decision.DecisionID, len(out.Verdicts)), nil
}

type holisticReviewsInput struct {
	SessionID string `json:"session_id,omitempty" jsonschema:"Session to list; empty lists every session"`
}

type holisticReviewOutput struct {
	ID               string   `json:"id" jsonschema:"Holistic review ID"`
	SessionID        string   `json:"session_id" jsonschema:"Session the burst belongs to"`
	TaskIDs          []string `json:"task_ids" jsonschema:"Implementation tasks reviewed together"`
	CollectiveIntent string   `json:"collective_intent" jsonschema:"Summary of the burst given to the reviewer"`
	Verdict          string   `json:"verdict,omitempty" jsonschema:"approved, blocked or needs_human_review"`
	Guidance         string   `json:"guidance,omitempty" jsonschema:"Collective guidance"`
	Reviewer         string   `json:"reviewer,omitempty" jsonschema:"Reviewer identity"`
	CreatedAt        string   `json:"created_at" jsonschema:"RFC 3339 timestamp"`
}

type holisticReviewsOutput struct {
	Reviews []holisticReviewOutput `json:"reviews" jsonschema:"Holistic reviews, oldest first"`
	Count   int                    `json:"count" jsonschema:"Number of reviews returned"`
}

func (s *Server) getHolisticReviews(ctx context.Context, in holisticReviewsInput) (holisticReviewsOutput, string, error) {
	recs, err := s.svc.ListHolisticReviews(ctx, in.SessionID)
	if err != nil {
		return holisticReviewsOutput{}, "", fmt.Errorf("get holistic reviews failed: %w", err)
	}
	out := holisticReviewsOutput{Reviews: make([]holisticReviewOutput, 0, len(recs))}
	for _, r := range recs {
		h := holisticReviewOutput{
			ID:               r.ID,
			SessionID:        r.SessionID,
			TaskIDs:          r.TaskIDs,
			CollectiveIntent: s.scrub(r.CollectiveIntent),
			Guidance:         s.scrub(r.Guidance),
			Reviewer:         r.Reviewer,
			CreatedAt:        r.CreatedAt.Format(time.RFC3339),
		}
		if r.Verdict != nil {
			h.Verdict = string(*r.Verdict)
		}
		out.Reviews = append(out.Reviews, h)
	}
	out.Count = len(out.Reviews)
	return out, fmt.Sprintf("%d holistic review(s)", out.Count), nil
}

type statusInput struct{}

type statusOutput struct {
	Decisions         int            `json:"decisions" jsonschema:"Decisions submitted"`
	Plans             int            `json:"plans" jsonschema:"Plans submitted"`
	Completions       int            `json:"completions" jsonschema:"Completion reports submitted"`
	Verdicts          map[string]int `json:"verdicts" jsonschema:"Verdict counts"`
	GovernedTasks     map[string]int `json:"governed_tasks" jsonschema:"Governed task counts by status"`
	TaskReviews       map[string]int `json:"task_reviews" jsonschema:"Task review counts by status"`
	HolisticReviews   map[string]int `json:"holistic_reviews" jsonschema:"Holistic review counts by verdict"`
	PendingSessions   int            `json:"pending_sessions" jsonschema:"Sessions awaiting or held by a holistic review"`
	SettleJobsPending int            `json:"settle_jobs_pending" jsonschema:"Queued settle jobs"`
}

func stringKeys[K ~string](m map[K]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[string(k)] = v
	}
	return out
}

func (s *Server) getGovernanceStatus(ctx context.Context, _ statusInput) (statusOutput, string, error) {
	st, err := s.svc.GetGovernanceStatus(ctx)
	if err != nil {
		return statusOutput{}, "", fmt.Errorf("get governance status failed: %w", err)
	}
	out := statusOutput{
		Decisions:         st.Decisions,
		Plans:             st.Plans,
		Completions:       st.Completions,
		Verdicts:          stringKeys(st.Verdicts),
		GovernedTasks:     stringKeys(st.GovernedTasks),
		TaskReviews:       stringKeys(st.TaskReviews),
		HolisticReviews:   stringKeys(st.HolisticReviews),
		PendingSessions:   st.PendingSessions,
		SettleJobsPending: st.SettleJobsPending,
	}
	return out, fmt.Sprintf("%d decision(s), %d governed task(s) pending review",
		out.Decisions, out.GovernedTasks[string(governance.GovernedPendingReview)]), nil
}
