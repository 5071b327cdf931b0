// Package service implements the agent-facing governance operations shared
// by the MCP tools and the HTTP API.
package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskgate/internal/evaluator"
	"github.com/fyrsmithlabs/taskgate/internal/events"
	"github.com/fyrsmithlabs/taskgate/internal/governance"
	"github.com/fyrsmithlabs/taskgate/internal/pairing"
	"github.com/fyrsmithlabs/taskgate/internal/store"
	"github.com/fyrsmithlabs/taskgate/internal/taskrt"
)

const instrumentationName = "github.com/fyrsmithlabs/taskgate/internal/service"

// Store is the subset of the decision/review store the service uses.
type Store interface {
	PutDecision(ctx context.Context, d *governance.Decision) error
	PutPlan(ctx context.Context, p *governance.Plan) error
	PutCompletion(ctx context.Context, c *governance.CompletionReport) error
	PutReview(ctx context.Context, v *governance.ReviewVerdict) error
	CompleteTaskReview(ctx context.Context, reviewTaskID string, out store.ReviewOutcome) (*governance.TaskReviewRecord, error)
	GetGovernedTaskByImpl(ctx context.Context, implTaskID string) (*governance.GovernedTaskRecord, error)
	ListTaskReviews(ctx context.Context, governedID string) ([]governance.TaskReviewRecord, error)
	ListGovernedTasks(ctx context.Context, status governance.GovernedStatus) ([]governance.GovernedTaskRecord, error)
	ListHolisticReviews(ctx context.Context, sessionID string) ([]governance.HolisticReviewRecord, error)
	GetDecision(ctx context.Context, id string) (*governance.Decision, error)
	ReviewsForSubject(ctx context.Context, subjectID string) ([]governance.ReviewVerdict, error)
	History(ctx context.Context, f store.HistoryFilter) ([]store.HistoryEntry, error)
	StatusSummary(ctx context.Context) (*store.StatusSummary, error)
}

// Settler hands new governed tasks and standalone reviews to the settle
// coordinator.
type Settler interface {
	Enqueue(sessionID, implTaskID, subject string) error
	EnqueueReview(reviewTaskID string) error
	SessionGuidance(ctx context.Context, sessionID string) (string, error)
	Pending() int
}

// Service implements the governance operations.
type Service struct {
	store     Store
	engine    *pairing.Engine
	eval      evaluator.Evaluator
	settler   Settler
	publisher events.Publisher
	tracer    trace.Tracer
	logger    *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithPublisher publishes verdict events on p.
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// New returns a Service.
func New(st Store, engine *pairing.Engine, eval evaluator.Evaluator, settler Settler, logger *zap.Logger, opts ...Option) (*Service, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	if engine == nil {
		return nil, errors.New("pairing engine is required")
	}
	if eval == nil {
		return nil, errors.New("evaluator is required")
	}
	if settler == nil {
		return nil, errors.New("settle coordinator is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		store:     st,
		engine:    engine,
		eval:      eval,
		settler:   settler,
		publisher: events.Nop{},
		tracer:    otel.Tracer(instrumentationName),
		logger:    logger.Named("service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// SubmitDecision persists a decision, evaluates it and records the verdict.
func (s *Service) SubmitDecision(ctx context.Context, d *governance.Decision) (*governance.ReviewVerdict, error) {
	ctx, span := s.tracer.Start(ctx, "service.submit_decision")
	defer span.End()
	span.SetAttributes(
		attribute.String("task_id", d.TaskID),
		attribute.String("category", string(d.Category)),
	)

	if err := s.store.PutDecision(ctx, d); err != nil {
		return nil, fail(span, err)
	}
	v, err := s.review(ctx, evaluator.Request{Kind: evaluator.KindDecision, Decision: d},
		&governance.ReviewVerdict{DecisionID: d.ID}, d.TaskID)
	if err != nil {
		return nil, fail(span, err)
	}
	span.SetAttributes(attribute.String("verdict", string(v.Verdict)))
	return v, nil
}

// SubmitPlan persists a plan, evaluates it and records the verdict.
func (s *Service) SubmitPlan(ctx context.Context, p *governance.Plan) (*governance.ReviewVerdict, error) {
	ctx, span := s.tracer.Start(ctx, "service.submit_plan")
	defer span.End()
	span.SetAttributes(attribute.String("task_id", p.TaskID))

	if err := s.store.PutPlan(ctx, p); err != nil {
		return nil, fail(span, err)
	}
	v, err := s.review(ctx, evaluator.Request{Kind: evaluator.KindPlan, Plan: p},
		&governance.ReviewVerdict{PlanID: p.ID}, p.TaskID)
	if err != nil {
		return nil, fail(span, err)
	}
	span.SetAttributes(attribute.String("verdict", string(v.Verdict)))
	return v, nil
}

// SubmitCompletion persists a completion report, evaluates it and records
// the verdict.
func (s *Service) SubmitCompletion(ctx context.Context, c *governance.CompletionReport) (*governance.ReviewVerdict, error) {
	ctx, span := s.tracer.Start(ctx, "service.submit_completion")
	defer span.End()
	span.SetAttributes(attribute.String("task_id", c.TaskID))

	if err := s.store.PutCompletion(ctx, c); err != nil {
		return nil, fail(span, err)
	}
	v, err := s.review(ctx, evaluator.Request{Kind: evaluator.KindCompletion, Completion: c},
		&governance.ReviewVerdict{CompletionID: c.ID}, c.TaskID)
	if err != nil {
		return nil, fail(span, err)
	}
	span.SetAttributes(attribute.String("verdict", string(v.Verdict)))
	return v, nil
}

// review runs the evaluator and persists its answer onto v, whose subject id
// is already set. The subject is stored first, so a failed verdict write
// leaves an unreviewed subject rather than a verdict without one.
func (s *Service) review(ctx context.Context, req evaluator.Request, v *governance.ReviewVerdict, taskID string) (*governance.ReviewVerdict, error) {
	res, err := s.eval.Evaluate(ctx, req)
	if err != nil {
		return nil, err
	}
	v.Verdict = res.Verdict
	v.Findings = res.Findings
	v.Guidance = res.Guidance
	v.StandardsVerified = res.StandardsVerified
	v.Reviewer = res.Reviewer
	v.Outcome = string(res.Outcome)
	if err := s.store.PutReview(ctx, v); err != nil {
		return nil, err
	}
	s.logger.Info("verdict recorded",
		zap.String("kind", string(req.Kind)),
		zap.String("task_id", taskID),
		zap.String("verdict", string(v.Verdict)),
		zap.String("outcome", v.Outcome))
	events.Emit(ctx, s.publisher, s.logger, events.Event{
		Type:    events.VerdictRecorded,
		TaskID:  taskID,
		Verdict: string(v.Verdict),
		Data:    map[string]any{"kind": string(req.Kind), "review_id": v.ID, "outcome": v.Outcome},
	})
	return v, nil
}

// CreateGovernedTask creates a review/implementation pair and hands the
// implementation task to the settle coordinator.
func (s *Service) CreateGovernedTask(ctx context.Context, req pairing.PairRequest) (*pairing.Pair, error) {
	ctx, span := s.tracer.Start(ctx, "service.create_governed_task")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", req.SessionID))

	pair, err := s.engine.CreatePair(ctx, req)
	if err != nil {
		return nil, fail(span, err)
	}
	span.SetAttributes(
		attribute.String("impl_task_id", pair.ImplTaskID),
		attribute.String("review_task_id", pair.ReviewTaskID),
	)
	s.enqueue(req.SessionID, pair.ImplTaskID, req.Subject)
	return pair, nil
}

// enqueue never fails the caller: the pair is already durable and stays
// blocked until a reviewer completes it.
func (s *Service) enqueue(sessionID, implTaskID, subject string) {
	if err := s.settler.Enqueue(sessionID, implTaskID, subject); err != nil {
		s.logger.Warn("settle hand-off failed; task waits for an explicit review",
			zap.String("impl_task_id", implTaskID), zap.Error(err))
	}
}

// AddReviewBlocker attaches another review task to an implementation task.
func (s *Service) AddReviewBlocker(ctx context.Context, implTaskID string, rtype governance.ReviewType, reviewContext string) (string, error) {
	ctx, span := s.tracer.Start(ctx, "service.add_review_blocker")
	defer span.End()
	span.SetAttributes(
		attribute.String("impl_task_id", implTaskID),
		attribute.String("review_type", string(rtype)),
	)

	reviewTaskID, err := s.engine.AddBlocker(ctx, implTaskID, rtype, reviewContext)
	if err != nil {
		return "", fail(span, err)
	}
	// Only the new review is processed; the task's other reviews stay with
	// their burst.
	if err := s.settler.EnqueueReview(reviewTaskID); err != nil {
		s.logger.Warn("settle hand-off failed; review waits for an explicit verdict",
			zap.String("review_task_id", reviewTaskID), zap.Error(err))
	}
	return reviewTaskID, nil
}

// CompleteReviewRequest is a reviewer's verdict on one review task.
type CompleteReviewRequest struct {
	ReviewTaskID      string               `json:"review_task_id"`
	Verdict           governance.Verdict   `json:"verdict"`
	Guidance          string               `json:"guidance,omitempty"`
	Findings          []governance.Finding `json:"findings,omitempty"`
	StandardsVerified []string             `json:"standards_verified,omitempty"`
}

// CompleteReviewResult reports the review record and the implementation
// task it gates.
type CompleteReviewResult struct {
	Review  *governance.TaskReviewRecord `json:"review"`
	Release *pairing.ReleaseResult       `json:"release"`
}

// CompleteTaskReview records a verdict on a review task exactly once and
// applies it to the implementation task.
func (s *Service) CompleteTaskReview(ctx context.Context, req CompleteReviewRequest) (*CompleteReviewResult, error) {
	ctx, span := s.tracer.Start(ctx, "service.complete_task_review")
	defer span.End()
	span.SetAttributes(
		attribute.String("review_task_id", req.ReviewTaskID),
		attribute.String("verdict", string(req.Verdict)),
	)

	if strings.TrimSpace(req.ReviewTaskID) == "" {
		return nil, fail(span, &governance.ValidationError{Field: "review_task_id", Reason: "is required"})
	}
	rec, err := s.store.CompleteTaskReview(ctx, req.ReviewTaskID, store.ReviewOutcome{
		Verdict:           req.Verdict,
		Guidance:          req.Guidance,
		Findings:          req.Findings,
		StandardsVerified: req.StandardsVerified,
	})
	if err != nil {
		return nil, fail(span, err)
	}
	rel, err := s.engine.Release(ctx, req.ReviewTaskID, req.Verdict, req.Guidance)
	if err != nil {
		return nil, fail(span, fmt.Errorf("review %s recorded but not applied: %w", req.ReviewTaskID, err))
	}
	events.Emit(ctx, s.publisher, s.logger, events.Event{
		Type: events.ReviewCompleted, TaskID: rec.ImplTaskID, ReviewTaskID: req.ReviewTaskID, Verdict: string(req.Verdict),
	})
	return &CompleteReviewResult{Review: rec, Release: rel}, nil
}

// TaskReviewStatus is the review state of one implementation task.
type TaskReviewStatus struct {
	ImplTaskID       string                         `json:"impl_task_id"`
	Governed         bool                           `json:"governed"`
	Record           *governance.GovernedTaskRecord `json:"record,omitempty"`
	Reviews          []governance.TaskReviewRecord  `json:"reviews"`
	BlockedBy        []string                       `json:"blocked_by"`
	Executable       bool                           `json:"executable"`
	HolisticGuidance string                         `json:"holistic_guidance,omitempty"`
}

// GetTaskReviewStatus returns the governed record, reviews and outstanding
// blockers for an implementation task.
func (s *Service) GetTaskReviewStatus(ctx context.Context, implTaskID string) (*TaskReviewStatus, error) {
	ctx, span := s.tracer.Start(ctx, "service.get_task_review_status")
	defer span.End()
	span.SetAttributes(attribute.String("impl_task_id", implTaskID))

	blockers, err := s.engine.Blockers(ctx, implTaskID)
	if err != nil {
		return nil, fail(span, err)
	}
	st := &TaskReviewStatus{
		ImplTaskID: implTaskID,
		Reviews:    []governance.TaskReviewRecord{},
		BlockedBy:  blockers,
		Executable: len(blockers) == 0,
	}
	g, err := s.store.GetGovernedTaskByImpl(ctx, implTaskID)
	if errors.Is(err, governance.ErrNotFound) {
		return st, nil
	}
	if err != nil {
		return nil, fail(span, err)
	}
	st.Governed = true
	st.Record = g
	if st.Reviews, err = s.store.ListTaskReviews(ctx, g.ID); err != nil {
		return nil, fail(span, err)
	}
	st.HolisticGuidance = g.HolisticGuidance
	return st, nil
}

// CheckExecutable returns nil when an implementation task may start, or a
// *governance.BlockedError carrying the latest guidance when reviews are
// outstanding. Review tasks are always executable.
func (s *Service) CheckExecutable(ctx context.Context, taskID, sessionID string) error {
	ctx, span := s.tracer.Start(ctx, "service.check_task_executable")
	defer span.End()
	span.SetAttributes(attribute.String("task_id", taskID))

	t, err := s.engine.Runtime().GetTask(ctx, taskID)
	if err != nil {
		return fail(span, err)
	}
	if t.IsReview() || len(t.BlockedBy) == 0 {
		return nil
	}

	blocked := &governance.BlockedError{TaskID: taskID, BlockedBy: t.BlockedBy}
	g, err := s.store.GetGovernedTaskByImpl(ctx, taskID)
	switch {
	case errors.Is(err, governance.ErrNotFound):
		// Ungoverned tasks only see what the session holds.
		sg, err := s.settler.SessionGuidance(ctx, sessionID)
		if err != nil {
			return fail(span, err)
		}
		if sg != "" {
			blocked.Guidance = append(blocked.Guidance, "Holistic review: "+sg)
		}
	case err != nil:
		return fail(span, err)
	default:
		reviews, err := s.store.ListTaskReviews(ctx, g.ID)
		if err != nil {
			return fail(span, err)
		}
		blocked.Guidance = append(blocked.Guidance, reviewGuidance(reviews, t)...)
		if g.HolisticGuidance != "" {
			blocked.Guidance = append(blocked.Guidance, "Holistic review: "+g.HolisticGuidance)
		}
	}
	span.SetAttributes(attribute.Int("blockers", len(t.BlockedBy)))
	return blocked
}

// reviewGuidance collects guidance from completed reviews that still block t.
func reviewGuidance(reviews []governance.TaskReviewRecord, t *taskrt.Task) []string {
	var out []string
	for _, r := range reviews {
		if r.Verdict == nil || *r.Verdict == governance.VerdictApproved || r.Guidance == "" {
			continue
		}
		if !slices.Contains(t.BlockedBy, r.ReviewTaskID) {
			continue
		}
		out = append(out, fmt.Sprintf("%s review %s: %s", r.ReviewType, r.ReviewTaskID, r.Guidance))
	}
	return out
}

// SessionGuidance returns the holistic guidance held on a session's
// unreleased tasks, or "" when nothing is held.
func (s *Service) SessionGuidance(ctx context.Context, sessionID string) (string, error) {
	return s.settler.SessionGuidance(ctx, sessionID)
}

// DecisionDetail is one decision with every verdict recorded on it.
type DecisionDetail struct {
	Decision *governance.Decision       `json:"decision"`
	Reviews  []governance.ReviewVerdict `json:"reviews"`
}

// GetDecision returns a decision and its review history.
func (s *Service) GetDecision(ctx context.Context, id string) (*DecisionDetail, error) {
	ctx, span := s.tracer.Start(ctx, "service.get_decision")
	defer span.End()
	span.SetAttributes(attribute.String("decision_id", id))

	d, err := s.store.GetDecision(ctx, id)
	if err != nil {
		return nil, fail(span, err)
	}
	reviews, err := s.store.ReviewsForSubject(ctx, id)
	if err != nil {
		return nil, fail(span, err)
	}
	if reviews == nil {
		reviews = []governance.ReviewVerdict{}
	}
	return &DecisionDetail{Decision: d, Reviews: reviews}, nil
}

// ListGovernedTasks returns governed tasks in status, oldest first. An empty
// status lists every governed task.
func (s *Service) ListGovernedTasks(ctx context.Context, status governance.GovernedStatus) ([]governance.GovernedTaskRecord, error) {
	ctx, span := s.tracer.Start(ctx, "service.list_governed_tasks")
	defer span.End()

	if status != "" && !status.Valid() {
		return nil, fail(span, &governance.ValidationError{Field: "status", Reason: "unknown status " + string(status)})
	}
	tasks, err := s.store.ListGovernedTasks(ctx, status)
	if err != nil {
		return nil, fail(span, err)
	}
	span.SetAttributes(attribute.Int("results", len(tasks)))
	return tasks, nil
}

// ListHolisticReviews returns the holistic reviews recorded for a session.
// An empty session lists all of them.
func (s *Service) ListHolisticReviews(ctx context.Context, sessionID string) ([]governance.HolisticReviewRecord, error) {
	ctx, span := s.tracer.Start(ctx, "service.list_holistic_reviews")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", sessionID))

	recs, err := s.store.ListHolisticReviews(ctx, sessionID)
	if err != nil {
		return nil, fail(span, err)
	}
	if recs == nil {
		recs = []governance.HolisticReviewRecord{}
	}
	return recs, nil
}

// DecisionHistory returns decisions with their latest verdicts.
func (s *Service) DecisionHistory(ctx context.Context, f store.HistoryFilter) ([]store.HistoryEntry, error) {
	ctx, span := s.tracer.Start(ctx, "service.get_decision_history")
	defer span.End()

	if f.Verdict != "" && !f.Verdict.Valid() {
		return nil, fail(span, &governance.ValidationError{Field: "verdict", Reason: "unknown verdict " + string(f.Verdict)})
	}
	entries, err := s.store.History(ctx, f)
	if err != nil {
		return nil, fail(span, err)
	}
	if entries == nil {
		entries = []store.HistoryEntry{}
	}
	span.SetAttributes(attribute.Int("results", len(entries)))
	return entries, nil
}

// GovernanceStatus aggregates the governance trail.
type GovernanceStatus struct {
	*store.StatusSummary
	SettleJobsPending int `json:"settle_jobs_pending"`
}

// GetGovernanceStatus returns aggregate counts across the governance trail.
func (s *Service) GetGovernanceStatus(ctx context.Context) (*GovernanceStatus, error) {
	ctx, span := s.tracer.Start(ctx, "service.get_governance_status")
	defer span.End()

	sum, err := s.store.StatusSummary(ctx)
	if err != nil {
		return nil, fail(span, err)
	}
	return &GovernanceStatus{StatusSummary: sum, SettleJobsPending: s.settler.Pending()}, nil
}
