// Package pairing creates review/implementation task pairs against the host
// task runtime and releases implementation tasks as their reviews approve.
//
// An implementation task is never written without a review in its
// blockedBy list: the review task is created first and the implementation
// task is created already blocked by it.
package pairing

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskgate/internal/events"
	"github.com/fyrsmithlabs/taskgate/internal/governance"
	"github.com/fyrsmithlabs/taskgate/internal/store"
	"github.com/fyrsmithlabs/taskgate/internal/taskrt"
)

// DefaultReconcileGrace is how old an incomplete intent must be before
// Reconcile treats it as abandoned by a crashed writer.
const DefaultReconcileGrace = time.Minute

// Store is the subset of the decision/review store the engine writes.
type Store interface {
	BeginIntent(ctx context.Context, in *store.PairingIntent) error
	AdvanceIntent(ctx context.Context, id string, state store.IntentState) error
	IncompleteIntents(ctx context.Context, before time.Time) ([]store.PairingIntent, error)
	PutGovernedPair(ctx context.Context, g *governance.GovernedTaskRecord, r *governance.TaskReviewRecord) error
	AttachTaskReview(ctx context.Context, governedID string, r *governance.TaskReviewRecord) error
	GetGovernedTaskByImpl(ctx context.Context, implTaskID string) (*governance.GovernedTaskRecord, error)
	GetTaskReviewByReviewTask(ctx context.Context, reviewTaskID string) (*governance.TaskReviewRecord, error)
	SetGovernedStatus(ctx context.Context, id string, status governance.GovernedStatus, releasedAt *time.Time) error
}

// PairRequest describes the implementation task to govern.
type PairRequest struct {
	SessionID   string
	Subject     string
	Description string
	Context     string
	ReviewType  governance.ReviewType
	Owner       string
	// Kind is the kind of the task being created. Review tasks are never
	// paired.
	Kind     governance.TaskKind
	Metadata map[string]any
}

// Pair identifies a created pair.
type Pair struct {
	ReviewTaskID   string `json:"review_task_id"`
	ImplTaskID     string `json:"impl_task_id"`
	GovernedTaskID string `json:"governed_task_id"`
	ReviewID       string `json:"review_id"`
}

// ReleaseResult reports the implementation task state after a release.
type ReleaseResult struct {
	ImplTaskID        string   `json:"impl_task_id"`
	Released          bool     `json:"released"`
	RemainingBlockers []string `json:"remaining_blockers"`
}

// Engine is the task pairing engine.
type Engine struct {
	rt        taskrt.Runtime
	store     Store
	publisher events.Publisher
	grace     time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithPublisher publishes lifecycle events on p.
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithReconcileGrace overrides DefaultReconcileGrace.
func WithReconcileGrace(d time.Duration) Option {
	return func(e *Engine) { e.grace = d }
}

// New builds an Engine.
func New(rt taskrt.Runtime, st Store, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		rt:        rt,
		store:     st,
		publisher: events.Nop{},
		grace:     DefaultReconcileGrace,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger.Named("pairing"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Runtime returns the task runtime the engine drives.
func (e *Engine) Runtime() taskrt.Runtime {
	return e.rt
}

func reviewSubject(t governance.ReviewType, subject string) string {
	return fmt.Sprintf("Review (%s): %s", t, subject)
}

func reviewDescription(t governance.ReviewType, implID, subject, context string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Complete a %s review of task %s (%s) before it may start.\n", t, implID, subject)
	if context != "" {
		fmt.Fprintf(&b, "\nContext:\n%s\n", context)
	}
	fmt.Fprintf(&b, "\nRecord the verdict with complete_task_review.")
	return b.String()
}

func reviewType(t governance.ReviewType) (governance.ReviewType, error) {
	if t == "" {
		return governance.ReviewGovernance, nil
	}
	if !t.Valid() {
		return "", &governance.ValidationError{Field: "review_type", Reason: "unknown review type " + string(t)}
	}
	return t, nil
}

// CreatePair creates a review task and an implementation task blocked by it,
// then records both in the store. A store failure leaves the implementation
// task blocked and the pairing intent open for Reconcile.
func (e *Engine) CreatePair(ctx context.Context, req PairRequest) (*Pair, error) {
	if req.Kind == governance.KindReview {
		return nil, governance.ErrReviewTaskNotGoverned
	}
	if strings.TrimSpace(req.Subject) == "" {
		return nil, &governance.ValidationError{Field: "subject", Reason: "is required"}
	}
	if len(req.Subject) > governance.MaxSummaryLength {
		return nil, &governance.ValidationError{Field: "subject", Reason: "exceeds maximum length"}
	}
	rtype, err := reviewType(req.ReviewType)
	if err != nil {
		return nil, err
	}

	reviewID, err := e.rt.NewID(ctx)
	if err != nil {
		return nil, fmt.Errorf("allocating review task id: %w", err)
	}
	implID, err := e.rt.NewID(ctx)
	if err != nil {
		return nil, fmt.Errorf("allocating implementation task id: %w", err)
	}

	intent := &store.PairingIntent{SessionID: req.SessionID, ReviewTaskID: reviewID, ImplTaskID: implID, Subject: req.Subject}
	if err := e.store.BeginIntent(ctx, intent); err != nil {
		return nil, err
	}

	_, err = e.rt.CreateTask(ctx, taskrt.Spec{
		ID:          reviewID,
		Subject:     reviewSubject(rtype, req.Subject),
		Description: reviewDescription(rtype, implID, req.Subject, req.Context),
		Kind:        governance.KindReview,
		Blocks:      []string{implID},
		Metadata:    map[string]any{"review_type": string(rtype), "impl_task_id": implID},
	})
	if err != nil {
		e.abandon(ctx, intent.ID)
		return nil, fmt.Errorf("creating review task: %w", err)
	}

	_, err = e.rt.CreateTask(ctx, taskrt.Spec{
		ID:          implID,
		Subject:     req.Subject,
		Description: req.Description,
		Owner:       req.Owner,
		Kind:        governance.KindImplementation,
		BlockedBy:   []string{reviewID},
		Metadata:    req.Metadata,
	})
	if err != nil {
		e.retireReviewTask(ctx, reviewID, "implementation task was never created")
		e.abandon(ctx, intent.ID)
		return nil, fmt.Errorf("creating implementation task: %w", err)
	}
	if err := e.store.AdvanceIntent(ctx, intent.ID, store.IntentTasksCreated); err != nil {
		e.logger.Warn("advancing pairing intent", zap.String("intent", intent.ID), zap.Error(err))
	}

	g := &governance.GovernedTaskRecord{
		ImplTaskID:  implID,
		Subject:     req.Subject,
		Description: req.Description,
		Context:     req.Context,
		SessionID:   req.SessionID,
	}
	r := &governance.TaskReviewRecord{ReviewTaskID: reviewID, ReviewType: rtype, Context: req.Context}
	if err := e.store.PutGovernedPair(ctx, g, r); err != nil {
		e.logger.Error("recording governed pair; task stays blocked",
			zap.String("impl_task_id", implID), zap.String("review_task_id", reviewID), zap.Error(err))
		return nil, fmt.Errorf("recording governed task %s: %w", implID, err)
	}
	if err := e.store.AdvanceIntent(ctx, intent.ID, store.IntentCompleted); err != nil {
		e.logger.Warn("completing pairing intent", zap.String("intent", intent.ID), zap.Error(err))
	}

	pair := &Pair{ReviewTaskID: reviewID, ImplTaskID: implID, GovernedTaskID: g.ID, ReviewID: r.ID}
	e.logger.Info("governed pair created",
		zap.String("impl_task_id", implID),
		zap.String("review_task_id", reviewID),
		zap.String("session_id", req.SessionID))
	events.Emit(ctx, e.publisher, e.logger, events.Event{
		Type: events.PairCreated, SessionID: req.SessionID, TaskID: implID, ReviewTaskID: reviewID,
		Data: map[string]any{"subject": req.Subject, "review_type": string(rtype)},
	})
	return pair, nil
}

// AddBlocker stacks another review on an existing implementation task. The
// blockedBy update runs under the task's lock; contention surfaces as the
// retryable governance.ErrLockContention.
func (e *Engine) AddBlocker(ctx context.Context, implTaskID string, rtype governance.ReviewType, reviewContext string) (string, error) {
	rtype, err := reviewType(rtype)
	if err != nil {
		return "", err
	}
	impl, err := e.rt.GetTask(ctx, implTaskID)
	if err != nil {
		return "", err
	}
	if impl.IsReview() {
		return "", governance.ErrReviewTaskNotGoverned
	}
	if impl.Status == taskrt.StatusCompleted {
		return "", &governance.ValidationError{Field: "impl_task_id", Reason: "task " + implTaskID + " is already completed"}
	}

	governed, err := e.store.GetGovernedTaskByImpl(ctx, implTaskID)
	if err != nil && !errors.Is(err, governance.ErrNotFound) {
		return "", err
	}

	review, err := e.rt.CreateTask(ctx, taskrt.Spec{
		Subject:     reviewSubject(rtype, impl.Subject),
		Description: reviewDescription(rtype, implTaskID, impl.Subject, reviewContext),
		Kind:        governance.KindReview,
		Blocks:      []string{implTaskID},
		Metadata:    map[string]any{"review_type": string(rtype), "impl_task_id": implTaskID},
	})
	if err != nil {
		return "", fmt.Errorf("creating review task: %w", err)
	}

	if _, err := e.rt.UpdateTask(ctx, implTaskID, taskrt.Update{AddBlockedBy: []string{review.ID}}); err != nil {
		e.retireReviewTask(ctx, review.ID, "blocker could not be attached")
		return "", fmt.Errorf("adding blocker to task %s: %w", implTaskID, err)
	}

	r := &governance.TaskReviewRecord{ReviewTaskID: review.ID, ReviewType: rtype, Context: reviewContext}
	if governed != nil {
		err = e.store.AttachTaskReview(ctx, governed.ID, r)
	} else {
		err = e.store.PutGovernedPair(ctx, &governance.GovernedTaskRecord{
			ImplTaskID:  implTaskID,
			Subject:     impl.Subject,
			Description: impl.Description,
			Context:     reviewContext,
		}, r)
	}
	if err != nil {
		return "", fmt.Errorf("recording review %s: %w", review.ID, err)
	}

	e.logger.Info("review blocker added",
		zap.String("impl_task_id", implTaskID),
		zap.String("review_task_id", review.ID),
		zap.String("review_type", string(rtype)))
	events.Emit(ctx, e.publisher, e.logger, events.Event{
		Type: events.BlockerAdded, TaskID: implTaskID, ReviewTaskID: review.ID,
		Data: map[string]any{"review_type": string(rtype)},
	})
	return review.ID, nil
}

// Release applies a completed review to its implementation task. Approval
// removes the blocker and, once none remain, marks the governed task
// approved. Any other verdict keeps the blocker and appends guidance to the
// implementation task's description.
func (e *Engine) Release(ctx context.Context, reviewTaskID string, verdict governance.Verdict, guidance string) (*ReleaseResult, error) {
	if !verdict.Valid() {
		return nil, &governance.ValidationError{Field: "verdict", Reason: "unknown verdict " + string(verdict)}
	}
	rec, err := e.store.GetTaskReviewByReviewTask(ctx, reviewTaskID)
	if err != nil {
		return nil, err
	}

	if verdict != governance.VerdictApproved {
		return e.hold(ctx, rec, verdict, guidance)
	}

	impl, err := e.rt.UpdateTask(ctx, rec.ImplTaskID, taskrt.Update{RemoveBlockedBy: []string{reviewTaskID}})
	if err != nil {
		return nil, fmt.Errorf("removing blocker from task %s: %w", rec.ImplTaskID, err)
	}
	done := taskrt.StatusCompleted
	if _, err := e.rt.UpdateTask(ctx, reviewTaskID, taskrt.Update{Status: &done}); err != nil && !errors.Is(err, governance.ErrNotFound) {
		e.logger.Warn("completing review task", zap.String("review_task_id", reviewTaskID), zap.Error(err))
	}

	res := &ReleaseResult{ImplTaskID: rec.ImplTaskID, RemainingBlockers: impl.BlockedBy}
	if len(impl.BlockedBy) == 0 {
		now := e.now()
		if err := e.store.SetGovernedStatus(ctx, rec.GovernedTaskID, governance.GovernedApproved, &now); err != nil {
			return nil, err
		}
		res.Released = true
		e.logger.Info("implementation task released", zap.String("impl_task_id", rec.ImplTaskID))
		events.Emit(ctx, e.publisher, e.logger, events.Event{
			Type: events.TaskReleased, TaskID: rec.ImplTaskID, ReviewTaskID: reviewTaskID, Verdict: string(verdict),
		})
	}
	return res, nil
}

func (e *Engine) hold(ctx context.Context, rec *governance.TaskReviewRecord, verdict governance.Verdict, guidance string) (*ReleaseResult, error) {
	note := fmt.Sprintf("Review %s (%s) returned %s.", rec.ReviewTaskID, rec.ReviewType, verdict)
	if g := strings.TrimSpace(guidance); g != "" {
		note += " Guidance: " + g
	}
	impl, err := e.rt.UpdateTask(ctx, rec.ImplTaskID, taskrt.Update{
		AddBlockedBy:      []string{rec.ReviewTaskID},
		AppendDescription: note,
	})
	if err != nil {
		return nil, fmt.Errorf("appending guidance to task %s: %w", rec.ImplTaskID, err)
	}
	if err := e.store.SetGovernedStatus(ctx, rec.GovernedTaskID, governance.GovernedBlocked, nil); err != nil {
		return nil, err
	}
	e.logger.Info("implementation task held",
		zap.String("impl_task_id", rec.ImplTaskID),
		zap.String("review_task_id", rec.ReviewTaskID),
		zap.String("verdict", string(verdict)))
	return &ReleaseResult{ImplTaskID: rec.ImplTaskID, RemainingBlockers: impl.BlockedBy}, nil
}

// Blockers returns the outstanding review task ids on an implementation task.
func (e *Engine) Blockers(ctx context.Context, implTaskID string) ([]string, error) {
	t, err := e.rt.GetTask(ctx, implTaskID)
	if err != nil {
		return nil, err
	}
	return slices.Clone(t.BlockedBy), nil
}

// retireReviewTask completes a review task that lost its implementation
// task so it does not linger in the pending list.
func (e *Engine) retireReviewTask(ctx context.Context, reviewID, reason string) {
	done := taskrt.StatusCompleted
	if _, err := e.rt.UpdateTask(ctx, reviewID, taskrt.Update{Status: &done, AppendDescription: "Retired: " + reason + "."}); err != nil {
		e.logger.Warn("retiring orphaned review task", zap.String("review_task_id", reviewID), zap.Error(err))
	}
}

func (e *Engine) abandon(ctx context.Context, intentID string) {
	if err := e.store.AdvanceIntent(ctx, intentID, store.IntentAbandoned); err != nil {
		e.logger.Warn("abandoning pairing intent", zap.String("intent", intentID), zap.Error(err))
	}
}
