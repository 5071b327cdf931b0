// Package settle batches bursts of task creation into one holistic review.
//
// Every governed task created in a session bumps the session's generation
// in the store and schedules a delayed check on the worker pool. When the
// check fires it tries to claim its generation; the claim only succeeds for
// the latest generation, so exactly one check acts on each burst no matter
// how many callers raced to create tasks.
package settle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskgate/internal/config"
	"github.com/fyrsmithlabs/taskgate/internal/evaluator"
	"github.com/fyrsmithlabs/taskgate/internal/events"
	"github.com/fyrsmithlabs/taskgate/internal/governance"
	"github.com/fyrsmithlabs/taskgate/internal/pairing"
	"github.com/fyrsmithlabs/taskgate/internal/store"
)

// Defaults.
const (
	DefaultQuietWindow = 3 * time.Second
	DefaultMinTasks    = 2
	DefaultStaleAfter  = 5 * time.Minute
)

// Store is the subset of the decision/review store the coordinator uses.
type Store interface {
	MarkTaskCreated(ctx context.Context, sessionID, implTaskID, subject string) (int64, error)
	ClaimBurst(ctx context.Context, sessionID string, generation int64) (bool, error)
	BurstMembers(ctx context.Context, sessionID string, base, upto int64) ([]store.BurstMember, error)
	CompleteBurst(ctx context.Context, sessionID string, upto int64, hold bool, guidance string) error
	GetSessionMarker(ctx context.Context, sessionID string, staleAfter time.Duration) (*store.SessionMarker, bool, error)
	PendingSessions(ctx context.Context) ([]store.SessionMarker, error)
	PutHolisticReview(ctx context.Context, h *governance.HolisticReviewRecord) error
	HeldGuidance(ctx context.Context, sessionID string) ([]string, error)
	GetGovernedTask(ctx context.Context, id string) (*governance.GovernedTaskRecord, error)
	GetGovernedTaskByImpl(ctx context.Context, implTaskID string) (*governance.GovernedTaskRecord, error)
	GetTaskReviewByReviewTask(ctx context.Context, reviewTaskID string) (*governance.TaskReviewRecord, error)
	ListTaskReviews(ctx context.Context, governedID string) ([]governance.TaskReviewRecord, error)
	MarkTaskReviewInProgress(ctx context.Context, reviewTaskID string) error
	CompleteTaskReview(ctx context.Context, reviewTaskID string, out store.ReviewOutcome) (*governance.TaskReviewRecord, error)
}

// Releaser applies a completed review to its implementation task.
type Releaser interface {
	Release(ctx context.Context, reviewTaskID string, verdict governance.Verdict, guidance string) (*pairing.ReleaseResult, error)
}

// Config configures a Coordinator.
type Config struct {
	QuietWindow time.Duration
	MinTasks    int
	StaleAfter  time.Duration
	Workers     int
	QueueSize   int
	// AutoReview evaluates each task's review once its burst settles. When
	// false, reviews move to in_progress for an external reviewer.
	AutoReview bool
}

// DefaultConfig returns the default coordinator configuration.
func DefaultConfig() Config {
	return Config{
		QuietWindow: DefaultQuietWindow,
		MinTasks:    DefaultMinTasks,
		StaleAfter:  DefaultStaleAfter,
		Workers:     2,
		QueueSize:   64,
		AutoReview:  true,
	}
}

// FromSettings maps the settle section of the application config.
func FromSettings(c config.SettleConfig) Config {
	cfg := DefaultConfig()
	if c.QuietWindow.Duration() > 0 {
		cfg.QuietWindow = c.QuietWindow.Duration()
	}
	if c.MinTasks > 0 {
		cfg.MinTasks = c.MinTasks
	}
	if c.StaleAfter.Duration() > 0 {
		cfg.StaleAfter = c.StaleAfter.Duration()
	}
	if c.Workers > 0 {
		cfg.Workers = c.Workers
	}
	if c.QueueSize > 0 {
		cfg.QueueSize = c.QueueSize
	}
	cfg.AutoReview = c.AutoReview
	return cfg
}

// Coordinator is the settle/debounce coordinator.
type Coordinator struct {
	cfg       Config
	store     Store
	eval      evaluator.Evaluator
	releaser  Releaser
	pool      *Pool
	publisher events.Publisher
	metrics   *Metrics
	logger    *zap.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithMetrics records coordinator metrics on m.
func WithMetrics(m *Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithPublisher publishes holistic review events on p.
func WithPublisher(p events.Publisher) Option {
	return func(c *Coordinator) { c.publisher = p }
}

// New starts a Coordinator and its worker pool.
func New(cfg Config, st Store, eval evaluator.Evaluator, releaser Releaser, logger *zap.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MinTasks <= 0 {
		cfg.MinTasks = DefaultMinTasks
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	logger = logger.Named("settle")
	c := &Coordinator{
		cfg:       cfg,
		store:     st,
		eval:      eval,
		releaser:  releaser,
		pool:      NewPool(cfg.Workers, cfg.QueueSize, logger),
		publisher: events.Nop{},
		logger:    logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Notify records a governed task created in session and schedules a settle
// check after the quiet window. Tasks created without a session skip the
// burst and go straight to individual review.
func (c *Coordinator) Notify(ctx context.Context, sessionID, implTaskID, subject string) error {
	if sessionID == "" {
		return c.pool.Submit(func(ctx context.Context) {
			c.reviewTasks(ctx, []string{implTaskID})
		})
	}
	gen, err := c.store.MarkTaskCreated(ctx, sessionID, implTaskID, subject)
	if err != nil {
		return err
	}
	c.logger.Debug("settle check scheduled",
		zap.String("session_id", sessionID),
		zap.Int64("generation", gen),
		zap.Duration("quiet_window", c.cfg.QuietWindow))
	return c.schedule(sessionID, gen, c.cfg.QuietWindow)
}

// Enqueue runs Notify on the worker pool so the caller returns immediately.
// It fails only when the pool is closed or its queue is full.
func (c *Coordinator) Enqueue(sessionID, implTaskID, subject string) error {
	return c.pool.Submit(func(ctx context.Context) {
		if err := c.Notify(ctx, sessionID, implTaskID, subject); err != nil {
			c.logger.Error("settle notify failed",
				zap.String("session_id", sessionID), zap.String("impl_task_id", implTaskID), zap.Error(err))
		}
	})
}

// EnqueueReview processes one standalone review on the worker pool. Only
// that review is touched; other reviews of the same task stay with the burst
// they belong to.
func (c *Coordinator) EnqueueReview(reviewTaskID string) error {
	return c.pool.Submit(func(ctx context.Context) {
		if err := c.reviewOne(ctx, reviewTaskID); err != nil {
			c.logger.Error("standalone review failed", zap.String("review_task_id", reviewTaskID), zap.Error(err))
		}
	})
}

func (c *Coordinator) reviewOne(ctx context.Context, reviewTaskID string) error {
	r, err := c.store.GetTaskReviewByReviewTask(ctx, reviewTaskID)
	if err != nil {
		return err
	}
	if r.Status != governance.ReviewPending {
		return nil
	}
	g, err := c.store.GetGovernedTask(ctx, r.GovernedTaskID)
	if err != nil {
		return err
	}
	return c.processReview(ctx, g, *r)
}

func (c *Coordinator) schedule(sessionID string, gen int64, delay time.Duration) error {
	return c.pool.Schedule(delay, func(ctx context.Context) {
		if err := c.check(ctx, sessionID, gen); err != nil {
			c.metrics.check("error")
			c.logger.Error("settle check failed",
				zap.String("session_id", sessionID), zap.Int64("generation", gen), zap.Error(err))
		}
	})
}

// check runs when a quiet window elapses. Only the holder of the latest
// generation wins the claim; every other check returns immediately.
func (c *Coordinator) check(ctx context.Context, sessionID string, gen int64) error {
	claimed, err := c.store.ClaimBurst(ctx, sessionID, gen)
	if err != nil {
		return fmt.Errorf("claiming burst: %w", err)
	}
	if !claimed {
		c.metrics.check("superseded")
		c.logger.Debug("settle check superseded", zap.String("session_id", sessionID), zap.Int64("generation", gen))
		return nil
	}
	c.metrics.check("claimed")

	marker, _, err := c.store.GetSessionMarker(ctx, sessionID, 0)
	if err != nil {
		return err
	}
	members, err := c.store.BurstMembers(ctx, sessionID, marker.BurstBase, gen)
	if err != nil {
		return err
	}
	c.metrics.burst(len(members))
	taskIDs := make([]string, 0, len(members))
	for _, m := range members {
		taskIDs = append(taskIDs, m.ImplTaskID)
	}

	if len(members) < c.cfg.MinTasks {
		c.logger.Info("burst below holistic threshold",
			zap.String("session_id", sessionID), zap.Int("tasks", len(members)), zap.Int("min_tasks", c.cfg.MinTasks))
		if err := c.store.CompleteBurst(ctx, sessionID, gen, false, ""); err != nil {
			return err
		}
		c.reviewTasks(ctx, taskIDs)
		return nil
	}

	rec, err := c.holisticReview(ctx, sessionID, members)
	if err != nil {
		return err
	}
	approved := rec.Verdict != nil && *rec.Verdict == governance.VerdictApproved
	if err := c.store.CompleteBurst(ctx, sessionID, gen, !approved, guidanceFor(rec, approved)); err != nil {
		return err
	}
	if !approved {
		c.logger.Info("holistic review withheld approval; tasks stay blocked",
			zap.String("session_id", sessionID), zap.String("verdict", string(*rec.Verdict)))
		return nil
	}
	c.reviewTasks(ctx, taskIDs)
	return nil
}

func guidanceFor(rec *governance.HolisticReviewRecord, approved bool) string {
	if approved {
		return ""
	}
	if rec.Guidance != "" {
		return rec.Guidance
	}
	return fmt.Sprintf("holistic review of %d tasks returned %s", len(rec.TaskIDs), *rec.Verdict)
}

// CollectiveIntent summarizes a burst for the holistic evaluator.
func CollectiveIntent(members []store.BurstMember) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d tasks created together:", len(members))
	for i, m := range members {
		fmt.Fprintf(&b, "\n%d. %s (task %s)", i+1, m.Subject, m.ImplTaskID)
	}
	return b.String()
}

func (c *Coordinator) holisticReview(ctx context.Context, sessionID string, members []store.BurstMember) (*governance.HolisticReviewRecord, error) {
	h := &evaluator.Holistic{SessionID: sessionID, CollectiveIntent: CollectiveIntent(members)}
	for _, m := range members {
		h.TaskIDs = append(h.TaskIDs, m.ImplTaskID)
		h.Subjects = append(h.Subjects, m.Subject)
	}
	res, err := c.eval.Evaluate(ctx, evaluator.Request{Kind: evaluator.KindHolistic, Holistic: h})
	if err != nil {
		return nil, fmt.Errorf("holistic evaluation: %w", err)
	}
	verdict := res.Verdict
	rec := &governance.HolisticReviewRecord{
		SessionID:         sessionID,
		TaskIDs:           h.TaskIDs,
		TaskSubjects:      h.Subjects,
		CollectiveIntent:  h.CollectiveIntent,
		Verdict:           &verdict,
		Findings:          res.Findings,
		Guidance:          res.Guidance,
		StandardsVerified: res.StandardsVerified,
		Reviewer:          res.Reviewer,
	}
	if err := c.store.PutHolisticReview(ctx, rec); err != nil {
		return nil, err
	}
	c.metrics.holistic(string(verdict))
	c.logger.Info("holistic review recorded",
		zap.String("session_id", sessionID),
		zap.Int("tasks", len(members)),
		zap.String("verdict", string(verdict)),
		zap.String("outcome", string(res.Outcome)))
	events.Emit(ctx, c.publisher, c.logger, events.Event{
		Type: events.HolisticCompleted, SessionID: sessionID, Verdict: string(verdict),
		Data: map[string]any{"task_ids": h.TaskIDs, "holistic_review_id": rec.ID},
	})
	return rec, nil
}

// reviewTasks processes the pending reviews of each implementation task.
// Failures are logged per task; one bad task does not stop the rest.
func (c *Coordinator) reviewTasks(ctx context.Context, implTaskIDs []string) {
	for _, id := range implTaskIDs {
		if ctx.Err() != nil {
			return
		}
		if err := c.reviewTask(ctx, id); err != nil {
			c.logger.Error("individual review failed", zap.String("impl_task_id", id), zap.Error(err))
		}
	}
}

func (c *Coordinator) reviewTask(ctx context.Context, implTaskID string) error {
	g, err := c.store.GetGovernedTaskByImpl(ctx, implTaskID)
	if err != nil {
		return err
	}
	reviews, err := c.store.ListTaskReviews(ctx, g.ID)
	if err != nil {
		return err
	}
	for _, r := range reviews {
		if r.Status != governance.ReviewPending {
			continue
		}
		if err := c.processReview(ctx, g, r); err != nil {
			return err
		}
	}
	return nil
}

// processReview moves a pending review to in_progress and, with AutoReview,
// evaluates it.
func (c *Coordinator) processReview(ctx context.Context, g *governance.GovernedTaskRecord, r governance.TaskReviewRecord) error {
	if err := c.store.MarkTaskReviewInProgress(ctx, r.ReviewTaskID); err != nil {
		return err
	}
	if !c.cfg.AutoReview {
		return nil
	}
	return c.autoReview(ctx, g, r)
}

func (c *Coordinator) autoReview(ctx context.Context, g *governance.GovernedTaskRecord, r governance.TaskReviewRecord) error {
	res, err := c.eval.Evaluate(ctx, evaluator.Request{Kind: evaluator.KindPlan, Task: &evaluator.TaskSubject{
		ImplTaskID:  g.ImplTaskID,
		Subject:     g.Subject,
		Description: g.Description,
		Context:     strings.TrimSpace(g.Context + "\n" + r.Context),
		ReviewType:  r.ReviewType,
	}})
	if err != nil {
		return err
	}
	_, err = c.store.CompleteTaskReview(ctx, r.ReviewTaskID, store.ReviewOutcome{
		Verdict:           res.Verdict,
		Guidance:          res.Guidance,
		Findings:          res.Findings,
		StandardsVerified: res.StandardsVerified,
	})
	if errors.Is(err, governance.ErrAlreadyCompleted) {
		// An external reviewer got there first.
		return nil
	}
	if err != nil {
		return err
	}
	c.metrics.individual(string(res.Verdict))
	if _, err := c.releaser.Release(ctx, r.ReviewTaskID, res.Verdict, res.Guidance); err != nil {
		return fmt.Errorf("releasing review %s: %w", r.ReviewTaskID, err)
	}
	events.Emit(ctx, c.publisher, c.logger, events.Event{
		Type: events.ReviewCompleted, SessionID: g.SessionID, TaskID: g.ImplTaskID,
		ReviewTaskID: r.ReviewTaskID, Verdict: string(res.Verdict),
	})
	return nil
}

// SessionGuidance returns the holistic guidance still held on the session's
// unreleased tasks, one line per rejected burst. Checking also clears a stale
// pending marker.
func (c *Coordinator) SessionGuidance(ctx context.Context, sessionID string) (string, error) {
	if sessionID == "" {
		return "", nil
	}
	_, abandoned, err := c.store.GetSessionMarker(ctx, sessionID, c.cfg.StaleAfter)
	if errors.Is(err, governance.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if abandoned {
		c.metrics.abandoned()
	}
	held, err := c.store.HeldGuidance(ctx, sessionID)
	if err != nil {
		return "", err
	}
	return strings.Join(held, "\n"), nil
}

// Recover reschedules settle checks for sessions whose latest burst was
// never claimed, e.g. after a restart. It returns the number scheduled.
func (c *Coordinator) Recover(ctx context.Context) (int, error) {
	markers, err := c.store.PendingSessions(ctx)
	if err != nil {
		return 0, err
	}
	scheduled := 0
	for _, m := range markers {
		if _, abandoned, err := c.store.GetSessionMarker(ctx, m.SessionID, c.cfg.StaleAfter); err != nil {
			c.logger.Warn("checking session marker", zap.String("session_id", m.SessionID), zap.Error(err))
		} else if abandoned {
			c.metrics.abandoned()
			c.logger.Info("cleared abandoned session marker", zap.String("session_id", m.SessionID))
		}
		delay := c.cfg.QuietWindow - time.Since(m.LastCreatedAt)
		if delay < 0 {
			delay = 0
		}
		if err := c.schedule(m.SessionID, m.Generation, delay); err != nil {
			return scheduled, err
		}
		scheduled++
	}
	if scheduled > 0 {
		c.logger.Info("settle checks recovered", zap.Int("sessions", scheduled))
	}
	return scheduled, nil
}

// Pending returns the number of settle jobs waiting to run.
func (c *Coordinator) Pending() int {
	return c.pool.Pending()
}

// Stop stops the worker pool, draining queued jobs until ctx expires.
func (c *Coordinator) Stop(ctx context.Context) error {
	return c.pool.Stop(ctx)
}
