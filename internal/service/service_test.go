package service

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/taskgate/internal/evaluator"
	"github.com/fyrsmithlabs/taskgate/internal/governance"
	"github.com/fyrsmithlabs/taskgate/internal/pairing"
	"github.com/fyrsmithlabs/taskgate/internal/store"
	"github.com/fyrsmithlabs/taskgate/internal/taskrt"
)

type stubEvaluator struct {
	mu     sync.Mutex
	result evaluator.Result
	calls  int
}

func (e *stubEvaluator) Evaluate(ctx context.Context, req evaluator.Request) (*evaluator.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	res := e.result
	return &res, nil
}

type stubSettler struct {
	mu       sync.Mutex
	enqueued []string
	reviews  []string
	guidance map[string]string
	err      error
}

func (s *stubSettler) Enqueue(sessionID, implTaskID, subject string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enqueued = append(s.enqueued, implTaskID)
	return s.err
}

func (s *stubSettler) EnqueueReview(reviewTaskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reviews = append(s.reviews, reviewTaskID)
	return s.err
}

func (s *stubSettler) SessionGuidance(ctx context.Context, sessionID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.guidance[sessionID], nil
}

func (s *stubSettler) Pending() int { return 0 }

type fixture struct {
	svc     *Service
	eval    *stubEvaluator
	settler *stubSettler
	rt      *taskrt.Memory
	store   *store.Store
}

func newFixture(t *testing.T, verdict governance.Verdict) *fixture {
	t.Helper()
	st, err := store.Open(context.Background(), &store.Config{
		Path:        filepath.Join(t.TempDir(), "taskgate.db"),
		BusyTimeout: 5 * time.Second,
		MaxRetries:  5,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	rt := taskrt.NewMemory()
	eval := &stubEvaluator{result: evaluator.Result{
		Verdict:  verdict,
		Guidance: "looks consistent",
		Reviewer: "stub",
		Outcome:  evaluator.OutcomeOK,
	}}
	settler := &stubSettler{guidance: map[string]string{}}
	svc, err := New(st, pairing.New(rt, st, zaptest.NewLogger(t)), eval, settler, zaptest.NewLogger(t))
	require.NoError(t, err)
	return &fixture{svc: svc, eval: eval, settler: settler, rt: rt, store: st}
}

func decision(taskID, agent string) *governance.Decision {
	return &governance.Decision{
		TaskID:     taskID,
		Agent:      agent,
		Category:   governance.CategoryComponentDesign,
		Summary:    "Use a write-ahead intent table",
		Detail:     "Pairing writes an intent row before touching the task runtime.",
		Confidence: governance.ConfidenceHigh,
	}
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(nil, nil, nil, nil, nil)
	assert.Error(t, err)
}

func TestSubmitDecision_RecordsVerdictAndHistory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, governance.VerdictApproved)

	v, err := f.svc.SubmitDecision(ctx, decision("task-1", "planner"))
	require.NoError(t, err)
	assert.Equal(t, governance.VerdictApproved, v.Verdict)
	assert.Equal(t, "stub", v.Reviewer)
	assert.Equal(t, "ok", v.Outcome)
	assert.NotEmpty(t, v.DecisionID)

	_, err = f.svc.SubmitDecision(ctx, decision("task-2", "builder"))
	require.NoError(t, err)

	tests := []struct {
		name   string
		filter store.HistoryFilter
		want   int
	}{
		{"no filter", store.HistoryFilter{}, 2},
		{"task", store.HistoryFilter{TaskID: "task-1"}, 1},
		{"agent", store.HistoryFilter{Agent: "builder"}, 1},
		{"verdict", store.HistoryFilter{Verdict: governance.VerdictApproved}, 2},
		{"task and verdict", store.HistoryFilter{TaskID: "task-2", Verdict: governance.VerdictBlocked}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := f.svc.DecisionHistory(ctx, tt.filter)
			require.NoError(t, err)
			assert.Len(t, entries, tt.want)
			for _, e := range entries {
				require.NotNil(t, e.Review)
				assert.Equal(t, e.Decision.ID, e.Review.DecisionID)
			}
		})
	}
}

func TestSubmitDecision_ValidationSkipsEvaluator(t *testing.T) {
	f := newFixture(t, governance.VerdictApproved)
	d := decision("task-1", "planner")
	d.Category = "guesswork"

	_, err := f.svc.SubmitDecision(context.Background(), d)
	assert.ErrorIs(t, err, governance.ErrValidation)
	assert.Equal(t, 0, f.eval.calls)
}

func TestDecisionHistory_RejectsUnknownVerdict(t *testing.T) {
	f := newFixture(t, governance.VerdictApproved)
	_, err := f.svc.DecisionHistory(context.Background(), store.HistoryFilter{Verdict: "maybe"})
	assert.ErrorIs(t, err, governance.ErrValidation)

	entries, err := f.svc.DecisionHistory(context.Background(), store.HistoryFilter{})
	require.NoError(t, err)
	assert.NotNil(t, entries)
}

func TestSubmitPlanAndCompletion_EvaluatorFailureNeedsHuman(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, governance.VerdictNeedsHumanReview)
	f.eval.result.Outcome = evaluator.OutcomeTimeout

	v, err := f.svc.SubmitPlan(ctx, &governance.Plan{TaskID: "task-1", Agent: "planner", Summary: "Add the cache"})
	require.NoError(t, err)
	assert.Equal(t, governance.VerdictNeedsHumanReview, v.Verdict)
	assert.Equal(t, "timeout", v.Outcome)
	assert.NotEmpty(t, v.PlanID)

	v, err = f.svc.SubmitCompletion(ctx, &governance.CompletionReport{TaskID: "task-1", Agent: "builder", Summary: "Cache added"})
	require.NoError(t, err)
	assert.Equal(t, governance.VerdictNeedsHumanReview, v.Verdict)
	assert.NotEmpty(t, v.CompletionID)
	assert.Equal(t, 2, f.eval.calls)
}

func TestGovernedTaskLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, governance.VerdictApproved)

	pair, err := f.svc.CreateGovernedTask(ctx, pairing.PairRequest{SessionID: "sess", Subject: "Add retry budget"})
	require.NoError(t, err)
	assert.Equal(t, []string{pair.ImplTaskID}, f.settler.enqueued)

	err = f.svc.CheckExecutable(ctx, pair.ImplTaskID, "sess")
	var blocked *governance.BlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, []string{pair.ReviewTaskID}, blocked.BlockedBy)
	assert.NoError(t, f.svc.CheckExecutable(ctx, pair.ReviewTaskID, "sess"), "review tasks always run")

	status, err := f.svc.GetTaskReviewStatus(ctx, pair.ImplTaskID)
	require.NoError(t, err)
	assert.True(t, status.Governed)
	assert.False(t, status.Executable)
	require.Len(t, status.Reviews, 1)
	assert.Equal(t, governance.ReviewPending, status.Reviews[0].Status)

	res, err := f.svc.CompleteTaskReview(ctx, CompleteReviewRequest{
		ReviewTaskID: pair.ReviewTaskID,
		Verdict:      governance.VerdictApproved,
	})
	require.NoError(t, err)
	assert.True(t, res.Release.Released)
	assert.Equal(t, governance.ReviewApproved, res.Review.Status)
	assert.NoError(t, f.svc.CheckExecutable(ctx, pair.ImplTaskID, "sess"))

	_, err = f.svc.CompleteTaskReview(ctx, CompleteReviewRequest{
		ReviewTaskID: pair.ReviewTaskID,
		Verdict:      governance.VerdictBlocked,
	})
	assert.ErrorIs(t, err, governance.ErrAlreadyCompleted)

	gs, err := f.svc.GetGovernanceStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, gs.GovernedTasks[governance.GovernedApproved])
	assert.Equal(t, 1, gs.TaskReviews[governance.ReviewApproved])
}

func TestCheckExecutable_CarriesTaskAndHolisticGuidance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, governance.VerdictApproved)

	held, err := f.svc.CreateGovernedTask(ctx, pairing.PairRequest{SessionID: "sess", Subject: "Add cache"})
	require.NoError(t, err)
	gen, err := f.store.MarkTaskCreated(ctx, "sess", held.ImplTaskID, "Add cache")
	require.NoError(t, err)
	require.NoError(t, f.store.CompleteBurst(ctx, "sess", gen, true, "merge the two cache tasks"))

	// A later burst in the same session settles without holding.
	later, err := f.svc.CreateGovernedTask(ctx, pairing.PairRequest{SessionID: "sess", Subject: "Add metrics"})
	require.NoError(t, err)
	gen, err = f.store.MarkTaskCreated(ctx, "sess", later.ImplTaskID, "Add metrics")
	require.NoError(t, err)
	require.NoError(t, f.store.CompleteBurst(ctx, "sess", gen, false, ""))

	_, err = f.svc.CompleteTaskReview(ctx, CompleteReviewRequest{
		ReviewTaskID: held.ReviewTaskID,
		Verdict:      governance.VerdictBlocked,
		Guidance:     "define an eviction policy",
	})
	require.NoError(t, err)

	err = f.svc.CheckExecutable(ctx, held.ImplTaskID, "")
	require.ErrorIs(t, err, governance.ErrBlockedPendingReview)
	var blocked *governance.BlockedError
	require.True(t, errors.As(err, &blocked))
	require.Len(t, blocked.Guidance, 2)
	assert.Contains(t, blocked.Guidance[0], "define an eviction policy")
	assert.Equal(t, "Holistic review: merge the two cache tasks", blocked.Guidance[1])

	err = f.svc.CheckExecutable(ctx, later.ImplTaskID, "sess")
	require.True(t, errors.As(err, &blocked))
	assert.Empty(t, blocked.Guidance, "the later burst was not rejected")

	status, err := f.svc.GetTaskReviewStatus(ctx, held.ImplTaskID)
	require.NoError(t, err)
	assert.Equal(t, "merge the two cache tasks", status.HolisticGuidance)
}

func TestCheckExecutable_UngovernedTaskSeesSessionGuidance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, governance.VerdictApproved)
	f.settler.guidance["sess"] = "merge the two cache tasks"

	blocker, err := f.rt.CreateTask(ctx, taskrt.Spec{Subject: "Prerequisite"})
	require.NoError(t, err)
	task, err := f.rt.CreateTask(ctx, taskrt.Spec{Subject: "Plain task"})
	require.NoError(t, err)
	_, err = f.rt.UpdateTask(ctx, task.ID, taskrt.Update{AddBlockedBy: []string{blocker.ID}})
	require.NoError(t, err)

	err = f.svc.CheckExecutable(ctx, task.ID, "sess")
	var blocked *governance.BlockedError
	require.True(t, errors.As(err, &blocked))
	assert.Equal(t, []string{"Holistic review: merge the two cache tasks"}, blocked.Guidance)

	g, err := f.svc.SessionGuidance(ctx, "sess")
	require.NoError(t, err)
	assert.Equal(t, "merge the two cache tasks", g)
}

func TestAddReviewBlocker_EnqueuesOnlyTheNewReview(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, governance.VerdictApproved)

	pair, err := f.svc.CreateGovernedTask(ctx, pairing.PairRequest{Subject: "Rotate keys"})
	require.NoError(t, err)
	reviewID, err := f.svc.AddReviewBlocker(ctx, pair.ImplTaskID, governance.ReviewSecurity, "touches key material")
	require.NoError(t, err)
	assert.Equal(t, []string{pair.ImplTaskID}, f.settler.enqueued)
	assert.Equal(t, []string{reviewID}, f.settler.reviews)

	status, err := f.svc.GetTaskReviewStatus(ctx, pair.ImplTaskID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{pair.ReviewTaskID, reviewID}, status.BlockedBy)
	assert.Len(t, status.Reviews, 2)
}

func TestGetDecision_IncludesReviews(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, governance.VerdictApproved)

	v, err := f.svc.SubmitDecision(ctx, decision("task-1", "planner"))
	require.NoError(t, err)

	detail, err := f.svc.GetDecision(ctx, v.DecisionID)
	require.NoError(t, err)
	assert.Equal(t, "task-1", detail.Decision.TaskID)
	require.Len(t, detail.Reviews, 1)
	assert.Equal(t, governance.VerdictApproved, detail.Reviews[0].Verdict)

	_, err = f.svc.GetDecision(ctx, "missing")
	assert.ErrorIs(t, err, governance.ErrNotFound)
}

func TestListGovernedTasksAndHolisticReviews(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, governance.VerdictApproved)

	pair, err := f.svc.CreateGovernedTask(ctx, pairing.PairRequest{SessionID: "sess", Subject: "Add cache"})
	require.NoError(t, err)
	_, err = f.svc.CreateGovernedTask(ctx, pairing.PairRequest{SessionID: "sess", Subject: "Add index"})
	require.NoError(t, err)
	_, err = f.svc.CompleteTaskReview(ctx, CompleteReviewRequest{ReviewTaskID: pair.ReviewTaskID, Verdict: governance.VerdictApproved})
	require.NoError(t, err)

	all, err := f.svc.ListGovernedTasks(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
	approved, err := f.svc.ListGovernedTasks(ctx, governance.GovernedApproved)
	require.NoError(t, err)
	require.Len(t, approved, 1)
	assert.Equal(t, pair.ImplTaskID, approved[0].ImplTaskID)
	_, err = f.svc.ListGovernedTasks(ctx, "running")
	assert.ErrorIs(t, err, governance.ErrValidation)

	verdict := governance.VerdictBlocked
	require.NoError(t, f.store.PutHolisticReview(ctx, &governance.HolisticReviewRecord{
		SessionID: "sess", TaskIDs: []string{pair.ImplTaskID}, Verdict: &verdict, Guidance: "merge them",
	}))
	recs, err := f.svc.ListHolisticReviews(ctx, "sess")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "merge them", recs[0].Guidance)

	recs, err = f.svc.ListHolisticReviews(ctx, "other")
	require.NoError(t, err)
	assert.NotNil(t, recs)
	assert.Empty(t, recs)
}

func TestCreateGovernedTask_SettleHandOffFailureStillCreatesPair(t *testing.T) {
	f := newFixture(t, governance.VerdictApproved)
	f.settler.err = errors.New("queue is full")

	pair, err := f.svc.CreateGovernedTask(context.Background(), pairing.PairRequest{Subject: "Add index"})
	require.NoError(t, err)
	task, err := f.rt.GetTask(context.Background(), pair.ImplTaskID)
	require.NoError(t, err)
	assert.Equal(t, []string{pair.ReviewTaskID}, task.BlockedBy)
}

func TestGetTaskReviewStatus_UngovernedTask(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, governance.VerdictApproved)
	task, err := f.rt.CreateTask(ctx, taskrt.Spec{Subject: "Plain task"})
	require.NoError(t, err)

	status, err := f.svc.GetTaskReviewStatus(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, status.Governed)
	assert.True(t, status.Executable)

	_, err = f.svc.GetTaskReviewStatus(ctx, "missing")
	assert.ErrorIs(t, err, governance.ErrNotFound)
}

func TestCompleteTaskReview_Validation(t *testing.T) {
	f := newFixture(t, governance.VerdictApproved)
	_, err := f.svc.CompleteTaskReview(context.Background(), CompleteReviewRequest{Verdict: governance.VerdictApproved})
	assert.ErrorIs(t, err, governance.ErrValidation)

	_, err = f.svc.CompleteTaskReview(context.Background(), CompleteReviewRequest{ReviewTaskID: "nope", Verdict: governance.VerdictApproved})
	assert.ErrorIs(t, err, governance.ErrNotFound)
}
