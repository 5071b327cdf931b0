package settle

import (
	"context"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/taskgate/internal/evaluator"
	"github.com/fyrsmithlabs/taskgate/internal/governance"
	"github.com/fyrsmithlabs/taskgate/internal/pairing"
	"github.com/fyrsmithlabs/taskgate/internal/service"
	"github.com/fyrsmithlabs/taskgate/internal/store"
	"github.com/fyrsmithlabs/taskgate/internal/taskrt"
)

// fakeEvaluator returns fixed verdicts per kind and counts calls.
type fakeEvaluator struct {
	mu       sync.Mutex
	verdicts map[evaluator.Kind]governance.Verdict
	calls    map[evaluator.Kind]int
}

func newFakeEvaluator(holistic, plan governance.Verdict) *fakeEvaluator {
	return &fakeEvaluator{
		verdicts: map[evaluator.Kind]governance.Verdict{evaluator.KindHolistic: holistic, evaluator.KindPlan: plan},
		calls:    map[evaluator.Kind]int{},
	}
}

func (f *fakeEvaluator) Evaluate(ctx context.Context, req evaluator.Request) (*evaluator.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[req.Kind]++
	v := f.verdicts[req.Kind]
	guidance := ""
	if v != governance.VerdictApproved {
		guidance = "split the work differently"
	}
	return &evaluator.Result{Verdict: v, Guidance: guidance, Reviewer: "fake", Outcome: evaluator.OutcomeOK}, nil
}

func (f *fakeEvaluator) set(k evaluator.Kind, v governance.Verdict) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verdicts[k] = v
}

func (f *fakeEvaluator) Calls(k evaluator.Kind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[k]
}

type harness struct {
	coord  *Coordinator
	engine *pairing.Engine
	rt     *taskrt.Memory
	store  *store.Store
	eval   *fakeEvaluator
}

func newHarness(t *testing.T, eval *fakeEvaluator, mutate func(*Config)) *harness {
	t.Helper()
	st, err := store.Open(context.Background(), &store.Config{
		Path:        filepath.Join(t.TempDir(), "taskgate.db"),
		BusyTimeout: 5 * time.Second,
		MaxRetries:  5,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	rt := taskrt.NewMemory()
	engine := pairing.New(rt, st, zaptest.NewLogger(t))
	cfg := DefaultConfig()
	cfg.QuietWindow = 300 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	coord := New(cfg, st, eval, engine, zaptest.NewLogger(t))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = coord.Stop(ctx)
	})
	return &harness{coord: coord, engine: engine, rt: rt, store: st, eval: eval}
}

func (h *harness) createPairs(t *testing.T, session string, n int) []*pairing.Pair {
	t.Helper()
	ctx := context.Background()
	var pairs []*pairing.Pair
	for i := 0; i < n; i++ {
		p, err := h.engine.CreatePair(ctx, pairing.PairRequest{SessionID: session, Subject: "Task " + strconv.Itoa(i)})
		require.NoError(t, err)
		pairs = append(pairs, p)
	}
	// Notify back to back so the whole burst lands inside one quiet window.
	for i, p := range pairs {
		require.NoError(t, h.coord.Notify(ctx, session, p.ImplTaskID, "Task "+strconv.Itoa(i)))
	}
	return pairs
}

func (h *harness) holisticCount(t *testing.T, session string) int {
	recs, err := h.store.ListHolisticReviews(context.Background(), session)
	require.NoError(t, err)
	return len(recs)
}

func (h *harness) unblocked(t *testing.T, implID string) bool {
	task, err := h.rt.GetTask(context.Background(), implID)
	require.NoError(t, err)
	return len(task.BlockedBy) == 0
}

func TestBurstAboveThreshold_ExactlyOneHolisticReview(t *testing.T) {
	h := newHarness(t, newFakeEvaluator(governance.VerdictApproved, governance.VerdictApproved), nil)
	pairs := h.createPairs(t, "sess", 3)

	require.Eventually(t, func() bool {
		for _, p := range pairs {
			if !h.unblocked(t, p.ImplTaskID) {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, 1, h.holisticCount(t, "sess"))
	assert.Equal(t, 1, h.eval.Calls(evaluator.KindHolistic))
	assert.Equal(t, 3, h.eval.Calls(evaluator.KindPlan))

	recs, err := h.store.ListHolisticReviews(context.Background(), "sess")
	require.NoError(t, err)
	assert.Len(t, recs[0].TaskIDs, 3)
	assert.Contains(t, recs[0].CollectiveIntent, "3 tasks created together")

	m, _, err := h.store.GetSessionMarker(context.Background(), "sess", 0)
	require.NoError(t, err)
	assert.False(t, m.Pending)
}

func TestBurstBelowThreshold_SkipsHolisticReview(t *testing.T) {
	h := newHarness(t, newFakeEvaluator(governance.VerdictApproved, governance.VerdictApproved), nil)
	pairs := h.createPairs(t, "solo", 1)

	require.Eventually(t, func() bool { return h.unblocked(t, pairs[0].ImplTaskID) }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 0, h.holisticCount(t, "solo"))
	assert.Equal(t, 0, h.eval.Calls(evaluator.KindHolistic))

	rec, err := h.store.GetTaskReviewByReviewTask(context.Background(), pairs[0].ReviewTaskID)
	require.NoError(t, err)
	assert.Equal(t, governance.ReviewApproved, rec.Status)
}

func TestHolisticRejection_HoldsSessionWithGuidance(t *testing.T) {
	h := newHarness(t, newFakeEvaluator(governance.VerdictBlocked, governance.VerdictApproved), nil)
	pairs := h.createPairs(t, "sess", 2)

	require.Eventually(t, func() bool { return h.holisticCount(t, "sess") == 1 }, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		g, err := h.coord.SessionGuidance(context.Background(), "sess")
		return err == nil && g == "split the work differently"
	}, 5*time.Second, 20*time.Millisecond)

	for _, p := range pairs {
		assert.False(t, h.unblocked(t, p.ImplTaskID))
	}
	assert.Equal(t, 0, h.eval.Calls(evaluator.KindPlan))
}

func TestIndividualRejection_KeepsTaskBlocked(t *testing.T) {
	h := newHarness(t, newFakeEvaluator(governance.VerdictApproved, governance.VerdictNeedsHumanReview), nil)
	pairs := h.createPairs(t, "sess", 1)

	require.Eventually(t, func() bool {
		task, err := h.rt.GetTask(context.Background(), pairs[0].ImplTaskID)
		return err == nil && strings.Contains(task.Description, "split the work differently")
	}, 5*time.Second, 20*time.Millisecond)

	task, err := h.rt.GetTask(context.Background(), pairs[0].ImplTaskID)
	require.NoError(t, err)
	assert.Equal(t, []string{pairs[0].ReviewTaskID}, task.BlockedBy)
	rec, err := h.store.GetTaskReviewByReviewTask(context.Background(), pairs[0].ReviewTaskID)
	require.NoError(t, err)
	assert.Equal(t, governance.ReviewNeedsHumanReview, rec.Status)
}

func TestNeedsHumanReview_HumanApprovalReleasesTask(t *testing.T) {
	h := newHarness(t, newFakeEvaluator(governance.VerdictApproved, governance.VerdictNeedsHumanReview), nil)
	svc, err := service.New(h.store, h.engine, h.eval, h.coord, zaptest.NewLogger(t))
	require.NoError(t, err)
	pairs := h.createPairs(t, "sess", 1)

	// The governed task turns blocked once the escalation has been applied.
	require.Eventually(t, func() bool {
		g, err := h.store.GetGovernedTaskByImpl(context.Background(), pairs[0].ImplTaskID)
		return err == nil && g.Status == governance.GovernedBlocked
	}, 5*time.Second, 20*time.Millisecond)
	rec, err := h.store.GetTaskReviewByReviewTask(context.Background(), pairs[0].ReviewTaskID)
	require.NoError(t, err)
	assert.Equal(t, governance.ReviewNeedsHumanReview, rec.Status)
	assert.False(t, h.unblocked(t, pairs[0].ImplTaskID))

	res, err := svc.CompleteTaskReview(context.Background(), service.CompleteReviewRequest{
		ReviewTaskID: pairs[0].ReviewTaskID,
		Verdict:      governance.VerdictApproved,
		Guidance:     "reviewed by a human",
	})
	require.NoError(t, err)
	assert.Equal(t, governance.ReviewApproved, res.Review.Status)
	assert.True(t, h.unblocked(t, pairs[0].ImplTaskID))

	g, err := h.store.GetGovernedTaskByImpl(context.Background(), pairs[0].ImplTaskID)
	require.NoError(t, err)
	assert.Equal(t, governance.GovernedApproved, g.Status)
}

func TestStandaloneReview_LeavesHeldBurstReviewAlone(t *testing.T) {
	h := newHarness(t, newFakeEvaluator(governance.VerdictBlocked, governance.VerdictApproved), nil)
	ctx := context.Background()
	pairs := h.createPairs(t, "s1", 2)

	require.Eventually(t, func() bool {
		g, err := h.coord.SessionGuidance(ctx, "s1")
		return err == nil && g != ""
	}, 5*time.Second, 20*time.Millisecond)

	extra, err := h.engine.AddBlocker(ctx, pairs[0].ImplTaskID, governance.ReviewSecurity, "check token handling")
	require.NoError(t, err)
	require.NoError(t, h.coord.EnqueueReview(extra))

	require.Eventually(t, func() bool {
		task, err := h.rt.GetTask(ctx, pairs[0].ImplTaskID)
		return err == nil && !slices.Contains(task.BlockedBy, extra)
	}, 5*time.Second, 20*time.Millisecond)
	rec, err := h.store.GetTaskReviewByReviewTask(ctx, extra)
	require.NoError(t, err)
	assert.Equal(t, governance.ReviewApproved, rec.Status)

	orig, err := h.store.GetTaskReviewByReviewTask(ctx, pairs[0].ReviewTaskID)
	require.NoError(t, err)
	assert.Equal(t, governance.ReviewPending, orig.Status)

	task, err := h.rt.GetTask(ctx, pairs[0].ImplTaskID)
	require.NoError(t, err)
	assert.Equal(t, []string{pairs[0].ReviewTaskID}, task.BlockedBy)
	assert.Equal(t, 1, h.eval.Calls(evaluator.KindPlan))
}

func TestApprovedBurst_KeepsEarlierRejectedGuidance(t *testing.T) {
	h := newHarness(t, newFakeEvaluator(governance.VerdictBlocked, governance.VerdictApproved), nil)
	ctx := context.Background()

	held := h.createPairs(t, "sess", 2)
	require.Eventually(t, func() bool { return h.holisticCount(t, "sess") == 1 }, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		g, err := h.coord.SessionGuidance(ctx, "sess")
		return err == nil && g == "split the work differently"
	}, 5*time.Second, 20*time.Millisecond)

	h.eval.set(evaluator.KindHolistic, governance.VerdictApproved)
	released := h.createPairs(t, "sess", 2)
	require.Eventually(t, func() bool {
		return h.unblocked(t, released[0].ImplTaskID) && h.unblocked(t, released[1].ImplTaskID)
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 2, h.holisticCount(t, "sess"))

	g, err := h.coord.SessionGuidance(ctx, "sess")
	require.NoError(t, err)
	assert.Equal(t, "split the work differently", g)
	for _, p := range held {
		assert.False(t, h.unblocked(t, p.ImplTaskID))
		rec, err := h.store.GetGovernedTaskByImpl(ctx, p.ImplTaskID)
		require.NoError(t, err)
		assert.Equal(t, "split the work differently", rec.HolisticGuidance)
	}
	rec, err := h.store.GetGovernedTaskByImpl(ctx, released[0].ImplTaskID)
	require.NoError(t, err)
	assert.Empty(t, rec.HolisticGuidance)
}

func TestAutoReviewDisabled_MovesReviewsInProgress(t *testing.T) {
	h := newHarness(t, newFakeEvaluator(governance.VerdictApproved, governance.VerdictApproved), func(c *Config) {
		c.AutoReview = false
	})
	pairs := h.createPairs(t, "sess", 1)

	require.Eventually(t, func() bool {
		rec, err := h.store.GetTaskReviewByReviewTask(context.Background(), pairs[0].ReviewTaskID)
		return err == nil && rec.Status == governance.ReviewInProgress
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 0, h.eval.Calls(evaluator.KindPlan))
	assert.False(t, h.unblocked(t, pairs[0].ImplTaskID))
}

func TestConcurrentCreators_SingleHolisticReview(t *testing.T) {
	h := newHarness(t, newFakeEvaluator(governance.VerdictApproved, governance.VerdictApproved), func(c *Config) {
		c.Workers = 4
		c.QuietWindow = 500 * time.Millisecond
	})
	ctx := context.Background()

	var pairs []*pairing.Pair
	for i := 0; i < 8; i++ {
		p, err := h.engine.CreatePair(ctx, pairing.PairRequest{SessionID: "shared", Subject: "Parallel " + strconv.Itoa(i)})
		require.NoError(t, err)
		pairs = append(pairs, p)
	}

	var wg sync.WaitGroup
	var notified atomic.Int32
	for i, p := range pairs {
		wg.Add(1)
		go func(i int, p *pairing.Pair) {
			defer wg.Done()
			if assert.NoError(t, h.coord.Notify(ctx, "shared", p.ImplTaskID, "Parallel "+strconv.Itoa(i))) {
				notified.Add(1)
			}
		}(i, p)
	}
	wg.Wait()
	require.Equal(t, int32(8), notified.Load())

	require.Eventually(t, func() bool { return h.eval.Calls(evaluator.KindPlan) == 8 }, 10*time.Second, 20*time.Millisecond)
	assert.Equal(t, 1, h.holisticCount(t, "shared"))
	assert.Equal(t, 1, h.eval.Calls(evaluator.KindHolistic))
}

func TestSeparateBursts_EachReviewed(t *testing.T) {
	h := newHarness(t, newFakeEvaluator(governance.VerdictApproved, governance.VerdictApproved), nil)

	h.createPairs(t, "sess", 2)
	require.Eventually(t, func() bool { return h.holisticCount(t, "sess") == 1 }, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool { return h.eval.Calls(evaluator.KindPlan) == 2 }, 5*time.Second, 20*time.Millisecond)

	h.createPairs(t, "sess", 2)
	require.Eventually(t, func() bool { return h.holisticCount(t, "sess") == 2 }, 5*time.Second, 20*time.Millisecond)

	recs, err := h.store.ListHolisticReviews(context.Background(), "sess")
	require.NoError(t, err)
	for _, r := range recs {
		assert.Len(t, r.TaskIDs, 2)
	}
}

func TestNotify_NoSessionReviewsImmediately(t *testing.T) {
	h := newHarness(t, newFakeEvaluator(governance.VerdictApproved, governance.VerdictApproved), nil)
	p, err := h.engine.CreatePair(context.Background(), pairing.PairRequest{Subject: "Loose task"})
	require.NoError(t, err)
	require.NoError(t, h.coord.Notify(context.Background(), "", p.ImplTaskID, "Loose task"))

	require.Eventually(t, func() bool { return h.unblocked(t, p.ImplTaskID) }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 0, h.eval.Calls(evaluator.KindHolistic))
}

func TestRecover_ReschedulesUnclaimedSessions(t *testing.T) {
	eval := newFakeEvaluator(governance.VerdictApproved, governance.VerdictApproved)
	h := newHarness(t, eval, nil)
	ctx := context.Background()

	// Simulate tasks recorded by a process that died before its checks ran.
	for i := 0; i < 2; i++ {
		p, err := h.engine.CreatePair(ctx, pairing.PairRequest{SessionID: "crashed", Subject: "Orphan " + strconv.Itoa(i)})
		require.NoError(t, err)
		_, err = h.store.MarkTaskCreated(ctx, "crashed", p.ImplTaskID, "Orphan "+strconv.Itoa(i))
		require.NoError(t, err)
	}

	n, err := h.coord.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Eventually(t, func() bool { return h.holisticCount(t, "crashed") == 1 }, 5*time.Second, 20*time.Millisecond)
}

func TestSessionGuidance_UnknownSession(t *testing.T) {
	h := newHarness(t, newFakeEvaluator(governance.VerdictApproved, governance.VerdictApproved), nil)
	g, err := h.coord.SessionGuidance(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Empty(t, g)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.check("claimed")
	m.holistic("approved")
	m.burst(3)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Checks.WithLabelValues("claimed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HolisticReviews.WithLabelValues("approved")))

	var nilMetrics *Metrics
	assert.NotPanics(t, func() { nilMetrics.check("claimed") })
}

func TestFromSettingsDefaults(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 3*time.Second, cfg.QuietWindow)
	assert.Equal(t, 2, cfg.MinTasks)
	assert.Equal(t, 5*time.Minute, cfg.StaleAfter)
	assert.True(t, cfg.AutoReview)
}

func TestEnqueue_NotifiesOnPool(t *testing.T) {
	h := newHarness(t, newFakeEvaluator(governance.VerdictApproved, governance.VerdictApproved), nil)
	p, err := h.engine.CreatePair(context.Background(), pairing.PairRequest{SessionID: "queued", Subject: "Queued task"})
	require.NoError(t, err)
	require.NoError(t, h.coord.Enqueue("queued", p.ImplTaskID, "Queued task"))

	require.Eventually(t, func() bool { return h.unblocked(t, p.ImplTaskID) }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 0, h.holisticCount(t, "queued"))
}
