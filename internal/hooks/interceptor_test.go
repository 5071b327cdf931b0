package hooks

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

	"github.com/fyrsmithlabs/taskgate/internal/governance"
	"github.com/fyrsmithlabs/taskgate/internal/pairing"
	"github.com/fyrsmithlabs/taskgate/internal/store"
	"github.com/fyrsmithlabs/taskgate/internal/taskrt"
)

type recordingNotifier struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (n *recordingNotifier) Enqueue(sessionID, implTaskID, subject string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, sessionID+"/"+implTaskID)
	return n.err
}

// blockerGate blocks any task that still has blockers in the runtime.
type blockerGate struct {
	rt       taskrt.Runtime
	guidance map[string]string
	err      error
}

func (g blockerGate) SessionGuidance(ctx context.Context, sessionID string) (string, error) {
	return g.guidance[sessionID], g.err
}

func (g blockerGate) CheckExecutable(ctx context.Context, taskID, sessionID string) error {
	t, err := g.rt.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if len(t.BlockedBy) > 0 {
		return &governance.BlockedError{TaskID: taskID, BlockedBy: t.BlockedBy, Guidance: []string{"wait for review"}}
	}
	return nil
}

type interceptorFixture struct {
	hm       *HookManager
	ic       *Interceptor
	rt       *taskrt.Memory
	notifier *recordingNotifier
	gate     *blockerGate
}

func newInterceptorFixture(t *testing.T) *interceptorFixture {
	t.Helper()
	st, err := store.Open(context.Background(), &store.Config{
		Path:        filepath.Join(t.TempDir(), "taskgate.db"),
		BusyTimeout: 5 * time.Second,
		MaxRetries:  5,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	rt := taskrt.NewMemory()
	n := &recordingNotifier{}
	gate := &blockerGate{rt: rt, guidance: map[string]string{}}
	ic := NewInterceptor(pairing.New(rt, st, zaptest.NewLogger(t)), n, gate, zaptest.NewLogger(t))
	hm := NewHookManager(zaptest.NewLogger(t))
	ic.Register(hm)
	return &interceptorFixture{hm: hm, ic: ic, rt: rt, notifier: n, gate: gate}
}

func TestOnTaskCreated_CreatesBlockedPair(t *testing.T) {
	ctx := context.Background()
	f := newInterceptorFixture(t)

	res, err := f.hm.Execute(ctx, &Event{Type: HookTaskCreated, SessionID: "sess", Subject: "Add caching layer"})
	require.NoError(t, err)
	assert.Equal(t, DecisionHandled, res.Decision)
	require.NotNil(t, res.Pair)
	assert.Contains(t, res.Reason, "#"+res.Pair.ImplTaskID)
	assert.Equal(t, []string{"sess/" + res.Pair.ImplTaskID}, f.notifier.calls)

	impl, err := f.rt.GetTask(ctx, res.Pair.ImplTaskID)
	require.NoError(t, err)
	assert.Equal(t, []string{res.Pair.ReviewTaskID}, impl.BlockedBy)
	assert.Equal(t, "Add caching layer", impl.Subject)
}

func TestOnTaskCreated_ReviewTasksPassThrough(t *testing.T) {
	f := newInterceptorFixture(t)

	for _, ev := range []*Event{
		{Type: HookTaskCreated, Subject: "Check it", Kind: governance.KindReview},
		{Type: HookTaskCreated, Subject: "Check it", Metadata: map[string]any{governance.MetadataKindKey: "review"}},
	} {
		res, err := f.hm.Execute(context.Background(), ev)
		require.NoError(t, err)
		assert.Equal(t, DecisionAllow, res.Decision)
	}
	assert.Empty(t, f.notifier.calls)
	pending, err := f.rt.ListPendingUnblocked(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending, "no tasks were created")
}

func TestOnTaskCreated_InvalidRequestIsDenied(t *testing.T) {
	f := newInterceptorFixture(t)
	res, err := f.hm.Execute(context.Background(), &Event{Type: HookTaskCreated, Subject: "  "})
	require.NoError(t, err)
	assert.Equal(t, DecisionDeny, res.Decision)
	assert.Contains(t, res.Reason, "subject")
}

func TestOnTaskCreated_HandOffFailureDoesNotFail(t *testing.T) {
	f := newInterceptorFixture(t)
	f.notifier.err = errors.New("queue is full")

	res, err := f.ic.OnTaskCreated(context.Background(), &Event{Type: HookTaskCreated, Subject: "Add index"})
	require.NoError(t, err)
	assert.Equal(t, DecisionHandled, res.Decision)
}

func TestOnPreExecute_BlocksUntilReviewed(t *testing.T) {
	ctx := context.Background()
	f := newInterceptorFixture(t)

	res, err := f.hm.Execute(ctx, &Event{Type: HookTaskCreated, SessionID: "sess", Subject: "Migrate schema"})
	require.NoError(t, err)
	pair := res.Pair

	err = f.ic.OnPreExecute(ctx, &Event{Type: HookTaskPreExecute, TaskID: pair.ImplTaskID})
	assert.ErrorIs(t, err, governance.ErrBlockedPendingReview)

	res, err = f.hm.Execute(ctx, &Event{Type: HookTaskPreExecute, TaskID: pair.ImplTaskID})
	require.NoError(t, err)
	assert.Equal(t, DecisionDeny, res.Decision)
	assert.Contains(t, res.Reason, "blocked pending review")
	assert.Contains(t, res.Reason, "wait for review")

	_, err = f.rt.UpdateTask(ctx, pair.ImplTaskID, taskrt.Update{RemoveBlockedBy: []string{pair.ReviewTaskID}})
	require.NoError(t, err)
	res, err = f.hm.Execute(ctx, &Event{Type: HookTaskPreExecute, TaskID: pair.ImplTaskID})
	require.NoError(t, err)
	assert.Equal(t, DecisionAllow, res.Decision)
}

func TestOnPreExecute_UnknownTaskAndMissingID(t *testing.T) {
	f := newInterceptorFixture(t)
	assert.NoError(t, f.ic.OnPreExecute(context.Background(), &Event{TaskID: "404"}))
	assert.ErrorIs(t, f.ic.OnPreExecute(context.Background(), &Event{}), governance.ErrValidation)
}

func TestSessionStart_InjectsBriefing(t *testing.T) {
	f := newInterceptorFixture(t)
	res, err := f.hm.Execute(context.Background(), &Event{Type: HookSessionStart, SessionID: "sess"})
	require.NoError(t, err)
	assert.Equal(t, DecisionAllow, res.Decision)
	assert.Contains(t, res.AdditionalContext, "governed by taskgate")
}

func TestSessionStart_IncludesHeldGuidance(t *testing.T) {
	f := newInterceptorFixture(t)
	f.gate.guidance["resumed"] = "merge the two cache tasks"

	res, err := f.hm.Execute(context.Background(), &Event{Type: HookSessionStart, SessionID: "resumed"})
	require.NoError(t, err)
	assert.Contains(t, res.AdditionalContext, "governed by taskgate")
	assert.Contains(t, res.AdditionalContext, "merge the two cache tasks")

	res, err = f.hm.Execute(context.Background(), &Event{Type: HookSessionStart, SessionID: "fresh"})
	require.NoError(t, err)
	assert.NotContains(t, res.AdditionalContext, "holistic review rejected")
}

func TestSessionStart_GuidanceErrorStillBriefs(t *testing.T) {
	f := newInterceptorFixture(t)
	f.gate.err = errors.New("store closed")

	res, err := f.hm.Execute(context.Background(), &Event{Type: HookSessionStart, SessionID: "sess"})
	require.NoError(t, err)
	assert.Equal(t, DecisionAllow, res.Decision)
	assert.Equal(t, sessionBriefing, res.AdditionalContext)
}
