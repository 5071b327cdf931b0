package evaluator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/taskgate/internal/governance"
	"github.com/fyrsmithlabs/taskgate/internal/policy"
	"github.com/fyrsmithlabs/taskgate/internal/secrets"
)

// countingRunner counts invocations of the wrapped runner.
type countingRunner struct {
	Runner
	calls atomic.Int32
}

func (c *countingRunner) Run(ctx context.Context, stdin, stdout *os.File) error {
	c.calls.Add(1)
	return c.Runner.Run(ctx, stdin, stdout)
}

type staticPolicy struct{}

func (staticPolicy) VisionStandards(context.Context) ([]policy.Standard, error) {
	return []policy.Standard{{ID: "VS-1", Title: "Local first", Description: "No network calls on the hot path."}}, nil
}

func (staticPolicy) ArchitectureEntities(context.Context) ([]policy.Entity, error) {
	return []policy.Entity{{Name: "store", Kind: "package", Description: "SQLite persistence", Relations: []string{"pairing"}}}, nil
}

func (staticPolicy) Search(context.Context, string) ([]policy.Match, error) {
	return nil, nil
}

// script writes an executable shell script and returns a runner for it.
func script(t *testing.T, body string) *countingRunner {
	t.Helper()
	path := filepath.Join(t.TempDir(), "evaluator.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return &countingRunner{Runner: &ExecRunner{Command: path}}
}

func newGateway(t *testing.T, runner Runner, opts ...Option) *Gateway {
	t.Helper()
	cfg := DefaultConfig()
	cfg.RateLimit = 0
	return New(cfg, runner, staticPolicy{}, zaptest.NewLogger(t), opts...)
}

func planRequest() Request {
	return Request{Kind: KindPlan, Plan: &governance.Plan{TaskID: "7", Agent: "agent-1", Summary: "Add an LRU cache to the store"}}
}

func decisionRequest(category governance.Category) Request {
	return Request{Kind: KindDecision, Decision: &governance.Decision{
		TaskID: "7", Agent: "agent-1", Category: category, Summary: "Use a worker pool", Confidence: governance.ConfidenceHigh,
	}}
}

const approve = `cat > /dev/null
echo '{"verdict":"approved","guidance":"fine","standards_verified":["VS-1"]}'`

func TestGateway_Approved(t *testing.T) {
	runner := script(t, approve)
	g := newGateway(t, runner)

	res, err := g.Evaluate(context.Background(), decisionRequest(governance.CategoryPatternChoice))
	require.NoError(t, err)
	assert.Equal(t, governance.VerdictApproved, res.Verdict)
	assert.Equal(t, OutcomeOK, res.Outcome)
	assert.Equal(t, []string{"VS-1"}, res.StandardsVerified)
	assert.Equal(t, "fine", res.Guidance)
	assert.Equal(t, int32(1), runner.calls.Load())
}

func TestGateway_HumanRequiredCategoriesNeverInvoke(t *testing.T) {
	for _, category := range []governance.Category{governance.CategoryDeviation, governance.CategoryScopeChange} {
		t.Run(string(category), func(t *testing.T) {
			runner := script(t, approve)
			g := newGateway(t, runner)

			res, err := g.Evaluate(context.Background(), decisionRequest(category))
			require.NoError(t, err)
			assert.Equal(t, governance.VerdictNeedsHumanReview, res.Verdict)
			assert.Equal(t, OutcomeShortCircuit, res.Outcome)
			assert.Equal(t, int32(0), runner.calls.Load())
		})
	}
}

func TestGateway_FailuresNeverApprove(t *testing.T) {
	tests := []struct {
		name    string
		runner  Runner
		timeout time.Duration
		want    Outcome
	}{
		{name: "timeout", runner: script(t, "exec sleep 10"), timeout: 200 * time.Millisecond, want: OutcomeTimeout},
		{name: "missing process", runner: &ExecRunner{Command: filepath.Join(t.TempDir(), "does-not-exist")}, want: OutcomeUnavailable},
		{name: "non-zero exit", runner: script(t, `cat > /dev/null; echo '{"verdict":"approved"}'; exit 3`), want: OutcomeExitError},
		{name: "malformed output", runner: script(t, `cat > /dev/null; echo 'approved, ship it'`), want: OutcomeMalformed},
		{name: "empty output", runner: script(t, `cat > /dev/null`), want: OutcomeEmpty},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.RateLimit = 0
			if tt.timeout > 0 {
				cfg.Timeouts[KindPlan] = tt.timeout
			}
			g := New(cfg, tt.runner, staticPolicy{}, zaptest.NewLogger(t))

			res, err := g.Evaluate(context.Background(), planRequest())
			require.NoError(t, err)
			assert.Equal(t, governance.VerdictNeedsHumanReview, res.Verdict)
			assert.Equal(t, tt.want, res.Outcome)
			assert.True(t, res.Outcome.Failed())
			assert.ErrorIs(t, ErrorFor(res.Outcome), governance.ErrEvaluatorUnavailable)
		})
	}
}

func TestGateway_PayloadTravelsThroughStdinAndTempFilesAreRemoved(t *testing.T) {
	captured := filepath.Join(t.TempDir(), "captured.md")
	runner := script(t, "cat > "+captured+"\n"+`echo '{"verdict":"approved"}'`)
	tmp := t.TempDir()
	g := newGateway(t, runner, WithTempDir(tmp))

	res, err := g.Evaluate(context.Background(), planRequest())
	require.NoError(t, err)
	assert.Equal(t, governance.VerdictApproved, res.Verdict)

	payload, err := os.ReadFile(captured)
	require.NoError(t, err)
	assert.Contains(t, string(payload), "[VS-1] Local first")
	assert.Contains(t, string(payload), "store (package): SQLite persistence [relations: pairing]")
	assert.Contains(t, string(payload), "Add an LRU cache to the store")
	assert.Contains(t, string(payload), `"verdict"`)

	entries, err := os.ReadDir(tmp)
	require.NoError(t, err)
	assert.Empty(t, entries)

	// Failure paths clean up too.
	failing := newGateway(t, script(t, "exit 1"), WithTempDir(tmp))
	_, err = failing.Evaluate(context.Background(), planRequest())
	require.NoError(t, err)
	entries, err = os.ReadDir(tmp)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestGateway_OversizePayloadIsNeverInvoked(t *testing.T) {
	runner := script(t, approve)
	cfg := DefaultConfig()
	cfg.RateLimit = 0
	cfg.MaxPayloadBytes = 1024
	g := New(cfg, runner, staticPolicy{}, zaptest.NewLogger(t))

	req := planRequest()
	req.Plan.Summary = strings.Repeat("x", 4096)
	res, err := g.Evaluate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, governance.VerdictNeedsHumanReview, res.Verdict)
	assert.Equal(t, OutcomeOversize, res.Outcome)
	assert.Equal(t, int32(0), runner.calls.Load())
}

type replaceScrubber struct{ secret string }

func (r replaceScrubber) Scrub(content string) *secrets.Result {
	n := strings.Count(content, r.secret)
	return &secrets.Result{Scrubbed: strings.ReplaceAll(content, r.secret, "[REDACTED:test]"), TotalFindings: n}
}

func TestGateway_ScrubsPayload(t *testing.T) {
	captured := filepath.Join(t.TempDir(), "captured.md")
	runner := script(t, "cat > "+captured+"\n"+`echo '{"verdict":"approved"}'`)
	g := newGateway(t, runner, WithScrubber(replaceScrubber{secret: "hunter2"}))

	req := planRequest()
	req.Plan.Summary = "rotate password hunter2"
	_, err := g.Evaluate(context.Background(), req)
	require.NoError(t, err)

	payload, err := os.ReadFile(captured)
	require.NoError(t, err)
	assert.NotContains(t, string(payload), "hunter2")
	assert.Contains(t, string(payload), "[REDACTED:test]")
}

func TestGateway_RateLimitPastDeadline(t *testing.T) {
	runner := script(t, approve)
	cfg := DefaultConfig()
	cfg.RateLimit = 0.001
	cfg.Burst = 1
	cfg.Timeouts[KindPlan] = 2 * time.Second
	g := New(cfg, runner, staticPolicy{}, zaptest.NewLogger(t))

	first, err := g.Evaluate(context.Background(), planRequest())
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, first.Outcome)

	second, err := g.Evaluate(context.Background(), planRequest())
	require.NoError(t, err)
	assert.Equal(t, OutcomeRateLimited, second.Outcome)
	assert.Equal(t, governance.VerdictNeedsHumanReview, second.Verdict)
	assert.Equal(t, int32(1), runner.calls.Load())
}

type panicRunner struct{}

func (panicRunner) Run(context.Context, *os.File, *os.File) error {
	panic("boom")
}

func TestGateway_RunnerPanicIsContained(t *testing.T) {
	g := newGateway(t, panicRunner{})
	res, err := g.Evaluate(context.Background(), planRequest())
	require.NoError(t, err)
	assert.Equal(t, OutcomeInternal, res.Outcome)
	assert.Equal(t, governance.VerdictNeedsHumanReview, res.Verdict)
}

func TestGateway_CanceledContext(t *testing.T) {
	g := newGateway(t, script(t, "exec sleep 10"))
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	res, err := g.Evaluate(ctx, planRequest())
	require.NoError(t, err)
	assert.Equal(t, OutcomeCanceled, res.Outcome)
	assert.Equal(t, governance.VerdictNeedsHumanReview, res.Verdict)
}

func TestGateway_InvalidRequest(t *testing.T) {
	g := newGateway(t, nil)
	_, err := g.Evaluate(context.Background(), Request{Kind: KindDecision})
	assert.ErrorIs(t, err, governance.ErrValidation)

	_, err = g.Evaluate(context.Background(), Request{Kind: "audit"})
	assert.ErrorIs(t, err, governance.ErrValidation)

	res, err := g.Evaluate(context.Background(), planRequest())
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnavailable, res.Outcome)
}

func TestGateway_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	g := newGateway(t, script(t, approve), WithMetrics(m))

	_, err := g.Evaluate(context.Background(), planRequest())
	require.NoError(t, err)
	_, err = g.Evaluate(context.Background(), decisionRequest(governance.CategoryDeviation))
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Evaluations.WithLabelValues("plan", "ok", "approved")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Evaluations.WithLabelValues("decision", "short_circuit", "needs_human_review")))
}

func TestFromSettings(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 60*time.Second, cfg.Timeouts[KindDecision])
	assert.Equal(t, 120*time.Second, cfg.Timeouts[KindPlan])
	assert.Equal(t, 90*time.Second, cfg.Timeouts[KindCompletion])
	assert.Equal(t, DefaultMaxPayloadBytes, cfg.MaxPayloadBytes)
}

func TestClassify(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, OutcomeUnavailable, classify(ctx, ctx, errors.New("fork failed")))
}
