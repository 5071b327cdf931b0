package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/taskgate/internal/evaluator"
	"github.com/fyrsmithlabs/taskgate/internal/governance"
	"github.com/fyrsmithlabs/taskgate/internal/hooks"
	"github.com/fyrsmithlabs/taskgate/internal/pairing"
	"github.com/fyrsmithlabs/taskgate/internal/service"
	"github.com/fyrsmithlabs/taskgate/internal/store"
	"github.com/fyrsmithlabs/taskgate/internal/taskrt"
	"github.com/fyrsmithlabs/taskgate/internal/telemetry"
)

type approveAll struct{}

func (approveAll) Evaluate(ctx context.Context, req evaluator.Request) (*evaluator.Result, error) {
	return &evaluator.Result{Verdict: governance.VerdictApproved, Reviewer: "test", Outcome: evaluator.OutcomeOK}, nil
}

type queueSettler struct {
	mu    sync.Mutex
	queue []string
}

func (q *queueSettler) Enqueue(sessionID, implTaskID, subject string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queue = append(q.queue, implTaskID)
	return nil
}

func (q *queueSettler) EnqueueReview(reviewTaskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queue = append(q.queue, reviewTaskID)
	return nil
}

func (q *queueSettler) SessionGuidance(ctx context.Context, sessionID string) (string, error) {
	return "", nil
}

func (q *queueSettler) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

func setupTestServer(t *testing.T) *Server {
	t.Helper()
	s, _ := setupMeteredServer(t)
	return s
}

// setupMeteredServer returns a server whose metrics land in memory.
func setupMeteredServer(t *testing.T) (*Server, *telemetry.TestTelemetry) {
	t.Helper()
	logger := zaptest.NewLogger(t)

	st, err := store.Open(context.Background(), &store.Config{
		Path:        filepath.Join(t.TempDir(), "taskgate.db"),
		BusyTimeout: 5 * time.Second,
		MaxRetries:  5,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	settler := &queueSettler{}
	engine := pairing.New(taskrt.NewMemory(), st, logger)
	svc, err := service.New(st, engine, approveAll{}, settler, logger)
	require.NoError(t, err)

	hm := hooks.NewHookManager(logger)
	hooks.NewInterceptor(engine, settler, svc, logger).Register(hm)

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "taskgate_test_total", Help: "test"}))

	tel := telemetry.NewTestTelemetry()
	server, err := NewServer(svc, hm, nil, logger, &Config{
		Host:     "127.0.0.1",
		Port:     9191,
		Registry: reg,
		Meter:    tel.Meter(httpInstrumentationName),
	})
	require.NoError(t, err)
	return server, tel
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestNewServer(t *testing.T) {
	t.Run("requires service", func(t *testing.T) {
		_, err := NewServer(nil, hooks.NewHookManager(nil), nil, zap.NewNop(), nil)
		assert.Error(t, err)
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		s := setupTestServer(t)
		_, err := NewServer(s.svc, s.hooks, nil, nil, nil)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "logger is required")
	})

	t.Run("uses defaults when config is nil", func(t *testing.T) {
		s := setupTestServer(t)
		server, err := NewServer(s.svc, s.hooks, nil, zap.NewNop(), nil)
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1", server.config.Host)
		assert.Equal(t, 9191, server.config.Port)
	})
}

func TestHandleHealth(t *testing.T) {
	server := setupTestServer(t)
	rec := do(t, server, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[HealthResponse](t, rec).Status)
}

func TestMetricsEndpoint(t *testing.T) {
	server := setupTestServer(t)
	rec := do(t, server, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "taskgate_test_total")
}

func TestDecisionEndpoints(t *testing.T) {
	server := setupTestServer(t)

	rec := do(t, server, http.MethodPost, "/api/v1/decisions", map[string]any{
		"task_id":    "task-1",
		"agent":      "planner",
		"category":   "pattern_choice",
		"summary":    "Use an outbox for events",
		"confidence": "medium",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	v := decode[governance.ReviewVerdict](t, rec)
	assert.Equal(t, governance.VerdictApproved, v.Verdict)
	assert.NotEmpty(t, v.DecisionID)

	rec = do(t, server, http.MethodGet, "/api/v1/decisions?task_id=task-1&limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	hist := decode[HistoryResponse](t, rec)
	require.Equal(t, 1, hist.Count)
	assert.Equal(t, v.DecisionID, hist.Decisions[0].Decision.ID)

	rec = do(t, server, http.MethodGet, "/api/v1/decisions?limit=many", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, server, http.MethodGet, "/api/v1/decisions?verdict=perhaps", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitValidation(t *testing.T) {
	server := setupTestServer(t)

	tests := []struct {
		name string
		path string
		body any
	}{
		{"decision without agent", "/api/v1/decisions", map[string]any{"task_id": "t", "category": "api_design", "summary": "s", "confidence": "high"}},
		{"plan without summary", "/api/v1/plans", map[string]any{"task_id": "t", "agent": "a"}},
		{"completion without task", "/api/v1/completions", map[string]any{"agent": "a", "summary": "done"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, server, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/plans", strings.NewReader("invalid json"))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	server.echo.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGovernedTaskEndpoints(t *testing.T) {
	server := setupTestServer(t)

	rec := do(t, server, http.MethodPost, "/api/v1/tasks", CreateTaskRequest{SessionID: "sess", Subject: "Split the monolith"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	pair := decode[pairing.Pair](t, rec)

	rec = do(t, server, http.MethodGet, "/api/v1/tasks/"+pair.ImplTaskID+"/executable", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	exec := decode[ExecutableResponse](t, rec)
	assert.False(t, exec.Executable)
	assert.Equal(t, []string{pair.ReviewTaskID}, exec.BlockedBy)

	rec = do(t, server, http.MethodPost, "/api/v1/tasks/"+pair.ImplTaskID+"/blockers", AddBlockerRequest{ReviewType: governance.ReviewArchitecture})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	added := decode[AddBlockerResponse](t, rec)

	rec = do(t, server, http.MethodGet, "/api/v1/tasks/"+pair.ImplTaskID+"/review-status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[service.TaskReviewStatus](t, rec)
	assert.True(t, status.Governed)
	assert.Len(t, status.Reviews, 2)

	rec = do(t, server, http.MethodPost, "/api/v1/reviews/"+added.ReviewTaskID+"/complete", map[string]any{
		"verdict":  "blocked",
		"guidance": "Define the module boundaries first",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[service.CompleteReviewResult](t, rec)
	assert.False(t, res.Release.Released)

	rec = do(t, server, http.MethodPost, "/api/v1/reviews/"+added.ReviewTaskID+"/complete", map[string]any{"verdict": "approved"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, server, http.MethodGet, "/api/v1/tasks/"+pair.ImplTaskID+"/executable", nil)
	exec = decode[ExecutableResponse](t, rec)
	assert.False(t, exec.Executable)
	require.NotEmpty(t, exec.Guidance)
	assert.Contains(t, exec.Guidance[0], "Define the module boundaries first")

	rec = do(t, server, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var summary map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Contains(t, summary, "governed_tasks")
	assert.Contains(t, summary, "settle_jobs_pending")
}

func TestNotFoundMapping(t *testing.T) {
	server := setupTestServer(t)

	rec := do(t, server, http.MethodGet, "/api/v1/tasks/404/review-status", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, server, http.MethodPost, "/api/v1/reviews/404/complete", map[string]any{"verdict": "approved"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleHook(t *testing.T) {
	server := setupTestServer(t)

	rec := do(t, server, http.MethodPost, "/api/v1/hooks/task_created", hooks.Event{SessionID: "sess", Subject: "Add audit log"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[hooks.Result](t, rec)
	assert.Equal(t, hooks.DecisionHandled, res.Decision)
	require.NotNil(t, res.Pair)

	rec = do(t, server, http.MethodPost, "/api/v1/hooks/task_pre_execute", hooks.Event{TaskID: res.Pair.ImplTaskID})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, hooks.DecisionDeny, decode[hooks.Result](t, rec).Decision)

	rec = do(t, server, http.MethodPost, "/api/v1/hooks/task_pre_execute", hooks.Event{TaskID: res.Pair.ReviewTaskID})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, hooks.DecisionAllow, decode[hooks.Result](t, rec).Decision)

	rec = do(t, server, http.MethodPost, "/api/v1/hooks/not_a_hook", hooks.Event{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleClaudeHook(t *testing.T) {
	server := setupTestServer(t)

	post := func(payload string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/hooks/claude", strings.NewReader(payload))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()
		server.echo.ServeHTTP(rec, req)
		return rec
	}

	rec := post(`{"session_id":"s1","hook_event_name":"PreToolUse","tool_name":"TaskCreate","tool_input":{"subject":"Add audit log"}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode[hooks.ClaudeOutput](t, rec)
	require.NotNil(t, out.HookSpecificOutput)
	assert.Equal(t, "deny", out.HookSpecificOutput.PermissionDecision)
	assert.Contains(t, out.HookSpecificOutput.PermissionDecisionReason, "Created governed task")

	rec = post(`{"session_id":"s1","hook_event_name":"PreToolUse","tool_name":"Read","tool_input":{"file_path":"/tmp/x"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, decode[hooks.ClaudeOutput](t, rec).HookSpecificOutput)

	rec = post(`{"session_id":"s1","hook_event_name":"SessionStart"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	out = decode[hooks.ClaudeOutput](t, rec)
	require.NotNil(t, out.HookSpecificOutput)
	assert.Contains(t, out.HookSpecificOutput.AdditionalContext, "taskgate")

	rec = post(`{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDecisionDetailEndpoint(t *testing.T) {
	server := setupTestServer(t)

	rec := do(t, server, http.MethodPost, "/api/v1/decisions", map[string]any{
		"task_id":    "task-1",
		"agent":      "planner",
		"category":   "api_design",
		"summary":    "Version the hook routes",
		"confidence": "high",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	v := decode[governance.ReviewVerdict](t, rec)

	rec = do(t, server, http.MethodGet, "/api/v1/decisions/"+v.DecisionID, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	detail := decode[service.DecisionDetail](t, rec)
	assert.Equal(t, "Version the hook routes", detail.Decision.Summary)
	require.Len(t, detail.Reviews, 1)
	assert.Equal(t, governance.VerdictApproved, detail.Reviews[0].Verdict)

	rec = do(t, server, http.MethodGet, "/api/v1/decisions/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListEndpoints(t *testing.T) {
	server := setupTestServer(t)

	rec := do(t, server, http.MethodPost, "/api/v1/tasks", CreateTaskRequest{SessionID: "sess", Subject: "Add rate limiter"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	pair := decode[pairing.Pair](t, rec)

	rec = do(t, server, http.MethodGet, "/api/v1/tasks?status=pending_review", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	tasks := decode[GovernedTasksResponse](t, rec)
	require.Equal(t, 1, tasks.Count)
	assert.Equal(t, pair.ImplTaskID, tasks.Tasks[0].ImplTaskID)

	rec = do(t, server, http.MethodGet, "/api/v1/tasks?status=approved", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decode[GovernedTasksResponse](t, rec).Count)

	rec = do(t, server, http.MethodGet, "/api/v1/tasks?status=running", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, server, http.MethodGet, "/api/v1/holistic-reviews?session_id=sess", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	reviews := decode[HolisticReviewsResponse](t, rec)
	assert.Equal(t, 0, reviews.Count)
	assert.NotNil(t, reviews.Reviews)
}
