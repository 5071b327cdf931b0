// Package http provides the HTTP API for taskgate.
package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskgate/internal/governance"
	"github.com/fyrsmithlabs/taskgate/internal/hooks"
	"github.com/fyrsmithlabs/taskgate/internal/pairing"
	"github.com/fyrsmithlabs/taskgate/internal/secrets"
	"github.com/fyrsmithlabs/taskgate/internal/service"
	"github.com/fyrsmithlabs/taskgate/internal/store"
)

// maxHookBody bounds hook payloads read from the host.
const maxHookBody = 1 << 20

// Server provides HTTP endpoints for taskgate.
type Server struct {
	echo     *echo.Echo
	svc      *service.Service
	hooks    *hooks.HookManager
	scrubber secrets.Scrubber
	metrics  *HTTPMetrics
	logger   *zap.Logger
	config   *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int

	// Registry is served at /metrics when set.
	Registry *prometheus.Registry

	// MCP is mounted at /mcp when set.
	MCP http.Handler

	// Meter records request and gate metrics. Nil uses the global provider.
	Meter metric.Meter
}

// NewServer creates a new HTTP server.
func NewServer(svc *service.Service, hm *hooks.HookManager, scrubber secrets.Scrubber, logger *zap.Logger, cfg *Config) (*Server, error) {
	if svc == nil {
		return nil, fmt.Errorf("governance service cannot be nil")
	}
	if hm == nil {
		return nil, fmt.Errorf("hook manager cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if scrubber == nil {
		scrubber = secrets.Nop{}
	}
	if cfg == nil {
		cfg = &Config{
			Host: "127.0.0.1",
			Port: 9191,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	metrics := NewHTTPMetrics(cfg.Meter, logger)
	e.Use(metrics.MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:     e,
		svc:      svc,
		hooks:    hm,
		scrubber: scrubber,
		metrics:  metrics,
		logger:   logger,
		config:   cfg,
	}

	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	if s.config.Registry != nil {
		s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.config.Registry, promhttp.HandlerOpts{})))
	}
	if s.config.MCP != nil {
		s.echo.Any("/mcp", echo.WrapHandler(s.config.MCP))
	}

	v1 := s.echo.Group("/api/v1")
	v1.POST("/decisions", s.handleSubmitDecision)
	v1.GET("/decisions", s.handleDecisionHistory)
	v1.GET("/decisions/:id", s.handleGetDecision)
	v1.POST("/plans", s.handleSubmitPlan)
	v1.POST("/completions", s.handleSubmitCompletion)

	v1.POST("/tasks", s.handleCreateGovernedTask)
	v1.GET("/tasks", s.handleListGovernedTasks)
	v1.POST("/tasks/:id/blockers", s.handleAddReviewBlocker)
	v1.GET("/tasks/:id/review-status", s.handleTaskReviewStatus)
	v1.GET("/tasks/:id/executable", s.handleCheckExecutable)
	v1.POST("/reviews/:review_task_id/complete", s.handleCompleteTaskReview)
	v1.GET("/holistic-reviews", s.handleListHolisticReviews)

	v1.GET("/status", s.handleStatus)

	v1.POST("/hooks/claude", s.handleClaudeHook)
	v1.POST("/hooks/:event", s.handleHook)
}

// httpError maps governance errors onto HTTP status codes.
func (s *Server) httpError(err error) *echo.HTTPError {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, governance.ErrValidation), errors.Is(err, governance.ErrReviewTaskNotGoverned):
		code = http.StatusBadRequest
	case errors.Is(err, governance.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, governance.ErrAlreadyCompleted), errors.Is(err, governance.ErrBlockedPendingReview):
		code = http.StatusConflict
	case errors.Is(err, governance.ErrLockContention):
		code = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = http.StatusGatewayTimeout
	}
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	return echo.NewHTTPError(code, s.scrubber.Scrub(err.Error()).Scrubbed)
}

func (s *Server) bind(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		s.logger.Warn("invalid request body", zap.String("path", c.Path()), zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return nil
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleSubmitDecision(c echo.Context) error {
	var d governance.Decision
	if err := s.bind(c, &d); err != nil {
		return err
	}
	v, err := s.svc.SubmitDecision(c.Request().Context(), &d)
	if err != nil {
		return s.httpError(err)
	}
	return c.JSON(http.StatusCreated, v)
}

func (s *Server) handleSubmitPlan(c echo.Context) error {
	var p governance.Plan
	if err := s.bind(c, &p); err != nil {
		return err
	}
	v, err := s.svc.SubmitPlan(c.Request().Context(), &p)
	if err != nil {
		return s.httpError(err)
	}
	return c.JSON(http.StatusCreated, v)
}

func (s *Server) handleSubmitCompletion(c echo.Context) error {
	var r governance.CompletionReport
	if err := s.bind(c, &r); err != nil {
		return err
	}
	v, err := s.svc.SubmitCompletion(c.Request().Context(), &r)
	if err != nil {
		return s.httpError(err)
	}
	return c.JSON(http.StatusCreated, v)
}

func (s *Server) handleDecisionHistory(c echo.Context) error {
	f := store.HistoryFilter{
		TaskID:  c.QueryParam("task_id"),
		Agent:   c.QueryParam("agent"),
		Verdict: governance.Verdict(c.QueryParam("verdict")),
	}
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
		}
		f.Limit = n
	}
	entries, err := s.svc.DecisionHistory(c.Request().Context(), f)
	if err != nil {
		return s.httpError(err)
	}
	return c.JSON(http.StatusOK, HistoryResponse{Decisions: entries, Count: len(entries)})
}

func (s *Server) handleCreateGovernedTask(c echo.Context) error {
	var req CreateTaskRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}
	pair, err := s.svc.CreateGovernedTask(c.Request().Context(), pairing.PairRequest{
		SessionID:   req.SessionID,
		Subject:     req.Subject,
		Description: req.Description,
		Context:     req.Context,
		ReviewType:  req.ReviewType,
		Owner:       req.Owner,
		Kind:        governance.KindImplementation,
		Metadata:    req.Metadata,
	})
	if err != nil {
		return s.httpError(err)
	}
	return c.JSON(http.StatusCreated, pair)
}

func (s *Server) handleAddReviewBlocker(c echo.Context) error {
	var req AddBlockerRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}
	implID := c.Param("id")
	id, err := s.svc.AddReviewBlocker(c.Request().Context(), implID, req.ReviewType, req.Context)
	if err != nil {
		return s.httpError(err)
	}
	return c.JSON(http.StatusCreated, AddBlockerResponse{ImplTaskID: implID, ReviewTaskID: id})
}

func (s *Server) handleCompleteTaskReview(c echo.Context) error {
	var req service.CompleteReviewRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}
	req.ReviewTaskID = c.Param("review_task_id")
	res, err := s.svc.CompleteTaskReview(c.Request().Context(), req)
	if err != nil {
		return s.httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleTaskReviewStatus(c echo.Context) error {
	st, err := s.svc.GetTaskReviewStatus(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.httpError(err)
	}
	st.HolisticGuidance = s.scrubber.Scrub(st.HolisticGuidance).Scrubbed
	return c.JSON(http.StatusOK, st)
}

func (s *Server) handleCheckExecutable(c echo.Context) error {
	taskID := c.Param("id")
	resp := ExecutableResponse{TaskID: taskID, Executable: true, BlockedBy: []string{}, Guidance: []string{}}
	err := s.svc.CheckExecutable(c.Request().Context(), taskID, c.QueryParam("session_id"))
	var blocked *governance.BlockedError
	switch {
	case err == nil:
	case errors.As(err, &blocked):
		resp.Executable = false
		resp.BlockedBy = blocked.BlockedBy
		for _, g := range blocked.Guidance {
			resp.Guidance = append(resp.Guidance, s.scrubber.Scrub(g).Scrubbed)
		}
	default:
		return s.httpError(err)
	}
	s.metrics.RecordGateDecision(c.Request().Context(), SurfaceExecutable, resp.Executable)
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGetDecision(c echo.Context) error {
	d, err := s.svc.GetDecision(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.httpError(err)
	}
	return c.JSON(http.StatusOK, d)
}

func (s *Server) handleListGovernedTasks(c echo.Context) error {
	tasks, err := s.svc.ListGovernedTasks(c.Request().Context(), governance.GovernedStatus(c.QueryParam("status")))
	if err != nil {
		return s.httpError(err)
	}
	return c.JSON(http.StatusOK, GovernedTasksResponse{Tasks: tasks, Count: len(tasks)})
}

func (s *Server) handleListHolisticReviews(c echo.Context) error {
	recs, err := s.svc.ListHolisticReviews(c.Request().Context(), c.QueryParam("session_id"))
	if err != nil {
		return s.httpError(err)
	}
	for i := range recs {
		recs[i].Guidance = s.scrubber.Scrub(recs[i].Guidance).Scrubbed
	}
	return c.JSON(http.StatusOK, HolisticReviewsResponse{Reviews: recs, Count: len(recs)})
}

func (s *Server) handleStatus(c echo.Context) error {
	st, err := s.svc.GetGovernanceStatus(c.Request().Context())
	if err != nil {
		return s.httpError(err)
	}
	return c.JSON(http.StatusOK, st)
}

// handleHook runs a host-neutral hook event through the hook manager.
func (s *Server) handleHook(c echo.Context) error {
	hookType, err := hooks.ParseHookType(c.Param("event"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	var ev hooks.Event
	if err := s.bind(c, &ev); err != nil {
		return err
	}
	ev.Type = hookType
	res, err := s.hooks.Execute(c.Request().Context(), &ev)
	if err != nil {
		return s.httpError(err)
	}
	s.recordHookGate(c.Request().Context(), &ev, res)
	res.Reason = s.scrubber.Scrub(res.Reason).Scrubbed
	return c.JSON(http.StatusOK, res)
}

// handleClaudeHook accepts Claude Code hook payloads and answers in the
// shape Claude Code expects. Events taskgate does not govern are answered
// with an empty output.
func (s *Server) handleClaudeHook(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxHookBody))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "reading hook payload failed")
	}
	in, err := hooks.DecodeClaude(body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ev, ok, err := in.Event()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if !ok {
		return c.JSON(http.StatusOK, &hooks.ClaudeOutput{})
	}

	res, err := s.hooks.Execute(c.Request().Context(), ev)
	if err != nil {
		s.logger.Error("hook failed",
			zap.String("hook", string(ev.Type)),
			zap.String("session_id", ev.SessionID),
			zap.Error(err))
		return c.JSON(http.StatusOK, hooks.Unavailable(in, err))
	}
	s.recordHookGate(c.Request().Context(), ev, res)
	if res != nil {
		res.Reason = s.scrubber.Scrub(res.Reason).Scrubbed
	}
	return c.JSON(http.StatusOK, hooks.RenderClaude(in, res))
}

// recordHookGate counts pre-execute hooks as gate decisions.
func (s *Server) recordHookGate(ctx context.Context, ev *hooks.Event, res *hooks.Result) {
	if ev.Type != hooks.HookTaskPreExecute {
		return
	}
	s.metrics.RecordGateDecision(ctx, SurfaceHook, res == nil || res.Decision != hooks.DecisionDeny)
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
