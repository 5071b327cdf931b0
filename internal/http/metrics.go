package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const httpInstrumentationName = "github.com/fyrsmithlabs/taskgate/internal/http"

// Gate decision surfaces.
const (
	SurfaceExecutable = "executable"
	SurfaceHook       = "hook"
)

// apiPrefix is stripped before a route is grouped.
const apiPrefix = "/api/v1/"

// HTTPMetrics records API traffic by route group and every allow or deny
// the execution gate hands out over HTTP.
type HTTPMetrics struct {
	logger         *zap.Logger
	requests       metric.Int64Counter
	duration       metric.Float64Histogram
	activeRequests metric.Int64UpDownCounter
	gateDecisions  metric.Int64Counter
}

// NewHTTPMetrics creates HTTPMetrics on meter. A nil meter uses the global
// meter provider.
func NewHTTPMetrics(meter metric.Meter, logger *zap.Logger) *HTTPMetrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	if meter == nil {
		meter = otel.Meter(httpInstrumentationName)
	}
	m := &HTTPMetrics{logger: logger}

	var err error
	m.requests, err = meter.Int64Counter(
		"taskgate.http.requests_total",
		metric.WithDescription("API requests by route group (decisions, tasks, reviews, hooks, ...), method and status class."),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		logger.Warn("failed to create requests counter", zap.Error(err))
	}
	m.duration, err = meter.Float64Histogram(
		"taskgate.http.request_duration_seconds",
		metric.WithDescription("API request latency by route group. Decision routes include the evaluator call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.025, 0.1, 0.5, 1, 5, 15, 30, 60, 120),
	)
	if err != nil {
		logger.Warn("failed to create duration histogram", zap.Error(err))
	}
	m.activeRequests, err = meter.Int64UpDownCounter(
		"taskgate.http.active_requests",
		metric.WithDescription("API requests in flight."),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		logger.Warn("failed to create active requests gauge", zap.Error(err))
	}
	m.gateDecisions, err = meter.Int64Counter(
		"taskgate.gate.decisions_total",
		metric.WithDescription("Execution gate outcomes by surface (executable endpoint or pre-execute hook) and decision (allow, deny)."),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		logger.Warn("failed to create gate decisions counter", zap.Error(err))
	}
	return m
}

// MetricsMiddleware returns an Echo middleware that records request metrics.
func (m *HTTPMetrics) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			ctx := c.Request().Context()
			if m.activeRequests != nil {
				m.activeRequests.Add(ctx, 1)
				defer m.activeRequests.Add(ctx, -1)
			}

			err := next(c)

			// Errors are rendered after the middleware returns.
			status := c.Response().Status
			if err != nil && !c.Response().Committed {
				status = http.StatusInternalServerError
				var he *echo.HTTPError
				if errors.As(err, &he) {
					status = he.Code
				}
			}
			attrs := metric.WithAttributes(
				attribute.String("route_group", routeGroup(c.Path())),
				attribute.String("method", c.Request().Method),
				attribute.String("status_class", statusClass(status)),
			)
			if m.requests != nil {
				m.requests.Add(ctx, 1, attrs)
			}
			if m.duration != nil {
				m.duration.Record(ctx, time.Since(start).Seconds(), attrs)
			}
			return err
		}
	}
}

// RecordGateDecision counts one execution gate outcome.
func (m *HTTPMetrics) RecordGateDecision(ctx context.Context, surface string, allowed bool) {
	if m == nil || m.gateDecisions == nil {
		return
	}
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	m.gateDecisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("surface", surface),
		attribute.String("decision", decision),
	))
}

// routeGroup maps an Echo route template onto a bounded label. Task and
// review ids never reach a label; requests that matched no route share one.
func routeGroup(path string) string {
	switch path {
	case "":
		return "unmatched"
	case "/health":
		return "health"
	case "/metrics":
		return "metrics"
	case "/mcp":
		return "mcp"
	}
	rest, ok := strings.CutPrefix(path, apiPrefix)
	if !ok || rest == "" {
		return "other"
	}
	group, _, _ := strings.Cut(rest, "/")
	return strings.ReplaceAll(group, "-", "_")
}

func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "unknown"
	}
	return strconv.Itoa(code/100) + "xx"
}
