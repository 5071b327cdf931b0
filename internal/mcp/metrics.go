package mcp

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskgate/internal/governance"
)

const instrumentationName = "github.com/fyrsmithlabs/taskgate/internal/mcp"

// Metrics counts tool calls and the governance outcomes they produce.
type Metrics struct {
	invocations   metric.Int64Counter
	duration      metric.Float64Histogram
	errors        metric.Int64Counter
	verdicts      metric.Int64Counter
	gateDecisions metric.Int64Counter
}

// NewMetrics creates Metrics on meter. A nil meter uses the global meter
// provider.
func NewMetrics(meter metric.Meter, logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	m := &Metrics{}
	warn := func(what string, err error) {
		if err != nil {
			logger.Warn("failed to create "+what, zap.Error(err))
		}
	}

	var err error
	m.invocations, err = meter.Int64Counter("taskgate.mcp.tool.invocations_total",
		metric.WithDescription("MCP tool calls by tool."),
		metric.WithUnit("{invocation}"))
	warn("invocations counter", err)
	m.duration, err = meter.Float64Histogram("taskgate.mcp.tool.duration_seconds",
		metric.WithDescription("MCP tool latency. Submissions include the evaluator call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.025, 0.1, 0.5, 1, 5, 15, 30, 60, 120))
	warn("duration histogram", err)
	m.errors, err = meter.Int64Counter("taskgate.mcp.tool.errors_total",
		metric.WithDescription("Failed MCP tool calls by tool and governance error class."),
		metric.WithUnit("{error}"))
	warn("errors counter", err)
	m.verdicts, err = meter.Int64Counter("taskgate.mcp.verdicts_total",
		metric.WithDescription("Verdicts returned or recorded through MCP tools, by tool and verdict."),
		metric.WithUnit("{verdict}"))
	warn("verdicts counter", err)
	m.gateDecisions, err = meter.Int64Counter("taskgate.gate.decisions_total",
		metric.WithDescription("Execution gate outcomes by surface and decision (allow, deny)."),
		metric.WithUnit("{decision}"))
	warn("gate decisions counter", err)
	return m
}

// RecordInvocation records one tool call and, on failure, its error class.
func (m *Metrics) RecordInvocation(ctx context.Context, toolName string, duration time.Duration, err error) {
	tool := attribute.String("tool", toolName)
	if m.invocations != nil {
		m.invocations.Add(ctx, 1, metric.WithAttributes(tool))
	}
	if m.duration != nil {
		m.duration.Record(ctx, duration.Seconds(), metric.WithAttributes(tool))
	}
	if err != nil && m.errors != nil {
		m.errors.Add(ctx, 1, metric.WithAttributes(tool, attribute.String("reason", categorizeError(err))))
	}
}

// RecordVerdict counts a verdict produced by a submission or review tool.
func (m *Metrics) RecordVerdict(ctx context.Context, toolName string, verdict governance.Verdict) {
	if m.verdicts == nil {
		return
	}
	m.verdicts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", toolName),
		attribute.String("verdict", string(verdict)),
	))
}

// RecordGateDecision counts one check_task_executable outcome.
func (m *Metrics) RecordGateDecision(ctx context.Context, allowed bool) {
	if m.gateDecisions == nil {
		return
	}
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	m.gateDecisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("surface", "mcp"),
		attribute.String("decision", decision),
	))
}

// categorizeError maps an error onto a low-cardinality reason label.
func categorizeError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, governance.ErrValidation), errors.Is(err, governance.ErrReviewTaskNotGoverned):
		return "validation_error"
	case errors.Is(err, governance.ErrNotFound):
		return "not_found"
	case errors.Is(err, governance.ErrAlreadyCompleted):
		return "conflict"
	case errors.Is(err, governance.ErrLockContention):
		return "lock_contention"
	case errors.Is(err, governance.ErrPersistence):
		return "storage_error"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "internal_error"
	}
}
