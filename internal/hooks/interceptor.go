package hooks

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskgate/internal/governance"
	"github.com/fyrsmithlabs/taskgate/internal/pairing"
)

// Pairer creates governed review/implementation pairs.
type Pairer interface {
	CreatePair(ctx context.Context, req pairing.PairRequest) (*pairing.Pair, error)
}

// Notifier hands a new implementation task to the settle coordinator
// without waiting on it.
type Notifier interface {
	Enqueue(sessionID, implTaskID, subject string) error
}

// Gate decides whether a task may start and reports the holistic guidance
// held on a session.
type Gate interface {
	CheckExecutable(ctx context.Context, taskID, sessionID string) error
	SessionGuidance(ctx context.Context, sessionID string) (string, error)
}

// sessionBriefing is injected into new sessions.
const sessionBriefing = "Tasks in this session are governed by taskgate. Each new task is created " +
	"together with a review task that blocks it; start work only once its reviews approve it."

// Interceptor applies governance to host task events.
type Interceptor struct {
	pairer   Pairer
	notifier Notifier
	gate     Gate
	logger   *zap.Logger
}

// NewInterceptor returns an Interceptor.
func NewInterceptor(p Pairer, n Notifier, g Gate, logger *zap.Logger) *Interceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Interceptor{pairer: p, notifier: n, gate: g, logger: logger.Named("interceptor")}
}

// Register installs the interceptor's handlers on hm.
func (i *Interceptor) Register(hm *HookManager) {
	hm.RegisterHandler(HookTaskCreated, i.OnTaskCreated)
	hm.RegisterHandler(HookTaskPreExecute, func(ctx context.Context, ev *Event) (*Result, error) {
		err := i.OnPreExecute(ctx, ev)
		var blocked *governance.BlockedError
		if errors.As(err, &blocked) {
			return &Result{Decision: DecisionDeny, Reason: blocked.Error()}, nil
		}
		return nil, err
	})
	hm.RegisterHandler(HookSessionStart, i.OnSessionStart)
	hm.RegisterHandler(HookSessionEnd, func(ctx context.Context, ev *Event) (*Result, error) {
		i.logger.Info("session ended", zap.String("session_id", ev.SessionID))
		return nil, nil
	})
}

// OnSessionStart briefs a session on governance. A resumed session whose
// earlier burst was rejected also gets the held holistic guidance.
func (i *Interceptor) OnSessionStart(ctx context.Context, ev *Event) (*Result, error) {
	i.logger.Info("session started", zap.String("session_id", ev.SessionID))
	briefing := sessionBriefing
	held, err := i.gate.SessionGuidance(ctx, ev.SessionID)
	if err != nil {
		i.logger.Warn("loading session guidance", zap.String("session_id", ev.SessionID), zap.Error(err))
	} else if held != "" {
		briefing += "\n\nA holistic review rejected tasks created earlier in this session:\n" + held
	}
	return &Result{Decision: DecisionAllow, AdditionalContext: briefing}, nil
}

// OnTaskCreated turns a task creation into a governed pair. Review tasks are
// let through untouched so reviews never spawn reviews. The settle hand-off
// is queued and never delays the caller.
func (i *Interceptor) OnTaskCreated(ctx context.Context, ev *Event) (*Result, error) {
	if ev.IsReview() {
		return Allow(), nil
	}
	pair, err := i.pairer.CreatePair(ctx, pairing.PairRequest{
		SessionID:   ev.SessionID,
		Subject:     ev.Subject,
		Description: ev.Description,
		Context:     ev.Context,
		Owner:       ev.Owner,
		Kind:        ev.Kind,
		Metadata:    ev.Metadata,
	})
	if err != nil {
		if errors.Is(err, governance.ErrValidation) {
			return &Result{Decision: DecisionDeny, Reason: err.Error()}, nil
		}
		return nil, err
	}
	if err := i.notifier.Enqueue(ev.SessionID, pair.ImplTaskID, ev.Subject); err != nil {
		i.logger.Warn("settle hand-off failed",
			zap.String("impl_task_id", pair.ImplTaskID), zap.Error(err))
	}
	return &Result{
		Decision: DecisionHandled,
		Pair:     pair,
		Reason: fmt.Sprintf("Created governed task #%s (%s), blocked by review task #%s. "+
			"Do not start it until the review approves; check with get_task_review_status.",
			pair.ImplTaskID, strings.TrimSpace(ev.Subject), pair.ReviewTaskID),
	}, nil
}

// OnPreExecute returns nil when the task may start and a
// *governance.BlockedError when reviews are outstanding. Tasks the runtime
// does not know are not governed and may start.
func (i *Interceptor) OnPreExecute(ctx context.Context, ev *Event) error {
	if ev.TaskID == "" {
		return &governance.ValidationError{Field: "task_id", Reason: "is required"}
	}
	err := i.gate.CheckExecutable(ctx, ev.TaskID, ev.SessionID)
	if errors.Is(err, governance.ErrNotFound) {
		i.logger.Debug("pre-execute for unknown task", zap.String("task_id", ev.TaskID))
		return nil
	}
	if errors.Is(err, governance.ErrBlockedPendingReview) {
		i.logger.Info("task start blocked", zap.String("task_id", ev.TaskID), zap.String("session_id", ev.SessionID))
	}
	return err
}
