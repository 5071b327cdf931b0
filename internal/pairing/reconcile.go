package pairing

import (
	"context"
	"errors"
	"slices"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskgate/internal/governance"
	"github.com/fyrsmithlabs/taskgate/internal/store"
	"github.com/fyrsmithlabs/taskgate/internal/taskrt"
)

// ReconcileReport summarizes a Reconcile pass.
type ReconcileReport struct {
	Examined  int `json:"examined"`
	Repaired  int `json:"repaired"`
	Closed    int `json:"closed"`
	Abandoned int `json:"abandoned"`
	Failed    int `json:"failed"`
}

// Reconcile replays pairing intents left incomplete by a crash between the
// task runtime writes and the store write. An implementation task that
// exists without a governed record gets one; intents whose implementation
// task never materialised are abandoned.
func (e *Engine) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	intents, err := e.store.IncompleteIntents(ctx, e.now().Add(-e.grace))
	if err != nil {
		return nil, err
	}
	report := &ReconcileReport{Examined: len(intents)}
	for _, in := range intents {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		outcome, err := e.reconcileOne(ctx, in)
		if err != nil {
			report.Failed++
			e.logger.Warn("reconciling pairing intent", zap.String("intent", in.ID), zap.Error(err))
			continue
		}
		switch outcome {
		case store.IntentAbandoned:
			report.Abandoned++
		case store.IntentCompleted:
			report.Closed++
		default:
			report.Repaired++
		}
	}
	if report.Examined > 0 {
		e.logger.Info("pairing intents reconciled",
			zap.Int("examined", report.Examined),
			zap.Int("repaired", report.Repaired),
			zap.Int("closed", report.Closed),
			zap.Int("abandoned", report.Abandoned),
			zap.Int("failed", report.Failed))
	}
	return report, nil
}

// reconcileOne returns IntentAbandoned, IntentCompleted when the store was
// already consistent, or IntentTasksCreated when it wrote the missing record.
func (e *Engine) reconcileOne(ctx context.Context, in store.PairingIntent) (store.IntentState, error) {
	impl, err := e.rt.GetTask(ctx, in.ImplTaskID)
	if errors.Is(err, governance.ErrNotFound) {
		if _, rerr := e.rt.GetTask(ctx, in.ReviewTaskID); rerr == nil {
			e.retireReviewTask(ctx, in.ReviewTaskID, "implementation task was never created")
		}
		return store.IntentAbandoned, e.store.AdvanceIntent(ctx, in.ID, store.IntentAbandoned)
	}
	if err != nil {
		return "", err
	}

	if _, err := e.store.GetGovernedTaskByImpl(ctx, in.ImplTaskID); err == nil {
		return store.IntentCompleted, e.store.AdvanceIntent(ctx, in.ID, store.IntentCompleted)
	} else if !errors.Is(err, governance.ErrNotFound) {
		return "", err
	}

	// The task exists but the store never saw it. It must stay blocked
	// until its review completes.
	if !slices.Contains(impl.BlockedBy, in.ReviewTaskID) && impl.Status != taskrt.StatusCompleted {
		if _, err := e.rt.UpdateTask(ctx, in.ImplTaskID, taskrt.Update{AddBlockedBy: []string{in.ReviewTaskID}}); err != nil {
			return "", err
		}
	}
	g := &governance.GovernedTaskRecord{
		ImplTaskID:  in.ImplTaskID,
		Subject:     impl.Subject,
		Description: impl.Description,
		SessionID:   in.SessionID,
	}
	r := &governance.TaskReviewRecord{ReviewTaskID: in.ReviewTaskID, ReviewType: governance.ReviewGovernance}
	if err := e.store.PutGovernedPair(ctx, g, r); err != nil {
		return "", err
	}
	e.logger.Info("repaired governed pair",
		zap.String("impl_task_id", in.ImplTaskID),
		zap.String("review_task_id", in.ReviewTaskID))
	return store.IntentTasksCreated, e.store.AdvanceIntent(ctx, in.ID, store.IntentCompleted)
}
