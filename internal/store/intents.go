package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/taskgate/internal/governance"
)

// IntentState tracks a pairing across the task runtime and this store.
type IntentState string

const (
	IntentStarted      IntentState = "started"
	IntentTasksCreated IntentState = "tasks_created"
	IntentCompleted    IntentState = "completed"
	IntentAbandoned    IntentState = "abandoned"
)

// PairingIntent is written before a review/implementation pair touches the
// task runtime and completed after the governed records land, so a crash in
// between can be reconciled.
type PairingIntent struct {
	ID           string      `json:"id"`
	SessionID    string      `json:"session_id,omitempty"`
	ReviewTaskID string      `json:"review_task_id"`
	ImplTaskID   string      `json:"impl_task_id"`
	Subject      string      `json:"subject"`
	State        IntentState `json:"state"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// BeginIntent records a new pairing intent in the started state.
func (s *Store) BeginIntent(ctx context.Context, in *PairingIntent) error {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	now := s.now()
	in.State = IntentStarted
	in.CreatedAt = now
	in.UpdatedAt = now
	return s.write(ctx, "begin intent", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO pairing_intents (id, session_id, review_task_id, impl_task_id, subject, state, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			in.ID, in.SessionID, in.ReviewTaskID, in.ImplTaskID, in.Subject, string(in.State), ts(now), ts(now))
		return err
	})
}

// AdvanceIntent moves an intent to state.
func (s *Store) AdvanceIntent(ctx context.Context, id string, state IntentState) error {
	return s.write(ctx, "advance intent", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE pairing_intents SET state = ?, updated_at = ? WHERE id = ?`,
			string(state), ts(s.now()), id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("intent %s: %w", id, governance.ErrNotFound)
		}
		return nil
	})
}

// IncompleteIntents returns intents not yet completed or abandoned whose last
// update is older than before.
func (s *Store) IncompleteIntents(ctx context.Context, before time.Time) ([]PairingIntent, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, session_id, review_task_id, impl_task_id, subject, state, created_at, updated_at
FROM pairing_intents
WHERE state IN (?, ?) AND updated_at < ?
ORDER BY created_at ASC`,
		string(IntentStarted), string(IntentTasksCreated), ts(before))
	if err != nil {
		return nil, persistErr("incomplete intents", err)
	}
	defer rows.Close()

	var out []PairingIntent
	for rows.Next() {
		var (
			in                   PairingIntent
			state                string
			createdAt, updatedAt int64
		)
		if err := rows.Scan(&in.ID, &in.SessionID, &in.ReviewTaskID, &in.ImplTaskID, &in.Subject,
			&state, &createdAt, &updatedAt); err != nil {
			return nil, persistErr("scan intent", err)
		}
		in.State = IntentState(state)
		in.CreatedAt = fromTS(createdAt)
		in.UpdatedAt = fromTS(updatedAt)
		out = append(out, in)
	}
	return out, rows.Err()
}
