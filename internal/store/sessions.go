package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/taskgate/internal/governance"
)

// SessionMarker is the coordination row for one agent session. Generation is
// bumped on every governed task created in the session; the settle check
// holding the latest generation is the only one allowed to claim the burst.
type SessionMarker struct {
	SessionID         string     `json:"session_id"`
	Generation        int64      `json:"generation"`
	ClaimedGeneration int64      `json:"claimed_generation"`
	BurstBase         int64      `json:"burst_base"`
	LastCreatedAt     time.Time  `json:"last_created_at"`
	Pending           bool       `json:"pending"`
	PendingSince      *time.Time `json:"pending_since,omitempty"`
	Guidance          string     `json:"guidance,omitempty"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Unclaimed reports whether tasks were created after the last claimed burst.
func (m *SessionMarker) Unclaimed() bool {
	return m.ClaimedGeneration < m.Generation
}

// BurstMember is one task that belongs to a session burst.
type BurstMember struct {
	SessionID  string    `json:"session_id"`
	Generation int64     `json:"generation"`
	ImplTaskID string    `json:"impl_task_id"`
	Subject    string    `json:"subject"`
	CreatedAt  time.Time `json:"created_at"`
}

// MarkTaskCreated atomically bumps the session generation, marks the session
// pending and records the task as a burst member. It returns the new generation.
func (s *Store) MarkTaskCreated(ctx context.Context, sessionID, implTaskID, subject string) (int64, error) {
	if sessionID == "" {
		return 0, &governance.ValidationError{Field: "session_id", Reason: "is required"}
	}
	now := ts(s.now())
	var gen int64
	err := s.write(ctx, "mark task created", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO session_markers (session_id, generation, last_created_at, pending, pending_since, updated_at)
VALUES (?, 1, ?, 1, ?, ?)
ON CONFLICT(session_id) DO UPDATE SET
  generation = session_markers.generation + 1,
  last_created_at = excluded.last_created_at,
  pending = 1,
  pending_since = COALESCE(session_markers.pending_since, excluded.pending_since),
  updated_at = excluded.updated_at`,
			sessionID, now, now, now)
		if err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx,
			`SELECT generation FROM session_markers WHERE session_id = ?`, sessionID,
		).Scan(&gen); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO burst_members (session_id, generation, impl_task_id, subject, created_at)
VALUES (?, ?, ?, ?, ?)`, sessionID, gen, implTaskID, subject, now)
		return err
	})
	return gen, err
}

// ClaimBurst is the single-writer election for a settle check. It succeeds
// only when generation is still the session's latest and no other check has
// claimed it.
func (s *Store) ClaimBurst(ctx context.Context, sessionID string, generation int64) (bool, error) {
	var claimed bool
	err := s.write(ctx, "claim burst", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE session_markers SET claimed_generation = ?, updated_at = ?
WHERE session_id = ? AND generation = ? AND claimed_generation < ?`,
			generation, ts(s.now()), sessionID, generation, generation)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		claimed = n == 1
		return nil
	})
	return claimed, err
}

// BurstMembers returns the tasks created in (base, upto], oldest first.
func (s *Store) BurstMembers(ctx context.Context, sessionID string, base, upto int64) ([]BurstMember, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT session_id, generation, impl_task_id, subject, created_at FROM burst_members
WHERE session_id = ? AND generation > ? AND generation <= ?
ORDER BY generation ASC`, sessionID, base, upto)
	if err != nil {
		return nil, persistErr("burst members", err)
	}
	defer rows.Close()

	var out []BurstMember
	for rows.Next() {
		var (
			m         BurstMember
			createdAt int64
		)
		if err := rows.Scan(&m.SessionID, &m.Generation, &m.ImplTaskID, &m.Subject, &createdAt); err != nil {
			return nil, persistErr("scan burst member", err)
		}
		m.CreatedAt = fromTS(createdAt)
		out = append(out, m)
	}
	return out, rows.Err()
}

// CompleteBurst closes the burst ending at upto. When hold is true the
// session stays pending and guidance is attached to every governed task in
// the burst; otherwise the pending marker clears unless newer tasks arrived
// after the claim. A burst that does not hold leaves earlier guidance alone.
func (s *Store) CompleteBurst(ctx context.Context, sessionID string, upto int64, hold bool, guidance string) error {
	now := ts(s.now())
	holdFlag := 0
	if hold {
		holdFlag = 1
	}
	return s.write(ctx, "complete burst", func(tx *sql.Tx) error {
		var base int64
		err := tx.QueryRowContext(ctx,
			`SELECT burst_base FROM session_markers WHERE session_id = ?`, sessionID).Scan(&base)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("session %s: %w", sessionID, governance.ErrNotFound)
		}
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
UPDATE session_markers SET
  burst_base = ?,
  pending = CASE WHEN ? = 1 OR generation > ? THEN 1 ELSE 0 END,
  pending_since = CASE WHEN ? = 1 OR generation > ? THEN COALESCE(pending_since, ?) ELSE NULL END,
  guidance = CASE WHEN ? = 1 THEN ? ELSE guidance END,
  updated_at = ?
WHERE session_id = ?`,
			upto, holdFlag, upto, holdFlag, upto, now, holdFlag, guidance, now, sessionID); err != nil {
			return err
		}
		if !hold {
			return nil
		}
		_, err = tx.ExecContext(ctx, `
UPDATE governed_tasks SET holistic_guidance = ?
WHERE impl_task_id IN (
  SELECT impl_task_id FROM burst_members
  WHERE session_id = ? AND generation > ? AND generation <= ?
)`, guidance, sessionID, base, upto)
		return err
	})
}

// HeldGuidance returns the distinct holistic guidance still attached to
// unreleased governed tasks in a session, oldest first.
func (s *Store) HeldGuidance(ctx context.Context, sessionID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT holistic_guidance, MIN(created_at) AS first_seen FROM governed_tasks
WHERE session_id = ? AND status != ? AND holistic_guidance != ''
GROUP BY holistic_guidance
ORDER BY first_seen ASC`, sessionID, string(governance.GovernedApproved))
	if err != nil {
		return nil, persistErr("held guidance", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var (
			guidance  string
			firstSeen int64
		)
		if err := rows.Scan(&guidance, &firstSeen); err != nil {
			return nil, persistErr("scan held guidance", err)
		}
		out = append(out, guidance)
	}
	return out, rows.Err()
}

// ClearPending drops the pending flag and any guidance on a session.
func (s *Store) ClearPending(ctx context.Context, sessionID string) error {
	return s.write(ctx, "clear pending", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
UPDATE session_markers SET pending = 0, pending_since = NULL, guidance = '', updated_at = ?
WHERE session_id = ?`, ts(s.now()), sessionID)
		return err
	})
}

const markerColumns = `session_id, generation, claimed_generation, burst_base, last_created_at,
  pending, pending_since, guidance, updated_at`

func scanMarker(row rowScanner) (*SessionMarker, error) {
	var (
		m            SessionMarker
		lastCreated  int64
		pending      int
		pendingSince sql.NullInt64
		updatedAt    int64
	)
	if err := row.Scan(&m.SessionID, &m.Generation, &m.ClaimedGeneration, &m.BurstBase, &lastCreated,
		&pending, &pendingSince, &m.Guidance, &updatedAt); err != nil {
		return nil, err
	}
	m.LastCreatedAt = fromTS(lastCreated)
	m.Pending = pending == 1
	m.PendingSince = fromNullTS(pendingSince)
	m.UpdatedAt = fromTS(updatedAt)
	return &m, nil
}

// GetSessionMarker returns the coordination row for a session. A pending
// marker older than staleAfter is treated as abandoned: it is cleared and
// abandoned is reported true.
func (s *Store) GetSessionMarker(ctx context.Context, sessionID string, staleAfter time.Duration) (marker *SessionMarker, abandoned bool, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+markerColumns+` FROM session_markers WHERE session_id = ?`, sessionID)
	m, err := scanMarker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("session %s: %w", sessionID, governance.ErrNotFound)
	}
	if err != nil {
		return nil, false, persistErr("get session marker", err)
	}
	if staleAfter > 0 && m.Pending && m.PendingSince != nil && s.now().Sub(*m.PendingSince) > staleAfter {
		if err := s.ClearPending(ctx, sessionID); err != nil {
			return nil, false, err
		}
		m.Pending = false
		m.PendingSince = nil
		m.Guidance = ""
		return m, true, nil
	}
	return m, false, nil
}

// PendingSessions lists sessions with tasks created after their last claim.
// Used to reschedule settle checks after a restart.
func (s *Store) PendingSessions(ctx context.Context) ([]SessionMarker, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+markerColumns+` FROM session_markers
WHERE claimed_generation < generation ORDER BY last_created_at ASC`)
	if err != nil {
		return nil, persistErr("pending sessions", err)
	}
	defer rows.Close()

	var out []SessionMarker
	for rows.Next() {
		m, err := scanMarker(rows)
		if err != nil {
			return nil, persistErr("scan session marker", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// SetNow overrides the store clock. Tests use it to age markers.
func (s *Store) SetNow(now func() time.Time) {
	s.now = now
}
