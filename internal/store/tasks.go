package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/taskgate/internal/governance"
)

// PutGovernedPair records a governed task and its first review in a single
// transaction, so neither can exist without the other.
func (s *Store) PutGovernedPair(ctx context.Context, g *governance.GovernedTaskRecord, r *governance.TaskReviewRecord) error {
	if g.ImplTaskID == "" || r.ReviewTaskID == "" {
		return &governance.ValidationError{Field: "task_id", Reason: "implementation and review task ids are required"}
	}
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	now := s.now()
	if g.CreatedAt.IsZero() {
		g.CreatedAt = now
	}
	if g.Status == "" {
		g.Status = governance.GovernedPendingReview
	}
	prepareTaskReview(r, g, now)

	return s.write(ctx, "put governed pair", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO governed_tasks (id, impl_task_id, subject, description, context, status, session_id, created_at, released_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			g.ID, g.ImplTaskID, g.Subject, g.Description, g.Context, string(g.Status),
			g.SessionID, ts(g.CreatedAt), nullTS(g.ReleasedAt))
		if err != nil {
			return err
		}
		if err := insertTaskReview(ctx, tx, r); err != nil {
			return err
		}
		g.ReviewIDs = []string{r.ID}
		return nil
	})
}

// AttachTaskReview adds another review to an existing governed task and
// returns the task to pending_review.
func (s *Store) AttachTaskReview(ctx context.Context, governedID string, r *governance.TaskReviewRecord) error {
	g, err := s.GetGovernedTask(ctx, governedID)
	if err != nil {
		return err
	}
	prepareTaskReview(r, g, s.now())
	return s.write(ctx, "attach task review", func(tx *sql.Tx) error {
		if err := insertTaskReview(ctx, tx, r); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE governed_tasks SET status = ?, released_at = NULL WHERE id = ?`,
			string(governance.GovernedPendingReview), governedID)
		return err
	})
}

func prepareTaskReview(r *governance.TaskReviewRecord, g *governance.GovernedTaskRecord, now time.Time) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.GovernedTaskID = g.ID
	r.ImplTaskID = g.ImplTaskID
	if r.Status == "" {
		r.Status = governance.ReviewPending
	}
	if r.ReviewType == "" {
		r.ReviewType = governance.ReviewGovernance
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
}

func insertTaskReview(ctx context.Context, tx *sql.Tx, r *governance.TaskReviewRecord) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO task_reviews (
  id, review_task_id, impl_task_id, governed_task_id, review_type, status, context,
  verdict, guidance, findings_json, standards_json, created_at, completed_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ReviewTaskID, r.ImplTaskID, r.GovernedTaskID, string(r.ReviewType), string(r.Status),
		r.Context, nullVerdict(r.Verdict), r.Guidance, encodeFindings(r.Findings),
		encodeList(r.StandardsVerified), ts(r.CreatedAt), nullTS(r.CompletedAt))
	return err
}

const governedColumns = `id, impl_task_id, subject, description, context, status, session_id,
  holistic_guidance, created_at, released_at`

func (s *Store) scanGoverned(ctx context.Context, row rowScanner, key string) (*governance.GovernedTaskRecord, error) {
	var (
		g         governance.GovernedTaskRecord
		status    string
		createdAt int64
		released  sql.NullInt64
	)
	err := row.Scan(&g.ID, &g.ImplTaskID, &g.Subject, &g.Description, &g.Context, &status,
		&g.SessionID, &g.HolisticGuidance, &createdAt, &released)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("governed task %s: %w", key, governance.ErrNotFound)
	}
	if err != nil {
		return nil, persistErr("get governed task", err)
	}
	g.Status = governance.GovernedStatus(status)
	g.CreatedAt = fromTS(createdAt)
	g.ReleasedAt = fromNullTS(released)

	reviews, err := s.ListTaskReviews(ctx, g.ID)
	if err != nil {
		return nil, err
	}
	g.ReviewIDs = make([]string, 0, len(reviews))
	for _, r := range reviews {
		g.ReviewIDs = append(g.ReviewIDs, r.ID)
	}
	return &g, nil
}

// GetGovernedTask returns a governed task by record id.
func (s *Store) GetGovernedTask(ctx context.Context, id string) (*governance.GovernedTaskRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+governedColumns+` FROM governed_tasks WHERE id = ?`, id)
	return s.scanGoverned(ctx, row, id)
}

// GetGovernedTaskByImpl returns the governed record for an implementation task.
func (s *Store) GetGovernedTaskByImpl(ctx context.Context, implTaskID string) (*governance.GovernedTaskRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+governedColumns+` FROM governed_tasks WHERE impl_task_id = ?`, implTaskID)
	return s.scanGoverned(ctx, row, implTaskID)
}

// SetGovernedStatus moves a governed task to status. releasedAt is only
// meaningful for approved. Releasing a task drops its holistic guidance.
func (s *Store) SetGovernedStatus(ctx context.Context, id string, status governance.GovernedStatus, releasedAt *time.Time) error {
	return s.write(ctx, "set governed status", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE governed_tasks SET
  status = ?,
  released_at = ?,
  holistic_guidance = CASE WHEN ? = ? THEN '' ELSE holistic_guidance END
WHERE id = ?`,
			string(status), nullTS(releasedAt), string(status), string(governance.GovernedApproved), id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("governed task %s: %w", id, governance.ErrNotFound)
		}
		return nil
	})
}

// ListGovernedTasks returns governed tasks in a status, oldest first. An
// empty status lists everything.
func (s *Store) ListGovernedTasks(ctx context.Context, status governance.GovernedStatus) ([]governance.GovernedTaskRecord, error) {
	query := `SELECT id FROM governed_tasks`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistErr("list governed tasks", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, persistErr("scan governed task", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, persistErr("list governed tasks", err)
	}
	rows.Close()

	// Reviews are loaded after the cursor closes; the store runs on one connection.
	out := make([]governance.GovernedTaskRecord, 0, len(ids))
	for _, id := range ids {
		g, err := s.GetGovernedTask(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *g)
	}
	return out, nil
}

const taskReviewColumns = `id, review_task_id, impl_task_id, governed_task_id, review_type, status, context,
  verdict, guidance, findings_json, standards_json, created_at, completed_at`

func scanTaskReview(row rowScanner) (*governance.TaskReviewRecord, error) {
	var (
		r          governance.TaskReviewRecord
		reviewType string
		status     string
		verdict    sql.NullString
		findings   string
		standards  string
		createdAt  int64
		completed  sql.NullInt64
	)
	if err := row.Scan(&r.ID, &r.ReviewTaskID, &r.ImplTaskID, &r.GovernedTaskID, &reviewType, &status,
		&r.Context, &verdict, &r.Guidance, &findings, &standards, &createdAt, &completed); err != nil {
		return nil, err
	}
	r.ReviewType = governance.ReviewType(reviewType)
	r.Status = governance.ReviewStatus(status)
	r.Verdict = verdictPtr(verdict)
	r.Findings = decodeFindings(findings)
	r.StandardsVerified = decodeList(standards)
	r.CreatedAt = fromTS(createdAt)
	r.CompletedAt = fromNullTS(completed)
	return &r, nil
}

// ListTaskReviews returns the reviews attached to a governed task, oldest first.
func (s *Store) ListTaskReviews(ctx context.Context, governedID string) ([]governance.TaskReviewRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskReviewColumns+` FROM task_reviews WHERE governed_task_id = ? ORDER BY created_at ASC`, governedID)
	if err != nil {
		return nil, persistErr("list task reviews", err)
	}
	defer rows.Close()

	var out []governance.TaskReviewRecord
	for rows.Next() {
		r, err := scanTaskReview(rows)
		if err != nil {
			return nil, persistErr("scan task review", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// GetTaskReviewByReviewTask returns the review record owned by a review task.
func (s *Store) GetTaskReviewByReviewTask(ctx context.Context, reviewTaskID string) (*governance.TaskReviewRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskReviewColumns+` FROM task_reviews WHERE review_task_id = ?`, reviewTaskID)
	r, err := scanTaskReview(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("review task %s: %w", reviewTaskID, governance.ErrNotFound)
	}
	if err != nil {
		return nil, persistErr("get task review", err)
	}
	return r, nil
}

// MarkTaskReviewInProgress moves a pending review to in_progress. Reviews
// already past pending are left alone.
func (s *Store) MarkTaskReviewInProgress(ctx context.Context, reviewTaskID string) error {
	return s.write(ctx, "mark review in progress", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE task_reviews SET status = ? WHERE review_task_id = ? AND status = ?`,
			string(governance.ReviewInProgress), reviewTaskID, string(governance.ReviewPending))
		return err
	})
}

// ReviewOutcome is the result applied when a task review completes.
type ReviewOutcome struct {
	Verdict           governance.Verdict
	Guidance          string
	Findings          []governance.Finding
	StandardsVerified []string
}

// CompleteTaskReview records a verdict on a review exactly once. Reviews
// escalated to needs_human_review stay open for the human's verdict. A second
// completion returns governance.ErrAlreadyCompleted.
func (s *Store) CompleteTaskReview(ctx context.Context, reviewTaskID string, out ReviewOutcome) (*governance.TaskReviewRecord, error) {
	if !out.Verdict.Valid() {
		return nil, &governance.ValidationError{Field: "verdict", Reason: "unknown verdict"}
	}
	now := s.now()
	err := s.write(ctx, "complete task review", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE task_reviews
SET status = ?, verdict = ?, guidance = ?, findings_json = ?, standards_json = ?, completed_at = ?
WHERE review_task_id = ? AND status IN (?, ?, ?)`,
			string(governance.StatusForVerdict(out.Verdict)), string(out.Verdict), out.Guidance,
			encodeFindings(out.Findings), encodeList(out.StandardsVerified), ts(now),
			reviewTaskID, string(governance.ReviewPending), string(governance.ReviewInProgress),
			string(governance.ReviewNeedsHumanReview))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return nil
		}
		var status string
		err = tx.QueryRowContext(ctx, `SELECT status FROM task_reviews WHERE review_task_id = ?`, reviewTaskID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("review task %s: %w", reviewTaskID, governance.ErrNotFound)
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("review task %s is %s: %w", reviewTaskID, status, governance.ErrAlreadyCompleted)
	})
	if err != nil {
		return nil, err
	}
	return s.GetTaskReviewByReviewTask(ctx, reviewTaskID)
}

// PutHolisticReview inserts a holistic review record.
func (s *Store) PutHolisticReview(ctx context.Context, h *governance.HolisticReviewRecord) error {
	if h.SessionID == "" {
		return &governance.ValidationError{Field: "session_id", Reason: "is required"}
	}
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = s.now()
	}
	return s.write(ctx, "put holistic review", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO holistic_reviews (
  id, session_id, task_ids_json, task_subjects_json, collective_intent, verdict,
  findings_json, guidance, standards_json, reviewer, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			h.ID, h.SessionID, encodeList(h.TaskIDs), encodeList(h.TaskSubjects), h.CollectiveIntent,
			nullVerdict(h.Verdict), encodeFindings(h.Findings), h.Guidance,
			encodeList(h.StandardsVerified), h.Reviewer, ts(h.CreatedAt))
		return err
	})
}

// ListHolisticReviews returns the holistic reviews for a session, oldest first.
// An empty session lists all of them.
func (s *Store) ListHolisticReviews(ctx context.Context, sessionID string) ([]governance.HolisticReviewRecord, error) {
	query := `SELECT id, session_id, task_ids_json, task_subjects_json, collective_intent, verdict,
  findings_json, guidance, standards_json, reviewer, created_at FROM holistic_reviews`
	var args []any
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistErr("list holistic reviews", err)
	}
	defer rows.Close()

	var out []governance.HolisticReviewRecord
	for rows.Next() {
		var (
			h                           governance.HolisticReviewRecord
			taskIDs, subjects, findings string
			standards                   string
			verdict                     sql.NullString
			createdAt                   int64
		)
		if err := rows.Scan(&h.ID, &h.SessionID, &taskIDs, &subjects, &h.CollectiveIntent, &verdict,
			&findings, &h.Guidance, &standards, &h.Reviewer, &createdAt); err != nil {
			return nil, persistErr("scan holistic review", err)
		}
		h.TaskIDs = decodeList(taskIDs)
		h.TaskSubjects = decodeList(subjects)
		h.Verdict = verdictPtr(verdict)
		h.Findings = decodeFindings(findings)
		h.StandardsVerified = decodeList(standards)
		h.CreatedAt = fromTS(createdAt)
		out = append(out, h)
	}
	return out, rows.Err()
}
