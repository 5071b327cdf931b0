package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/taskgate/internal/governance"
)

// PutDecision validates and inserts a decision. The per-task sequence number
// is assigned inside the insert transaction.
func (s *Store) PutDecision(ctx context.Context, d *governance.Decision) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.now()
	}
	return s.write(ctx, "put decision", func(tx *sql.Tx) error {
		var seq int
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(sequence), 0) + 1 FROM decisions WHERE task_id = ?`, d.TaskID,
		).Scan(&seq); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
INSERT INTO decisions (
  id, task_id, sequence, agent, category, summary, detail,
  components_json, alternatives_json, confidence, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			d.ID, d.TaskID, seq, d.Agent, string(d.Category), d.Summary, d.Detail,
			encodeList(d.ComponentsAffected), encodeList(d.AlternativesConsidered),
			string(d.Confidence), ts(d.CreatedAt))
		if err != nil {
			return err
		}
		d.Sequence = seq
		return nil
	})
}

const decisionColumns = `d.id, d.task_id, d.sequence, d.agent, d.category, d.summary, d.detail,
  d.components_json, d.alternatives_json, d.confidence, d.created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDecision(row rowScanner, extra ...any) (*governance.Decision, error) {
	var (
		d            governance.Decision
		category     string
		confidence   string
		components   string
		alternatives string
		createdAt    int64
	)
	dest := []any{&d.ID, &d.TaskID, &d.Sequence, &d.Agent, &category, &d.Summary, &d.Detail,
		&components, &alternatives, &confidence, &createdAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	d.Category = governance.Category(category)
	d.Confidence = governance.Confidence(confidence)
	d.ComponentsAffected = decodeList(components)
	d.AlternativesConsidered = decodeList(alternatives)
	d.CreatedAt = fromTS(createdAt)
	return &d, nil
}

// GetDecision returns a decision by id.
func (s *Store) GetDecision(ctx context.Context, id string) (*governance.Decision, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+decisionColumns+` FROM decisions d WHERE d.id = ?`, id)
	d, err := scanDecision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("decision %s: %w", id, governance.ErrNotFound)
	}
	if err != nil {
		return nil, persistErr("get decision", err)
	}
	return d, nil
}

// PutPlan validates and inserts a plan.
func (s *Store) PutPlan(ctx context.Context, p *governance.Plan) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	return s.write(ctx, "put plan", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO plans (id, task_id, agent, summary, steps_json, risks_json, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.TaskID, p.Agent, p.Summary, encodeList(p.Steps), encodeList(p.Risks), ts(p.CreatedAt))
		return err
	})
}

// PutCompletion validates and inserts a completion report.
func (s *Store) PutCompletion(ctx context.Context, c *governance.CompletionReport) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	return s.write(ctx, "put completion", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO completions (id, task_id, agent, summary, files_json, tests_json, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.TaskID, c.Agent, c.Summary, encodeList(c.FilesChanged), encodeList(c.TestsRun), ts(c.CreatedAt))
		return err
	})
}

// PutReview validates and inserts a verdict for a decision, plan or completion.
func (s *Store) PutReview(ctx context.Context, v *governance.ReviewVerdict) error {
	if err := v.Validate(); err != nil {
		return err
	}
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = s.now()
	}
	return s.write(ctx, "put review", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO review_verdicts (
  id, decision_id, plan_id, completion_id, verdict, findings_json,
  guidance, standards_json, reviewer, outcome, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			v.ID, nullString(v.DecisionID), nullString(v.PlanID), nullString(v.CompletionID),
			string(v.Verdict), encodeFindings(v.Findings), v.Guidance,
			encodeList(v.StandardsVerified), v.Reviewer, v.Outcome, ts(v.CreatedAt))
		return err
	})
}

const reviewColumns = `r.id, r.decision_id, r.plan_id, r.completion_id, r.verdict, r.findings_json,
  r.guidance, r.standards_json, r.reviewer, r.outcome, r.created_at`

type nullableReview struct {
	id, decisionID, planID, completionID sql.NullString
	verdict, findings, guidance          sql.NullString
	standards, reviewer, outcome         sql.NullString
	createdAt                            sql.NullInt64
}

func (n *nullableReview) dest() []any {
	return []any{&n.id, &n.decisionID, &n.planID, &n.completionID, &n.verdict, &n.findings,
		&n.guidance, &n.standards, &n.reviewer, &n.outcome, &n.createdAt}
}

func (n *nullableReview) record() *governance.ReviewVerdict {
	if !n.id.Valid {
		return nil
	}
	return &governance.ReviewVerdict{
		ID:                n.id.String,
		DecisionID:        n.decisionID.String,
		PlanID:            n.planID.String,
		CompletionID:      n.completionID.String,
		Verdict:           governance.Verdict(n.verdict.String),
		Findings:          decodeFindings(n.findings.String),
		Guidance:          n.guidance.String,
		StandardsVerified: decodeList(n.standards.String),
		Reviewer:          n.reviewer.String,
		Outcome:           n.outcome.String,
		CreatedAt:         fromTS(n.createdAt.Int64),
	}
}

// ReviewsForSubject returns every verdict recorded for a decision, plan or
// completion id, oldest first.
func (s *Store) ReviewsForSubject(ctx context.Context, subjectID string) ([]governance.ReviewVerdict, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+reviewColumns+` FROM review_verdicts r
WHERE r.decision_id = ? OR r.plan_id = ? OR r.completion_id = ?
ORDER BY r.created_at ASC`, subjectID, subjectID, subjectID)
	if err != nil {
		return nil, persistErr("list reviews", err)
	}
	defer rows.Close()

	var out []governance.ReviewVerdict
	for rows.Next() {
		var n nullableReview
		if err := rows.Scan(n.dest()...); err != nil {
			return nil, persistErr("scan review", err)
		}
		out = append(out, *n.record())
	}
	return out, rows.Err()
}

// HistoryFilter narrows a decision history query. Empty fields match anything.
type HistoryFilter struct {
	TaskID  string
	Agent   string
	Verdict governance.Verdict
	Limit   int
}

// HistoryEntry pairs a decision with its most recent verdict, if any.
type HistoryEntry struct {
	Decision governance.Decision       `json:"decision"`
	Review   *governance.ReviewVerdict `json:"review,omitempty"`
}

// DefaultHistoryLimit caps history queries that do not set a limit.
const DefaultHistoryLimit = 100

// History returns decisions with their latest verdicts, newest first.
func (s *Store) History(ctx context.Context, f HistoryFilter) ([]HistoryEntry, error) {
	var (
		where []string
		args  []any
	)
	if f.TaskID != "" {
		where = append(where, "d.task_id = ?")
		args = append(args, f.TaskID)
	}
	if f.Agent != "" {
		where = append(where, "d.agent = ?")
		args = append(args, f.Agent)
	}
	if f.Verdict != "" {
		where = append(where, "r.verdict = ?")
		args = append(args, string(f.Verdict))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	query := `SELECT ` + decisionColumns + `, ` + reviewColumns + `
FROM decisions d
LEFT JOIN review_verdicts r ON r.id = (
  SELECT id FROM review_verdicts WHERE decision_id = d.id ORDER BY created_at DESC LIMIT 1
)`
	if len(where) > 0 {
		query += "\nWHERE " + strings.Join(where, " AND ")
	}
	query += "\nORDER BY d.created_at DESC, d.sequence DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistErr("history", err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var n nullableReview
		d, err := scanDecision(rows, n.dest()...)
		if err != nil {
			return nil, persistErr("scan history", err)
		}
		out = append(out, HistoryEntry{Decision: *d, Review: n.record()})
	}
	return out, rows.Err()
}

// StatusSummary aggregates counts across the governance trail.
type StatusSummary struct {
	Decisions       int                               `json:"decisions"`
	Plans           int                               `json:"plans"`
	Completions     int                               `json:"completions"`
	Verdicts        map[governance.Verdict]int        `json:"verdicts"`
	GovernedTasks   map[governance.GovernedStatus]int `json:"governed_tasks"`
	TaskReviews     map[governance.ReviewStatus]int   `json:"task_reviews"`
	HolisticReviews map[governance.Verdict]int        `json:"holistic_reviews"`
	PendingSessions int                               `json:"pending_sessions"`
}

// StatusSummary computes aggregate counts for the governance status view.
func (s *Store) StatusSummary(ctx context.Context) (*StatusSummary, error) {
	sum := &StatusSummary{
		Verdicts:        map[governance.Verdict]int{},
		GovernedTasks:   map[governance.GovernedStatus]int{},
		TaskReviews:     map[governance.ReviewStatus]int{},
		HolisticReviews: map[governance.Verdict]int{},
	}

	scalars := []struct {
		query string
		dest  *int
	}{
		{`SELECT COUNT(*) FROM decisions`, &sum.Decisions},
		{`SELECT COUNT(*) FROM plans`, &sum.Plans},
		{`SELECT COUNT(*) FROM completions`, &sum.Completions},
		{`SELECT COUNT(*) FROM session_markers WHERE pending = 1`, &sum.PendingSessions},
	}
	for _, q := range scalars {
		if err := s.db.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil {
			return nil, persistErr("status summary", err)
		}
	}

	grouped := []struct {
		query string
		add   func(key string, n int)
	}{
		{`SELECT verdict, COUNT(*) FROM review_verdicts GROUP BY verdict`,
			func(k string, n int) { sum.Verdicts[governance.Verdict(k)] = n }},
		{`SELECT status, COUNT(*) FROM governed_tasks GROUP BY status`,
			func(k string, n int) { sum.GovernedTasks[governance.GovernedStatus(k)] = n }},
		{`SELECT status, COUNT(*) FROM task_reviews GROUP BY status`,
			func(k string, n int) { sum.TaskReviews[governance.ReviewStatus(k)] = n }},
		{`SELECT COALESCE(verdict, 'unevaluated'), COUNT(*) FROM holistic_reviews GROUP BY 1`,
			func(k string, n int) { sum.HolisticReviews[governance.Verdict(k)] = n }},
	}
	for _, g := range grouped {
		if err := s.groupCount(ctx, g.query, g.add); err != nil {
			return nil, persistErr("status summary", err)
		}
	}
	return sum, nil
}

func (s *Store) groupCount(ctx context.Context, query string, add func(string, int)) error {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			key string
			n   int
		)
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		add(key, n)
	}
	return rows.Err()
}
