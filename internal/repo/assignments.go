package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"civicflow/internal/db"
	"civicflow/internal/domain"
)

const assignmentColumns = `id,report_id,assignee_type,assignee_id,status,assigned_by_user_id,notes,estimated_completion_at,proof_media_ids,assigned_at,accepted_at,completed_at,rejected_at,cancelled_at`

func scanAssignment(row rowScanner) (domain.Assignment, error) {
	var (
		a                                  domain.Assignment
		notes, proof                       sql.NullString
		eta, assigned, accepted, completed db.NullTime
		rejected, cancelled                db.NullTime
	)
	err := row.Scan(&a.ID, &a.ReportID, &a.AssigneeType, &a.AssigneeID, &a.Status, &a.AssignedByUserID,
		&notes, &eta, &proof, &assigned, &accepted, &completed, &rejected, &cancelled)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if notes.Valid {
		a.Notes = &notes.String
	}
	if proof.Valid && proof.String != "" {
		if err := json.Unmarshal([]byte(proof.String), &a.ProofMediaIDs); err != nil {
			return a, fmt.Errorf("assignment %d proof_media_ids: %w", a.ID, err)
		}
	}
	a.EstimatedCompletionAt = eta.Ptr()
	a.AssignedAt = assigned.Time
	a.AcceptedAt = accepted.Ptr()
	a.CompletedAt = completed.Ptr()
	a.RejectedAt = rejected.Ptr()
	a.CancelledAt = cancelled.Ptr()
	return a, nil
}

func encodeProof(ids []int64) (any, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// InsertAssignment stores a new assignment. A second ACTIVE row for the same
// report trips the partial unique index and surfaces as domain.ErrConflict.
func (r Repo) InsertAssignment(ctx context.Context, tx *sql.Tx, a domain.Assignment) (int64, error) {
	proof, err := encodeProof(a.ProofMediaIDs)
	if err != nil {
		return 0, err
	}
	return r.insert(ctx, tx, `INSERT INTO assignments(report_id,assignee_type,assignee_id,status,assigned_by_user_id,notes,estimated_completion_at,proof_media_ids,assigned_at,accepted_at,completed_at,rejected_at,cancelled_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ReportID, a.AssigneeType, a.AssigneeID, a.Status, a.AssignedByUserID, nullableStringPtr(a.Notes),
		r.Dialect.TimePtr(a.EstimatedCompletionAt), proof, r.Dialect.Time(a.AssignedAt), r.Dialect.TimePtr(a.AcceptedAt),
		r.Dialect.TimePtr(a.CompletedAt), r.Dialect.TimePtr(a.RejectedAt), r.Dialect.TimePtr(a.CancelledAt))
}

func (r Repo) UpdateAssignment(ctx context.Context, tx *sql.Tx, a domain.Assignment) error {
	proof, err := encodeProof(a.ProofMediaIDs)
	if err != nil {
		return err
	}
	res, err := r.exec(ctx, tx, `UPDATE assignments SET status=?, notes=?, estimated_completion_at=?, proof_media_ids=?, accepted_at=?, completed_at=?, rejected_at=?, cancelled_at=? WHERE id=?`,
		a.Status, nullableStringPtr(a.Notes), r.Dialect.TimePtr(a.EstimatedCompletionAt), proof,
		r.Dialect.TimePtr(a.AcceptedAt), r.Dialect.TimePtr(a.CompletedAt), r.Dialect.TimePtr(a.RejectedAt),
		r.Dialect.TimePtr(a.CancelledAt), a.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ActiveAssignment returns the report's ACTIVE assignment or ErrNotFound.
func (r Repo) ActiveAssignment(ctx context.Context, tx *sql.Tx, reportID int64) (domain.Assignment, error) {
	return scanAssignment(r.queryRow(ctx, tx, `SELECT `+assignmentColumns+` FROM assignments WHERE report_id=? AND status=?`,
		reportID, domain.AssignmentActive))
}

func (r Repo) ListAssignments(ctx context.Context, reportID int64) ([]domain.Assignment, error) {
	rows, err := r.query(ctx, nil, `SELECT `+assignmentColumns+` FROM assignments WHERE report_id=? ORDER BY assigned_at, id`, reportID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// CountActiveAssignments is used by integrity checks.
func (r Repo) CountActiveAssignments(ctx context.Context, reportID int64) (int, error) {
	var n int
	err := r.queryRow(ctx, nil, `SELECT COUNT(*) FROM assignments WHERE report_id=? AND status=?`, reportID, domain.AssignmentActive).Scan(&n)
	return n, err
}
