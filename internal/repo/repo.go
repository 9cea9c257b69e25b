package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"civicflow/internal/db"
	"civicflow/internal/domain"
)

// Repo holds every SQL statement the service issues. Methods taking a *sql.Tx
// fall back to the pool when tx is nil.
type Repo struct {
	DB      *sql.DB
	Dialect db.Dialect
}

var ErrNotFound = domain.ErrNotFound

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) on(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

func (r Repo) exec(ctx context.Context, tx *sql.Tx, query string, args ...any) (sql.Result, error) {
	return r.on(tx).ExecContext(ctx, r.Dialect.Rebind(query), args...)
}

func (r Repo) query(ctx context.Context, tx *sql.Tx, query string, args ...any) (*sql.Rows, error) {
	return r.on(tx).QueryContext(ctx, r.Dialect.Rebind(query), args...)
}

func (r Repo) queryRow(ctx context.Context, tx *sql.Tx, query string, args ...any) *sql.Row {
	return r.on(tx).QueryRowContext(ctx, r.Dialect.Rebind(query), args...)
}

// insert runs an INSERT ... RETURNING id statement.
func (r Repo) insert(ctx context.Context, tx *sql.Tx, query string, args ...any) (int64, error) {
	var id int64
	if err := r.queryRow(ctx, tx, query+" RETURNING id", args...).Scan(&id); err != nil {
		if db.IsUniqueViolation(err) {
			return 0, fmt.Errorf("%w: %v", domain.ErrConflict, err)
		}
		return 0, err
	}
	return id, nil
}

const reportColumns = `id,title,description,status,sub_status,current_department_id,resolution_notes,resolved_at,created_by_user_id,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReport(row rowScanner) (domain.Report, error) {
	var (
		rep                  domain.Report
		subStatus, notes     sql.NullString
		resolved             db.NullTime
		createdAt, updatedAt db.NullTime
	)
	err := row.Scan(&rep.ID, &rep.Title, &rep.Description, &rep.Status, &subStatus, &rep.CurrentDepartmentID,
		&notes, &resolved, &rep.CreatedByUserID, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return rep, ErrNotFound
	}
	if err != nil {
		return rep, err
	}
	if subStatus.Valid {
		rep.SubStatus = domain.SubStatusPtr(domain.SubStatus(subStatus.String))
	}
	if notes.Valid {
		rep.ResolutionNotes = &notes.String
	}
	rep.ResolvedAt = resolved.Ptr()
	rep.CreatedAt = createdAt.Time
	rep.UpdatedAt = updatedAt.Time
	return rep, nil
}

func (r Repo) InsertReport(ctx context.Context, tx *sql.Tx, rep domain.Report) (int64, error) {
	return r.insert(ctx, tx, `INSERT INTO reports(title,description,status,sub_status,current_department_id,resolution_notes,resolved_at,created_by_user_id,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		rep.Title, rep.Description, rep.Status, nullableSubStatus(rep.SubStatus), rep.CurrentDepartmentID,
		nullableStringPtr(rep.ResolutionNotes), r.Dialect.TimePtr(rep.ResolvedAt), rep.CreatedByUserID,
		r.Dialect.Time(rep.CreatedAt), r.Dialect.Time(rep.UpdatedAt))
}

func (r Repo) GetReport(ctx context.Context, tx *sql.Tx, id int64) (domain.Report, error) {
	return scanReport(r.queryRow(ctx, tx, `SELECT `+reportColumns+` FROM reports WHERE id=?`, id))
}

// LockReport reads a report inside tx and holds its row until commit.
func (r Repo) LockReport(ctx context.Context, tx *sql.Tx, id int64) (domain.Report, error) {
	if tx == nil {
		return domain.Report{}, errors.New("lock report: transaction required")
	}
	return scanReport(r.queryRow(ctx, tx, `SELECT `+reportColumns+` FROM reports WHERE id=?`+r.Dialect.ForUpdate(), id))
}

// UpdateReport writes the mutable lifecycle columns of rep.
func (r Repo) UpdateReport(ctx context.Context, tx *sql.Tx, rep domain.Report) error {
	res, err := r.exec(ctx, tx, `UPDATE reports SET status=?, sub_status=?, current_department_id=?, resolution_notes=?, resolved_at=?, updated_at=? WHERE id=?`,
		rep.Status, nullableSubStatus(rep.SubStatus), rep.CurrentDepartmentID, nullableStringPtr(rep.ResolutionNotes),
		r.Dialect.TimePtr(rep.ResolvedAt), r.Dialect.Time(rep.UpdatedAt), rep.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type ReportFilters struct {
	Status          domain.ReportStatus
	DepartmentID    int64
	CreatedByUserID int64
	Limit           int
	// AfterID pages by descending id.
	AfterID int64
}

func (r Repo) ListReports(ctx context.Context, f ReportFilters) ([]domain.Report, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.DepartmentID != 0 {
		clauses = append(clauses, "current_department_id=?")
		args = append(args, f.DepartmentID)
	}
	if f.CreatedByUserID != 0 {
		clauses = append(clauses, "created_by_user_id=?")
		args = append(args, f.CreatedByUserID)
	}
	if f.AfterID != 0 {
		clauses = append(clauses, "id < ?")
		args = append(args, f.AfterID)
	}
	query := `SELECT ` + reportColumns + ` FROM reports`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.query(ctx, nil, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Report
	for rows.Next() {
		rep, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rep)
	}
	return res, rows.Err()
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableSubStatus(v *domain.SubStatus) any {
	if v == nil {
		return nil
	}
	return string(*v)
}

func nullableStatus(v *domain.ReportStatus) any {
	if v == nil {
		return nil
	}
	return string(*v)
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func utcNow() time.Time {
	return time.Now().UTC()
}
