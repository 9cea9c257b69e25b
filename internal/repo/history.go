package repo

import (
	"context"
	"database/sql"
	"time"

	"civicflow/internal/db"
	"civicflow/internal/domain"
)

// Both history tables are append-only: there are no update or delete statements for them.

func (r Repo) InsertStatusHistory(ctx context.Context, tx *sql.Tx, e domain.StatusHistoryEntry) (int64, error) {
	return r.insert(ctx, tx, `INSERT INTO report_status_history(report_id,previous_status,previous_sub_status,new_status,new_sub_status,changed_by_user_id,notes,changed_at)
VALUES (?,?,?,?,?,?,?,?)`,
		e.ReportID, nullableStatus(e.PreviousStatus), nullableSubStatus(e.PreviousSubStatus), e.NewStatus,
		nullableSubStatus(e.NewSubStatus), e.ChangedByUserID, nullableStringPtr(e.Notes), r.Dialect.Time(e.ChangedAt))
}

func (r Repo) InsertDepartmentHistory(ctx context.Context, tx *sql.Tx, e domain.DepartmentHistoryEntry) (int64, error) {
	return r.insert(ctx, tx, `INSERT INTO department_history(report_id,old_department_id,new_department_id,reason,changed_by_user_id,changed_at)
VALUES (?,?,?,?,?,?)`,
		e.ReportID, e.OldDepartmentID, e.NewDepartmentID, e.Reason, e.ChangedByUserID, r.Dialect.Time(e.ChangedAt))
}

// LastStatusChange returns the changed_at of the newest status entry, if any.
func (r Repo) LastStatusChange(ctx context.Context, tx *sql.Tx, reportID int64) (*time.Time, error) {
	return r.lastChange(ctx, tx, `SELECT MAX(changed_at) FROM report_status_history WHERE report_id=?`, reportID)
}

// LastDepartmentChange returns the changed_at of the newest department entry, if any.
func (r Repo) LastDepartmentChange(ctx context.Context, tx *sql.Tx, reportID int64) (*time.Time, error) {
	return r.lastChange(ctx, tx, `SELECT MAX(changed_at) FROM department_history WHERE report_id=?`, reportID)
}

func (r Repo) lastChange(ctx context.Context, tx *sql.Tx, query string, reportID int64) (*time.Time, error) {
	var t db.NullTime
	if err := r.queryRow(ctx, tx, query, reportID).Scan(&t); err != nil {
		return nil, err
	}
	return t.Ptr(), nil
}

func (r Repo) ListStatusHistory(ctx context.Context, reportID int64) ([]domain.StatusHistoryEntry, error) {
	rows, err := r.query(ctx, nil, `SELECT id,report_id,previous_status,previous_sub_status,new_status,new_sub_status,changed_by_user_id,notes,changed_at
FROM report_status_history WHERE report_id=? ORDER BY changed_at, id`, reportID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StatusHistoryEntry
	for rows.Next() {
		var (
			e                          domain.StatusHistoryEntry
			prev, prevSub, newSub, nts sql.NullString
			changedAt                  db.NullTime
		)
		if err := rows.Scan(&e.ID, &e.ReportID, &prev, &prevSub, &e.NewStatus, &newSub, &e.ChangedByUserID, &nts, &changedAt); err != nil {
			return nil, err
		}
		if prev.Valid {
			e.PreviousStatus = domain.StatusPtr(domain.ReportStatus(prev.String))
		}
		if prevSub.Valid {
			e.PreviousSubStatus = domain.SubStatusPtr(domain.SubStatus(prevSub.String))
		}
		if newSub.Valid {
			e.NewSubStatus = domain.SubStatusPtr(domain.SubStatus(newSub.String))
		}
		if nts.Valid {
			e.Notes = &nts.String
		}
		e.ChangedAt = changedAt.Time
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) ListDepartmentHistory(ctx context.Context, reportID int64) ([]domain.DepartmentHistoryEntry, error) {
	rows, err := r.query(ctx, nil, `SELECT id,report_id,old_department_id,new_department_id,reason,changed_by_user_id,changed_at
FROM department_history WHERE report_id=? ORDER BY changed_at, id`, reportID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DepartmentHistoryEntry
	for rows.Next() {
		var e domain.DepartmentHistoryEntry
		var changedAt db.NullTime
		if err := rows.Scan(&e.ID, &e.ReportID, &e.OldDepartmentID, &e.NewDepartmentID, &e.Reason, &e.ChangedByUserID, &changedAt); err != nil {
			return nil, err
		}
		e.ChangedAt = changedAt.Time
		res = append(res, e)
	}
	return res, rows.Err()
}
