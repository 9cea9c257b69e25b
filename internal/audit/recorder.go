// Package audit appends report status and department history inside the
// transaction that performed the change.
package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"civicflow/internal/domain"
)

// Store is the persistence the recorder needs; repo.Repo satisfies it.
type Store interface {
	InsertStatusHistory(ctx context.Context, tx *sql.Tx, e domain.StatusHistoryEntry) (int64, error)
	InsertDepartmentHistory(ctx context.Context, tx *sql.Tx, e domain.DepartmentHistoryEntry) (int64, error)
	LastStatusChange(ctx context.Context, tx *sql.Tx, reportID int64) (*time.Time, error)
	LastDepartmentChange(ctx context.Context, tx *sql.Tx, reportID int64) (*time.Time, error)
}

// StatusChange describes the state the report left. The new state is read
// from the report passed to Record.
type StatusChange struct {
	PreviousStatus    domain.ReportStatus
	PreviousSubStatus *domain.SubStatus
	Notes             string
}

type DepartmentChange struct {
	OldDepartmentID int64
	Reason          string
}

type Recorded struct {
	Status     *domain.StatusHistoryEntry
	Department *domain.DepartmentHistoryEntry
}

var errNothingChanged = errors.New("audit: recorded change does not change anything")

type Recorder struct {
	Store Store
	Now   func() time.Time
}

func (r Recorder) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

// Record appends at most one entry per stream for report, which must already
// carry its post-change state. changed_at never precedes the stream's previous
// entry so ordering by time matches append order.
func (r Recorder) Record(ctx context.Context, tx *sql.Tx, report domain.Report, actorID int64, status *StatusChange, dept *DepartmentChange) (Recorded, error) {
	var out Recorded
	if tx == nil {
		return out, errors.New("audit: transaction required")
	}
	now := r.now()
	if status != nil {
		if status.PreviousStatus == report.Status && sameSubStatus(status.PreviousSubStatus, report.SubStatus) {
			return out, errNothingChanged
		}
		at, err := r.clamp(ctx, tx, now, r.Store.LastStatusChange, report.ID)
		if err != nil {
			return out, err
		}
		entry := domain.StatusHistoryEntry{
			ReportID:          report.ID,
			PreviousStatus:    domain.StatusPtr(status.PreviousStatus),
			PreviousSubStatus: status.PreviousSubStatus,
			NewStatus:         report.Status,
			NewSubStatus:      report.SubStatus,
			ChangedByUserID:   actorID,
			ChangedAt:         at,
		}
		if status.Notes != "" {
			notes := status.Notes
			entry.Notes = &notes
		}
		id, err := r.Store.InsertStatusHistory(ctx, tx, entry)
		if err != nil {
			return out, fmt.Errorf("audit: status history: %w", err)
		}
		entry.ID = id
		out.Status = &entry
	}
	if dept != nil {
		if dept.OldDepartmentID == report.CurrentDepartmentID {
			return out, errNothingChanged
		}
		at, err := r.clamp(ctx, tx, now, r.Store.LastDepartmentChange, report.ID)
		if err != nil {
			return out, err
		}
		entry := domain.DepartmentHistoryEntry{
			ReportID:        report.ID,
			OldDepartmentID: dept.OldDepartmentID,
			NewDepartmentID: report.CurrentDepartmentID,
			Reason:          dept.Reason,
			ChangedByUserID: actorID,
			ChangedAt:       at,
		}
		id, err := r.Store.InsertDepartmentHistory(ctx, tx, entry)
		if err != nil {
			return out, fmt.Errorf("audit: department history: %w", err)
		}
		entry.ID = id
		out.Department = &entry
	}
	return out, nil
}

func (r Recorder) clamp(ctx context.Context, tx *sql.Tx, now time.Time, last func(context.Context, *sql.Tx, int64) (*time.Time, error), reportID int64) (time.Time, error) {
	prev, err := last(ctx, tx, reportID)
	if err != nil {
		return now, fmt.Errorf("audit: last entry: %w", err)
	}
	if prev != nil && now.Before(*prev) {
		return *prev, nil
	}
	return now, nil
}

func sameSubStatus(a, b *domain.SubStatus) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
