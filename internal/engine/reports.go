package engine

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"civicflow/internal/domain"
	"civicflow/internal/engine/auth"
	"civicflow/internal/engine/transition"
	"civicflow/internal/repo"
	"civicflow/internal/telemetry"
)

const maxTitleLen = 200

type CreateReportInput struct {
	Title        string
	Description  string
	DepartmentID int64
}

// CreateReport files a new OPEN report owned by the actor. Creation writes no
// status history; the first entry is the first transition.
func (e Engine) CreateReport(ctx context.Context, actorID int64, in CreateReportInput) (rep domain.Report, err error) {
	ctx, span := telemetry.Start(ctx, tracerScope, "engine."+string(domain.OpCreateReport), attribute.Int64("actor.id", actorID))
	defer func() { telemetry.End(span, err) }()

	actor, err := e.resolveActor(ctx, actorID)
	if err != nil {
		return rep, err
	}
	if err := e.Gate.Authorize(actor, domain.OpCreateReport, auth.Subject{}); err != nil {
		return rep, err
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return rep, validationError("title is required")
	}
	if len(title) > maxTitleLen {
		return rep, validationError("title longer than %d characters", maxTitleLen)
	}
	if in.DepartmentID <= 0 {
		return rep, validationError("department is required")
	}
	ok, err := e.Departments.DepartmentExists(ctx, in.DepartmentID)
	if err != nil {
		return rep, err
	}
	if !ok {
		return rep, notFound("department", in.DepartmentID)
	}

	now := e.now()
	rep = domain.Report{
		Title:               title,
		Description:         strings.TrimSpace(in.Description),
		Status:              domain.StatusOpen,
		CurrentDepartmentID: in.DepartmentID,
		CreatedByUserID:     actorID,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return rep, err
	}
	defer tx.Rollback()
	id, err := e.Repo.InsertReport(ctx, tx, rep)
	if err != nil {
		return rep, err
	}
	rep.ID = id
	if err := tx.Commit(); err != nil {
		return rep, err
	}
	e.publish(ctx, []domain.Event{{
		ID: newEventID(), Type: domain.EventReportCreated, ReportID: id, ActorID: actorID,
		Status: rep.Status, OccurredAt: now,
	}})
	return rep, nil
}

// ReviewReport moves an OPEN report to IN_REVIEW. Reviewing a report that is
// already IN_REVIEW succeeds without writing anything.
func (e Engine) ReviewReport(ctx context.Context, actorID, reportID int64, notes string) (domain.Report, error) {
	return e.mutate(ctx, domain.OpReviewReport, actorID, reportID, func(ctx context.Context, u *unit) error {
		res, err := transition.Validate(transition.Of(u.report), transition.State{Status: domain.StatusInReview}, transition.Review)
		if err != nil {
			return err
		}
		if res.NoOp {
			return nil
		}
		u.moveTo(res.Next)
		u.note = strings.TrimSpace(notes)
		return nil
	})
}

// RejectReport closes a report as REJECTED. Its active assignment, if any,
// is marked REJECTED in the same transaction.
func (e Engine) RejectReport(ctx context.Context, actorID, reportID int64, reason string) (domain.Report, error) {
	return e.mutate(ctx, domain.OpRejectReport, actorID, reportID, func(ctx context.Context, u *unit) error {
		reason = strings.TrimSpace(reason)
		if reason == "" {
			return validationError("reason is required")
		}
		return e.close(ctx, u, domain.StatusRejected, transition.RejectReport, reason)
	})
}

// CancelReport closes a report as CANCELLED and cancels its active assignment.
func (e Engine) CancelReport(ctx context.Context, actorID, reportID int64, reason string) (domain.Report, error) {
	return e.mutate(ctx, domain.OpCancelReport, actorID, reportID, func(ctx context.Context, u *unit) error {
		return e.close(ctx, u, domain.StatusCancelled, transition.CancelReport, strings.TrimSpace(reason))
	})
}

func (e Engine) close(ctx context.Context, u *unit, status domain.ReportStatus, trigger transition.Trigger, note string) error {
	res, err := transition.Validate(transition.Of(u.report), transition.State{Status: status}, trigger)
	if err != nil {
		return err
	}
	if u.active != nil {
		a := *u.active
		now := u.now
		if status == domain.StatusRejected {
			a.Status, a.RejectedAt = domain.AssignmentRejected, &now
		} else {
			a.Status, a.CancelledAt = domain.AssignmentCancelled, &now
		}
		if err := e.Repo.UpdateAssignment(ctx, u.tx, a); err != nil {
			return err
		}
		u.active = nil
		u.assignmentChanged(a)
	}
	u.moveTo(res.Next)
	u.note = note
	return nil
}

// ReportView is a report as seen by one actor.
type ReportView struct {
	Report           domain.Report      `json:"report"`
	ActiveAssignment *domain.Assignment `json:"active_assignment,omitempty"`
	// Transitions lists the state machine edges out of the current state.
	Transitions []transition.Edge `json:"transitions"`
	// Operations lists what this actor may do to the report.
	Operations []domain.Operation `json:"operations"`
}

// readable loads a report and checks the actor may read it.
func (e Engine) readable(ctx context.Context, actorID, reportID int64) (domain.Actor, domain.Report, auth.Subject, error) {
	actor, err := e.resolveActor(ctx, actorID)
	if err != nil {
		return actor, domain.Report{}, auth.Subject{}, err
	}
	report, err := e.Repo.GetReport(ctx, nil, reportID)
	if errors.Is(err, repo.ErrNotFound) {
		return actor, report, auth.Subject{}, notFound("report", reportID)
	}
	if err != nil {
		return actor, report, auth.Subject{}, err
	}
	active, err := e.activeAssignment(ctx, nil, reportID)
	if err != nil {
		return actor, report, auth.Subject{}, err
	}
	subject, err := e.subject(ctx, actor, &report, active)
	if err != nil {
		return actor, report, subject, err
	}
	if err := e.Gate.Authorize(actor, domain.OpReadReport, subject); err != nil {
		return actor, report, subject, err
	}
	return actor, report, subject, nil
}

func (e Engine) GetReport(ctx context.Context, actorID, reportID int64) (ReportView, error) {
	actor, report, subject, err := e.readable(ctx, actorID, reportID)
	if err != nil {
		return ReportView{}, err
	}
	return ReportView{
		Report:           report,
		ActiveAssignment: subject.Active,
		Transitions:      transition.Allowed(transition.Of(report)),
		Operations:       e.Gate.Permitted(actor, subject),
	}, nil
}

func (e Engine) GetStatusHistory(ctx context.Context, actorID, reportID int64) ([]domain.StatusHistoryEntry, error) {
	if _, _, _, err := e.readable(ctx, actorID, reportID); err != nil {
		return nil, err
	}
	return e.Repo.ListStatusHistory(ctx, reportID)
}

func (e Engine) GetDepartmentHistory(ctx context.Context, actorID, reportID int64) ([]domain.DepartmentHistoryEntry, error) {
	if _, _, _, err := e.readable(ctx, actorID, reportID); err != nil {
		return nil, err
	}
	return e.Repo.ListDepartmentHistory(ctx, reportID)
}

func (e Engine) ListAssignments(ctx context.Context, actorID, reportID int64) ([]domain.Assignment, error) {
	if _, _, _, err := e.readable(ctx, actorID, reportID); err != nil {
		return nil, err
	}
	return e.Repo.ListAssignments(ctx, reportID)
}

type ListReportsInput struct {
	Status       domain.ReportStatus
	DepartmentID int64
	Limit        int
	AfterID      int64
}

// ListReports returns reports visible to the actor: everything for admins,
// the supervisor's department for supervisors, otherwise the actor's own reports.
func (e Engine) ListReports(ctx context.Context, actorID int64, in ListReportsInput) ([]domain.Report, error) {
	actor, err := e.resolveActor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if in.Status != "" && !in.Status.Valid() {
		return nil, validationError("unknown status %q", in.Status)
	}
	if in.Limit < 0 || in.Limit > 500 {
		return nil, validationError("limit must be between 0 and 500")
	}
	f := repo.ReportFilters{Status: in.Status, DepartmentID: in.DepartmentID, Limit: in.Limit, AfterID: in.AfterID}
	switch {
	case actor.HasRole(domain.RoleAdmin):
	case actor.HasRole(domain.RoleSupervisor) && actor.DepartmentID != nil:
		if in.DepartmentID != 0 && in.DepartmentID != *actor.DepartmentID {
			return nil, auth.ForbiddenError{Operation: domain.OpReadReport, Reason: "supervisors list their own department only"}
		}
		f.DepartmentID = *actor.DepartmentID
	default:
		f.CreatedByUserID = actor.UserID
	}
	return e.Repo.ListReports(ctx, f)
}
