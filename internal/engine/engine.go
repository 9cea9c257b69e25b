// Package engine is the single entry point for report lifecycle operations.
// Every mutating operation runs as one transaction: lock the report,
// authorize, validate, mutate, append history, commit, then publish.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"civicflow/internal/audit"
	"civicflow/internal/db"
	"civicflow/internal/directory"
	"civicflow/internal/domain"
	"civicflow/internal/engine/auth"
	"civicflow/internal/engine/transition"
	"civicflow/internal/media"
	"civicflow/internal/notify"
	"civicflow/internal/repo"
	"civicflow/internal/telemetry"
)

const tracerScope = "civicflow/engine"

type Engine struct {
	DB          *sql.DB
	Repo        repo.Repo
	Gate        auth.Gate
	Users       UserDirectory
	Teams       TeamDirectory
	Departments DepartmentDirectory
	Media       MediaService
	Events      Publisher
	Logger      *slog.Logger
	Now         func() time.Time
}

// New returns an engine backed by the directory tables of the same database,
// trusting media ids and publishing nowhere. Callers swap collaborators as needed.
func New(conn *sql.DB, dialect db.Dialect) Engine {
	r := repo.Repo{DB: conn, Dialect: dialect}
	dir := directory.SQL{Repo: r}
	return Engine{
		DB:          conn,
		Repo:        r,
		Users:       dir,
		Teams:       dir,
		Departments: dir,
		Media:       media.Trusting{},
		Events:      notify.Noop{},
		Logger:      slog.Default(),
		Now:         time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func newEventID() string {
	return uuid.NewString()
}

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrValidation, fmt.Sprintf(format, args...))
}

func notFound(kind string, id int64) error {
	return fmt.Errorf("%s %d: %w", kind, id, domain.ErrNotFound)
}

func (e Engine) resolveActor(ctx context.Context, actorID int64) (domain.Actor, error) {
	if actorID <= 0 {
		return domain.Actor{}, validationError("actor id required")
	}
	actor, err := e.Users.ResolveActor(ctx, actorID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return actor, err
		}
		return actor, fmt.Errorf("resolve actor %d: %w", actorID, err)
	}
	actor.UserID = actorID
	return actor, nil
}

// unit is the state one mutating operation works on inside its transaction.
type unit struct {
	tx     *sql.Tx
	actor  domain.Actor
	before domain.Report
	report domain.Report
	active *domain.Assignment
	now    time.Time

	// note goes on the status history entry, if the status changes.
	note string
	// touched marks report columns changed outside status and department.
	touched bool
	dept    *audit.DepartmentChange
	events  []domain.Event
}

func (u *unit) event(typ string) domain.Event {
	return domain.Event{
		ID:         newEventID(),
		Type:       typ,
		ReportID:   u.report.ID,
		ActorID:    u.actor.UserID,
		Status:     u.report.Status,
		SubStatus:  u.report.SubStatus,
		OccurredAt: u.now,
	}
}

func (u *unit) assignmentChanged(a domain.Assignment) {
	ev := u.event(domain.EventAssignmentChanged)
	id := a.ID
	ev.AssignmentID = &id
	ev.AssignmentStatus = a.Status
	u.events = append(u.events, ev)
}

// moveTo applies a validated state change to the working report copy.
func (u *unit) moveTo(next transition.State) {
	u.report.Status = next.Status
	u.report.SubStatus = next.SubStatus
}

func (e Engine) activeAssignment(ctx context.Context, tx *sql.Tx, reportID int64) (*domain.Assignment, error) {
	a, err := e.Repo.ActiveAssignment(ctx, tx, reportID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (e Engine) subject(ctx context.Context, actor domain.Actor, report *domain.Report, active *domain.Assignment) (auth.Subject, error) {
	s := auth.Subject{Report: report, Active: active}
	if active != nil && active.AssigneeType == domain.AssigneeTeam && !actor.InTeam(active.AssigneeID) {
		member, err := e.Teams.IsMember(ctx, actor.UserID, active.AssigneeID)
		if err != nil {
			return s, fmt.Errorf("team membership: %w", err)
		}
		s.ActorInAssignedTeam = member
	}
	return s, nil
}

// mutate runs fn as one locked, authorized unit of work on a report and
// persists whatever fn changed on u.report together with its history.
func (e Engine) mutate(ctx context.Context, op domain.Operation, actorID, reportID int64, fn func(ctx context.Context, u *unit) error) (rep domain.Report, err error) {
	ctx, span := telemetry.Start(ctx, tracerScope, "engine."+string(op),
		attribute.Int64("report.id", reportID), attribute.Int64("actor.id", actorID))
	defer func() { telemetry.End(span, err) }()

	actor, err := e.resolveActor(ctx, actorID)
	if err != nil {
		return domain.Report{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Report{}, err
	}
	defer tx.Rollback()

	report, err := e.Repo.LockReport(ctx, tx, reportID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Report{}, notFound("report", reportID)
	}
	if err != nil {
		return domain.Report{}, err
	}
	active, err := e.activeAssignment(ctx, tx, reportID)
	if err != nil {
		return report, err
	}
	subject, err := e.subject(ctx, actor, &report, active)
	if err != nil {
		return report, err
	}
	if err := e.Gate.Authorize(actor, op, subject); err != nil {
		return report, err
	}

	u := &unit{tx: tx, actor: actor, before: report, report: report, active: active, now: e.now()}
	if err := fn(ctx, u); err != nil {
		return report, err
	}
	if err := e.persist(ctx, u); err != nil {
		return report, err
	}
	if err := tx.Commit(); err != nil {
		return report, err
	}
	e.logger().Debug("report mutated", "op", op, "report_id", reportID, "actor_id", actorID,
		"status", u.report.Status, "events", len(u.events))
	e.publish(ctx, u.events)
	return u.report, nil
}

func (e Engine) persist(ctx context.Context, u *unit) error {
	before, after := transition.Of(u.before), transition.Of(u.report)
	stateChanged := !before.Equal(after)
	deptChanged := u.before.CurrentDepartmentID != u.report.CurrentDepartmentID
	if !stateChanged && !deptChanged && !u.touched {
		return nil
	}
	if !after.Consistent() {
		return fmt.Errorf("refusing to store inconsistent state %s", after)
	}
	u.report.UpdatedAt = u.now
	if err := e.Repo.UpdateReport(ctx, u.tx, u.report); err != nil {
		return fmt.Errorf("update report: %w", err)
	}
	var sc *audit.StatusChange
	if stateChanged {
		sc = &audit.StatusChange{PreviousStatus: u.before.Status, PreviousSubStatus: u.before.SubStatus, Notes: u.note}
	}
	var dc *audit.DepartmentChange
	if deptChanged {
		dc = u.dept
		if dc == nil {
			return errors.New("department changed without a forward reason")
		}
	}
	rec := audit.Recorder{Store: e.Repo, Now: func() time.Time { return u.now }}
	if _, err := rec.Record(ctx, u.tx, u.report, u.actor.UserID, sc, dc); err != nil {
		return err
	}
	if stateChanged {
		ev := u.event(domain.EventStatusChanged)
		prev := u.before.Status
		ev.PreviousStatus = &prev
		u.events = append(u.events, ev)
	}
	if deptChanged {
		ev := u.event(domain.EventForwarded)
		from, to := u.before.CurrentDepartmentID, u.report.CurrentDepartmentID
		ev.FromDepartmentID, ev.ToDepartmentID = &from, &to
		u.events = append(u.events, ev)
	}
	return nil
}

func (e Engine) publish(ctx context.Context, events []domain.Event) {
	if e.Events == nil {
		return
	}
	for _, ev := range events {
		if err := e.Events.Publish(ctx, ev); err != nil {
			e.logger().Warn("publish event failed", "type", ev.Type, "report_id", ev.ReportID, "err", err)
		}
	}
}
