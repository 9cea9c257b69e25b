// Package auth decides whether an actor may run a lifecycle operation on a
// report. Decisions are pure; the caller loads the report, its active
// assignment and the actor's team membership first.
package auth

import (
	"fmt"

	"civicflow/internal/domain"
)

// ForbiddenError indicates the actor's roles or scope do not allow the operation.
type ForbiddenError struct {
	Operation domain.Operation
	Reason    string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("%s not permitted: %s", e.Operation, e.Reason)
}

func (e ForbiddenError) Unwrap() error { return domain.ErrForbidden }

// Subject is what an operation acts on. Report is nil for create.
type Subject struct {
	Report *domain.Report
	Active *domain.Assignment
	// ActorInAssignedTeam is true when Active is a TEAM assignment and the
	// actor belongs to that team.
	ActorInAssignedTeam bool
}

type rule func(actor domain.Actor, s Subject) (bool, string)

// Gate maps each operation to its rule. The zero value is ready to use.
type Gate struct{}

var rules = map[domain.Operation]rule{
	domain.OpCreateReport:      citizenCreates,
	domain.OpReadReport:        canRead,
	domain.OpCancelReport:      authorCancels,
	domain.OpAcceptAssignment:  assigneeOnly,
	domain.OpCompleteWork:      assigneeOnly,
	domain.OpReviewReport:      departmentScoped,
	domain.OpAssignToTeam:      departmentScoped,
	domain.OpAssignToUser:      departmentScoped,
	domain.OpForwardDepartment: departmentScoped,
	domain.OpApproveCompletion: departmentScoped,
	domain.OpRejectCompletion:  departmentScoped,
	domain.OpRejectReport:      departmentScoped,
	domain.OpCancelAssignment:  departmentScoped,
}

// Authorize returns nil when op is allowed, otherwise a ForbiddenError.
// SYSTEM_ADMIN is allowed everything; for other actors any one matching role suffices.
func (Gate) Authorize(actor domain.Actor, op domain.Operation, s Subject) error {
	r, ok := rules[op]
	if !ok {
		return ForbiddenError{Operation: op, Reason: "unknown operation"}
	}
	if actor.HasRole(domain.RoleAdmin) {
		return nil
	}
	if op != domain.OpCreateReport && s.Report == nil {
		return ForbiddenError{Operation: op, Reason: "no report in scope"}
	}
	if allowed, reason := r(actor, s); !allowed {
		return ForbiddenError{Operation: op, Reason: reason}
	}
	return nil
}

// Permitted lists the operations actor may run on s, in a stable order.
func (g Gate) Permitted(actor domain.Actor, s Subject) []domain.Operation {
	order := []domain.Operation{
		domain.OpReadReport, domain.OpReviewReport, domain.OpAssignToTeam, domain.OpAssignToUser,
		domain.OpAcceptAssignment, domain.OpCompleteWork, domain.OpApproveCompletion, domain.OpRejectCompletion,
		domain.OpCancelAssignment, domain.OpForwardDepartment, domain.OpRejectReport, domain.OpCancelReport,
	}
	var out []domain.Operation
	for _, op := range order {
		if g.Authorize(actor, op, s) == nil {
			out = append(out, op)
		}
	}
	return out
}

func citizenCreates(actor domain.Actor, _ Subject) (bool, string) {
	if actor.HasRole(domain.RoleCitizen) {
		return true, ""
	}
	return false, "only citizens create reports"
}

func isAuthor(actor domain.Actor, s Subject) bool {
	return s.Report.CreatedByUserID == actor.UserID
}

func inDepartment(actor domain.Actor, s Subject) bool {
	return actor.DepartmentID != nil && *actor.DepartmentID == s.Report.CurrentDepartmentID
}

func isAssignee(actor domain.Actor, s Subject) bool {
	if s.Active == nil || s.Active.Status != domain.AssignmentActive {
		return false
	}
	switch s.Active.AssigneeType {
	case domain.AssigneeUser:
		return s.Active.AssigneeID == actor.UserID
	case domain.AssigneeTeam:
		return s.ActorInAssignedTeam || actor.InTeam(s.Active.AssigneeID)
	}
	return false
}

func authorCancels(actor domain.Actor, s Subject) (bool, string) {
	if actor.HasRole(domain.RoleCitizen) && isAuthor(actor, s) {
		return true, ""
	}
	return false, "only the author may cancel a report"
}

func assigneeOnly(actor domain.Actor, s Subject) (bool, string) {
	if !actor.HasRole(domain.RoleTeamMember) {
		return false, "team member role required"
	}
	if !isAssignee(actor, s) {
		return false, "actor is not the active assignee"
	}
	return true, ""
}

func departmentScoped(actor domain.Actor, s Subject) (bool, string) {
	if !actor.HasRole(domain.RoleSupervisor) {
		return false, "department supervisor role required"
	}
	if !inDepartment(actor, s) {
		return false, fmt.Sprintf("report belongs to department %d", s.Report.CurrentDepartmentID)
	}
	return true, ""
}

func canRead(actor domain.Actor, s Subject) (bool, string) {
	switch {
	case isAuthor(actor, s):
		return true, ""
	case actor.HasRole(domain.RoleSupervisor) && inDepartment(actor, s):
		return true, ""
	case isAssignee(actor, s):
		return true, ""
	}
	return false, "actor is not the author, a supervisor of the department, or the assignee"
}
