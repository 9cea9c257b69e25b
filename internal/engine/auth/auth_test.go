package auth

import (
	"errors"
	"testing"

	"civicflow/internal/domain"
)

func deptPtr(id int64) *int64 { return &id }

func TestAuthorize(t *testing.T) {
	report := &domain.Report{ID: 1, CreatedByUserID: 100, CurrentDepartmentID: 5}
	teamAssignment := &domain.Assignment{ReportID: 1, AssigneeType: domain.AssigneeTeam, AssigneeID: 7, Status: domain.AssignmentActive}
	userAssignment := &domain.Assignment{ReportID: 1, AssigneeType: domain.AssigneeUser, AssigneeID: 300, Status: domain.AssignmentActive}

	author := domain.Actor{UserID: 100, Roles: []domain.Role{domain.RoleCitizen}}
	otherCitizen := domain.Actor{UserID: 101, Roles: []domain.Role{domain.RoleCitizen}}
	supervisor := domain.Actor{UserID: 200, Roles: []domain.Role{domain.RoleSupervisor}, DepartmentID: deptPtr(5)}
	foreignSupervisor := domain.Actor{UserID: 201, Roles: []domain.Role{domain.RoleSupervisor}, DepartmentID: deptPtr(6)}
	member := domain.Actor{UserID: 300, Roles: []domain.Role{domain.RoleTeamMember}, TeamIDs: []int64{7}}
	outsider := domain.Actor{UserID: 301, Roles: []domain.Role{domain.RoleTeamMember}, TeamIDs: []int64{8}}
	admin := domain.Actor{UserID: 1, Roles: []domain.Role{domain.RoleAdmin}}
	// Supervisor of another department who is also on the assigned team.
	mixed := domain.Actor{UserID: 302, Roles: []domain.Role{domain.RoleSupervisor, domain.RoleTeamMember}, DepartmentID: deptPtr(6), TeamIDs: []int64{7}}

	cases := []struct {
		name    string
		actor   domain.Actor
		op      domain.Operation
		subject Subject
		allowed bool
	}{
		{"citizen creates", author, domain.OpCreateReport, Subject{}, true},
		{"supervisor cannot create", supervisor, domain.OpCreateReport, Subject{}, false},
		{"author reads", author, domain.OpReadReport, Subject{Report: report}, true},
		{"other citizen cannot read", otherCitizen, domain.OpReadReport, Subject{Report: report}, false},
		{"author cancels", author, domain.OpCancelReport, Subject{Report: report}, true},
		{"other citizen cannot cancel", otherCitizen, domain.OpCancelReport, Subject{Report: report}, false},
		{"supervisor reviews", supervisor, domain.OpReviewReport, Subject{Report: report}, true},
		{"foreign supervisor cannot assign", foreignSupervisor, domain.OpAssignToTeam, Subject{Report: report}, false},
		{"foreign supervisor cannot read", foreignSupervisor, domain.OpReadReport, Subject{Report: report}, false},
		{"supervisor forwards", supervisor, domain.OpForwardDepartment, Subject{Report: report}, true},
		{"team member accepts via team", member, domain.OpAcceptAssignment, Subject{Report: report, Active: teamAssignment}, true},
		{"team member accepts via directory", outsider, domain.OpAcceptAssignment, Subject{Report: report, Active: teamAssignment, ActorInAssignedTeam: true}, true},
		{"outsider cannot accept", outsider, domain.OpCompleteWork, Subject{Report: report, Active: teamAssignment}, false},
		{"direct assignee completes", member, domain.OpCompleteWork, Subject{Report: report, Active: userAssignment}, true},
		{"no active assignment", member, domain.OpAcceptAssignment, Subject{Report: report}, false},
		{"assignee reads", member, domain.OpReadReport, Subject{Report: report, Active: teamAssignment}, true},
		{"team member cannot approve", member, domain.OpApproveCompletion, Subject{Report: report, Active: teamAssignment}, false},
		{"any role suffices", mixed, domain.OpAcceptAssignment, Subject{Report: report, Active: teamAssignment}, true},
		{"admin unscoped", admin, domain.OpApproveCompletion, Subject{Report: report}, true},
		{"admin creates", admin, domain.OpCreateReport, Subject{}, true},
		{"missing report", supervisor, domain.OpReviewReport, Subject{}, false},
	}
	var g Gate
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := g.Authorize(tc.actor, tc.op, tc.subject)
			if tc.allowed && err != nil {
				t.Fatalf("expected allowed, got %v", err)
			}
			if !tc.allowed {
				if !errors.Is(err, domain.ErrForbidden) {
					t.Fatalf("expected forbidden, got %v", err)
				}
				var fe ForbiddenError
				if !errors.As(err, &fe) || fe.Operation != tc.op || fe.Reason == "" {
					t.Fatalf("expected ForbiddenError with reason, got %#v", err)
				}
			}
		})
	}
}

func TestPermitted(t *testing.T) {
	report := &domain.Report{ID: 1, CreatedByUserID: 100, CurrentDepartmentID: 5}
	author := domain.Actor{UserID: 100, Roles: []domain.Role{domain.RoleCitizen}}
	got := Gate{}.Permitted(author, Subject{Report: report})
	if len(got) != 2 || got[0] != domain.OpReadReport || got[1] != domain.OpCancelReport {
		t.Fatalf("unexpected operations %v", got)
	}
}
