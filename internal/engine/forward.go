package engine

import (
	"context"
	"strings"

	"civicflow/internal/audit"
	"civicflow/internal/domain"
	"civicflow/internal/engine/transition"
)

// ForwardDepartment moves ownership of a report to another department. The
// status and any active assignment are left as they are.
func (e Engine) ForwardDepartment(ctx context.Context, actorID, reportID, targetDepartmentID int64, reason string) (domain.Report, error) {
	return e.mutate(ctx, domain.OpForwardDepartment, actorID, reportID, func(ctx context.Context, u *unit) error {
		reason = strings.TrimSpace(reason)
		if reason == "" {
			return validationError("forward reason is required")
		}
		if targetDepartmentID <= 0 {
			return validationError("target department is required")
		}
		if targetDepartmentID == u.report.CurrentDepartmentID {
			return validationError("report already belongs to department %d", targetDepartmentID)
		}
		ok, err := e.Departments.DepartmentExists(ctx, targetDepartmentID)
		if err != nil {
			return err
		}
		if !ok {
			return notFound("department", targetDepartmentID)
		}
		if u.report.Status.Terminal() {
			return &transition.Error{From: transition.Of(u.report), To: transition.Of(u.report), Trigger: "forward", Reason: "report is in a terminal state"}
		}
		u.dept = &audit.DepartmentChange{OldDepartmentID: u.report.CurrentDepartmentID, Reason: reason}
		u.report.CurrentDepartmentID = targetDepartmentID
		return nil
	})
}
