package domain

import "time"

// Event types published after a lifecycle transaction commits.
const (
	EventReportCreated     = "report.created"
	EventStatusChanged     = "report.status_changed"
	EventAssignmentChanged = "report.assignment_changed"
	EventForwarded         = "report.forwarded"
)

// Event is the outbound notification for a committed change. It carries ids
// and states only, never report text.
type Event struct {
	ID               string           `json:"id"`
	Type             string           `json:"type"`
	ReportID         int64            `json:"report_id"`
	ActorID          int64            `json:"actor_id"`
	Status           ReportStatus     `json:"status,omitempty"`
	SubStatus        *SubStatus       `json:"sub_status,omitempty"`
	PreviousStatus   *ReportStatus    `json:"previous_status,omitempty"`
	AssignmentID     *int64           `json:"assignment_id,omitempty"`
	AssignmentStatus AssignmentStatus `json:"assignment_status,omitempty"`
	FromDepartmentID *int64           `json:"from_department_id,omitempty"`
	ToDepartmentID   *int64           `json:"to_department_id,omitempty"`
	OccurredAt       time.Time        `json:"occurred_at"`
}
