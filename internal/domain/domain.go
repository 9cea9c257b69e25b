package domain

import "time"

type ReportStatus string

const (
	StatusOpen       ReportStatus = "OPEN"
	StatusInReview   ReportStatus = "IN_REVIEW"
	StatusInProgress ReportStatus = "IN_PROGRESS"
	StatusDone       ReportStatus = "DONE"
	StatusRejected   ReportStatus = "REJECTED"
	StatusCancelled  ReportStatus = "CANCELLED"
)

// Terminal reports admit no further status change.
func (s ReportStatus) Terminal() bool {
	return s == StatusDone || s == StatusRejected || s == StatusCancelled
}

func (s ReportStatus) Valid() bool {
	switch s {
	case StatusOpen, StatusInReview, StatusInProgress, StatusDone, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

type SubStatus string

const SubStatusPendingApproval SubStatus = "PENDING_APPROVAL"

type AssigneeType string

const (
	AssigneeUser AssigneeType = "USER"
	AssigneeTeam AssigneeType = "TEAM"
)

type AssignmentStatus string

const (
	AssignmentActive    AssignmentStatus = "ACTIVE"
	AssignmentCompleted AssignmentStatus = "COMPLETED"
	AssignmentCancelled AssignmentStatus = "CANCELLED"
	AssignmentRejected  AssignmentStatus = "REJECTED"
)

type Role string

const (
	RoleCitizen    Role = "CITIZEN"
	RoleTeamMember Role = "TEAM_MEMBER"
	RoleSupervisor Role = "DEPARTMENT_SUPERVISOR"
	RoleAdmin      Role = "SYSTEM_ADMIN"
)

func (r Role) Valid() bool {
	switch r {
	case RoleCitizen, RoleTeamMember, RoleSupervisor, RoleAdmin:
		return true
	}
	return false
}

// Operation names an action exposed at the lifecycle boundary.
type Operation string

const (
	OpCreateReport      Operation = "create_report"
	OpReadReport        Operation = "read_report"
	OpReviewReport      Operation = "review_report"
	OpAssignToTeam      Operation = "assign_to_team"
	OpAssignToUser      Operation = "assign_to_user"
	OpAcceptAssignment  Operation = "accept_assignment"
	OpCompleteWork      Operation = "complete_work"
	OpApproveCompletion Operation = "approve_completion"
	OpRejectCompletion  Operation = "reject_completion"
	OpCancelAssignment  Operation = "cancel_assignment"
	OpForwardDepartment Operation = "forward_department"
	OpRejectReport      Operation = "reject_report"
	OpCancelReport      Operation = "cancel_report"
)

type Report struct {
	ID                  int64        `json:"id"`
	Title               string       `json:"title"`
	Description         string       `json:"description"`
	Status              ReportStatus `json:"status" enum:"OPEN,IN_REVIEW,IN_PROGRESS,DONE,REJECTED,CANCELLED"`
	SubStatus           *SubStatus   `json:"sub_status,omitempty"`
	CurrentDepartmentID int64        `json:"current_department_id"`
	ResolutionNotes     *string      `json:"resolution_notes,omitempty"`
	ResolvedAt          *time.Time   `json:"resolved_at,omitempty"`
	CreatedByUserID     int64        `json:"created_by_user_id"`
	CreatedAt           time.Time    `json:"created_at"`
	UpdatedAt           time.Time    `json:"updated_at"`
}

type Assignment struct {
	ID                    int64            `json:"id"`
	ReportID              int64            `json:"report_id"`
	AssigneeType          AssigneeType     `json:"assignee_type" enum:"USER,TEAM"`
	AssigneeID            int64            `json:"assignee_id"`
	Status                AssignmentStatus `json:"status" enum:"ACTIVE,COMPLETED,CANCELLED,REJECTED"`
	AssignedByUserID      int64            `json:"assigned_by_user_id"`
	Notes                 *string          `json:"notes,omitempty"`
	EstimatedCompletionAt *time.Time       `json:"estimated_completion_at,omitempty"`
	ProofMediaIDs         []int64          `json:"proof_media_ids,omitempty"`
	AssignedAt            time.Time        `json:"assigned_at"`
	AcceptedAt            *time.Time       `json:"accepted_at,omitempty"`
	CompletedAt           *time.Time       `json:"completed_at,omitempty"`
	RejectedAt            *time.Time       `json:"rejected_at,omitempty"`
	CancelledAt           *time.Time       `json:"cancelled_at,omitempty"`
}

type StatusHistoryEntry struct {
	ID                int64         `json:"id"`
	ReportID          int64         `json:"report_id"`
	PreviousStatus    *ReportStatus `json:"previous_status,omitempty"`
	PreviousSubStatus *SubStatus    `json:"previous_sub_status,omitempty"`
	NewStatus         ReportStatus  `json:"new_status"`
	NewSubStatus      *SubStatus    `json:"new_sub_status,omitempty"`
	ChangedByUserID   int64         `json:"changed_by_user_id"`
	Notes             *string       `json:"notes,omitempty"`
	ChangedAt         time.Time     `json:"changed_at"`
}

type DepartmentHistoryEntry struct {
	ID              int64     `json:"id"`
	ReportID        int64     `json:"report_id"`
	OldDepartmentID int64     `json:"old_department_id"`
	NewDepartmentID int64     `json:"new_department_id"`
	Reason          string    `json:"reason"`
	ChangedByUserID int64     `json:"changed_by_user_id"`
	ChangedAt       time.Time `json:"changed_at"`
}

// Actor is resolved per request from the user directory and never persisted by the engine.
type Actor struct {
	UserID       int64   `json:"user_id"`
	Roles        []Role  `json:"roles"`
	DepartmentID *int64  `json:"department_id,omitempty"`
	TeamIDs      []int64 `json:"team_ids"`
}

func (a Actor) HasRole(role Role) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func (a Actor) InTeam(teamID int64) bool {
	for _, id := range a.TeamIDs {
		if id == teamID {
			return true
		}
	}
	return false
}

type APIKey struct {
	ID        string    `json:"id"`
	UserID    int64     `json:"user_id"`
	Name      string    `json:"name,omitempty"`
	KeyHash   string    `json:"key_hash"`
	CreatedAt time.Time `json:"created_at"`
}

// SubStatusPtr is a convenience for building optional sub-statuses.
func SubStatusPtr(s SubStatus) *SubStatus { return &s }

func StatusPtr(s ReportStatus) *ReportStatus { return &s }
