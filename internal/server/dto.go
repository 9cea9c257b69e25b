package server

import (
	"time"

	"civicflow/internal/domain"
	"civicflow/internal/engine"
)

// Request payloads

type CreateReportRequest struct {
	Title        string `json:"title" maxLength:"200"`
	Description  string `json:"description,omitempty"`
	DepartmentID int64  `json:"department_id"`
}

type NotesRequest struct {
	Notes string `json:"notes,omitempty"`
}

type ReasonRequest struct {
	Reason string `json:"reason"`
}

type OptionalReasonRequest struct {
	Reason string `json:"reason,omitempty"`
}

type AssignTeamRequest struct {
	TeamID int64  `json:"team_id"`
	Notes  string `json:"notes,omitempty"`
}

type AssignUserRequest struct {
	UserID int64  `json:"user_id"`
	Notes  string `json:"notes,omitempty"`
}

type AcceptRequest struct {
	Notes                 string     `json:"notes,omitempty"`
	EstimatedCompletionAt *time.Time `json:"estimated_completion_at,omitempty"`
}

type CompleteRequest struct {
	ResolutionNotes string  `json:"resolution_notes"`
	ProofMediaIDs   []int64 `json:"proof_media_ids"`
}

type ForwardRequest struct {
	DepartmentID int64  `json:"department_id"`
	Reason       string `json:"reason"`
}

type DevLoginRequest struct {
	UserID int64 `json:"user_id"`
}

// Response payloads

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	UserID       int64         `json:"user_id"`
	Roles        []domain.Role `json:"roles"`
	DepartmentID *int64        `json:"department_id,omitempty"`
	TeamIDs      []int64       `json:"team_ids"`
	Source       string        `json:"source"`
}

type ReportListResponse struct {
	Items []domain.Report `json:"items"`
	// NextAfterID is set when another page may exist.
	NextAfterID int64 `json:"next_after_id,omitempty"`
}

type reportPath struct {
	ID int64 `path:"id" doc:"Report id"`
}

type reportOutput struct {
	Body domain.Report `json:"body"`
}

type reportViewOutput struct {
	Body engine.ReportView `json:"body"`
}

type assignmentOutput struct {
	Body domain.Assignment `json:"body"`
}

type assignmentsOutput struct {
	Body []domain.Assignment `json:"body"`
}

type statusHistoryOutput struct {
	Body []domain.StatusHistoryEntry `json:"body"`
}

type departmentHistoryOutput struct {
	Body []domain.DepartmentHistoryEntry `json:"body"`
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
