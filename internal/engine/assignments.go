package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"civicflow/internal/domain"
	"civicflow/internal/engine/transition"
)

// AssignToTeam creates an ACTIVE team assignment. It does not change the
// report's status.
func (e Engine) AssignToTeam(ctx context.Context, actorID, reportID, teamID int64, notes string) (domain.Assignment, error) {
	return e.assign(ctx, domain.OpAssignToTeam, actorID, reportID, domain.AssigneeTeam, teamID, notes)
}

// AssignToUser creates an ACTIVE assignment to a single user.
func (e Engine) AssignToUser(ctx context.Context, actorID, reportID, userID int64, notes string) (domain.Assignment, error) {
	return e.assign(ctx, domain.OpAssignToUser, actorID, reportID, domain.AssigneeUser, userID, notes)
}

func (e Engine) assign(ctx context.Context, op domain.Operation, actorID, reportID int64, typ domain.AssigneeType, assigneeID int64, notes string) (domain.Assignment, error) {
	var created domain.Assignment
	_, err := e.mutate(ctx, op, actorID, reportID, func(ctx context.Context, u *unit) error {
		if assigneeID <= 0 {
			return validationError("assignee id required")
		}
		if err := e.checkAssignee(ctx, typ, assigneeID); err != nil {
			return err
		}
		if u.report.Status.Terminal() {
			return &transition.Error{From: transition.Of(u.report), To: transition.Of(u.report), Trigger: "assign", Reason: "report is in a terminal state"}
		}
		if u.active != nil {
			return fmt.Errorf("%w: report %d already has active assignment %d", domain.ErrConflict, u.report.ID, u.active.ID)
		}
		a := domain.Assignment{
			ReportID:         u.report.ID,
			AssigneeType:     typ,
			AssigneeID:       assigneeID,
			Status:           domain.AssignmentActive,
			AssignedByUserID: u.actor.UserID,
			AssignedAt:       u.now,
		}
		if n := strings.TrimSpace(notes); n != "" {
			a.Notes = &n
		}
		// A concurrent assign that slipped past the check above fails here on
		// the one-active-per-report index with ErrConflict.
		id, err := e.Repo.InsertAssignment(ctx, u.tx, a)
		if err != nil {
			return err
		}
		a.ID = id
		created = a
		u.assignmentChanged(a)
		return nil
	})
	return created, err
}

// checkAssignee requires a team to exist, and a user to exist and hold the
// team member role.
func (e Engine) checkAssignee(ctx context.Context, typ domain.AssigneeType, assigneeID int64) error {
	if typ == domain.AssigneeTeam {
		exists, err := e.Teams.TeamExists(ctx, assigneeID)
		if err != nil {
			return err
		}
		if !exists {
			return notFound("team", assigneeID)
		}
		return nil
	}
	assignee, err := e.Users.ResolveActor(ctx, assigneeID)
	if errors.Is(err, domain.ErrNotFound) {
		return notFound("user", assigneeID)
	}
	if err != nil {
		return fmt.Errorf("resolve assignee %d: %w", assigneeID, err)
	}
	if !assignee.HasRole(domain.RoleTeamMember) {
		return validationError("user %d is not a team member", assigneeID)
	}
	return nil
}

type AcceptInput struct {
	Notes                 string
	EstimatedCompletionAt *time.Time
}

// AcceptAssignment records the assignee taking the work and starts it:
// IN_REVIEW becomes IN_PROGRESS.
func (e Engine) AcceptAssignment(ctx context.Context, actorID, reportID int64, in AcceptInput) (domain.Report, error) {
	return e.mutate(ctx, domain.OpAcceptAssignment, actorID, reportID, func(ctx context.Context, u *unit) error {
		if u.active == nil {
			return notFound("active assignment for report", u.report.ID)
		}
		if in.EstimatedCompletionAt != nil && in.EstimatedCompletionAt.Before(u.now) {
			return validationError("estimated completion is in the past")
		}
		if u.active.AcceptedAt != nil {
			return &transition.Error{From: transition.Of(u.report), To: transition.Of(u.report), Trigger: transition.Accept, Reason: "assignment already accepted"}
		}
		if u.report.Status != domain.StatusInReview {
			return &transition.Error{From: transition.Of(u.report), To: transition.State{Status: domain.StatusInProgress}, Trigger: transition.Accept, Reason: "report must be IN_REVIEW"}
		}
		res, err := transition.Validate(transition.Of(u.report), transition.State{Status: domain.StatusInProgress}, transition.Accept)
		if err != nil {
			return err
		}
		a := *u.active
		now := u.now
		a.AcceptedAt = &now
		if in.EstimatedCompletionAt != nil {
			eta := in.EstimatedCompletionAt.UTC()
			a.EstimatedCompletionAt = &eta
		}
		notes := strings.TrimSpace(in.Notes)
		if notes != "" {
			a.Notes = &notes
		}
		if err := e.Repo.UpdateAssignment(ctx, u.tx, a); err != nil {
			return err
		}
		u.active = &a
		u.moveTo(res.Next)
		u.note = notes
		u.assignmentChanged(a)
		return nil
	})
}

type CompleteInput struct {
	ResolutionNotes string
	ProofMediaIDs   []int64
}

// CompleteWork submits finished work for approval. Proof media must exist
// before the transaction commits.
func (e Engine) CompleteWork(ctx context.Context, actorID, reportID int64, in CompleteInput) (domain.Report, error) {
	return e.mutate(ctx, domain.OpCompleteWork, actorID, reportID, func(ctx context.Context, u *unit) error {
		notes := strings.TrimSpace(in.ResolutionNotes)
		if notes == "" {
			return validationError("resolution notes are required")
		}
		if len(in.ProofMediaIDs) == 0 {
			return validationError("at least one proof media id is required")
		}
		proof := dedupe(in.ProofMediaIDs)
		for _, id := range proof {
			if id <= 0 {
				return validationError("invalid proof media id %d", id)
			}
		}
		if u.active == nil {
			return notFound("active assignment for report", u.report.ID)
		}
		working := transition.State{Status: domain.StatusInProgress}
		if !transition.Of(u.report).Equal(working) {
			return &transition.Error{From: transition.Of(u.report), To: transition.State{Status: domain.StatusInProgress, SubStatus: domain.SubStatusPtr(domain.SubStatusPendingApproval)}, Trigger: transition.Complete, Reason: "report must be IN_PROGRESS without a sub-status"}
		}
		next, err := transition.Target(working, transition.Complete)
		if err != nil {
			return err
		}
		ok, err := e.Media.ExistsAll(ctx, proof)
		if err != nil {
			return fmt.Errorf("check proof media: %w", err)
		}
		if !ok {
			return validationError("proof media %v not found", proof)
		}
		a := *u.active
		now := u.now
		a.CompletedAt = &now
		a.ProofMediaIDs = proof
		if err := e.Repo.UpdateAssignment(ctx, u.tx, a); err != nil {
			return err
		}
		u.active = &a
		u.report.ResolutionNotes = &notes
		u.touched = true
		u.moveTo(next)
		u.note = notes
		u.assignmentChanged(a)
		return nil
	})
}

// ApproveCompletion closes the work: the assignment becomes COMPLETED and the
// report DONE with resolvedAt set.
func (e Engine) ApproveCompletion(ctx context.Context, actorID, reportID int64, notes string) (domain.Report, error) {
	return e.mutate(ctx, domain.OpApproveCompletion, actorID, reportID, func(ctx context.Context, u *unit) error {
		next, err := pendingApprovalTarget(u, transition.Approve)
		if err != nil {
			return err
		}
		if u.active == nil {
			return notFound("active assignment for report", u.report.ID)
		}
		a := *u.active
		a.Status = domain.AssignmentCompleted
		if a.CompletedAt == nil {
			now := u.now
			a.CompletedAt = &now
		}
		if err := e.Repo.UpdateAssignment(ctx, u.tx, a); err != nil {
			return err
		}
		u.active = nil
		resolved := u.now
		u.report.ResolvedAt = &resolved
		u.touched = true
		u.moveTo(next)
		u.note = strings.TrimSpace(notes)
		u.assignmentChanged(a)
		return nil
	})
}

// RejectCompletion sends the work back for rework. The assignment stays
// ACTIVE and the reason is kept on the status history entry.
func (e Engine) RejectCompletion(ctx context.Context, actorID, reportID int64, reason string) (domain.Report, error) {
	return e.mutate(ctx, domain.OpRejectCompletion, actorID, reportID, func(ctx context.Context, u *unit) error {
		reason = strings.TrimSpace(reason)
		if reason == "" {
			return validationError("reason is required")
		}
		next, err := pendingApprovalTarget(u, transition.RejectCompletion)
		if err != nil {
			return err
		}
		if u.active != nil {
			a := *u.active
			a.CompletedAt = nil
			if err := e.Repo.UpdateAssignment(ctx, u.tx, a); err != nil {
				return err
			}
			u.active = &a
			u.assignmentChanged(a)
		}
		u.moveTo(next)
		u.note = reason
		return nil
	})
}

func pendingApprovalTarget(u *unit, trigger transition.Trigger) (transition.State, error) {
	awaiting := transition.State{Status: domain.StatusInProgress, SubStatus: domain.SubStatusPtr(domain.SubStatusPendingApproval)}
	if !transition.Of(u.report).Equal(awaiting) {
		return transition.Of(u.report), &transition.Error{From: transition.Of(u.report), To: transition.Of(u.report), Trigger: trigger, Reason: "report is not pending approval"}
	}
	return transition.Target(awaiting, trigger)
}

// CancelAssignment withdraws an assignment the assignee has not accepted yet.
func (e Engine) CancelAssignment(ctx context.Context, actorID, reportID int64) (domain.Assignment, error) {
	var cancelled domain.Assignment
	_, err := e.mutate(ctx, domain.OpCancelAssignment, actorID, reportID, func(ctx context.Context, u *unit) error {
		if u.active == nil {
			return notFound("active assignment for report", u.report.ID)
		}
		if u.active.AcceptedAt != nil {
			return &transition.Error{From: transition.Of(u.report), To: transition.Of(u.report), Trigger: "cancel_assignment", Reason: "assignment already accepted"}
		}
		a := *u.active
		now := u.now
		a.Status = domain.AssignmentCancelled
		a.CancelledAt = &now
		if err := e.Repo.UpdateAssignment(ctx, u.tx, a); err != nil {
			return err
		}
		u.active = nil
		cancelled = a
		u.assignmentChanged(a)
		return nil
	})
	return cancelled, err
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
