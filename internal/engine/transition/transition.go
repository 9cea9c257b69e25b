// Package transition holds the report state machine. It is pure: callers
// load the current state, ask whether a move is legal, and persist the result.
package transition

import (
	"fmt"

	"civicflow/internal/domain"
)

// Trigger names the lifecycle operation asking for a move. Each edge of the
// graph can only be taken by its own trigger.
type Trigger string

const (
	Review           Trigger = "review"
	Accept           Trigger = "accept"
	Complete         Trigger = "complete"
	Approve          Trigger = "approve"
	RejectCompletion Trigger = "reject_completion"
	RejectReport     Trigger = "reject_report"
	CancelReport     Trigger = "cancel_report"
)

type State struct {
	Status    domain.ReportStatus `json:"status"`
	SubStatus *domain.SubStatus   `json:"sub_status,omitempty"`
}

func Of(r domain.Report) State {
	return State{Status: r.Status, SubStatus: r.SubStatus}
}

func (s State) Equal(o State) bool {
	if s.Status != o.Status {
		return false
	}
	if s.SubStatus == nil || o.SubStatus == nil {
		return s.SubStatus == nil && o.SubStatus == nil
	}
	return *s.SubStatus == *o.SubStatus
}

// Consistent reports whether a sub-status only appears under IN_PROGRESS.
func (s State) Consistent() bool {
	return s.SubStatus == nil || s.Status == domain.StatusInProgress
}

func (s State) clone() State {
	if s.SubStatus != nil {
		s.SubStatus = domain.SubStatusPtr(*s.SubStatus)
	}
	return s
}

func (s State) String() string {
	if s.SubStatus == nil {
		return string(s.Status)
	}
	return string(s.Status) + "/" + string(*s.SubStatus)
}

type Result struct {
	Next State
	// NoOp is set when the requested state equals the current one. Nothing
	// should be written in that case.
	NoOp bool
}

// Error is returned for every denied move.
type Error struct {
	From    State
	To      State
	Trigger Trigger
	Reason  string
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("invalid transition %s -> %s via %s", e.From, e.To, e.Trigger)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *Error) Unwrap() error { return domain.ErrInvalidTransition }

// Edge is one permitted move.
type Edge struct {
	From    State   `json:"from"`
	To      State   `json:"to"`
	Trigger Trigger `json:"trigger"`
}

var (
	pending = domain.SubStatusPtr(domain.SubStatusPendingApproval)

	open       = State{Status: domain.StatusOpen}
	inReview   = State{Status: domain.StatusInReview}
	inProgress = State{Status: domain.StatusInProgress}
	awaiting   = State{Status: domain.StatusInProgress, SubStatus: pending}
	done       = State{Status: domain.StatusDone}
	rejected   = State{Status: domain.StatusRejected}
	cancelled  = State{Status: domain.StatusCancelled}
)

var edges = buildEdges()

func buildEdges() []Edge {
	es := []Edge{
		{From: open, To: inReview, Trigger: Review},
		{From: inReview, To: inProgress, Trigger: Accept},
		{From: inProgress, To: awaiting, Trigger: Complete},
		{From: awaiting, To: done, Trigger: Approve},
		{From: awaiting, To: inProgress, Trigger: RejectCompletion},
	}
	for _, from := range []State{open, inReview, inProgress, awaiting} {
		es = append(es,
			Edge{From: from, To: rejected, Trigger: RejectReport},
			Edge{From: from, To: cancelled, Trigger: CancelReport},
		)
	}
	return es
}

// Validate decides whether trigger may move a report from current to
// requested. Terminal states deny everything, including a repeat of the
// current state.
func Validate(current, requested State, trigger Trigger) (Result, error) {
	deny := func(reason string) (Result, error) {
		return Result{Next: current}, &Error{From: current, To: requested, Trigger: trigger, Reason: reason}
	}
	if !current.Consistent() {
		return deny("current state is inconsistent")
	}
	if !requested.Consistent() {
		return deny("requested state is inconsistent")
	}
	if current.Status.Terminal() {
		return deny("report is in a terminal state")
	}
	if requested.Equal(current) {
		return Result{Next: current, NoOp: true}, nil
	}
	for _, e := range edges {
		if e.Trigger == trigger && e.From.Equal(current) && e.To.Equal(requested) {
			return Result{Next: requested}, nil
		}
	}
	return deny("")
}

// Target returns the state trigger leads to from current, or an error when
// trigger has no edge out of current.
func Target(current State, trigger Trigger) (State, error) {
	for _, e := range edges {
		if e.Trigger == trigger && e.From.Equal(current) {
			return e.To.clone(), nil
		}
	}
	if current.Status.Terminal() {
		return current, &Error{From: current, To: current, Trigger: trigger, Reason: "report is in a terminal state"}
	}
	return current, &Error{From: current, To: current, Trigger: trigger, Reason: "no edge for trigger"}
}

// Allowed lists the edges leaving from.
func Allowed(from State) []Edge {
	var out []Edge
	for _, e := range edges {
		if e.From.Equal(from) {
			out = append(out, e)
		}
	}
	return out
}
