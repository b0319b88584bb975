package receipt

import (
	"slices"

	"github.com/boomcard/receipt-trust/internal/fraud"
)

// Event drives a lifecycle transition
type Event string

const (
	EventStartProcessing Event = "START_PROCESSING"
	EventStartValidating Event = "START_VALIDATING"
	EventAutoApprove     Event = "AUTO_APPROVE"
	EventFlagForReview   Event = "FLAG_FOR_REVIEW"
	EventAutoReject      Event = "AUTO_REJECT"
	EventAdminApprove    Event = "ADMIN_APPROVE"
	EventAdminReject     Event = "ADMIN_REJECT"
	EventApplyCashback   Event = "APPLY_CASHBACK"
	EventExpire          Event = "EXPIRE"
)

func (e Event) verb() string {
	switch e {
	case EventStartProcessing:
		return "start processing"
	case EventStartValidating:
		return "start validating"
	case EventAutoApprove, EventAdminApprove:
		return "approve"
	case EventFlagForReview:
		return "flag"
	case EventAutoReject, EventAdminReject:
		return "reject"
	case EventApplyCashback:
		return "apply cashback to"
	case EventExpire:
		return "expire"
	}
	return string(e)
}

type transition struct {
	from []Status
	to   Status
}

var evaluating = []Status{StatusPending, StatusProcessing, StatusValidating}

var transitions = map[Event]transition{
	EventStartProcessing: {from: []Status{StatusPending}, to: StatusProcessing},
	EventStartValidating: {from: []Status{StatusPending, StatusProcessing}, to: StatusValidating},
	EventAutoApprove:     {from: evaluating, to: StatusApproved},
	EventFlagForReview:   {from: evaluating, to: StatusManualReview},
	EventAutoReject:      {from: evaluating, to: StatusRejected},
	EventAdminApprove:    {from: []Status{StatusManualReview}, to: StatusValidated},
	EventAdminReject:     {from: []Status{StatusPending, StatusManualReview}, to: StatusRejected},
	EventApplyCashback:   {from: []Status{StatusValidated, StatusApproved}, to: StatusCashbackApplied},
}

// IsTerminal reports whether no further transition can leave s
func IsTerminal(s Status) bool {
	switch s {
	case StatusRejected, StatusCashbackApplied, StatusExpired:
		return true
	}
	return false
}

// Transition returns the status reached by applying ev to from
func Transition(from Status, ev Event) (Status, error) {
	if ev == EventExpire {
		if IsTerminal(from) || !from.Valid() {
			return from, &TransitionError{From: from, Event: ev}
		}
		return StatusExpired, nil
	}

	t, ok := transitions[ev]
	if !ok || !slices.Contains(t.from, from) {
		return from, &TransitionError{From: from, Event: ev}
	}
	return t.to, nil
}

// EventForDecision maps a fraud routing decision onto its automatic event
func EventForDecision(d fraud.Decision) Event {
	switch d {
	case fraud.DecisionApprove:
		return EventAutoApprove
	case fraud.DecisionManualReview:
		return EventFlagForReview
	default:
		return EventAutoReject
	}
}

// apply moves the receipt through ev. Rejected and expired receipts keep no
// cashback.
func (r *Receipt) apply(ev Event) error {
	to, err := Transition(r.Status, ev)
	if err != nil {
		return err
	}
	r.Status = to
	if to == StatusRejected || to == StatusExpired {
		r.CashbackAmount = 0
	}
	return nil
}
