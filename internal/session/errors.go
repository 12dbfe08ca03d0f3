// ABOUTME: Error taxonomy for the hand-off routing engine
// ABOUTME: Rejected transitions are explicit, named failures reported to the requester

package session

import (
	"errors"
	"fmt"
)

// ErrRejectedTransition is the sentinel wrapped by every TransitionError.
var ErrRejectedTransition = errors.New("transition rejected")

// Rejection reasons carried on TransitionError. These travel to the
// requesting client verbatim so its UI can react (e.g. drop a conversation
// from the claimable list).
const (
	ReasonAlreadyAssigned = "already_assigned"
	ReasonNotPending      = "not_pending"
	ReasonNotInProgress   = "not_in_progress"
	ReasonNotAssigned     = "not_assigned_to_operator"
	ReasonClosed          = "closed"
	ReasonUnknownSession  = "unknown_session"
	ReasonBadStatus       = "bad_status"
)

// TransitionError reports a rejected state-machine transition.
// It is delivered to the requester only; rejections are never broadcast.
type TransitionError struct {
	Reason string
	From   string
	Event  string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("transition rejected: %s (event %s from status %s)", e.Reason, e.Event, e.From)
}

// Unwrap makes errors.Is(err, ErrRejectedTransition) work.
func (e *TransitionError) Unwrap() error {
	return ErrRejectedTransition
}

func reject(reason, from, event string) error {
	return &TransitionError{Reason: reason, From: from, Event: event}
}
