package engine

import (
	"fmt"

	"fixitnow/internal/domain"
)

type Transition string

const (
	TransitionMatch   Transition = "match"
	TransitionEdit    Transition = "edit"
	TransitionAccept  Transition = "accept"
	TransitionStart   Transition = "start"
	TransitionSubmit  Transition = "submit"
	TransitionApprove Transition = "approve"
	TransitionReject  Transition = "reject"
	TransitionCancel  Transition = "cancel"
	TransitionRate    Transition = "rate"
)

// InvalidTransitionError reports a transition attempted from a status that
// does not list it.
type InvalidTransitionError struct {
	IssueID    string
	From       domain.Status
	Transition Transition
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s from status %s (issue %s)", e.Transition, e.From, e.IssueID)
}

type edge struct {
	from []domain.Status
	to   domain.Status
}

// transitions is the issue state machine. Edit, match and rate keep the
// status unchanged.
var transitions = map[Transition]edge{
	TransitionMatch:   {from: []domain.Status{domain.StatusPending}, to: domain.StatusPending},
	TransitionEdit:    {from: []domain.Status{domain.StatusPending}, to: domain.StatusPending},
	TransitionAccept:  {from: []domain.Status{domain.StatusPending}, to: domain.StatusAccepted},
	TransitionStart:   {from: []domain.Status{domain.StatusAccepted}, to: domain.StatusInProgress},
	TransitionSubmit:  {from: []domain.Status{domain.StatusAccepted, domain.StatusInProgress}, to: domain.StatusSubmitted},
	TransitionApprove: {from: []domain.Status{domain.StatusSubmitted}, to: domain.StatusCompleted},
	TransitionReject:  {from: []domain.Status{domain.StatusSubmitted}, to: domain.StatusInProgress},
	TransitionCancel:  {from: []domain.Status{domain.StatusPending, domain.StatusAccepted}, to: domain.StatusCancelled},
	TransitionRate:    {from: []domain.Status{domain.StatusCompleted}, to: domain.StatusCompleted},
}

// ensureTransition returns the target status of t from the issue's status.
// Edits are also closed once the issue has been matched.
func ensureTransition(issue domain.Issue, t Transition) (domain.Status, error) {
	e, ok := transitions[t]
	if t == TransitionEdit && issue.MatchedAt != nil {
		ok = false
	}
	if ok {
		for _, s := range e.from {
			if s == issue.Status {
				return e.to, nil
			}
		}
	}
	return "", &InvalidTransitionError{IssueID: issue.ID, From: issue.Status, Transition: t}
}

// Allowed lists the transitions valid from status s, in a stable order.
func Allowed(s domain.Status) []Transition {
	var out []Transition
	for _, t := range []Transition{TransitionEdit, TransitionAccept, TransitionStart, TransitionSubmit,
		TransitionApprove, TransitionReject, TransitionCancel, TransitionRate} {
		if _, err := ensureTransition(domain.Issue{Status: s}, t); err == nil {
			out = append(out, t)
		}
	}
	return out
}
