package auth

import (
	"fmt"

	"fixitnow/internal/domain"
)

// ForbiddenError indicates the actor may not perform the action.
type ForbiddenError struct {
	Permission string
	ActorID    string
	Reason     string
}

func (e *ForbiddenError) Error() string {
	msg := fmt.Sprintf("permission %s required", e.Permission)
	if e.ActorID != "" {
		msg = fmt.Sprintf("actor %s lacks permission %s", e.ActorID, e.Permission)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func forbid(actor domain.Actor, perm, reason string) error {
	return &ForbiddenError{Permission: perm, ActorID: actor.ID, Reason: reason}
}

// RequireActor rejects an actor without an id or a known role.
func RequireActor(actor domain.Actor, perm string) error {
	if actor.ID == "" {
		return forbid(actor, perm, "unauthenticated")
	}
	if _, err := domain.ParseRole(string(actor.Role)); err != nil {
		return forbid(actor, perm, "unknown role")
	}
	return nil
}

// RequireRole passes when the actor holds one of roles.
func RequireRole(actor domain.Actor, perm string, roles ...domain.Role) error {
	if err := RequireActor(actor, perm); err != nil {
		return err
	}
	for _, r := range roles {
		if actor.Role == r {
			return nil
		}
	}
	return forbid(actor, perm, fmt.Sprintf("role %s not allowed", actor.Role))
}

// RequireOwner passes only for the customer who reported the issue.
func RequireOwner(actor domain.Actor, issue domain.Issue, perm string) error {
	if err := RequireRole(actor, perm, domain.RoleCustomer); err != nil {
		return err
	}
	if actor.ID != issue.CustomerID {
		return forbid(actor, perm, "not the issue owner")
	}
	return nil
}

// RequireAssigned passes only for the worker holding the issue.
func RequireAssigned(actor domain.Actor, issue domain.Issue, perm string) error {
	if err := RequireRole(actor, perm, domain.RoleWorker); err != nil {
		return err
	}
	if issue.AssignedWorker == "" || actor.ID != issue.AssignedWorker {
		return forbid(actor, perm, "not the assigned worker")
	}
	return nil
}

// RequireMatched passes only for a worker in the issue's match set.
func RequireMatched(actor domain.Actor, issue domain.Issue, perm string) error {
	if err := RequireRole(actor, perm, domain.RoleWorker); err != nil {
		return err
	}
	if !issue.IsMatched(actor.ID) {
		return forbid(actor, perm, "not matched to this issue")
	}
	return nil
}

// CanView reports whether actor may read the issue: its owner, a matched
// worker, the assigned worker or an admin.
func CanView(actor domain.Actor, issue domain.Issue) bool {
	switch actor.Role {
	case domain.RoleAdmin:
		return actor.ID != ""
	case domain.RoleCustomer:
		return actor.ID != "" && actor.ID == issue.CustomerID
	case domain.RoleWorker:
		return actor.ID != "" && (actor.ID == issue.AssignedWorker || issue.IsMatched(actor.ID))
	}
	return false
}
