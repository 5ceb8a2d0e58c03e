package auth

import (
	"errors"
	"testing"

	"fixitnow/internal/domain"
)

func TestGuards(t *testing.T) {
	issue := domain.Issue{ID: "i1", CustomerID: "c1", MatchedWorkers: []string{"w1", "w2"}, AssignedWorker: "w1"}
	customer := domain.Actor{ID: "c1", Role: domain.RoleCustomer}
	stranger := domain.Actor{ID: "c2", Role: domain.RoleCustomer}
	w1 := domain.Actor{ID: "w1", Role: domain.RoleWorker}
	w2 := domain.Actor{ID: "w2", Role: domain.RoleWorker}
	w3 := domain.Actor{ID: "w3", Role: domain.RoleWorker}
	impostor := domain.Actor{ID: "c1", Role: domain.RoleWorker}

	if err := RequireOwner(customer, issue, "issue.approve"); err != nil {
		t.Fatalf("owner rejected: %v", err)
	}
	for _, a := range []domain.Actor{stranger, impostor, {}} {
		err := RequireOwner(a, issue, "issue.approve")
		var fe *ForbiddenError
		if !errors.As(err, &fe) || fe.Permission != "issue.approve" {
			t.Fatalf("expected forbidden for %v, got %v", a, err)
		}
	}
	if err := RequireAssigned(w1, issue, "issue.submit"); err != nil {
		t.Fatalf("assigned rejected: %v", err)
	}
	if err := RequireAssigned(w2, issue, "issue.submit"); err == nil {
		t.Fatalf("matched but unassigned worker passed")
	}
	if err := RequireMatched(w2, issue, "issue.accept"); err != nil {
		t.Fatalf("matched rejected: %v", err)
	}
	if err := RequireMatched(w3, issue, "issue.accept"); err == nil {
		t.Fatalf("unmatched worker passed")
	}
	if err := RequireRole(domain.Actor{ID: "x", Role: "root"}, "p", domain.RoleAdmin); err == nil {
		t.Fatalf("unknown role passed")
	}
}

func TestCanView(t *testing.T) {
	issue := domain.Issue{CustomerID: "c1", MatchedWorkers: []string{"w1"}, AssignedWorker: "w9"}
	cases := []struct {
		actor domain.Actor
		want  bool
	}{
		{domain.Actor{ID: "c1", Role: domain.RoleCustomer}, true},
		{domain.Actor{ID: "c2", Role: domain.RoleCustomer}, false},
		{domain.Actor{ID: "w1", Role: domain.RoleWorker}, true},
		{domain.Actor{ID: "w9", Role: domain.RoleWorker}, true},
		{domain.Actor{ID: "w2", Role: domain.RoleWorker}, false},
		{domain.Actor{ID: "ops", Role: domain.RoleAdmin}, true},
		{domain.Actor{ID: "c1", Role: ""}, false},
	}
	for _, tc := range cases {
		if got := CanView(tc.actor, issue); got != tc.want {
			t.Fatalf("CanView(%v) = %v, want %v", tc.actor, got, tc.want)
		}
	}
}
