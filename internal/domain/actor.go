package domain

import "fmt"

type Role string

const (
	RoleCustomer Role = "customer"
	RoleWorker   Role = "worker"
	RoleAdmin    Role = "admin"
)

// Actor is the authenticated caller of a lifecycle operation. The core trusts
// it as given; verifying credentials happens before an Actor is built.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

func (a Actor) String() string {
	return fmt.Sprintf("%s:%s", a.Role, a.ID)
}

// System is the actor recorded for controller-initiated changes such as matching.
var System = Actor{ID: "system", Role: RoleAdmin}

// ParseRole normalizes a role name.
func ParseRole(in string) (Role, error) {
	switch r := Role(fold(in)); r {
	case RoleCustomer, RoleWorker, RoleAdmin:
		return r, nil
	case "user":
		return RoleCustomer, nil
	case "freelancer":
		return RoleWorker, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidRole, in)
}
