// Package participant holds the identity types shared by the waiting room,
// the transcript stream and the session.
package participant

import "fmt"

// Role is either the host (doctor) or the guest (patient) of a session.
type Role string

const (
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)

// ParseRole accepts "host" or "guest".
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleHost, RoleGuest:
		return Role(s), nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

func (r Role) String() string { return string(r) }

// Participant identifies one side of a call.
type Participant struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role Role   `json:"-"`
}
