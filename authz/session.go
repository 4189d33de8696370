package authz

import (
	"strings"

	"github.com/google/uuid"
)

// Session is the authenticated principal context the matcher reads. Only
// Owner participates in access decisions; everything else about a session
// lives outside the core.
type Session struct {
	// ID is the session identifier, "<userId>/<uniqueId>".
	ID string
	// Owner is the principal the session acts for. The literal "root" is
	// privileged.
	Owner string
}

// NewSessionID mints a session identifier for a user: the user id joined
// with a globally unique random component.
func NewSessionID(userID string) string {
	return userID + "/" + uuid.NewString()
}

// OwnerOfSessionID extracts the user component of a session identifier.
func OwnerOfSessionID(id string) string {
	owner, _, _ := strings.Cut(id, "/")
	return owner
}
