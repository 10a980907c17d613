package identity

import "github.com/google/uuid"

// Identity is the unit of quota, credit, and blocking: the authenticated
// user together with the request-origin IP.
type Identity struct {
	UserID uuid.UUID
	IP     string
}

// Key returns a stable string form usable as a counter or cache key part.
func (id Identity) Key() string {
	return id.UserID.String()
}
