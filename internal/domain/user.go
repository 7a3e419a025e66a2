package domain

import (
	"time"
)

// User represents an anonymous learner identity.
type User struct {
	UserID     string    `json:"user_id"`
	Username   string    `json:"username"`
	LastSeenAt time.Time `json:"last_seen_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// SeenWithin reports whether the user was active within the given window.
func (u *User) SeenWithin(window time.Duration) bool {
	return time.Since(u.LastSeenAt) <= window
}
