package domain

import "time"

// User is the owner of events and sync state. Account management proper lives
// in the surrounding application; sync only needs the owner key.
type User struct {
	ID        int64
	Name      string
	CreatedAt time.Time
}
