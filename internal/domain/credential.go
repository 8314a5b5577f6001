package domain

import "time"

// Credential holds a user's CalDAV account secret: the account username and an
// app-specific password for the remote server. Read and written only through
// the sync service; never logged in cleartext.
type Credential struct {
	UserID      int64
	Username    string
	AppPassword string
	BaseURL     string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Configured reports whether the credential can be used for a sync pass.
func (c *Credential) Configured() bool {
	return c != nil && c.Username != "" && c.AppPassword != ""
}
