package models

import "time"

// PresenceStatus is the user-visible availability of a user.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceBusy    PresenceStatus = "busy"
	PresenceOffline PresenceStatus = "offline"
)

// Valid reports whether s is a known presence status.
func (s PresenceStatus) Valid() bool {
	switch s {
	case PresenceOnline, PresenceAway, PresenceBusy, PresenceOffline:
		return true
	}
	return false
}

// PresenceRecord is the live presence of one user. It is never persisted.
type PresenceRecord struct {
	UserID       string         `json:"userId"`
	Status       PresenceStatus `json:"status"`
	LastActivity time.Time      `json:"lastActivity"`
}
