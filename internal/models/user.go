// Package models contains data structures for the chat engine's domain models.
package models

import "time"

// User is an identity known to the engine. Accounts are provisioned elsewhere;
// the engine creates a row the first time it sees an authenticated id.
type User struct {
	ID          string       `gorm:"primaryKey;type:varchar(64)" json:"id"`
	DisplayName string       `json:"displayName"`
	AvatarURL   string       `json:"avatarUrl"`
	Settings    UserSettings `gorm:"embedded;embeddedPrefix:setting_" json:"settings"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// UserSettings holds the privacy toggles the client exposes.
type UserSettings struct {
	// ShowOnlineStatus false makes the user appear offline to everyone else.
	ShowOnlineStatus bool `json:"showOnlineStatus"`
}

// DefaultUserSettings mirrors the client defaults.
func DefaultUserSettings() UserSettings {
	return UserSettings{ShowOnlineStatus: true}
}
