package models

import "time"

// Credential persists the mutable state of one OAuth identity in the rotation
// pool. ID is a stable fingerprint of the refresh token so that file-loaded
// and inline-loaded records map onto the same row across restarts.
type Credential struct {
	ID           string `gorm:"primaryKey"`
	Email        string `gorm:"index"`
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	ProjectID    string
	Status       string `gorm:"default:unverified"`
	Onboarded    bool   `gorm:"default:false"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
