package models

import "time"

// RequestLog records one relayed request for the monitor.
type RequestLog struct {
	ID           uint `gorm:"primaryKey"`
	Method       string
	URL          string
	Status       int
	Duration     int64 // milliseconds
	Model        string
	AccountEmail string
	Error        string
	InputTokens  int
	OutputTokens int
	CreatedAt    time.Time
}
