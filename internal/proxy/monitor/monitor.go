// Package monitor records relayed requests for inspection and statistics.
package monitor

import (
	"log"
	"sync/atomic"
	"time"

	"gorm.io/gorm"

	"github.com/pysugar/gemini-relay/internal/db/models"
)

// Stats aggregates request counts.
type Stats struct {
	TotalRequests int64 `json:"total_requests"`
	SuccessCount  int64 `json:"success_count"`
	ErrorCount    int64 `json:"error_count"`
}

// Monitor logs requests to the database and keeps running counters.
type Monitor struct {
	db *gorm.DB

	totalRequests atomic.Int64
	successCount  atomic.Int64
	errorCount    atomic.Int64
}

// New builds a Monitor; db may be nil, in which case only counters are kept.
func New(db *gorm.DB) *Monitor {
	m := &Monitor{db: db}
	m.loadStatsFromDB()
	return m
}

// LogRequest records one relayed request (async, non-blocking).
func (m *Monitor) LogRequest(entry models.RequestLog) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	m.totalRequests.Add(1)
	if entry.Status >= 200 && entry.Status < 400 {
		m.successCount.Add(1)
	} else {
		m.errorCount.Add(1)
	}

	if m.db == nil {
		return
	}
	go func(entry models.RequestLog) {
		if err := m.db.Create(&entry).Error; err != nil {
			log.Printf("⚠️ [Monitor] Failed to save log: %v", err)
		}
	}(entry)
}

// RecentLogs returns the newest request logs, up to limit.
func (m *Monitor) RecentLogs(limit int) []models.RequestLog {
	if limit <= 0 {
		limit = 100
	}
	if m.db == nil {
		return nil
	}
	var logs []models.RequestLog
	if err := m.db.Order("created_at DESC").Limit(limit).Find(&logs).Error; err != nil {
		log.Printf("⚠️ [Monitor] Failed to load logs: %v", err)
		return nil
	}
	return logs
}

// GetStats returns aggregated counters.
func (m *Monitor) GetStats() Stats {
	return Stats{
		TotalRequests: m.totalRequests.Load(),
		SuccessCount:  m.successCount.Load(),
		ErrorCount:    m.errorCount.Load(),
	}
}

func (m *Monitor) loadStatsFromDB() {
	if m.db == nil {
		return
	}
	var total, success, errors int64
	m.db.Model(&models.RequestLog{}).Count(&total)
	m.db.Model(&models.RequestLog{}).Where("status >= 200 AND status < 400").Count(&success)
	m.db.Model(&models.RequestLog{}).Where("status < 200 OR status >= 400").Count(&errors)
	m.totalRequests.Store(total)
	m.successCount.Store(success)
	m.errorCount.Store(errors)
}
