package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/pysugar/gemini-relay/internal/db"
	"github.com/pysugar/gemini-relay/internal/db/models"
	"github.com/pysugar/gemini-relay/internal/proxy/monitor"
)

func TestMonitorStats(t *testing.T) {
	mon := monitor.New(nil)
	mon.LogRequest(models.RequestLog{Status: 200})
	mon.LogRequest(models.RequestLog{Status: 200})
	mon.LogRequest(models.RequestLog{Status: 502})

	rec := httptest.NewRecorder()
	MonitorStatsHandler(mon)(rec, httptest.NewRequest(http.MethodGet, "/monitor/stats", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var stats monitor.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if stats.TotalRequests != 3 || stats.SuccessCount != 2 || stats.ErrorCount != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestMonitorHistory(t *testing.T) {
	database, err := db.InitDB(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	mon := monitor.New(database)
	mon.LogRequest(models.RequestLog{
		Method: http.MethodPost,
		URL:    "/v1/chat/completions",
		Status: 200,
		Model:  "gemini-2.5-pro",
	})

	// Log writes are async; poll until the row lands.
	handler := MonitorHistoryHandler(mon)
	deadline := time.Now().Add(2 * time.Second)
	for {
		rec := httptest.NewRecorder()
		handler(rec, httptest.NewRequest(http.MethodGet, "/monitor/history?limit=10", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var body struct {
			Count int                 `json:"count"`
			Logs  []models.RequestLog `json:"logs"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if body.Count == 1 {
			if body.Logs[0].Model != "gemini-2.5-pro" || body.Logs[0].Status != 200 {
				t.Errorf("log entry = %+v", body.Logs[0])
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("log entry never appeared, count = %d", body.Count)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
