package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/pysugar/gemini-relay/internal/proxy/monitor"
)

// MonitorStatsHandler serves the aggregated request counters.
func MonitorStatsHandler(mon *monitor.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(mon.GetStats())
	}
}

// MonitorHistoryHandler serves the newest request log entries, up to
// ?limit= (default 100).
func MonitorHistoryHandler(mon *monitor.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		logs := mon.RecentLogs(limit)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"count": len(logs),
			"logs":  logs,
		})
	}
}
