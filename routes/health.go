package routes

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"fileforge/logger"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Version   string            `json:"version"`
	GoVersion string            `json:"go_version"`
	Uptime    string            `json:"uptime"`
	StartTime string            `json:"start_time"`
	Checks    map[string]string `json:"checks,omitempty"`
	Queued    int               `json:"queued"`
	Running   int               `json:"running"`
}

var startTime = time.Now()

// formatUptime formats a duration into days, hours, minutes, seconds
func formatUptime(d time.Duration) string {
	days := int(d.Hours() / 24)
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
}

// HealthHandler reports liveness plus the state of the history database and
// the task queue. A failing check turns the answer into 503.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	logger.Debugf("Health check request: remoteAddr=%s", r.RemoteAddr)

	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   version,
		GoVersion: runtime.Version(),
		Uptime:    formatUptime(time.Since(startTime)),
		StartTime: startTime.Format("2006-01-02 15:04:05 MST"),
		Checks:    map[string]string{},
	}

	if s.opts.History != nil {
		if err := s.opts.History.CheckHealth(); err != nil {
			logger.Errorf("History health check failed: %v", err)
			response.Status = "degraded"
			response.Checks["history"] = err.Error()
		} else {
			response.Checks["history"] = "ok"
		}
	}
	if s.opts.Queue != nil {
		response.Queued = s.opts.Queue.Len()
		response.Running = s.opts.Queue.Active()
	}

	code := http.StatusOK
	if response.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, response)
}
