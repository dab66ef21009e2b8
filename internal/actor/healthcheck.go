package actor

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// HealthStatus represents the health status of an actor
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthMetrics contains health-related metrics for an actor
type HealthMetrics struct {
	MailboxDepth     int           `json:"mailbox_depth"`
	MailboxCapacity  int           `json:"mailbox_capacity"`
	MailboxUsage     float64       `json:"mailbox_usage"` // percentage
	LastActivityTime time.Time     `json:"last_activity_time"`
	StartTime        time.Time     `json:"start_time"`
	Uptime           time.Duration `json:"uptime"`
	ErrorCount       int64         `json:"error_count"`
	Restarts         int64         `json:"restarts"`
	LastError        time.Time     `json:"last_error,omitempty"`
	LastErrorMsg     string        `json:"last_error_msg,omitempty"`
}

// HealthReport contains the complete health assessment of an actor
type HealthReport struct {
	ActorID   string        `json:"actor_id"`
	Status    HealthStatus  `json:"status"`
	Metrics   HealthMetrics `json:"metrics"`
	Message   string        `json:"message"`
	Timestamp time.Time     `json:"timestamp"`
}

// HealthCheckRequest asks an actor for its report through its own mailbox, so
// the answer also proves the run loop is alive.
type HealthCheckRequest struct {
	ResponseChan chan HealthCheckResponse
}

func (HealthCheckRequest) Type() string {
	return "HealthCheckRequest"
}

// HealthCheckResponse contains the health assessment of an actor
type HealthCheckResponse struct {
	Report HealthReport
}

// HealthCheckable tracks activity, errors and restarts of one actor
type HealthCheckable struct {
	id           string
	mu           sync.RWMutex
	mailbox      chan Message
	startTime    time.Time
	lastActivity time.Time
	errorCount   int64
	restarts     int64
	lastError    time.Time
	lastErrorMsg string
}

// NewHealthCheckable creates a new health checkable component
func NewHealthCheckable(id string, mailbox chan Message) *HealthCheckable {
	now := time.Now()
	return &HealthCheckable{
		id:           id,
		mailbox:      mailbox,
		startTime:    now,
		lastActivity: now,
	}
}

// GetHealthMetrics returns current health metrics
func (h *HealthCheckable) GetHealthMetrics() HealthMetrics {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var depth, capacity int
	if h.mailbox != nil {
		depth, capacity = len(h.mailbox), cap(h.mailbox)
	}
	var usage float64
	if capacity > 0 {
		usage = float64(depth) / float64(capacity) * 100
	}

	return HealthMetrics{
		MailboxDepth:     depth,
		MailboxCapacity:  capacity,
		MailboxUsage:     usage,
		LastActivityTime: h.lastActivity,
		StartTime:        h.startTime,
		Uptime:           time.Since(h.startTime),
		ErrorCount:       h.errorCount,
		Restarts:         h.restarts,
		LastError:        h.lastError,
		LastErrorMsg:     h.lastErrorMsg,
	}
}

// RecordActivity updates the last activity timestamp
func (h *HealthCheckable) RecordActivity() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastActivity = time.Now()
}

// RecordError records an error occurrence
func (h *HealthCheckable) RecordError(err error) {
	if err == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errorCount++
	h.lastError = time.Now()
	h.lastErrorMsg = err.Error()
}

// RecordRestart counts a supervisor restart.
func (h *HealthCheckable) RecordRestart() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.restarts++
}

// GenerateHealthReport creates a complete health report
func (h *HealthCheckable) GenerateHealthReport() HealthReport {
	m := h.GetHealthMetrics()

	var issues []string
	if m.MailboxUsage > 90 {
		issues = append(issues, fmt.Sprintf("high mailbox usage (%.1f%%)", m.MailboxUsage))
	}
	if m.ErrorCount > 0 && time.Since(m.LastError) < 5*time.Minute {
		issues = append(issues, fmt.Sprintf("recent errors (%d total)", m.ErrorCount))
	}
	if m.Restarts > 0 && time.Since(m.LastError) < 5*time.Minute {
		issues = append(issues, fmt.Sprintf("restarted %d times", m.Restarts))
	}

	report := HealthReport{
		ActorID:   h.id,
		Status:    HealthStatusHealthy,
		Metrics:   m,
		Message:   "operating normally",
		Timestamp: time.Now(),
	}
	switch {
	case len(issues) >= 2:
		report.Status = HealthStatusUnhealthy
		report.Message = strings.Join(issues, "; ")
	case len(issues) == 1:
		report.Status = HealthStatusDegraded
		report.Message = issues[0]
	}
	return report
}
