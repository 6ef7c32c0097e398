package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/openvine/feedcore/internal/logger"
)

// Status is the health level of the client or one of its components.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// ComponentStatus describes one checked component.
type ComponentStatus struct {
	Name    string                 `json:"name"`
	Status  Status                 `json:"status"`
	Message string                 `json:"message,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Response is the complete health check payload.
type Response struct {
	Status     Status                 `json:"status"`
	Timestamp  time.Time              `json:"timestamp"`
	Version    string                 `json:"version"`
	Uptime     string                 `json:"uptime"`
	Components []*ComponentStatus     `json:"components"`
	Summary    map[string]interface{} `json:"summary"`
}

// RelayStatus exposes the connection diagnostics the checker needs.
type RelayStatus interface {
	ConnectionCount() int
	ConnectedCount() int
}

// FeedStatus exposes the cache diagnostics the checker needs.
type FeedStatus interface {
	EventCount() int
	IsSubscribed() bool
}

// ArchiveStatus exposes archive connectivity; nil when archiving is off.
type ArchiveStatus interface {
	Ping(ctx context.Context) error
}

// Checker aggregates relay, feed, archive, and process health.
type Checker struct {
	relays    RelayStatus
	feed      FeedStatus
	archive   ArchiveStatus
	log       *zap.Logger
	startTime time.Time
	version   string
}

// NewChecker builds a health checker. archive may be nil.
func NewChecker(relays RelayStatus, feed FeedStatus, archive ArchiveStatus, version string) *Checker {
	return &Checker{
		relays:    relays,
		feed:      feed,
		archive:   archive,
		log:       logger.New("health"),
		startTime: time.Now(),
		version:   version,
	}
}

// Check runs every component probe and aggregates the result.
func (h *Checker) Check(ctx context.Context) *Response {
	began := time.Now()
	components := []*ComponentStatus{
		h.checkRelays(),
		h.checkFeed(),
		h.checkMemory(),
	}
	if h.archive != nil {
		components = append(components, h.checkArchive(ctx))
	}

	overall := StatusHealthy
	healthy, degraded, unhealthy := 0, 0, 0
	for _, c := range components {
		switch c.Status {
		case StatusUnhealthy:
			unhealthy++
		case StatusDegraded:
			degraded++
		default:
			healthy++
		}
	}
	if unhealthy > 0 {
		overall = StatusUnhealthy
	} else if degraded > 0 {
		overall = StatusDegraded
	}

	return &Response{
		Status:     overall,
		Timestamp:  time.Now(),
		Version:    h.version,
		Uptime:     formatUptime(time.Since(h.startTime)),
		Components: components,
		Summary: map[string]interface{}{
			"total_components":     len(components),
			"healthy_components":   healthy,
			"degraded_components":  degraded,
			"unhealthy_components": unhealthy,
			"check_duration_ms":    time.Since(began).Milliseconds(),
		},
	}
}

// checkRelays grades relay connectivity: all connected is healthy, some is
// degraded, none is unhealthy.
func (h *Checker) checkRelays() *ComponentStatus {
	total := h.relays.ConnectionCount()
	connected := h.relays.ConnectedCount()

	status := &ComponentStatus{
		Name: "relays",
		Details: map[string]interface{}{
			"total":     total,
			"connected": connected,
		},
	}
	switch {
	case total == 0:
		status.Status = StatusUnhealthy
		status.Message = "No relays configured"
	case connected == 0:
		status.Status = StatusUnhealthy
		status.Message = "All relays offline"
	case connected < total:
		status.Status = StatusDegraded
		status.Message = fmt.Sprintf("Connected to %d/%d relays", connected, total)
	default:
		status.Status = StatusHealthy
		status.Message = fmt.Sprintf("Connected to all %d relays", total)
	}
	return status
}

func (h *Checker) checkFeed() *ComponentStatus {
	status := &ComponentStatus{
		Name:   "feed",
		Status: StatusHealthy,
		Details: map[string]interface{}{
			"cached_events": h.feed.EventCount(),
			"subscribed":    h.feed.IsSubscribed(),
		},
	}
	if h.feed.IsSubscribed() {
		status.Message = "Subscription active"
	} else {
		status.Message = "No active subscription"
	}
	return status
}

func (h *Checker) checkMemory() *ComponentStatus {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	allocMB := float64(m.Alloc) / 1024 / 1024

	status := &ComponentStatus{
		Name: "memory",
		Details: map[string]interface{}{
			"alloc_mb":   allocMB,
			"sys_mb":     float64(m.Sys) / 1024 / 1024,
			"num_gc":     m.NumGC,
			"goroutines": runtime.NumGoroutine(),
		},
	}

	const (
		memoryWarningMB  = 256
		memoryCriticalMB = 512
	)
	switch {
	case allocMB > memoryCriticalMB:
		status.Status = StatusUnhealthy
		status.Message = fmt.Sprintf("High memory usage: %.1f MB", allocMB)
	case allocMB > memoryWarningMB:
		status.Status = StatusDegraded
		status.Message = fmt.Sprintf("Elevated memory usage: %.1f MB", allocMB)
	default:
		status.Status = StatusHealthy
		status.Message = fmt.Sprintf("Memory usage normal: %.1f MB", allocMB)
	}
	return status
}

func (h *Checker) checkArchive(ctx context.Context) *ComponentStatus {
	status := &ComponentStatus{Name: "archive"}
	if err := h.archive.Ping(ctx); err != nil {
		status.Status = StatusUnhealthy
		status.Message = "Archive database unreachable"
		status.Details = map[string]interface{}{"error": err.Error()}
		return status
	}
	status.Status = StatusHealthy
	status.Message = "Archive database reachable"
	return status
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	} else if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	} else if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}

// HandleHealth serves the health payload over HTTP. With ready=1 the
// status code follows readiness semantics.
func (h *Checker) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := h.Check(ctx)

	statusCode := http.StatusOK
	if resp.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.Error("Failed to encode health response", zap.Error(err))
	}
}
