package mcb

import (
	"sync"
	"time"
)

// HealthRecord tracks one server's observed health. It is written by the monitor loop
// and by call-path reporting, and read by the breaker consumers and the lifecycle
// refresh decision. It is only ever cleared by a full manager reset.
type HealthRecord struct {
	serverName         string
	unhealthyThreshold uint32

	recordLock          *sync.RWMutex
	healthy             bool
	everProbed          bool
	lastCheckedAt       time.Time
	consecutiveFailures uint32
	totalRequests       uint64
	successfulRequests  uint64
}

// HealthSnapshot is a point-in-time copy of a HealthRecord.
type HealthSnapshot struct {
	ServerName          string
	Healthy             bool
	EverProbed          bool
	LastCheckedAt       time.Time
	ConsecutiveFailures uint32
	TotalRequests       uint64
	SuccessfulRequests  uint64
}

// NewHealthRecord creates a record in the "never checked" state, which reads as
// unhealthy until the first successful probe or call.
func NewHealthRecord(serverName string, unhealthyThreshold uint32) *HealthRecord {

	if unhealthyThreshold == 0 {
		unhealthyThreshold = defaultUnhealthyThreshold
	}

	return &HealthRecord{
		serverName:         serverName,
		unhealthyThreshold: unhealthyThreshold,
		recordLock:         &sync.RWMutex{},
	}
}

// ReportSuccess marks the server healthy and clears the failure streak.
func (hr *HealthRecord) ReportSuccess() {

	hr.recordLock.Lock()
	defer hr.recordLock.Unlock()

	hr.healthy = true
	hr.everProbed = true
	hr.lastCheckedAt = time.Now()
	hr.consecutiveFailures = 0
	hr.totalRequests++
	hr.successfulRequests++
}

// ReportFailure extends the failure streak. A single failure does not flip health;
// crossing the unhealthy threshold does.
func (hr *HealthRecord) ReportFailure() {

	hr.recordLock.Lock()
	defer hr.recordLock.Unlock()

	hr.everProbed = true
	hr.lastCheckedAt = time.Now()
	hr.consecutiveFailures++
	hr.totalRequests++

	if hr.consecutiveFailures >= hr.unhealthyThreshold {
		hr.healthy = false
	}
}

// IsHealthy reports the current health state. A never-probed server reads unhealthy so
// callers can distinguish "checked and up" from everything else.
func (hr *HealthRecord) IsHealthy() bool {
	hr.recordLock.RLock()
	defer hr.recordLock.RUnlock()
	return hr.everProbed && hr.healthy
}

// Snapshot returns a copy for status reporting.
func (hr *HealthRecord) Snapshot() HealthSnapshot {

	hr.recordLock.RLock()
	defer hr.recordLock.RUnlock()

	return HealthSnapshot{
		ServerName:          hr.serverName,
		Healthy:             hr.healthy,
		EverProbed:          hr.everProbed,
		LastCheckedAt:       hr.lastCheckedAt,
		ConsecutiveFailures: hr.consecutiveFailures,
		TotalRequests:       hr.totalRequests,
		SuccessfulRequests:  hr.successfulRequests,
	}
}
