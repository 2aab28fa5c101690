package mcb_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/retroryan/mcpbridge/pkg/mcb"
	"github.com/stretchr/testify/assert"
)

func TestHealthRecordNeverProbedReadsUnhealthy(t *testing.T) {
	hr := mcb.NewHealthRecord("alpha", 2)
	assert.False(t, hr.IsHealthy())

	snapshot := hr.Snapshot()
	assert.False(t, snapshot.EverProbed)
	assert.Equal(t, uint64(0), snapshot.TotalRequests)
}

func TestHealthRecordSingleFailureDoesNotFlip(t *testing.T) {
	hr := mcb.NewHealthRecord("alpha", 2)

	hr.ReportSuccess()
	assert.True(t, hr.IsHealthy())

	hr.ReportFailure()
	assert.True(t, hr.IsHealthy())

	hr.ReportFailure()
	assert.False(t, hr.IsHealthy())
}

func TestHealthRecordRecoversOnSuccess(t *testing.T) {
	hr := mcb.NewHealthRecord("alpha", 1)

	hr.ReportFailure()
	assert.False(t, hr.IsHealthy())

	hr.ReportSuccess()
	assert.True(t, hr.IsHealthy())

	snapshot := hr.Snapshot()
	assert.Equal(t, uint32(0), snapshot.ConsecutiveFailures)
	assert.Equal(t, uint64(2), snapshot.TotalRequests)
	assert.Equal(t, uint64(1), snapshot.SuccessfulRequests)
}

func TestMonitorInitialProbePopulatesHealthAndTools(t *testing.T) {
	defer leaktest.Check(t)()

	server := newFakeServer("search", "fetch")
	seasoning := testSeasoning(testServerConfig("alpha"))

	cm := mcb.NewConnectionManagerWithHandlers(seasoning, server.factory(), nil)
	assert.NoError(t, cm.Initialize())
	defer cm.Shutdown()

	// Initialize probes synchronously, so health and the catalog are ready right away.
	assert.True(t, cm.IsHealthy())
	assert.GreaterOrEqual(t, atomic.LoadInt64(&server.listCount), int64(1))

	tools := cm.ListAllTools()
	assert.Len(t, tools, 2)
	assert.Equal(t, "alpha", tools[0].ServerName)
}

func TestMonitorDetectsFailureAndRecovery(t *testing.T) {
	defer leaktest.Check(t)()

	server := newFakeServer("search")
	server.set(func(fs *fakeServer) { fs.failList = true })

	seasoning := testSeasoning(testServerConfig("alpha"))
	seasoning.MonitorConfig.HealthCheckInterval = 20
	seasoning.MonitorConfig.UnhealthyThreshold = 1

	cm := mcb.NewConnectionManagerWithHandlers(seasoning, server.factory(), nil)
	assert.NoError(t, cm.Initialize())
	defer cm.Shutdown()

	assert.False(t, cm.IsHealthy())

	// Server comes back; the loop notices within a few intervals.
	server.set(func(fs *fakeServer) { fs.failList = false })
	assert.True(t, waitFor(waitBudget, cm.IsHealthy))
}

func TestMonitorSkipsServerWithOpenBreaker(t *testing.T) {
	defer leaktest.Check(t)()

	server := newFakeServer("search")
	server.set(func(fs *fakeServer) { fs.failList = true })

	seasoning := testSeasoning(testServerConfig("alpha"))
	seasoning.MonitorConfig.HealthCheckInterval = 20
	seasoning.BreakerConfig.FailureThreshold = 1
	seasoning.BreakerConfig.RecoveryTimeout = 3600000

	cm := mcb.NewConnectionManagerWithHandlers(seasoning, server.factory(), nil)
	assert.NoError(t, cm.Initialize())
	defer cm.Shutdown()

	// The initial probe failed and opened the breaker.
	statuses := cm.Status()
	assert.Len(t, statuses, 1)
	assert.Equal(t, "open", statuses[0].BreakerState)
	probesSoFar := atomic.LoadInt64(&server.listCount)

	// With the breaker open and recovery far away, later ticks never touch the server.
	assert.False(t, waitFor(200*time.Millisecond, func() bool {
		return atomic.LoadInt64(&server.listCount) > probesSoFar
	}))
}

func TestMonitorProbeEventsEmitted(t *testing.T) {
	defer leaktest.Check(t)()

	server := newFakeServer("search")
	server.set(func(fs *fakeServer) { fs.failList = true })

	var probeEvents int64
	handler := func(event *mcb.Event) {
		if event.Kind == mcb.EventKindProbe {
			atomic.AddInt64(&probeEvents, 1)
		}
	}

	seasoning := testSeasoning(testServerConfig("alpha"))
	cm := mcb.NewConnectionManagerWithHandlers(seasoning, server.factory(), handler)
	assert.NoError(t, cm.Initialize())

	assert.True(t, waitFor(waitBudget, func() bool {
		return atomic.LoadInt64(&probeEvents) >= 1
	}))

	cm.Shutdown()
}
