package mcb

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// HealthMonitor is the single background loop owned by a ConnectionManager. Each tick
// it probes every configured server independently, so a hung server cannot delay the
// others, and feeds results into each server's health record and breaker.
type HealthMonitor struct {
	manager *ConnectionManager

	interval     time.Duration
	probeTimeout time.Duration

	started        int32
	shutdownSignal chan struct{}
	loopGroup      *sync.WaitGroup
}

func newHealthMonitor(manager *ConnectionManager, config *MonitorConfig) *HealthMonitor {

	interval := defaultHealthCheckInterval
	probeTimeout := defaultProbeTimeout
	if config != nil {
		if config.HealthCheckInterval > 0 {
			interval = config.HealthCheckInterval
		}
		if config.ProbeTimeout > 0 {
			probeTimeout = config.ProbeTimeout
		}
	}

	return &HealthMonitor{
		manager:        manager,
		interval:       time.Duration(interval) * time.Millisecond,
		probeTimeout:   time.Duration(probeTimeout) * time.Millisecond,
		shutdownSignal: make(chan struct{}),
		loopGroup:      &sync.WaitGroup{},
	}
}

// Start launches the monitor loop. Safe to call once per monitor.
func (hm *HealthMonitor) Start() {

	if !atomic.CompareAndSwapInt32(&hm.started, 0, 1) {
		return
	}

	hm.loopGroup.Add(1)
	go hm.monitorLoop()
}

// Stop signals the loop and blocks until it has fully terminated, so a stopped
// manager's loop can never touch destroyed pool state.
func (hm *HealthMonitor) Stop() {

	if !atomic.CompareAndSwapInt32(&hm.started, 1, 2) {
		return
	}

	close(hm.shutdownSignal)
	hm.loopGroup.Wait()
}

func (hm *HealthMonitor) monitorLoop() {

	defer hm.loopGroup.Done()

	ticker := time.NewTicker(hm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-hm.shutdownSignal:
			return
		case <-ticker.C:
			hm.probeAll()
		}
	}
}

// probeAll probes every server concurrently and waits for the round to finish. Each
// probe is bounded by the probe timeout, which is shorter than the request timeout.
func (hm *HealthMonitor) probeAll() {

	wg := &sync.WaitGroup{}
	for _, endpoint := range hm.manager.endpoints() {
		wg.Add(1)

		go func(ep *serverEndpoint) {
			defer wg.Done()
			// A probe failure is recorded, never raised.
			defer func() { _ = recover() }()

			hm.probeServer(ep)
		}(endpoint)
	}
	wg.Wait()
}

func (hm *HealthMonitor) probeServer(ep *serverEndpoint) {

	// Skip while the breaker is open and not yet due for its half-open probe.
	if err := ep.breaker.Allow(); err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), hm.probeTimeout)
	defer cancel()

	connHost, err := ep.pool.Acquire(ctx)
	if err != nil {
		ep.recordFailure()
		hm.manager.emit(newEventWithError(EventKindProbe, ep.config.Name, "health probe could not acquire a connection", err))
		return
	}

	tools, err := connHost.Client.ListTools(ctx)
	if err != nil {
		connHost.Invalidate()
		ep.pool.Release(connHost)
		ep.recordFailure()

		message := "health probe failed"
		if errors.Is(err, context.DeadlineExceeded) {
			message = "health probe timed out"
		}
		hm.manager.emit(newEventWithError(EventKindProbe, ep.config.Name, message, err))
		return
	}

	ep.pool.Release(connHost)
	ep.storeTools(tools)
	ep.recordSuccess()
}
