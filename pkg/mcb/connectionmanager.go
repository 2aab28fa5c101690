package mcb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map"
)

// serverEndpoint bundles everything the manager keeps per configured server. Each
// member carries its own lock, so one server's pool contention or probing cannot stall
// another server or an agent-level decision.
type serverEndpoint struct {
	config  *ServerConfig
	pool    *ConnectionPool
	breaker *CircuitBreaker
	health  *HealthRecord

	requestTimeout time.Duration

	toolsLock *sync.RWMutex
	tools     []Tool
}

func (ep *serverEndpoint) recordSuccess() {
	ep.health.ReportSuccess()
	ep.breaker.ReportSuccess()
}

func (ep *serverEndpoint) recordFailure() {
	ep.health.ReportFailure()
	ep.breaker.ReportFailure()
}

func (ep *serverEndpoint) storeTools(tools []Tool) {
	ep.toolsLock.Lock()
	ep.tools = tools
	ep.toolsLock.Unlock()
}

func (ep *serverEndpoint) cachedTools() []Tool {
	ep.toolsLock.RLock()
	defer ep.toolsLock.RUnlock()

	tools := make([]Tool, len(ep.tools))
	copy(tools, ep.tools)
	return tools
}

// ServerStatus is a per-server snapshot used by status surfaces.
type ServerStatus struct {
	ServerName   string
	BreakerState string
	Health       HealthSnapshot
	Pool         PoolStats
}

// ConnectionManager owns one pool, breaker and health record per configured server and
// is the single entry point for executing remote tool calls.
type ConnectionManager struct {
	seasoning *BridgeSeasoning
	factory   ClientFactory

	servers     cmap.ConcurrentMap // server name -> *serverEndpoint
	monitor     *HealthMonitor
	managerLock *sync.Mutex
	initialized bool

	events         chan *Event
	eventHandler   func(*Event)
	sink           EventSink
	pumpGroup      *sync.WaitGroup
	shutdownSignal chan struct{}
	shutdownOnce   *sync.Once
}

// NewConnectionManager creates a manager for the configured servers. Nothing is dialed
// and no loop is started until Initialize.
func NewConnectionManager(seasoning *BridgeSeasoning) *ConnectionManager {
	return NewConnectionManagerWithHandlers(seasoning, NewMCPToolClient, nil)
}

// NewConnectionManagerWithHandlers creates a manager with a custom transport factory
// and an optional event handler. When a handler is supplied a pump goroutine delivers
// events to it; otherwise consumers may drain Events() themselves.
func NewConnectionManagerWithHandlers(
	seasoning *BridgeSeasoning,
	factory ClientFactory,
	eventHandler func(*Event)) *ConnectionManager {

	if factory == nil {
		factory = NewMCPToolClient
	}

	// With no handler supplied, a configured event sink becomes the consumer. Telemetry
	// is best effort end to end, so a sink that cannot open just leaves events buffered.
	var sink EventSink
	if eventHandler == nil && seasoning != nil && seasoning.EventConfig != nil && seasoning.EventConfig.Enabled {
		if fileSink, err := NewFileEventSink(seasoning.EventConfig); err == nil {
			sink = fileSink
			eventHandler = func(event *Event) { _ = fileSink.Write(event) }
		}
	}

	cm := &ConnectionManager{
		seasoning:      seasoning,
		factory:        factory,
		sink:           sink,
		servers:        cmap.New(),
		managerLock:    &sync.Mutex{},
		events:         make(chan *Event, 1000),
		eventHandler:   eventHandler,
		pumpGroup:      &sync.WaitGroup{},
		shutdownSignal: make(chan struct{}),
		shutdownOnce:   &sync.Once{},
	}

	if eventHandler != nil {
		cm.pumpGroup.Add(1)
		go cm.pumpEvents()
	}

	return cm
}

// Initialize constructs one pool, breaker and health record per server, performs one
// synchronous probe round so callers can tell "checked and down" from "never checked,"
// and starts the health monitoring loop. Idempotent while already initialized.
func (cm *ConnectionManager) Initialize() error {

	cm.managerLock.Lock()
	defer cm.managerLock.Unlock()

	if cm.isShutdown() {
		return ErrServiceShutdown
	}
	if cm.initialized {
		return nil
	}

	if cm.seasoning == nil || len(cm.seasoning.ServerConfigs) == 0 {
		return fmt.Errorf("%w: no tool servers configured", ErrInitializationFailed)
	}

	cm.seasoning.ApplyDefaults()

	for name, serverConfig := range cm.seasoning.ServerConfigs {

		pool, err := NewConnectionPoolWithFactory(serverConfig, cm.factory, cm.poolErrorHandler(name))
		if err != nil {
			cm.teardownEndpoints()
			return fmt.Errorf("%w: %v", ErrInitializationFailed, err)
		}

		breaker := NewCircuitBreakerWithHandler(name, cm.seasoning.BreakerConfig, cm.breakerStateHandler)

		cm.servers.Set(name, &serverEndpoint{
			config:         serverConfig,
			pool:           pool,
			breaker:        breaker,
			health:         NewHealthRecord(name, cm.seasoning.MonitorConfig.UnhealthyThreshold),
			requestTimeout: time.Duration(serverConfig.RequestTimeout) * time.Millisecond,
			toolsLock:      &sync.RWMutex{},
		})
	}

	cm.monitor = newHealthMonitor(cm, cm.seasoning.MonitorConfig)
	cm.monitor.probeAll()
	cm.monitor.Start()

	cm.initialized = true
	return nil
}

// Call executes one operation on the named server. The breaker is consulted before any
// network work; pool acquisition and the remote call are bounded by their own budgets;
// success and failure are reported to the breaker and health record either way.
func (cm *ConnectionManager) Call(
	ctx context.Context,
	serverName string,
	operation string,
	args map[string]interface{}) (*ToolResult, error) {

	cm.managerLock.Lock()
	initialized := cm.initialized
	cm.managerLock.Unlock()
	if !initialized {
		return nil, ErrNotInitialized
	}

	endpoint, err := cm.endpoint(serverName)
	if err != nil {
		return nil, err
	}

	if err = endpoint.breaker.Allow(); err != nil {
		return nil, err
	}

	connHost, err := endpoint.pool.Acquire(ctx)
	if err != nil {
		endpoint.recordFailure()
		cm.emit(newEventWithError(EventKindPool, serverName, "connection acquire failed", err))
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, endpoint.requestTimeout)
	defer cancel()

	result, err := connHost.Client.CallTool(callCtx, operation, args)
	if err != nil {
		// The transport is suspect after any failed call; destroy instead of reuse.
		connHost.Invalidate()
		endpoint.pool.Release(connHost)

		// The caller's own cancellation is not a server fault: no failure is recorded
		// and the error goes back untouched.
		if errors.Is(err, context.Canceled) && callCtx.Err() != context.DeadlineExceeded {
			cm.emit(newEventWithError(EventKindCall, serverName, "tool call canceled by caller", err))
			return nil, err
		}

		endpoint.recordFailure()

		if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() == context.DeadlineExceeded {
			timeoutErr := fmt.Errorf("%w: %s.%s after %s", ErrCallTimeout, serverName, operation, endpoint.requestTimeout)
			cm.emit(newEventWithError(EventKindCall, serverName, "tool call timed out", timeoutErr))
			return nil, timeoutErr
		}

		wrapped := fmt.Errorf("%w: %v", ErrConnectFailed, err)
		cm.emit(newEventWithError(EventKindCall, serverName, "tool call transport failure", wrapped))
		return nil, wrapped
	}

	endpoint.pool.Release(connHost)

	if result.IsError {
		endpoint.recordFailure()
		remoteErr := &RemoteError{ServerName: serverName, Operation: operation, Message: result.Content}
		cm.emit(newEventWithError(EventKindCall, serverName, "tool call returned an application error", remoteErr))
		return nil, remoteErr
	}

	endpoint.recordSuccess()
	return result, nil
}

// IsHealthy is true only when every configured server's health record is currently
// healthy. A never-probed server counts as unhealthy.
func (cm *ConnectionManager) IsHealthy() bool {

	cm.managerLock.Lock()
	initialized := cm.initialized
	cm.managerLock.Unlock()

	if !initialized {
		return false
	}

	for _, endpoint := range cm.endpoints() {
		if !endpoint.health.IsHealthy() {
			return false
		}
	}
	return true
}

// ListAllTools aggregates the cached tool catalogs of every configured server. The
// catalogs are refreshed by each successful health probe, so a redeployed server's new
// tools show up without a full refresh.
func (cm *ConnectionManager) ListAllTools() []Tool {

	tools := make([]Tool, 0)
	for _, endpoint := range cm.endpoints() {
		tools = append(tools, endpoint.cachedTools()...)
	}
	return tools
}

// GetServerTools returns the cached catalog of one server.
func (cm *ConnectionManager) GetServerTools(serverName string) ([]Tool, error) {

	endpoint, err := cm.endpoint(serverName)
	if err != nil {
		return nil, err
	}
	return endpoint.cachedTools(), nil
}

// Status returns a per-server snapshot of breaker state, health record and pool stats.
func (cm *ConnectionManager) Status() []ServerStatus {

	statuses := make([]ServerStatus, 0, cm.servers.Count())
	for _, endpoint := range cm.endpoints() {
		statuses = append(statuses, ServerStatus{
			ServerName:   endpoint.config.Name,
			BreakerState: endpoint.breaker.State().String(),
			Health:       endpoint.health.Snapshot(),
			Pool:         endpoint.pool.PoolStats(),
		})
	}
	return statuses
}

// Reset stops the health loop, shuts down every pool and discards breaker and health
// state, returning the manager to its pre-Initialize condition. The loop is guaranteed
// to have fully stopped before Reset returns.
func (cm *ConnectionManager) Reset() {

	cm.managerLock.Lock()
	defer cm.managerLock.Unlock()
	cm.resetLocked()
}

func (cm *ConnectionManager) resetLocked() {

	if !cm.initialized {
		return
	}

	cm.monitor.Stop()
	cm.monitor = nil
	cm.teardownEndpoints()
	cm.initialized = false
}

// Shutdown is Reset plus permanent teardown of the event pump. No further Initialize
// is expected afterwards.
func (cm *ConnectionManager) Shutdown() {

	cm.managerLock.Lock()
	cm.resetLocked()
	cm.managerLock.Unlock()

	cm.shutdownOnce.Do(func() { close(cm.shutdownSignal) })
	cm.pumpGroup.Wait()

	if cm.sink != nil {
		_ = cm.sink.Close()
	}
}

// Events yields the buffered event stream for consumers that did not supply a handler.
func (cm *ConnectionManager) Events() <-chan *Event {
	return cm.events
}

func (cm *ConnectionManager) endpoint(serverName string) (*serverEndpoint, error) {

	item, ok := cm.servers.Get(serverName)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrServerNotFound, serverName)
	}
	return item.(*serverEndpoint), nil
}

func (cm *ConnectionManager) endpoints() []*serverEndpoint {

	endpoints := make([]*serverEndpoint, 0, cm.servers.Count())
	for tuple := range cm.servers.IterBuffered() {
		endpoints = append(endpoints, tuple.Val.(*serverEndpoint))
	}
	return endpoints
}

// teardownEndpoints empties the registry in place. The cmap field itself is never
// reassigned, so unlocked readers like Status and ListAllTools stay safe against a
// concurrent Reset and simply observe an emptying map.
func (cm *ConnectionManager) teardownEndpoints() {

	for tuple := range cm.servers.IterBuffered() {
		endpoint := tuple.Val.(*serverEndpoint)
		endpoint.pool.Shutdown()
		endpoint.breaker.Reset()
		cm.servers.Remove(tuple.Key)
	}
}

func (cm *ConnectionManager) poolErrorHandler(serverName string) func(error) {
	return func(err error) {
		cm.emit(newEventWithError(EventKindPool, serverName, "pool error", err))
	}
}

func (cm *ConnectionManager) breakerStateHandler(serverName string, from, to CircuitState) {
	cm.emit(newEvent(EventKindBreaker, serverName, fmt.Sprintf("breaker %s -> %s", from, to)))
}

// emit never blocks a caller: when the buffer is full the event is dropped rather than
// stalling the request or probe path.
func (cm *ConnectionManager) emit(event *Event) {

	if cm.isShutdown() {
		return
	}

	select {
	case cm.events <- event:
	default:
	}
}

func (cm *ConnectionManager) pumpEvents() {

	defer cm.pumpGroup.Done()

	for {
		select {
		case <-cm.shutdownSignal:
			// Drain what is already buffered before stopping.
			for {
				select {
				case event := <-cm.events:
					cm.eventHandler(event)
				default:
					return
				}
			}
		case event := <-cm.events:
			cm.eventHandler(event)
		}
	}
}

func (cm *ConnectionManager) isShutdown() bool {
	select {
	case <-cm.shutdownSignal:
		return true
	default:
		return false
	}
}
