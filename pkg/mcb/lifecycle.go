package mcb

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// AgentLifecycleManager owns at most one live AgentInstance backed by one
// ConnectionManager and decides when to create, reuse or retire it.
//
// The service lock serializes create/refresh decisions only. It is released before any
// caller uses the returned instance, so remote calls run in parallel, bounded solely by
// each server's connection cap.
type AgentLifecycleManager struct {
	policy   *LifecycleConfig
	maxAge   time.Duration
	maxTurns int

	manager *ConnectionManager
	model   Model

	current     *AgentInstance
	serviceLock *sync.Mutex
}

// NewAgentLifecycleManager creates a lifecycle manager with the default MCP transport.
// Nothing is initialized until the first GetOrCreateAgent.
func NewAgentLifecycleManager(seasoning *BridgeSeasoning, model Model) *AgentLifecycleManager {
	return NewAgentLifecycleManagerWithHandlers(seasoning, model, NewMCPToolClient, nil)
}

// NewAgentLifecycleManagerWithHandlers creates a lifecycle manager with a custom
// transport factory and an optional event handler.
func NewAgentLifecycleManagerWithHandlers(
	seasoning *BridgeSeasoning,
	model Model,
	factory ClientFactory,
	eventHandler func(*Event)) *AgentLifecycleManager {

	if seasoning.LifecycleConfig == nil {
		seasoning.LifecycleConfig = &LifecycleConfig{}
	}
	seasoning.ApplyDefaults()

	return &AgentLifecycleManager{
		policy:      seasoning.LifecycleConfig,
		maxAge:      time.Duration(seasoning.LifecycleConfig.MaxAgeHours) * time.Hour,
		maxTurns:    int(seasoning.LifecycleConfig.MaxTurns),
		manager:     NewConnectionManagerWithHandlers(seasoning, factory, eventHandler),
		model:       model,
		serviceLock: &sync.Mutex{},
	}
}

// GetOrCreateAgent returns the live instance, refreshing it first when the policy says
// so. The returned instance's request count includes this call.
//
// On ErrInitializationFailed the manager holds no instance and the next call retries;
// there is no internal retry loop, so a persistently broken configuration fails loudly
// instead of spinning.
func (alm *AgentLifecycleManager) GetOrCreateAgent() (*AgentInstance, error) {

	alm.serviceLock.Lock()
	defer alm.serviceLock.Unlock()

	if refresh, reason := alm.shouldRefresh(); refresh {
		alm.manager.emit(newEvent(EventKindLifecycle, "", fmt.Sprintf("agent refresh: %s", reason)))
		if err := alm.refresh(); err != nil {
			return nil, err
		}
	}

	if alm.current == nil {
		if err := alm.createFresh(); err != nil {
			return nil, err
		}
	}

	alm.current.incrementRequestCount()
	return alm.current, nil
}

// shouldRefresh evaluates the policy. The first satisfied trigger short-circuits; order
// only decides which reason is reported, not correctness.
func (alm *AgentLifecycleManager) shouldRefresh() (bool, string) {

	if alm.current == nil {
		return true, "no live instance"
	}
	if time.Since(alm.current.CreatedAt()) > alm.maxAge {
		return true, fmt.Sprintf("instance older than %dh", alm.policy.MaxAgeHours)
	}
	// The incoming request counts against the budget: an instance that has already
	// served maxRequests is spent, so the caller gets a fresh one.
	if alm.current.RequestCount() >= alm.policy.MaxRequests {
		return true, fmt.Sprintf("request budget %d exhausted", alm.policy.MaxRequests)
	}
	if alm.current.ErrorCount() > alm.policy.MaxConsecutiveErrors {
		return true, fmt.Sprintf("error budget %d exhausted", alm.policy.MaxConsecutiveErrors)
	}
	if !alm.manager.IsHealthy() {
		return true, "connection manager unhealthy"
	}

	return false, ""
}

// refresh discards the current instance after a best-effort teardown of its resources,
// then falls through to createFresh. Teardown problems are swallowed: cleanup must
// never block recreation.
func (alm *AgentLifecycleManager) refresh() error {

	if alm.current != nil {
		func() {
			defer func() { _ = recover() }()
			alm.manager.Reset()
		}()
		alm.current = nil
	}

	return alm.createFresh()
}

// createFresh initializes the connection manager and binds a new instance to it. On
// failure no instance is cached; the caller sees ErrInitializationFailed.
func (alm *AgentLifecycleManager) createFresh() error {

	if err := alm.manager.Initialize(); err != nil {
		alm.current = nil
		if errors.Is(err, ErrInitializationFailed) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrInitializationFailed, err)
	}

	alm.current = NewAgentInstance(alm.manager, alm.model, alm.maxTurns)
	alm.manager.emit(newEvent(EventKindLifecycle, "", fmt.Sprintf("agent instance %s created", alm.current.InstanceID)))
	return nil
}

// RecordError counts one failed use of the agent against the error budget. Successes
// never shrink this count; only a full refresh resets it.
func (alm *AgentLifecycleManager) RecordError() {

	alm.serviceLock.Lock()
	defer alm.serviceLock.Unlock()

	if alm.current != nil {
		alm.current.recordError()
	}
}

// RecordSuccess counts one successful use of the agent. Deliberately does not touch the
// error count: the refresh trigger is "too many errors over this instance's lifetime,"
// not "errors since the last success."
func (alm *AgentLifecycleManager) RecordSuccess() {

	alm.serviceLock.Lock()
	defer alm.serviceLock.Unlock()

	if alm.current != nil {
		alm.current.recordSuccess()
	}
}

// CurrentAgent returns the live instance without creating one. May be nil.
func (alm *AgentLifecycleManager) CurrentAgent() *AgentInstance {
	alm.serviceLock.Lock()
	defer alm.serviceLock.Unlock()
	return alm.current
}

// ConnectionManager exposes the owned manager for status surfaces.
func (alm *AgentLifecycleManager) ConnectionManager() *ConnectionManager {
	return alm.manager
}

// Shutdown permanently tears down the owned connection manager and drops the instance.
func (alm *AgentLifecycleManager) Shutdown() {

	alm.serviceLock.Lock()
	defer alm.serviceLock.Unlock()

	alm.manager.Shutdown()
	alm.current = nil
}
