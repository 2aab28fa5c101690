package mcb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Workiva/go-datastructures/queue"
)

// ConnectionPool bounds and reuses connections to one tool server.
//
// A connection is in exactly one of three places: the idle queue, checked out by a
// caller, or destroyed. The total never exceeds MaxConnectionCount.
type ConnectionPool struct {
	Config ServerConfig

	factory        ClientFactory
	acquireTimeout time.Duration

	idle     *queue.Queue
	poolLock *sync.RWMutex

	totalCount   uint64
	createdCount uint64
	failedCount  uint64
	closed       bool

	errorHandler func(error)
}

// PoolStats is a point-in-time accounting snapshot for one pool.
type PoolStats struct {
	ServerName         string
	MaxConnectionCount uint64
	TotalCount         uint64
	IdleCount          uint64
	ActiveCount        uint64
	CreatedCount       uint64
	FailedCount        uint64
}

// NewConnectionPool creates a pool that dials real MCP connections.
func NewConnectionPool(config *ServerConfig) (*ConnectionPool, error) {
	return NewConnectionPoolWithFactory(config, NewMCPToolClient, nil)
}

// NewConnectionPoolWithErrorHandler creates a pool with an error handler.
func NewConnectionPoolWithErrorHandler(config *ServerConfig, errorHandler func(error)) (*ConnectionPool, error) {
	return NewConnectionPoolWithFactory(config, NewMCPToolClient, errorHandler)
}

// NewConnectionPoolWithFactory creates a pool with a custom transport factory and an
// optional error handler. Connections are dialed lazily on first demand.
func NewConnectionPoolWithFactory(config *ServerConfig, factory ClientFactory, errorHandler func(error)) (*ConnectionPool, error) {

	if config == nil || config.Endpoint == "" {
		return nil, errors.New("connectionpool requires a server endpoint")
	}
	if factory == nil {
		return nil, errors.New("connectionpool requires a client factory")
	}

	config.applyDefaults()

	return &ConnectionPool{
		Config:         *config,
		factory:        factory,
		acquireTimeout: time.Duration(config.AcquireTimeout) * time.Millisecond,
		idle:           queue.New(int64(config.MaxConnectionCount)),
		poolLock:       &sync.RWMutex{},
		errorHandler:   errorHandler,
	}, nil
}

// Acquire hands out a connection: an idle one when available, a freshly dialed one while
// below the bound, otherwise it waits for a release up to the acquire budget.
//
// A reused connection that fails validation is destroyed silently and the acquire is
// retried exactly once.
func (cp *ConnectionPool) Acquire(ctx context.Context) (*ConnectionHost, error) {

	connHost, err := cp.acquireOnce(ctx)
	if err != nil {
		return nil, err
	}

	if !connHost.Validate(ctx) {
		cp.destroy(connHost)

		connHost, err = cp.acquireOnce(ctx)
		if err != nil {
			return nil, err
		}
		if !connHost.Validate(ctx) {
			cp.destroy(connHost)
			return nil, fmt.Errorf("%w: connection failed validation twice", ErrConnectFailed)
		}
	}

	connHost.Touch()
	return connHost, nil
}

func (cp *ConnectionPool) acquireOnce(ctx context.Context) (*ConnectionHost, error) {

	if cp.isClosed() {
		return nil, ErrPoolClosed
	}

	// Fast path: reuse an idle connection when one is immediately available.
	items, err := cp.idle.Poll(1, time.Millisecond)
	switch {
	case err == nil:
		return items[0].(*ConnectionHost), nil
	case errors.Is(err, queue.ErrDisposed):
		return nil, ErrPoolClosed
	}

	// Below the bound: dial a fresh connection. The slot is reserved before dialing so
	// concurrent acquires cannot overshoot MaxConnectionCount.
	cp.poolLock.Lock()
	if cp.closed {
		cp.poolLock.Unlock()
		return nil, ErrPoolClosed
	}
	if cp.totalCount < cp.Config.MaxConnectionCount {
		cp.totalCount++
		cp.poolLock.Unlock()

		connHost, dialErr := NewConnectionHost(&cp.Config, cp.factory)
		if dialErr != nil {
			cp.poolLock.Lock()
			cp.totalCount--
			cp.failedCount++
			cp.poolLock.Unlock()

			cp.handleError(dialErr)
			return nil, dialErr
		}

		cp.poolLock.Lock()
		cp.createdCount++
		cp.poolLock.Unlock()
		return connHost, nil
	}
	cp.poolLock.Unlock()

	// Saturated: wait for a release within the caller's budget.
	waitBudget := cp.acquireTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < waitBudget {
			waitBudget = remaining
		}
	}

	items, err = cp.idle.Poll(1, waitBudget)
	switch {
	case err == nil:
		return items[0].(*ConnectionHost), nil
	case errors.Is(err, queue.ErrDisposed):
		return nil, ErrPoolClosed
	case errors.Is(err, queue.ErrTimeout):
		return nil, fmt.Errorf("%w: %s", ErrPoolExhausted, cp.Config.Name)
	default:
		return nil, err
	}
}

// Release puts the connection back in the idle queue, or destroys it when it is no
// longer valid or the pool has shut down. Release is bookkeeping only and never fails.
func (cp *ConnectionPool) Release(connHost *ConnectionHost) {

	if connHost == nil {
		return
	}

	if cp.isClosed() || !connHost.IsValid() {
		cp.destroy(connHost)
		return
	}

	connHost.Touch()
	if err := cp.idle.Put(connHost); err != nil {
		// Shutdown won the race between the closed check and the put.
		cp.destroy(connHost)
	}
}

// Shutdown drains and destroys all idle connections; checked-out connections are
// destroyed as their holders release them. Subsequent acquires fail with ErrPoolClosed.
func (cp *ConnectionPool) Shutdown() {

	if cp == nil {
		return
	}

	cp.poolLock.Lock()
	if cp.closed {
		cp.poolLock.Unlock()
		return
	}
	cp.closed = true
	cp.poolLock.Unlock()

	disposed := cp.idle.Dispose()

	wg := &sync.WaitGroup{}
	for _, item := range disposed {
		connHost := item.(*ConnectionHost)
		wg.Add(1)

		go func(ch *ConnectionHost) {
			defer wg.Done()
			ch.Close()
		}(connHost)
	}
	wg.Wait()

	cp.poolLock.Lock()
	if drained := uint64(len(disposed)); drained <= cp.totalCount {
		cp.totalCount -= drained
	} else {
		cp.totalCount = 0
	}
	cp.poolLock.Unlock()
}

// PoolStats returns a snapshot of the pool's accounting counters.
func (cp *ConnectionPool) PoolStats() PoolStats {

	cp.poolLock.RLock()
	defer cp.poolLock.RUnlock()

	idleCount := uint64(0)
	if !cp.closed {
		idleCount = uint64(cp.idle.Len())
	}

	active := uint64(0)
	if cp.totalCount > idleCount {
		active = cp.totalCount - idleCount
	}

	return PoolStats{
		ServerName:         cp.Config.Name,
		MaxConnectionCount: cp.Config.MaxConnectionCount,
		TotalCount:         cp.totalCount,
		IdleCount:          idleCount,
		ActiveCount:        active,
		CreatedCount:       cp.createdCount,
		FailedCount:        cp.failedCount,
	}
}

func (cp *ConnectionPool) destroy(connHost *ConnectionHost) {

	if connHost == nil {
		return
	}

	connHost.Close()

	cp.poolLock.Lock()
	if cp.totalCount > 0 {
		cp.totalCount--
	}
	cp.poolLock.Unlock()
}

func (cp *ConnectionPool) isClosed() bool {
	cp.poolLock.RLock()
	defer cp.poolLock.RUnlock()
	return cp.closed
}

func (cp *ConnectionPool) handleError(err error) {
	if cp.errorHandler != nil {
		cp.errorHandler(err)
	}
}
