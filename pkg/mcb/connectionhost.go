package mcb

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// staleAfter is how long a connection may sit idle before an acquire re-verifies it
// with a remote ping instead of trusting the local validity flag.
const staleAfter = 60 * time.Second

// pingTimeout bounds the re-verification ping so a dead server cannot stall an acquire.
const pingTimeout = 2 * time.Second

// ConnectionHost is an internal representation of one logical link to a tool server.
// It is owned by exactly one of the pool's idle set or a caller holding it checked out.
type ConnectionHost struct {
	ConnectionID uuid.UUID
	ServerName   string
	Client       ToolClient
	CreatedAt    time.Time

	lastUsedAt time.Time
	valid      int32
	connLock   *sync.Mutex
}

// NewConnectionHost dials a fresh connection through the factory, bounded by the
// server's connect timeout.
func NewConnectionHost(config *ServerConfig, factory ClientFactory) (*ConnectionHost, error) {

	toolClient, err := factory(config)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(config.ConnectionTimeout)*time.Second)
	defer cancel()

	if err = toolClient.Connect(ctx); err != nil {
		_ = toolClient.Close()
		return nil, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}

	return &ConnectionHost{
		ConnectionID: uuid.New(),
		ServerName:   config.Name,
		Client:       toolClient,
		CreatedAt:    time.Now(),
		lastUsedAt:   time.Now(),
		valid:        1,
		connLock:     &sync.Mutex{},
	}, nil
}

// Validate reports whether the connection is still usable. Recently used connections
// are trusted on the local flag alone; connections idle past staleAfter get one ping.
func (ch *ConnectionHost) Validate(ctx context.Context) bool {

	if !ch.IsValid() {
		return false
	}

	ch.connLock.Lock()
	idleFor := time.Since(ch.lastUsedAt)
	ch.connLock.Unlock()

	if idleFor < staleAfter {
		return true
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := ch.Client.Ping(pingCtx); err != nil {
		ch.Invalidate()
		return false
	}

	return true
}

// IsValid reads the local validity flag.
func (ch *ConnectionHost) IsValid() bool {
	return atomic.LoadInt32(&ch.valid) == 1
}

// Invalidate marks the connection unusable so the pool destroys it instead of reusing it.
func (ch *ConnectionHost) Invalidate() {
	atomic.StoreInt32(&ch.valid, 0)
}

// Touch records a use so staleness is measured from the last checkout.
func (ch *ConnectionHost) Touch() {
	ch.connLock.Lock()
	ch.lastUsedAt = time.Now()
	ch.connLock.Unlock()
}

// LastUsedAt returns the time of the most recent checkout or release.
func (ch *ConnectionHost) LastUsedAt() time.Time {
	ch.connLock.Lock()
	defer ch.connLock.Unlock()
	return ch.lastUsedAt
}

// Close invalidates the connection and tears down the transport.
func (ch *ConnectionHost) Close() {

	ch.Invalidate()

	// Close on an already-severed transport can panic.
	defer func() { _ = recover() }()
	_ = ch.Client.Close()
}
