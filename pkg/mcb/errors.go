package mcb

import (
	"errors"
	"fmt"
)

var (
	// ErrPoolClosed is returned when an acquire is issued after a connection pool shutdown.
	// You can check for this error with errors.Is.
	ErrPoolClosed = errors.New("connection pool closed")

	// ErrPoolExhausted is returned when every permitted connection is checked out and none
	// is released within the acquire budget. Retryable with backoff by the caller.
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrConnectFailed is returned when a connection to the tool server could not be
	// established or the transport failed mid-request. Retryable.
	ErrConnectFailed = errors.New("connect to tool server failed")

	// ErrCallTimeout is returned when a remote call exceeds its request deadline.
	ErrCallTimeout = errors.New("tool call timed out")

	// ErrCircuitOpen is returned without any network attempt while a server's breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrServerNotFound is returned when a call names a server that was never configured.
	ErrServerNotFound = errors.New("tool server not found")

	// ErrInitializationFailed is returned by the lifecycle manager when the connection
	// manager could not be brought up. The next GetOrCreateAgent retries.
	ErrInitializationFailed = errors.New("initialization failed")

	// ErrNotInitialized is returned for calls issued before Initialize or after Reset.
	ErrNotInitialized = errors.New("connection manager not initialized")

	// ErrServiceShutdown is returned once a permanent teardown has been triggered.
	ErrServiceShutdown = errors.New("service shutdown triggered")

	// ErrTooManyTurns is returned when the agent's tool-use loop hits its turn budget
	// without the model producing a final answer.
	ErrTooManyTurns = errors.New("agent exceeded max turns")
)

// RemoteError indicates the tool server responded but signaled an application-level
// failure. It is surfaced to the caller and never retried by this layer.
type RemoteError struct {
	ServerName string
	Operation  string
	Message    string
}

func (re *RemoteError) Error() string {
	return fmt.Sprintf("remote error from %s.%s: %s", re.ServerName, re.Operation, re.Message)
}
