package mcb

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Model is the opaque foundation-model capability reachable through the agent. Prompt
// construction and model selection live behind this interface, not in the bridge.
type Model interface {
	Generate(ctx context.Context, prompt string, tools []Tool) (*ModelResponse, error)
}

// ModelResponse is one model turn: either a final answer or a requested tool call.
type ModelResponse struct {
	Content  string
	ToolCall *ToolCallRequest
}

// ToolCallRequest names the server operation the model wants executed next.
type ToolCallRequest struct {
	ServerName string
	Name       string
	Arguments  map[string]interface{}
}

// AgentInstance is the long-lived tool-using orchestrator. Exactly one live instance
// exists at a time under the lifecycle manager; superseded instances are discarded,
// never reused.
type AgentInstance struct {
	InstanceID uuid.UUID

	manager  *ConnectionManager
	model    Model
	maxTurns int

	createdAt          time.Time
	requestCount       uint64
	errorCount         uint64
	successfulRequests uint64
}

// NewAgentInstance binds a fresh instance to an initialized connection manager.
func NewAgentInstance(manager *ConnectionManager, model Model, maxTurns int) *AgentInstance {

	if maxTurns <= 0 {
		maxTurns = int(defaultMaxTurns)
	}

	return &AgentInstance{
		InstanceID: uuid.New(),
		manager:    manager,
		model:      model,
		maxTurns:   maxTurns,
		createdAt:  time.Now(),
	}
}

// ProcessQuery drives the model through a bounded tool-use loop: the model proposes a
// tool call, the bridge executes it, the result is fed back, until the model produces a
// final answer or the turn budget runs out.
//
// A RemoteError from a tool is shown to the model rather than aborting the query; the
// model decides whether to retry differently or answer without the tool.
func (ai *AgentInstance) ProcessQuery(ctx context.Context, query string) (string, error) {

	if ai.model == nil {
		return "", errors.New("agent has no model bound")
	}

	tools := ai.manager.ListAllTools()
	prompt := query

	for turn := 0; turn < ai.maxTurns; turn++ {

		response, err := ai.model.Generate(ctx, prompt, tools)
		if err != nil {
			return "", err
		}

		if response.ToolCall == nil {
			return response.Content, nil
		}

		toolCall := response.ToolCall
		result, err := ai.manager.Call(ctx, toolCall.ServerName, toolCall.Name, toolCall.Arguments)
		if err != nil {
			var remoteErr *RemoteError
			if errors.As(err, &remoteErr) {
				prompt = fmt.Sprintf("%s\n[tool %s failed: %s]", prompt, toolCall.Name, remoteErr.Message)
				continue
			}
			return "", err
		}

		prompt = fmt.Sprintf("%s\n[tool %s returned: %s]", prompt, toolCall.Name, result.Content)
	}

	return "", fmt.Errorf("%w: %d turns", ErrTooManyTurns, ai.maxTurns)
}

// CreatedAt returns the instance's creation time.
func (ai *AgentInstance) CreatedAt() time.Time {
	return ai.createdAt
}

// RequestCount returns how many times this instance has been handed out.
func (ai *AgentInstance) RequestCount() uint64 {
	return atomic.LoadUint64(&ai.requestCount)
}

// ErrorCount returns the accumulated error count. It only ever grows; a full lifecycle
// refresh is the single reset point.
func (ai *AgentInstance) ErrorCount() uint64 {
	return atomic.LoadUint64(&ai.errorCount)
}

// SuccessfulRequests returns how many uses were reported successful.
func (ai *AgentInstance) SuccessfulRequests() uint64 {
	return atomic.LoadUint64(&ai.successfulRequests)
}

// Manager exposes the connection manager backing this instance for status surfaces.
func (ai *AgentInstance) Manager() *ConnectionManager {
	return ai.manager
}

func (ai *AgentInstance) incrementRequestCount() {
	atomic.AddUint64(&ai.requestCount, 1)
}

func (ai *AgentInstance) recordError() {
	atomic.AddUint64(&ai.errorCount, 1)
}

func (ai *AgentInstance) recordSuccess() {
	atomic.AddUint64(&ai.successfulRequests, 1)
}
