package mcb_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/retroryan/mcpbridge/pkg/mcb"
)

func jsonUnmarshalForTest(data []byte, out interface{}) error {
	return jsoniter.ConfigFastest.Unmarshal(data, out)
}

// fakeServer is the shared state behind every fakeToolClient dialed against it. Flags
// flip mid-test to simulate a server going down and coming back.
type fakeServer struct {
	flagLock    sync.Mutex
	failConnect bool
	failPing    bool
	failList    bool
	failCalls   bool
	remoteErr   bool
	callDelay   time.Duration
	tools       []mcb.Tool

	connectCount int64
	pingCount    int64
	listCount    int64
	callCount    int64
	closeCount   int64

	inFlight    int64
	maxInFlight int64
}

func newFakeServer(toolNames ...string) *fakeServer {
	fs := &fakeServer{}
	for _, name := range toolNames {
		fs.tools = append(fs.tools, mcb.Tool{Name: name, Description: name + " tool"})
	}
	return fs
}

func (fs *fakeServer) set(mutate func(*fakeServer)) {
	fs.flagLock.Lock()
	mutate(fs)
	fs.flagLock.Unlock()
}

type fakeServerState struct {
	failConnect bool
	failPing    bool
	failList    bool
	failCalls   bool
	remoteErr   bool
	callDelay   time.Duration
	tools       []mcb.Tool
}

func (fs *fakeServer) snapshot() fakeServerState {
	fs.flagLock.Lock()
	defer fs.flagLock.Unlock()
	return fakeServerState{
		failConnect: fs.failConnect,
		failPing:    fs.failPing,
		failList:    fs.failList,
		failCalls:   fs.failCalls,
		remoteErr:   fs.remoteErr,
		callDelay:   fs.callDelay,
		tools:       fs.tools,
	}
}

// factory returns a ClientFactory wired to this fake server.
func (fs *fakeServer) factory() mcb.ClientFactory {
	return func(config *mcb.ServerConfig) (mcb.ToolClient, error) {
		return &fakeToolClient{server: fs, serverName: config.Name}, nil
	}
}

type fakeToolClient struct {
	server     *fakeServer
	serverName string
}

func (ftc *fakeToolClient) Connect(_ context.Context) error {
	state := ftc.server.snapshot()
	if state.failConnect {
		return errors.New("dial refused")
	}
	atomic.AddInt64(&ftc.server.connectCount, 1)
	return nil
}

func (ftc *fakeToolClient) Ping(_ context.Context) error {
	atomic.AddInt64(&ftc.server.pingCount, 1)
	if ftc.server.snapshot().failPing {
		return errors.New("ping failed")
	}
	return nil
}

func (ftc *fakeToolClient) ListTools(ctx context.Context) ([]mcb.Tool, error) {
	atomic.AddInt64(&ftc.server.listCount, 1)

	state := ftc.server.snapshot()
	if state.callDelay > 0 {
		select {
		case <-time.After(state.callDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if state.failList {
		return nil, errors.New("list tools failed")
	}

	tools := make([]mcb.Tool, len(state.tools))
	copy(tools, state.tools)
	for i := range tools {
		tools[i].ServerName = ftc.serverName
	}
	return tools, nil
}

func (ftc *fakeToolClient) CallTool(ctx context.Context, name string, _ map[string]interface{}) (*mcb.ToolResult, error) {
	atomic.AddInt64(&ftc.server.callCount, 1)

	current := atomic.AddInt64(&ftc.server.inFlight, 1)
	defer atomic.AddInt64(&ftc.server.inFlight, -1)
	for {
		max := atomic.LoadInt64(&ftc.server.maxInFlight)
		if current <= max || atomic.CompareAndSwapInt64(&ftc.server.maxInFlight, max, current) {
			break
		}
	}

	state := ftc.server.snapshot()
	if state.callDelay > 0 {
		select {
		case <-time.After(state.callDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if state.failCalls {
		return nil, errors.New("transport broke")
	}
	if state.remoteErr {
		return &mcb.ToolResult{Content: "tool blew up", IsError: true}, nil
	}

	return &mcb.ToolResult{Content: "ok:" + name}, nil
}

func (ftc *fakeToolClient) Close() error {
	atomic.AddInt64(&ftc.server.closeCount, 1)
	return nil
}

// testServerConfig returns a server config with short budgets so failure paths resolve
// in milliseconds instead of the production defaults.
func testServerConfig(name string) *mcb.ServerConfig {
	return &mcb.ServerConfig{
		Name:               name,
		Endpoint:           "http://localhost:9097/" + name,
		MaxConnectionCount: 3,
		ConnectionTimeout:  1,
		RequestTimeout:     500,
		AcquireTimeout:     200,
	}
}

// testSeasoning builds a full config around the given servers. The monitor interval is
// an hour so the background loop stays quiet unless a test shortens it.
func testSeasoning(servers ...*mcb.ServerConfig) *mcb.BridgeSeasoning {

	serverConfigs := make(map[string]*mcb.ServerConfig)
	for _, server := range servers {
		serverConfigs[server.Name] = server
	}

	return &mcb.BridgeSeasoning{
		ApplicationName: "mcpbridge-test",
		ServerConfigs:   serverConfigs,
		MonitorConfig: &mcb.MonitorConfig{
			HealthCheckInterval: 3600000,
			ProbeTimeout:        500,
			UnhealthyThreshold:  1,
		},
		BreakerConfig: &mcb.BreakerConfig{
			FailureThreshold: 100,
			RecoveryTimeout:  100,
		},
		LifecycleConfig: &mcb.LifecycleConfig{
			MaxAgeHours:          24,
			MaxRequests:          1000,
			MaxConsecutiveErrors: 100,
			MaxTurns:             5,
		},
	}
}

// scriptedModel plays back canned responses in order, recording every prompt it saw.
// Once the script runs out it answers "done" with no tool call.
type scriptedModel struct {
	scriptLock sync.Mutex
	responses  []*mcb.ModelResponse
	prompts    []string
	genererr   error
}

func (sm *scriptedModel) Generate(_ context.Context, prompt string, _ []mcb.Tool) (*mcb.ModelResponse, error) {

	sm.scriptLock.Lock()
	defer sm.scriptLock.Unlock()

	sm.prompts = append(sm.prompts, prompt)
	if sm.genererr != nil {
		return nil, sm.genererr
	}

	if len(sm.responses) == 0 {
		return &mcb.ModelResponse{Content: "done"}, nil
	}

	next := sm.responses[0]
	sm.responses = sm.responses[1:]
	return next, nil
}

func (sm *scriptedModel) seenPrompts() []string {
	sm.scriptLock.Lock()
	defer sm.scriptLock.Unlock()
	prompts := make([]string, len(sm.prompts))
	copy(prompts, sm.prompts)
	return prompts
}

// toolCall is shorthand for a model turn that requests one tool execution.
func toolCall(serverName, name string) *mcb.ModelResponse {
	return &mcb.ModelResponse{
		ToolCall: &mcb.ToolCallRequest{ServerName: serverName, Name: name, Arguments: map[string]interface{}{}},
	}
}

// waitBudget bounds how long a test waits for the background loop to observe a change.
const waitBudget = 2 * time.Second

// waitFor polls the condition until it holds or the deadline passes.
func waitFor(timeout time.Duration, condition func() bool) bool {

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return condition()
}
