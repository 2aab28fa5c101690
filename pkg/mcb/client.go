package mcb

import (
	"context"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// Tool describes a single operation exposed by a remote tool server.
type Tool struct {
	ServerName  string
	Name        string
	Description string
	InputSchema interface{}
}

// ToolResult is the structured result of one remote operation.
type ToolResult struct {
	Content string
	IsError bool
}

// ToolClient is the transport contract for one logical link to a tool server.
// The bridge requires a "list operations" capability (used by the health probe) and
// an "invoke operation" capability; everything else about the wire is the client's concern.
type ToolClient interface {
	Connect(ctx context.Context) error
	Ping(ctx context.Context) error
	ListTools(ctx context.Context) ([]Tool, error)
	CallTool(ctx context.Context, name string, args map[string]interface{}) (*ToolResult, error)
	Close() error
}

// ClientFactory builds the transport for one server. Pools call it on demand, so a
// factory must be safe for concurrent use.
type ClientFactory func(config *ServerConfig) (ToolClient, error)

// MCPToolClient speaks MCP over streamable HTTP to a single tool server.
type MCPToolClient struct {
	serverName string
	endpoint   string
	mcpClient  *client.Client
}

// NewMCPToolClient is the default ClientFactory.
func NewMCPToolClient(config *ServerConfig) (ToolClient, error) {

	mcpClient, err := client.NewStreamableHttpClient(config.Endpoint)
	if err != nil {
		return nil, err
	}

	return &MCPToolClient{
		serverName: config.Name,
		endpoint:   config.Endpoint,
		mcpClient:  mcpClient,
	}, nil
}

// Connect starts the transport and performs the MCP initialize handshake.
func (mtc *MCPToolClient) Connect(ctx context.Context) error {

	if err := mtc.mcpClient.Start(ctx); err != nil {
		return err
	}

	initRequest := mcp.InitializeRequest{}
	initRequest.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initRequest.Params.ClientInfo = mcp.Implementation{
		Name:    "mcpbridge",
		Version: "1.0.0",
	}

	_, err := mtc.mcpClient.Initialize(ctx, initRequest)
	return err
}

// Ping issues the MCP ping used for cheap liveness validation.
func (mtc *MCPToolClient) Ping(ctx context.Context) error {
	return mtc.mcpClient.Ping(ctx)
}

// ListTools fetches the server's operation catalog. Doubles as the health probe.
func (mtc *MCPToolClient) ListTools(ctx context.Context) ([]Tool, error) {

	result, err := mtc.mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, err
	}

	tools := make([]Tool, 0, len(result.Tools))
	for _, mcpTool := range result.Tools {
		tools = append(tools, Tool{
			ServerName:  mtc.serverName,
			Name:        mcpTool.Name,
			Description: mcpTool.Description,
			InputSchema: mcpTool.InputSchema,
		})
	}

	return tools, nil
}

// CallTool invokes one operation with arguments and flattens the structured result.
func (mtc *MCPToolClient) CallTool(ctx context.Context, name string, args map[string]interface{}) (*ToolResult, error) {

	request := mcp.CallToolRequest{}
	request.Params.Name = name
	request.Params.Arguments = args

	result, err := mtc.mcpClient.CallTool(ctx, request)
	if err != nil {
		return nil, err
	}

	return &ToolResult{
		Content: flattenContent(result.Content),
		IsError: result.IsError,
	}, nil
}

// Close tears down the transport.
func (mtc *MCPToolClient) Close() error {
	return mtc.mcpClient.Close()
}

func flattenContent(content []mcp.Content) string {

	var builder strings.Builder
	for _, item := range content {
		if textContent, ok := mcp.AsTextContent(item); ok {
			builder.WriteString(textContent.Text)
		}
	}

	return builder.String()
}
