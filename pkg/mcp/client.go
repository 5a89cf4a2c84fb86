package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/Nephrolytics-ai/smart-librarian/pkg/logging"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/model"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/utils"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

type toolClient interface {
	Start(ctx context.Context) error
	Initialize(ctx context.Context, request mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// RemoteTools lists the tools of an MCP server and exposes them as model.Tool values, so the
// chat providers can call them like local tools.
type RemoteTools struct {
	allowed map[string]struct{}

	mu     sync.RWMutex
	client toolClient
	tools  []mcp.Tool
}

// ConnectRemote dials a streamable HTTP MCP server. A non-empty authToken is sent verbatim as
// the Authorization header. An empty allowed list keeps every tool.
func ConnectRemote(ctx context.Context, serverURL string, authToken string, allowed []string) (*RemoteTools, error) {
	if strings.TrimSpace(serverURL) == "" {
		return nil, utils.WrapIfNotNil(errors.New("mcp server url is required"))
	}

	headers := map[string]string{}
	if authToken != "" {
		headers["Authorization"] = authToken
	}
	httpTransport, err := transport.NewStreamableHTTP(serverURL, transport.WithHTTPHeaders(headers))
	if err != nil {
		return nil, utils.WrapIfNotNil(err)
	}
	return connect(ctx, client.NewClient(httpTransport), allowed)
}

// ConnectInProcess talks to srv without a network hop.
func ConnectInProcess(ctx context.Context, srv *server.MCPServer, allowed []string) (*RemoteTools, error) {
	c, err := client.NewInProcessClient(srv)
	if err != nil {
		return nil, utils.WrapIfNotNil(err)
	}
	return connect(ctx, c, allowed)
}

func connect(ctx context.Context, c toolClient, allowed []string) (*RemoteTools, error) {
	r := &RemoteTools{allowed: allowedSet(allowed), client: c}

	if err := c.Start(ctx); err != nil {
		_ = c.Close()
		return nil, utils.WrapIfNotNil(err)
	}
	tools, err := initializeAndListTools(ctx, c)
	if err != nil {
		_ = c.Close()
		return nil, utils.WrapIfNotNil(err)
	}
	r.tools = r.filter(tools)

	logging.NewLogger(ctx).Infof("mcp_remote_connected tools=%s", strings.Join(r.ToolNames(), ","))
	return r, nil
}

func (r *RemoteTools) Refresh(ctx context.Context) error {
	r.mu.RLock()
	c := r.client
	r.mu.RUnlock()
	if c == nil {
		return utils.WrapIfNotNil(errors.New("mcp client is closed"))
	}

	result, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return utils.WrapIfNotNil(err)
	}
	var tools []mcp.Tool
	if result != nil {
		tools = result.Tools
	}

	r.mu.Lock()
	r.tools = r.filter(tools)
	r.mu.Unlock()
	return nil
}

func (r *RemoteTools) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var err error
	if r.client != nil {
		err = r.client.Close()
	}
	r.client = nil
	r.tools = nil
	return utils.WrapIfNotNil(err)
}

func (r *RemoteTools) ToolNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for _, tool := range r.tools {
		names = append(names, tool.Name)
	}
	return names
}

// ModelTools converts the listed tools. Each handler forwards to Call.
func (r *RemoteTools) ModelTools() ([]model.Tool, error) {
	r.mu.RLock()
	tools := append([]mcp.Tool(nil), r.tools...)
	r.mu.RUnlock()

	out := make([]model.Tool, 0, len(tools))
	for _, remote := range tools {
		schema, err := inputSchema(remote)
		if err != nil {
			return nil, utils.WrapIfNotNil(fmt.Errorf("tool %q schema: %w", remote.Name, err))
		}
		name := remote.Name
		out = append(out, model.Tool{
			Name:        name,
			Description: remote.Description,
			InputSchema: schema,
			Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
				return r.Call(ctx, name, args)
			},
		})
	}
	return out, nil
}

// Call invokes a remote tool. Transport and tool failures come back as an error payload rather
// than an error, so the model sees them and can choose another path.
func (r *RemoteTools) Call(ctx context.Context, name string, rawArgs json.RawMessage) (any, error) {
	r.mu.RLock()
	c := r.client
	r.mu.RUnlock()
	if c == nil {
		return nil, utils.WrapIfNotNil(errors.New("mcp client is closed"))
	}
	if strings.TrimSpace(name) == "" {
		return nil, utils.WrapIfNotNil(errors.New("tool name is required"))
	}

	args := map[string]any{}
	if len(rawArgs) > 0 && string(rawArgs) != "null" {
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return nil, utils.WrapIfNotNil(err)
		}
	}

	request := mcp.CallToolRequest{}
	request.Params.Name = name
	request.Params.Arguments = args

	result, err := c.CallTool(ctx, request)
	if err != nil {
		logging.NewLogger(ctx).Warnf("mcp_tool_call_failed tool=%s err=%v", name, err)
		return map[string]any{"is_error": true, "error": err.Error()}, nil
	}
	return flattenResult(result), nil
}

func initializeAndListTools(ctx context.Context, c toolClient) ([]mcp.Tool, error) {
	request := mcp.InitializeRequest{}
	request.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	request.Params.ClientInfo = mcp.Implementation{Name: ServerName + "-client", Version: "1.0.0"}
	request.Params.Capabilities = mcp.ClientCapabilities{}

	info, err := c.Initialize(ctx, request)
	if err != nil {
		return nil, utils.WrapIfNotNil(err)
	}
	if info == nil || info.Capabilities.Tools == nil {
		return nil, nil
	}

	result, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, utils.WrapIfNotNil(err)
	}
	if result == nil {
		return nil, nil
	}
	return result.Tools, nil
}

// inputSchema prefers RawInputSchema over InputSchema.
func inputSchema(tool mcp.Tool) (model.JSONSchema, error) {
	raw := []byte(tool.RawInputSchema)
	if len(raw) == 0 {
		var err error
		if raw, err = json.Marshal(tool.InputSchema); err != nil {
			return nil, err
		}
	}

	var schema model.JSONSchema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, err
	}
	return schema, nil
}

// flattenResult keeps the text of the result, which is what the chat providers forward.
func flattenResult(result *mcp.CallToolResult) map[string]any {
	if result == nil {
		return map[string]any{"is_error": true, "error": "empty tool result"}
	}

	texts := make([]string, 0, len(result.Content))
	for _, content := range result.Content {
		if text := mcp.GetTextFromContent(content); text != "" {
			texts = append(texts, text)
		}
	}
	out := map[string]any{
		"is_error": result.IsError,
		"text":     strings.Join(texts, "\n"),
	}
	if result.StructuredContent != nil {
		out["structured_content"] = result.StructuredContent
	}
	return out
}

func allowedSet(names []string) map[string]struct{} {
	out := make(map[string]struct{}, len(names))
	for _, name := range names {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			out[trimmed] = struct{}{}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (r *RemoteTools) filter(tools []mcp.Tool) []mcp.Tool {
	if len(r.allowed) == 0 {
		return append([]mcp.Tool(nil), tools...)
	}
	filtered := make([]mcp.Tool, 0, len(tools))
	for _, tool := range tools {
		if _, ok := r.allowed[tool.Name]; ok {
			filtered = append(filtered, tool)
		}
	}
	return filtered
}
