// Package mcpclient is a typed client for the statestore MCP tools.
package mcpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/hashicorp/go-cleanhttp"
	mcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/wilhg/statestore/pkg/events"
	"github.com/wilhg/statestore/pkg/mcpserver"
	"github.com/wilhg/statestore/pkg/repository"
	"github.com/wilhg/statestore/pkg/statestore"
)

// ToolDescriptor is the subset of an MCP tool listing callers need.
type ToolDescriptor struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// ToolError is a tool call the server answered with isError set.
type ToolError struct {
	Tool    string
	Message string
}

func (e *ToolError) Error() string { return e.Tool + ": " + e.Message }

// Client wraps one MCP client session.
type Client struct {
	session *mcp.ClientSession
}

// Option configures Dial.
type Option func(*config)

type config struct {
	httpClient *http.Client
	name       string
	version    string
}

// WithHTTPClient replaces the pooled, traced default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cfg *config) { cfg.httpClient = c }
}

// WithImplementation sets the client name and version sent on initialize.
func WithImplementation(name, version string) Option {
	return func(cfg *config) { cfg.name, cfg.version = name, version }
}

// Dial connects to a streamable HTTP endpoint such as http://host:8080/mcp.
func Dial(ctx context.Context, endpoint string, opts ...Option) (*Client, error) {
	cfg := config{name: "statestore-client", version: "dev"}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.httpClient == nil {
		cfg.httpClient = cleanhttp.DefaultPooledClient()
		cfg.httpClient.Transport = otelhttp.NewTransport(cfg.httpClient.Transport)
	}
	return connect(ctx, &mcp.StreamableClientTransport{Endpoint: endpoint, HTTPClient: cfg.httpClient}, cfg)
}

// Connect runs the client over an already established transport.
func Connect(ctx context.Context, t mcp.Transport, opts ...Option) (*Client, error) {
	cfg := config{name: "statestore-client", version: "dev"}
	for _, opt := range opts {
		opt(&cfg)
	}
	return connect(ctx, t, cfg)
}

func connect(ctx context.Context, t mcp.Transport, cfg config) (*Client, error) {
	cs, err := mcp.NewClient(&mcp.Implementation{Name: cfg.name, Version: cfg.version}, nil).Connect(ctx, t, nil)
	if err != nil {
		return nil, fmt.Errorf("mcp connect: %w", err)
	}
	return &Client{session: cs}, nil
}

func (c *Client) Close() error { return c.session.Close() }

// ListTools returns every tool the server advertises.
func (c *Client) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	var out []ToolDescriptor
	for tool, err := range c.session.Tools(ctx, nil) {
		if err != nil {
			return nil, err
		}
		schema, err := json.Marshal(tool.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("tool %s: input schema: %w", tool.Name, err)
		}
		out = append(out, ToolDescriptor{Name: tool.Name, Description: tool.Description, InputSchema: schema})
	}
	return out, nil
}

// CallTool invokes name and returns the JSON text of its result.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	res, err := c.session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}
	text := firstText(res)
	if res.IsError {
		return nil, &ToolError{Tool: name, Message: text}
	}
	if text == "" {
		return nil, errors.New(name + ": empty result")
	}
	return json.RawMessage(text), nil
}

func firstText(res *mcp.CallToolResult) string {
	for _, c := range res.Content {
		if t, ok := c.(*mcp.TextContent); ok {
			return t.Text
		}
	}
	return ""
}

func call[T any](ctx context.Context, c *Client, name string, args map[string]any) (T, error) {
	var out T
	raw, err := c.CallTool(ctx, name, args)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("%s: decode result: %w", name, err)
	}
	return out, nil
}

// GetConversation calls get_conversation.
func (c *Client) GetConversation(ctx context.Context, conversationID string) (statestore.GetConversationResult, error) {
	return call[statestore.GetConversationResult](ctx, c, mcpserver.ToolGetConversation,
		map[string]any{"conversation_id": conversationID})
}

// SetConversation calls set_conversation. A rejected transition comes back
// as a result with OK false, not as an error.
func (c *Client) SetConversation(ctx context.Context, conversationID, state string, data any) (repository.SetResult, error) {
	args := map[string]any{"conversation_id": conversationID, "state": state}
	if data != nil {
		args["data"] = data
	}
	return call[repository.SetResult](ctx, c, mcpserver.ToolSetConversation, args)
}

// DebugInspect calls debug_inspect. eventCount 0 uses the server default.
func (c *Client) DebugInspect(ctx context.Context, eventCount int) (statestore.InspectResult, error) {
	args := map[string]any{}
	if eventCount > 0 {
		args["event_count"] = eventCount
	}
	return call[statestore.InspectResult](ctx, c, mcpserver.ToolDebugInspect, args)
}

// OnConversationChanged calls on_conversation_changed.
func (c *Client) OnConversationChanged(ctx context.Context, cursor string) (events.Page, error) {
	args := map[string]any{}
	if cursor != "" {
		args["cursor"] = cursor
	}
	return call[events.Page](ctx, c, mcpserver.ToolOnConversationChanged, args)
}
