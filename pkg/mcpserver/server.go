// Package mcpserver exposes the conversation operations as MCP tools.
//
// Results are returned as structured content shaped like the HTTP API
// replies. Store failures and invalid input come back as tool errors.
package mcpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/jsonschema-go/jsonschema"
	mcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/wilhg/statestore/pkg/events"
	"github.com/wilhg/statestore/pkg/statestore"
)

// Tool names.
const (
	ToolGetConversation       = "get_conversation"
	ToolSetConversation       = "set_conversation"
	ToolDebugInspect          = "debug_inspect"
	ToolOnConversationChanged = "on_conversation_changed"
)

// Server is an MCP server bound to one statestore.Service.
type Server struct {
	svc    *statestore.Service
	srv    *mcp.Server
	logger *slog.Logger
}

// Option configures the Server.
type Option func(*Server)

// WithLogger sets the logger handed to the SDK.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates the server and registers the four tools.
func New(svc *statestore.Service, version string, opts ...Option) *Server {
	s := &Server{svc: svc, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "mcpserver")
	s.srv = mcp.NewServer(&mcp.Implementation{Name: "statestore", Version: version}, &mcp.ServerOptions{
		Logger: s.logger,
	})
	s.register()
	return s
}

// MCP returns the underlying SDK server.
func (s *Server) MCP() *mcp.Server { return s.srv }

// Run serves a single session over t until ctx is done or the client
// disconnects.
func (s *Server) Run(ctx context.Context, t mcp.Transport) error {
	return s.srv.Run(ctx, t)
}

// Handler returns a streamable HTTP handler for mounting at /mcp.
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return s.srv },
		&mcp.StreamableHTTPOptions{Logger: s.logger})
}

type getInput struct {
	ConversationID string `json:"conversation_id"`
}

type setInput struct {
	ConversationID string          `json:"conversation_id"`
	State          string          `json:"state"`
	Data           json.RawMessage `json:"data,omitempty"`
}

type inspectInput struct {
	EventCount int `json:"event_count,omitempty"`
}

type changedInput struct {
	Cursor string `json:"cursor,omitempty"`
}

func (s *Server) register() {
	mcp.AddTool(s.srv, &mcp.Tool{
		Name:        ToolGetConversation,
		Description: "Returns a conversation, creating it in the initial state on first access",
		InputSchema: object(map[string]*jsonschema.Schema{
			"conversation_id": {Type: "string", MinLength: jsonschema.Ptr(1), Description: "Conversation id within the bound namespace"},
		}, "conversation_id"),
	}, s.getConversation)

	mcp.AddTool(s.srv, &mcp.Tool{
		Name:        ToolSetConversation,
		Description: "Moves a conversation to a new state and replaces its data, if the FSM allows the transition",
		InputSchema: object(map[string]*jsonschema.Schema{
			"conversation_id": {Type: "string", MinLength: jsonschema.Ptr(1)},
			"state":           {Type: "string", MinLength: jsonschema.Ptr(1), Description: "Target state"},
			"data":            {Description: "New data; anything but a JSON object is stored as {}"},
		}, "conversation_id", "state"),
	}, s.setConversation)

	mcp.AddTool(s.srv, &mcp.Tool{
		Name:        ToolDebugInspect,
		Description: "Shows the namespace FSM and the most recent change events",
		InputSchema: object(map[string]*jsonschema.Schema{
			"event_count": {Type: "integer", Minimum: jsonschema.Ptr(0.0), Description: "How many recent events to return (default 10)"},
		}),
	}, s.debugInspect)

	mcp.AddTool(s.srv, &mcp.Tool{
		Name:        ToolOnConversationChanged,
		Description: "Returns change events after cursor, oldest first, and the cursor for the next call",
		InputSchema: object(map[string]*jsonschema.Schema{
			"cursor": {Type: "string", Description: "Last id seen; empty reads from the beginning"},
		}),
	}, s.onConversationChanged)
}

func object(props map[string]*jsonschema.Schema, required ...string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "object", Properties: props, Required: required}
}

func (s *Server) getConversation(ctx context.Context, _ *mcp.CallToolRequest, in getInput) (*mcp.CallToolResult, any, error) {
	res, err := s.svc.GetConversation(ctx, in.ConversationID)
	if err != nil {
		return nil, nil, err
	}
	return nil, res, nil
}

func (s *Server) setConversation(ctx context.Context, _ *mcp.CallToolRequest, in setInput) (*mcp.CallToolResult, any, error) {
	res, err := s.svc.SetConversation(ctx, in.ConversationID, in.State, in.Data)
	if err != nil {
		return nil, nil, err
	}
	return nil, res, nil
}

func (s *Server) debugInspect(ctx context.Context, _ *mcp.CallToolRequest, in inspectInput) (*mcp.CallToolResult, any, error) {
	res, err := s.svc.DebugInspect(ctx, in.EventCount)
	if err != nil {
		return nil, nil, err
	}
	return nil, res, nil
}

func (s *Server) onConversationChanged(ctx context.Context, _ *mcp.CallToolRequest, in changedInput) (*mcp.CallToolResult, any, error) {
	page, err := s.svc.OnConversationChanged(ctx, in.Cursor)
	if err != nil {
		return nil, nil, err
	}
	if page.Items == nil {
		page.Items = []events.Item{}
	}
	return nil, page, nil
}
