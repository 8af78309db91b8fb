package websearch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ToolName is the remote tool that performs the search
const ToolName = "WebSearch"

// ErrToolFailed is returned when the remote tool reports an error result
var ErrToolFailed = errors.New("web search tool failed")

// Result is one search hit
type Result struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Snippet string `json:"snippet"`
}

// Response is the normalised tool output. Message explains an empty result.
type Response struct {
	Query   string   `json:"query"`
	Results []Result `json:"results"`
	Message string   `json:"message,omitempty"`
}

// Searcher runs web searches
type Searcher interface {
	Search(ctx context.Context, query string, limit int) (*Response, error)
}

// Client calls the WebSearch tool of a remote MCP server. Each search opens
// a short-lived session.
type Client struct {
	client    *mcp.Client
	transport func() (mcp.Transport, error)
	logger    *slog.Logger
}

// Option configures a Client
type Option func(*Client)

// WithTransport replaces the streamable HTTP transport, mainly for tests
func WithTransport(fn func() (mcp.Transport, error)) Option {
	return func(c *Client) { c.transport = fn }
}

// WithLogger sets the client logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New returns a Client for the server at endpoint, or nil when endpoint is
// empty and no transport option is given
func New(endpoint, version string, opts ...Option) *Client {
	c := &Client{
		client: mcp.NewClient(&mcp.Implementation{Name: "codeatlas", Version: version}, nil),
		logger: slog.Default(),
	}
	if endpoint != "" {
		c.transport = func() (mcp.Transport, error) {
			return &mcp.StreamableClientTransport{Endpoint: endpoint}, nil
		}
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.transport == nil {
		return nil
	}
	return c
}

// Search calls the remote tool with query and limit
func (c *Client) Search(ctx context.Context, query string, limit int) (*Response, error) {
	if limit <= 0 {
		limit = 5
	}
	transport, err := c.transport()
	if err != nil {
		return nil, fmt.Errorf("web search transport: %w", err)
	}
	session, err := c.client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("connect web search server: %w", err)
	}
	defer func() {
		if err := session.Close(); err != nil {
			c.logger.Debug("web search session close", "error", err)
		}
	}()

	res, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      ToolName,
		Arguments: map[string]any{"query": query, "limit": limit},
	})
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", ToolName, err)
	}
	if res.IsError {
		return nil, fmt.Errorf("%w: %s", ErrToolFailed, firstText(res))
	}
	resp := Normalize(res)
	if resp.Query == "" {
		resp.Query = query
	}
	return resp, nil
}

// Normalize extracts a Response from structured content, falling back to the
// first text block parsed as JSON. Anything else yields an empty Response.
func Normalize(res *mcp.CallToolResult) *Response {
	out := &Response{}
	if res == nil {
		return out
	}
	if res.StructuredContent != nil {
		if raw, err := json.Marshal(res.StructuredContent); err == nil && decodeInto(raw, out) {
			return out
		}
	}
	if text := firstText(res); text != "" {
		decodeInto([]byte(text), out)
	}
	return out
}

// decodeInto fills out from raw, tolerating a results field of the wrong shape
func decodeInto(raw []byte, out *Response) bool {
	var loose struct {
		Query   string          `json:"query"`
		Results json.RawMessage `json:"results"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(raw, &loose); err != nil {
		return false
	}
	out.Query = loose.Query
	out.Message = loose.Message
	out.Results = nil
	if len(loose.Results) > 0 {
		var results []Result
		if err := json.Unmarshal(loose.Results, &results); err == nil {
			out.Results = results
		}
	}
	return true
}

func firstText(res *mcp.CallToolResult) string {
	for _, c := range res.Content {
		if t, ok := c.(*mcp.TextContent); ok {
			return strings.TrimSpace(t.Text)
		}
	}
	return ""
}
