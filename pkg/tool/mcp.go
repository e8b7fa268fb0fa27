package tool

import (
	"context"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// ProviderMCP is the provider type that calls one tool on an MCP server.
const ProviderMCP = "mcp:call"

// mcpSpec is the connection description in metadata.mcp.
type mcpSpec struct {
	URL       string `json:"url"`
	Transport string `json:"transport,omitempty"` // streamable-http (default) or sse
	ToolName  string `json:"tool_name,omitempty"`
}

// MCPCall invokes a named tool on a remote MCP server, forwarding the
// merged params as tool arguments. The client connects lazily on first
// use and is reused for the life of the process.
type MCPCall struct {
	key  string
	spec mcpSpec

	mu        sync.Mutex
	client    *client.Client
	connected bool
}

// NewMCP builds the MCP provider from metadata.mcp.
func NewMCP(cfg Config) (Provider, error) {
	raw, ok := cfg.Metadata["mcp"]
	if !ok {
		return nil, fmt.Errorf("tool %q: metadata.mcp is required for %s", cfg.Key, ProviderMCP)
	}
	var spec mcpSpec
	if err := reencode(raw, &spec); err != nil {
		return nil, fmt.Errorf("tool %q: invalid metadata.mcp: %w", cfg.Key, err)
	}
	if spec.URL == "" {
		return nil, fmt.Errorf("tool %q: metadata.mcp.url is required", cfg.Key)
	}
	if spec.ToolName == "" {
		spec.ToolName = cfg.Key
	}
	return &MCPCall{key: cfg.Key, spec: spec}, nil
}

func (m *MCPCall) connect(ctx context.Context) (*client.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connected {
		return m.client, nil
	}

	var (
		c   *client.Client
		err error
	)
	if m.spec.Transport == "sse" {
		c, err = client.NewSSEMCPClient(m.spec.URL)
	} else {
		c, err = client.NewStreamableHttpClient(m.spec.URL)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create MCP client: %w", err)
	}
	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start MCP client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "arion-agents", Version: "1.0"}
	initReq.Params.ProtocolVersion = "2024-11-05"
	if _, err := c.Initialize(ctx, initReq); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize MCP session: %w", err)
	}

	m.client = c
	m.connected = true
	return c, nil
}

// Run calls the configured tool on the MCP server.
func (m *MCPCall) Run(ctx context.Context, in Input) Output {
	c, err := m.connect(ctx)
	if err != nil {
		return Errorf("mcp connect failed: %v", err)
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = m.spec.ToolName
	req.Params.Arguments = in.Params

	resp, err := c.CallTool(ctx, req)
	if err != nil {
		return Errorf("mcp call failed: %v", err)
	}

	if resp.IsError {
		for _, content := range resp.Content {
			if text, ok := content.(mcp.TextContent); ok {
				return Errorf("%s", text.Text)
			}
		}
		return Errorf("mcp tool %q failed", m.spec.ToolName)
	}

	var texts []string
	for _, content := range resp.Content {
		if text, ok := content.(mcp.TextContent); ok {
			texts = append(texts, text.Text)
		}
	}
	result := map[string]interface{}{}
	switch len(texts) {
	case 0:
	case 1:
		result["result"] = texts[0]
	default:
		result["results"] = texts
	}
	return Output{OK: true, Result: result}
}
