package mount

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Proxy forwards calls to a mounted server through its child client.
type Proxy struct {
	prefix  string
	session *mcp.ClientSession
}

func newProxy(prefix string, session *mcp.ClientSession) *Proxy {
	return &Proxy{prefix: prefix, session: session}
}

// Prefix returns the mount name the proxy forwards to.
func (p *Proxy) Prefix() string { return p.prefix }

// InitializeResult returns the child server handshake result.
func (p *Proxy) InitializeResult() *mcp.InitializeResult {
	return p.session.InitializeResult()
}

// ListTools returns every tool of the child server, following pagination.
func (p *Proxy) ListTools(ctx context.Context) ([]*mcp.Tool, error) {
	var (
		tools  []*mcp.Tool
		cursor string
	)
	for {
		res, err := p.session.ListTools(ctx, &mcp.ListToolsParams{Cursor: cursor})
		if err != nil {
			return nil, err
		}
		tools = append(tools, res.Tools...)
		if res.NextCursor == "" {
			return tools, nil
		}
		cursor = res.NextCursor
	}
}

// CallTool invokes the unqualified tool name on the child server.
func (p *Proxy) CallTool(ctx context.Context, name string, args any) (*mcp.CallToolResult, error) {
	return p.session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
}

// ReadResource reads a resource from the child server.
func (p *Proxy) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	return p.session.ReadResource(ctx, &mcp.ReadResourceParams{URI: uri})
}
