package compositor

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// InstructionsURI is the aggregate server resource that renders the
// current mount table as instructions.
const InstructionsURI = "resource://compositor/instructions"

const baseInstructions = "Tools are named <server>.<tool>. " +
	"Call compositor.servers to list mounted servers and compositor.search to find tools. " +
	"Read " + InstructionsURI + " for the current mount table."

// aggregate is the MCP server that re-exports mounted tools under their
// qualified names.
type aggregate struct {
	c      *Compositor
	server *mcp.Server

	mu    sync.Mutex
	names map[string][]string
}

func newAggregate(c *Compositor) *aggregate {
	srv := mcp.NewServer(&mcp.Implementation{Name: c.name, Version: c.version}, &mcp.ServerOptions{
		Instructions: baseInstructions,
	})
	a := &aggregate{
		c:      c,
		server: srv,
		names:  make(map[string][]string),
	}
	a.server.AddResource(&mcp.Resource{
		URI:         InstructionsURI,
		Name:        "instructions",
		Title:       "Mounted servers",
		Description: "Mounted servers and how to address their tools.",
		MIMEType:    "text/markdown",
	}, a.readInstructions)
	return a
}

// Server returns the aggregate MCP server. Its tool list follows mounts and
// unmounts.
func (c *Compositor) Server() *mcp.Server {
	return c.aggregate.server
}

func (a *aggregate) setPrefix(prefix string, tools []*mcp.Tool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if old := a.names[prefix]; len(old) > 0 {
		a.server.RemoveTools(old...)
	}
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		qualified := QualifiedName(prefix, t.Name)
		tool := &mcp.Tool{
			Name:        qualified,
			Title:       t.Title,
			Description: t.Description,
			InputSchema: t.InputSchema,
			Annotations: t.Annotations,
		}
		if tool.InputSchema == nil {
			tool.InputSchema = map[string]any{"type": "object"}
		}
		a.server.AddTool(tool, a.forward(qualified))
		names = append(names, qualified)
	}
	a.names[prefix] = names
}

func (a *aggregate) removePrefix(prefix string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if old := a.names[prefix]; len(old) > 0 {
		a.server.RemoveTools(old...)
	}
	delete(a.names, prefix)
}

func (a *aggregate) forward(qualified string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args any
		if req.Params != nil && len(req.Params.Arguments) > 0 {
			args = req.Params.Arguments
		}
		return a.c.CallTool(ctx, qualified, args)
	}
}

func (a *aggregate) readInstructions(_ context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{{
			URI:      req.Params.URI,
			MIMEType: "text/markdown",
			Text:     a.c.Instructions(),
		}},
	}, nil
}

// Instructions renders the mount table for agents.
func (c *Compositor) Instructions() string {
	title := cases.Title(language.English)

	var b strings.Builder
	b.WriteString("# ")
	b.WriteString(title.String(strings.ReplaceAll(c.name, "_", " ")))
	b.WriteString("\n\n")
	b.WriteString(baseInstructions)
	b.WriteString("\n\n## Mounted servers\n")

	names := c.Names()
	if len(names) == 0 {
		b.WriteString("\nNo servers are mounted.\n")
		return b.String()
	}
	for _, name := range names {
		m, ok := c.Mount(name)
		if !ok {
			continue
		}
		tools := c.catalog.names(name)
		fmt.Fprintf(&b, "\n- %s (`%s`): %s, %d tools", title.String(strings.ReplaceAll(name, "_", " ")), name,
			strings.ToLower(m.State().String()), len(tools))
		if m.Pinned() {
			b.WriteString(", pinned")
		}
	}
	b.WriteString("\n")
	return b.String()
}
