package compositor

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/jonwraymond/toolmount/toolset"
)

// ServersInput is the input of compositor.servers.
type ServersInput struct{}

// ServersOutput is the output of compositor.servers.
type ServersOutput struct {
	Servers []ServerEntry `json:"servers"`
}

// SearchInput is the input of compositor.search.
type SearchInput struct {
	Query string `json:"query" jsonschema:"free text matched against tool names, descriptions and tags"`
	Limit int    `json:"limit,omitempty" jsonschema:"maximum number of results, default 10"`
}

// SearchOutput is the output of compositor.search.
type SearchOutput struct {
	Results []SearchResult `json:"results"`
}

// MetaServer exposes compositor introspection as tools.
type MetaServer struct {
	set     *toolset.Set
	servers toolset.Ref[ServersInput, ServersOutput]
	search  toolset.Ref[SearchInput, SearchOutput]
}

func newMetaServer(c *Compositor) *MetaServer {
	set := toolset.New(&mcp.Implementation{Name: MetaPrefix, Version: c.version}, nil)
	ms := &MetaServer{set: set}

	readOnly := &mcp.ToolAnnotations{ReadOnlyHint: true}
	ms.servers = mustAdd(toolset.Add(set, toolset.Def{
		Name:        "servers",
		Description: "List mounted servers with their state and qualified tool names.",
		Tags:        []string{"compositor", "introspection"},
		Annotations: readOnly,
	}, func(ctx context.Context, _ ServersInput) (ServersOutput, error) {
		entries, err := c.ServerEntries(ctx)
		return ServersOutput{Servers: entries}, err
	}))
	ms.search = mustAdd(toolset.Add(set, toolset.Def{
		Name:        "search",
		Description: "Search mounted tools by name, description and tags.",
		Tags:        []string{"compositor", "discovery"},
		Annotations: readOnly,
	}, func(_ context.Context, in SearchInput) (SearchOutput, error) {
		results, err := c.Search(in.Query, in.Limit)
		return SearchOutput{Results: results}, err
	}))
	return ms
}

func mustAdd[In, Out any](ref toolset.Ref[In, Out], err error) toolset.Ref[In, Out] {
	if err != nil {
		panic(err)
	}
	return ref
}

// MCPServer returns the underlying MCP server.
func (ms *MetaServer) MCPServer() *mcp.Server { return ms.set.MCPServer() }

// Servers is the typed reference to the servers tool.
func (ms *MetaServer) Servers() toolset.Ref[ServersInput, ServersOutput] { return ms.servers }

// Search is the typed reference to the search tool.
func (ms *MetaServer) Search() toolset.Ref[SearchInput, SearchOutput] { return ms.search }
