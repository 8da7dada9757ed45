package compositor

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jonwraymond/tooldiscovery/index"
	"github.com/jonwraymond/toolfoundation/model"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// DefaultSearchLimit caps search results when no limit is given.
const DefaultSearchLimit = 10

// catalog indexes the tools of every active mount for search.
type catalog struct {
	mu       sync.RWMutex
	tools    map[string][]model.Tool
	idx      index.Index
	newIndex func() index.Index
}

func newCatalog() *catalog {
	return &catalog{
		tools:    make(map[string][]model.Tool),
		idx:      index.NewInMemoryIndex(),
		newIndex: func() index.Index { return index.NewInMemoryIndex() },
	}
}

// set replaces the tools of prefix and rebuilds the search index.
func (c *catalog) set(prefix string, tools []*mcp.Tool) error {
	converted := make([]model.Tool, 0, len(tools))
	for _, t := range tools {
		tool := model.Tool{Tool: *t, Namespace: prefix}
		if tool.InputSchema == nil {
			tool.InputSchema = map[string]any{"type": "object"}
		}
		converted = append(converted, tool)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.tools[prefix] = converted
	return c.rebuildLocked()
}

// remove drops the tools of prefix. The tools are gone even when the index
// rebuild fails; the previous index then stays in place for search.
func (c *catalog) remove(prefix string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.tools[prefix]; !ok {
		return nil
	}
	delete(c.tools, prefix)
	return c.rebuildLocked()
}

func (c *catalog) rebuildLocked() error {
	idx := c.newIndex()
	for prefix, tools := range c.tools {
		if len(tools) == 0 {
			continue
		}
		if err := idx.RegisterToolsFromMCP(prefix, tools); err != nil {
			return fmt.Errorf("index %s tools: %w", prefix, err)
		}
	}
	c.idx = idx
	return nil
}

// names returns the qualified tool names of prefix.
func (c *catalog) names(prefix string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.tools[prefix]))
	for _, t := range c.tools[prefix] {
		out = append(out, QualifiedName(prefix, t.Name))
	}
	sort.Strings(out)
	return out
}

// all returns every cataloged tool sorted by qualified name.
func (c *catalog) all() []model.Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []model.Tool
	for _, tools := range c.tools {
		out = append(out, tools...)
	}
	sort.Slice(out, func(i, j int) bool {
		return QualifiedName(out[i].Namespace, out[i].Name) < QualifiedName(out[j].Namespace, out[j].Name)
	})
	return out
}

func (c *catalog) search(query string, limit int) ([]index.Summary, error) {
	c.mu.RLock()
	idx := c.idx
	c.mu.RUnlock()
	return idx.Search(query, limit)
}

func (c *catalog) namespaces() ([]string, error) {
	c.mu.RLock()
	idx := c.idx
	c.mu.RUnlock()
	return idx.ListNamespaces()
}

// refreshTools lists the tools of an active mount and republishes them.
func (c *Compositor) refreshTools(ctx context.Context, prefix string) error {
	p, err := c.proxy(prefix)
	if err != nil {
		return err
	}
	tools, err := p.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("list tools: %w", err)
	}
	if _, ok := c.Mount(prefix); !ok {
		return fmt.Errorf("%w: %s", ErrMountNotFound, prefix)
	}
	if err := c.catalog.set(prefix, tools); err != nil {
		return err
	}
	c.aggregate.setPrefix(prefix, tools)
	return nil
}

// Tools returns every mounted tool with its prefix as namespace.
func (c *Compositor) Tools() []model.Tool {
	return c.catalog.all()
}

// SearchResult is one tool matched by Search.
type SearchResult struct {
	Name        string   `json:"name" jsonschema:"qualified tool name, <prefix>.<tool>"`
	Prefix      string   `json:"prefix"`
	Tool        string   `json:"tool"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// Search finds mounted tools matching query. A limit <= 0 means
// DefaultSearchLimit.
func (c *Compositor) Search(query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	summaries, err := c.catalog.search(query, limit)
	if err != nil {
		return nil, err
	}
	out := make([]SearchResult, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, SearchResult{
			Name:        QualifiedName(s.Namespace, s.Name),
			Prefix:      s.Namespace,
			Tool:        s.Name,
			Description: s.ShortDescription,
			Tags:        s.Tags,
		})
	}
	return out, nil
}

// Namespaces returns the prefixes that currently contribute tools.
func (c *Compositor) Namespaces() ([]string, error) {
	return c.catalog.namespaces()
}

// ServerEntry is a status snapshot of one mount.
type ServerEntry struct {
	Prefix string   `json:"prefix"`
	State  string   `json:"state"`
	Pinned bool     `json:"pinned"`
	Server string   `json:"server,omitempty" jsonschema:"child server implementation name"`
	Tools  []string `json:"tools,omitempty" jsonschema:"qualified tool names"`
	Error  string   `json:"error,omitempty"`
}

// ServerEntries lists every mount sorted by prefix. Tool names come from
// the catalog, which follows mounts and child tool list notifications.
func (c *Compositor) ServerEntries(ctx context.Context) ([]ServerEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	names := c.Names()
	entries := make([]ServerEntry, 0, len(names))
	for _, name := range names {
		m, ok := c.Mount(name)
		if !ok {
			continue
		}
		entry := ServerEntry{Prefix: name, State: m.State().String(), Pinned: m.Pinned()}
		if err := m.Err(); err != nil {
			entry.Error = err.Error()
		}
		if p, err := m.Proxy(); err == nil {
			if init := p.InitializeResult(); init != nil && init.ServerInfo != nil {
				entry.Server = init.ServerInfo.Name
			}
			entry.Tools = c.catalog.names(name)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Refresh re-lists the tools of every active mount concurrently and
// republishes them. Mounts that fail to list keep their previous tools.
func (c *Compositor) Refresh(ctx context.Context) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs error
	)
	for _, name := range c.Names() {
		m, ok := c.Mount(name)
		if !ok || !m.IsActive() {
			continue
		}
		g.Go(func() error {
			if err := c.refreshTools(ctx, name); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("refresh %s: %w", name, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}
