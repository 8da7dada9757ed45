// Package toolset registers typed tools on an MCP server explicitly, one call
// per tool, and hands back typed references for calling them.
//
// A [Ref] remembers the tool name together with its input and output types,
// so callers holding a mounted server get checked access to its tools
// instead of dispatching on strings:
//
//	set := toolset.New(&mcp.Implementation{Name: "math"}, nil)
//	add, _ := toolset.Add(set, toolset.Def{Name: "add"}, addHandler)
//	sum, err := add.Call(ctx, caller, AddInput{A: 1, B: 2})
package toolset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/jonwraymond/toolfoundation/model"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Errors for toolset operations.
var (
	ErrToolExists   = errors.New("tool already registered")
	ErrInvalidName  = errors.New("invalid tool name")
	ErrToolFailed   = errors.New("tool reported an error")
	ErrDecodeOutput = errors.New("decode tool output")
)

// Def describes a tool.
type Def struct {
	Name        string
	Title       string
	Description string
	Tags        []string
	Annotations *mcp.ToolAnnotations

	// OutputSchema overrides the schema inferred from the output type.
	OutputSchema any
}

// Handler implements a typed tool.
type Handler[In, Out any] func(ctx context.Context, in In) (Out, error)

// Caller invokes a tool by its name on some server.
// *mount.Proxy and compositor handles satisfy it.
type Caller interface {
	CallTool(ctx context.Context, name string, args any) (*mcp.CallToolResult, error)
}

// Set is the tool collection of one MCP server.
type Set struct {
	name   string
	server *mcp.Server

	mu    sync.RWMutex
	tools map[string]model.Tool
}

// New creates a server for impl and an empty tool set on it.
func New(impl *mcp.Implementation, opts *mcp.ServerOptions) *Set {
	return &Set{
		name:   impl.Name,
		server: mcp.NewServer(impl, opts),
		tools:  make(map[string]model.Tool),
	}
}

// Name returns the server implementation name.
func (s *Set) Name() string { return s.name }

// MCPServer returns the MCP server the tools are registered on.
func (s *Set) MCPServer() *mcp.Server { return s.server }

// Tools returns registered tool metadata sorted by name.
func (s *Set) Tools() []model.Tool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Tool, 0, len(s.tools))
	for _, tool := range s.tools {
		out = append(out, tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Remove unregisters a tool. It reports whether the tool existed.
func (s *Set) Remove(name string) bool {
	s.mu.Lock()
	_, ok := s.tools[name]
	delete(s.tools, name)
	s.mu.Unlock()
	if ok {
		s.server.RemoveTools(name)
	}
	return ok
}

func (s *Set) reserve(def Def) error {
	if strings.TrimSpace(def.Name) == "" {
		return ErrInvalidName
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tools[def.Name]; exists {
		return fmt.Errorf("%w: %s", ErrToolExists, def.Name)
	}
	s.tools[def.Name] = model.Tool{
		Tool: mcp.Tool{
			Name:        def.Name,
			Title:       def.Title,
			Description: def.Description,
			Annotations: def.Annotations,
		},
		Namespace: s.name,
		Tags:      model.NormalizeTags(def.Tags),
	}
	return nil
}

// Add registers a typed tool and returns a reference to it.
// Input and output schemas are inferred from In and Out unless def sets an
// output schema. A handler error becomes a tool error result.
func Add[In, Out any](s *Set, def Def, h Handler[In, Out]) (Ref[In, Out], error) {
	if h == nil {
		return Ref[In, Out]{}, fmt.Errorf("%w: %s has no handler", ErrInvalidName, def.Name)
	}
	inputSchema, err := jsonschema.For[In](nil)
	if err != nil {
		return Ref[In, Out]{}, fmt.Errorf("input schema for %s: %w", def.Name, err)
	}
	if err := s.reserve(def); err != nil {
		return Ref[In, Out]{}, err
	}

	tool := &mcp.Tool{
		Name:         def.Name,
		Title:        def.Title,
		Description:  def.Description,
		Annotations:  def.Annotations,
		InputSchema:  inputSchema,
		OutputSchema: def.OutputSchema,
	}
	mcp.AddTool(s.server, tool, func(ctx context.Context, _ *mcp.CallToolRequest, in In) (*mcp.CallToolResult, Out, error) {
		out, err := h(ctx, in)
		return nil, out, err
	})

	s.mu.Lock()
	meta := s.tools[def.Name]
	meta.InputSchema = tool.InputSchema
	meta.OutputSchema = tool.OutputSchema
	s.tools[def.Name] = meta
	s.mu.Unlock()

	return Ref[In, Out]{name: def.Name}, nil
}

// ContentHandler implements a tool whose result is unstructured content,
// such as images, rather than a typed output.
type ContentHandler[In any] func(ctx context.Context, in In) ([]mcp.Content, error)

// AddContent registers a tool with a typed input and content output.
// A handler error becomes a tool error result.
func AddContent[In any](s *Set, def Def, h ContentHandler[In]) error {
	if h == nil {
		return fmt.Errorf("%w: %s has no handler", ErrInvalidName, def.Name)
	}
	inputSchema, err := jsonschema.For[In](nil)
	if err != nil {
		return fmt.Errorf("input schema for %s: %w", def.Name, err)
	}
	if err := s.reserve(def); err != nil {
		return err
	}

	tool := &mcp.Tool{
		Name:        def.Name,
		Title:       def.Title,
		Description: def.Description,
		Annotations: def.Annotations,
		InputSchema: inputSchema,
	}
	mcp.AddTool(s.server, tool, func(ctx context.Context, _ *mcp.CallToolRequest, in In) (*mcp.CallToolResult, any, error) {
		content, err := h(ctx, in)
		if err != nil {
			return nil, nil, err
		}
		return &mcp.CallToolResult{Content: content}, nil, nil
	})

	s.mu.Lock()
	meta := s.tools[def.Name]
	meta.InputSchema = tool.InputSchema
	s.tools[def.Name] = meta
	s.mu.Unlock()
	return nil
}

// Ref is a typed reference to a registered tool.
type Ref[In, Out any] struct {
	name string
}

// Name returns the tool name.
func (r Ref[In, Out]) Name() string { return r.name }

// Call invokes the tool through c and decodes its structured output.
func (r Ref[In, Out]) Call(ctx context.Context, c Caller, in In) (Out, error) {
	var out Out
	res, err := c.CallTool(ctx, r.name, in)
	if err != nil {
		return out, err
	}
	if res.IsError {
		return out, fmt.Errorf("%w: %s: %s", ErrToolFailed, r.name, ResultText(res))
	}
	if err := DecodeOutput(res, &out); err != nil {
		return out, fmt.Errorf("%w: %s: %w", ErrDecodeOutput, r.name, err)
	}
	return out, nil
}

// DecodeOutput decodes the structured content of res into dst, falling back
// to the first text content when no structured content is present.
func DecodeOutput(res *mcp.CallToolResult, dst any) error {
	var raw []byte
	switch v := res.StructuredContent.(type) {
	case nil:
		text := ResultText(res)
		if text == "" {
			return errors.New("no output")
		}
		raw = []byte(text)
	case json.RawMessage:
		raw = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		raw = b
	}
	return json.Unmarshal(raw, dst)
}

// ResultText returns the concatenated text content of res.
func ResultText(res *mcp.CallToolResult) string {
	var b strings.Builder
	for _, c := range res.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			b.WriteString(tc.Text)
		}
	}
	return b.String()
}
