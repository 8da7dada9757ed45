package compositor

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/jonwraymond/toolmount/mount"
)

// InProcServer is an in-process server that can be mounted.
// *toolset.Set satisfies it.
type InProcServer interface {
	MCPServer() *mcp.Server
}

// Handle is a typed view of an in-process mount. It keeps the concrete
// server type so callers reach its tools through typed references, and it
// routes calls through the compositor under the mount prefix.
type Handle[S InProcServer] struct {
	c      *Compositor
	mount  *mount.Mount
	server S
}

// MountInProc mounts server under prefix and returns a typed handle.
// A handle is returned for FAILED mounts too; check Handle.Mount().State().
func MountInProc[S InProcServer](ctx context.Context, c *Compositor, prefix string, server S, pinned bool) (*Handle[S], error) {
	m, err := c.mountInProc(ctx, prefix, server.MCPServer(), pinned)
	if err != nil {
		return nil, err
	}
	return &Handle[S]{c: c, mount: m, server: server}, nil
}

// Prefix returns the mount name.
func (h *Handle[S]) Prefix() string { return h.mount.Prefix() }

// Server returns the mounted server.
func (h *Handle[S]) Server() S { return h.server }

// Mount returns the underlying mount.
func (h *Handle[S]) Mount() *mount.Mount { return h.mount }

// CallTool calls an unqualified tool of the mounted server.
func (h *Handle[S]) CallTool(ctx context.Context, name string, args any) (*mcp.CallToolResult, error) {
	return h.c.CallTool(ctx, QualifiedName(h.mount.Prefix(), name), args)
}
