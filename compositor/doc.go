// Package compositor owns a named collection of mounted MCP servers and
// routes qualified tool calls to them.
//
// A [Compositor] moves through CREATED, ACTIVE and CLOSED:
//
//	c := compositor.New(compositor.Config{Name: "agent"})
//	if err := c.Start(ctx); err != nil { ... }
//	defer c.Shutdown(context.Background())
//
//	h, err := compositor.MountInProc(ctx, c, "docker", execServer, true)
//	res, err := h.Server().Exec().Call(ctx, h, input)
//
// Mount names must match ^[a-z][a-z0-9_]*$. Tools are addressed as
// "<prefix>.<tool>"; [Compositor.CallTool] routes on the prefix and reports
// unknown prefixes as [ErrMountNotFound].
//
// # Mounting
//
// [Compositor.MountServer] mounts an external server from a mount.ServerSpec,
// [MountInProc] mounts an in-process server and returns a typed [Handle].
// A mount whose setup aborts is not registered and its error is returned. A
// mount whose handshake cannot be verified is registered as FAILED so it
// shows up in [Compositor.ServerEntries].
//
// # Teardown
//
// [Compositor.Close] unmounts every non-pinned mount. [Compositor.Shutdown]
// unmounts everything in reverse mount order, joins background tasks and
// leaves the compositor CLOSED. Individual cleanup failures never stop the
// rest of the teardown.
//
// # Surfaces
//
// [Compositor.Server] is an MCP server that exposes every mounted tool under
// its qualified name. [Compositor.Start] mounts a pinned "compositor" server
// with "servers" and "search" tools, so compositor.servers and
// compositor.search are always available. Listeners registered with
// [Compositor.AddListener] observe mount events.
package compositor
