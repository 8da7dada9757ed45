// Package mount manages the lifecycle of a single MCP sub-server attachment.
//
// A [Mount] starts PENDING and is set up exactly once, either against an
// in-process *mcp.Server ([Mount.SetupInProc]) or against an external server
// described by a [ServerSpec] ([Mount.SetupExternal]). Setup reports one of
// three outcomes:
//
//   - SetupActive: the child client is connected and the mount is ACTIVE.
//   - SetupFailed: a client exists but the handshake could not be verified.
//     The mount is FAILED, Err reports why, and the partially built resources
//     stay attached until Cleanup.
//   - SetupAborted: setup failed before any resource was usable. Everything
//     opened so far is closed, the mount is FAILED and the error is returned.
//
// Every resource a mount opens is pushed onto its [Stack] and released in
// reverse order exactly once by [Mount.Cleanup]. Cleanup is idempotent and
// never returns an error; close failures are logged.
//
// # Accessors
//
// [Mount.Proxy] and [Mount.ClientSession] return [ErrNotActive] unless the
// mount is ACTIVE. Check [Mount.State] or handle the error.
//
// # Specs
//
// External servers are described by [ServerSpec] values, usually loaded from
// YAML with [ParseServersConfig]. [DefaultTransportFactory] turns a spec into
// an MCP client transport: stdio specs run a subprocess, http specs use the
// streamable HTTP client with optional bearer auth and static headers.
package mount
