// Package execserver exposes an exec runner as an MCP server.
//
// The server has the "exec" tool, whose input and output follow the exec
// wire contract, and a "resource://container.info" resource describing the
// sandbox the commands run in. With a [Container] it also serves container
// files under the "file://{+path}" resource template and images through the
// "read_image" tool. It is meant to be mounted into a compositor under
// [DockerPrefix] or [RuntimePrefix]:
//
//	srv, _ := execserver.New(execserver.Config{Runner: runner, Container: session})
//	h, _ := compositor.MountInProc(ctx, c, execserver.DockerPrefix, srv, true)
//	res, _ := srv.Exec().Call(ctx, h, exec.NewInput([]string{"ls", "-la"}))
package execserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"path"
	"slices"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/jonwraymond/toolmount/exec"
	"github.com/jonwraymond/toolmount/toolset"
)

// Names used by the server.
const (
	ServerName = "Docker Exec MCP Server"
	ToolName   = "exec"
	InfoURI    = "resource://container.info"

	ReadImageToolName = "read_image"
	FileURITemplate   = "file://{+path}"
	FileResourceName  = "container.file"

	// DockerPrefix and RuntimePrefix are the conventional mount prefixes.
	DockerPrefix  = "docker"
	RuntimePrefix = "runtime"
)

// ContainerInstructions are the server instructions used with a Container.
const ContainerInstructions = "Provides access to a Docker container.\n\n" +
	"Image history is available by reading the resource " + InfoURI + ".\n\n" +
	"/tmp is writable and can be used as a scratchpad for notes, intermediate results, " +
	"or organizing your thoughts."

// MaxImageBytes caps images returned by the read_image tool.
const MaxImageBytes = 5 << 20

// Errors for server operations.
var (
	// ErrRunnerNotConfigured is returned by New without a runner.
	ErrRunnerNotConfigured = errors.New("exec runner not configured")

	// ErrNotImage is returned by read_image for files that are not PNG, JPEG, GIF or WebP.
	ErrNotImage = errors.New("not a supported image")

	// ErrImageTooLarge is returned by read_image for images over MaxImageBytes.
	ErrImageTooLarge = errors.New("image too large")
)

var imageTypes = []string{"image/png", "image/jpeg", "image/gif", "image/webp"}

// Container gives access to the sandbox filesystem and its live description.
// *docker.Session satisfies it.
type Container interface {
	// ReadFile returns the file at an absolute path. Missing files yield an
	// error wrapping fs.ErrNotExist.
	ReadFile(ctx context.Context, path string) ([]byte, error)

	// Describe returns the JSON-encodable container.info payload.
	Describe(ctx context.Context) (any, error)
}

// ReadImageInput is the input of the read_image tool.
type ReadImageInput struct {
	Path string `json:"path" jsonschema:"absolute path of a PNG, JPEG, GIF or WebP file in the container"`
}

// FileURI returns the resource URI of an absolute container path.
func FileURI(p string) string {
	return (&url.URL{Scheme: "file", Path: p}).String()
}

// Runner runs one validated command. *runtime.Runner satisfies it.
type Runner interface {
	Run(ctx context.Context, in exec.Input) (exec.Result, error)
}

// Config configures the exec server.
type Config struct {
	// Runner executes commands. Required.
	Runner Runner

	// Container enables the file resource template and the read_image
	// tool, and serves InfoURI from Describe on every read.
	Container Container

	// Info is served as JSON from InfoURI when Container is nil.
	// When both are nil the resource is not registered.
	Info any

	// Instructions are the server instructions.
	// Default: ContainerInstructions when Container is set
	Instructions string

	// Name is the server implementation name.
	// Default: ServerName
	Name string

	// Version is the server implementation version.
	// Default: "0.1.0"
	Version string

	// Logger is an optional logger.
	Logger *zap.Logger
}

// Server is the exec MCP server.
type Server struct {
	set       *toolset.Set
	exec      toolset.Ref[exec.Input, exec.Result]
	runner    Runner
	container Container
	logger    *zap.Logger
}

// New builds the server and registers its tool and resource.
func New(cfg Config) (*Server, error) {
	if cfg.Runner == nil {
		return nil, ErrRunnerNotConfigured
	}
	if cfg.Name == "" {
		cfg.Name = ServerName
	}
	if cfg.Version == "" {
		cfg.Version = "0.1.0"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	if cfg.Instructions == "" && cfg.Container != nil {
		cfg.Instructions = ContainerInstructions
	}

	s := &Server{
		set: toolset.New(&mcp.Implementation{Name: cfg.Name, Version: cfg.Version},
			&mcp.ServerOptions{Instructions: cfg.Instructions}),
		runner:    cfg.Runner,
		container: cfg.Container,
		logger:    cfg.Logger.Named("execserver"),
	}

	ref, err := toolset.Add(s.set, toolset.Def{
		Name:  ToolName,
		Title: "Execute command",
		Description: fmt.Sprintf("Run a command (argv, no shell) and return its exit status, stdout, stderr and duration. "+
			"timeout_ms must be in (0, %d]. Each stream keeps at most the first %d bytes; longer output is returned "+
			"as {truncated_text, total_bytes}.", exec.MaxTimeoutMs, exec.MaxBytesCap),
		Tags:         []string{"exec", "shell", "sandbox"},
		OutputSchema: exec.OutputSchema(),
		Annotations:  &mcp.ToolAnnotations{OpenWorldHint: boolPtr(false)},
	}, s.handleExec)
	if err != nil {
		return nil, err
	}
	s.exec = ref

	info := &mcp.Resource{
		URI:         InfoURI,
		Name:        "container.info",
		Title:       "Container info",
		Description: "Image, container id, working directory, network mode, binds and image history of the sandbox.",
		MIMEType:    "application/json",
	}
	switch {
	case cfg.Container != nil:
		s.set.MCPServer().AddResource(info, s.readInfo)
	case cfg.Info != nil:
		payload, err := json.MarshalIndent(cfg.Info, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encode container info: %w", err)
		}
		s.set.MCPServer().AddResource(info, func(_ context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
			return jsonContents(req.Params.URI, payload), nil
		})
	}

	if cfg.Container != nil {
		s.set.MCPServer().AddResourceTemplate(&mcp.ResourceTemplate{
			URITemplate: FileURITemplate,
			Name:        FileResourceName,
			Description: "Read a file from the container filesystem, e.g. " + FileURI("/etc/os-release") + ".",
			MIMEType:    "text/plain",
		}, s.readFile)

		err := toolset.AddContent(s.set, toolset.Def{
			Name:        ReadImageToolName,
			Title:       "Read image",
			Description: "Read an image file (PNG, JPEG, GIF or WebP) from the container and return it for the model to see.",
			Tags:        []string{"image", "file", "sandbox"},
			Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true, OpenWorldHint: boolPtr(false)},
		}, s.handleReadImage)
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

func boolPtr(b bool) *bool { return &b }

func (s *Server) handleExec(ctx context.Context, in exec.Input) (exec.Result, error) {
	if err := in.Validate(); err != nil {
		return exec.Result{}, err
	}
	res, err := s.runner.Run(ctx, in)
	if err != nil {
		s.logger.Warn("exec failed", zap.Strings("cmd", in.Cmd), zap.Error(err))
		return exec.Result{}, err
	}
	return res, nil
}

func (s *Server) readInfo(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	v, err := s.container.Describe(ctx)
	if err != nil {
		s.logger.Warn("describe container", zap.Error(err))
		return nil, err
	}
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode container info: %w", err)
	}
	return jsonContents(req.Params.URI, payload), nil
}

func jsonContents(uri string, payload []byte) *mcp.ReadResourceResult {
	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(payload),
		}},
	}
}

// readFile serves file:// URIs. UTF-8 files are returned as text, anything
// else as a blob typed by content sniffing.
func (s *Server) readFile(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	uri := req.Params.URI
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != "file" || u.Host != "" || !path.IsAbs(u.Path) {
		return nil, mcp.ResourceNotFoundError(uri)
	}
	data, err := s.container.ReadFile(ctx, u.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, mcp.ResourceNotFoundError(uri)
	}
	if err != nil {
		s.logger.Warn("read container file", zap.String("path", u.Path), zap.Error(err))
		return nil, err
	}

	contents := &mcp.ResourceContents{URI: uri}
	if utf8.Valid(data) {
		contents.MIMEType = "text/plain"
		contents.Text = string(data)
	} else {
		contents.MIMEType = mimetype.Detect(data).String()
		contents.Blob = data
	}
	return &mcp.ReadResourceResult{Contents: []*mcp.ResourceContents{contents}}, nil
}

func (s *Server) handleReadImage(ctx context.Context, in ReadImageInput) ([]mcp.Content, error) {
	data, err := s.container.ReadFile(ctx, in.Path)
	if err != nil {
		return nil, err
	}
	return imageContent(in.Path, data)
}

func imageContent(p string, data []byte) ([]mcp.Content, error) {
	if len(data) > MaxImageBytes {
		return nil, fmt.Errorf("%w: %s is %d bytes, limit %d", ErrImageTooLarge, p, len(data), MaxImageBytes)
	}
	mt := mimetype.Detect(data).String()
	if !slices.Contains(imageTypes, mt) {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotImage, p, mt)
	}
	return []mcp.Content{&mcp.ImageContent{Data: data, MIMEType: mt}}, nil
}

// MCPServer returns the underlying MCP server.
func (s *Server) MCPServer() *mcp.Server { return s.set.MCPServer() }

// Exec is the typed reference to the exec tool.
func (s *Server) Exec() toolset.Ref[exec.Input, exec.Result] { return s.exec }

// Toolset returns the registered tool metadata.
func (s *Server) Toolset() *toolset.Set { return s.set }
