package mount

import (
	"errors"
	"fmt"
	"maps"
	"net/http"
	"os"
	osexec "os/exec"
	"slices"
	"sort"

	"github.com/google/shlex"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"gopkg.in/yaml.v3"
)

// TransportKind selects how a child client reaches an external server.
type TransportKind string

// Supported transports.
const (
	TransportStdio TransportKind = "stdio"
	TransportHTTP  TransportKind = "http"
)

// ErrInvalidSpec is returned for a spec that cannot describe a server.
var ErrInvalidSpec = errors.New("invalid server spec")

// ServerSpec describes an external MCP server.
type ServerSpec struct {
	// Transport is "stdio" or "http". When empty it is inferred: URL means
	// http, Command means stdio.
	Transport TransportKind `yaml:"transport,omitempty" json:"transport,omitempty"`

	// Command is the stdio executable. When Args is empty it is split with
	// shell quoting rules, so "uvx server --flag" works.
	Command string   `yaml:"command,omitempty" json:"command,omitempty"`
	Args    []string `yaml:"args,omitempty" json:"args,omitempty"`

	// Env is added to the parent environment of stdio servers.
	Env map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Cwd string            `yaml:"cwd,omitempty" json:"cwd,omitempty"`

	// URL is the streamable HTTP endpoint.
	URL       string            `yaml:"url,omitempty" json:"url,omitempty"`
	Headers   map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	AuthToken string            `yaml:"auth_token,omitempty" json:"-"`

	// Pinned mounts survive Compositor.Close.
	Pinned bool `yaml:"pinned,omitempty" json:"pinned,omitempty"`
}

// Kind returns the explicit or inferred transport.
func (s ServerSpec) Kind() TransportKind {
	switch {
	case s.Transport != "":
		return s.Transport
	case s.URL != "":
		return TransportHTTP
	case s.Command != "":
		return TransportStdio
	default:
		return ""
	}
}

// Validate checks that the spec has what its transport needs.
func (s ServerSpec) Validate() error {
	switch s.Kind() {
	case TransportStdio:
		if s.Command == "" {
			return fmt.Errorf("%w: stdio transport requires command", ErrInvalidSpec)
		}
	case TransportHTTP:
		if s.URL == "" {
			return fmt.Errorf("%w: http transport requires url", ErrInvalidSpec)
		}
	case "":
		return fmt.Errorf("%w: command or url is required", ErrInvalidSpec)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTransport, s.Transport)
	}
	return nil
}

// Argv returns the stdio command line.
func (s ServerSpec) Argv() ([]string, error) {
	if len(s.Args) > 0 {
		return append([]string{s.Command}, s.Args...), nil
	}
	argv, err := shlex.Split(s.Command)
	if err != nil {
		return nil, fmt.Errorf("%w: command: %w", ErrInvalidSpec, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("%w: empty command", ErrInvalidSpec)
	}
	return argv, nil
}

func (s ServerSpec) clone() ServerSpec {
	out := s
	out.Args = slices.Clone(s.Args)
	out.Env = maps.Clone(s.Env)
	out.Headers = maps.Clone(s.Headers)
	return out
}

// ServersConfig is the mounts file: servers keyed by mount prefix.
type ServersConfig struct {
	Servers map[string]ServerSpec `yaml:"servers" json:"servers"`
}

// Names returns the server names sorted.
func (c ServersConfig) Names() []string {
	names := make([]string, 0, len(c.Servers))
	for name := range c.Servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParseServersConfig decodes and validates a YAML mounts file.
func ParseServersConfig(data []byte) (ServersConfig, error) {
	var cfg ServersConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return ServersConfig{}, fmt.Errorf("parse servers config: %w", err)
	}
	for _, name := range cfg.Names() {
		if err := cfg.Servers[name].Validate(); err != nil {
			return ServersConfig{}, fmt.Errorf("server %q: %w", name, err)
		}
	}
	return cfg, nil
}

// LoadServersConfig reads and parses a YAML mounts file.
func LoadServersConfig(path string) (ServersConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ServersConfig{}, err
	}
	return ParseServersConfig(data)
}

// TransportFactory builds a client transport for an external server.
type TransportFactory func(spec ServerSpec) (mcp.Transport, error)

// DefaultTransportFactory supports stdio and streamable HTTP servers.
func DefaultTransportFactory(spec ServerSpec) (mcp.Transport, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	switch spec.Kind() {
	case TransportStdio:
		argv, err := spec.Argv()
		if err != nil {
			return nil, err
		}
		cmd := osexec.Command(argv[0], argv[1:]...)
		cmd.Dir = spec.Cwd
		if len(spec.Env) > 0 {
			cmd.Env = os.Environ()
			for _, k := range slices.Sorted(maps.Keys(spec.Env)) {
				cmd.Env = append(cmd.Env, k+"="+spec.Env[k])
			}
		}
		return &mcp.CommandTransport{Command: cmd}, nil
	default:
		return &mcp.StreamableClientTransport{
			Endpoint:   spec.URL,
			HTTPClient: &http.Client{Transport: newHeaderTransport(spec, nil)},
		}, nil
	}
}

// headerTransport sets static headers on every outgoing request.
type headerTransport struct {
	base    http.RoundTripper
	headers http.Header
}

func newHeaderTransport(spec ServerSpec, base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	headers := make(http.Header, len(spec.Headers)+1)
	for k, v := range spec.Headers {
		headers.Set(k, v)
	}
	if spec.AuthToken != "" {
		headers.Set("Authorization", "Bearer "+spec.AuthToken)
	}
	if len(headers) == 0 {
		return base
	}
	return &headerTransport{base: base, headers: headers}
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		req.Header[k] = slices.Clone(v)
	}
	return t.base.RoundTrip(req)
}
