// Package provider implements the tool-provider client (local process and
// remote HTTP transports) and the registry that owns provider session
// lifecycle: validate, connect, register, tear down on transport failure.
//
// Both transports speak the MCP tool dialect: stdio via mark3labs/mcp-go
// for child processes, and JSON-RPC over HTTP (SSE/JSON dual-mode detected
// from Content-Type) for remote providers.
package provider

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/sandboxd/coordinator/pkg/schema"
)

// TransportKind selects how a provider process is reached.
type TransportKind string

const (
	TransportLocalProcess TransportKind = "local_process"
	TransportRemoteHTTP   TransportKind = "remote_http"
)

// ResponseMode is the remote transport hint: which dialect the provider's
// responses use. Empty auto-detects from each response's Content-Type.
type ResponseMode string

const (
	ResponseModeAuto ResponseMode = ""
	ResponseModeJSON ResponseMode = "json"
	ResponseModeSSE  ResponseMode = "sse"
)

// Spec describes one configured tool provider.
type Spec struct {
	Name      string            `yaml:"name" json:"name"`
	Transport TransportKind     `yaml:"transport" json:"transport"`

	// Local process fields.
	Command string            `yaml:"command,omitempty" json:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`

	// Remote HTTP fields. Headers are sent on every request; ResponseMode
	// forces the framed-JSON or event-stream dialect instead of detecting
	// it per response.
	URL          string            `yaml:"url,omitempty" json:"url,omitempty"`
	Headers      map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	ResponseMode ResponseMode      `yaml:"response_mode,omitempty" json:"response_mode,omitempty"`

	ConnectTimeoutSeconds int `yaml:"connect_timeout_seconds,omitempty" json:"connect_timeout_seconds,omitempty"`
}

// DefaultConnectTimeoutSeconds is applied when a Spec leaves the field zero.
const DefaultConnectTimeoutSeconds = 30

// SetDefaults fills optional fields with their documented defaults.
func (s *Spec) SetDefaults() {
	if s.ConnectTimeoutSeconds == 0 {
		s.ConnectTimeoutSeconds = DefaultConnectTimeoutSeconds
	}
}

// Validate checks the spec is internally consistent for its transport.
func (s *Spec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("provider: name is required")
	}

	switch s.Transport {
	case TransportLocalProcess:
		if s.Command == "" {
			return fmt.Errorf("provider %q: command is required for local_process transport", s.Name)
		}
	case TransportRemoteHTTP:
		if s.URL == "" {
			return fmt.Errorf("provider %q: url is required for remote_http transport", s.Name)
		}
		switch s.ResponseMode {
		case ResponseModeAuto, ResponseModeJSON, ResponseModeSSE:
		default:
			return fmt.Errorf("provider %q: unknown response_mode %q (valid: json, sse)", s.Name, s.ResponseMode)
		}
	default:
		return fmt.Errorf("provider %q: unknown transport %q", s.Name, s.Transport)
	}

	return nil
}

var envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// resolveEnv resolves ${VAR} references in a spec's env values against the
// coordinator's process environment. Resolution happens at session-start
// time, not registration time, so a provider restarted after the
// environment changed sees current values. An unresolved reference is a
// startup error.
func resolveEnv(env map[string]string) (map[string]string, error) {
	if len(env) == 0 {
		return nil, nil
	}

	var missing []string
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = envRefPattern.ReplaceAllStringFunc(v, func(match string) string {
			name := match[2 : len(match)-1]
			if val, ok := os.LookupEnv(name); ok {
				return val
			}
			missing = append(missing, name)
			return match
		})
	}

	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("unresolved environment variable reference(s): %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// ErrorKind classifies a provider-side failure. It is a closed string enum
// so callers can branch on error class without string matching.
type ErrorKind string

const (
	ErrKindTransport ErrorKind = "transport_error"
	ErrKindTool      ErrorKind = "tool_error"
	ErrKindProtocol  ErrorKind = "protocol_error"
)

// Error is the error type returned by Client operations. TransportError
// indicates the connection itself failed (process died, socket reset) and
// is the class the Registry treats as grounds for session teardown and
// recreation. ToolError indicates the provider ran but the tool call itself
// failed. ProtocolError indicates a malformed or unexpected response.
type Error struct {
	Kind     ErrorKind
	Provider string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider %s: %s: %s: %v", e.Provider, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("provider %s: %s: %s", e.Provider, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransportError reports whether err is (or wraps) a transport-class Error.
func IsTransportError(err error) bool {
	var pe *Error
	return asError(err, &pe) && pe.Kind == ErrKindTransport
}

func asError(err error, target **Error) bool {
	for err != nil {
		if pe, ok := err.(*Error); ok {
			*target = pe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func newTransportError(provider, message string, err error) *Error {
	return &Error{Kind: ErrKindTransport, Provider: provider, Message: message, Err: err}
}

func newToolError(provider, message string, err error) *Error {
	return &Error{Kind: ErrKindTool, Provider: provider, Message: message, Err: err}
}

func newProtocolError(provider, message string, err error) *Error {
	return &Error{Kind: ErrKindProtocol, Provider: provider, Message: message, Err: err}
}

// ToolCall is one invocation request against a connected provider session.
type ToolCall struct {
	ToolName string
	Args     map[string]any
}

// ToolResult is the outcome of one ToolCall.
type ToolResult struct {
	Content []byte
	IsError bool
}

// Client is the transport-agnostic surface a ProviderSession drives.
type Client interface {
	// Connect establishes the transport and returns the provider's
	// advertised tool schemas.
	Connect(ctx context.Context) ([]schema.ToolSchema, error)

	// Invoke calls one tool and returns its result.
	Invoke(ctx context.Context, call ToolCall) (*ToolResult, error)

	// Close tears down the transport.
	Close() error
}
