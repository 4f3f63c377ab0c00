package agent

import (
	"context"
	"errors"
	"fmt"
)

// Transport abstracts the byte-level connection to an agent process.
// The production implementation is SubprocessTransport; tests substitute
// their own.
type Transport interface {
	// Connect starts the underlying process or connection.
	Connect(ctx context.Context) error

	// Write sends raw data to the agent's stdin.
	Write(data string) error

	// ReadMessages returns the channel of newline-delimited JSON objects
	// from the agent's stdout. Closed when the process exits.
	ReadMessages() <-chan []byte

	// Errors returns the channel of transport-level failures.
	Errors() <-chan error

	// StderrLines returns the channel of diagnostic stderr lines. Closed
	// when the process exits. A nil channel means stderr is not streamed.
	StderrLines() <-chan string

	// StderrTail returns the most recent stderr lines, newest last.
	StderrTail() []string

	// SignalShutdown marks the transport as shutting down so process exit
	// is not reported as an error.
	SignalShutdown()

	// Close terminates the process and releases resources.
	Close() error
}

// TransportFactory builds a Transport for one spawn attempt.
type TransportFactory func(opts TransportOptions) (Transport, error)

// TransportOptions configures one agent process spawn.
type TransportOptions struct {
	// CLIPath is the agent binary; defaults to "claude".
	CLIPath string

	// Cwd is the working directory the agent runs in.
	Cwd string

	// Resume restores prior transcript context from an agent session id.
	Resume string

	// PermissionMode is passed through to the agent.
	PermissionMode string

	// AllowedTools are pre-approved tool names.
	AllowedTools []string

	// DisallowedTools are tool names the agent may never use.
	DisallowedTools []string

	// UID/GID run the process as this host user when non-zero.
	UID int
	GID int

	// Env entries appended to the inherited environment.
	Env map[string]string

	// MaxBufferSize caps a single stdout JSON line; defaults to 1MB.
	MaxBufferSize int
}

// Transport errors.
var (
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("already connected")
	ErrConnectionClosed = errors.New("connection closed")
)

// ConnectionError wraps a transport-level failure with context.
type ConnectionError struct {
	Message string
	Cause   error
}

func (e *ConnectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("agent connection error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("agent connection error: %s", e.Message)
}

func (e *ConnectionError) Unwrap() error {
	return e.Cause
}
