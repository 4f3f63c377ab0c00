package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/agentdeck/agentdeck/log"
)

const (
	// defaultMaxBufferSize caps a single stdout JSON line (1MB)
	defaultMaxBufferSize = 1024 * 1024

	// stderrTailLines is how many stderr lines are retained for crash reports
	stderrTailLines = 50
)

// SubprocessTransport runs the agent CLI as a child process speaking
// newline-delimited JSON over stdin/stdout.
type SubprocessTransport struct {
	options       TransportOptions
	cliPath       string
	maxBufferSize int

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	messages    chan []byte
	errors      chan error
	stderrLines chan string

	// stderr ring, newest last
	stderrTail []string
	stderrMu   sync.Mutex

	connected bool
	closed    bool
	mu        sync.RWMutex
	writeMu   sync.Mutex // protects stdin writes

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Set early in shutdown so process exit errors are expected
	shuttingDown atomic.Bool
}

// NewSubprocessTransport creates a transport for one agent process.
func NewSubprocessTransport(opts TransportOptions) (Transport, error) {
	cliPath := opts.CLIPath
	if cliPath == "" {
		cliPath = "claude"
	}
	maxBufferSize := opts.MaxBufferSize
	if maxBufferSize <= 0 {
		maxBufferSize = defaultMaxBufferSize
	}

	return &SubprocessTransport{
		options:       opts,
		cliPath:       cliPath,
		maxBufferSize: maxBufferSize,
		messages:      make(chan []byte, 100),
		errors:        make(chan error, 10),
		stderrLines:   make(chan string, 64),
	}, nil
}

// buildCommand constructs the CLI invocation.
func (t *SubprocessTransport) buildCommand() []string {
	cmd := []string{
		t.cliPath,
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--include-partial-messages",
		"--verbose",
		// Permission decisions arrive as control_request frames on stdout
		// and are answered with control_response frames on stdin.
		"--permission-prompt-tool", "stdio",
	}

	opts := t.options

	if opts.PermissionMode != "" {
		cmd = append(cmd, "--permission-mode", opts.PermissionMode)
	}
	if len(opts.AllowedTools) > 0 {
		cmd = append(cmd, "--allowedTools", strings.Join(opts.AllowedTools, ","))
	}
	if len(opts.DisallowedTools) > 0 {
		cmd = append(cmd, "--disallowedTools", strings.Join(opts.DisallowedTools, ","))
	}
	if opts.Resume != "" {
		cmd = append(cmd, "--resume", opts.Resume)
	}

	return cmd
}

// Connect starts the subprocess and its reader goroutines.
func (t *SubprocessTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		return ErrAlreadyConnected
	}
	if t.closed {
		return ErrConnectionClosed
	}

	t.ctx, t.cancel = context.WithCancel(ctx)

	cmdArgs := t.buildCommand()

	log.Info().
		Str("cli", t.cliPath).
		Strs("args", cmdArgs[1:]).
		Str("cwd", t.options.Cwd).
		Msg("starting agent subprocess")

	t.cmd = exec.CommandContext(t.ctx, cmdArgs[0], cmdArgs[1:]...)
	t.cmd.Dir = t.options.Cwd

	env := os.Environ()
	for key, value := range t.options.Env {
		env = append(env, key+"="+value)
	}
	t.cmd.Env = env

	// Drop to the session owner's identity when asked to
	if t.options.UID > 0 {
		t.cmd.SysProcAttr = &syscall.SysProcAttr{
			Credential: &syscall.Credential{
				Uid: uint32(t.options.UID),
				Gid: uint32(t.options.GID),
			},
		}
	}

	var err error
	t.stdin, err = t.cmd.StdinPipe()
	if err != nil {
		return &ConnectionError{Message: "failed to create stdin pipe", Cause: err}
	}
	t.stdout, err = t.cmd.StdoutPipe()
	if err != nil {
		return &ConnectionError{Message: "failed to create stdout pipe", Cause: err}
	}
	t.stderr, err = t.cmd.StderrPipe()
	if err != nil {
		return &ConnectionError{Message: "failed to create stderr pipe", Cause: err}
	}

	if err := t.cmd.Start(); err != nil {
		return &ConnectionError{Message: "failed to start agent process", Cause: err}
	}

	t.connected = true

	log.Info().
		Int("pid", t.cmd.Process.Pid).
		Str("cwd", t.options.Cwd).
		Msg("agent subprocess started")

	t.wg.Add(2)
	go t.readStdout()
	go t.readStderr()

	t.wg.Add(1)
	go t.monitorProcess()

	return nil
}

// readStdout reads JSON messages from stdout.
func (t *SubprocessTransport) readStdout() {
	defer t.wg.Done()

	scanner := bufio.NewScanner(t.stdout)
	buf := make([]byte, t.maxBufferSize)
	scanner.Buffer(buf, t.maxBufferSize)

	for scanner.Scan() {
		select {
		case <-t.ctx.Done():
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		// The agent may emit multiple JSON objects on one line
		for _, jsonData := range splitConcatenatedJSON(line) {
			dataCopy := make([]byte, len(jsonData))
			copy(dataCopy, jsonData)

			select {
			case t.messages <- dataCopy:
			case <-t.ctx.Done():
				return
			}
		}
	}

	if err := scanner.Err(); err != nil {
		select {
		case t.errors <- &ConnectionError{Message: "stdout read error", Cause: err}:
		case <-t.ctx.Done():
		}
	}
}

// splitConcatenatedJSON splits a byte slice containing concatenated JSON objects.
func splitConcatenatedJSON(data []byte) [][]byte {
	if len(data) == 0 {
		return nil
	}

	var result [][]byte
	decoder := json.NewDecoder(bytes.NewReader(data))

	for {
		var raw json.RawMessage
		if err := decoder.Decode(&raw); err != nil {
			break
		}
		obj := make([]byte, len(raw))
		copy(obj, raw)
		result = append(result, obj)
	}

	return result
}

// readStderr drains stderr into the tail ring and the live stderr stream.
func (t *SubprocessTransport) readStderr() {
	defer t.wg.Done()
	defer close(t.stderrLines)

	scanner := bufio.NewScanner(t.stderr)
	for scanner.Scan() {
		select {
		case <-t.ctx.Done():
			return
		default:
		}

		line := scanner.Text()
		if line == "" {
			continue
		}

		t.stderrMu.Lock()
		t.stderrTail = append(t.stderrTail, line)
		if len(t.stderrTail) > stderrTailLines {
			t.stderrTail = t.stderrTail[len(t.stderrTail)-stderrTailLines:]
		}
		t.stderrMu.Unlock()

		// Stderr is transient diagnostics; drop lines when nobody keeps up
		select {
		case t.stderrLines <- line:
		default:
		}

		log.Debug().Str("stderr", line).Msg("agent stderr")
	}
}

// StderrTail returns the most recent stderr lines, newest last.
func (t *SubprocessTransport) StderrTail() []string {
	t.stderrMu.Lock()
	defer t.stderrMu.Unlock()
	tail := make([]string, len(t.stderrTail))
	copy(tail, t.stderrTail)
	return tail
}

// monitorProcess watches for process exit.
func (t *SubprocessTransport) monitorProcess() {
	defer t.wg.Done()

	err := t.cmd.Wait()

	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()

	if t.cmd.ProcessState != nil {
		log.Info().
			Int("exitCode", t.cmd.ProcessState.ExitCode()).
			Msg("agent process exited")
	}

	if err != nil && !t.shuttingDown.Load() {
		select {
		case <-t.ctx.Done():
			// Cancelled; expected during shutdown
		default:
			log.Error().Err(err).Msg("agent process error")
			select {
			case t.errors <- &ConnectionError{Message: "process exited", Cause: err}:
			default:
			}
		}
	}

	close(t.messages)
}

// Write sends data to the agent's stdin.
func (t *SubprocessTransport) Write(data string) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.mu.RLock()
	if !t.connected {
		t.mu.RUnlock()
		return ErrNotConnected
	}
	if t.closed {
		t.mu.RUnlock()
		return ErrConnectionClosed
	}
	t.mu.RUnlock()

	if _, err := io.WriteString(t.stdin, data); err != nil {
		return &ConnectionError{Message: "failed to write to stdin", Cause: err}
	}
	return nil
}

// ReadMessages returns the channel for receiving messages.
func (t *SubprocessTransport) ReadMessages() <-chan []byte {
	return t.messages
}

// Errors returns the channel for receiving errors.
func (t *SubprocessTransport) Errors() <-chan error {
	return t.errors
}

// StderrLines returns the channel of live stderr lines.
func (t *SubprocessTransport) StderrLines() <-chan string {
	return t.stderrLines
}

// SignalShutdown marks the transport as shutting down.
func (t *SubprocessTransport) SignalShutdown() {
	t.shuttingDown.Store(true)
}

// Close terminates the process and cleans up.
//
// The agent CLI handles SIGINT but not SIGTERM, so the shutdown sequence is
// close stdin, SIGINT, wait up to 5s, then SIGKILL.
func (t *SubprocessTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	if t.cancel != nil {
		t.cancel()
	}

	if t.stdin != nil {
		t.stdin.Close()
	}

	if t.cmd != nil && t.cmd.Process != nil {
		if err := t.cmd.Process.Signal(syscall.SIGINT); err == nil {
			processDone := make(chan struct{})
			go func() {
				t.cmd.Wait()
				close(processDone)
			}()

			select {
			case <-processDone:
			case <-time.After(5 * time.Second):
				log.Warn().Int("pid", t.cmd.Process.Pid).Msg("agent didn't exit gracefully, sending SIGKILL")
				t.cmd.Process.Kill()
			}
		} else {
			t.cmd.Process.Kill()
		}
	}

	// Unblock readers stuck on I/O
	if t.stdout != nil {
		t.stdout.Close()
	}
	if t.stderr != nil {
		t.stderr.Close()
	}

	wgDone := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(wgDone)
	}()

	select {
	case <-wgDone:
	case <-time.After(2 * time.Second):
		log.Warn().Msg("transport goroutines did not finish in time")
	}

	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()

	return nil
}
