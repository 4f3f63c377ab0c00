package terminal

import (
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/agentdeck/agentdeck/log"
)

const (
	// outputBufferSize caps the replayable scrollback per terminal (256KB)
	outputBufferSize = 256 * 1024

	// subscriberBuffer is the per-subscriber channel depth
	subscriberBuffer = 64
)

// Terminal wraps one login shell on a PTY, owned by a single session.
type Terminal struct {
	ID        string
	SessionID string
	Name      string
	Cwd       string

	cmd *exec.Cmd
	pty *os.File

	mu           sync.Mutex
	buffer       []byte
	subscribers  map[int]chan []byte
	nextSubID    int
	lastActivity time.Time
	closed       bool

	exited   chan struct{}
	exitCode int
}

// SpawnOptions configures the shell process.
type SpawnOptions struct {
	Shell string // defaults to /bin/bash
	UID   int
	GID   int
	Home  string
	User  string
}

func newTerminal(id, sessionID, cwd, name string, opts SpawnOptions) (*Terminal, error) {
	shell := opts.Shell
	if shell == "" {
		shell = "/bin/bash"
	}

	cmd := exec.Command(shell, "-l")
	cmd.Dir = cwd

	env := os.Environ()
	env = append(env, "TERM=xterm-256color")
	if opts.Home != "" {
		env = append(env, "HOME="+opts.Home)
	}
	if opts.User != "" {
		env = append(env, "USER="+opts.User)
	}
	cmd.Env = env

	if opts.UID > 0 {
		cmd.SysProcAttr = &syscall.SysProcAttr{
			Credential: &syscall.Credential{
				Uid: uint32(opts.UID),
				Gid: uint32(opts.GID),
			},
		}
	}

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, err
	}

	t := &Terminal{
		ID:           id,
		SessionID:    sessionID,
		Name:         name,
		Cwd:          cwd,
		cmd:          cmd,
		pty:          ptmx,
		subscribers:  make(map[int]chan []byte),
		lastActivity: time.Now(),
		exited:       make(chan struct{}),
	}

	go t.readLoop()
	return t, nil
}

// readLoop pumps PTY output into the scrollback buffer and subscribers.
func (t *Terminal) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := t.pty.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			t.deliver(data)
		}
		if err != nil {
			break
		}
	}

	err := t.cmd.Wait()
	code := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		code = exitErr.ExitCode()
	}

	t.mu.Lock()
	t.exitCode = code
	t.mu.Unlock()
	close(t.exited)

	log.Debug().Str("terminal", t.ID).Int("exitCode", code).Msg("terminal shell exited")
}

// deliver appends output to the scrollback and fans out to subscribers.
// Slow subscribers drop data rather than stall the PTY reader.
func (t *Terminal) deliver(data []byte) {
	t.mu.Lock()
	t.lastActivity = time.Now()

	t.buffer = append(t.buffer, data...)
	if len(t.buffer) > outputBufferSize {
		cut := len(t.buffer) - outputBufferSize
		// Advance to the next line boundary so replay starts cleanly
		for i := cut; i < len(t.buffer); i++ {
			if t.buffer[i] == '\n' {
				cut = i + 1
				break
			}
		}
		t.buffer = t.buffer[cut:]
	}

	subs := make([]chan []byte, 0, len(t.subscribers))
	for _, ch := range t.subscribers {
		subs = append(subs, ch)
	}
	t.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- data:
		default:
		}
	}
}

// Subscribe registers an output listener and returns the scrollback so far.
// The replay is prefixed with an ANSI reset so stale attributes from the
// truncation point do not bleed into the new view.
func (t *Terminal) Subscribe() (history []byte, ch <-chan []byte, cancel func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(chan []byte, subscriberBuffer)
	id := t.nextSubID
	t.nextSubID++
	t.subscribers[id] = out

	history = append([]byte("\x1b[0m"), t.buffer...)

	return history, out, func() {
		t.mu.Lock()
		delete(t.subscribers, id)
		t.mu.Unlock()
	}
}

// WriteInput sends bytes to the shell's stdin.
func (t *Terminal) WriteInput(data []byte) error {
	t.mu.Lock()
	t.lastActivity = time.Now()
	t.mu.Unlock()

	_, err := t.pty.Write(data)
	return err
}

// Resize updates the PTY window size.
func (t *Terminal) Resize(cols, rows uint16) error {
	return pty.Setsize(t.pty, &pty.Winsize{Cols: cols, Rows: rows})
}

// LastActivity is the most recent input or output time.
func (t *Terminal) LastActivity() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastActivity
}

// Exited is closed when the shell process exits.
func (t *Terminal) Exited() <-chan struct{} {
	return t.exited
}

// ExitCode is valid after Exited is closed.
func (t *Terminal) ExitCode() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exitCode
}

// close kills the shell and releases the PTY.
func (t *Terminal) close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()

	if t.cmd.Process != nil {
		t.cmd.Process.Signal(syscall.SIGHUP)
		go func() {
			select {
			case <-t.exited:
			case <-time.After(2 * time.Second):
				t.cmd.Process.Kill()
			}
		}()
	}
	t.pty.Close()
}
