package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentdeck/agentdeck/agent"
	"github.com/agentdeck/agentdeck/auth"
	"github.com/agentdeck/agentdeck/store"
	"github.com/agentdeck/agentdeck/terminal"
)

// fakeTransport scripts agent stdout and records stdin writes.
type fakeTransport struct {
	opts     agent.TransportOptions
	messages chan []byte
	errs     chan error
	stderr   chan string

	mu      sync.Mutex
	closed  bool
	writeCh chan string
}

func (f *fakeTransport) Connect(ctx context.Context) error { return nil }

func (f *fakeTransport) Write(data string) error {
	f.writeCh <- data
	return nil
}

func (f *fakeTransport) ReadMessages() <-chan []byte { return f.messages }
func (f *fakeTransport) Errors() <-chan error        { return f.errs }
func (f *fakeTransport) StderrLines() <-chan string  { return f.stderr }
func (f *fakeTransport) StderrTail() []string        { return nil }
func (f *fakeTransport) SignalShutdown()             {}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.messages)
	}
	return nil
}

func (f *fakeTransport) push(t *testing.T, line string) {
	t.Helper()
	select {
	case f.messages <- []byte(line):
	case <-time.After(time.Second):
		t.Fatal("fake transport buffer full")
	}
}

func (f *fakeTransport) nextWrite(t *testing.T) string {
	t.Helper()
	select {
	case w := <-f.writeCh:
		return w
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for agent stdin write")
		return ""
	}
}

// transportRecorder hands out fakeTransports and remembers them in order.
type transportRecorder struct {
	mu         sync.Mutex
	transports []*fakeTransport
}

func (r *transportRecorder) factory(opts agent.TransportOptions) (agent.Transport, error) {
	f := &fakeTransport{
		opts:     opts,
		messages: make(chan []byte, 100),
		errs:     make(chan error, 10),
		stderr:   make(chan string, 100),
		writeCh:  make(chan string, 100),
	}
	r.mu.Lock()
	r.transports = append(r.transports, f)
	r.mu.Unlock()
	return f, nil
}

func (r *transportRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.transports)
}

func (r *transportRecorder) latest(t *testing.T) *fakeTransport {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.transports) == 0 {
		t.Fatal("no transport spawned yet")
	}
	return r.transports[len(r.transports)-1]
}

type sinkEvent struct {
	SessionID string
	Type      string
	Payload   json.RawMessage
}

// recordingSink collects delivered events.
type recordingSink struct {
	mu         sync.Mutex
	events     []sinkEvent
	notify     chan sinkEvent
	replaced   bool
	full       bool
	rejectNext int
}

func newRecordingSink() *recordingSink {
	return &recordingSink{notify: make(chan sinkEvent, 100)}
}

// reject makes the next n deliveries fail, simulating a briefly full client.
func (s *recordingSink) reject(n int) {
	s.mu.Lock()
	s.rejectNext = n
	s.mu.Unlock()
}

func (s *recordingSink) Deliver(sessionID, eventType string, payload json.RawMessage) bool {
	s.mu.Lock()
	if s.full || s.rejectNext > 0 {
		if s.rejectNext > 0 {
			s.rejectNext--
		}
		s.mu.Unlock()
		return false
	}
	ev := sinkEvent{SessionID: sessionID, Type: eventType, Payload: payload}
	s.events = append(s.events, ev)
	s.mu.Unlock()

	select {
	case s.notify <- ev:
	default:
	}
	return true
}

func (s *recordingSink) Replaced() {
	s.mu.Lock()
	s.replaced = true
	s.mu.Unlock()
}

func (s *recordingSink) wasReplaced() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replaced
}

func (s *recordingSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Type
	}
	return out
}

func (s *recordingSink) waitFor(t *testing.T, eventType string) sinkEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-s.notify:
			if ev.Type == eventType {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s, saw %v", eventType, s.types())
		}
	}
}

type testEnv struct {
	manager  *Manager
	store    *store.Store
	recorder *transportRecorder
	owner    *auth.Identity
	workDir  string
}

func createTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.sqlite"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}

	recorder := &transportRecorder{}
	cfg.TransportFactory = recorder.factory
	if cfg.MaxSessions == 0 {
		cfg.MaxSessions = 5
	}
	if cfg.PermissionTimeout == 0 {
		cfg.PermissionTimeout = 2 * time.Second
	}

	terminals := terminal.NewManager(30 * time.Minute)
	m := NewManager(st, terminals, cfg)

	home := t.TempDir()
	workDir := filepath.Join(home, "project")
	if err := os.Mkdir(workDir, 0755); err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() {
		m.Close()
		terminals.Close()
		st.Close()
	})

	return &testEnv{
		manager:  m,
		store:    st,
		recorder: recorder,
		owner: &auth.Identity{
			Username: "alice",
			UID:      1000,
			GID:      1000,
			Home:     home,
		},
		workDir: workDir,
	}
}

func TestCreatePersistsSession(t *testing.T) {
	env := createTestEnv(t, Config{})

	entry, err := env.manager.Create(env.owner, env.workDir, "my project")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	row, err := env.store.GetSession(entry.ID())
	if err != nil {
		t.Fatalf("session row missing: %v", err)
	}
	if row.Name != "my project" || row.WorkingDir != env.workDir {
		t.Errorf("unexpected row: %+v", row)
	}
	if row.Mode != store.ModePlan {
		t.Errorf("expected default plan mode, got %q", row.Mode)
	}
	if row.OwnerUsername != "alice" {
		t.Errorf("expected owner alice, got %q", row.OwnerUsername)
	}
}

func TestCreateDefaultsNameToDirectory(t *testing.T) {
	env := createTestEnv(t, Config{})

	entry, err := env.manager.Create(env.owner, env.workDir, "")
	if err != nil {
		t.Fatal(err)
	}
	if snap := entry.Snapshot(); snap.Name != "project" {
		t.Errorf("expected name from directory, got %q", snap.Name)
	}
}

func TestCreateRejectsDirectoryOutsideHome(t *testing.T) {
	env := createTestEnv(t, Config{})

	outside := t.TempDir()
	_, err := env.manager.Create(env.owner, outside, "")
	if !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}

	// Path traversal does not escape the check
	sneaky := filepath.Join(env.owner.Home, "project", "..", "..")
	_, err = env.manager.Create(env.owner, sneaky, "")
	if !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for traversal, got %v", err)
	}
}

func TestCreateRejectsMissingDirectory(t *testing.T) {
	env := createTestEnv(t, Config{})

	missing := filepath.Join(env.owner.Home, "nope")
	if _, err := env.manager.Create(env.owner, missing, ""); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

func TestBootstrapPromptSeedsTranscript(t *testing.T) {
	env := createTestEnv(t, Config{BootstrapPrompt: true})

	entry, err := env.manager.Create(env.owner, env.workDir, "")
	if err != nil {
		t.Fatal(err)
	}

	// The prompt is persisted before it reaches the agent
	write := env.recorder.latest(t).nextWrite(t)
	if !strings.Contains(write, "summary") {
		t.Errorf("expected bootstrap prompt on stdin, got %q", write)
	}

	msgs, err := env.store.LoadMessages(entry.ID())
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Role != store.RoleUser {
		t.Fatalf("expected one persisted user message, got %d", len(msgs))
	}
}

func TestPersistThenSend(t *testing.T) {
	env := createTestEnv(t, Config{})

	entry, err := env.manager.Create(env.owner, env.workDir, "")
	if err != nil {
		t.Fatal(err)
	}

	if err := env.manager.SendMessage(entry, "ping"); err != nil {
		t.Fatal(err)
	}

	// Transcript already has the message when the agent sees it
	msgs, _ := env.store.LoadMessages(entry.ID())
	if len(msgs) != 1 || msgs[0].Content != "ping" {
		t.Fatalf("expected persisted user message, got %+v", msgs)
	}

	write := env.recorder.latest(t).nextWrite(t)
	if !strings.Contains(write, `"content":"ping"`) {
		t.Errorf("expected ping on stdin, got %q", write)
	}
}

func TestResultCommitsAssistantTurn(t *testing.T) {
	env := createTestEnv(t, Config{})

	entry, err := env.manager.Create(env.owner, env.workDir, "")
	if err != nil {
		t.Fatal(err)
	}
	sink := newRecordingSink()
	if err := env.manager.Attach(entry, sink); err != nil {
		t.Fatal(err)
	}

	transport := env.recorder.latest(t)
	transport.push(t, `{"type":"stream_event","event":{"type":"message_start"}}`)
	transport.push(t, `{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hello"}}}`)
	transport.push(t, `{"type":"result","subtype":"success","result":"hello"}`)

	sink.waitFor(t, EventComplete)

	// Assistant message committed before complete was forwarded
	msgs, _ := env.store.LoadMessages(entry.ID())
	if len(msgs) != 1 || msgs[0].Role != store.RoleAssistant || msgs[0].Content != "hello" {
		t.Fatalf("expected committed assistant turn, got %+v", msgs)
	}

	types := sink.types()
	resultIdx, completeIdx := -1, -1
	for i, typ := range types {
		switch typ {
		case EventResult:
			resultIdx = i
		case EventComplete:
			completeIdx = i
		}
	}
	if resultIdx == -1 || completeIdx == -1 || resultIdx > completeIdx {
		t.Errorf("expected result before complete, got %v", types)
	}
}

func TestCancelledDiscardsPartialTurn(t *testing.T) {
	env := createTestEnv(t, Config{})

	entry, err := env.manager.Create(env.owner, env.workDir, "")
	if err != nil {
		t.Fatal(err)
	}
	sink := newRecordingSink()
	env.manager.Attach(entry, sink)

	if err := env.manager.SendMessage(entry, "work"); err != nil {
		t.Fatal(err)
	}
	transport := env.recorder.latest(t)
	transport.nextWrite(t) // user message

	transport.push(t, `{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"partial"}}}`)
	sink.waitFor(t, EventTextChunk)

	// Interrupt mid-stream
	done := make(chan error, 1)
	go func() { done <- env.manager.Interrupt(entry) }()

	write := transport.nextWrite(t)
	if !strings.Contains(write, `"subtype":"interrupt"`) {
		t.Fatalf("expected interrupt control request, got %q", write)
	}
	var req struct {
		RequestID string `json:"request_id"`
	}
	json.Unmarshal([]byte(write), &req)
	transport.push(t, fmt.Sprintf(
		`{"type":"control_response","response":{"subtype":"success","request_id":"%s"}}`, req.RequestID))
	<-done

	sink.waitFor(t, EventCancelled)

	// Only the user message is committed
	msgs, _ := env.store.LoadMessages(entry.ID())
	if len(msgs) != 1 || msgs[0].Role != store.RoleUser {
		t.Errorf("expected no assistant message after cancel, got %+v", msgs)
	}
}

func TestOfflineBufferingAndDrainOrder(t *testing.T) {
	env := createTestEnv(t, Config{})

	entry, err := env.manager.Create(env.owner, env.workDir, "")
	if err != nil {
		t.Fatal(err)
	}

	// No client attached: events buffer to the store
	transport := env.recorder.latest(t)
	transport.push(t, `{"type":"stream_event","event":{"type":"message_start"}}`)
	transport.push(t, `{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hi"}}}`)
	transport.push(t, `{"type":"result","subtype":"success","result":"hi"}`)

	// message_start, text_chunk, result, complete
	waitForBuffered(t, env.store, entry.ID(), 4)

	sink := newRecordingSink()
	if err := env.manager.Attach(entry, sink); err != nil {
		t.Fatal(err)
	}

	want := []string{EventMessageStart, EventTextChunk, EventResult, EventComplete}
	types := sink.types()
	if len(types) < len(want) {
		t.Fatalf("expected %d drained events, got %v", len(want), types)
	}
	for i, typ := range want {
		if types[i] != typ {
			t.Fatalf("expected drain order %v, got %v", want, types)
		}
	}

	// The buffer is purged after a successful drain
	remaining, _ := env.store.DrainEvents(entry.ID())
	if len(remaining) != 0 {
		t.Errorf("expected purged buffer, got %d rows", len(remaining))
	}

	// Live events now bypass the store
	transport.push(t, `{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"live"}}}`)
	sink.waitFor(t, EventTextChunk)
	if rows, _ := env.store.DrainEvents(entry.ID()); len(rows) != 0 {
		t.Errorf("live event should not be buffered, got %d rows", len(rows))
	}
}

func TestSlowSinkSpillsToBuffer(t *testing.T) {
	env := createTestEnv(t, Config{})

	entry, err := env.manager.Create(env.owner, env.workDir, "")
	if err != nil {
		t.Fatal(err)
	}
	sink := newRecordingSink()
	sink.full = true
	env.manager.Attach(entry, sink)

	transport := env.recorder.latest(t)
	transport.push(t, `{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"x"}}}`)

	// Rejected delivery lands in the offline buffer instead
	waitForBuffered(t, env.store, entry.ID(), 1)
}

func chunkText(t *testing.T, ev sinkEvent) string {
	t.Helper()
	var body struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(ev.Payload, &body); err != nil {
		t.Fatal(err)
	}
	return body.Text
}

func TestSpilledEventHoldsBackNewerOnes(t *testing.T) {
	env := createTestEnv(t, Config{})

	entry, err := env.manager.Create(env.owner, env.workDir, "")
	if err != nil {
		t.Fatal(err)
	}
	sink := newRecordingSink()
	if err := env.manager.Attach(entry, sink); err != nil {
		t.Fatal(err)
	}

	// The first chunk is refused and spills to the buffer
	sink.reject(1)
	transport := env.recorder.latest(t)
	transport.push(t, `{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"older"}}}`)
	waitForBuffered(t, env.store, entry.ID(), 1)

	// A newer chunk must not reach the client ahead of the spilled one
	transport.push(t, `{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"newer"}}}`)

	first := sink.waitFor(t, EventTextChunk)
	second := sink.waitFor(t, EventTextChunk)
	if chunkText(t, first) != "older" || chunkText(t, second) != "newer" {
		t.Errorf("expected older before newer, got %q then %q", chunkText(t, first), chunkText(t, second))
	}

	// The buffer caught up and is purged
	if rows, _ := env.store.DrainEvents(entry.ID()); len(rows) != 0 {
		t.Errorf("expected drained buffer, got %d rows", len(rows))
	}
}

func TestAttachRefusedMidDrainKeepsOrder(t *testing.T) {
	env := createTestEnv(t, Config{})

	entry, err := env.manager.Create(env.owner, env.workDir, "")
	if err != nil {
		t.Fatal(err)
	}

	// Two events buffer while detached
	transport := env.recorder.latest(t)
	transport.push(t, `{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"one"}}}`)
	transport.push(t, `{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"two"}}}`)
	waitForBuffered(t, env.store, entry.ID(), 2)

	// The sink refuses the first drained event during attach
	sink := newRecordingSink()
	sink.reject(1)
	if err := env.manager.Attach(entry, sink); err != nil {
		t.Fatal(err)
	}
	if types := sink.types(); len(types) != 0 {
		t.Fatalf("refused drain must deliver nothing, got %v", types)
	}

	// The next live event re-drains first; nothing overtakes the tail
	transport.push(t, `{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"three"}}}`)

	want := []string{"one", "two", "three"}
	for i, expected := range want {
		ev := sink.waitFor(t, EventTextChunk)
		if got := chunkText(t, ev); got != expected {
			t.Fatalf("position %d: expected %q, got %q", i, expected, got)
		}
	}
}

func TestStderrIsTransientAndLiveOnly(t *testing.T) {
	env := createTestEnv(t, Config{})

	entry, err := env.manager.Create(env.owner, env.workDir, "")
	if err != nil {
		t.Fatal(err)
	}

	// Detached: stderr is dropped, never buffered
	transport := env.recorder.latest(t)
	transport.stderr <- "detached noise"
	time.Sleep(50 * time.Millisecond)
	if rows, _ := env.store.DrainEvents(entry.ID()); len(rows) != 0 {
		t.Fatalf("stderr must not be buffered, got %d rows", len(rows))
	}

	// Attached: stderr reaches the client live
	sink := newRecordingSink()
	if err := env.manager.Attach(entry, sink); err != nil {
		t.Fatal(err)
	}
	transport.stderr <- "live noise"
	ev := sink.waitFor(t, EventStderr)
	var body struct {
		Text string `json:"text"`
	}
	json.Unmarshal(ev.Payload, &body)
	if body.Text != "live noise" {
		t.Errorf("unexpected stderr payload: %q", body.Text)
	}
}

func TestAttachReplacesPriorClient(t *testing.T) {
	env := createTestEnv(t, Config{})

	entry, err := env.manager.Create(env.owner, env.workDir, "")
	if err != nil {
		t.Fatal(err)
	}

	first := newRecordingSink()
	second := newRecordingSink()
	env.manager.Attach(entry, first)
	env.manager.Attach(entry, second)

	if !first.wasReplaced() {
		t.Error("expected first sink to be replaced")
	}

	transport := env.recorder.latest(t)
	transport.push(t, `{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"x"}}}`)
	second.waitFor(t, EventTextChunk)

	if len(first.types()) != 0 {
		t.Errorf("replaced sink should receive nothing, got %v", first.types())
	}
}

func TestAllowAllPersistsAcrossRespawn(t *testing.T) {
	env := createTestEnv(t, Config{})

	entry, err := env.manager.Create(env.owner, env.workDir, "")
	if err != nil {
		t.Fatal(err)
	}
	sink := newRecordingSink()
	env.manager.Attach(entry, sink)

	transport := env.recorder.latest(t)
	transport.push(t, `{"type":"control_request","request_id":"perm-1","request":{"subtype":"can_use_tool","tool_name":"Bash","input":{},"tool_use_id":"tu"}}`)

	ev := sink.waitFor(t, EventPermissionRequest)
	var reqPayload struct {
		RequestID string `json:"requestId"`
	}
	json.Unmarshal(ev.Payload, &reqPayload)

	if !entry.Supervisor().RespondPermission(reqPayload.RequestID, agent.BehaviorAllowAll, nil) {
		t.Fatal("RespondPermission failed")
	}
	if w := transport.nextWrite(t); !strings.Contains(w, `"behavior":"allow"`) {
		t.Fatalf("expected allow response, got %q", w)
	}

	// The grant reached the store
	waitForAllowedTool(t, env.store, entry.ID(), "Bash")

	// Kill the supervisor and rejoin: the grant survives
	id := entry.ID()
	env.manager.teardown(id)

	rejoined, err := env.manager.Join(env.owner, id)
	if err != nil {
		t.Fatalf("Join after teardown failed: %v", err)
	}

	fresh := env.recorder.latest(t)
	if !containsString(fresh.opts.AllowedTools, "Bash") {
		t.Errorf("expected respawn to carry allowed tool, got %v", fresh.opts.AllowedTools)
	}

	// A new Bash request auto-allows with no prompt
	fresh.push(t, `{"type":"control_request","request_id":"perm-2","request":{"subtype":"can_use_tool","tool_name":"Bash","input":{},"tool_use_id":"tu"}}`)
	if w := fresh.nextWrite(t); !strings.Contains(w, `"behavior":"allow"`) {
		t.Errorf("expected auto-allow after respawn, got %q", w)
	}
	_ = rejoined
}

func TestJoinRecoversWithResumeID(t *testing.T) {
	env := createTestEnv(t, Config{})

	entry, err := env.manager.Create(env.owner, env.workDir, "")
	if err != nil {
		t.Fatal(err)
	}
	id := entry.ID()

	// Agent reports its session id; the manager persists it
	transport := env.recorder.latest(t)
	transport.push(t, `{"type":"system","subtype":"init","session_id":"agent-xyz"}`)
	waitForAgentID(t, env.store, id, "agent-xyz")

	env.manager.teardown(id)

	if _, err := env.manager.Join(env.owner, id); err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	fresh := env.recorder.latest(t)
	if fresh.opts.Resume != "agent-xyz" {
		t.Errorf("expected respawn with resume id, got %q", fresh.opts.Resume)
	}
}

func TestJoinRejectsForeignOwner(t *testing.T) {
	env := createTestEnv(t, Config{})

	entry, err := env.manager.Create(env.owner, env.workDir, "")
	if err != nil {
		t.Fatal(err)
	}

	mallory := &auth.Identity{Username: "mallory", UID: 1001, GID: 1001, Home: "/home/mallory"}
	if _, err := env.manager.Join(mallory, entry.ID()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for foreign owner, got %v", err)
	}
}

func TestCapacityEvictsOldestIdle(t *testing.T) {
	env := createTestEnv(t, Config{MaxSessions: 2})

	a, err := env.manager.Create(env.owner, env.workDir, "a")
	if err != nil {
		t.Fatal(err)
	}
	b, err := env.manager.Create(env.owner, env.workDir, "b")
	if err != nil {
		t.Fatal(err)
	}

	// Make b clearly newer
	env.store.TouchSession(b.ID(), time.Now().UnixMilli()+1000)

	c, err := env.manager.Create(env.owner, env.workDir, "c")
	if err != nil {
		t.Fatalf("expected eviction to make room, got %v", err)
	}

	row, err := env.store.GetSession(a.ID())
	if err != nil {
		t.Fatal(err)
	}
	if row.IsActive {
		t.Error("expected oldest idle session to be terminated")
	}
	if rowC, _ := env.store.GetSession(c.ID()); rowC == nil || !rowC.IsActive {
		t.Error("expected new session to be active")
	}
}

func TestCapacityExhaustedWhenAllProcessing(t *testing.T) {
	env := createTestEnv(t, Config{MaxSessions: 2})

	a, err := env.manager.Create(env.owner, env.workDir, "a")
	if err != nil {
		t.Fatal(err)
	}
	transportA := env.recorder.latest(t)
	b, err := env.manager.Create(env.owner, env.workDir, "b")
	if err != nil {
		t.Fatal(err)
	}
	transportB := env.recorder.latest(t)

	// Both sessions mid-turn
	if err := env.manager.SendMessage(a, "work"); err != nil {
		t.Fatal(err)
	}
	transportA.nextWrite(t)
	if err := env.manager.SendMessage(b, "work"); err != nil {
		t.Fatal(err)
	}
	transportB.nextWrite(t)

	if _, err := env.manager.Create(env.owner, env.workDir, "c"); !errors.Is(err, ErrCapacityExhausted) {
		t.Errorf("expected ErrCapacityExhausted, got %v", err)
	}
}

func TestRenamePersists(t *testing.T) {
	env := createTestEnv(t, Config{})

	entry, err := env.manager.Create(env.owner, env.workDir, "old")
	if err != nil {
		t.Fatal(err)
	}
	if err := env.manager.Rename(entry, "new"); err != nil {
		t.Fatal(err)
	}

	row, _ := env.store.GetSession(entry.ID())
	if row.Name != "new" {
		t.Errorf("expected renamed row, got %q", row.Name)
	}
	if snap := entry.Snapshot(); snap.Name != "new" {
		t.Errorf("expected renamed snapshot, got %q", snap.Name)
	}
}

func TestRenameByIDWorksWithoutLiveSupervisor(t *testing.T) {
	env := createTestEnv(t, Config{})

	entry, err := env.manager.Create(env.owner, env.workDir, "old")
	if err != nil {
		t.Fatal(err)
	}
	id := entry.ID()

	// Kill the supervisor: renaming must not respawn it
	env.manager.teardown(id)
	spawnsBefore := env.recorder.count()

	if err := env.manager.RenameByID(env.owner, id, "new"); err != nil {
		t.Fatalf("RenameByID failed: %v", err)
	}
	row, _ := env.store.GetSession(id)
	if row.Name != "new" {
		t.Errorf("expected renamed row, got %q", row.Name)
	}
	if got := env.recorder.count(); got != spawnsBefore {
		t.Errorf("rename must not spawn an agent, got %d new spawns", got-spawnsBefore)
	}

	mallory := &auth.Identity{Username: "mallory", UID: 1001, GID: 1001, Home: "/home/mallory"}
	if err := env.manager.RenameByID(mallory, id, "stolen"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for foreign owner, got %v", err)
	}
}

func TestDeleteRemovesEverything(t *testing.T) {
	env := createTestEnv(t, Config{})

	entry, err := env.manager.Create(env.owner, env.workDir, "")
	if err != nil {
		t.Fatal(err)
	}
	id := entry.ID()
	env.manager.SendMessage(entry, "hello")
	env.store.AllowTool(id, "Bash")

	if err := env.manager.Delete(id); err != nil {
		t.Fatal(err)
	}

	if _, err := env.store.GetSession(id); err != store.ErrNotFound {
		t.Errorf("expected row gone, got %v", err)
	}
	if msgs, _ := env.store.LoadMessages(id); len(msgs) != 0 {
		t.Errorf("expected messages cascade, got %d", len(msgs))
	}
	if tools, _ := env.store.AllowedToolsFor(id); len(tools) != 0 {
		t.Errorf("expected allowed tools cascade, got %d", len(tools))
	}
}

func TestTerminateRetainsTranscript(t *testing.T) {
	env := createTestEnv(t, Config{})

	entry, err := env.manager.Create(env.owner, env.workDir, "")
	if err != nil {
		t.Fatal(err)
	}
	id := entry.ID()
	env.manager.SendMessage(entry, "keep me")

	if err := env.manager.Terminate(id); err != nil {
		t.Fatal(err)
	}

	row, err := env.store.GetSession(id)
	if err != nil {
		t.Fatal(err)
	}
	if row.IsActive {
		t.Error("expected session deactivated")
	}
	msgs, _ := env.store.LoadMessages(id)
	if len(msgs) != 1 || msgs[0].Content != "keep me" {
		t.Errorf("expected transcript retained, got %+v", msgs)
	}
}

func TestResetCreatesFreshSession(t *testing.T) {
	env := createTestEnv(t, Config{})

	entry, err := env.manager.Create(env.owner, env.workDir, "proj")
	if err != nil {
		t.Fatal(err)
	}
	oldID := entry.ID()
	env.manager.SendMessage(entry, "history")

	fresh, err := env.manager.Reset(oldID)
	if err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if fresh.ID() == oldID {
		t.Error("expected a new session id")
	}

	snap := fresh.Snapshot()
	if snap.Name != "proj" || snap.WorkingDir != env.workDir {
		t.Errorf("expected same name and cwd, got %+v", snap)
	}
	if _, err := env.store.GetSession(oldID); err != store.ErrNotFound {
		t.Errorf("expected old session hard-deleted, got %v", err)
	}
	if msgs, _ := env.store.LoadMessages(fresh.ID()); len(msgs) != 0 {
		t.Errorf("expected empty transcript, got %d", len(msgs))
	}
}

func TestListReturnsOwnersSessionsOnly(t *testing.T) {
	env := createTestEnv(t, Config{})

	if _, err := env.manager.Create(env.owner, env.workDir, "mine"); err != nil {
		t.Fatal(err)
	}

	// A row owned by someone else sits in the same store
	other := store.Session{
		ID:            "other-1",
		Name:          "theirs",
		OwnerUsername: "bob",
		OwnerUID:      1001,
		OwnerGID:      1001,
		OwnerHome:     "/home/bob",
		WorkingDir:    "/home/bob/x",
	}
	env.store.CreateSession(&other)

	snaps, err := env.manager.List(env.owner)
	if err != nil {
		t.Fatal(err)
	}
	if len(snaps) != 1 || snaps[0].Name != "mine" {
		t.Errorf("expected only alice's session, got %+v", snaps)
	}
}

func TestIdleSweepTerminatesExpired(t *testing.T) {
	env := createTestEnv(t, Config{SessionTimeout: 10 * time.Millisecond})

	entry, err := env.manager.Create(env.owner, env.workDir, "")
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(50 * time.Millisecond)
	env.manager.sweepIdle()

	row, _ := env.store.GetSession(entry.ID())
	if row.IsActive {
		t.Error("expected idle session terminated by sweep")
	}
}

func waitForBuffered(t *testing.T, st *store.Store, sessionID string, n int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		events, err := st.DrainEvents(sessionID)
		if err != nil {
			t.Fatal(err)
		}
		if len(events) >= n {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("expected %d buffered events, got %d", n, len(events))
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func waitForAllowedTool(t *testing.T, st *store.Store, sessionID, tool string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		tools, err := st.AllowedToolsFor(sessionID)
		if err != nil {
			t.Fatal(err)
		}
		if containsString(tools, tool) {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("tool %q never persisted, have %v", tool, tools)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func waitForAgentID(t *testing.T, st *store.Store, sessionID, want string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		row, err := st.GetSession(sessionID)
		if err != nil {
			t.Fatal(err)
		}
		if row.AgentSessionID == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("agent session id never persisted, have %q", row.AgentSessionID)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
