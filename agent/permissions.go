package agent

import (
	"encoding/json"
	"sync"
)

// Permission behaviors.
const (
	BehaviorAllow    = "allow"
	BehaviorAllowAll = "allow_all"
	BehaviorDeny     = "deny"
)

// Decision is the human's answer to a permission round-trip.
type Decision struct {
	Behavior     string
	UpdatedInput json.RawMessage // optional edited tool input
	Reason       string          // set for denials
}

// Broker maps in-flight permission request ids to one-shot reply slots.
// Late or duplicate answers are dropped; the first one wins.
type Broker struct {
	mu      sync.Mutex
	pending map[string]*pendingPermission
}

type pendingPermission struct {
	toolName string
	ch       chan Decision
}

// NewBroker creates an empty permission broker.
func NewBroker() *Broker {
	return &Broker{pending: make(map[string]*pendingPermission)}
}

// Register opens a reply slot for a request and returns the channel the
// waiter blocks on. The caller must Remove the slot when done.
func (b *Broker) Register(requestID, toolName string) <-chan Decision {
	b.mu.Lock()
	defer b.mu.Unlock()

	p := &pendingPermission{
		toolName: toolName,
		ch:       make(chan Decision, 1),
	}
	b.pending[requestID] = p
	return p.ch
}

// Remove drops a reply slot. Safe to call after resolution.
func (b *Broker) Remove(requestID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, requestID)
}

// Resolve answers a pending request. Returns false if the request is
// unknown or already answered.
func (b *Broker) Resolve(requestID string, d Decision) bool {
	b.mu.Lock()
	p, ok := b.pending[requestID]
	if ok {
		delete(b.pending, requestID)
	}
	b.mu.Unlock()

	if !ok {
		return false
	}
	p.ch <- d
	return true
}

// ResolveAllForTool answers every pending request for one tool and returns
// the resolved request ids. Used when "allow all" covers queued requests.
func (b *Broker) ResolveAllForTool(toolName string, d Decision) []string {
	b.mu.Lock()
	var resolved []*pendingPermission
	var ids []string
	for id, p := range b.pending {
		if p.toolName == toolName {
			resolved = append(resolved, p)
			ids = append(ids, id)
			delete(b.pending, id)
		}
	}
	b.mu.Unlock()

	for _, p := range resolved {
		p.ch <- d
	}
	return ids
}

// ResolveAll answers every pending request, e.g. denying on interrupt.
func (b *Broker) ResolveAll(d Decision) []string {
	b.mu.Lock()
	var resolved []*pendingPermission
	var ids []string
	for id, p := range b.pending {
		resolved = append(resolved, p)
		ids = append(ids, id)
		delete(b.pending, id)
	}
	b.mu.Unlock()

	for _, p := range resolved {
		p.ch <- d
	}
	return ids
}

// ToolNameFor returns the tool name of a pending request.
func (b *Broker) ToolNameFor(requestID string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pending[requestID]
	if !ok {
		return "", false
	}
	return p.toolName, true
}

// PendingIDs returns the ids of all unanswered requests.
func (b *Broker) PendingIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.pending))
	for id := range b.pending {
		ids = append(ids, id)
	}
	return ids
}
