// Package notify fans server-side commands out to processing nodes. Nodes
// poll for their pending commands over the API, so the hub keeps a bounded
// per-node mailbox rather than a live connection.
package notify

import (
	"sync"
	"time"
)

// Command names understood by nodes.
const (
	CommandAbortFile = "abort_file"
	CommandPause     = "pause"
	CommandResume    = "resume"
)

// Event is one command addressed to a node.
type Event struct {
	Command string    `json:"command"`
	FileUID string    `json:"file_uid,omitempty"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
}

// Broadcaster delivers events to nodes.
type Broadcaster interface {
	// SendToAll queues the event for every registered node.
	SendToAll(event Event)
	// SendTo queues the event for one node.
	SendTo(nodeUID string, event Event)
	// Drain removes and returns the pending events for a node.
	Drain(nodeUID string) []Event
	// Register creates an empty mailbox for a node if absent.
	Register(nodeUID string)
	// Unregister discards a node's mailbox.
	Unregister(nodeUID string)
}

const maxMailboxSize = 256

// Hub is the in-process Broadcaster used by the daemon.
type Hub struct {
	mu        sync.Mutex
	mailboxes map[string][]Event
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{mailboxes: make(map[string][]Event)}
}

func (h *Hub) Register(nodeUID string) {
	if nodeUID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.mailboxes[nodeUID]; !ok {
		h.mailboxes[nodeUID] = nil
	}
}

func (h *Hub) Unregister(nodeUID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.mailboxes, nodeUID)
}

func (h *Hub) SendToAll(event Event) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for nodeUID := range h.mailboxes {
		h.mailboxes[nodeUID] = appendBounded(h.mailboxes[nodeUID], event)
	}
}

func (h *Hub) SendTo(nodeUID string, event Event) {
	if nodeUID == "" {
		return
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mailboxes[nodeUID] = appendBounded(h.mailboxes[nodeUID], event)
}

func (h *Hub) Drain(nodeUID string) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	events := h.mailboxes[nodeUID]
	if _, ok := h.mailboxes[nodeUID]; ok {
		h.mailboxes[nodeUID] = nil
	}
	return events
}

func appendBounded(events []Event, event Event) []Event {
	events = append(events, event)
	if len(events) > maxMailboxSize {
		events = events[len(events)-maxMailboxSize:]
	}
	return events
}

// Noop discards every event. Used when no broadcast surface is wired.
type Noop struct{}

func (Noop) SendToAll(Event)      {}
func (Noop) SendTo(string, Event) {}
func (Noop) Drain(string) []Event { return nil }
func (Noop) Register(string)      {}
func (Noop) Unregister(string)    {}
