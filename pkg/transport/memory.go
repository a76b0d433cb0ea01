// Copyright 2024-2026 Aiku AI

package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.mau.fi/util/random"
)

// Memory is an in-process Transport. It backs development runs of the
// binary and the test suites of every core package: handles record all
// outbound operations and tests script inbound traffic with Deliver.
type Memory struct {
	mu       sync.Mutex
	handles  map[string]*MemoryHandle
	openErrs map[string]error
}

// NewMemory creates an empty in-process transport.
func NewMemory() *Memory {
	return &Memory{
		handles:  make(map[string]*MemoryHandle),
		openErrs: make(map[string]error),
	}
}

// SetOpenError makes the next Open for number fail with err. Pass nil to
// clear.
func (t *Memory) SetOpenError(number string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err == nil {
		delete(t.openErrs, number)
	} else {
		t.openErrs[number] = err
	}
}

// Open implements Transport.
func (t *Memory) Open(_ context.Context, number string, creds *Credentials) (Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.openErrs[number]; err != nil {
		return nil, err
	}
	h := newMemoryHandle(number, creds)
	t.handles[number] = h
	return h, nil
}

// Handle returns the most recently opened handle for number, or nil.
func (t *Memory) Handle(number string) *MemoryHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handles[number]
}

// OpenCount returns how many handles have been opened so far.
func (t *Memory) OpenCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.handles)
}

// SentMessage records one outbound SendMessage call.
type SentMessage struct {
	Chat    string
	Content Content
}

// SentReaction records one outbound SendReaction call.
type SentReaction struct {
	Ref   MessageRef
	Emoji string
}

// PresenceChange records one outbound SetPresence call.
type PresenceChange struct {
	Chat  string
	State Presence
}

// RejectedCall records one outbound RejectCall call.
type RejectedCall struct {
	CallID string
	From   string
}

// MemoryHandle is the Handle implementation of the Memory transport.
type MemoryHandle struct {
	number string
	events chan Event

	closeOnce sync.Once

	mu          sync.Mutex
	creds       *Credentials
	sent        []SentMessage
	reactions   []SentReaction
	presences   []PresenceChange
	rejected    []RejectedCall
	deleted     []MessageRef
	read        []MessageRef
	pairingCode string
	sendErr     error
	groups      map[string]*GroupMetadata
	names       map[string]string
}

var _ Handle = (*MemoryHandle)(nil)

func newMemoryHandle(number string, creds *Credentials) *MemoryHandle {
	return &MemoryHandle{
		number: number,
		creds:  creds,
		events: make(chan Event, 64),
		groups: make(map[string]*GroupMetadata),
		names:  make(map[string]string),
	}
}

// Deliver injects an inbound event. It blocks if the event buffer is full.
func (h *MemoryHandle) Deliver(ev Event) {
	h.events <- ev
}

func (h *MemoryHandle) Events() <-chan Event {
	return h.events
}

// SetSendError makes all outbound operations fail with err until cleared.
func (h *MemoryHandle) SetSendError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sendErr = err
}

// SetGroupMetadata configures the metadata returned for groupID.
func (h *MemoryHandle) SetGroupMetadata(meta *GroupMetadata) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.groups[meta.ID] = meta
}

// SetName configures the contact name resolved for jid.
func (h *MemoryHandle) SetName(jid, name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.names[jid] = name
}

func (h *MemoryHandle) SendMessage(_ context.Context, chat string, content *Content) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sendErr != nil {
		return h.sendErr
	}
	h.sent = append(h.sent, SentMessage{Chat: chat, Content: *content})
	return nil
}

func (h *MemoryHandle) SendReaction(_ context.Context, ref MessageRef, emoji string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sendErr != nil {
		return h.sendErr
	}
	h.reactions = append(h.reactions, SentReaction{Ref: ref, Emoji: emoji})
	return nil
}

func (h *MemoryHandle) SetPresence(_ context.Context, chat string, presence Presence) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sendErr != nil {
		return h.sendErr
	}
	h.presences = append(h.presences, PresenceChange{Chat: chat, State: presence})
	return nil
}

func (h *MemoryHandle) MarkRead(_ context.Context, refs ...MessageRef) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sendErr != nil {
		return h.sendErr
	}
	h.read = append(h.read, refs...)
	return nil
}

func (h *MemoryHandle) RejectCall(_ context.Context, callID, from string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sendErr != nil {
		return h.sendErr
	}
	h.rejected = append(h.rejected, RejectedCall{CallID: callID, From: from})
	return nil
}

func (h *MemoryHandle) DeleteMessage(_ context.Context, ref MessageRef) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sendErr != nil {
		return h.sendErr
	}
	h.deleted = append(h.deleted, ref)
	return nil
}

func (h *MemoryHandle) RequestPairingCode(_ context.Context, number string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.creds != nil && h.creds.Registered {
		return "", fmt.Errorf("session for %s is already registered", number)
	}
	if h.pairingCode == "" {
		h.pairingCode = random.String(8)
	}
	return h.pairingCode, nil
}

func (h *MemoryHandle) GroupMetadata(_ context.Context, groupID string) (*GroupMetadata, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	meta, ok := h.groups[groupID]
	if !ok {
		return nil, fmt.Errorf("unknown group %s", groupID)
	}
	return meta, nil
}

func (h *MemoryHandle) ResolveName(_ context.Context, jid string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	name, ok := h.names[jid]
	return name, ok
}

func (h *MemoryHandle) Credentials() *Credentials {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.creds == nil {
		// A fresh session mints credentials on first use; they become
		// registered once pairing completes out-of-band.
		h.creds = &Credentials{Payload: random.Bytes(32)}
	}
	return h.creds
}

func (h *MemoryHandle) Registered() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.creds != nil && h.creds.Registered
}

// CompletePairing marks the session registered, as if the pairing code had
// been entered on the client, and delivers the connection open event.
func (h *MemoryHandle) CompletePairing() {
	h.mu.Lock()
	if h.creds == nil {
		h.creds = &Credentials{Payload: random.Bytes(32)}
	}
	h.creds.Registered = true
	creds := h.creds
	h.mu.Unlock()
	h.Deliver(CredentialsEvent{Credentials: creds})
	h.Deliver(ConnectionEvent{State: ConnectionOpen})
}

func (h *MemoryHandle) Close() error {
	h.closeOnce.Do(func() {
		close(h.events)
	})
	return nil
}

// Sent returns a copy of all recorded outbound messages.
func (h *MemoryHandle) Sent() []SentMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	cp := make([]SentMessage, len(h.sent))
	copy(cp, h.sent)
	return cp
}

// WaitSent polls until at least n outbound messages have been recorded or
// the timeout elapses, then returns whatever was recorded. It exists
// because message fan-out runs on goroutines owned by the supervisor.
func (h *MemoryHandle) WaitSent(n int, timeout time.Duration) []SentMessage {
	deadline := time.Now().Add(timeout)
	for {
		sent := h.Sent()
		if len(sent) >= n || time.Now().After(deadline) {
			return sent
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Reactions returns a copy of all recorded reactions.
func (h *MemoryHandle) Reactions() []SentReaction {
	h.mu.Lock()
	defer h.mu.Unlock()
	cp := make([]SentReaction, len(h.reactions))
	copy(cp, h.reactions)
	return cp
}

// Presences returns a copy of all recorded presence changes.
func (h *MemoryHandle) Presences() []PresenceChange {
	h.mu.Lock()
	defer h.mu.Unlock()
	cp := make([]PresenceChange, len(h.presences))
	copy(cp, h.presences)
	return cp
}

// Rejected returns a copy of all recorded call rejections.
func (h *MemoryHandle) Rejected() []RejectedCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	cp := make([]RejectedCall, len(h.rejected))
	copy(cp, h.rejected)
	return cp
}

// Deleted returns a copy of all recorded message deletions.
func (h *MemoryHandle) Deleted() []MessageRef {
	h.mu.Lock()
	defer h.mu.Unlock()
	cp := make([]MessageRef, len(h.deleted))
	copy(cp, h.deleted)
	return cp
}

// Read returns a copy of all recorded read receipts.
func (h *MemoryHandle) Read() []MessageRef {
	h.mu.Lock()
	defer h.mu.Unlock()
	cp := make([]MessageRef, len(h.read))
	copy(cp, h.read)
	return cp
}
