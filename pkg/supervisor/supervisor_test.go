// Copyright 2024-2026 Aiku AI

package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/mininew/pkg/transport"
)

const testNumber = "15551234567"

// fakeSessionStore is a mutex-guarded in-memory SessionStore with
// injectable failures.
type fakeSessionStore struct {
	mu       sync.Mutex
	sessions map[string]PersistedSession
	creds    map[string]*transport.Credentials
	active   map[string]bool
	saveErr  error
	listErr  error
	saves    int
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{
		sessions: make(map[string]PersistedSession),
		creds:    make(map[string]*transport.Credentials),
		active:   make(map[string]bool),
	}
}

func (f *fakeSessionStore) LoadSession(_ context.Context, number string) (*transport.Credentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creds[number], nil
}

func (f *fakeSessionStore) SaveSession(_ context.Context, number string, creds *transport.Credentials, cfg Config, ownerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saves++
	f.creds[number] = creds
	f.sessions[number] = PersistedSession{Number: number, OwnerID: ownerID, Config: cfg}
	f.active[number] = true
	return nil
}

func (f *fakeSessionStore) DeactivateSession(_ context.Context, number string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active[number] = false
	return nil
}

func (f *fakeSessionStore) ListActiveSessions(_ context.Context) ([]PersistedSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []PersistedSession
	for number, sess := range f.sessions {
		if f.active[number] {
			out = append(out, sess)
		}
	}
	return out, nil
}

func (f *fakeSessionStore) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves
}

func (f *fakeSessionStore) isActive(number string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[number]
}

func (f *fakeSessionStore) seed(number, ownerID string, cfg Config) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creds[number] = &transport.Credentials{Registered: true, Payload: []byte("key-" + number)}
	f.sessions[number] = PersistedSession{Number: number, OwnerID: ownerID, Config: cfg}
	f.active[number] = true
}

// fakeRouter records routed messages and can panic on demand.
type fakeRouter struct {
	mu       sync.Mutex
	messages []*transport.Message
	panics   bool
}

func (f *fakeRouter) HandleMessage(_ context.Context, _ transport.Handle, msg *transport.Message, _ string) {
	f.mu.Lock()
	f.messages = append(f.messages, msg)
	panics := f.panics
	f.mu.Unlock()
	if panics {
		panic("router bug")
	}
}

func (f *fakeRouter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

// fakeModerator records everything it sees.
type fakeModerator struct {
	mu           sync.Mutex
	messages     []*transport.Message
	participants []transport.ParticipantsEvent
}

func (f *fakeModerator) HandleParticipants(_ context.Context, _ transport.Handle, ev transport.ParticipantsEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.participants = append(f.participants, ev)
}

func (f *fakeModerator) CheckMessage(_ context.Context, _ transport.Handle, msg *transport.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
}

func (f *fakeModerator) messageCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

type testRig struct {
	sup       *Supervisor
	mem       *transport.Memory
	store     *fakeSessionStore
	router    *fakeRouter
	moderator *fakeModerator
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	rig := &testRig{
		mem:       transport.NewMemory(),
		store:     newFakeSessionStore(),
		router:    &fakeRouter{},
		moderator: &fakeModerator{},
	}
	rig.sup = New(Options{
		Transport:         rig.mem,
		Store:             rig.store,
		Router:            rig.router,
		Moderation:        rig.moderator,
		Log:               zerolog.Nop(),
		ReconnectDelay:    time.Millisecond,
		RecordingDuration: 20 * time.Millisecond,
	})
	t.Cleanup(rig.sup.Close)
	return rig
}

// connect establishes a registered, open session for testNumber.
func (r *testRig) connect(t *testing.T, cfg *Config) *transport.MemoryHandle {
	t.Helper()
	r.store.seed(testNumber, "owner-1", DefaultConfig())
	res, err := r.sup.Connect(context.Background(), testNumber, "owner-1", cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if res.Status != StatusConnected {
		t.Fatalf("Connect status: got %q, want %q", res.Status, StatusConnected)
	}
	h := r.mem.Handle(testNumber)
	h.Deliver(transport.ConnectionEvent{State: transport.ConnectionOpen})
	// The connected notice confirms the open event was processed.
	if sent := h.WaitSent(1, time.Second); len(sent) == 0 {
		t.Fatal("timed out waiting for connection open to be processed")
	}
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConnectFreshSessionRequiresPairing(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)

	res, err := rig.sup.Connect(context.Background(), testNumber, "owner-1", nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if res.Status != StatusPairingRequired {
		t.Fatalf("status: got %q, want %q", res.Status, StatusPairingRequired)
	}
	if res.PairingCode == "" {
		t.Error("pairing code should be returned")
	}
	if !rig.sup.IsConnected(testNumber) {
		t.Error("handle should stay registered while pairing is pending")
	}

	// Completing pairing persists credentials and opens the connection.
	h := rig.mem.Handle(testNumber)
	h.CompletePairing()
	waitFor(t, "session persisted", func() bool { return rig.store.saveCount() > 0 })
	sent := h.WaitSent(1, time.Second)
	if len(sent) == 0 || !strings.Contains(sent[0].Content.Text, "Bot Connected") {
		t.Fatalf("connected notice: got %+v", sent)
	}
	if sent[0].Chat != transport.UserJID(testNumber) {
		t.Errorf("notice chat: got %q, want the tenant's own chat", sent[0].Chat)
	}
}

func TestConnectSanitizesNumber(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)
	rig.store.seed(testNumber, "owner-1", DefaultConfig())

	res, err := rig.sup.Connect(context.Background(), "+1 (555) 123-4567", "owner-1", nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if res.Status != StatusConnected {
		t.Errorf("status: got %q, want %q (stored credentials found via sanitized number)", res.Status, StatusConnected)
	}
	if !rig.sup.IsConnected(testNumber) {
		t.Error("session should be registered under the digits-only number")
	}

	if _, err := rig.sup.Connect(context.Background(), "not a number", "owner-1", nil); err == nil {
		t.Error("Connect should reject a number with no digits")
	}
}

func TestConnectRejectsDuplicate(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)
	rig.connect(t, nil)

	// Same number in a different format still collides.
	if _, err := rig.sup.Connect(context.Background(), "+1 555-123-4567", "owner-2", nil); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("duplicate Connect: got %v, want ErrAlreadyConnected", err)
	}
	if got := rig.sup.Stats().TotalBots; got != 1 {
		t.Errorf("TotalBots: got %d, want 1", got)
	}
}

func TestConnectConcurrentDuplicates(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)
	rig.store.seed(testNumber, "owner-1", DefaultConfig())

	const attempts = 8
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = rig.sup.Connect(context.Background(), testNumber, "owner-1", nil)
		}()
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrAlreadyConnected):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Errorf("exactly one concurrent Connect should win, got %d", succeeded)
	}
}

func TestConnectOpenFailureReleasesSlot(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)
	rig.mem.SetOpenError(testNumber, errors.New("transport down"))

	if _, err := rig.sup.Connect(context.Background(), testNumber, "owner-1", nil); err == nil {
		t.Fatal("Connect should fail when the transport fails")
	}
	if rig.sup.IsConnected(testNumber) {
		t.Error("failed Connect must not leave a registry entry")
	}

	// The slot is reusable after the failure.
	rig.mem.SetOpenError(testNumber, nil)
	rig.store.seed(testNumber, "owner-1", DefaultConfig())
	if _, err := rig.sup.Connect(context.Background(), testNumber, "owner-1", nil); err != nil {
		t.Fatalf("Connect after failure: %v", err)
	}
}

func TestDisconnect(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)
	rig.connect(t, nil)
	ctx := context.Background()

	if !rig.sup.Disconnect(ctx, testNumber) {
		t.Error("Disconnect should report true for a live session")
	}
	if rig.sup.IsConnected(testNumber) {
		t.Error("session should be gone after Disconnect")
	}
	if rig.store.isActive(testNumber) {
		t.Error("persisted session should be marked inactive")
	}
	if rig.sup.Disconnect(ctx, testNumber) {
		t.Error("second Disconnect should report false")
	}
}

func TestConnectionStatus(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)

	if st := rig.sup.ConnectionStatus(testNumber); st.IsConnected || st.UptimeSeconds != 0 {
		t.Errorf("status of absent session: got %+v", st)
	}

	rig.connect(t, nil)
	st := rig.sup.ConnectionStatus(testNumber)
	if !st.IsConnected {
		t.Error("status should report connected")
	}
	if st.ConnectionTime.IsZero() {
		t.Error("connection time should be set")
	}
}

func TestConnectionCloseRemovesTenant(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)
	h := rig.connect(t, nil)

	h.Deliver(transport.ConnectionEvent{State: transport.ConnectionClose, Err: errors.New("stream error")})
	waitFor(t, "tenant removal", func() bool { return !rig.sup.IsConnected(testNumber) })
}

func TestAutoReconnectAllToleratesFailures(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)
	rig.store.seed("15550000001", "owner-1", DefaultConfig())
	rig.store.seed("15550000002", "owner-2", DefaultConfig())
	rig.mem.SetOpenError("15550000001", errors.New("transport down"))
	rig.mem.SetOpenError("15550000002", errors.New("transport down"))
	// Only one of the two comes back.
	rig.mem.SetOpenError("15550000002", nil)

	if err := rig.sup.AutoReconnectAll(context.Background()); err != nil {
		t.Fatalf("AutoReconnectAll: %v", err)
	}
	if rig.sup.IsConnected("15550000001") {
		t.Error("failed session should not be registered")
	}
	if !rig.sup.IsConnected("15550000002") {
		t.Error("one failing session must not prevent the next from connecting")
	}
}

func TestAutoReconnectAllSkipsConnected(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)
	rig.connect(t, nil)

	if err := rig.sup.AutoReconnectAll(context.Background()); err != nil {
		t.Fatalf("AutoReconnectAll: %v", err)
	}
	if got := rig.mem.OpenCount(); got != 1 {
		t.Errorf("already-connected session should not be reopened, got %d opens", got)
	}
}

func TestMessageFanout(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)
	h := rig.connect(t, nil)

	h.Deliver(transport.MessageEvent{Message: &transport.Message{
		ID:           "msg-1",
		Chat:         "peer@s.whatsapp.net",
		Sender:       "peer@s.whatsapp.net",
		Conversation: ".ping",
	}})

	waitFor(t, "router delivery", func() bool { return rig.router.count() == 1 })
	waitFor(t, "moderation delivery", func() bool { return rig.moderator.messageCount() == 1 })
}

func TestMessageFanoutContainsPanics(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)
	h := rig.connect(t, nil)
	rig.router.panics = true

	msg := func(id string) *transport.Message {
		return &transport.Message{ID: id, Chat: "peer@s.whatsapp.net", Sender: "peer@s.whatsapp.net", Conversation: "hi"}
	}
	h.Deliver(transport.MessageEvent{Message: msg("msg-1")})
	h.Deliver(transport.MessageEvent{Message: msg("msg-2")})

	// The panicking router never takes down the moderation consumer or
	// the event loop.
	waitFor(t, "moderation deliveries", func() bool { return rig.moderator.messageCount() == 2 })
	if !rig.sup.IsConnected(testNumber) {
		t.Error("tenant should survive consumer panics")
	}
}

func TestPrivateVisibilityGatesRouting(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)
	cfg := DefaultConfig()
	cfg.Visibility = VisibilityPrivate
	h := rig.connect(t, &cfg)

	h.Deliver(transport.MessageEvent{Message: &transport.Message{
		ID: "msg-1", Chat: "peer@s.whatsapp.net", Sender: "peer@s.whatsapp.net", Conversation: ".ping",
	}})
	h.Deliver(transport.MessageEvent{Message: &transport.Message{
		ID: "msg-2", Chat: "peer@s.whatsapp.net", Sender: transport.UserJID(testNumber), FromMe: true, Conversation: ".ping",
	}})

	// Moderation sees both; the router only sees the tenant's own message.
	waitFor(t, "moderation deliveries", func() bool { return rig.moderator.messageCount() == 2 })
	waitFor(t, "router delivery", func() bool { return rig.router.count() >= 1 })
	time.Sleep(20 * time.Millisecond)
	if got := rig.router.count(); got != 1 {
		t.Errorf("router deliveries: got %d, want 1 (own message only)", got)
	}
}

func TestParticipantEventsStayOrdered(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)
	h := rig.connect(t, nil)

	for _, action := range []transport.ParticipantAction{
		transport.ParticipantAdd, transport.ParticipantPromote, transport.ParticipantRemove,
	} {
		h.Deliver(transport.ParticipantsEvent{GroupID: "team@g.us", Action: action, JIDs: []string{"a@s.whatsapp.net"}})
	}

	waitFor(t, "participant deliveries", func() bool {
		rig.moderator.mu.Lock()
		defer rig.moderator.mu.Unlock()
		return len(rig.moderator.participants) == 3
	})
	rig.moderator.mu.Lock()
	defer rig.moderator.mu.Unlock()
	want := []transport.ParticipantAction{transport.ParticipantAdd, transport.ParticipantPromote, transport.ParticipantRemove}
	for i, ev := range rig.moderator.participants {
		if ev.Action != want[i] {
			t.Errorf("event %d: got %q, want %q", i, ev.Action, want[i])
		}
	}
}

func TestAntiCallRejectsOffers(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)
	cfg := DefaultConfig()
	cfg.AntiCall = true
	h := rig.connect(t, &cfg)

	h.Deliver(transport.CallEvent{CallID: "call-1", From: "caller@s.whatsapp.net", Status: transport.CallOffer})
	waitFor(t, "call rejection", func() bool { return len(h.Rejected()) == 1 })

	rejected := h.Rejected()
	if rejected[0].CallID != "call-1" {
		t.Errorf("rejected call: got %+v", rejected[0])
	}
	sent := h.WaitSent(2, time.Second)
	last := sent[len(sent)-1]
	if !strings.Contains(last.Content.Text, "CALL REJECTED") {
		t.Errorf("rejection notice: %q", last.Content.Text)
	}

	// Non-offer updates for the same call are ignored.
	h.Deliver(transport.CallEvent{CallID: "call-1", From: "caller@s.whatsapp.net", Status: "timeout"})
	h.Deliver(transport.CallEvent{CallID: "call-2", From: "caller@s.whatsapp.net", Status: transport.CallOffer})
	waitFor(t, "second rejection", func() bool { return len(h.Rejected()) == 2 })
}

func TestAntiCallDisabledIgnoresOffers(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)
	h := rig.connect(t, nil)

	h.Deliver(transport.CallEvent{CallID: "call-1", From: "caller@s.whatsapp.net", Status: transport.CallOffer})
	// Flush the event loop with a message before asserting.
	h.Deliver(transport.MessageEvent{Message: &transport.Message{ID: "m", Chat: "x@s.whatsapp.net", Conversation: "hi"}})
	waitFor(t, "event loop flush", func() bool { return rig.moderator.messageCount() == 1 })
	if got := len(h.Rejected()); got != 0 {
		t.Errorf("calls should not be rejected with anti-call off, got %d", got)
	}
}

func TestAutoViewAndLikeStatus(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)
	h := rig.connect(t, nil)

	h.Deliver(transport.MessageEvent{Message: &transport.Message{
		ID:           "status-1",
		Chat:         transport.StatusBroadcast,
		Sender:       "friend@s.whatsapp.net",
		Conversation: "my status",
	}})

	waitFor(t, "status read receipt", func() bool { return len(h.Read()) == 1 })
	waitFor(t, "status reaction", func() bool { return len(h.Reactions()) == 1 })

	reaction := h.Reactions()[0]
	if reaction.Ref.ID != "status-1" {
		t.Errorf("reaction ref: got %+v", reaction.Ref)
	}
	found := false
	for _, emoji := range DefaultConfig().AutoLikeEmojis {
		if reaction.Emoji == emoji {
			found = true
		}
	}
	if !found {
		t.Errorf("reaction emoji %q not in the configured set", reaction.Emoji)
	}
}

func TestAutoRecordingPresence(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)
	cfg := DefaultConfig()
	cfg.AutoRecording = true
	h := rig.connect(t, &cfg)

	h.Deliver(transport.MessageEvent{Message: &transport.Message{
		ID:           "msg-1",
		Chat:         "team@g.us",
		Sender:       "peer@s.whatsapp.net",
		Conversation: "hello",
	}})

	waitFor(t, "presence revert", func() bool { return len(h.Presences()) == 2 })
	presences := h.Presences()
	if presences[0].State != transport.PresenceRecording {
		t.Errorf("first presence: got %q, want recording", presences[0].State)
	}
	if presences[1].State != transport.PresenceAvailable {
		t.Errorf("second presence: got %q, want available", presences[1].State)
	}
	if presences[0].Chat != "team@g.us" {
		t.Errorf("presence chat: got %q", presences[0].Chat)
	}
}

func TestCredentialsEventPersistsSession(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)
	h := rig.connect(t, nil)
	before := rig.store.saveCount()

	h.Deliver(transport.CredentialsEvent{Credentials: &transport.Credentials{
		Registered: true,
		Payload:    []byte("rotated-key"),
	}})
	waitFor(t, "credential persistence", func() bool { return rig.store.saveCount() > before })

	rig.store.mu.Lock()
	defer rig.store.mu.Unlock()
	if string(rig.store.creds[testNumber].Payload) != "rotated-key" {
		t.Error("rotated credentials should be written through")
	}
}

func TestUpdateConfig(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)
	rig.connect(t, nil)

	cfg := DefaultConfig()
	cfg.AntiCall = true
	if !rig.sup.UpdateConfig(context.Background(), testNumber, cfg) {
		t.Fatal("UpdateConfig should report true for a live session")
	}
	rig.store.mu.Lock()
	stored := rig.store.sessions[testNumber].Config
	rig.store.mu.Unlock()
	if !stored.AntiCall {
		t.Error("updated config should be persisted")
	}

	if rig.sup.UpdateConfig(context.Background(), "10000000000", cfg) {
		t.Error("UpdateConfig should report false for an unknown number")
	}
}

func TestSanitizeNumber(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want string
	}{
		{"+1 (555) 123-4567", "15551234567"},
		{"15551234567", "15551234567"},
		{"  1555 123 4567  ", "15551234567"},
		{"abc", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := sanitizeNumber(tt.in); got != tt.want {
			t.Errorf("sanitizeNumber(%q): got %q, want %q", tt.in, got, tt.want)
		}
	}
}
