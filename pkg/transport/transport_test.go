// Copyright 2024-2026 Aiku AI

package transport

import (
	"context"
	"errors"
	"testing"
)

func TestMessageBody(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		msg  Message
		want string
	}{
		{
			name: "conversation text",
			msg:  Message{Conversation: "hello"},
			want: "hello",
		},
		{
			name: "extended text",
			msg:  Message{ExtendedText: "quoted reply"},
			want: "quoted reply",
		},
		{
			name: "image caption",
			msg:  Message{ImageCaption: "look at this"},
			want: "look at this",
		},
		{
			name: "video caption",
			msg:  Message{VideoCaption: "watch this"},
			want: "watch this",
		},
		{
			name: "conversation wins over caption",
			msg:  Message{Conversation: "text", ImageCaption: "caption"},
			want: "text",
		},
		{
			name: "extended wins over captions",
			msg:  Message{ExtendedText: "ext", ImageCaption: "img", VideoCaption: "vid"},
			want: "ext",
		},
		{
			name: "no textual content",
			msg:  Message{},
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.msg.Body(); got != tt.want {
				t.Errorf("Body: got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestJIDHelpers(t *testing.T) {
	t.Parallel()
	if got := UserJID("1234567890"); got != "1234567890@s.whatsapp.net" {
		t.Errorf("UserJID: got %q", got)
	}
	if !IsGroupJID("abc@g.us") {
		t.Error("IsGroupJID should be true for @g.us address")
	}
	if IsGroupJID("1234567890@s.whatsapp.net") {
		t.Error("IsGroupJID should be false for user address")
	}
	if got := BareName("1234567890@s.whatsapp.net"); got != "1234567890" {
		t.Errorf("BareName: got %q, want %q", got, "1234567890")
	}
	if got := BareName("no-at-sign"); got != "no-at-sign" {
		t.Errorf("BareName without @: got %q", got)
	}
}

func TestMessageClassification(t *testing.T) {
	t.Parallel()
	group := Message{Chat: "team@g.us"}
	if !group.IsGroup() {
		t.Error("IsGroup should be true for @g.us chat")
	}
	if group.IsStatus() {
		t.Error("IsStatus should be false for group chat")
	}
	status := Message{Chat: StatusBroadcast}
	if !status.IsStatus() {
		t.Error("IsStatus should be true for status broadcast")
	}
	if status.IsGroup() {
		t.Error("IsGroup should be false for status broadcast")
	}
}

func TestMemoryOpenAndRecord(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mem := NewMemory()

	handle, err := mem.Open(ctx, "15551234567", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if mem.OpenCount() != 1 {
		t.Errorf("OpenCount: got %d, want 1", mem.OpenCount())
	}

	if err := handle.SendMessage(ctx, "peer@s.whatsapp.net", &Content{Text: "hi"}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	sent := mem.Handle("15551234567").Sent()
	if len(sent) != 1 || sent[0].Content.Text != "hi" {
		t.Fatalf("Sent: got %+v", sent)
	}
}

func TestMemoryOpenError(t *testing.T) {
	t.Parallel()
	mem := NewMemory()
	wantErr := errors.New("transport down")
	mem.SetOpenError("15551234567", wantErr)
	if _, err := mem.Open(context.Background(), "15551234567", nil); !errors.Is(err, wantErr) {
		t.Errorf("Open: got %v, want %v", err, wantErr)
	}
}

func TestMemoryPairingFlow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mem := NewMemory()

	handle, err := mem.Open(ctx, "15551234567", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if handle.Registered() {
		t.Fatal("fresh session should not be registered")
	}

	code, err := handle.RequestPairingCode(ctx, "15551234567")
	if err != nil {
		t.Fatalf("RequestPairingCode: %v", err)
	}
	if len(code) != 8 {
		t.Errorf("pairing code length: got %d, want 8", len(code))
	}
	// Repeated requests hand out the same code.
	again, err := handle.RequestPairingCode(ctx, "15551234567")
	if err != nil {
		t.Fatalf("RequestPairingCode again: %v", err)
	}
	if again != code {
		t.Errorf("pairing code changed: %q then %q", code, again)
	}

	h := mem.Handle("15551234567")
	h.CompletePairing()
	if !handle.Registered() {
		t.Error("session should be registered after pairing")
	}

	// Pairing delivers credentials then connection open.
	ev1, ok := (<-handle.Events()).(CredentialsEvent)
	if !ok {
		t.Fatal("first event should be CredentialsEvent")
	}
	if ev1.Credentials == nil || !ev1.Credentials.Registered {
		t.Error("delivered credentials should be registered")
	}
	ev2, ok := (<-handle.Events()).(ConnectionEvent)
	if !ok || ev2.State != ConnectionOpen {
		t.Fatalf("second event: got %+v, want connection open", ev2)
	}

	if _, err := handle.RequestPairingCode(ctx, "15551234567"); err == nil {
		t.Error("RequestPairingCode should fail for registered session")
	}
}

func TestMemoryRestoredSessionIsRegistered(t *testing.T) {
	t.Parallel()
	mem := NewMemory()
	creds := &Credentials{Registered: true, Payload: []byte("key-material")}
	handle, err := mem.Open(context.Background(), "15551234567", creds)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !handle.Registered() {
		t.Error("session restored from registered credentials should be registered")
	}
}

func TestMemoryCloseIdempotent(t *testing.T) {
	t.Parallel()
	mem := NewMemory()
	handle, err := mem.Open(context.Background(), "15551234567", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := handle.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := handle.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, open := <-handle.Events(); open {
		t.Error("events channel should be closed")
	}
}

func TestMemorySendError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mem := NewMemory()
	handle, err := mem.Open(ctx, "15551234567", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	h := mem.Handle("15551234567")
	wantErr := errors.New("rate limited")
	h.SetSendError(wantErr)
	if err := handle.SendMessage(ctx, "peer@s.whatsapp.net", &Content{Text: "hi"}); !errors.Is(err, wantErr) {
		t.Errorf("SendMessage: got %v, want %v", err, wantErr)
	}
	if got := len(h.Sent()); got != 0 {
		t.Errorf("failed send should not be recorded, got %d", got)
	}
}
