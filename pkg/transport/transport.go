// Copyright 2024-2026 Aiku AI

// Package transport defines the boundary between the bot core and the
// messaging protocol implementation. The protocol side is a black box that
// turns wire bytes into the typed events declared here and exposes a small
// set of outbound capabilities per connection handle. The core never sees
// wire formats, only Event values consumed from a channel in arrival order.
package transport

import (
	"context"
	"strings"
	"time"
)

// JID suffixes and well-known addresses used by the protocol.
const (
	UserSuffix      = "@s.whatsapp.net"
	GroupSuffix     = "@g.us"
	StatusBroadcast = "status@broadcast"
)

// UserJID returns the chat address for a bare phone number.
func UserJID(number string) string {
	return number + UserSuffix
}

// IsGroupJID reports whether the address refers to a group chat.
func IsGroupJID(jid string) bool {
	return strings.HasSuffix(jid, GroupSuffix)
}

// BareName returns the local part of a JID, used as a display fallback
// when the contact name cannot be resolved.
func BareName(jid string) string {
	if idx := strings.IndexByte(jid, '@'); idx >= 0 {
		return jid[:idx]
	}
	return jid
}

// Credentials is the opaque session key material issued by the protocol
// implementation. The core only persists it and hands it back on reconnect;
// losing it permanently loses the session.
type Credentials struct {
	Registered bool   `bson:"registered" json:"registered"`
	Payload    []byte `bson:"payload" json:"payload"`
}

// ConnectionState is the coarse connection lifecycle reported by a handle.
type ConnectionState string

const (
	ConnectionOpen  ConnectionState = "open"
	ConnectionClose ConnectionState = "close"
)

// ParticipantAction is the kind of a group membership change.
type ParticipantAction string

const (
	ParticipantAdd     ParticipantAction = "add"
	ParticipantRemove  ParticipantAction = "remove"
	ParticipantPromote ParticipantAction = "promote"
	ParticipantDemote  ParticipantAction = "demote"
)

// Event is a typed value delivered on a handle's event channel. The set of
// implementations is closed: ConnectionEvent, CredentialsEvent,
// MessageEvent, ParticipantsEvent and CallEvent.
type Event interface {
	isTransportEvent()
}

// ConnectionEvent reports a connection state change. Err is set on
// abnormal closes when the protocol layer knows the cause.
type ConnectionEvent struct {
	State ConnectionState
	Err   error
}

// CredentialsEvent carries refreshed session credentials that must be
// persisted immediately.
type CredentialsEvent struct {
	Credentials *Credentials
}

// MessageEvent carries one inbound message.
type MessageEvent struct {
	Message *Message
}

// ParticipantsEvent reports a group membership change affecting one or
// more participants, in the order the protocol delivered them.
type ParticipantsEvent struct {
	GroupID string
	Action  ParticipantAction
	JIDs    []string
}

// CallEvent reports an incoming call offer or state change.
type CallEvent struct {
	CallID string
	From   string
	Status string
}

func (ConnectionEvent) isTransportEvent()   {}
func (CredentialsEvent) isTransportEvent()  {}
func (MessageEvent) isTransportEvent()      {}
func (ParticipantsEvent) isTransportEvent() {}
func (CallEvent) isTransportEvent()         {}

// CallOffer is the Status value of a CallEvent that represents a new
// incoming call, as opposed to later ringing/timeout updates.
const CallOffer = "offer"

// MessageRef addresses one message for reactions, read receipts and
// deletion.
type MessageRef struct {
	ID     string
	Chat   string
	Sender string
}

// Message is one inbound message. Exactly one of the body fields is
// normally set; Body applies the first-match-wins extraction order.
type Message struct {
	ID        string
	Chat      string
	Sender    string
	FromMe    bool
	Timestamp time.Time

	Conversation string
	ExtendedText string
	ImageCaption string
	VideoCaption string
}

// Body extracts the textual content of the message: plain conversation
// text first, then extended/quoted text, then an image or video caption.
// Returns the empty string when the message has no textual content.
func (m *Message) Body() string {
	switch {
	case m.Conversation != "":
		return m.Conversation
	case m.ExtendedText != "":
		return m.ExtendedText
	case m.ImageCaption != "":
		return m.ImageCaption
	case m.VideoCaption != "":
		return m.VideoCaption
	default:
		return ""
	}
}

// Ref returns the reference addressing this message.
func (m *Message) Ref() MessageRef {
	return MessageRef{ID: m.ID, Chat: m.Chat, Sender: m.Sender}
}

// IsGroup reports whether the message was sent in a group chat.
func (m *Message) IsGroup() bool {
	return IsGroupJID(m.Chat)
}

// IsStatus reports whether the message is a status broadcast update.
func (m *Message) IsStatus() bool {
	return m.Chat == StatusBroadcast
}

// Content is an outbound message payload. Text and ImageURL+Caption are
// mutually exclusive; Mentions tags participants in group chats and Quoted
// replies to an existing message.
type Content struct {
	Text     string
	ImageURL string
	Caption  string
	Mentions []string
	Quoted   *MessageRef
}

// Presence is an outbound presence state for a chat.
type Presence string

const (
	PresenceAvailable Presence = "available"
	PresenceComposing Presence = "composing"
	PresenceRecording Presence = "recording"
)

// GroupParticipant is one member of a group, with its admin flag.
type GroupParticipant struct {
	JID     string
	IsAdmin bool
}

// GroupMetadata describes a group chat.
type GroupMetadata struct {
	ID           string
	Subject      string
	Description  string
	Participants []GroupParticipant
	CreatedAt    time.Time
}

// Handle is one live protocol connection for a tenant. Events are
// delivered on the channel returned by Events in arrival order; the
// channel is closed when the connection is torn down. All outbound
// operations are safe for concurrent use.
type Handle interface {
	Events() <-chan Event

	SendMessage(ctx context.Context, chat string, content *Content) error
	SendReaction(ctx context.Context, ref MessageRef, emoji string) error
	SetPresence(ctx context.Context, chat string, presence Presence) error
	MarkRead(ctx context.Context, refs ...MessageRef) error
	RejectCall(ctx context.Context, callID, from string) error
	DeleteMessage(ctx context.Context, ref MessageRef) error

	RequestPairingCode(ctx context.Context, number string) (string, error)
	GroupMetadata(ctx context.Context, groupID string) (*GroupMetadata, error)
	ResolveName(ctx context.Context, jid string) (string, bool)

	Credentials() *Credentials
	Registered() bool
	Close() error
}

// Transport opens protocol connections. Open restores a session from
// previously persisted credentials when creds is non-nil; with nil creds
// it starts a fresh, unregistered session that must complete pairing
// before the connection opens.
type Transport interface {
	Open(ctx context.Context, number string, creds *Credentials) (Handle, error)
}
