// Copyright 2024-2026 Aiku AI

// Package supervisor owns the set of live per-tenant protocol connections:
// it opens them, restores them from persisted credentials on startup,
// routes their event streams to the command router and moderation
// pipeline, and tears them down on disconnect.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aiku/mininew/pkg/transport"
)

// ErrAlreadyConnected is returned by Connect when a live handle already
// exists for the number. The caller must disconnect first.
var ErrAlreadyConnected = errors.New("bot already connected")

// Visibility controls who can trigger commands on a tenant's connection.
type Visibility string

const (
	// VisibilityPublic routes every inbound message to the command router.
	VisibilityPublic Visibility = "public"
	// VisibilityPrivate routes only the tenant's own messages.
	VisibilityPrivate Visibility = "private"
)

// Config is the per-tenant feature configuration.
type Config struct {
	AutoViewStatus bool       `bson:"auto_view_status" yaml:"auto_view_status"`
	AutoLikeStatus bool       `bson:"auto_like_status" yaml:"auto_like_status"`
	AutoLikeEmojis []string   `bson:"auto_like_emojis" yaml:"auto_like_emojis"`
	AutoRecording  bool       `bson:"auto_recording" yaml:"auto_recording"`
	AntiCall       bool       `bson:"anti_call" yaml:"anti_call"`
	Visibility     Visibility `bson:"visibility" yaml:"visibility"`
}

// DefaultConfig returns the feature configuration applied to tenants that
// have none stored.
func DefaultConfig() Config {
	return Config{
		AutoViewStatus: true,
		AutoLikeStatus: true,
		AutoLikeEmojis: []string{"🖤", "🍬", "💫", "🎈"},
		AutoRecording:  false,
		AntiCall:       false,
		Visibility:     VisibilityPublic,
	}
}

// PersistedSession is one stored session returned by ListActiveSessions.
type PersistedSession struct {
	Number  string
	OwnerID string
	Config  Config
}

// SessionStore is the persistence collaborator for tenant sessions.
// LoadSession returns (nil, nil) when no credentials are stored.
type SessionStore interface {
	LoadSession(ctx context.Context, number string) (*transport.Credentials, error)
	SaveSession(ctx context.Context, number string, creds *transport.Credentials, cfg Config, ownerID string) error
	DeactivateSession(ctx context.Context, number string) error
	ListActiveSessions(ctx context.Context) ([]PersistedSession, error)
}

// MessageHandler consumes inbound messages that may contain commands.
type MessageHandler interface {
	HandleMessage(ctx context.Context, conn transport.Handle, msg *transport.Message, number string)
}

// Moderator consumes group membership changes and evaluates message
// content against group policy.
type Moderator interface {
	HandleParticipants(ctx context.Context, conn transport.Handle, ev transport.ParticipantsEvent)
	CheckMessage(ctx context.Context, conn transport.Handle, msg *transport.Message)
}

// State is the connection lifecycle state of a tenant.
type State string

const (
	StateConnecting   State = "connecting"
	StatePairing      State = "pairing"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
)

// ConnectStatus is the outcome of a Connect call.
type ConnectStatus string

const (
	// StatusConnected means the session was restored from stored
	// credentials and the connection is being established.
	StatusConnected ConnectStatus = "connected"
	// StatusPairingRequired means the caller must complete pairing
	// out-of-band with the returned code; the handle stays registered so
	// the eventual connection-open event finishes the transition.
	StatusPairingRequired ConnectStatus = "pairing_required"
)

// ConnectResult is returned by Connect on success.
type ConnectResult struct {
	Status      ConnectStatus
	PairingCode string
}

// Status is the cheap, registry-only connection status of a tenant.
type Status struct {
	IsConnected    bool
	ConnectionTime time.Time
	UptimeSeconds  int64
}

// Stats summarizes the live registry.
type Stats struct {
	TotalBots int
	Numbers   []string
}

// DefaultReconnectDelay is the fixed pause between startup reconnect
// attempts, bounding load on the transport provider.
const DefaultReconnectDelay = 2 * time.Second

// DefaultRecordingDuration is how long the auto-recording presence is
// held before reverting to available.
const DefaultRecordingDuration = 5 * time.Second

// Options configures a Supervisor.
type Options struct {
	Transport  transport.Transport
	Store      SessionStore
	Router     MessageHandler
	Moderation Moderator
	Log        zerolog.Logger

	// ReconnectDelay overrides DefaultReconnectDelay when positive.
	ReconnectDelay time.Duration
	// RecordingDuration overrides DefaultRecordingDuration when positive.
	RecordingDuration time.Duration
}

// Supervisor owns the live-handle registry and all tenant workers.
type Supervisor struct {
	transport  transport.Transport
	store      SessionStore
	router     MessageHandler
	moderation Moderator
	log        zerolog.Logger

	reconnectDelay    time.Duration
	recordingDuration time.Duration

	mu      sync.Mutex
	tenants map[string]*tenant
}

type tenant struct {
	number  string
	ownerID string
	config  Config
	handle  transport.Handle
	log     zerolog.Logger

	// Guarded by the supervisor mutex.
	state       State
	connectedAt time.Time
	welcomed    bool
}

// New creates a supervisor with an empty registry.
func New(opts Options) *Supervisor {
	s := &Supervisor{
		transport:         opts.Transport,
		store:             opts.Store,
		router:            opts.Router,
		moderation:        opts.Moderation,
		log:               opts.Log.With().Str("component", "supervisor").Logger(),
		reconnectDelay:    DefaultReconnectDelay,
		recordingDuration: DefaultRecordingDuration,
		tenants:           make(map[string]*tenant),
	}
	if opts.ReconnectDelay > 0 {
		s.reconnectDelay = opts.ReconnectDelay
	}
	if opts.RecordingDuration > 0 {
		s.recordingDuration = opts.RecordingDuration
	}
	return s
}

// sanitizeNumber strips everything but digits from a phone number.
func sanitizeNumber(number string) string {
	var b strings.Builder
	for _, r := range number {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Connect opens a connection for the number, restoring a stored session
// when credentials exist and starting a fresh pairing flow otherwise.
// Exactly one live handle may exist per number; a second Connect for the
// same number fails with ErrAlreadyConnected.
func (s *Supervisor) Connect(ctx context.Context, number, ownerID string, cfg *Config) (*ConnectResult, error) {
	num := sanitizeNumber(number)
	if num == "" {
		return nil, fmt.Errorf("invalid phone number %q", number)
	}
	config := DefaultConfig()
	if cfg != nil {
		config = *cfg
	}
	log := s.log.With().
		Str("number", num).
		Str("attempt_id", uuid.NewString()).
		Logger()

	// Check-then-insert is a single critical section so concurrent
	// connects for the same number cannot both win.
	t := &tenant{
		number:  num,
		ownerID: ownerID,
		config:  config,
		state:   StateConnecting,
		log:     log,
	}
	s.mu.Lock()
	if _, exists := s.tenants[num]; exists {
		s.mu.Unlock()
		return nil, ErrAlreadyConnected
	}
	s.tenants[num] = t
	s.mu.Unlock()

	creds, err := s.store.LoadSession(ctx, num)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load stored credentials, starting fresh session")
		creds = nil
	}

	handle, err := s.transport.Open(ctx, num, creds)
	if err != nil {
		s.removeTenant(t)
		return nil, fmt.Errorf("failed to open connection: %w", err)
	}

	s.mu.Lock()
	t.handle = handle
	t.connectedAt = time.Now()
	s.mu.Unlock()

	// Start consuming events before returning so nothing is missed
	// between Connect and the first connection-open event.
	go s.runTenant(t, handle)

	if !handle.Registered() {
		s.mu.Lock()
		t.state = StatePairing
		s.mu.Unlock()
		code, err := handle.RequestPairingCode(ctx, num)
		if err != nil {
			_ = handle.Close()
			s.removeTenant(t)
			return nil, fmt.Errorf("failed to request pairing code: %w", err)
		}
		log.Info().Msg("Pairing code issued, waiting for out-of-band pairing")
		return &ConnectResult{Status: StatusPairingRequired, PairingCode: code}, nil
	}

	log.Info().Msg("Session restored from stored credentials")
	return &ConnectResult{Status: StatusConnected}, nil
}

// Disconnect closes the tenant's handle, removes it from the registry and
// marks the persisted session inactive. It reports whether a live handle
// existed; disconnecting an unknown number is not an error.
func (s *Supervisor) Disconnect(ctx context.Context, number string) bool {
	num := sanitizeNumber(number)

	s.mu.Lock()
	t, ok := s.tenants[num]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.tenants, num)
	t.state = StateDisconnected
	handle := t.handle
	s.mu.Unlock()

	if handle != nil {
		_ = handle.Close()
	}
	if err := s.store.DeactivateSession(ctx, num); err != nil {
		t.log.Warn().Err(err).Msg("Failed to mark session inactive")
	}
	t.log.Info().Msg("Disconnected")
	return true
}

// ConnectionStatus reports the tenant's status from the in-memory
// registry only; it never touches the backing store.
func (s *Supervisor) ConnectionStatus(number string) Status {
	num := sanitizeNumber(number)
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[num]
	if !ok || t.connectedAt.IsZero() {
		return Status{}
	}
	return Status{
		IsConnected:    true,
		ConnectionTime: t.connectedAt,
		UptimeSeconds:  int64(time.Since(t.connectedAt).Seconds()),
	}
}

// IsConnected reports whether a live handle exists for the number.
func (s *Supervisor) IsConnected(number string) bool {
	num := sanitizeNumber(number)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tenants[num]
	return ok
}

// Stats returns the size and membership of the live registry.
func (s *Supervisor) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	numbers := make([]string, 0, len(s.tenants))
	for num := range s.tenants {
		numbers = append(numbers, num)
	}
	return Stats{TotalBots: len(s.tenants), Numbers: numbers}
}

// UpdateConfig replaces the tenant's feature configuration and persists
// the session with the new config. It reports whether the tenant exists.
func (s *Supervisor) UpdateConfig(ctx context.Context, number string, cfg Config) bool {
	num := sanitizeNumber(number)
	s.mu.Lock()
	t, ok := s.tenants[num]
	if !ok {
		s.mu.Unlock()
		return false
	}
	t.config = cfg
	handle := t.handle
	s.mu.Unlock()

	if handle != nil {
		s.persistSession(ctx, t, handle.Credentials())
	}
	return true
}

// AutoReconnectAll re-establishes every session marked active in the
// backing store, sequentially with a fixed delay between attempts to
// avoid a reconnection storm. Individual failures are logged and do not
// abort the remaining sessions.
func (s *Supervisor) AutoReconnectAll(ctx context.Context) error {
	sessions, err := s.store.ListActiveSessions(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active sessions: %w", err)
	}
	s.log.Info().Int("count", len(sessions)).Msg("Auto-reconnecting active sessions")

	first := true
	for _, sess := range sessions {
		if s.IsConnected(sess.Number) {
			continue
		}
		if !first {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.reconnectDelay):
			}
		}
		first = false
		cfg := sess.Config
		if _, err := s.Connect(ctx, sess.Number, sess.OwnerID, &cfg); err != nil {
			s.log.Error().Err(err).Str("number", sess.Number).Msg("Auto-reconnect failed")
		}
	}
	return nil
}

// Close tears down every live handle without deactivating the persisted
// sessions, so the next AutoReconnectAll restores them.
func (s *Supervisor) Close() {
	s.mu.Lock()
	handles := make([]transport.Handle, 0, len(s.tenants))
	for _, t := range s.tenants {
		if t.handle != nil {
			handles = append(handles, t.handle)
		}
	}
	s.mu.Unlock()
	for _, h := range handles {
		_ = h.Close()
	}
}

// removeTenant drops t from the registry. The identity check keeps a
// stale worker of a replaced connection from evicting its successor.
func (s *Supervisor) removeTenant(t *tenant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.tenants[t.number]; ok && current == t {
		t.state = StateDisconnected
		delete(s.tenants, t.number)
	}
}
