// Copyright 2024-2026 Aiku AI

package supervisor

import (
	"context"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"time"

	"github.com/aiku/mininew/pkg/transport"
)

// welcomeNotice is sent to the tenant's own chat the first time the
// connection opens after Connect.
const welcomeNotice = "🤖 *Bot Connected Successfully!*\n\n✅ Your bot is now active and ready to use.\n📝 Type *.menu* to see available commands."

// runTenant consumes the handle's event stream until the channel closes
// or the connection reports a close. It is the only goroutine reading
// from the handle, so event order is preserved for the synchronous
// consumers.
func (s *Supervisor) runTenant(t *tenant, handle transport.Handle) {
	ctx := context.Background()
	for ev := range handle.Events() {
		switch ev := ev.(type) {
		case transport.ConnectionEvent:
			if s.handleConnection(ctx, t, handle, ev) {
				return
			}
		case transport.CredentialsEvent:
			s.persistSession(ctx, t, ev.Credentials)
		case transport.MessageEvent:
			s.dispatchMessage(ctx, t, handle, ev.Message)
		case transport.ParticipantsEvent:
			// Membership changes are handled inline so batch notices for
			// one group keep their arrival order.
			s.contain(t, "moderation", func() {
				s.moderation.HandleParticipants(ctx, handle, ev)
			})
		case transport.CallEvent:
			s.handleCall(ctx, t, handle, ev)
		}
	}
	t.log.Debug().Msg("Event stream closed")
	s.removeTenant(t)
}

// handleConnection reacts to a connection state change and reports
// whether the tenant worker should stop.
func (s *Supervisor) handleConnection(ctx context.Context, t *tenant, handle transport.Handle, ev transport.ConnectionEvent) bool {
	switch ev.State {
	case transport.ConnectionOpen:
		s.mu.Lock()
		t.state = StateConnected
		t.connectedAt = time.Now()
		firstOpen := !t.welcomed
		t.welcomed = true
		s.mu.Unlock()

		t.log.Info().Msg("Connection open")
		s.persistSession(ctx, t, handle.Credentials())
		if firstOpen {
			notice := &transport.Content{Text: welcomeNotice}
			if err := handle.SendMessage(ctx, transport.UserJID(t.number), notice); err != nil {
				t.log.Warn().Err(err).Msg("Failed to send connected notice")
			}
		}
		return false
	case transport.ConnectionClose:
		t.log.Warn().Err(ev.Err).Msg("Connection closed")
		s.removeTenant(t)
		_ = handle.Close()
		return true
	default:
		return false
	}
}

// dispatchMessage fans one inbound message out to the command router, the
// moderation pipeline and the auto-reaction behaviors. The three consumers
// run concurrently and independently; a panic in one is contained and
// never disturbs the others or the event loop.
func (s *Supervisor) dispatchMessage(ctx context.Context, t *tenant, handle transport.Handle, msg *transport.Message) {
	s.mu.Lock()
	config := t.config
	s.mu.Unlock()

	if config.Visibility != VisibilityPrivate || msg.FromMe {
		go s.contain(t, "router", func() {
			s.router.HandleMessage(ctx, handle, msg, t.number)
		})
	}
	go s.contain(t, "moderation", func() {
		s.moderation.CheckMessage(ctx, handle, msg)
	})
	go s.contain(t, "auto_react", func() {
		s.autoReact(ctx, t, handle, msg, config)
	})
}

// autoReact applies the tenant's passive behaviors to one message:
// marking status updates read, reacting to them with a random emoji, and
// briefly showing a recording presence in groups.
func (s *Supervisor) autoReact(ctx context.Context, t *tenant, handle transport.Handle, msg *transport.Message, config Config) {
	if msg.IsStatus() {
		if config.AutoViewStatus {
			if err := handle.MarkRead(ctx, msg.Ref()); err != nil {
				t.log.Warn().Err(err).Msg("Failed to mark status read")
			}
		}
		if config.AutoLikeStatus && len(config.AutoLikeEmojis) > 0 {
			emoji := config.AutoLikeEmojis[rand.IntN(len(config.AutoLikeEmojis))]
			if err := handle.SendReaction(ctx, msg.Ref(), emoji); err != nil {
				t.log.Warn().Err(err).Msg("Failed to react to status")
			}
		}
		return
	}
	if config.AutoRecording && msg.IsGroup() && !msg.FromMe {
		if err := handle.SetPresence(ctx, msg.Chat, transport.PresenceRecording); err != nil {
			t.log.Warn().Err(err).Str("chat", msg.Chat).Msg("Failed to set recording presence")
			return
		}
		chat := msg.Chat
		time.AfterFunc(s.recordingDuration, func() {
			if err := handle.SetPresence(context.Background(), chat, transport.PresenceAvailable); err != nil {
				t.log.Debug().Err(err).Str("chat", chat).Msg("Failed to revert presence")
			}
		})
	}
}

// handleCall rejects incoming call offers and notifies the caller when
// the tenant has anti-call enabled.
func (s *Supervisor) handleCall(ctx context.Context, t *tenant, handle transport.Handle, ev transport.CallEvent) {
	if ev.Status != transport.CallOffer {
		return
	}
	s.mu.Lock()
	antiCall := t.config.AntiCall
	s.mu.Unlock()
	if !antiCall {
		return
	}
	log := t.log.With().Str("call_id", ev.CallID).Str("from", ev.From).Logger()
	if err := handle.RejectCall(ctx, ev.CallID, ev.From); err != nil {
		log.Warn().Err(err).Msg("Failed to reject call")
		return
	}
	log.Info().Msg("Rejected incoming call")
	notice := &transport.Content{
		Text:     fmt.Sprintf("📵 *CALL REJECTED*\n\n@%s This bot does not accept calls.", transport.BareName(ev.From)),
		Mentions: []string{ev.From},
	}
	if err := handle.SendMessage(ctx, ev.From, notice); err != nil {
		log.Warn().Err(err).Msg("Failed to send call rejection notice")
	}
}

// persistSession writes the tenant's credentials and config through to
// the backing store. Persistence failures are logged, never propagated:
// a store outage must not take the live connection down.
func (s *Supervisor) persistSession(ctx context.Context, t *tenant, creds *transport.Credentials) {
	if creds == nil {
		return
	}
	s.mu.Lock()
	config := t.config
	s.mu.Unlock()
	if err := s.store.SaveSession(ctx, t.number, creds, config, t.ownerID); err != nil {
		t.log.Warn().Err(err).Msg("Failed to persist session")
	}
}

// contain runs fn, recovering and logging any panic so one misbehaving
// consumer cannot crash the tenant worker.
func (s *Supervisor) contain(t *tenant, consumer string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Error().
				Str("consumer", consumer).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("Recovered panic in event consumer")
		}
	}()
	fn()
}
