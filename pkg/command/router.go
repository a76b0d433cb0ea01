// Copyright 2024-2026 Aiku AI

package command

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/aiku/mininew/pkg/transport"
)

// Trigger is the prefix a message body must start with to qualify as a
// command.
const Trigger = "."

// menuToken is the reserved fallback command that renders the category
// listing when no registered plugin overrides it.
const menuToken = "menu"

// Router turns one inbound message into at most one command execution.
// Plugin failures (errors and panics) are contained here: one broken
// plugin never affects the router or the owning connection.
type Router struct {
	registry *Registry
	log      zerolog.Logger
}

// NewRouter creates a router dispatching against the given registry.
func NewRouter(registry *Registry, log zerolog.Logger) *Router {
	return &Router{
		registry: registry,
		log:      log.With().Str("component", "command_router").Logger(),
	}
}

// HandleMessage parses the message body and dispatches the matching
// plugin. Non-command messages are ignored. Unknown commands get a
// "not found" reply pointing at the menu command.
func (r *Router) HandleMessage(ctx context.Context, conn transport.Handle, msg *transport.Message, number string) {
	body := msg.Body()
	if !strings.HasPrefix(body, Trigger) {
		return
	}
	fields := strings.Fields(strings.TrimPrefix(body, Trigger))
	if len(fields) == 0 {
		return
	}
	token := strings.ToLower(fields[0])
	args := fields[1:]

	log := r.log.With().Str("command", token).Str("chat", msg.Chat).Str("number", number).Logger()

	if plugin, ok := r.registry.Resolve(token); ok {
		r.invoke(ctx, log, plugin, conn, msg, args, number)
		return
	}
	if token == menuToken {
		r.sendMenu(ctx, log, conn, msg, number)
		return
	}

	ref := msg.Ref()
	notice := fmt.Sprintf("❌ Command *%s%s* not found. Type *%s%s* for available commands.", Trigger, token, Trigger, menuToken)
	if err := conn.SendMessage(ctx, msg.Chat, &transport.Content{Text: notice, Quoted: &ref}); err != nil {
		log.Warn().Err(err).Msg("Failed to send command-not-found reply")
	}
}

// invoke runs one plugin with full failure containment.
func (r *Router) invoke(ctx context.Context, log zerolog.Logger, plugin *Plugin, conn transport.Handle, msg *transport.Message, args []string, number string) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Msg("Recovered panic in command execution")
		}
	}()
	if err := plugin.Execute(ctx, conn, msg, args, number); err != nil {
		log.Error().Err(err).Msg("Command execution failed")
	}
}

// sendMenu renders the aggregated category listing from the registry.
func (r *Router) sendMenu(ctx context.Context, log zerolog.Logger, conn transport.Handle, msg *transport.Message, number string) {
	var b strings.Builder
	b.WriteString("🤖 *MININEW MENU*\n\n")
	for _, listing := range r.registry.ListByCategory() {
		if len(listing.Plugins) == 0 {
			continue
		}
		fmt.Fprintf(&b, "*%s*\n", strings.ToUpper(listing.Category))
		for _, p := range listing.Plugins {
			desc := p.Description
			if desc == "" {
				desc = "No description"
			}
			fmt.Fprintf(&b, "• %s%s - %s\n", Trigger, p.Command, desc)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "📊 *Total commands:* %d\n", r.registry.Len())
	fmt.Fprintf(&b, "🔢 *Bot number:* %s", number)

	ref := msg.Ref()
	if err := conn.SendMessage(ctx, msg.Chat, &transport.Content{Text: b.String(), Quoted: &ref}); err != nil {
		log.Warn().Err(err).Msg("Failed to send menu")
	}
}
