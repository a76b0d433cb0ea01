// Copyright 2024-2026 Aiku AI

// Package command implements the plugin registry and the message router
// that turns inbound chat messages into command executions.
package command

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aiku/mininew/pkg/transport"
)

// Plugin is one registered command: a token, a menu description, a
// category for grouping, and the execution behavior. Execute runs on the
// owning tenant's fan-out goroutine and may block; errors are logged by
// the router and never propagate further.
type Plugin struct {
	Command     string
	Description string
	Category    string
	Execute     func(ctx context.Context, conn transport.Handle, msg *transport.Message, args []string, number string) error
}

// Registry is the static catalog of available commands, indexed by
// case-insensitive token and grouped by category in registration order.
type Registry struct {
	log zerolog.Logger

	mu            sync.RWMutex
	plugins       map[string]*Plugin
	categoryOrder []string
	byCategory    map[string][]string
}

// NewRegistry creates an empty command registry.
func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		log:        log.With().Str("component", "command_registry").Logger(),
		plugins:    make(map[string]*Plugin),
		byCategory: make(map[string][]string),
	}
}

// Register adds one plugin to the catalog. Duplicate command tokens are
// rejected so a later registration can never silently shadow an earlier
// one, even across categories.
func (r *Registry) Register(p Plugin) error {
	if p.Command == "" {
		return fmt.Errorf("plugin has no command token")
	}
	if p.Execute == nil {
		return fmt.Errorf("plugin %q has no execute function", p.Command)
	}
	token := strings.ToLower(p.Command)

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.plugins[token]; ok {
		return fmt.Errorf("duplicate command %q: already registered in category %q", token, existing.Category)
	}
	plugin := p
	r.plugins[token] = &plugin
	if _, ok := r.byCategory[p.Category]; !ok {
		r.categoryOrder = append(r.categoryOrder, p.Category)
	}
	r.byCategory[p.Category] = append(r.byCategory[p.Category], token)

	r.log.Debug().Str("command", token).Str("category", p.Category).Msg("Registered command")
	return nil
}

// RegisterAll registers plugins in order and stops at the first failure.
func (r *Registry) RegisterAll(plugins ...Plugin) error {
	for _, p := range plugins {
		if err := r.Register(p); err != nil {
			return err
		}
	}
	return nil
}

// Resolve looks up a plugin by its case-insensitive command token.
func (r *Registry) Resolve(token string) (*Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[strings.ToLower(token)]
	return p, ok
}

// Len returns the number of registered commands.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// CategoryListing is one category with its commands in registration order.
type CategoryListing struct {
	Category string
	Plugins  []*Plugin
}

// ListByCategory returns all categories in registration order, each with
// its commands in registration order. Used to render the menu.
func (r *Registry) ListByCategory() []CategoryListing {
	r.mu.RLock()
	defer r.mu.RUnlock()
	listings := make([]CategoryListing, 0, len(r.categoryOrder))
	for _, cat := range r.categoryOrder {
		listing := CategoryListing{Category: cat}
		for _, token := range r.byCategory[cat] {
			listing.Plugins = append(listing.Plugins, r.plugins[token])
		}
		listings = append(listings, listing)
	}
	return listings
}
