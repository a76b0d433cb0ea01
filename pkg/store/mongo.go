// Copyright 2024-2026 Aiku AI

// Package store persists bot sessions and group moderation policies in
// MongoDB.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/aiku/mininew/pkg/moderation"
	"github.com/aiku/mininew/pkg/supervisor"
	"github.com/aiku/mininew/pkg/transport"
)

const (
	sessionsCollection = "bot_sessions"
	groupsCollection   = "group_settings"
)

// Config holds the MongoDB connection parameters.
type Config struct {
	URI         string `yaml:"uri"`
	Database    string `yaml:"database"`
	MaxPoolSize uint64 `yaml:"max_pool_size"`
}

// Mongo is the MongoDB-backed persistence layer. It implements the
// session store consumed by the supervisor and the policy store consumed
// by the moderation cache.
type Mongo struct {
	client   *mongo.Client
	sessions *mongo.Collection
	groups   *mongo.Collection
	log      zerolog.Logger
}

var (
	_ supervisor.SessionStore = (*Mongo)(nil)
	_ moderation.PolicyStore  = (*Mongo)(nil)
)

// NewMongo connects to MongoDB and verifies the connection with a ping.
func NewMongo(ctx context.Context, cfg Config, log zerolog.Logger) (*Mongo, error) {
	opts := options.Client().ApplyURI(cfg.URI)
	if cfg.MaxPoolSize > 0 {
		opts.SetMaxPoolSize(cfg.MaxPoolSize)
	}
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}
	db := client.Database(cfg.Database)
	return &Mongo{
		client:   client,
		sessions: db.Collection(sessionsCollection),
		groups:   db.Collection(groupsCollection),
		log:      log.With().Str("component", "store").Logger(),
	}, nil
}

// EnsureIndexes creates the unique indexes the store relies on. Safe to
// call on every startup.
func (m *Mongo) EnsureIndexes(ctx context.Context) error {
	_, err := m.sessions.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "number", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("failed to create session index: %w", err)
	}
	_, err = m.groups.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "group_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("failed to create group index: %w", err)
	}
	return nil
}

// Close disconnects the underlying client.
func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

type sessionDoc struct {
	Number      string                 `bson:"number"`
	OwnerID     string                 `bson:"owner_id"`
	Credentials *transport.Credentials `bson:"credentials"`
	Config      supervisor.Config      `bson:"config"`
	Active      bool                   `bson:"active"`
	CreatedAt   time.Time              `bson:"created_at"`
	UpdatedAt   time.Time              `bson:"updated_at"`
}

// LoadSession returns the stored credentials for a number, or (nil, nil)
// when no session exists.
func (m *Mongo) LoadSession(ctx context.Context, number string) (*transport.Credentials, error) {
	var doc sessionDoc
	err := m.sessions.FindOne(ctx, bson.M{"number": number}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", number, err)
	}
	return doc.Credentials, nil
}

// SaveSession upserts the session document, marking it active.
func (m *Mongo) SaveSession(ctx context.Context, number string, creds *transport.Credentials, cfg supervisor.Config, ownerID string) error {
	now := time.Now()
	update := bson.M{
		"$set": bson.M{
			"owner_id":    ownerID,
			"credentials": creds,
			"config":      cfg,
			"active":      true,
			"updated_at":  now,
		},
		"$setOnInsert": bson.M{
			"number":     number,
			"created_at": now,
		},
	}
	_, err := m.sessions.UpdateOne(ctx, bson.M{"number": number}, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", number, err)
	}
	return nil
}

// DeactivateSession marks the session inactive so AutoReconnectAll skips
// it. The credentials stay stored for a later manual reconnect.
func (m *Mongo) DeactivateSession(ctx context.Context, number string) error {
	_, err := m.sessions.UpdateOne(ctx,
		bson.M{"number": number},
		bson.M{"$set": bson.M{"active": false, "updated_at": time.Now()}},
	)
	if err != nil {
		return fmt.Errorf("failed to deactivate session %s: %w", number, err)
	}
	return nil
}

// ListActiveSessions returns every session marked active, for startup
// reconnection.
func (m *Mongo) ListActiveSessions(ctx context.Context) ([]supervisor.PersistedSession, error) {
	cursor, err := m.sessions.Find(ctx, bson.M{"active": true})
	if err != nil {
		return nil, fmt.Errorf("failed to list active sessions: %w", err)
	}
	defer cursor.Close(ctx)

	var out []supervisor.PersistedSession
	for cursor.Next(ctx) {
		var doc sessionDoc
		if err := cursor.Decode(&doc); err != nil {
			m.log.Warn().Err(err).Msg("Skipping undecodable session document")
			continue
		}
		out = append(out, supervisor.PersistedSession{
			Number:  doc.Number,
			OwnerID: doc.OwnerID,
			Config:  doc.Config,
		})
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate active sessions: %w", err)
	}
	return out, nil
}

type groupDoc struct {
	GroupID   string            `bson:"group_id"`
	Policy    moderation.Policy `bson:"policy"`
	CreatedAt time.Time         `bson:"created_at"`
	UpdatedAt time.Time         `bson:"updated_at"`
}

// LoadGroupPolicy returns the stored policy for a group, or (nil, nil)
// when the group has never been seen.
func (m *Mongo) LoadGroupPolicy(ctx context.Context, groupID string) (*moderation.Policy, error) {
	var doc groupDoc
	err := m.groups.FindOne(ctx, bson.M{"group_id": groupID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load group policy %s: %w", groupID, err)
	}
	return &doc.Policy, nil
}

// SaveGroupPolicy upserts the group's policy document.
func (m *Mongo) SaveGroupPolicy(ctx context.Context, groupID string, policy *moderation.Policy) error {
	now := time.Now()
	update := bson.M{
		"$set": bson.M{
			"policy":     policy,
			"updated_at": now,
		},
		"$setOnInsert": bson.M{
			"group_id":   groupID,
			"created_at": now,
		},
	}
	_, err := m.groups.UpdateOne(ctx, bson.M{"group_id": groupID}, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save group policy %s: %w", groupID, err)
	}
	return nil
}
