// Package actor remembers which internal user sent an outbound message so the
// platform's echo of it can be attributed later.
package actor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mixelka/unibox/internal/database"
	"github.com/mixelka/unibox/internal/kv"
	"github.com/mixelka/unibox/pkg/models"
)

// CacheTTL is how long a mapping stays in the cache
const CacheTTL = 7 * 24 * time.Hour

// Key identifies one outbound platform message
type Key struct {
	Platform  models.Platform
	AccountID int64
	MessageID string
}

func (k Key) cacheKey() string {
	return fmt.Sprintf("actor:%s:%d:%s", k.Platform, k.AccountID, k.MessageID)
}

// Mapping is the actor behind an outbound message
type Mapping struct {
	ActorUserID int64             `json:"actorUserId"`
	SenderRole  models.SenderRole `json:"senderRole"`
}

// Store is the durable single-use record table
type Store interface {
	SaveActorMapping(ctx context.Context, m *models.OutboundActorMapping) error
	GetActorMapping(ctx context.Context, platform models.Platform, accountID int64, messageID string) (*models.OutboundActorMapping, error)
	DeleteActorMapping(ctx context.Context, id int64) error
}

// ResolveOptions tunes a lookup
type ResolveOptions struct {
	BypassCache bool
}

// Resolver records and resolves actor mappings
type Resolver struct {
	cache  *kv.Store
	store  Store
	logger *slog.Logger
}

// NewResolver creates a resolver
func NewResolver(cache *kv.Store, store Store, logger *slog.Logger) *Resolver {
	return &Resolver{
		cache:  cache,
		store:  store,
		logger: logger.With("component", "actor"),
	}
}

// Record stores the mapping in the cache and the store. A store failure is
// logged and not returned.
func (r *Resolver) Record(ctx context.Context, key Key, m Mapping) error {
	if err := r.writeCache(key, m); err != nil {
		return fmt.Errorf("failed to cache actor mapping: %w", err)
	}

	err := r.store.SaveActorMapping(ctx, &models.OutboundActorMapping{
		Platform:    key.Platform,
		AccountID:   key.AccountID,
		MessageID:   key.MessageID,
		ActorUserID: m.ActorUserID,
		SenderRole:  m.SenderRole,
	})
	if err != nil {
		r.logger.Warn("failed to store actor mapping", "platform", key.Platform, "account_id", key.AccountID, "message_id", key.MessageID, "error", err)
	}
	return nil
}

// Resolve returns the mapping for key, or nil when none is known
func (r *Resolver) Resolve(ctx context.Context, key Key, opts ResolveOptions) (*Mapping, error) {
	if !opts.BypassCache {
		m, err := r.readCache(key)
		if err != nil {
			r.logger.Warn("actor cache read failed", "error", err)
		}
		if m != nil {
			return m, nil
		}
	}
	return r.readThrough(ctx, key)
}

// readThrough is the store fallback: read, re-populate the cache, consume the record
func (r *Resolver) readThrough(ctx context.Context, key Key) (*Mapping, error) {
	rec, err := r.store.GetActorMapping(ctx, key.Platform, key.AccountID, key.MessageID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	m := &Mapping{ActorUserID: rec.ActorUserID, SenderRole: rec.SenderRole}
	if err := r.writeCache(key, *m); err != nil {
		r.logger.Warn("failed to re-populate actor cache", "error", err)
	}
	if err := r.store.DeleteActorMapping(ctx, rec.ID); err != nil {
		r.logger.Warn("failed to consume actor mapping", "id", rec.ID, "error", err)
	}
	return m, nil
}

func (r *Resolver) readCache(key Key) (*Mapping, error) {
	raw, err := r.cache.Get(key.cacheKey())
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var m Mapping
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *Resolver) writeCache(key Key, m Mapping) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return r.cache.Set(key.cacheKey(), b, CacheTTL)
}
