package registry

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"gowa-gateway/internal/metrics"
	"gowa-gateway/internal/model"

	"github.com/rs/zerolog"
)

var (
	ErrInvalidID = errors.New("invalid session id")

	validID = regexp.MustCompile(`^[A-Za-z0-9_-][A-Za-z0-9._-]{0,127}$`)
)

// Backend is the durable storage behind the registry.
type Backend interface {
	Load(ctx context.Context) ([]model.SessionMeta, error)
	Save(ctx context.Context, meta model.SessionMeta) error
	Delete(ctx context.Context, id string) error
}

// Registry keeps every known SessionMeta in memory and writes through to a
// Backend. Write failures are logged and counted, never returned.
type Registry struct {
	mu      sync.RWMutex
	items   map[string]model.SessionMeta
	backend Backend
	now     func() time.Time
	logger  zerolog.Logger
}

type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func WithLogger(l zerolog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// New loads the backend contents into memory.
func New(ctx context.Context, backend Backend, opts ...Option) (*Registry, error) {
	r := &Registry{
		items:   make(map[string]model.SessionMeta),
		backend: backend,
		now:     time.Now,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}

	metas, err := backend.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}
	for _, m := range metas {
		r.items[m.ID] = m
	}
	r.logger.Info().Int("sessions", len(r.items)).Msg("registry loaded")
	return r, nil
}

// ValidID reports whether id is usable as a session id (it also names a
// credentials directory).
func ValidID(id string) bool {
	return validID.MatchString(id)
}

// Upsert merges patch over the stored record, or over defaults when there is
// none. CreatedAt is set once.
func (r *Registry) Upsert(ctx context.Context, patch model.SessionPatch) (model.SessionMeta, error) {
	if !ValidID(patch.ID) {
		return model.SessionMeta{}, fmt.Errorf("%w: %q", ErrInvalidID, patch.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	meta, ok := r.items[patch.ID]
	if !ok {
		meta = model.SessionMeta{
			ID:        patch.ID,
			Label:     patch.ID,
			AutoStart: true,
			CreatedAt: r.now(),
		}
	}
	if patch.Label != nil && *patch.Label != "" {
		meta.Label = *patch.Label
	}
	if patch.AutoStart != nil {
		meta.AutoStart = *patch.AutoStart
	}
	if patch.WebhookURL != nil {
		meta.WebhookURL = *patch.WebhookURL
	}
	if patch.WebhookSecret != nil {
		meta.WebhookSecret = *patch.WebhookSecret
	}
	if patch.OwnerID != nil {
		meta.OwnerID = *patch.OwnerID
	}
	r.items[meta.ID] = meta

	if err := r.backend.Save(ctx, meta); err != nil {
		metrics.RegistryPersistFailures.Inc()
		r.logger.Error().Err(err).Str("session", meta.ID).Msg("registry persist failed, keeping in-memory record")
	}
	return meta, nil
}

// Remove deletes the record. Removing an unknown id is not an error.
func (r *Registry) Remove(ctx context.Context, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.items[id]; !ok {
		return
	}
	delete(r.items, id)
	if err := r.backend.Delete(ctx, id); err != nil {
		metrics.RegistryPersistFailures.Inc()
		r.logger.Error().Err(err).Str("session", id).Msg("registry delete failed")
	}
}

// List returns a copy of all records ordered by CreatedAt, then id.
func (r *Registry) List() []model.SessionMeta {
	r.mu.RLock()
	out := make([]model.SessionMeta, 0, len(r.items))
	for _, m := range r.items {
		out = append(out, m)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *Registry) Get(id string) (model.SessionMeta, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.items[id]
	return m, ok
}
