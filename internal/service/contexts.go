package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
)

// errNoStoredContext normalizes "not found" across backends.
var errNoStoredContext = errors.New("no stored context")

// contextStore abstracts identity context persistence so the service works
// the same over Postgres and the in-memory store used in RULES_DIR mode.
type contextStore interface {
	upsertContext(ctx context.Context, identityType, identityID string, properties json.RawMessage) error
	getContext(ctx context.Context, identityType, identityID string) (json.RawMessage, error)
	deleteContext(ctx context.Context, identityType, identityID string) error
}

type storeContexts struct {
	store Store
}

func (s storeContexts) upsertContext(ctx context.Context, identityType, identityID string, properties json.RawMessage) error {
	_, err := s.store.UpsertContext(ctx, identityType, identityID, properties)
	return err
}

func (s storeContexts) getContext(ctx context.Context, identityType, identityID string) (json.RawMessage, error) {
	stored, err := s.store.GetContext(ctx, identityType, identityID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errNoStoredContext
		}
		return nil, err
	}
	return stored.Properties, nil
}

func (s storeContexts) deleteContext(ctx context.Context, identityType, identityID string) error {
	if err := s.store.DeleteContext(ctx, identityType, identityID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return errNoStoredContext
		}
		return err
	}
	return nil
}

// memoryContexts keeps identity contexts in process memory. Writes merge
// properties the same way the Postgres store does with jsonb concatenation.
type memoryContexts struct {
	mu    sync.RWMutex
	items map[string]map[string]any
}

func newMemoryContexts() *memoryContexts {
	return &memoryContexts{items: make(map[string]map[string]any)}
}

func contextKey(identityType, identityID string) string {
	return strings.ToLower(identityType) + "\x00" + identityID
}

func (m *memoryContexts) upsertContext(_ context.Context, identityType, identityID string, properties json.RawMessage) error {
	var decoded map[string]any
	if err := json.Unmarshal(properties, &decoded); err != nil {
		return err
	}

	key := contextKey(identityType, identityID)

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.items[key]
	if !ok {
		existing = make(map[string]any, len(decoded))
		m.items[key] = existing
	}
	for name, value := range decoded {
		existing[name] = value
	}
	return nil
}

func (m *memoryContexts) getContext(_ context.Context, identityType, identityID string) (json.RawMessage, error) {
	m.mu.RLock()
	props, ok := m.items[contextKey(identityType, identityID)]
	m.mu.RUnlock()

	if !ok {
		return nil, errNoStoredContext
	}
	return json.Marshal(props)
}

func (m *memoryContexts) deleteContext(_ context.Context, identityType, identityID string) error {
	key := contextKey(identityType, identityID)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.items[key]; !ok {
		return errNoStoredContext
	}
	delete(m.items, key)
	return nil
}
