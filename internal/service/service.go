// Package service caches rule definitions, keeps them fresh via invalidation
// signals, and exposes calculation and authoring operations to the transport
// layer.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/confplane/confplane/internal/core"
	"github.com/confplane/confplane/internal/metrics"
	"github.com/confplane/confplane/internal/repository"
)

const (
	defaultResyncInterval = time.Minute
	cacheReloadTimeout    = 5 * time.Second
)

var (
	ErrRuleNotFound    = errors.New("rule definition not found")
	ErrContextNotFound = errors.New("context not found")
	ErrInvalidRules    = errors.New("invalid rules")
	ErrReadOnlyRules   = errors.New("rule source is read-only")
)

// Store is the persistence interface the service needs for rule definitions
// and identity contexts. *repository.PostgresRepository satisfies it.
type Store interface {
	UpsertRuleDefinition(ctx context.Context, path string, rules json.RawMessage) (repository.RuleDefinition, error)
	GetRuleDefinition(ctx context.Context, path string) (repository.RuleDefinition, error)
	ListRuleDefinitions(ctx context.Context) ([]repository.RuleDefinition, error)
	DeleteRuleDefinition(ctx context.Context, path string) error
	UpsertContext(ctx context.Context, identityType, identityID string, properties json.RawMessage) (repository.IdentityContext, error)
	GetContext(ctx context.Context, identityType, identityID string) (repository.IdentityContext, error)
	DeleteContext(ctx context.Context, identityType, identityID string) error
}

// FileLoader is the read-only rule source used in RULES_DIR mode.
// *rulesource.FileSource satisfies it.
type FileLoader interface {
	Load() (map[string]json.RawMessage, error)
}

type cacheInvalidationSubscriber interface {
	SubscribeRuleInvalidation(ctx context.Context) (<-chan struct{}, error)
}

// Options tunes optional service behavior.
type Options struct {
	ResyncInterval time.Duration
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
}

// Service holds the in-memory rule snapshot and answers calculations
// against it.
type Service struct {
	store    Store
	files    FileLoader
	contexts contextStore
	metrics  *metrics.Metrics
	logger   *slog.Logger

	resyncInterval time.Duration

	mu   sync.RWMutex
	calc *core.Calculator
	raw  map[string]json.RawMessage
}

// New creates a store-backed service. The rule cache is loaded eagerly; if
// the store supports invalidation subscriptions the cache is kept fresh via
// notifications plus a periodic resync.
func New(ctx context.Context, store Store, opts Options) (*Service, error) {
	if store == nil {
		return nil, errors.New("store is nil")
	}

	svc := newService(opts)
	svc.store = store
	svc.contexts = storeContexts{store}

	if err := svc.LoadCache(ctx); err != nil {
		return nil, err
	}
	if subscriber, ok := store.(cacheInvalidationSubscriber); ok {
		if err := svc.startCacheInvalidationListener(ctx, subscriber); err != nil {
			return nil, err
		}
	}

	return svc, nil
}

// NewFromFiles creates a file-backed, read-only service. Identity contexts
// live in memory only. Callers wire the file watcher to [Service.Reload].
func NewFromFiles(ctx context.Context, files FileLoader, opts Options) (*Service, error) {
	if files == nil {
		return nil, errors.New("file loader is nil")
	}

	svc := newService(opts)
	svc.files = files
	svc.contexts = newMemoryContexts()

	if err := svc.LoadCache(ctx); err != nil {
		return nil, err
	}

	return svc, nil
}

func newService(opts Options) *Service {
	resync := opts.ResyncInterval
	if resync <= 0 {
		resync = defaultResyncInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		metrics:        opts.Metrics,
		logger:         logger,
		resyncInterval: resync,
		raw:            make(map[string]json.RawMessage),
	}
}

// LoadCache replaces the rule snapshot with a fresh read from the source.
// Definitions that fail to parse are skipped with a warning so one bad rule
// cannot take down the whole snapshot.
func (s *Service) LoadCache(ctx context.Context) error {
	rawDefs, err := s.loadRawDefinitions(ctx)
	if err != nil {
		return err
	}

	parsed := make(map[string]*core.RuleDefinition, len(rawDefs))
	for path, rules := range rawDefs {
		def, err := core.ParseRuleDefinition(path, rules)
		if err != nil {
			s.logger.Warn("skipping malformed rule definition",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			delete(rawDefs, path)
			continue
		}
		parsed[path] = def
	}

	calc := core.NewCalculator(parsed, nil)

	s.mu.Lock()
	s.calc = calc
	s.raw = rawDefs
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.IncCacheLoads()
		s.metrics.SetRuleCacheSize(float64(len(parsed)))
	}

	return nil
}

func (s *Service) loadRawDefinitions(ctx context.Context) (map[string]json.RawMessage, error) {
	if s.files != nil {
		defs, err := s.files.Load()
		if err != nil {
			return nil, fmt.Errorf("load rule files: %w", err)
		}
		return defs, nil
	}

	stored, err := s.store.ListRuleDefinitions(ctx)
	if err != nil {
		return nil, fmt.Errorf("load rule definitions: %w", err)
	}

	defs := make(map[string]json.RawMessage, len(stored))
	for _, def := range stored {
		defs[def.Path] = def.Rules
	}
	return defs, nil
}

// Reload refreshes the snapshot with a bounded timeout, logging failures
// instead of propagating them. Used by invalidation signals and watchers.
func (s *Service) Reload(ctx context.Context) {
	reloadCtx, cancel := context.WithTimeout(ctx, cacheReloadTimeout)
	defer cancel()
	if err := s.LoadCache(reloadCtx); err != nil {
		s.logger.Error("rule cache reload failed", slog.String("error", err.Error()))
	}
}

// Calculate resolves the requested paths for the given identities. Query
// paths are normalized the same way write paths are, and results are keyed
// by the normalized form. Stored contexts are loaded per identity and
// request attributes are layered on top of them.
func (s *Service) Calculate(ctx context.Context, paths []string, identities []core.Identity, attributes map[core.Identity]map[string]any) (core.Result, error) {
	start := time.Now()

	queries := make([]string, len(paths))
	for i, path := range paths {
		queries[i] = normalizePath(path)
	}

	merged, err := s.mergeStoredContexts(ctx, identities, attributes)
	if err != nil {
		s.recordCalculation("error", start)
		return nil, err
	}

	s.mu.RLock()
	calc := s.calc
	s.mu.RUnlock()

	result, err := calc.Calculate(queries, identities, merged, time.Now().UTC())
	if err != nil {
		var cycleErr *core.CycleError
		if errors.As(err, &cycleErr) {
			s.recordCalculation("cycle", start)
		} else {
			s.recordCalculation("error", start)
		}
		return nil, err
	}

	s.recordCalculation("ok", start)
	return result, nil
}

func (s *Service) mergeStoredContexts(ctx context.Context, identities []core.Identity, attributes map[core.Identity]map[string]any) (map[core.Identity]map[string]any, error) {
	merged := make(map[core.Identity]map[string]any, len(identities))
	for _, identity := range identities {
		props := make(map[string]any)

		stored, err := s.contexts.getContext(ctx, identity.Type, identity.ID)
		switch {
		case err == nil:
			if err := json.Unmarshal(stored, &props); err != nil {
				return nil, fmt.Errorf("decode stored context for %s/%s: %w", identity.Type, identity.ID, err)
			}
		case errors.Is(err, errNoStoredContext):
		default:
			return nil, fmt.Errorf("load context for %s/%s: %w", identity.Type, identity.ID, err)
		}

		for name, value := range attributes[identity] {
			props[name] = value
		}
		merged[identity] = props
	}

	return merged, nil
}

func (s *Service) recordCalculation(outcome string, start time.Time) {
	if s.metrics != nil {
		s.metrics.RecordCalculation(outcome, time.Since(start))
	}
}

// UpsertRuleDefinition validates and persists the rule list for a path.
// Rules without an Id are assigned one. Returns the stored record.
func (s *Service) UpsertRuleDefinition(ctx context.Context, path string, rules json.RawMessage) (repository.RuleDefinition, error) {
	if s.store == nil {
		return repository.RuleDefinition{}, ErrReadOnlyRules
	}
	path = normalizePath(path)
	if path == "" {
		return repository.RuleDefinition{}, errors.New("path is required")
	}

	normalized, err := assignRuleIDs(rules)
	if err != nil {
		return repository.RuleDefinition{}, fmt.Errorf("%w: %v", ErrInvalidRules, err)
	}
	if _, err := core.ParseRuleDefinition(path, normalized); err != nil {
		return repository.RuleDefinition{}, fmt.Errorf("%w: %v", ErrInvalidRules, err)
	}

	stored, err := s.store.UpsertRuleDefinition(ctx, path, normalized)
	if err != nil {
		return repository.RuleDefinition{}, fmt.Errorf("upsert rule definition: %w", err)
	}

	// The NOTIFY listener also reloads, but updating eagerly keeps reads
	// on this instance coherent with the write.
	s.Reload(ctx)

	return stored, nil
}

// GetRuleDefinition returns the stored rule list for a path from the cache.
func (s *Service) GetRuleDefinition(_ context.Context, path string) (json.RawMessage, error) {
	path = normalizePath(path)

	s.mu.RLock()
	rules, ok := s.raw[path]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrRuleNotFound
	}
	return rules, nil
}

// ListRuleDefinitions returns all cached definitions sorted by path.
func (s *Service) ListRuleDefinitions(_ context.Context) map[string]json.RawMessage {
	s.mu.RLock()
	defs := make(map[string]json.RawMessage, len(s.raw))
	for path, rules := range s.raw {
		defs[path] = rules
	}
	s.mu.RUnlock()

	return defs
}

// KnownPaths returns every cached configuration path, sorted.
func (s *Service) KnownPaths(_ context.Context) []string {
	s.mu.RLock()
	paths := make([]string, 0, len(s.raw))
	for path := range s.raw {
		paths = append(paths, path)
	}
	s.mu.RUnlock()

	sort.Strings(paths)
	return paths
}

// DeleteRuleDefinition removes the definition at path.
func (s *Service) DeleteRuleDefinition(ctx context.Context, path string) error {
	if s.store == nil {
		return ErrReadOnlyRules
	}
	path = normalizePath(path)

	if err := s.store.DeleteRuleDefinition(ctx, path); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrRuleNotFound
		}
		return fmt.Errorf("delete rule definition: %w", err)
	}

	s.Reload(ctx)
	return nil
}

// UpsertContext merges properties into the stored context for an identity.
func (s *Service) UpsertContext(ctx context.Context, identityType, identityID string, properties json.RawMessage) error {
	identityType = strings.TrimSpace(identityType)
	identityID = strings.TrimSpace(identityID)
	if identityType == "" || identityID == "" {
		return errors.New("identity type and id are required")
	}

	var decoded map[string]any
	if err := json.Unmarshal(ensureObject(properties), &decoded); err != nil {
		return fmt.Errorf("invalid context properties: %w", err)
	}

	return s.contexts.upsertContext(ctx, identityType, identityID, ensureObject(properties))
}

// GetContext returns the stored properties for an identity.
func (s *Service) GetContext(ctx context.Context, identityType, identityID string) (json.RawMessage, error) {
	props, err := s.contexts.getContext(ctx, identityType, identityID)
	if err != nil {
		if errors.Is(err, errNoStoredContext) {
			return nil, ErrContextNotFound
		}
		return nil, fmt.Errorf("get context: %w", err)
	}
	return props, nil
}

// DeleteContext removes the stored context for an identity.
func (s *Service) DeleteContext(ctx context.Context, identityType, identityID string) error {
	if err := s.contexts.deleteContext(ctx, identityType, identityID); err != nil {
		if errors.Is(err, errNoStoredContext) {
			return ErrContextNotFound
		}
		return fmt.Errorf("delete context: %w", err)
	}
	return nil
}

func (s *Service) startCacheInvalidationListener(ctx context.Context, subscriber cacheInvalidationSubscriber) error {
	invalidations, err := subscriber.SubscribeRuleInvalidation(ctx)
	if err != nil {
		return fmt.Errorf("subscribe cache invalidation: %w", err)
	}

	go func() {
		resyncTicker := time.NewTicker(s.resyncInterval)
		defer resyncTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-resyncTicker.C:
				if invalidations == nil {
					next, err := subscriber.SubscribeRuleInvalidation(ctx)
					if err == nil {
						invalidations = next
					}
				}
				s.Reload(ctx)
			case _, ok := <-invalidations:
				if !ok {
					next, err := subscriber.SubscribeRuleInvalidation(ctx)
					if err != nil {
						invalidations = nil
						continue
					}
					invalidations = next
					continue
				}
				if s.metrics != nil {
					s.metrics.IncCacheInvalidations()
				}
				s.Reload(ctx)
			}
		}
	}()

	return nil
}

func normalizePath(path string) string {
	return strings.ToLower(strings.Trim(strings.TrimSpace(path), "/"))
}

// assignRuleIDs fills in a generated Id for any rule that lacks one,
// preserving the rest of the rule objects verbatim.
func assignRuleIDs(rules json.RawMessage) (json.RawMessage, error) {
	if len(rules) == 0 {
		return json.RawMessage("[]"), nil
	}

	var records []map[string]any
	if err := json.Unmarshal(rules, &records); err != nil {
		return nil, err
	}

	changed := false
	for _, record := range records {
		if id, ok := record["Id"].(string); ok && strings.TrimSpace(id) != "" {
			continue
		}
		record["Id"] = uuid.NewString()
		changed = true
	}

	if !changed {
		return rules, nil
	}
	return json.Marshal(records)
}

func ensureObject(payload json.RawMessage) json.RawMessage {
	if len(payload) == 0 {
		return json.RawMessage("{}")
	}
	return payload
}
