// Package repository provides PostgreSQL-backed persistence for rule
// definitions and identity contexts. It also handles LISTEN/NOTIFY-based
// cache invalidation so the service layer stays fresh without polling the
// database into submission.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultNotifyChannel = "rule_events"

// RuleDefinition is the repository-level representation of a rule definition
// row. Rules holds the ordered rule list verbatim as stored; parsing and
// validation happen in the service layer.
type RuleDefinition struct {
	Path      string          `json:"path"`
	Rules     json.RawMessage `json:"rules"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// IdentityContext is a stored set of properties for one identity.
type IdentityContext struct {
	IdentityType string          `json:"identity_type"`
	IdentityID   string          `json:"identity_id"`
	Properties   json.RawMessage `json:"properties"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// RuleEvent describes a change to a rule definition, carried on the
// LISTEN/NOTIFY channel to invalidate caches.
type RuleEvent struct {
	Path      string `json:"path"`
	EventType string `json:"event_type"`
}

// PostgresRepository implements rule definition and identity context
// persistence backed by a pgxpool connection pool. It also supports
// LISTEN/NOTIFY for real-time cache invalidation.
type PostgresRepository struct {
	pool          *pgxpool.Pool
	notifyChannel string
}

// NewPostgresRepository creates a [PostgresRepository] using the default
// "rule_events" notification channel.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return NewPostgresRepositoryWithChannel(pool, defaultNotifyChannel)
}

// NewPostgresRepositoryWithChannel creates a [PostgresRepository] using the
// specified LISTEN/NOTIFY channel name for rule change notifications.
func NewPostgresRepositoryWithChannel(pool *pgxpool.Pool, notifyChannel string) *PostgresRepository {
	return &PostgresRepository{
		pool:          pool,
		notifyChannel: normalizeNotifyChannel(notifyChannel),
	}
}

// UpsertRuleDefinition inserts or replaces the rule definition at path and
// sends a PostgreSQL NOTIFY on the configured channel within a single
// transaction. It returns the stored record with server-generated timestamps.
func (r *PostgresRepository) UpsertRuleDefinition(ctx context.Context, path string, rules json.RawMessage) (RuleDefinition, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return RuleDefinition{}, fmt.Errorf("begin upsert rule tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var stored RuleDefinition
	if err := tx.QueryRow(ctx, `
		INSERT INTO rule_definitions (path, rules)
		VALUES ($1, $2)
		ON CONFLICT (path) DO UPDATE
		SET rules = EXCLUDED.rules,
		    updated_at = NOW()
		RETURNING path, rules, created_at, updated_at
	`, path, ensureJSON(rules, "[]")).Scan(
		&stored.Path,
		&stored.Rules,
		&stored.CreatedAt,
		&stored.UpdatedAt,
	); err != nil {
		return RuleDefinition{}, fmt.Errorf("upsert rule definition: %w", err)
	}

	if err := notifyRuleEvent(ctx, tx, r.notifyChannel, RuleEvent{Path: path, EventType: "upsert"}); err != nil {
		return RuleDefinition{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return RuleDefinition{}, fmt.Errorf("commit upsert rule tx: %w", err)
	}

	return stored, nil
}

// GetRuleDefinition retrieves a single rule definition by path. Returns
// pgx.ErrNoRows (wrapped) if not found.
func (r *PostgresRepository) GetRuleDefinition(ctx context.Context, path string) (RuleDefinition, error) {
	var def RuleDefinition
	err := r.pool.QueryRow(ctx, `
		SELECT path, rules, created_at, updated_at
		FROM rule_definitions
		WHERE path = $1
	`, path).Scan(
		&def.Path,
		&def.Rules,
		&def.CreatedAt,
		&def.UpdatedAt,
	)
	if err != nil {
		return RuleDefinition{}, fmt.Errorf("get rule definition: %w", err)
	}

	return def, nil
}

// ListRuleDefinitions returns all rule definitions ordered by path.
func (r *PostgresRepository) ListRuleDefinitions(ctx context.Context) ([]RuleDefinition, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT path, rules, created_at, updated_at
		FROM rule_definitions
		ORDER BY path
	`)
	if err != nil {
		return nil, fmt.Errorf("list rule definitions: %w", err)
	}
	defer rows.Close()

	defs := make([]RuleDefinition, 0)
	for rows.Next() {
		var def RuleDefinition
		if err := rows.Scan(
			&def.Path,
			&def.Rules,
			&def.CreatedAt,
			&def.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan rule definition: %w", err)
		}

		defs = append(defs, def)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list rule definitions rows: %w", err)
	}

	return defs, nil
}

// DeleteRuleDefinition removes the rule definition at path and sends a NOTIFY
// within the same transaction. Returns pgx.ErrNoRows (wrapped) if the path
// does not exist.
func (r *PostgresRepository) DeleteRuleDefinition(ctx context.Context, path string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin delete rule tx: %w", err)
	}
	defer tx.Rollback(ctx)

	commandTag, err := tx.Exec(ctx, `DELETE FROM rule_definitions WHERE path = $1`, path)
	if err != nil {
		return fmt.Errorf("delete rule definition: %w", err)
	}
	if err := deleteRuleNoRows(commandTag); err != nil {
		return err
	}

	if err := notifyRuleEvent(ctx, tx, r.notifyChannel, RuleEvent{Path: path, EventType: "delete"}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit delete rule tx: %w", err)
	}

	return nil
}

// UpsertContext merges the given properties into the stored context for an
// identity. Existing properties not named in the update are preserved.
func (r *PostgresRepository) UpsertContext(ctx context.Context, identityType, identityID string, properties json.RawMessage) (IdentityContext, error) {
	var stored IdentityContext
	err := r.pool.QueryRow(ctx, `
		INSERT INTO identity_contexts (identity_type, identity_id, properties)
		VALUES ($1, $2, $3)
		ON CONFLICT (identity_type, identity_id) DO UPDATE
		SET properties = identity_contexts.properties || EXCLUDED.properties,
		    updated_at = NOW()
		RETURNING identity_type, identity_id, properties, updated_at
	`, identityType, identityID, ensureJSON(properties, "{}")).Scan(
		&stored.IdentityType,
		&stored.IdentityID,
		&stored.Properties,
		&stored.UpdatedAt,
	)
	if err != nil {
		return IdentityContext{}, fmt.Errorf("upsert context: %w", err)
	}

	return stored, nil
}

// GetContext retrieves the stored context for an identity. Returns
// pgx.ErrNoRows (wrapped) if none exists.
func (r *PostgresRepository) GetContext(ctx context.Context, identityType, identityID string) (IdentityContext, error) {
	var ic IdentityContext
	err := r.pool.QueryRow(ctx, `
		SELECT identity_type, identity_id, properties, updated_at
		FROM identity_contexts
		WHERE identity_type = $1 AND identity_id = $2
	`, identityType, identityID).Scan(
		&ic.IdentityType,
		&ic.IdentityID,
		&ic.Properties,
		&ic.UpdatedAt,
	)
	if err != nil {
		return IdentityContext{}, fmt.Errorf("get context: %w", err)
	}

	return ic, nil
}

// DeleteContext removes the stored context for an identity. Returns
// pgx.ErrNoRows (wrapped) if none exists.
func (r *PostgresRepository) DeleteContext(ctx context.Context, identityType, identityID string) error {
	commandTag, err := r.pool.Exec(ctx, `
		DELETE FROM identity_contexts
		WHERE identity_type = $1 AND identity_id = $2
	`, identityType, identityID)
	if err != nil {
		return fmt.Errorf("delete context: %w", err)
	}
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("delete context: %w", pgx.ErrNoRows)
	}
	return nil
}

// SubscribeRuleInvalidation returns a channel that receives a signal whenever
// a rule change notification arrives on the PostgreSQL LISTEN channel. The
// channel is closed when the context is cancelled.
func (r *PostgresRepository) SubscribeRuleInvalidation(ctx context.Context) (<-chan struct{}, error) {
	invalidations := make(chan struct{}, 1)

	go r.runRuleInvalidationListener(ctx, invalidations)

	return invalidations, nil
}

func (r *PostgresRepository) runRuleInvalidationListener(ctx context.Context, invalidations chan<- struct{}) {
	defer close(invalidations)

	for {
		err := r.listenForRuleInvalidation(ctx, invalidations)
		if err == nil || ctx.Err() != nil {
			return
		}

		retryTimer := time.NewTimer(time.Second)
		select {
		case <-ctx.Done():
			retryTimer.Stop()
			return
		case <-retryTimer.C:
		}
	}
}

func (r *PostgresRepository) listenForRuleInvalidation(ctx context.Context, invalidations chan<- struct{}) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, listenStatement(r.notifyChannel)); err != nil {
		return fmt.Errorf("listen on %q: %w", r.notifyChannel, err)
	}

	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			return fmt.Errorf("wait for rule event notification: %w", err)
		}

		select {
		case invalidations <- struct{}{}:
		default:
		}
	}
}

func notifyRuleEvent(ctx context.Context, tx pgx.Tx, channel string, event RuleEvent) error {
	payload, err := marshalNotifyPayload(event)
	if err != nil {
		return fmt.Errorf("marshal notify payload: %w", err)
	}

	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, channel, payload); err != nil {
		return fmt.Errorf("notify rule event: %w", err)
	}

	return nil
}

func deleteRuleNoRows(commandTag pgconn.CommandTag) error {
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("delete rule definition: %w", pgx.ErrNoRows)
	}

	return nil
}

func normalizeNotifyChannel(channel string) string {
	if trimmed := strings.TrimSpace(channel); trimmed != "" {
		return trimmed
	}

	return defaultNotifyChannel
}

func ensureJSON(input json.RawMessage, fallback string) json.RawMessage {
	if len(input) == 0 {
		return json.RawMessage(fallback)
	}

	return input
}

func listenStatement(channel string) string {
	return fmt.Sprintf("LISTEN %s", pgx.Identifier{channel}.Sanitize())
}

func marshalNotifyPayload(event RuleEvent) (string, error) {
	serialized, err := json.Marshal(event)
	if err != nil {
		return "", err
	}

	return string(serialized), nil
}
