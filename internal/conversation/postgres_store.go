package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/prospecting-agent/pkg/logging"
)

type pgxConn interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const (
	selectStateSQL = `SELECT state FROM conversation_states WHERE key = $1`
	lockStateSQL   = `SELECT pg_advisory_xact_lock(hashtext($1))`
	upsertStateSQL = `
		INSERT INTO conversation_states (key, stage, state, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE SET
			stage = EXCLUDED.stage,
			state = EXCLUDED.state,
			updated_at = EXCLUDED.updated_at
	`
)

// PostgresStore keeps one JSONB row per conversation. Patches take a
// transaction-scoped advisory lock on the key, so read-merge-write is atomic
// per key (including first creation) while different keys proceed in parallel.
type PostgresStore struct {
	pool   pgxConn
	tracer trace.Tracer
	logger *logging.Logger
	now    func() time.Time
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore builds a store on a pgx pool (or anything with the same surface).
func NewPostgresStore(pool pgxConn, logger *logging.Logger) *PostgresStore {
	if pool == nil {
		panic("conversation: pgx pool required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &PostgresStore{
		pool:   pool,
		tracer: otel.Tracer("prospecting.internal.conversation.pgstore"),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *PostgresStore) Get(ctx context.Context, key string) (*State, error) {
	ctx, span := s.tracer.Start(ctx, "conversation.state.get", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	state, err := s.scanState(s.pool.QueryRow(ctx, selectStateSQL, key), key)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return state, nil
}

func (s *PostgresStore) Put(ctx context.Context, key string, state State) (*State, error) {
	ctx, span := s.tracer.Start(ctx, "conversation.state.put", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	committed := prepareState(key, state, s.now())
	data, err := json.Marshal(committed)
	if err != nil {
		return nil, fmt.Errorf("conversation: encode state: %w", err)
	}
	if _, err := s.pool.Exec(ctx, upsertStateSQL, key, string(committed.Stage), data, committed.UpdatedAt); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("conversation: upsert state: %w", err)
	}
	return &committed, nil
}

func (s *PostgresStore) Patch(ctx context.Context, key string, patch Patch) (*State, error) {
	ctx, span := s.tracer.Start(ctx, "conversation.state.patch", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("conversation: begin state tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, lockStateSQL, key); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("conversation: lock state: %w", err)
	}
	current, err := s.scanState(tx.QueryRow(ctx, selectStateSQL, key), key)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	next, err := mergePatch(current, key, patch, s.now())
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("conversation: encode state: %w", err)
	}
	if _, err := tx.Exec(ctx, upsertStateSQL, key, string(next.Stage), data, next.UpdatedAt); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("conversation: upsert state: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("conversation: commit state: %w", err)
	}
	return &next, nil
}

func (s *PostgresStore) scanState(row pgx.Row, key string) (*State, error) {
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("conversation: load state: %w", err)
	}
	var state State
	if err := json.Unmarshal(raw, &state); err != nil {
		s.logger.Warn("stored state corrupt; treating as absent", "key", key, "error", err)
		return nil, nil
	}
	if state.Timestamps == nil {
		state.Timestamps = map[string]time.Time{}
	}
	return &state, nil
}
