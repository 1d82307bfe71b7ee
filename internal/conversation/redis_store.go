package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/prospecting-agent/pkg/logging"
)

const (
	stateKeyPrefix        = "prospect:state:"
	defaultRedisTxRetries = 8
)

// ErrStoreContention is returned when an optimistic update keeps losing races.
var ErrStoreContention = errors.New("conversation: state update contention")

// RedisStore keeps one JSON document per conversation key. Patches run inside
// WATCH/MULTI so a concurrent writer to the same key forces a retry instead of
// a lost update; different keys never contend.
type RedisStore struct {
	client  *redis.Client
	tracer  trace.Tracer
	logger  *logging.Logger
	retries int
	now     func() time.Time
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore builds a Redis-backed state store.
func NewRedisStore(client *redis.Client, logger *logging.Logger) *RedisStore {
	if client == nil {
		panic("conversation: redis client cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &RedisStore{
		client:  client,
		tracer:  otel.Tracer("prospecting.internal.conversation.redisstore"),
		logger:  logger,
		retries: defaultRedisTxRetries,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *RedisStore) Get(ctx context.Context, key string) (*State, error) {
	ctx, span := s.tracer.Start(ctx, "conversation.state.get", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	state, err := s.read(ctx, s.client, key)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return state, nil
}

func (s *RedisStore) Put(ctx context.Context, key string, state State) (*State, error) {
	ctx, span := s.tracer.Start(ctx, "conversation.state.put", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	committed := prepareState(key, state, s.now())
	data, err := json.Marshal(committed)
	if err != nil {
		return nil, fmt.Errorf("conversation: encode state: %w", err)
	}
	if err := s.client.Set(ctx, stateKey(key), data, 0).Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("conversation: persist state: %w", err)
	}
	return &committed, nil
}

func (s *RedisStore) Patch(ctx context.Context, key string, patch Patch) (*State, error) {
	ctx, span := s.tracer.Start(ctx, "conversation.state.patch", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	redisKey := stateKey(key)
	var committed State
	txf := func(tx *redis.Tx) error {
		current, err := s.read(ctx, tx, key)
		if err != nil {
			return err
		}
		next, err := mergePatch(current, key, patch, s.now())
		if err != nil {
			return err
		}
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("conversation: encode state: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, redisKey, data, 0)
			return nil
		})
		if err == nil {
			committed = next
		}
		return err
	}

	for attempt := 0; attempt < s.retries; attempt++ {
		err := s.client.Watch(ctx, txf, redisKey)
		if err == nil {
			return &committed, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		span.RecordError(err)
		return nil, err
	}
	span.RecordError(ErrStoreContention)
	return nil, fmt.Errorf("%w: key %s", ErrStoreContention, key)
}

func (s *RedisStore) read(ctx context.Context, cmd stringGetter, key string) (*State, error) {
	data, err := cmd.Get(ctx, stateKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("conversation: load state: %w", err)
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		s.logger.Warn("stored state corrupt; treating as absent", "key", key, "error", err)
		return nil, nil
	}
	if state.Timestamps == nil {
		state.Timestamps = map[string]time.Time{}
	}
	return &state, nil
}

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func stateKey(key string) string {
	return stateKeyPrefix + key
}
