// Package working implements the working tier: a fast associative cache of
// the most recent conversation records per namespace, backed by Redis.
//
// Each record lives at working:{namespace}:{conversation_id} with a 7-day
// TTL; a per-namespace sorted set ordered by timestamp acts as the ring
// index, trimmed to the configured size on every write. Search embeds the
// query and ranks the cached records by cosine similarity in process.
package working

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vesper-ai/vesper/internal/embedding"
	"github.com/vesper-ai/vesper/internal/model"
)

// ErrUnavailable indicates the Redis backend is down.
var ErrUnavailable = errors.New("working: unavailable")

const namespacesKey = "working:namespaces"

// Tier is the working-tier store.
type Tier struct {
	rdb      *redis.Client
	embedder embedding.Client
	ringSize int
	ttl      time.Duration
	logger   *slog.Logger
}

// Config tunes the tier's ring size and record expiry.
type Config struct {
	URL      string // redis URL, e.g. "redis://localhost:6379/0"
	RingSize int
	TTL      time.Duration
}

// New connects to Redis and returns a Tier.
func New(cfg Config, embedder embedding.Client, logger *slog.Logger) (*Tier, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("working: parse redis URL: %w", err)
	}
	if cfg.RingSize <= 0 {
		cfg.RingSize = 5
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 7 * 24 * time.Hour
	}
	return &Tier{
		rdb:      redis.NewClient(opts),
		embedder: embedder,
		ringSize: cfg.RingSize,
		ttl:      cfg.TTL,
		logger:   logger,
	}, nil
}

// NewWithClient wraps an existing Redis client; used by tests with miniredis.
func NewWithClient(rdb *redis.Client, embedder embedding.Client, ringSize int, ttl time.Duration, logger *slog.Logger) *Tier {
	return &Tier{rdb: rdb, embedder: embedder, ringSize: ringSize, ttl: ttl, logger: logger}
}

func recordKey(namespace, id string) string {
	return fmt.Sprintf("working:%s:%s", namespace, id)
}

func indexKey(namespace string) string {
	return fmt.Sprintf("working:%s:index", namespace)
}

// Store inserts a conversation record and enforces both the ring size and
// the TTL cap. The write is atomic per record: once Store returns, the
// record is readable by Recent and Search.
func (t *Tier) Store(ctx context.Context, conv model.Conversation) error {
	if conv.Namespace == "" {
		conv.Namespace = model.DefaultNamespace
	}
	if conv.Timestamp.IsZero() {
		conv.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("working: marshal record: %w", err)
	}

	key := recordKey(conv.Namespace, conv.ConversationID)
	idx := indexKey(conv.Namespace)

	pipe := t.rdb.TxPipeline()
	pipe.Set(ctx, key, data, t.ttl)
	pipe.ZAdd(ctx, idx, redis.Z{Score: float64(conv.Timestamp.UnixNano()), Member: conv.ConversationID})
	pipe.Expire(ctx, idx, t.ttl)
	pipe.SAdd(ctx, namespacesKey, conv.Namespace)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: store record: %v", ErrUnavailable, err)
	}

	// Evict the oldest entries beyond the ring size.
	evicted, err := t.rdb.ZRange(ctx, idx, 0, int64(-t.ringSize-1)).Result()
	if err != nil {
		return fmt.Errorf("%w: trim ring: %v", ErrUnavailable, err)
	}
	if len(evicted) > 0 {
		keys := make([]string, len(evicted))
		members := make([]any, len(evicted))
		for i, id := range evicted {
			keys[i] = recordKey(conv.Namespace, id)
			members[i] = id
		}
		pipe := t.rdb.TxPipeline()
		pipe.Del(ctx, keys...)
		pipe.ZRem(ctx, idx, members...)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("%w: evict old records: %v", ErrUnavailable, err)
		}
	}

	return nil
}

// Recent returns up to k records, newest first.
func (t *Tier) Recent(ctx context.Context, namespace string, k int) ([]model.Conversation, error) {
	if namespace == "" {
		namespace = model.DefaultNamespace
	}
	if k <= 0 {
		k = t.ringSize
	}

	ids, err := t.rdb.ZRevRange(ctx, indexKey(namespace), 0, int64(k-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: read ring index: %v", ErrUnavailable, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	out := make([]model.Conversation, 0, len(ids))
	for _, id := range ids {
		data, err := t.rdb.Get(ctx, recordKey(namespace, id)).Bytes()
		if errors.Is(err, redis.Nil) {
			// Record expired under its index entry; drop the stale entry.
			_ = t.rdb.ZRem(ctx, indexKey(namespace), id).Err()
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: read record %s: %v", ErrUnavailable, id, err)
		}
		var conv model.Conversation
		if err := json.Unmarshal(data, &conv); err != nil {
			t.logger.Warn("working: corrupt record dropped", "id", id, "error", err)
			continue
		}
		out = append(out, conv)
	}
	return out, nil
}

// Search embeds the query and returns the top-k cached records ranked by
// cosine similarity, descending. An empty cache yields an empty result.
func (t *Tier) Search(ctx context.Context, namespace, query string, k int) ([]model.ScoredConversation, error) {
	records, err := t.Recent(ctx, namespace, t.ringSize)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	queryVec, err := t.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("working: embed query: %w", err)
	}

	scored := make([]model.ScoredConversation, 0, len(records))
	for _, rec := range records {
		if len(rec.Embedding) == 0 {
			continue
		}
		scored = append(scored, model.ScoredConversation{
			Conversation: rec,
			Similarity:   model.Cosine(queryVec, rec.Embedding),
		})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Similarity > scored[j].Similarity
	})
	if k > 0 && len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

// Delete removes one record from the ring.
func (t *Tier) Delete(ctx context.Context, namespace, id string) error {
	if namespace == "" {
		namespace = model.DefaultNamespace
	}
	pipe := t.rdb.TxPipeline()
	pipe.Del(ctx, recordKey(namespace, id))
	pipe.ZRem(ctx, indexKey(namespace), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: delete record: %v", ErrUnavailable, err)
	}
	return nil
}

// Clear drops every record in the namespace. Called after a successful
// consolidation pass.
func (t *Tier) Clear(ctx context.Context, namespace string) error {
	if namespace == "" {
		namespace = model.DefaultNamespace
	}
	idx := indexKey(namespace)
	ids, err := t.rdb.ZRange(ctx, idx, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("%w: list ring: %v", ErrUnavailable, err)
	}

	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, recordKey(namespace, id))
	}
	keys = append(keys, idx)
	if err := t.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("%w: clear namespace: %v", ErrUnavailable, err)
	}
	return nil
}

// Namespaces lists every namespace that has ever stored a record.
func (t *Tier) Namespaces(ctx context.Context) ([]string, error) {
	names, err := t.rdb.SMembers(ctx, namespacesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: list namespaces: %v", ErrUnavailable, err)
	}
	sort.Strings(names)
	return names, nil
}

// Count returns the number of live records in the namespace's ring.
func (t *Tier) Count(ctx context.Context, namespace string) (int, error) {
	if namespace == "" {
		namespace = model.DefaultNamespace
	}
	n, err := t.rdb.ZCard(ctx, indexKey(namespace)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: count ring: %v", ErrUnavailable, err)
	}
	return int(n), nil
}

// Healthy pings the Redis backend.
func (t *Tier) Healthy(ctx context.Context) error {
	if err := t.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Close releases the Redis connection.
func (t *Tier) Close() error {
	return t.rdb.Close()
}
