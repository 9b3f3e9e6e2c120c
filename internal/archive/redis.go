package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	runKeyPrefix = "baran:run:"
	recentKey    = "baran:runs:recent"
)

// RedisConfig configures the Redis-backed store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// TTL bounds how long a run record lives; 0 means the default week.
	TTL time.Duration

	// RecentLimit caps the recent-runs index; 0 means 100.
	RecentLimit int
}

// RedisStore keeps each run as a JSON value with a TTL plus a trimmed list
// of recent workflow ids for ListRecent.
type RedisStore struct {
	client      *redis.Client
	logger      *zap.Logger
	ttl         time.Duration
	recentLimit int
}

// NewRedisStore connects and verifies the server is reachable.
func NewRedisStore(cfg RedisConfig, logger *zap.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 7 * 24 * time.Hour
	}
	if cfg.RecentLimit <= 0 {
		cfg.RecentLimit = 100
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("archive: connect redis at %s: %w", cfg.Addr, err)
	}

	logger.Info("Run archive using Redis",
		zap.String("addr", cfg.Addr),
		zap.Duration("ttl", cfg.TTL),
	)
	return &RedisStore{
		client:      client,
		logger:      logger.Named("archive"),
		ttl:         cfg.TTL,
		recentLimit: cfg.RecentLimit,
	}, nil
}

// newRedisStoreWithClient is the test seam; miniredis hands us a client.
func newRedisStoreWithClient(client *redis.Client, ttl time.Duration, recentLimit int, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{client: client, logger: logger.Named("archive"), ttl: ttl, recentLimit: recentLimit}
}

func runKey(workflowID string) string { return runKeyPrefix + workflowID }

// SaveRun writes the record and pushes its id onto the recent index in one
// pipeline.
func (s *RedisStore) SaveRun(ctx context.Context, rec RunRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("archive: marshal run %s: %w", rec.WorkflowID, err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, runKey(rec.WorkflowID), data, s.ttl)
		pipe.LPush(ctx, recentKey, rec.WorkflowID)
		pipe.LTrim(ctx, recentKey, 0, int64(s.recentLimit-1))
		return nil
	})
	if err != nil {
		return fmt.Errorf("archive: save run %s: %w", rec.WorkflowID, err)
	}
	return nil
}

// GetRun fetches one record. Expired or never-saved ids return ErrNotFound.
func (s *RedisStore) GetRun(ctx context.Context, workflowID string) (RunRecord, error) {
	data, err := s.client.Get(ctx, runKey(workflowID)).Bytes()
	if err == redis.Nil {
		return RunRecord{}, ErrNotFound
	}
	if err != nil {
		return RunRecord{}, fmt.Errorf("archive: get run %s: %w", workflowID, err)
	}
	var rec RunRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return RunRecord{}, fmt.Errorf("archive: decode run %s: %w", workflowID, err)
	}
	return rec, nil
}

// ListRecent returns up to limit runs, newest first. Ids whose records have
// expired are skipped silently.
func (s *RedisStore) ListRecent(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 || limit > s.recentLimit {
		limit = s.recentLimit
	}
	ids, err := s.client.LRange(ctx, recentKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("archive: list recent: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = runKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("archive: fetch recent runs: %w", err)
	}

	out := make([]RunRecord, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue // expired
		}
		var rec RunRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			s.logger.Warn("Skipping undecodable archived run",
				zap.String("workflow_id", ids[i]),
				zap.Error(err),
			)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Close releases the client.
func (s *RedisStore) Close() error { return s.client.Close() }
