package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/personaflow/internal/tlsutil"
	"github.com/BaSui01/personaflow/task"
)

// RedisTaskStore keeps each task in a hash, indexes ids in sorted sets scored
// by id, and appends audit records to a list per task.
type RedisTaskStore struct {
	client    *redis.Client
	keyPrefix string
	owned     bool
	logger    *zap.Logger
}

// NewRedisTaskStore connects to Redis and verifies the connection.
func NewRedisTaskStore(ctx context.Context, cfg RedisConfig, keyPrefix string, logger *zap.Logger) (*RedisTaskStore, error) {
	opts := &redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		DialTimeout: cfg.DialTimeout,
	}
	if cfg.TLS {
		opts.TLSConfig = tlsutil.DefaultTLSConfig()
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	s := NewRedisTaskStoreFromClient(client, keyPrefix, logger)
	s.owned = true
	return s, nil
}

// NewRedisTaskStoreFromClient wraps an existing client, which the store will
// not close.
func NewRedisTaskStoreFromClient(client *redis.Client, keyPrefix string, logger *zap.Logger) *RedisTaskStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if keyPrefix == "" {
		keyPrefix = "personaflow:"
	}
	return &RedisTaskStore{
		client:    client,
		keyPrefix: keyPrefix,
		logger:    logger.With(zap.String("component", "redis_task_store")),
	}
}

func (s *RedisTaskStore) taskKey(id int64) string {
	return s.keyPrefix + "task:" + strconv.FormatInt(id, 10)
}

func (s *RedisTaskStore) allTasksKey() string {
	return s.keyPrefix + "tasks:all"
}

func (s *RedisTaskStore) requestKey(requestID string) string {
	return s.keyPrefix + "tasks:request:" + requestID
}

func (s *RedisTaskStore) statusKey(status task.Status) string {
	return s.keyPrefix + "tasks:status:" + string(status)
}

func (s *RedisTaskStore) auditKey(id int64) string {
	return s.keyPrefix + "audit:" + strconv.FormatInt(id, 10)
}

// SaveTask writes the task and moves it between status indexes in one
// MULTI/EXEC.
func (s *RedisTaskStore) SaveTask(ctx context.Context, t *task.Task) error {
	if t == nil {
		return ErrInvalidInput
	}
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	key := s.taskKey(t.ID)
	oldStatus, err := s.client.HGet(ctx, key, "status").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}

	member := strconv.FormatInt(t.ID, 10)
	score := float64(t.ID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"data", data,
			"status", string(t.Status),
			"request_id", t.RequestID,
			"worker", t.AssignedWorker,
		)
		pipe.ZAdd(ctx, s.allTasksKey(), redis.Z{Score: score, Member: member})
		if t.RequestID != "" {
			pipe.ZAdd(ctx, s.requestKey(t.RequestID), redis.Z{Score: score, Member: member})
		}
		if oldStatus != "" && oldStatus != string(t.Status) {
			pipe.ZRem(ctx, s.statusKey(task.Status(oldStatus)), member)
		}
		pipe.ZAdd(ctx, s.statusKey(t.Status), redis.Z{Score: score, Member: member})
		return nil
	})
	return err
}

func (s *RedisTaskStore) AppendAudit(ctx context.Context, rec task.AuditRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal audit record: %w", err)
	}
	return s.client.RPush(ctx, s.auditKey(rec.TaskID), data).Err()
}

func (s *RedisTaskStore) GetTask(ctx context.Context, id int64) (*task.Task, error) {
	data, err := s.client.HGet(ctx, s.taskKey(id), "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var t task.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode task %d: %w", id, err)
	}
	return &t, nil
}

// ListTasks reads the narrowest index the filter allows, then applies the
// rest of the filter in memory.
func (s *RedisTaskStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*task.Task, error) {
	index := s.allTasksKey()
	switch {
	case filter.RequestID != "":
		index = s.requestKey(filter.RequestID)
	case len(filter.Status) == 1:
		index = s.statusKey(filter.Status[0])
	}

	ids, err := s.client.ZRange(ctx, index, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, member := range ids {
		cmds[i] = pipe.HGet(ctx, s.keyPrefix+"task:"+member, "data")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	all := make([]*task.Task, 0, len(ids))
	for i, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			continue
		}
		var t task.Task
		if err := json.Unmarshal(data, &t); err != nil {
			s.logger.Warn("skipping undecodable task", zap.String("id", ids[i]), zap.Error(err))
			continue
		}
		all = append(all, &t)
	}
	return filter.apply(all), nil
}

func (s *RedisTaskStore) ListAudit(ctx context.Context, taskID int64) ([]task.AuditRecord, error) {
	items, err := s.client.LRange(ctx, s.auditKey(taskID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]task.AuditRecord, 0, len(items))
	for _, item := range items {
		var rec task.AuditRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *RedisTaskStore) LastTaskID(ctx context.Context) (int64, error) {
	top, err := s.client.ZRevRangeWithScores(ctx, s.allTasksKey(), 0, 0).Result()
	if err != nil {
		return 0, err
	}
	if len(top) == 0 {
		return 0, nil
	}
	return int64(top[0].Score), nil
}

func (s *RedisTaskStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisTaskStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}
