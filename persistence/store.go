package persistence

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/BaSui01/personaflow/internal/database"
	"github.com/BaSui01/personaflow/task"
)

// Common errors
var (
	ErrNotFound     = errors.New("not found")
	ErrStoreClosed  = errors.New("store is closed")
	ErrInvalidInput = errors.New("invalid input")
)

// StoreType names a storage backend.
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeFile   StoreType = "file"
	StoreTypeRedis  StoreType = "redis"
	StoreTypeGorm   StoreType = "gorm"
)

// TaskStore persists tasks and their audit records.
type TaskStore interface {
	task.Persister

	// GetTask returns task id or ErrNotFound.
	GetTask(ctx context.Context, id int64) (*task.Task, error)

	// ListTasks returns the matching tasks ordered by id.
	ListTasks(ctx context.Context, filter TaskFilter) ([]*task.Task, error)

	// ListAudit returns the audit trail of task id in append order.
	ListAudit(ctx context.Context, taskID int64) ([]task.AuditRecord, error)

	// LastTaskID returns the highest stored task id, or 0.
	LastTaskID(ctx context.Context) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// TaskFilter selects tasks. Zero fields match everything.
type TaskFilter struct {
	RequestID string
	Worker    string
	Status    []task.Status
	Limit     int
}

// Match reports whether t passes the filter.
func (f TaskFilter) Match(t *task.Task) bool {
	if f.RequestID != "" && t.RequestID != f.RequestID {
		return false
	}
	if f.Worker != "" && t.AssignedWorker != f.Worker {
		return false
	}
	if len(f.Status) > 0 {
		found := false
		for _, s := range f.Status {
			if t.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// apply filters, sorts by id and truncates to Limit.
func (f TaskFilter) apply(tasks []*task.Task) []*task.Task {
	out := make([]*task.Task, 0, len(tasks))
	for _, t := range tasks {
		if f.Match(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// StoreConfig selects and configures a backend.
type StoreConfig struct {
	Type      StoreType       `json:"type" yaml:"type"`
	Dir       string          `json:"dir" yaml:"dir"`
	KeyPrefix string          `json:"key_prefix" yaml:"key_prefix"`
	Redis     RedisConfig     `json:"redis" yaml:"redis"`
	Database  database.Config `json:"database" yaml:"database"`
}

// RedisConfig addresses the Redis server.
type RedisConfig struct {
	Addr        string        `json:"addr" yaml:"addr"`
	Password    string        `json:"-" yaml:"password"`
	DB          int           `json:"db" yaml:"db"`
	PoolSize    int           `json:"pool_size" yaml:"pool_size"`
	TLS         bool          `json:"tls" yaml:"tls"`
	DialTimeout time.Duration `json:"dial_timeout" yaml:"dial_timeout"`
}

// DefaultStoreConfig returns the default configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Type:      StoreTypeMemory,
		Dir:       "./data/tasks",
		KeyPrefix: "personaflow:",
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			PoolSize:    10,
			DialTimeout: 5 * time.Second,
		},
		Database: database.DefaultConfig(),
	}
}
