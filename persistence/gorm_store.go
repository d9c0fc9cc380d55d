package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/personaflow/internal/database"
	"github.com/BaSui01/personaflow/task"
)

// taskRecord is one row per task. Filterable fields are columns; the full
// task is kept as JSON in Data.
type taskRecord struct {
	ID        int64     `gorm:"primaryKey;autoIncrement:false"`
	RequestID string    `gorm:"size:64;index"`
	Worker    string    `gorm:"size:128;index"`
	Status    string    `gorm:"size:32;index"`
	Data      string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"autoCreateTime:false"`
	UpdatedAt time.Time `gorm:"autoUpdateTime:false"`
}

func (taskRecord) TableName() string { return "personaflow_tasks" }

type auditRow struct {
	ID         uint   `gorm:"primaryKey"`
	Seq        int64  `gorm:"index"`
	TaskID     int64  `gorm:"index"`
	FromStatus string `gorm:"size:32"`
	ToStatus   string `gorm:"size:32"`
	At         time.Time
	Reason     string `gorm:"type:text"`
}

func (auditRow) TableName() string { return "personaflow_task_audit" }

// GormTaskStore stores tasks in a relational database.
type GormTaskStore struct {
	pool       *database.PoolManager
	maxRetries int
	logger     *zap.Logger
}

// NewGormTaskStore migrates the schema and returns a store on pool.
func NewGormTaskStore(ctx context.Context, pool *database.PoolManager, logger *zap.Logger) (*GormTaskStore, error) {
	s := newGormTaskStore(pool, logger)
	if err := pool.DB().WithContext(ctx).AutoMigrate(&taskRecord{}, &auditRow{}); err != nil {
		return nil, fmt.Errorf("migrate task tables: %w", err)
	}
	return s, nil
}

func newGormTaskStore(pool *database.PoolManager, logger *zap.Logger) *GormTaskStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormTaskStore{
		pool:       pool,
		maxRetries: 3,
		logger:     logger.With(zap.String("component", "gorm_task_store")),
	}
}

// SaveTask upserts the task row.
func (s *GormTaskStore) SaveTask(ctx context.Context, t *task.Task) error {
	if t == nil {
		return ErrInvalidInput
	}
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	rec := taskRecord{
		ID:        t.ID,
		RequestID: t.RequestID,
		Worker:    t.AssignedWorker,
		Status:    string(t.Status),
		Data:      string(data),
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
	return s.pool.WithTransactionRetry(ctx, s.maxRetries, func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"request_id", "worker", "status", "data", "updated_at"}),
		}).Create(&rec).Error
	})
}

func (s *GormTaskStore) AppendAudit(ctx context.Context, rec task.AuditRecord) error {
	row := auditRow{
		Seq:        rec.Seq,
		TaskID:     rec.TaskID,
		FromStatus: string(rec.From),
		ToStatus:   string(rec.To),
		At:         rec.At,
		Reason:     rec.Reason,
	}
	return s.pool.DB().WithContext(ctx).Create(&row).Error
}

func (s *GormTaskStore) GetTask(ctx context.Context, id int64) (*task.Task, error) {
	var rec taskRecord
	err := s.pool.DB().WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return decodeRecord(rec)
}

func decodeRecord(rec taskRecord) (*task.Task, error) {
	var t task.Task
	if err := json.Unmarshal([]byte(rec.Data), &t); err != nil {
		return nil, fmt.Errorf("decode task %d: %w", rec.ID, err)
	}
	return &t, nil
}

func (s *GormTaskStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*task.Task, error) {
	q := s.pool.DB().WithContext(ctx).Model(&taskRecord{}).Order("id")
	if filter.RequestID != "" {
		q = q.Where("request_id = ?", filter.RequestID)
	}
	if filter.Worker != "" {
		q = q.Where("worker = ?", filter.Worker)
	}
	if len(filter.Status) > 0 {
		statuses := make([]string, len(filter.Status))
		for i, st := range filter.Status {
			statuses[i] = string(st)
		}
		q = q.Where("status IN ?", statuses)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var recs []taskRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]*task.Task, 0, len(recs))
	for _, rec := range recs {
		t, err := decodeRecord(rec)
		if err != nil {
			s.logger.Warn("skipping undecodable task", zap.Int64("id", rec.ID), zap.Error(err))
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *GormTaskStore) ListAudit(ctx context.Context, taskID int64) ([]task.AuditRecord, error) {
	var rows []auditRow
	if err := s.pool.DB().WithContext(ctx).Where("task_id = ?", taskID).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]task.AuditRecord, len(rows))
	for i, row := range rows {
		out[i] = task.AuditRecord{
			Seq:    row.Seq,
			TaskID: row.TaskID,
			From:   task.Status(row.FromStatus),
			To:     task.Status(row.ToStatus),
			At:     row.At,
			Reason: row.Reason,
		}
	}
	return out, nil
}

func (s *GormTaskStore) LastTaskID(ctx context.Context) (int64, error) {
	var last sql.NullInt64
	row := s.pool.DB().WithContext(ctx).Model(&taskRecord{}).Select("MAX(id)").Row()
	if err := row.Scan(&last); err != nil {
		return 0, err
	}
	return last.Int64, nil
}

func (s *GormTaskStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *GormTaskStore) Close() error {
	return s.pool.Close()
}
