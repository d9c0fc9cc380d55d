package persistence

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/personaflow/task"
)

const auditFileName = "audit.jsonl"

// FileTaskStore writes one JSON document per task under dir/tasks and
// appends audit records to dir/audit.jsonl. Suitable for single-node use.
type FileTaskStore struct {
	baseDir  string
	tasksDir string

	mu     sync.RWMutex
	audit  *os.File
	lastID int64
	closed bool

	logger *zap.Logger
}

// NewFileTaskStore opens (or creates) a store rooted at dir.
func NewFileTaskStore(dir string, logger *zap.Logger) (*FileTaskStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir == "" {
		return nil, fmt.Errorf("file store: %w: empty directory", ErrInvalidInput)
	}
	tasksDir := filepath.Join(dir, "tasks")
	if err := os.MkdirAll(tasksDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create task store directory: %w", err)
	}

	audit, err := os.OpenFile(filepath.Join(dir, auditFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	s := &FileTaskStore{
		baseDir:  dir,
		tasksDir: tasksDir,
		audit:    audit,
		logger:   logger.With(zap.String("component", "file_task_store")),
	}
	if s.lastID, err = s.scanLastID(); err != nil {
		_ = audit.Close()
		return nil, fmt.Errorf("failed to scan task directory: %w", err)
	}
	s.logger.Info("file task store opened", zap.String("dir", dir), zap.Int64("last_task_id", s.lastID))
	return s, nil
}

func (s *FileTaskStore) taskPath(id int64) string {
	return filepath.Join(s.tasksDir, strconv.FormatInt(id, 10)+".json")
}

func (s *FileTaskStore) scanLastID() (int64, error) {
	entries, err := os.ReadDir(s.tasksDir)
	if err != nil {
		return 0, err
	}
	var last int64
	for _, e := range entries {
		id, ok := parseTaskFile(e.Name())
		if ok && id > last {
			last = id
		}
	}
	return last, nil
}

func parseTaskFile(name string) (int64, bool) {
	base, ok := strings.CutSuffix(name, ".json")
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(base, 10, 64)
	return id, err == nil
}

// SaveTask writes the task atomically: temp file, then rename.
func (s *FileTaskStore) SaveTask(_ context.Context, t *task.Task) error {
	if t == nil {
		return ErrInvalidInput
	}
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	path := s.taskPath(t.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	if t.ID > s.lastID {
		s.lastID = t.ID
	}
	return nil
}

func (s *FileTaskStore) AppendAudit(_ context.Context, rec task.AuditRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal audit record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	_, err = s.audit.Write(append(data, '\n'))
	return err
}

func (s *FileTaskStore) GetTask(_ context.Context, id int64) (*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.readTask(s.taskPath(id), id)
}

func (s *FileTaskStore) readTask(path string, id int64) (*task.Task, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
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

func (s *FileTaskStore) ListTasks(_ context.Context, filter TaskFilter) ([]*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	entries, err := os.ReadDir(s.tasksDir)
	if err != nil {
		return nil, err
	}
	var all []*task.Task
	for _, e := range entries {
		id, ok := parseTaskFile(e.Name())
		if !ok {
			continue
		}
		t, err := s.readTask(filepath.Join(s.tasksDir, e.Name()), id)
		if err != nil {
			s.logger.Warn("skipping unreadable task file", zap.String("file", e.Name()), zap.Error(err))
			continue
		}
		all = append(all, t)
	}
	return filter.apply(all), nil
}

// ListAudit scans the whole log; it is meant for inspection, not hot paths.
func (s *FileTaskStore) ListAudit(_ context.Context, taskID int64) ([]task.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	f, err := os.Open(filepath.Join(s.baseDir, auditFileName))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []task.AuditRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var rec task.AuditRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		if rec.TaskID == taskID {
			out = append(out, rec)
		}
	}
	return out, scanner.Err()
}

func (s *FileTaskStore) LastTaskID(context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastID, nil
}

func (s *FileTaskStore) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	_, err := os.Stat(s.tasksDir)
	return err
}

func (s *FileTaskStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.audit.Close()
}
