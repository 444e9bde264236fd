// Package tasks persists agent tasks handed off by skill executions. Tasks are
// picked up by an external long-running worker; the store only records them
// and their status transitions.
package tasks

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jingkaihe/autoskill/pkg/clock"
	"github.com/jingkaihe/autoskill/pkg/executor"
	"github.com/jingkaihe/autoskill/pkg/logger"
	"github.com/pkg/errors"
	"github.com/rogpeppe/go-internal/lockedfile"
)

// ErrNotFound is returned for unknown task ids.
var ErrNotFound = errors.New("task not found")

// Status of an agent task.
type Status string

// Status constants
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Task is a persisted agent task.
type Task struct {
	ID          string         `json:"id"`
	Status      Status         `json:"status"`
	Description string         `json:"description"`
	Inputs      map[string]any `json:"inputs,omitempty"`
	Skill       string         `json:"skill"`
	StepID      string         `json:"step_id"`
	ExecutionID string         `json:"execution_id"`
	UserID      string         `json:"user_id,omitempty"`
	Result      string         `json:"result,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Data is the on-disk document.
type Data struct {
	Tasks []Task `json:"tasks"`
}

// Store is a file-backed task queue. Writes go through lockedfile so a worker
// process can update statuses concurrently.
type Store struct {
	path  string
	clock clock.Clock
	mu    sync.RWMutex
}

var _ executor.AgentDispatcher = &Store{}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for timestamps.
func WithClock(c clock.Clock) Option {
	return func(s *Store) {
		s.clock = c
	}
}

// NewStore creates a store backed by path, creating its directory.
func NewStore(path string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create tasks directory")
	}
	s := &Store{path: path, clock: clock.Real()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Submit records a pending task and returns its id.
func (s *Store) Submit(ctx context.Context, task executor.AgentTask) (string, error) {
	now := s.clock.Now()
	t := Task{
		ID:          uuid.NewString(),
		Status:      StatusPending,
		Description: task.Description,
		Inputs:      task.Inputs,
		Skill:       task.Skill,
		StepID:      task.StepID,
		ExecutionID: task.ExecutionID,
		UserID:      task.UserID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := s.transform(ctx, func(d *Data) error {
		d.Tasks = append(d.Tasks, t)
		return nil
	})
	if err != nil {
		return "", err
	}

	logger.G(ctx).WithField("task_id", t.ID).WithField("skill", t.Skill).Info("agent task submitted")
	return t.ID, nil
}

// Update moves a task to status with an optional result.
func (s *Store) Update(ctx context.Context, id string, status Status, result string) error {
	return s.transform(ctx, func(d *Data) error {
		for i := range d.Tasks {
			if d.Tasks[i].ID == id {
				d.Tasks[i].Status = status
				d.Tasks[i].Result = result
				d.Tasks[i].UpdatedAt = s.clock.Now()
				return nil
			}
		}
		return errors.Wrapf(ErrNotFound, "task %s", id)
	})
}

// Get returns one task.
func (s *Store) Get(id string) (Task, error) {
	data, err := s.read()
	if err != nil {
		return Task{}, err
	}
	for _, t := range data.Tasks {
		if t.ID == id {
			return t, nil
		}
	}
	return Task{}, errors.Wrapf(ErrNotFound, "task %s", id)
}

// List returns tasks, newest first, optionally filtered by status.
func (s *Store) List(status Status) ([]Task, error) {
	data, err := s.read()
	if err != nil {
		return nil, err
	}
	out := make([]Task, 0, len(data.Tasks))
	for _, t := range data.Tasks {
		if status == "" || t.Status == status {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) read() (*Data, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		return &Data{}, nil
	}
	raw, err := lockedfile.Read(s.path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read tasks file")
	}
	data := &Data{}
	if len(raw) == 0 {
		return data, nil
	}
	if err := json.Unmarshal(raw, data); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal tasks")
	}
	return data, nil
}

func (s *Store) transform(ctx context.Context, fn func(*Data) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return lockedfile.Transform(s.path, func(raw []byte) ([]byte, error) {
		data := &Data{}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, data); err != nil {
				logger.G(ctx).WithError(err).Warn("failed to unmarshal existing tasks, starting fresh")
				data = &Data{}
			}
		}
		if err := fn(data); err != nil {
			return nil, err
		}
		out, err := json.MarshalIndent(data, "", "  ")
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal tasks")
		}
		return out, nil
	})
}
