package taskrt

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/fyrsmithlabs/taskgate/internal/governance"
)

// Memory is an in-process Runtime. It backs tests and the mcp command when
// no task directory is configured.
type Memory struct {
	mu    sync.Mutex
	seq   int
	tasks map[string]*Task
	now   func() time.Time
}

// NewMemory returns an empty in-memory runtime.
func NewMemory() *Memory {
	return &Memory{tasks: make(map[string]*Task), now: time.Now}
}

func (m *Memory) NewID(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	return strconv.Itoa(m.seq), nil
}

func (m *Memory) CreateTask(ctx context.Context, spec Spec) (*Task, error) {
	if err := validateSpec(spec); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if spec.ID == "" {
		m.seq++
		spec.ID = strconv.Itoa(m.seq)
	}
	if _, ok := m.tasks[spec.ID]; ok {
		return nil, &governance.ValidationError{Field: "task_id", Reason: "task " + spec.ID + " already exists"}
	}
	t := newTask(spec, m.now().UTC())
	m.tasks[t.ID] = t
	return clone(t), nil
}

func (m *Memory) GetTask(ctx context.Context, id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, governance.ErrNotFound)
	}
	return clone(t), nil
}

func (m *Memory) UpdateTask(ctx context.Context, id string, u Update) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, governance.ErrNotFound)
	}
	u.apply(t, m.now().UTC())
	return clone(t), nil
}

func (m *Memory) ListPendingUnblocked(ctx context.Context) ([]Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Task
	for _, t := range m.tasks {
		if t.Status == StatusPending && len(t.BlockedBy) == 0 {
			out = append(out, *clone(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return lessID(out[i].ID, out[j].ID) })
	return out, nil
}

func clone(t *Task) *Task {
	c := *t
	c.BlockedBy = append([]string{}, t.BlockedBy...)
	c.Blocks = append([]string{}, t.Blocks...)
	if t.Metadata != nil {
		c.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

var (
	_ Runtime = (*Memory)(nil)
	_ Runtime = (*FileRuntime)(nil)
)
