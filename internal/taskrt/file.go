package taskrt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskgate/internal/governance"
)

const (
	defaultLockTimeout = 5 * time.Second
	lockRetryDelay     = 20 * time.Millisecond
	seqFile            = ".highwatermark"
)

// FileRuntime is a Runtime over a directory of task JSON files.
type FileRuntime struct {
	dir         string
	lockTimeout time.Duration
	logger      *zap.Logger
	now         func() time.Time
}

// NewFileRuntime opens (creating if needed) <root>/<listID>.
func NewFileRuntime(root, listID string, lockTimeout time.Duration, logger *zap.Logger) (*FileRuntime, error) {
	if listID == "" || strings.ContainsAny(listID, `/\`) || listID == "." || listID == ".." {
		return nil, &governance.ValidationError{Field: "list_id", Reason: "must be a plain directory name"}
	}
	dir := filepath.Join(root, listID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating task list dir: %w", err)
	}
	if lockTimeout <= 0 {
		lockTimeout = defaultLockTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileRuntime{dir: dir, lockTimeout: lockTimeout, logger: logger, now: time.Now}, nil
}

// Dir returns the task list directory.
func (r *FileRuntime) Dir() string {
	return r.dir
}

func (r *FileRuntime) taskPath(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return "", &governance.ValidationError{Field: "task_id", Reason: "invalid task id " + strconv.Quote(id)}
	}
	return filepath.Join(r.dir, id+".json"), nil
}

// withLock runs fn while holding the advisory lock beside path. Acquisition
// retries until the lock timeout and then reports ErrLockContention.
func (r *FileRuntime) withLock(ctx context.Context, path string, fn func() error) error {
	lock := flock.New(path + ".lock")
	lctx, cancel := context.WithTimeout(ctx, r.lockTimeout)
	defer cancel()

	ok, err := lock.TryLockContext(lctx, lockRetryDelay)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil || !ok {
		r.logger.Warn("task lock contention", zap.String("lock", lock.Path()), zap.Error(err))
		return fmt.Errorf("%s: %w", filepath.Base(path), governance.ErrLockContention)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			r.logger.Warn("task unlock failed", zap.String("lock", lock.Path()), zap.Error(err))
		}
	}()
	return fn()
}

// NewID allocates the next integer id in the list, matching host numbering.
func (r *FileRuntime) NewID(ctx context.Context) (string, error) {
	seqPath := filepath.Join(r.dir, seqFile)
	var next int
	err := r.withLock(ctx, seqPath, func() error {
		cur, err := r.highWater(seqPath)
		if err != nil {
			return err
		}
		next = cur + 1
		return writeAtomic(seqPath, []byte(strconv.Itoa(next)))
	})
	if err != nil {
		return "", err
	}
	return strconv.Itoa(next), nil
}

// highWater is the larger of the stored counter and the biggest numeric
// task file name, so ids never collide with tasks the host created itself.
func (r *FileRuntime) highWater(seqPath string) (int, error) {
	hw := 0
	if data, err := os.ReadFile(seqPath); err == nil {
		hw, _ = strconv.Atoi(strings.TrimSpace(string(data)))
	} else if !errors.Is(err, fs.ErrNotExist) {
		return 0, err
	}
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		if n, err := strconv.Atoi(strings.TrimSuffix(e.Name(), ".json")); err == nil && strings.HasSuffix(e.Name(), ".json") && n > hw {
			hw = n
		}
	}
	return hw, nil
}

// CreateTask writes a new task file. It fails if the id is already taken.
func (r *FileRuntime) CreateTask(ctx context.Context, spec Spec) (*Task, error) {
	if err := validateSpec(spec); err != nil {
		return nil, err
	}
	if spec.ID == "" {
		id, err := r.NewID(ctx)
		if err != nil {
			return nil, err
		}
		spec.ID = id
	}
	path, err := r.taskPath(spec.ID)
	if err != nil {
		return nil, err
	}
	t := newTask(spec, r.now().UTC())
	err = r.withLock(ctx, path, func() error {
		if _, err := os.Stat(path); err == nil {
			return &governance.ValidationError{Field: "task_id", Reason: "task " + spec.ID + " already exists"}
		}
		return writeTask(path, t)
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// GetTask reads one task.
func (r *FileRuntime) GetTask(ctx context.Context, id string) (*Task, error) {
	path, err := r.taskPath(id)
	if err != nil {
		return nil, err
	}
	return readTask(path)
}

// UpdateTask applies u under the task's lock.
func (r *FileRuntime) UpdateTask(ctx context.Context, id string, u Update) (*Task, error) {
	path, err := r.taskPath(id)
	if err != nil {
		return nil, err
	}
	var out *Task
	err = r.withLock(ctx, path, func() error {
		t, err := readTask(path)
		if err != nil {
			return err
		}
		u.apply(t, r.now().UTC())
		if err := writeTask(path, t); err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

// ListPendingUnblocked returns pending tasks with no blockers, ordered by id.
func (r *FileRuntime) ListPendingUnblocked(ctx context.Context) ([]Task, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	var out []Task
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		t, err := readTask(filepath.Join(r.dir, e.Name()))
		if err != nil {
			// A half-written file from the host is skipped, not fatal.
			r.logger.Debug("skipping unreadable task file", zap.String("file", e.Name()), zap.Error(err))
			continue
		}
		if t.Status == StatusPending && len(t.BlockedBy) == 0 {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return lessID(out[i].ID, out[j].ID) })
	return out, nil
}

func lessID(a, b string) bool {
	na, errA := strconv.Atoi(a)
	nb, errB := strconv.Atoi(b)
	if errA == nil && errB == nil {
		return na < nb
	}
	return a < b
}

func readTask(path string) (*Task, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("task %s: %w", strings.TrimSuffix(filepath.Base(path), ".json"), governance.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading task: %w", err)
	}
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decoding task %s: %w", filepath.Base(path), err)
	}
	return &t, nil
}

func writeTask(path string, t *Task) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding task: %w", err)
	}
	return writeAtomic(path, data)
}

// writeAtomic replaces path via a temp file and rename so readers never see
// a partial document.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replacing %s: %w", filepath.Base(path), err)
	}
	return nil
}
