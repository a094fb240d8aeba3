package task

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	agenterrors "github.com/odvcencio/agentremote/pkg/errors"
	"github.com/odvcencio/agentremote/pkg/logging"
	"github.com/odvcencio/agentremote/pkg/utils"
)

// Recorder receives every persisted task state, e.g. a ledger in sqlite.
type Recorder interface {
	RecordTask(ctx context.Context, t *Task) error
}

// Store persists one JSON file per task under a directory and mirrors the
// most recently touched task into a single status artifact.
type Store struct {
	tasksDir   string
	statusFile string

	mu        sync.Mutex
	ids       *IDGenerator
	now       func() time.Time
	recorders []Recorder
	logger    *logging.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithRecorder mirrors every write into r. May be given more than once.
func WithRecorder(r Recorder) Option {
	return func(s *Store) {
		if r != nil {
			s.recorders = append(s.recorders, r)
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator overrides id allocation.
func WithIDGenerator(g *IDGenerator) Option {
	return func(s *Store) {
		if g != nil {
			s.ids = g
		}
	}
}

// NewStore creates a store rooted at tasksDir that refreshes statusFile on every write.
func NewStore(tasksDir, statusFile string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(tasksDir) == "" {
		return nil, agenterrors.Configuration("tasks directory is required")
	}
	if strings.TrimSpace(statusFile) == "" {
		return nil, agenterrors.Configuration("status file is required")
	}
	if err := os.MkdirAll(tasksDir, 0o700); err != nil {
		return nil, agenterrors.Wrap(err, agenterrors.ErrCodeStorageWrite, "create tasks directory")
	}

	s := &Store{
		tasksDir:   tasksDir,
		statusFile: statusFile,
		ids:        NewIDGenerator(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// StatusFile returns the path of the current status artifact.
func (s *Store) StatusFile() string {
	return s.statusFile
}

// Create validates the request, allocates an id and persists the task as pending.
// Nothing is written when validation fails.
func (s *Store) Create(ctx context.Context, req NewTask) (*Task, error) {
	description, err := Sanitize(req.Description)
	if err != nil {
		return nil, err
	}
	if !req.Backend.Valid() {
		return nil, agenterrors.New(agenterrors.ErrCodeValidation, "unknown backend").
			WithContext("backend", string(req.Backend))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	id, err := s.ids.Next(now)
	if err != nil {
		return nil, agenterrors.Wrap(err, agenterrors.ErrCodeInternal, "allocate task id")
	}

	t := &Task{
		ID:          id,
		Description: description,
		Status:      StatusPending,
		Backend:     req.Backend,
		CreatedAt:   now,
		UpdatedAt:   now,
		RequesterID: req.RequesterID,
		ChatID:      req.ChatID,
		MessageID:   req.MessageID,
	}
	if err := s.persistLocked(ctx, t); err != nil {
		return nil, err
	}

	s.logger.TaskEvent(logging.CategoryTask, "created", t.ID, t.RequesterID, "task created", map[string]any{
		"backend": string(t.Backend),
	})
	return t.Clone(), nil
}

// UpdateStatus moves a task to status and refreshes the status artifact.
// Setting the status a task already has is a no-op.
func (s *Store) UpdateStatus(ctx context.Context, id string, status Status) (*Task, error) {
	return s.Transition(ctx, id, status, "")
}

// Transition is UpdateStatus with an optional human-readable summary.
func (s *Store) Transition(ctx context.Context, id string, status Status, summary string) (*Task, error) {
	if !status.Valid() {
		return nil, agenterrors.New(agenterrors.ErrCodeValidation, "unknown task status").
			WithContext("status", string(status))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.readLocked(id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, agenterrors.New(agenterrors.ErrCodeNotFound, "task not found").WithContext("task_id", id)
	}
	if t.Status == status {
		return t, nil
	}
	if !CanTransition(t.Status, status) {
		return nil, agenterrors.New(agenterrors.ErrCodeInvalidTransition, "task cannot change status").
			WithContext("task_id", id).
			WithContext("from", string(t.Status)).
			WithContext("to", string(status))
	}

	from := t.Status
	t.Status = status
	t.UpdatedAt = s.now().UTC()
	if summary = strings.TrimSpace(summary); summary != "" {
		t.Summary = summary
	}
	if err := s.persistLocked(ctx, t); err != nil {
		return nil, err
	}

	s.logger.TaskEvent(logging.CategoryTask, "status_changed", t.ID, t.RequesterID, "task status changed", map[string]any{
		"from": string(from),
		"to":   string(status),
	})
	return t.Clone(), nil
}

// Get returns the task with id, or nil when no such task exists.
func (s *Store) Get(ctx context.Context, id string) (*Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked(id)
}

// List returns up to limit tasks, newest first. A limit <= 0 returns all.
func (s *Store) List(ctx context.Context, limit int) ([]*Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.tasksDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, agenterrors.Wrap(err, agenterrors.ErrCodeStorageRead, "list tasks")
	}

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		if ValidID(id) {
			ids = append(ids, id)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	tasks := make([]*Task, 0, len(ids))
	for _, id := range ids {
		t, err := s.readLocked(id)
		if err != nil {
			return nil, err
		}
		if t != nil {
			tasks = append(tasks, t)
		}
	}
	return tasks, nil
}

// CurrentStatus returns the text of the status artifact, or "" if none exists yet.
func (s *Store) CurrentStatus() (string, error) {
	text, _, err := utils.ReadTrimmed(s.statusFile)
	if err != nil {
		return "", agenterrors.Wrap(err, agenterrors.ErrCodeStorageRead, "read status artifact")
	}
	return text, nil
}

func (s *Store) taskPath(id string) string {
	return filepath.Join(s.tasksDir, id+".json")
}

func (s *Store) readLocked(id string) (*Task, error) {
	if !ValidID(id) {
		return nil, nil
	}
	data, err := os.ReadFile(s.taskPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, agenterrors.Wrap(err, agenterrors.ErrCodeStorageRead, "read task").WithContext("task_id", id)
	}
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, agenterrors.Wrap(err, agenterrors.ErrCodeStorageRead, "decode task").WithContext("task_id", id)
	}
	return &t, nil
}

func (s *Store) persistLocked(ctx context.Context, t *Task) error {
	if err := utils.AtomicWriteJSON(s.taskPath(t.ID), t, 0o600); err != nil {
		return agenterrors.Wrap(err, agenterrors.ErrCodeStorageWrite, "write task").WithContext("task_id", t.ID)
	}
	// Last writer wins: the artifact only ever shows the latest activity.
	if err := utils.AtomicWrite(s.statusFile, []byte(FormatStatus(t)), 0o644); err != nil {
		return agenterrors.Wrap(err, agenterrors.ErrCodeStorageWrite, "write status artifact").WithContext("task_id", t.ID)
	}
	for _, r := range s.recorders {
		if err := r.RecordTask(ctx, t); err != nil {
			s.logger.Warn(logging.CategoryTask, "ledger_failed", "task ledger write failed", map[string]any{
				"task_id": t.ID,
				"error":   err.Error(),
			})
		}
	}
	return nil
}

// FormatStatus renders the status artifact for t.
func FormatStatus(t *Task) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s Task %s\n\n", statusMarker(t.Status), t.Status)
	fmt.Fprintf(&sb, "Task: %s\n", t.Description)
	fmt.Fprintf(&sb, "ID: %s\n", t.ID)
	fmt.Fprintf(&sb, "Backend: %s\n", t.Backend)
	fmt.Fprintf(&sb, "Updated: %s\n", t.UpdatedAt.Format(time.RFC3339))
	if t.Summary != "" {
		fmt.Fprintf(&sb, "Summary: %s\n", t.Summary)
	}
	return sb.String()
}

func statusMarker(s Status) string {
	switch s {
	case StatusPending:
		return "🟡"
	case StatusDispatched, StatusApproved:
		return "🟢"
	case StatusCompleted:
		return "✅"
	case StatusRejected, StatusFailed:
		return "🔴"
	default:
		return "⚪"
	}
}
