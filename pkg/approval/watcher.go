package approval

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/odvcencio/agentremote/pkg/logging"
	"github.com/odvcencio/agentremote/pkg/utils"
)

const watchDebounce = 100 * time.Millisecond

// AdoptFunc is called once for every gate a Watcher opens.
type AdoptFunc func(ctx context.Context, h Handle)

// Watcher adopts approval artifacts written out-of-band by the local agent.
type Watcher struct {
	gate    *Gate
	onAdopt AdoptFunc
	logger  *logging.Logger
	// resolveTask picks the task an adopted artifact belongs to.
	resolveTask func(ctx context.Context) string

	mu      sync.Mutex
	watcher *fsnotify.Watcher
}

// NewWatcher watches the directory holding the gate's approval artifact.
func NewWatcher(gate *Gate, onAdopt AdoptFunc, logger *logging.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(gate.artifacts.ApprovalFile)
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}
	return &Watcher{gate: gate, onAdopt: onAdopt, logger: logger, watcher: w}, nil
}

// SetTaskResolver sets how adopted gates are associated with a task.
func (w *Watcher) SetTaskResolver(fn func(ctx context.Context) string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.resolveTask = fn
}

// Run processes filesystem events until ctx is done. An artifact already
// present at startup is adopted immediately.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	w.check(ctx)

	debounce := time.NewTimer(0)
	<-debounce.C
	pending := false

	target := filepath.Clean(w.gate.artifacts.ApprovalFile)
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// Agents often create then write; settle before reading.
			pending = true
			debounce.Reset(watchDebounce)

		case <-debounce.C:
			if pending {
				pending = false
				w.check(ctx)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn(logging.CategoryApproval, "watch_error", "approval watcher error", map[string]any{
				"error": err.Error(),
			})
		}
	}
}

func (w *Watcher) check(ctx context.Context) {
	content, ok, err := utils.ReadTrimmed(w.gate.artifacts.ApprovalFile)
	if err != nil {
		w.logger.Warn(logging.CategoryApproval, "read_failed", "failed to read approval artifact", map[string]any{
			"error": err.Error(),
		})
		return
	}
	if !ok {
		return
	}

	w.mu.Lock()
	resolveTask := w.resolveTask
	w.mu.Unlock()

	req := Request{Summary: content, RequestedBy: "local-agent"}
	if resolveTask != nil {
		req.TaskID = resolveTask(ctx)
	}

	h, opened, err := w.gate.Adopt(ctx, req)
	if err != nil {
		w.logger.Error(logging.CategoryApproval, "adopt_failed", "failed to adopt approval artifact", map[string]any{
			"error": err.Error(),
		})
		return
	}
	if opened && w.onAdopt != nil {
		w.onAdopt(ctx, h)
	}
}
