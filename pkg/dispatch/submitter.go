package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/odvcencio/agentremote/pkg/github"
	"github.com/odvcencio/agentremote/pkg/task"
	"github.com/odvcencio/agentremote/pkg/utils"
)

//go:generate mockgen -package=dispatch -destination=mock_submitter_test.go github.com/odvcencio/agentremote/pkg/dispatch Submitter

// Submitter hands a task to one execution backend. Submit returns once the
// backend accepted the task; execution itself is asynchronous.
type Submitter interface {
	Backend() task.Backend
	Submit(ctx context.Context, t *task.Task) error
}

// LocalSubmitter writes the task description to the exchange file the
// local agent watches.
type LocalSubmitter struct {
	exchangeFile string
}

// NewLocalSubmitter creates a submitter writing to exchangeFile.
func NewLocalSubmitter(exchangeFile string) *LocalSubmitter {
	return &LocalSubmitter{exchangeFile: exchangeFile}
}

func (s *LocalSubmitter) Backend() task.Backend { return task.BackendLocal }

// Submit replaces the exchange file with the raw description. The rename
// is atomic so the agent never reads a partial task.
func (s *LocalSubmitter) Submit(ctx context.Context, t *task.Task) error {
	if strings.TrimSpace(s.exchangeFile) == "" {
		return fmt.Errorf("exchange file is not configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := utils.AtomicWrite(s.exchangeFile, []byte(t.Description), 0o600); err != nil {
		return fmt.Errorf("write exchange file: %w", err)
	}
	return nil
}

// Trigger fires a repository_dispatch event. *github.Client satisfies it.
type Trigger interface {
	RepositoryDispatch(ctx context.Context, repo, eventType string, payload github.DispatchPayload) error
}

// CloudSubmitter triggers the serverless runner workflow.
type CloudSubmitter struct {
	trigger    Trigger
	repository string
	eventType  string
}

// NewCloudSubmitter creates a submitter for repository. A nil trigger or an
// empty repository leaves the backend unconfigured and every Submit fails.
func NewCloudSubmitter(trigger Trigger, repository, eventType string) *CloudSubmitter {
	if eventType == "" {
		eventType = "execute-task"
	}
	return &CloudSubmitter{trigger: trigger, repository: repository, eventType: eventType}
}

func (s *CloudSubmitter) Backend() task.Backend { return task.BackendCloud }

// Configured reports whether credentials and a repository are present.
func (s *CloudSubmitter) Configured() bool {
	return s.trigger != nil && strings.TrimSpace(s.repository) != ""
}

func (s *CloudSubmitter) Submit(ctx context.Context, t *task.Task) error {
	if !s.Configured() {
		return fmt.Errorf("cloud backend is not configured")
	}
	return s.trigger.RepositoryDispatch(ctx, s.repository, s.eventType, github.DispatchPayload{
		Task:      t.Description,
		ChatID:    t.ChatID,
		MessageID: t.MessageID,
		TaskID:    t.ID,
	})
}
