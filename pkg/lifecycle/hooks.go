package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/holon-run/cloudagent/pkg/wrapper"
)

// CondenseCommand is the worker command that condenses the conversation.
const CondenseCommand = "condense"

var errNoWorker = errors.New("no worker attached")

// Hook is a post-completion step. Hooks run in order after the completion
// event and before the channel closes; a failing hook is reported but does
// not stop the sequence.
type Hook interface {
	Name() string
	Enabled(job JobContext) bool
	Run(ctx context.Context, m *Manager, job JobContext) error
}

// AutoCommitHook asks the agent to commit and push its changes.
type AutoCommitHook struct{}

func (AutoCommitHook) Name() string { return "auto-commit" }

func (AutoCommitHook) Enabled(job JobContext) bool { return job.AutoCommit }

func (AutoCommitHook) Run(ctx context.Context, m *Manager, job JobContext) error {
	if m.WasAborted() {
		return nil
	}
	w := m.Worker()
	if w == nil {
		return errNoWorker
	}
	req := wrapper.PromptRequest{
		MessageID: uuid.NewString(),
		Text:      commitPrompt(job.UpstreamBranch),
		Model:     job.Model,
	}
	m.ExpectCompletion(req.MessageID)
	if _, err := w.Prompt(ctx, req); err != nil {
		return fmt.Errorf("dispatch commit prompt: %w", err)
	}
	return m.WaitForCompletion(ctx)
}

func commitPrompt(branch string) string {
	if branch == "" {
		return "Commit all changes in the workspace with a concise, descriptive message and push them to the current branch."
	}
	return fmt.Sprintf("Commit all changes in the workspace with a concise, descriptive message and push them to %s.", branch)
}

// CondenseHook condenses the conversation once the job is done.
type CondenseHook struct{}

func (CondenseHook) Name() string { return "condense" }

func (CondenseHook) Enabled(job JobContext) bool { return job.Condense }

func (CondenseHook) Run(ctx context.Context, m *Manager, job JobContext) error {
	if m.WasAborted() {
		return nil
	}
	w := m.Worker()
	if w == nil {
		return errNoWorker
	}
	req := wrapper.CommandRequest{MessageID: uuid.NewString(), Command: CondenseCommand}
	m.ExpectCompletion(req.MessageID)
	if _, err := w.Command(ctx, req); err != nil {
		return fmt.Errorf("dispatch condense: %w", err)
	}
	return m.WaitForCompletion(ctx)
}

// DefaultHooks returns the standard hook pipeline.
func DefaultHooks() []Hook {
	return []Hook{AutoCommitHook{}, CondenseHook{}}
}
