package pipeline

import (
	"fmt"
	"time"

	"github.com/wehubfusion/Daedalus/pkg/config"
	apperrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/task"
)

// ExecContext is the unit of scheduling: one task, its history, and a handle to the run configuration.
// Everything except Config is serializable so it can cross a process boundary.
type ExecContext struct {
	Task    *task.Task    `json:"task"`
	History History       `json:"history"`
	Failed  bool          `json:"failed,omitempty"`
	Err     string        `json:"error,omitempty"`
	Elapsed time.Duration `json:"elapsed"`

	Config *config.Config `json:"-"`
}

// NewExecContext pairs a task with its (possibly checkpoint-seeded) history
func NewExecContext(t *task.Task, history History, cfg *config.Config) *ExecContext {
	if history == nil {
		history = History{}
	}
	return &ExecContext{
		Task:    t,
		History: history,
		Config:  cfg,
	}
}

// Key returns the task key, or "" for a context without a task
func (ec *ExecContext) Key() string {
	if ec == nil || ec.Task == nil {
		return ""
	}
	return ec.Task.Key()
}

// Fail marks the context as having produced no terminal state
func (ec *ExecContext) Fail(err error) {
	ec.Failed = true
	if err != nil {
		ec.Err = err.Error()
	}
}

// Failure returns the failure reason wrapping ErrContextFailed, or nil
func (ec *ExecContext) Failure() error {
	if ec == nil || !ec.Failed {
		return nil
	}
	if ec.Err == "" {
		return apperrors.ErrContextFailed
	}
	return fmt.Errorf("%w: %s", apperrors.ErrContextFailed, ec.Err)
}

// Failf marks the context failed with a formatted reason
func (ec *ExecContext) Failf(format string, args ...any) {
	ec.Fail(fmt.Errorf(format, args...))
}
