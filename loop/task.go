package loop

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// Task is the handle of work submitted to a Host.
type Task struct {
	name   string
	weak   bool
	cancel context.CancelFunc
	done   chan struct{}

	result any
	err    error
}

// Name returns the name the task was submitted with.
func (t *Task) Name() string { return t.name }

// Done is closed when the task has returned.
func (t *Task) Done() <-chan struct{} { return t.done }

// Cancel cancels the task context. The task still has to return on its own.
func (t *Task) Cancel() { t.cancel() }

// Result returns the task result. It is only meaningful after Done is closed.
func (t *Task) Result() (any, error) {
	select {
	case <-t.done:
		return t.result, t.err
	default:
		return nil, errors.Errorf("task %s still running", t.name)
	}
}

// Wait blocks until the task returns or timeout elapses. A timeout <= 0 waits
// forever. On timeout the task keeps running.
func (t *Task) Wait(timeout time.Duration) (any, error) {
	if timeout <= 0 {
		<-t.done
		return t.result, t.err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-t.done:
		return t.result, t.err
	case <-timer.C:
		return nil, errors.Wrapf(ErrTimeout, "task %s", t.name)
	}
}

// WaitContext blocks until the task returns or ctx is done.
func (t *Task) WaitContext(ctx context.Context) (any, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Task) String() string {
	return fmt.Sprintf("Task(%s)", t.name)
}

func (t *Task) finish(result any, err error) {
	t.result = result
	t.err = err
	close(t.done)
}
