package ray5agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"
)

// SafeGroup wraps errgroup.Group for the long-running pieces of the agent:
// the session loop, event consumers, the simulator. GoSafe recovers panics
// and restarts the goroutine with backoff; WaitOrInterrupt returns early when
// the caller's context (typically signal.NotifyContext) is cancelled.
type SafeGroup struct {
	*errgroup.Group
	// ctx is the errgroup-derived context, cancelled on parent cancellation
	// or the first worker error.
	ctx context.Context
	// parent is the caller's context. WaitOrInterrupt watches this one so a
	// worker error is not flattened into context.Canceled.
	parent context.Context
}

// NewSafeGroup builds a SafeGroup on errgroup.WithContext.
func NewSafeGroup(ctx context.Context) *SafeGroup {
	if ctx == nil {
		ctx = context.Background()
	}
	group, groupCtx := errgroup.WithContext(ctx)
	return &SafeGroup{Group: group, ctx: groupCtx, parent: ctx}
}

// GoSafe runs fn in the group. A panic is logged to stderr and the worker is
// restarted after a growing delay; a returned error cancels the group as
// usual. Restarts stop once the group context is done.
func (sg *SafeGroup) GoSafe(name string, fn func(context.Context) error) {
	if sg == nil || sg.Group == nil || fn == nil {
		return
	}
	sg.Group.Go(func() error {
		backoff := 200 * time.Millisecond
		const maxBackoff = 30 * time.Second
		for {
			if sg.ctx != nil {
				select {
				case <-sg.ctx.Done():
					return nil
				default:
				}
			}

			err, recovered := recoverCall(sg.ctx, fn)
			if recovered == nil {
				return err
			}

			// Panics may originate in the logger, so report on stderr.
			_, _ = fmt.Fprintf(os.Stderr, "WARN: %s panicked: %v\n%s\n", name, recovered, debug.Stack())
			time.Sleep(withJitter(backoff))
			if backoff *= 2; backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	})
}

func recoverCall(ctx context.Context, fn func(context.Context) error) (err error, recovered any) {
	defer func() {
		if r := recover(); r != nil {
			recovered = r
		}
	}()
	err = fn(ctx)
	return err, nil
}

func withJitter(backoff time.Duration) time.Duration {
	jitterMax := backoff / 2
	if jitterMax <= 0 {
		return backoff
	}
	return backoff + time.Duration(time.Now().UnixNano()%int64(jitterMax))
}

// WaitOrInterrupt waits for the group, returning parent.Err() if the parent
// context is cancelled first. A positive gracePeriod gives the workers that
// long to drain before the wait is abandoned.
func (sg *SafeGroup) WaitOrInterrupt(gracePeriod time.Duration) error {
	if sg == nil || sg.Group == nil {
		return nil
	}
	ctx := sg.parent
	if ctx == nil {
		return sg.Group.Wait()
	}

	waitCh := make(chan error, 1)
	go func() {
		waitCh <- sg.Group.Wait()
	}()

	select {
	case err := <-waitCh:
		return normalizeInterruptError(ctx, err)
	case <-ctx.Done():
		if gracePeriod <= 0 {
			return ctx.Err()
		}
		select {
		case err := <-waitCh:
			return normalizeInterruptError(ctx, err)
		case <-time.After(gracePeriod):
			return ctx.Err()
		}
	}
}

// normalizeInterruptError maps context cancellation errors to ctx.Err().
func normalizeInterruptError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if ctx != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	if ctx != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return ctx.Err()
	}
	return err
}
