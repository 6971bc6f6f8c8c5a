// Package executor runs blocking device calls on a bounded pool of workers.
//
// Callers wait for a result or for their timeout, whichever comes first. A
// call that outlives its caller keeps running to completion on a context that
// is detached from the caller's cancellation; its result is dropped.
package executor

import (
	"context"
	"errors"
	"runtime/debug"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"Droidlink/pkg/logging"
	"Droidlink/pkg/types"
)

// Executor bounds how many blocking transport calls run at once.
type Executor struct {
	sem            *semaphore.Weighted
	workers        int
	defaultTimeout time.Duration
}

// New creates an executor with the given pool size and default timeout.
func New(workers int, defaultTimeout time.Duration) *Executor {
	if workers < 1 {
		workers = 1
	}
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &Executor{
		sem:            semaphore.NewWeighted(int64(workers)),
		workers:        workers,
		defaultTimeout: defaultTimeout,
	}
}

// Workers returns the pool size
func (e *Executor) Workers() int { return e.workers }

// DefaultTimeout returns the timeout used when a call passes timeout <= 0
func (e *Executor) DefaultTimeout() time.Duration { return e.defaultTimeout }

type outcome[T any] struct {
	val T
	err error
}

// Run executes call on a worker and waits up to timeout (the executor default
// when timeout <= 0) for its result. Waiting for a free worker counts against
// the timeout. On timeout a TimeoutError is returned while call continues in
// the background. Errors from call are returned unchanged.
func Run[T any](ctx context.Context, e *Executor, op string, timeout time.Duration, call func(context.Context) (T, error)) (T, error) {
	var zero T
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := e.sem.Acquire(waitCtx, 1); err != nil {
		return zero, waitError(ctx, op, timeout)
	}

	done := make(chan outcome[T], 1)
	var abandoned atomic.Bool
	started := time.Now()
	callCtx := context.WithoutCancel(ctx)

	go func() {
		defer e.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				logging.Panic("executor", op, r, string(debug.Stack()))
				done <- outcome[T]{err: types.CommandFailed(op, "", errors.New("internal error in device call"))}
			}
		}()

		val, err := call(callCtx)
		select {
		case done <- outcome[T]{val: val, err: err}:
		default:
		}

		if abandoned.Load() {
			logging.Debug("executor").
				Str("op", op).
				Dur("elapsed", time.Since(started)).
				AnErr("result_err", err).
				Msg("Discarding result of timed-out call")
		}
	}()

	select {
	case res := <-done:
		return res.val, res.err
	case <-waitCtx.Done():
		abandoned.Store(true)
		return zero, waitError(ctx, op, timeout)
	}
}

// Do is Run for calls that only return an error.
func (e *Executor) Do(ctx context.Context, op string, timeout time.Duration, call func(context.Context) error) error {
	_, err := Run(ctx, e, op, timeout, func(c context.Context) (struct{}, error) {
		return struct{}{}, call(c)
	})
	return err
}

// waitError distinguishes the caller giving up from the timeout expiring.
func waitError(ctx context.Context, op string, timeout time.Duration) error {
	if err := ctx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return types.TimeoutError(op, timeout)
}
