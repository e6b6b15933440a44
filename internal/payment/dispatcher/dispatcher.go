// Package dispatcher runs plugin calls on a shared bounded worker pool.
// Callers wait up to the configured timeout; a call that outlives it keeps
// running on its worker so the gateway side still finishes, but the caller
// is answered with a timeout and the janitor owns the row from then on.
package dispatcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrTimeout = errors.New("payment_plugin_timeout")
	ErrStopped = errors.New("payment_dispatcher_stopped")
)

type result struct {
	value interface{}
	err   error
}

type task struct {
	ctx context.Context
	run func(ctx context.Context) (interface{}, error)
	out chan result
}

type Dispatcher struct {
	log     *zap.Logger
	timeout time.Duration

	tasks chan task
	done  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
}

func New(log *zap.Logger, workers int, timeout time.Duration) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	d := &Dispatcher{
		log:     log.Named("payment.dispatcher"),
		timeout: timeout,
		tasks:   make(chan task),
		done:    make(chan struct{}),
	}
	d.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go d.worker()
	}
	return d
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.done:
			return
		case t := <-d.tasks:
			value, err := d.safeRun(t.ctx, t.run)
			t.out <- result{value: value, err: err}
		}
	}
}

func (d *Dispatcher) safeRun(ctx context.Context, run func(ctx context.Context) (interface{}, error)) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("plugin call panicked", zap.Any("panic", r))
			err = errors.New("plugin panic")
		}
	}()
	return run(ctx)
}

// Submit schedules run on the pool and waits for its answer or the timeout,
// whichever comes first.
func (d *Dispatcher) Submit(ctx context.Context, run func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	// Buffered so a worker finishing after the timeout does not block.
	out := make(chan result, 1)
	t := task{ctx: ctx, run: run, out: out}

	timer := time.NewTimer(d.timeout)
	defer timer.Stop()

	select {
	case d.tasks <- t:
	case <-d.done:
		return nil, ErrStopped
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-out:
		return res.value, res.err
	case <-timer.C:
		d.log.Warn("plugin call exceeded timeout, abandoning caller wait")
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop refuses new work and waits for in-flight calls to finish.
func (d *Dispatcher) Stop() {
	d.once.Do(func() { close(d.done) })
	d.wg.Wait()
}
