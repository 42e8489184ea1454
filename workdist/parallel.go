package workdist

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Swind/goo-runtime/core"
)

// Body processes one index of a parallel loop.
type Body func(ctx context.Context, index uint64) error

// ParallelFor runs body for every index of cfg on pool, one task per worker.
// cfg.Workers defaults to pool.WorkerCount(). The first error cancels the
// remaining iterations; all errors are joined.
func ParallelFor(ctx context.Context, pool core.ThreadPool, cfg Config, body Body, opts ...Option) error {
	_, err := run(ctx, pool, cfg, opts, func(ctx context.Context, d *Distribution, id int) error {
		return drain(ctx, d, id, body)
	})
	return err
}

// ParallelReduce maps every index of cfg and folds the results with combine.
// Each worker folds its own indices starting from identity; the partial
// results are then folded in worker order, so combine must be associative.
func ParallelReduce[T any](
	ctx context.Context,
	pool core.ThreadPool,
	cfg Config,
	identity T,
	mapFn func(ctx context.Context, index uint64) (T, error),
	combine func(a, b T) T,
	opts ...Option,
) (T, error) {
	var mu sync.Mutex
	partials := make(map[int]T)

	workers, err := run(ctx, pool, cfg, opts, func(ctx context.Context, d *Distribution, id int) error {
		acc := identity
		err := drain(ctx, d, id, func(ctx context.Context, index uint64) error {
			v, err := mapFn(ctx, index)
			if err != nil {
				return err
			}
			acc = combine(acc, v)
			return nil
		})
		mu.Lock()
		partials[id] = acc
		mu.Unlock()
		return err
	})
	if err != nil {
		return identity, err
	}

	result := identity
	for id := 0; id < workers; id++ {
		if p, ok := partials[id]; ok {
			result = combine(result, p)
		}
	}
	return result, nil
}

// drain pulls indices for worker id until the distribution is exhausted,
// trying a steal before giving up.
func drain(ctx context.Context, d *Distribution, id int, body Body) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		index, ok := d.Next(id)
		if !ok {
			if d.DetectImbalance(id) {
				continue
			}
			return nil
		}
		if err := body(ctx, index); err != nil {
			return fmt.Errorf("index %d: %w", index, err)
		}
	}
}

// run submits one task per worker and waits for all of them.
func run(
	ctx context.Context,
	pool core.ThreadPool,
	cfg Config,
	opts []Option,
	work func(ctx context.Context, d *Distribution, id int) error,
) (int, error) {
	if pool == nil {
		return 0, fmt.Errorf("%w: nil pool", core.ErrConfiguration)
	}
	if cfg.Workers == 0 {
		cfg.Workers = pool.WorkerCount()
	}
	d, err := New(cfg, opts...)
	if err != nil {
		return 0, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu   sync.Mutex
		errs []error
	)
	fail := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
		cancel()
	}

	handles := make([]*core.TaskHandle, 0, cfg.Workers)
	for id := 0; id < cfg.Workers; id++ {
		h, err := pool.Submit(func(taskCtx context.Context) error {
			stop := context.AfterFunc(taskCtx, cancel)
			defer stop()
			if err := work(ctx, d, id); err != nil && !errors.Is(err, context.Canceled) {
				fail(fmt.Errorf("worker %d: %w", id, err))
			}
			return nil
		}, core.WithTaskName(fmt.Sprintf("workdist/%s/%d", cfg.Schedule, id)))
		if err != nil {
			fail(fmt.Errorf("submit worker %d: %w", id, err))
			break
		}
		handles = append(handles, h)
	}

	for _, h := range handles {
		// Panics surface through the handle rather than fail().
		if err := h.Wait(context.Background()); err != nil {
			fail(err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(errs) > 0 {
		return cfg.Workers, errors.Join(errs...)
	}
	// Cancelled by the caller or by the pool shutting down.
	if err := ctx.Err(); err != nil {
		return cfg.Workers, err
	}
	return cfg.Workers, nil
}
