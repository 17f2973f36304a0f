package executor

import (
	"context"
	"sync"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

const (
	// GeneralPool runs cluster-management work: forward and sync-up handlers, dispatch callbacks, persistence.
	GeneralPool = "general"

	// ExecutePool runs model work (load, predict, train). It is separate from GeneralPool so that long-running
	// inference or training never starves cluster-management traffic.
	ExecutePool = "execute"
)

var (
	ErrPoolShutdown = errors.New("executor pool has been shut down")
)

// Pool runs submitted functions on goroutines, at most size at a time.
//
// Submit never blocks the caller: a submitted function waits for a slot on its own goroutine.
type Pool struct {
	log logger.Logger

	name string
	size int64
	sem  *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPool(name string, size int) *Pool {
	if size <= 0 {
		size = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	pool := &Pool{
		name:   name,
		size:   int64(size),
		sem:    semaphore.NewWeighted(int64(size)),
		ctx:    ctx,
		cancel: cancel,
	}
	config.InitLogger(&pool.log, "Pool["+name+"] ")
	return pool
}

func (p *Pool) Name() string {
	return p.name
}

// Submit schedules fn. It returns ErrPoolShutdown if the pool no longer accepts work.
func (p *Pool) Submit(fn func()) error {
	if p.ctx.Err() != nil {
		return ErrPoolShutdown
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			p.log.Warn("Dropping queued work because the pool is shutting down.")
			return
		}
		defer p.sem.Release(1)

		defer func() {
			if r := recover(); r != nil {
				p.log.Error("Recovered from panic in pooled work: %v", r)
			}
		}()

		fn()
	}()

	return nil
}

// Shutdown stops accepting work, drops work that has not started and waits for running work until ctx expires.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
