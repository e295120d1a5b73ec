package optimizer

import (
	"context"
	"sync"
	"time"

	"github.com/goodtune/pricefleet/internal/pool"
	"github.com/goodtune/pricefleet/internal/session"
)

type batchResult struct {
	out Outcome
	err error
}

type batchItem struct {
	ctx      context.Context
	req      Request
	strategy Strategy
	done     chan batchResult // buffered; receives exactly one result
}

func (it *batchItem) finish(out Outcome, err error) {
	out.Source = SourceBatch
	it.done <- batchResult{out: out, err: err}
}

// batch collects one platform's deferred requests until its flush time.
type batch struct {
	platform  string
	executeAt time.Time
	items     []*batchItem
	timer     *time.Timer
}

type batcher struct {
	engine *Engine

	mu      sync.Mutex
	batches map[string]*batch
	closed  bool
	running sync.WaitGroup
}

func newBatcher(e *Engine) *batcher {
	return &batcher{
		engine:  e,
		batches: make(map[string]*batch),
	}
}

// submit adds req to its platform's open batch, opening one that flushes
// at the strategy's execution time if needed, and waits for its result.
func (b *batcher) submit(ctx context.Context, req Request, strategy Strategy) (Outcome, error) {
	item := &batchItem{
		ctx:      ctx,
		req:      req,
		strategy: strategy,
		done:     make(chan batchResult, 1),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return Outcome{}, ErrClosed
	}
	bt, ok := b.batches[req.Platform]
	if !ok {
		delay := max(0, strategy.ExecuteAt.Sub(b.engine.clock.Now()))
		bt = &batch{platform: req.Platform, executeAt: strategy.ExecuteAt}
		b.batches[req.Platform] = bt
		b.running.Add(1)
		bt.timer = time.AfterFunc(delay, func() { b.flush(bt) })
	}
	bt.items = append(bt.items, item)
	size := len(bt.items)
	b.mu.Unlock()

	b.engine.logger.Debug().
		Str("request_id", req.ID).
		Str("platform", req.Platform).
		Time("execute_at", bt.executeAt).
		Int("batch_size", size).
		Msg("Request deferred into batch")

	select {
	case r := <-item.done:
		return r.out, r.err
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

func (b *batcher) flush(bt *batch) {
	defer b.running.Done()

	b.mu.Lock()
	if b.batches[bt.platform] == bt {
		delete(b.batches, bt.platform)
	}
	items := bt.items
	b.mu.Unlock()

	b.engine.runBatch(bt.platform, items)
}

// close stops batches that have not started and rejects their requests.
func (b *batcher) close(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	var stopped []*batch
	for platform, bt := range b.batches {
		if bt.timer.Stop() {
			stopped = append(stopped, bt)
			delete(b.batches, platform)
		}
	}
	b.mu.Unlock()

	for _, bt := range stopped {
		for _, it := range bt.items {
			it.finish(Outcome{}, ErrClosed)
		}
		b.running.Done()
	}

	done := make(chan struct{})
	go func() {
		b.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runBatch serves a flushed batch on as few sessions as possible. One
// session is borrowed and the requests run on it in turn; a replacement is
// borrowed only if the session stops being usable.
func (e *Engine) runBatch(platform string, items []*batchItem) {
	var live []*batchItem
	priority := 0
	var total time.Duration
	for _, it := range items {
		if err := it.ctx.Err(); err != nil {
			it.finish(Outcome{}, err)
			continue
		}
		live = append(live, it)
		priority = max(priority, it.req.Priority)
		total += it.strategy.Timeout
	}
	if len(live) == 0 {
		return
	}

	failAll := func(rest []*batchItem, err error) {
		for _, it := range rest {
			it.finish(Outcome{}, err)
		}
	}

	est, opts := e.estimate(platform, total, !e.pool.HasIdle(platform))
	reservation, err := e.budget.Reserve(est)
	if err != nil {
		failAll(live, err)
		return
	}
	defer reservation.Release()

	ctx := context.Background()
	var s *session.Session
	defer func() {
		if s != nil {
			e.pool.Release(s)
		}
	}()

	for i, it := range live {
		if s == nil {
			s, err = e.pool.Acquire(ctx, platform, priority, append(opts, pool.WithReuseBias())...)
			if err != nil {
				s = nil
				failAll(live[i:], err)
				return
			}
		}
		if err := it.ctx.Err(); err != nil {
			it.finish(Outcome{}, err)
			continue
		}

		out, err := e.runOn(it.ctx, s, it.req, it.strategy.Timeout)
		it.finish(out, err)

		if s.Status() != session.StatusActive || s.InUse() {
			e.pool.Release(s)
			s = nil
			opts = nil
		}
	}

	e.logger.Info().
		Str("platform", platform).
		Int("batch_size", len(live)).
		Msg("Batch flushed")
}
