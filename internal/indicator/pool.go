package indicator

import (
	"context"
	"errors"
	"sync"

	"coinpulse/internal/domain"
)

var ErrPoolClosed = errors.New("indicator pool closed")

type job struct {
	prices  []float64
	volumes []float64
	result  chan<- jobResult
}

type jobResult struct {
	indicators domain.Indicators
	err        error
}

// Pool runs Calculate on a fixed set of worker goroutines.
type Pool struct {
	jobs      chan job
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewPool(workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{
		jobs: make(chan job),
		done: make(chan struct{}),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case j := <-p.jobs:
			ind, err := Calculate(j.prices, j.volumes)
			j.result <- jobResult{indicators: ind, err: err}
		}
	}
}

// Compute hands the series to a worker and waits for the result or ctx.
func (p *Pool) Compute(ctx context.Context, series domain.PriceSeries) (domain.Indicators, error) {
	if err := ctx.Err(); err != nil {
		return domain.Indicators{}, err
	}
	result := make(chan jobResult, 1)
	j := job{prices: series.Prices(), volumes: series.Volumes, result: result}

	select {
	case <-ctx.Done():
		return domain.Indicators{}, ctx.Err()
	case <-p.done:
		return domain.Indicators{}, ErrPoolClosed
	case p.jobs <- j:
	}

	select {
	case <-ctx.Done():
		return domain.Indicators{}, ctx.Err()
	case r := <-result:
		return r.indicators, r.err
	}
}

// Close stops the workers and waits for in-flight jobs.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
	})
	p.wg.Wait()
}
