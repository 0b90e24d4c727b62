// Package indicators computes the per-bar indicator columns the backtest
// engine reads: moving averages, session VWAP, TTM Squeeze state and
// premarket levels.
package indicators

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"smallcap-backtester/internal/models"
)

// Indicator defines the interface for single-value technical indicators.
type Indicator interface {
	Name() string
	Calculate(candles []models.Candle) ([]float64, error)
	Period() int
}

// MultiValueIndicator defines the interface for indicators that return multiple values.
type MultiValueIndicator interface {
	Name() string
	Calculate(candles []models.Candle) (map[string][]float64, error)
	Period() int
}

// Results holds the output of one CalculateAll pass.
type Results struct {
	Single map[string][]float64
	Multi  map[string]map[string][]float64
}

// Engine provides parallel indicator calculation using a worker pool.
type Engine struct {
	workers     int
	indicators  map[string]Indicator
	multiIndics map[string]MultiValueIndicator
	mu          sync.RWMutex
}

// NewEngine creates a new indicator engine with the specified number of workers.
func NewEngine(workers int) *Engine {
	if workers <= 0 {
		workers = 4
	}
	return &Engine{
		workers:     workers,
		indicators:  make(map[string]Indicator),
		multiIndics: make(map[string]MultiValueIndicator),
	}
}

// RegisterIndicator registers a single-value indicator.
func (e *Engine) RegisterIndicator(ind Indicator) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.indicators[ind.Name()] = ind
}

// RegisterMultiIndicator registers a multi-value indicator.
func (e *Engine) RegisterMultiIndicator(ind MultiValueIndicator) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.multiIndics[ind.Name()] = ind
}

type job struct {
	single Indicator
	multi  MultiValueIndicator
}

// CalculateAll calculates every registered indicator in parallel. The first
// calculation error, or the context error, is returned.
func (e *Engine) CalculateAll(ctx context.Context, candles []models.Candle) (*Results, error) {
	e.mu.RLock()
	jobs := make([]job, 0, len(e.indicators)+len(e.multiIndics))
	for _, ind := range e.indicators {
		jobs = append(jobs, job{single: ind})
	}
	for _, ind := range e.multiIndics {
		jobs = append(jobs, job{multi: ind})
	}
	e.mu.RUnlock()

	res := &Results{
		Single: make(map[string][]float64),
		Multi:  make(map[string]map[string][]float64),
	}
	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		firstErr error
	)

	work := make(chan job, len(jobs))
	for i := 0; i < e.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range work {
				if ctx.Err() != nil {
					return
				}
				var err error
				if j.single != nil {
					var values []float64
					values, err = j.single.Calculate(candles)
					mu.Lock()
					if err == nil {
						res.Single[j.single.Name()] = values
					} else if firstErr == nil {
						firstErr = fmt.Errorf("%s: %w", j.single.Name(), err)
					}
					mu.Unlock()
					continue
				}
				var values map[string][]float64
				values, err = j.multi.Calculate(candles)
				mu.Lock()
				if err == nil {
					res.Multi[j.multi.Name()] = values
				} else if firstErr == nil {
					firstErr = fmt.Errorf("%s: %w", j.multi.Name(), err)
				}
				mu.Unlock()
			}
		}()
	}

	for _, j := range jobs {
		work <- j
	}
	close(work)

	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return res, nil
}

// ListIndicators returns the sorted names of every registered indicator.
func (e *Engine) ListIndicators() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.indicators)+len(e.multiIndics))
	for name := range e.indicators {
		names = append(names, name)
	}
	for name := range e.multiIndics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
