package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Dispatcher coordinates multi-engine fetching with staged escalation.
// The cheapest engine starts first and heavier engines join the race
// after their escalation delay, so a working HTTP fast path keeps the
// browser idle while a blocked one costs only its delay.
type Dispatcher struct {
	engines          []Engine
	escalationDelays []time.Duration
	memory           *Memory
}

// NewDispatcher creates a Dispatcher. engines[i] starts after
// escalationDelays[i] from the race beginning; the first delay should
// be 0 (immediate start).
func NewDispatcher(engines []Engine, escalationDelays []time.Duration, memory *Memory) *Dispatcher {
	delays := make([]time.Duration, len(engines))
	copy(delays, escalationDelays)
	return &Dispatcher{
		engines:          engines,
		escalationDelays: delays,
		memory:           memory,
	}
}

// Dispatch runs the engine race for the given request and returns the
// first successful result. If all engines fail, it returns the last
// error.
func (d *Dispatcher) Dispatch(ctx context.Context, req *FetchRequest) (*FetchResult, error) {
	kind := req.Target.Kind

	// A remembered winner skips the race entirely.
	if remembered := d.memory.Get(kind); remembered != "" {
		for _, eng := range d.engines {
			if eng.Name() != remembered {
				continue
			}
			slog.Debug("engine memory hit", "kind", kind, "engine", remembered)
			result, err := eng.Fetch(ctx, req)
			if err == nil {
				return result, nil
			}
			slog.Info("remembered engine failed, running full race",
				"kind", kind, "engine", remembered, "error", err)
			d.memory.Delete(kind)
			break
		}
	}

	return d.race(ctx, req)
}

// race runs all engines with staged delays and returns the first success.
func (d *Dispatcher) race(ctx context.Context, req *FetchRequest) (*FetchResult, error) {
	type raceResult struct {
		result *FetchResult
		err    error
	}

	raceCtx, raceCancel := context.WithCancel(ctx)
	defer raceCancel()

	results := make(chan raceResult, len(d.engines))
	var wg sync.WaitGroup

	for i, eng := range d.engines {
		delay := d.escalationDelays[i]
		wg.Add(1)
		go func(e Engine, delay time.Duration) {
			defer wg.Done()

			if delay > 0 {
				select {
				case <-raceCtx.Done():
					return
				case <-time.After(delay):
				}
			}

			select {
			case <-raceCtx.Done():
				return
			default:
			}

			slog.Debug("engine starting", "engine", e.Name(), "url", req.Target.URL)
			result, err := e.Fetch(raceCtx, req)
			if err != nil {
				slog.Debug("engine failed", "engine", e.Name(), "url", req.Target.URL, "error", err)
			}
			results <- raceResult{result: result, err: err}
		}(eng, delay)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var lastErr error
	for rr := range results {
		if rr.err != nil {
			lastErr = rr.err
			continue
		}
		// First success wins; cancel the stragglers.
		raceCancel()
		slog.Debug("engine won race", "engine", rr.result.EngineName, "url", req.Target.URL)
		d.memory.Set(req.Target.Kind, rr.result.EngineName)
		return rr.result, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("dispatcher: all engines failed for %s", req.Target.URL)
	}
	return nil, lastErr
}
