// Package live keeps a subscriber's view of an aggregate fresh by polling
// on a fixed interval.
package live

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"home-energy/internal/aggregate"
	"home-energy/internal/metrics"
)

// DefaultInterval is the polling period when none is configured.
const DefaultInterval = 60 * time.Second

// ComputeFunc produces the aggregate a poller watches.
type ComputeFunc func(ctx context.Context) (*aggregate.Aggregate, error)

// ResultFunc receives every completed computation.
type ResultFunc func(agg *aggregate.Aggregate, err error)

// Option configures a Poller.
type Option func(*Poller)

func WithInterval(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Poller) { p.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Poller) { p.metrics = m }
}

// Poller runs compute once at start and then on every tick. A tick that
// arrives while the previous computation is still running is dropped.
// Refresh runs a computation immediately and restarts the interval.
// Each subscriber owns its own Poller.
type Poller struct {
	compute  ComputeFunc
	onResult ResultFunc
	interval time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	refresh  chan struct{}
	inFlight atomic.Bool
	wg       sync.WaitGroup

	mu      sync.Mutex
	last    *aggregate.Aggregate
	updated time.Time
}

// NewPoller creates a poller. onResult may be nil.
func NewPoller(compute ComputeFunc, onResult ResultFunc, opts ...Option) *Poller {
	p := &Poller{
		compute:  compute,
		onResult: onResult,
		interval: DefaultInterval,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:      time.Now,
		refresh:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run polls until ctx is cancelled, then waits for any computation in
// flight and returns ctx.Err().
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	defer p.wg.Wait()

	p.tick(ctx, "run")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.tick(ctx, "run")
		case <-p.refresh:
			ticker.Reset(p.interval)
			p.tick(ctx, "refresh")
		}
	}
}

// Refresh requests an immediate computation. It never blocks; requests
// made while one is already pending are merged.
func (p *Poller) Refresh() {
	select {
	case p.refresh <- struct{}{}:
	default:
	}
}

func (p *Poller) tick(ctx context.Context, reason string) {
	if !p.inFlight.CompareAndSwap(false, true) {
		p.metrics.PollTick("dropped")
		p.logger.Debug("poll dropped, previous still running", "reason", reason)
		return
	}
	p.metrics.PollTick(reason)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.inFlight.Store(false)

		agg, err := p.compute(ctx)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Warn("poll failed", "err", err)
			}
		} else {
			p.mu.Lock()
			p.last = agg
			p.updated = p.now()
			p.mu.Unlock()
		}
		if p.onResult != nil && ctx.Err() == nil {
			p.onResult(agg, err)
		}
	}()
}

// Last returns the most recent successful result and when it arrived.
func (p *Poller) Last() (*aggregate.Aggregate, time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last, p.updated
}

// LastUpdated returns the "last updated" label for the current result, or
// "never" before the first success.
func (p *Poller) LastUpdated() string {
	_, at := p.Last()
	if at.IsZero() {
		return "never"
	}
	return RelativeTime(p.now().Sub(at))
}
