package fx

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"
)

const flushTimeout = 15 * time.Second

// Result reports one conversion, carrying the rate that was locked for it.
type Result struct {
	OriginalAmount  float64
	ConvertedAmount float64
	Pair            Pair
	Rate            float64
	LockedAt        time.Time
	Converted       bool
}

// Batcher collects conversion requests issued within a short window and
// dispatches them to the rate source as a single batch. Results are cached
// per currency pair, never per amount, so any number of conversions between
// the same currencies costs one fetch per TTL.
type Batcher struct {
	source RateSource
	cache  *Cache
	logger *slog.Logger
	wait   time.Duration

	mu      sync.Mutex
	pending map[Pair][]chan rateReply
	timer   *time.Timer
}

type rateReply struct {
	locked LockedRate
	err    error
}

// NewBatcher constructs a Batcher. wait is the collection window; zero
// degenerates to immediate per-call dispatch, which tests use.
func NewBatcher(source RateSource, cache *Cache, logger *slog.Logger, wait time.Duration) *Batcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Batcher{
		source:  source,
		cache:   cache,
		logger:  logger,
		wait:    wait,
		pending: make(map[Pair][]chan rateReply),
	}
}

// Convert converts amount between the two currencies, locking the applied
// rate. Results are rounded to two decimals.
func (b *Batcher) Convert(ctx context.Context, amount float64, from, to string) (Result, error) {
	pair := NewPair(from, to)
	if pair.Same() {
		return Result{OriginalAmount: amount, ConvertedAmount: amount, Pair: pair, Rate: 1}, nil
	}
	locked, err := b.Rate(ctx, pair)
	if err != nil {
		return Result{}, err
	}
	return Result{
		OriginalAmount:  amount,
		ConvertedAmount: round2(amount * locked.Rate),
		Pair:            pair,
		Rate:            locked.Rate,
		LockedAt:        locked.LockedAt,
		Converted:       true,
	}, nil
}

// Rate returns the locked rate for a pair, waiting for the current batch
// window when the cache misses.
func (b *Batcher) Rate(ctx context.Context, pair Pair) (LockedRate, error) {
	if pair.Same() {
		return LockedRate{Rate: 1}, nil
	}
	locked, ok, err := b.cache.Get(ctx, pair)
	if err != nil {
		b.logger.Warn("fx cache read failed", slog.String("pair", pair.String()), slog.Any("error", err))
	}
	if ok {
		return locked, nil
	}

	ch := make(chan rateReply, 1)
	b.mu.Lock()
	b.pending[pair] = append(b.pending[pair], ch)
	if b.timer == nil {
		b.timer = time.AfterFunc(b.wait, b.flush)
	}
	b.mu.Unlock()

	select {
	case <-ctx.Done():
		return LockedRate{}, ctx.Err()
	case reply := <-ch:
		return reply.locked, reply.err
	}
}

// flush dispatches everything collected during the window as one batch.
func (b *Batcher) flush() {
	b.mu.Lock()
	batch := b.pending
	b.pending = make(map[Pair][]chan rateReply)
	b.timer = nil
	b.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	// Waiters carry their own contexts; the dispatch itself is detached so a
	// single cancelled caller cannot starve the rest of the batch.
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	pairs := make([]Pair, 0, len(batch))
	for pair := range batch {
		pairs = append(pairs, pair)
	}

	rates, err := b.source.Rates(ctx, pairs)
	if err != nil {
		b.logger.Warn("fx batch fetch failed", slog.Int("pairs", len(pairs)), slog.Any("error", err))
		b.deliverError(batch, err)
		return
	}

	for pair, waiters := range batch {
		rate, ok := rates[pair]
		if !ok {
			reply := rateReply{err: fmt.Errorf("fx: no rate for %s", pair)}
			for _, ch := range waiters {
				ch <- reply
			}
			continue
		}
		locked, perr := b.cache.Put(ctx, pair, rate)
		if perr != nil {
			b.logger.Warn("fx cache write failed", slog.String("pair", pair.String()), slog.Any("error", perr))
		}
		for _, ch := range waiters {
			ch <- rateReply{locked: locked}
		}
	}
}

func (b *Batcher) deliverError(batch map[Pair][]chan rateReply, err error) {
	for pair, waiters := range batch {
		reply := rateReply{err: fmt.Errorf("fx: rate for %s: %w", pair, err)}
		for _, ch := range waiters {
			ch <- reply
		}
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
