package fx

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu    sync.Mutex
	calls int32
	rates map[Pair]float64
	batch [][]Pair
}

func (s *fakeSource) Rates(ctx context.Context, pairs []Pair) (map[Pair]float64, error) {
	atomic.AddInt32(&s.calls, 1)
	s.mu.Lock()
	s.batch = append(s.batch, append([]Pair(nil), pairs...))
	s.mu.Unlock()
	out := make(map[Pair]float64, len(pairs))
	for _, p := range pairs {
		out[p] = s.rates[p]
	}
	return out, nil
}

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCache(client, time.Hour, time.Minute), mr
}

func TestConvertSameCurrencyShortCircuits(t *testing.T) {
	source := &fakeSource{}
	cache, _ := newTestCache(t)
	b := NewBatcher(source, cache, slog.Default(), 0)

	res, err := b.Convert(context.Background(), 42.5, "usd", "USD")
	require.NoError(t, err)
	require.False(t, res.Converted)
	require.Equal(t, 42.5, res.ConvertedAmount)
	require.Equal(t, int32(0), atomic.LoadInt32(&source.calls))
}

func TestBatcherCollapsesWindowIntoOneFetch(t *testing.T) {
	source := &fakeSource{rates: map[Pair]float64{
		NewPair("USD", "KES"): 129,
		NewPair("USD", "EUR"): 0.86,
	}}
	cache, _ := newTestCache(t)
	b := NewBatcher(source, cache, slog.Default(), 20*time.Millisecond)

	var wg sync.WaitGroup
	results := make([]Result, 3)
	errs := make([]error, 3)
	convert := func(i int, amount float64, to string) {
		defer wg.Done()
		results[i], errs[i] = b.Convert(context.Background(), amount, "USD", to)
	}
	wg.Add(3)
	go convert(0, 100, "KES")
	go convert(1, 250, "KES") // same pair, different amount
	go convert(2, 100, "EUR")
	wg.Wait()

	for i := range errs {
		require.NoError(t, errs[i])
	}
	// Three requests, two distinct pairs, exactly one dispatch.
	require.Equal(t, int32(1), atomic.LoadInt32(&source.calls))
	require.Equal(t, 12900.0, results[0].ConvertedAmount)
	require.Equal(t, 32250.0, results[1].ConvertedAmount)
	require.Equal(t, 86.0, results[2].ConvertedAmount)
}

func TestBatcherCachesByPairNotAmount(t *testing.T) {
	source := &fakeSource{rates: map[Pair]float64{NewPair("USD", "KES"): 129}}
	cache, _ := newTestCache(t)
	b := NewBatcher(source, cache, slog.Default(), 0)

	_, err := b.Convert(context.Background(), 10, "USD", "KES")
	require.NoError(t, err)
	_, err = b.Convert(context.Background(), 9999, "USD", "KES")
	require.NoError(t, err)

	require.Equal(t, int32(1), atomic.LoadInt32(&source.calls))
}

func TestCacheTTLSplitsCryptoFromFiat(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()

	_, err := cache.Put(ctx, NewPair("USD", "EUR"), 0.86)
	require.NoError(t, err)
	_, err = cache.Put(ctx, NewPair("ETH", "USD"), 3200)
	require.NoError(t, err)

	// Past the crypto TTL but within the fiat TTL.
	mr.FastForward(2 * time.Minute)

	_, ok, err := cache.Get(ctx, NewPair("USD", "EUR"))
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = cache.Get(ctx, NewPair("ETH", "USD"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCacheLocksTimestampFromClock(t *testing.T) {
	cache, _ := newTestCache(t)
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cache.clock = func() time.Time { return at }

	locked, err := cache.Put(context.Background(), NewPair("USD", "KES"), 129)
	require.NoError(t, err)
	require.Equal(t, at, locked.LockedAt)

	got, ok, err := cache.Get(context.Background(), NewPair("USD", "KES"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, locked, got)
}
