package tiered_storage

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSweeper_DrainsToWatermark(t *testing.T) {
	ps := newTestStore(t, 100, 1000, EvictDemote)
	for _, p := range []string{"/d/a", "/d/b", "/d/c", "/d/d"} {
		_, err := ps.AddFile(p, 25)
		require.NoError(t, err)
		require.NoError(t, ps.SetOpenState(p, false))
	}
	ps.UpdateAccess("/d/a")
	ps.UpdateAccess("/d/b")

	var handled []Eviction
	s := NewSweeper(ps, SweeperConfig{HighWatermark: 0.5}, func(ev Eviction) {
		handled = append(handled, ev)
	}, zap.NewNop())

	evicted := s.Sweep()
	require.Len(t, evicted, 2)
	require.Equal(t, evicted, handled)
	// Never-accessed files go first, in path order.
	require.Equal(t, "/d/c", evicted[0].Path)
	require.Equal(t, "/d/d", evicted[1].Path)

	fast, capacity := ps.GetUsageBytes()
	require.Equal(t, uint64(50), fast)
	require.Equal(t, uint64(50), capacity)
}

func TestSweeper_StopsWhenEverythingIsOpen(t *testing.T) {
	ps := newTestStore(t, 100, 1000, EvictDemote)
	_, err := ps.AddFile("/d/a", 90)
	require.NoError(t, err)

	s := NewSweeper(ps, SweeperConfig{HighWatermark: 0.5}, nil, zap.NewNop())
	require.Empty(t, s.Sweep())
	require.Equal(t, FastTier, ps.GetTier("/d/a"))
}

func TestSweeper_BackgroundLoop(t *testing.T) {
	ps := newTestStore(t, 100, 1000, EvictRemove)
	_, err := ps.AddFile("/d/a", 80)
	require.NoError(t, err)
	require.NoError(t, ps.SetOpenState("/d/a", false))

	var mu sync.Mutex
	var handled []Eviction
	s := NewSweeper(ps, SweeperConfig{Interval: 10 * time.Millisecond, HighWatermark: 0.5}, func(ev Eviction) {
		mu.Lock()
		defer mu.Unlock()
		handled = append(handled, ev)
	}, zap.NewNop())
	require.NoError(t, s.Start())
	defer s.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(handled) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Stop())
	require.Equal(t, UnknownTier, ps.GetTier("/d/a"))
}
