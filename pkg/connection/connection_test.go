package connection

import (
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_PublishAndResolve(t *testing.T) {
	dir := t.TempDir()
	writer := NewRegistry(dir, "1234")
	require.Equal(t, dir+"/.ports.cfg.1234", writer.Path())

	require.NoError(t, writer.Publish(0, "10.0.0.1:7000"))
	require.NoError(t, writer.Publish(1, "10.0.0.2:7000"))

	// A separate reader, like a client process, sees both lines.
	reader := NewRegistry(dir, "1234")
	addr, err := reader.Resolve(1)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.2:7000", addr)
	require.Equal(t, []int{0, 1}, reader.Ranks())

	_, err = reader.Resolve(7)
	require.ErrorIs(t, err, ErrUnknownRank)
}

func TestRegistry_LaterLineWins(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(dir, "j")
	require.NoError(t, r.Publish(0, "old:1"))
	require.NoError(t, r.Publish(0, "new:2"))

	fresh := NewRegistry(dir, "j")
	require.NoError(t, fresh.Load())
	addr, err := fresh.Resolve(0)
	require.NoError(t, err)
	require.Equal(t, "new:2", addr)
	require.Equal(t, 1, fresh.Len())
}

func TestRegistry_ConcurrentPublishersDoNotInterleave(t *testing.T) {
	dir := t.TempDir()
	const servers = 32

	var wg sync.WaitGroup
	for rank := 0; rank < servers; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			assert.NoError(t, NewRegistry(dir, "job").Publish(rank, fmt.Sprintf("host%d:%d", rank, 9000+rank)))
		}(rank)
	}
	wg.Wait()

	r := NewRegistry(dir, "job")
	require.NoError(t, r.Load())
	require.Equal(t, servers, r.Len())
	for rank := 0; rank < servers; rank++ {
		addr, err := r.Resolve(rank)
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("host%d:%d", rank, 9000+rank), addr)
	}
}

func TestRegistry_MalformedLine(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(dir, "bad")
	require.NoError(t, os.WriteFile(r.Path(), []byte("0 a:1\nnot-a-line\n"), 0644))
	require.Error(t, r.Load())
	require.Error(t, r.Publish(1, "has space:1"))
}

func TestConnManager_CachesPerAddress(t *testing.T) {
	m := NewConnManager()
	a1, err := m.Get("127.0.0.1:1")
	require.NoError(t, err)
	a2, err := m.Get("127.0.0.1:1")
	require.NoError(t, err)
	require.Same(t, a1, a2)

	_, err = m.Get("127.0.0.1:2")
	require.NoError(t, err)
	require.Equal(t, 2, m.Len())

	require.NoError(t, m.Forget("127.0.0.1:2"))
	require.Equal(t, 1, m.Len())
	require.NoError(t, m.Close())
	require.Zero(t, m.Len())
}
