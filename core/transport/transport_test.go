package transport

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sushant-115/hvac/core/data_mover"
	"github.com/sushant-115/hvac/core/msread"
	"github.com/sushant-115/hvac/core/storage_engine/tiered_storage"
	"github.com/sushant-115/hvac/pkg/connection"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

// --- Test Helpers ---

type staticResolver map[int]string

func (r staticResolver) Resolve(rank int) (string, error) {
	addr, ok := r[rank]
	if !ok {
		return "", fmt.Errorf("%w %d", connection.ErrUnknownRank, rank)
	}
	return addr, nil
}

func (r staticResolver) Len() int { return len(r) }

type testNode struct {
	store  *tiered_storage.PolicyStore
	mover  *data_mover.Mover
	svc    *Service
	server *grpc.Server
}

type testCluster struct {
	nodes     []*testNode
	listeners map[string]*bufconn.Listener
	client    *Client
}

func setupCluster(t *testing.T, n int) *testCluster {
	t.Helper()
	return setupClusterWithPolicy(t, n, tiered_storage.PolicyConfig{
		FastCapacity:     1 << 20,
		CapacityCapacity: 1 << 20,
	})
}

func setupClusterWithPolicy(t *testing.T, n int, policy tiered_storage.PolicyConfig) *testCluster {
	t.Helper()
	c := &testCluster{listeners: make(map[string]*bufconn.Listener)}
	resolver := staticResolver{}

	for rank := 0; rank < n; rank++ {
		store := tiered_storage.NewPolicyStore(policy, zap.NewNop(), nil)
		mover, err := data_mover.NewMover(data_mover.Config{StagingBase: filepath.Join(t.TempDir(), "bb")}, zap.NewNop(), nil)
		require.NoError(t, err)
		require.NoError(t, mover.Start())

		svc := NewService(store, mover, zap.NewNop(), nil, nil)
		server := NewGRPCServer(svc)
		lis := bufconn.Listen(1 << 20)
		go server.Serve(lis)

		addr := fmt.Sprintf("node%d", rank)
		c.listeners[addr] = lis
		resolver[rank] = addr
		c.nodes = append(c.nodes, &testNode{store: store, mover: mover, svc: svc, server: server})

		t.Cleanup(func() {
			server.Stop()
			svc.Shutdown()
			mover.Stop()
		})
	}

	conns := connection.NewConnManager(grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
		lis, ok := c.listeners[addr]
		if !ok {
			return nil, fmt.Errorf("unknown test address %s", addr)
		}
		return lis.DialContext(ctx)
	}))
	t.Cleanup(func() { conns.Close() })
	c.client = NewClient(resolver, conns, zap.NewNop())
	return c
}

func setupService(t *testing.T) (*Service, *tiered_storage.PolicyStore) {
	t.Helper()
	store := tiered_storage.NewPolicyStore(tiered_storage.PolicyConfig{
		FastCapacity:     1 << 20,
		CapacityCapacity: 1 << 20,
	}, zap.NewNop(), nil)
	mover, err := data_mover.NewMover(data_mover.Config{StagingBase: filepath.Join(t.TempDir(), "bb")}, zap.NewNop(), nil)
	require.NoError(t, err)
	require.NoError(t, mover.Start())
	svc := NewService(store, mover, zap.NewNop(), nil, nil)
	t.Cleanup(func() {
		svc.Shutdown()
		mover.Stop()
	})
	return svc, store
}

func writeDataFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sample.bin")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func readSync(t *testing.T, c *Client, src msread.Source, count int, offset int64) ([]byte, error) {
	t.Helper()
	buf := make([]byte, count)
	done := make(chan msread.ReadResult, 1)
	p := c.SubmitRead(context.Background(), src, buf, offset, func(r msread.ReadResult) { done <- r })
	defer p.Release()

	select {
	case r := <-done:
		if r.Err != nil {
			return nil, r.Err
		}
		return buf[:r.N], nil
	case <-time.After(5 * time.Second):
		t.Fatal("read did not complete")
		return nil, nil
	}
}

// --- Test Cases ---

func TestTierService_OpenReadCloseAndRedirect(t *testing.T) {
	cluster := setupCluster(t, 1)
	node := cluster.nodes[0]
	client := cluster.client
	ctx := context.Background()
	path := writeDataFile(t, "abcdefghij")

	resp, err := client.Open(ctx, 0, path)
	require.NoError(t, err)
	require.Equal(t, tiered_storage.FastTier, resp.Tier)
	require.EqualValues(t, 10, resp.Size)
	require.False(t, resp.Redirected)

	meta, ok := node.store.Snapshot(path)
	require.True(t, ok)
	require.True(t, meta.IsOpen)

	src := msread.Source{Tier: tiered_storage.FastTier, Server: 0, RemoteFD: resp.FD}
	data, err := readSync(t, client, src, 4, 2)
	require.NoError(t, err)
	require.Equal(t, "cdef", string(data))

	off, err := client.Seek(ctx, 0, resp.FD, 0, io.SeekStart)
	require.NoError(t, err)
	require.Zero(t, off)
	data, err = readSync(t, client, src, 4, -1)
	require.NoError(t, err)
	require.Equal(t, "abcd", string(data))

	meta, _ = node.store.Snapshot(path)
	require.EqualValues(t, 2, meta.AccessCount)

	require.NoError(t, client.Close(ctx, 0, resp.FD))
	meta, _ = node.store.Snapshot(path)
	require.False(t, meta.IsOpen)

	require.Eventually(t, func() bool {
		_, ok := node.mover.Redirects().Lookup(path)
		return ok
	}, 5*time.Second, 5*time.Millisecond)

	// Once redirected, opens are served from the staged copy.
	require.NoError(t, os.WriteFile(path, []byte("ZZZZZZZZZZ"), 0644))
	resp, err = client.Open(ctx, 0, path)
	require.NoError(t, err)
	require.True(t, resp.Redirected)
	data, err = readSync(t, client, msread.Source{Server: 0, RemoteFD: resp.FD}, 4, 0)
	require.NoError(t, err)
	require.Equal(t, "abcd", string(data))

	require.NoError(t, client.Close(ctx, 0, resp.FD))
	require.Zero(t, node.mover.Pending())
}

func TestTierService_LastCloseMarksFileClosed(t *testing.T) {
	cluster := setupCluster(t, 1)
	node := cluster.nodes[0]
	ctx := context.Background()
	path := writeDataFile(t, "xyz")

	first, err := cluster.client.Open(ctx, 0, path)
	require.NoError(t, err)
	second, err := cluster.client.Open(ctx, 0, path)
	require.NoError(t, err)

	require.NoError(t, cluster.client.Close(ctx, 0, first.FD))
	meta, _ := node.store.Snapshot(path)
	require.True(t, meta.IsOpen)

	require.NoError(t, cluster.client.Close(ctx, 0, second.FD))
	meta, _ = node.store.Snapshot(path)
	require.False(t, meta.IsOpen)
}

func TestTierService_Errors(t *testing.T) {
	cluster := setupCluster(t, 1)
	ctx := context.Background()

	_, err := cluster.client.Open(ctx, 0, filepath.Join(t.TempDir(), "missing"))
	require.ErrorIs(t, err, msread.ErrTransportFailure)
	require.Equal(t, codes.NotFound, status.Code(err))

	err = cluster.client.Close(ctx, 0, 12345)
	require.Equal(t, codes.NotFound, status.Code(err))

	_, err = cluster.client.Open(ctx, 3, "/whatever")
	require.ErrorIs(t, err, msread.ErrTransportFailure)
}

func TestCoordinator_RaceOverServers(t *testing.T) {
	cluster := setupCluster(t, 2)
	ctx := context.Background()
	path := writeDataFile(t, "0123456789")

	table := msread.NewDescriptorTable(filepath.Dir(path))
	coord := msread.NewCoordinator(msread.Config{Timeout: 5 * time.Second}, table, cluster.client, nil, zap.NewNop(), nil, nil)

	const localFD = 1000
	require.NoError(t, cluster.client.Attach(ctx, table, localFD, path))
	file, ok := table.Lookup(localFD)
	require.True(t, ok)
	require.Len(t, file.Sources, 2)
	require.NotEqual(t, file.Sources[0].Server, file.Sources[1].Server)
	require.Equal(t, tiered_storage.FastTier, file.Tier)

	buf := make([]byte, 5)
	n, err := coord.Read(ctx, localFD, buf, 5)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "56789", string(buf))

	// Losing the first server still leaves the second one to answer.
	cluster.nodes[file.Sources[0].Server].server.Stop()
	buf = make([]byte, 3)
	n, err = coord.Read(ctx, localFD, buf, 0)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, "012", string(buf))

	// The stopped server cannot acknowledge its close.
	require.Error(t, cluster.client.Detach(ctx, table, localFD))
	require.Zero(t, table.Len())
}

func TestClient_RanksAreStable(t *testing.T) {
	c := NewClient(staticResolver{0: "a", 1: "b", 2: "c"}, connection.NewConnManager(), zap.NewNop())
	first := c.Ranks("/data/train/shard-0001")
	require.Len(t, first, 2)
	require.Equal(t, first, c.Ranks("/data/train/shard-0001"))
	require.Equal(t, (first[0]+1)%3, first[1])

	single := NewClient(staticResolver{0: "a"}, connection.NewConnManager(), zap.NewNop())
	require.Equal(t, []int{0}, single.Ranks("/anything"))
}

func TestTierService_LargeReadFitsMessageLimit(t *testing.T) {
	cluster := setupCluster(t, 1)
	ctx := context.Background()

	content := bytes.Repeat([]byte("0123456789abcdef"), (4<<20)/16)
	path := filepath.Join(t.TempDir(), "large.bin")
	require.NoError(t, os.WriteFile(path, content, 0644))

	resp, err := cluster.client.Open(ctx, 0, path)
	require.NoError(t, err)
	defer cluster.client.Close(ctx, 0, resp.FD)

	src := msread.Source{Tier: resp.Tier, Server: 0, RemoteFD: resp.FD}
	data, err := readSync(t, cluster.client, src, len(content), 0)
	require.NoError(t, err)
	require.True(t, bytes.Equal(content, data), "large read returned different bytes")

	// The largest read the server accepts still fits once encoded.
	require.Less(t, base64.StdEncoding.EncodedLen(MaxReadSize)+4096, connection.MaxMessageSize)
}

func TestClient_AttachUsesServerPlacement(t *testing.T) {
	// Nothing fits on the node-local tiers, so every server keeps the file
	// on the parallel filesystem.
	cluster := setupClusterWithPolicy(t, 2, tiered_storage.PolicyConfig{FastCapacity: 1, CapacityCapacity: 1})
	ctx := context.Background()
	path := writeDataFile(t, "0123456789")

	table := msread.NewDescriptorTable(filepath.Dir(path))
	const localFD = 1001
	require.NoError(t, cluster.client.Attach(ctx, table, localFD, path))
	defer cluster.client.Detach(ctx, table, localFD)

	file, ok := table.Lookup(localFD)
	require.True(t, ok)
	require.Equal(t, tiered_storage.RemoteTier, file.Tier)
	require.EqualValues(t, 10, file.Size)
	for _, src := range file.Sources {
		require.Equal(t, cluster.nodes[src.Server].store.GetTier(path), src.Tier, "rank %d", src.Server)
	}

	// The servers read the file from the parallel filesystem themselves.
	coord := msread.NewCoordinator(msread.Config{}, table, cluster.client, nil, zap.NewNop(), nil, nil)
	buf := make([]byte, 4)
	n, err := coord.Read(ctx, localFD, buf, 2)
	require.NoError(t, err)
	require.Equal(t, "2345", string(buf[:n]))
}

func TestCoordinator_SequentialReadsAcrossServers(t *testing.T) {
	cluster := setupCluster(t, 2)
	ctx := context.Background()
	path := writeDataFile(t, "ABCDEFGHIJ")

	table := msread.NewDescriptorTable(filepath.Dir(path))
	coord := msread.NewCoordinator(msread.Config{Timeout: 5 * time.Second}, table, cluster.client, nil, zap.NewNop(), nil, nil)
	const localFD = 1002
	require.NoError(t, cluster.client.Attach(ctx, table, localFD, path))
	defer cluster.client.Detach(ctx, table, localFD)

	var got []byte
	buf := make([]byte, 4)
	for {
		n, err := coord.Read(ctx, localFD, buf, -1)
		require.NoError(t, err)
		if n == 0 {
			break
		}
		got = append(got, buf[:n]...)
	}
	require.Equal(t, "ABCDEFGHIJ", string(got))

	_, err := coord.Seek(localFD, 6, io.SeekStart)
	require.NoError(t, err)
	n, err := coord.Read(ctx, localFD, buf, -1)
	require.NoError(t, err)
	require.Equal(t, "GHIJ", string(buf[:n]))
}

func TestTierService_ConcurrentOpenCloseKeepsOpenState(t *testing.T) {
	svc, store := setupService(t)
	ctx := context.Background()
	path := writeDataFile(t, "shared")

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				resp, err := svc.Open(ctx, &OpenRequest{Path: path})
				if !assert.NoError(t, err) {
					return
				}
				// While this descriptor is held, no other close may mark
				// the file closed.
				for j := 0; j < 3; j++ {
					meta, ok := store.Snapshot(path)
					assert.True(t, ok && meta.IsOpen, "file marked closed while a descriptor is open")
				}
				_, err = svc.Close(ctx, &CloseRequest{FD: resp.FD})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	meta, ok := store.Snapshot(path)
	require.True(t, ok)
	require.False(t, meta.IsOpen)
}
