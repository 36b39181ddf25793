package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/go-multierror"
	"github.com/sushant-115/hvac/core/msread"
	"github.com/sushant-115/hvac/core/storage_engine/tiered_storage"
	"github.com/sushant-115/hvac/pkg/connection"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// Resolver maps a server rank to its address.
type Resolver interface {
	Resolve(rank int) (string, error)
	Len() int
}

// Client talks to the tier servers of a job. It implements
// msread.Transport.
type Client struct {
	resolver Resolver
	conns    *connection.ConnManager
	logger   *zap.Logger
}

// NewClient creates a client that finds servers through resolver.
func NewClient(resolver Resolver, conns *connection.ConnManager, logger *zap.Logger) *Client {
	return &Client{
		resolver: resolver,
		conns:    conns,
		logger:   logger.Named("tier_client"),
	}
}

var _ msread.Transport = (*Client)(nil)

func (c *Client) invoke(ctx context.Context, rank int, method string, req, resp any) error {
	addr, err := c.resolver.Resolve(rank)
	if err != nil {
		return fmt.Errorf("%w: %v", msread.ErrTransportFailure, err)
	}
	conn, err := c.conns.Get(addr)
	if err != nil {
		return fmt.Errorf("%w: %v", msread.ErrTransportFailure, err)
	}
	if err := conn.Invoke(ctx, "/"+serviceName+"/"+method, req, resp, grpc.ForceCodec(Codec{})); err != nil {
		return fmt.Errorf("%w: %s on rank %d (%s): %w", msread.ErrTransportFailure, method, rank, addr, err)
	}
	return nil
}

// Ranks returns the servers that hold path: the primary chosen by hashing
// the path and, when the job has more than one server, its successor.
func (c *Client) Ranks(path string) []int {
	n := c.resolver.Len()
	if n <= 0 {
		return nil
	}
	primary := int(xxhash.Sum64String(path) % uint64(n))
	if n == 1 {
		return []int{primary}
	}
	return []int{primary, (primary + 1) % n}
}

func (c *Client) Open(ctx context.Context, rank int, path string) (*OpenResponse, error) {
	resp := new(OpenResponse)
	if err := c.invoke(ctx, rank, "Open", &OpenRequest{Path: path}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) Seek(ctx context.Context, rank, fd int, offset int64, whence int) (int64, error) {
	resp := new(SeekResponse)
	if err := c.invoke(ctx, rank, "Seek", &SeekRequest{FD: fd, Offset: offset, Whence: whence}, resp); err != nil {
		return -1, err
	}
	return resp.Offset, nil
}

func (c *Client) Close(ctx context.Context, rank, fd int) error {
	return c.invoke(ctx, rank, "Close", &CloseRequest{FD: fd}, new(CloseResponse))
}

type pendingRead struct {
	cancel context.CancelFunc
	once   sync.Once
}

func (p *pendingRead) Release() { p.once.Do(p.cancel) }

// SubmitRead issues a Read RPC on its own goroutine and reports the result
// through onComplete exactly once.
func (c *Client) SubmitRead(ctx context.Context, src msread.Source, buf []byte, offset int64, onComplete func(msread.ReadResult)) msread.Pending {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		resp := new(ReadResponse)
		req := &ReadRequest{FD: src.RemoteFD, Count: len(buf), Offset: offset, Tier: src.Tier}
		if err := c.invoke(ctx, src.Server, "Read", req, resp); err != nil {
			onComplete(msread.ReadResult{N: -1, Err: err})
			return
		}
		onComplete(msread.ReadResult{N: copy(buf, resp.Data)})
	}()
	return &pendingRead{cancel: cancel}
}

// Attach opens path on its servers and tracks fd in table so reads on fd
// race across them. Each source carries the tier its server placed the
// file on; the primary's placement becomes the file's tier.
func (c *Client) Attach(ctx context.Context, table *msread.DescriptorTable, fd int, path string) error {
	ranks := c.Ranks(path)
	if len(ranks) == 0 {
		return fmt.Errorf("%w: no servers registered", msread.ErrTransportFailure)
	}

	file := msread.TrackedFile{Path: path, Tier: tiered_storage.UnknownTier}
	for i, rank := range ranks {
		resp, err := c.Open(ctx, rank, path)
		if err != nil {
			c.closeSources(ctx, file.Sources)
			return err
		}
		if i == 0 {
			file.Tier = resp.Tier
			file.Size = resp.Size
		}
		file.Sources = append(file.Sources, msread.Source{Tier: resp.Tier, Server: rank, RemoteFD: resp.FD})
	}
	table.Track(fd, file)
	c.logger.Debug("Tracking file",
		zap.String("path", path),
		zap.Int("fd", fd),
		zap.String("tier", string(file.Tier)),
		zap.Ints("ranks", ranks))
	return nil
}

// Detach stops tracking fd and closes its server descriptors.
func (c *Client) Detach(ctx context.Context, table *msread.DescriptorTable, fd int) error {
	file, err := table.Untrack(fd)
	if err != nil {
		return err
	}
	return c.closeSources(ctx, file.Sources)
}

func (c *Client) closeSources(ctx context.Context, sources []msread.Source) error {
	var result *multierror.Error
	for _, src := range sources {
		if src.Server == msread.LocalServer {
			continue
		}
		if err := c.Close(ctx, src.Server, src.RemoteFD); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
