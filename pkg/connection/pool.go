// Package connection locates tier servers and keeps one gRPC client
// connection open per server address.
package connection

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// MaxMessageSize bounds a single gRPC message in either direction. Read
// replies carry base64 encoded payloads, so it must exceed 4/3 of the
// largest read.
const MaxMessageSize = 32 << 20

// ConnManager caches a *grpc.ClientConn per address. A ClientConn already
// multiplexes calls, so unlike a socket pool one per host is enough.
type ConnManager struct {
	mu    sync.RWMutex
	conns map[string]*grpc.ClientConn
	opts  []grpc.DialOption
}

// NewConnManager creates a manager that dials with opts. Without a
// credentials option connections are insecure.
func NewConnManager(opts ...grpc.DialOption) *ConnManager {
	all := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(MaxMessageSize),
			grpc.MaxCallSendMsgSize(MaxMessageSize),
		),
	}
	return &ConnManager{
		conns: make(map[string]*grpc.ClientConn),
		opts:  append(all, opts...),
	}
}

// Get returns the connection for address, creating it on first use.
func (m *ConnManager) Get(address string) (*grpc.ClientConn, error) {
	m.mu.RLock()
	conn, ok := m.conns[address]
	m.mu.RUnlock()
	if ok {
		return conn, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Double-check after acquiring write lock
	if conn, ok := m.conns[address]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient("passthrough:///"+address, m.opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", address, err)
	}
	m.conns[address] = conn
	return conn, nil
}

// Forget closes and drops the connection for address, if any.
func (m *ConnManager) Forget(address string) error {
	m.mu.Lock()
	conn, ok := m.conns[address]
	delete(m.conns, address)
	m.mu.Unlock()

	if !ok {
		return nil
	}
	return conn.Close()
}

// Len returns the number of cached connections.
func (m *ConnManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// Close shuts down every cached connection.
func (m *ConnManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result *multierror.Error
	for addr, conn := range m.conns {
		if err := conn.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close %s: %w", addr, err))
		}
	}
	m.conns = make(map[string]*grpc.ClientConn)
	return result.ErrorOrNil()
}
