package rpcutil

import (
	"context"
	"sync"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	derror "github.com/hanfei1991/jobcoord/pkg/errors"
)

type closeableConnIface interface {
	Close() error
}

// ClientHolder groups a RPC client and its connection.
type ClientHolder[T any] struct {
	conn   closeableConnIface
	client T
}

// NewClientHolder creates a ClientHolder.
func NewClientHolder[T any](conn closeableConnIface, client T) *ClientHolder[T] {
	return &ClientHolder[T]{conn: conn, client: client}
}

// Client returns the RPC client.
func (h *ClientHolder[T]) Client() T {
	return h.client
}

// Close closes the connection.
func (h *ClientHolder[T]) Close() error {
	if h.conn == nil {
		return nil
	}
	return errors.Trace(h.conn.Close())
}

// DialFunc connects to addr.
type DialFunc[T any] func(ctx context.Context, addr string) (*ClientHolder[T], error)

// NewGRPCDialer returns a DialFunc creating gRPC connections that use
// the JSON codec.
func NewGRPCDialer[T any](newClient func(conn grpc.ClientConnInterface) T, opts ...grpc.DialOption) DialFunc[T] {
	return func(ctx context.Context, addr string) (*ClientHolder[T], error) {
		dialOpts := append([]grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithDefaultCallOptions(grpc.ForceCodec(JSONCodec{})),
		}, opts...)
		conn, err := grpc.NewClient(addr, dialOpts...)
		if err != nil {
			return nil, derror.Wrap(derror.ErrGrpcBuildConn, err)
		}
		return NewClientHolder[T](conn, newClient(conn)), nil
	}
}

// ClientCache keeps one client per remote address. Clients are dialed
// on first use.
type ClientCache[T any] struct {
	mu      sync.Mutex
	clients map[string]*ClientHolder[T]
	dialer  DialFunc[T]
	closed  bool
}

// NewClientCache creates a ClientCache.
func NewClientCache[T any](dialer DialFunc[T]) *ClientCache[T] {
	return &ClientCache[T]{
		clients: make(map[string]*ClientHolder[T]),
		dialer:  dialer,
	}
}

// Get returns the client of addr, dialing it if needed.
func (c *ClientCache[T]) Get(ctx context.Context, addr string) (T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var noClient T
	if c.closed {
		return noClient, derror.ErrGrpcBuildConn.GenWithStack("client cache is closed")
	}
	if holder, ok := c.clients[addr]; ok {
		return holder.client, nil
	}

	log.L().Info("dial new rpc client", zap.String("addr", addr))
	holder, err := c.dialer(ctx, addr)
	if err != nil {
		return noClient, errors.Trace(err)
	}
	c.clients[addr] = holder
	return holder.client, nil
}

// Evict closes and forgets the client of addr. The next Get dials again.
func (c *ClientCache[T]) Evict(addr string) {
	c.mu.Lock()
	holder, ok := c.clients[addr]
	delete(c.clients, addr)
	c.mu.Unlock()

	if ok && holder.conn != nil {
		if err := holder.conn.Close(); err != nil {
			log.L().Warn("close rpc client failed", zap.String("addr", addr), zap.Error(err))
		}
	}
}

// Len returns the number of cached clients.
func (c *ClientCache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.clients)
}

// Close closes every cached client.
func (c *ClientCache[T]) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	var firstErr error
	for addr, holder := range c.clients {
		if holder.conn != nil {
			if err := holder.conn.Close(); err != nil {
				log.L().Warn("close rpc client failed", zap.String("addr", addr), zap.Error(err))
				if firstErr == nil {
					firstErr = err
				}
			}
		}
		delete(c.clients, addr)
	}
	return errors.Trace(firstErr)
}
