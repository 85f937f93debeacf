package transport

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/cuemby/ravel/pkg/types"
)

// Client dials peers lazily and caches one connection per node address,
// implementing raft.PeerChannel. Grounded on cuemby-warren's pkg/client
// dial pattern, minus the mTLS handshake — spec.md never requires
// transport-level authentication, so plain insecure credentials are used.
type Client struct {
	mu    sync.Mutex
	conns map[types.NodeAddr]*grpc.ClientConn
}

func NewClient() *Client {
	return &Client{conns: make(map[types.NodeAddr]*grpc.ClientConn)}
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for addr, conn := range c.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.conns, addr)
	}
	return firstErr
}

// Send implements raft.PeerChannel by invoking the unary Deliver RPC on
// msg.To's node. Best-effort: a dial or RPC failure is returned to the
// caller. The call blocks until the RPC completes or ctx expires; it does
// not wait for the peer's reply message.
func (c *Client) Send(ctx context.Context, msg types.PeerMessage) error {
	stub, err := c.stubFor(msg.To.Node)
	if err != nil {
		return err
	}

	payload, err := encodeMessage(msg)
	if err != nil {
		return fmt.Errorf("transport: encode peer message: %w", err)
	}

	_, err = stub.Deliver(ctx, &wrapperspb.BytesValue{Value: payload})
	return err
}

// Ping implements the liveness probe a LivenessOracle polls with.
func (c *Client) Ping(ctx context.Context, node types.NodeAddr) error {
	stub, err := c.stubFor(node)
	if err != nil {
		return err
	}
	_, err = stub.Ping(ctx, &emptypb.Empty{})
	return err
}

func (c *Client) stubFor(node types.NodeAddr) (*raftTransportClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, ok := c.conns[node]
	if !ok {
		var err error
		conn, err = grpc.NewClient(string(node), grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, fmt.Errorf("transport: dial %s: %w", node, err)
		}
		c.conns[node] = conn
	}
	return &raftTransportClient{cc: conn}, nil
}
