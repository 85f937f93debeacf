package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/cuemby/ravel/pkg/types"
)

type recordingGroup struct {
	delivered chan types.PeerMessage
}

func (r *recordingGroup) Deliver(msg types.PeerMessage) {
	r.delivered <- msg
}

func newBufconnPair(t *testing.T, srv *Server) *raftTransportClient {
	t.Helper()
	lis := bufconn.Listen(1024 * 1024)

	go func() {
		_ = srv.grpc.Serve(lis)
	}()
	t.Cleanup(srv.Stop)

	dialer := func(context.Context, string) (net.Conn, error) { return lis.Dial() }
	conn, err := grpc.NewClient("passthrough:bufnet",
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return &raftTransportClient{cc: conn}
}

func TestDeliverRoutesToRegisteredGroup(t *testing.T) {
	srv := NewServer()
	group := &recordingGroup{delivered: make(chan types.PeerMessage, 1)}
	srv.RegisterGroup("g1", group)

	stub := newBufconnPair(t, srv)

	msg := types.PeerMessage{
		From: types.ServerId{Group: "g1", Node: "A"},
		To:   types.ServerId{Group: "g1", Node: "B"},
	}
	payload, err := encodeMessage(msg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = stub.Deliver(ctx, &wrapperspb.BytesValue{Value: payload})
	require.NoError(t, err)

	select {
	case got := <-group.delivered:
		assert.Equal(t, msg.From, got.From)
		assert.Equal(t, msg.To, got.To)
	case <-time.After(time.Second):
		t.Fatal("message was never delivered")
	}
}

func TestDeliverRejectsUnknownGroup(t *testing.T) {
	srv := NewServer()
	stub := newBufconnPair(t, srv)

	msg := types.PeerMessage{To: types.ServerId{Group: "unknown"}}
	payload, err := encodeMessage(msg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = stub.Deliver(ctx, &wrapperspb.BytesValue{Value: payload})
	assert.Error(t, err)
}

func TestPingSucceeds(t *testing.T) {
	srv := NewServer()
	stub := newBufconnPair(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := stub.Ping(ctx, &emptypb.Empty{})
	assert.NoError(t, err)
}

func TestOracleReportsDownAfterConsecutiveFailures(t *testing.T) {
	pinger := &flakyPinger{failAfter: 0}
	oracle := NewOracle(pinger, 5*time.Millisecond, 20*time.Millisecond, 2)
	defer oracle.Close()

	ch := oracle.Subscribe("node-a")
	select {
	case up := <-ch:
		assert.False(t, up)
	case <-time.After(time.Second):
		t.Fatal("oracle never reported down")
	}
}

type flakyPinger struct{ failAfter int }

func (f *flakyPinger) Ping(_ context.Context, _ types.NodeAddr) error {
	return context.DeadlineExceeded
}
