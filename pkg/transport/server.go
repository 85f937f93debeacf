package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/cuemby/ravel/pkg/log"
	"github.com/cuemby/ravel/pkg/types"
)

// deliverable is the receive side of raft.PeerChannel: anything a Server
// exposes for handing it an inbound message without blocking.
type deliverable interface {
	Deliver(msg types.PeerMessage)
}

// Server is the gRPC front door shared by every group hosted on one node.
// A single listener fans Deliver calls out to whichever group's raft.Server
// the message names, the way cuemby-warren's pkg/api.Server fronts one
// manager with a single gRPC listener.
type Server struct {
	grpc *grpc.Server

	mu     sync.RWMutex
	groups map[types.GroupId]deliverable
}

// NewServer builds an unstarted gRPC front door. Register groups with
// RegisterGroup before or after Start; messages for unregistered groups
// are rejected rather than silently dropped.
func NewServer() *Server {
	s := &Server{groups: make(map[types.GroupId]deliverable)}
	s.grpc = grpc.NewServer()
	s.grpc.RegisterService(&raftTransportServiceDesc, s)
	return s
}

// RegisterGroup makes srv the delivery target for the given group id.
func (s *Server) RegisterGroup(group types.GroupId, srv deliverable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[group] = srv
}

// UnregisterGroup removes a group's delivery target, e.g. on group deletion.
func (s *Server) UnregisterGroup(group types.GroupId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.groups, group)
}

// Start listens on addr and serves until Stop is called. Grounded on
// cuemby-warren's pkg/api.Server.Start.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("transport: listen on %s: %w", addr, err)
	}
	log.Info("transport: listening on " + addr)
	return s.grpc.Serve(lis)
}

// Stop gracefully drains in-flight RPCs before returning.
func (s *Server) Stop() {
	if s.grpc != nil {
		s.grpc.GracefulStop()
	}
}

func (s *Server) Deliver(_ context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	msg, err := decodeMessage(in.GetValue())
	if err != nil {
		return nil, fmt.Errorf("transport: decode peer message: %w", err)
	}

	s.mu.RLock()
	target, ok := s.groups[msg.To.Group]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("transport: unknown group %s", msg.To.Group)
	}

	target.Deliver(msg)
	return &emptypb.Empty{}, nil
}

func (s *Server) Ping(_ context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	return &emptypb.Empty{}, nil
}
