// Package transport is the default gRPC implementation of
// pkg/raft.PeerChannel and pkg/raft.LivenessOracle (spec.md §6's "logical;
// encoding is implementation's choice, but fields are fixed"). A
// types.PeerMessage is gob-encoded and carried as the payload of a single
// unary RPC, the same way cuemby-warren's pkg/api wraps its own domain
// types inside generated protobuf request/response messages — except
// here the request/response envelope is protobuf-go's own well-known
// wrapperspb.BytesValue/emptypb.Empty rather than a .proto-generated
// message, since this module's wire messages are few, internal, and
// already have a stable Go-native shape in pkg/types.
//
// Liveness is advisory (spec.md §9): Oracle periodically pings every
// known peer node and reports consecutive-failure streaks as "down",
// never gating an actual election on the result.
package transport
