package raft

import (
	"encoding/json"

	"github.com/cuemby/ravel/pkg/types"
)

// commandEnvelope wraps a client command with the proposer correlator so
// pkg/apply can route the eventual reply back (spec.md §6 Meta.From).
type commandEnvelope struct {
	Command types.Command
	From    string
}

func encodeCommand(cmd types.Command, from string) []byte {
	b, _ := json.Marshal(commandEnvelope{Command: cmd, From: from})
	return b
}

// DecodeCommand recovers the original command and proposer correlator
// from an EntryUserCommand's payload. Used by pkg/apply.
func DecodeCommand(payload []byte) (types.Command, string, error) {
	var env commandEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return types.Command{}, "", err
	}
	return env.Command, env.From, nil
}

func encodeClusterConfig(cfg types.ClusterConfig) []byte {
	b, _ := json.Marshal(cfg)
	return b
}

func decodeClusterConfig(payload []byte) (types.ClusterConfig, error) {
	return DecodeClusterConfig(payload)
}

// DecodeClusterConfig recovers a ClusterConfig from an EntryClusterConfig
// entry's payload. Used by pkg/apply to track the cluster configuration
// in effect as entries are applied, without duplicating this package's
// encoding.
func DecodeClusterConfig(payload []byte) (types.ClusterConfig, error) {
	var cfg types.ClusterConfig
	err := json.Unmarshal(payload, &cfg)
	return cfg, err
}

// EncodeJoinArgs/EncodeLeaveArgs let a caller build the data payload
// Propose expects for the reserved join/leave ops.
func EncodeJoinArgs(args types.JoinArgs) []byte {
	b, _ := json.Marshal(args)
	return b
}

func EncodeLeaveArgs(args types.LeaveArgs) []byte {
	b, _ := json.Marshal(args)
	return b
}

func decodeJoinArgs(data []byte, out *types.JoinArgs) error {
	return json.Unmarshal(data, out)
}

func decodeLeaveArgs(data []byte, out *types.LeaveArgs) error {
	return json.Unmarshal(data, out)
}
