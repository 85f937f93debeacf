package raft

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/ravel/pkg/types"
)

func TestIsLogUpToDate(t *testing.T) {
	cases := []struct {
		name                          string
		candTerm, candIdx, ownT, ownI uint64
		want                          bool
	}{
		{"higher term wins", 5, 1, 4, 100, true},
		{"lower term loses even with longer log", 3, 100, 4, 1, false},
		{"equal term, longer log wins", 4, 10, 4, 5, true},
		{"equal term, shorter log loses", 4, 3, 4, 5, false},
		{"equal term, equal index ties to candidate", 4, 5, 4, 5, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := isLogUpToDate(c.candTerm, c.candIdx, c.ownT, c.ownI)
			assert.Equal(t, c.want, got)
		})
	}
}

func TestClusterConfigQuorum(t *testing.T) {
	assert.Equal(t, 1, types.ClusterConfig{Servers: []types.ServerId{{}}}.Quorum())
	assert.Equal(t, 2, types.ClusterConfig{Servers: make([]types.ServerId, 3)}.Quorum())
	assert.Equal(t, 3, types.ClusterConfig{Servers: make([]types.ServerId, 5)}.Quorum())
}

func TestDecodeCommandRoundTrip(t *testing.T) {
	cmd := types.Command{Op: "put", Data: []byte(`{"k":"x"}`)}
	payload := encodeCommand(cmd, "client-42")

	got, from, err := DecodeCommand(payload)
	assert.NoError(t, err)
	assert.Equal(t, cmd, got)
	assert.Equal(t, "client-42", from)
}

func TestEncodeDecodeClusterConfig(t *testing.T) {
	cfg := types.ClusterConfig{Servers: []types.ServerId{
		{Group: "g1", Node: "A"},
		{Group: "g1", Node: "B"},
	}}
	got, err := decodeClusterConfig(encodeClusterConfig(cfg))
	assert.NoError(t, err)
	assert.Equal(t, cfg, got)
}
