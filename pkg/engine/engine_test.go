package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/ravel/pkg/types"
)

type noopPeers struct{}

func (noopPeers) Send(_ context.Context, _ types.PeerMessage) error { return nil }

type echoCommand struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type echoStateMachine struct{}

func (echoStateMachine) Init(_ any) (any, error) {
	return map[string]string{}, nil
}

func (echoStateMachine) Apply(_ types.Meta, command any, state any) (any, any, []types.Effect) {
	cmd := command.(types.Command)
	m := state.(map[string]string)
	next := make(map[string]string, len(m)+1)
	for k, v := range m {
		next[k] = v
	}

	var kv echoCommand
	if err := json.Unmarshal(cmd.Data, &kv); err != nil {
		return state, err.Error(), nil
	}
	next[kv.Key] = kv.Value
	return next, "ok", nil
}

func TestOpenGroupProposeAndClose(t *testing.T) {
	e, err := New(Options{
		DataDir: t.TempDir(),
		NodeID:  "A",
		Peers:   noopPeers{},
	})
	require.NoError(t, err)
	defer e.Stop()

	self := types.ServerId{Group: "g1", Node: "A"}
	g, err := e.OpenGroup(GroupSpec{
		ID:           "g1",
		Self:         self,
		Bootstrap:    types.ClusterConfig{Servers: []types.ServerId{self}},
		StateMachine: echoStateMachine{},
	})
	require.NoError(t, err)

	data, _ := json.Marshal(echoCommand{Key: "x", Value: "1"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	reply, err := g.loop.ProposeAndWait(ctx, "put", data)
	require.NoError(t, err)
	assert.Equal(t, "ok", reply)

	require.NoError(t, e.CloseGroup("g1"))
}

func TestOpenGroupRejectsDuplicate(t *testing.T) {
	e, err := New(Options{DataDir: t.TempDir(), NodeID: "A", Peers: noopPeers{}})
	require.NoError(t, err)
	defer e.Stop()

	self := types.ServerId{Group: "g1", Node: "A"}
	spec := GroupSpec{
		ID:           "g1",
		Self:         self,
		Bootstrap:    types.ClusterConfig{Servers: []types.ServerId{self}},
		StateMachine: echoStateMachine{},
	}
	_, err = e.OpenGroup(spec)
	require.NoError(t, err)

	_, err = e.OpenGroup(spec)
	assert.Error(t, err)
}
