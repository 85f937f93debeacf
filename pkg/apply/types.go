package apply

import "github.com/cuemby/ravel/pkg/types"

// EffectSink handles the effects an apply loop cannot satisfy itself
// (release_cursor/checkpoint/snapshot/notify are handled internally by
// Loop since they involve C3/C4 directly). A host — pkg/engine in
// production, a fake in tests — supplies one to actually deliver
// send_msg, monitor/demonitor, mod_call, timer and aux effects
// elsewhere in the process. A nil Sink means those effect kinds are
// silently dropped, which is always safe: spec.md §4.6 only requires
// that release_cursor/checkpoint/snapshot/notify happen, the rest are
// host-specific conveniences.
type EffectSink interface {
	SendMsg(target types.ServerId, payload []byte)
	Monitor(pid string) (ref string)
	Demonitor(ref string)
	ModCall(mfa types.ModCall)
	Timer(name string, ms int64)
	Aux(cmd any)
}

// Marshaler converts a state machine's opaque state to and from the
// bytes a snapshot/checkpoint effect persists. A nil Marshaler defaults
// to jsonMarshaler, which round-trips any state value whose exported
// fields (or map/slice shape) JSON can represent — the same assumption
// cuemby-warren's WarrenSnapshot makes about its own state.
type Marshaler interface {
	Marshal(state any) ([]byte, error)
	Unmarshal(data []byte) (any, error)
}
