package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/ravel/pkg/log"
	"github.com/cuemby/ravel/pkg/types"
)

// groupSink implements apply.EffectSink for one group, executing the
// effect kinds pkg/apply doesn't itself know how to run (spec.md §4.6's
// send_msg/monitor/demonitor/mod_call/timer/aux — the ra-style effects
// that name a process/module rather than the log or snapshot store).
//
// ra's own send_msg/monitor rely on Erlang's transparent, built-in
// cross-node process distribution — a mailbox reachable by pid from any
// node in the cluster with no extra plumbing. Go has no equivalent
// runtime, so this sink only resolves sends/monitors local to this node;
// a cross-node target is logged and dropped rather than speculatively
// routed over a bespoke messaging protocol the rest of this module has
// no other use for.
type groupSink struct {
	e     *Engine
	group *Group
}

// SendMsg delivers payload to target's mailbox if target names a group
// hosted on this node.
func (s *groupSink) SendMsg(target types.ServerId, payload []byte) {
	if target.Node != s.e.nodeID {
		log.Warn(fmt.Sprintf("engine: send_msg to remote node %s is unsupported, dropping", target.Node))
		return
	}

	s.e.mu.Lock()
	g, ok := s.e.groups[target.Group]
	s.e.mu.Unlock()
	if !ok {
		log.Warn(fmt.Sprintf("engine: send_msg to unknown local group %s, dropping", target.Group))
		return
	}

	select {
	case g.mailbox <- payload:
	default:
		log.Warn(fmt.Sprintf("engine: mailbox full for group %s, dropping send_msg", target.Group))
	}
}

// Monitor records pid as watched and returns a fresh reference. There is
// no process supervision tree to observe in this port (spec.md never
// requires one beyond the effect existing) — a monitored pid that "dies"
// is never itself detected; Demonitor only stops bookkeeping a ref the
// state machine no longer cares about.
func (s *groupSink) Monitor(pid string) string {
	ref := uuid.NewString()
	log.Debug(fmt.Sprintf("engine: monitor %s -> %s", pid, ref))
	return ref
}

func (s *groupSink) Demonitor(ref string) {
	log.Debug("engine: demonitor " + ref)
}

// ModCall is the escape hatch for a host-specific dynamic call
// (module, function, args). No generic dispatch table is wired — doing
// so without a concrete caller in SPEC_FULL.md would be speculative
// plugin machinery this module has no other use for, so it is logged
// only.
func (s *groupSink) ModCall(mfa types.ModCall) {
	log.Debug(fmt.Sprintf("engine: mod_call %s:%s(%v) not dispatched (no registry configured)", mfa.Module, mfa.Function, mfa.Args))
}

// Timer re-proposes a reserved "__timer" command after ms milliseconds,
// giving the state machine's own Apply a chance to react the way ra
// delivers a {timeout, Name} message back into the machine when a timer
// effect fires.
func (s *groupSink) Timer(name string, ms int64) {
	time.AfterFunc(time.Duration(ms)*time.Millisecond, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := s.group.loop.ProposeAndWait(ctx, "__timer", []byte(name)); err != nil {
			log.Debug(fmt.Sprintf("engine: timer %q propose failed (group no longer leader?): %v", name, err))
		}
	})
}

func (s *groupSink) Aux(cmd any) {
	log.Debug(fmt.Sprintf("engine: aux command %v (no aux runtime wired)", cmd))
}
