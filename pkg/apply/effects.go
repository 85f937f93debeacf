package apply

import (
	"github.com/cuemby/ravel/pkg/grouplog"
	"github.com/cuemby/ravel/pkg/log"
	"github.com/cuemby/ravel/pkg/snapshot"
	"github.com/cuemby/ravel/pkg/types"
)

// executeEffects runs the closed effect set returned by Apply, or routed
// straight from the server for effects the core itself originates (e.g.
// a membership revert's notify). release_cursor/checkpoint/snapshot are
// handled directly since they need C3/C4 access this package already
// has; everything else goes to the optional Sink.
func (l *Loop) executeEffects(effects []types.Effect) {
	for _, eff := range effects {
		l.executeEffect(eff)
	}
}

func (l *Loop) executeEffect(eff types.Effect) {
	if l.met != nil {
		l.met.EffectsDispatched.Inc()
	}
	switch eff.Kind {
	case types.EffectReleaseCursor:
		if err := l.log.UpdateReleaseCursor(eff.Index); err != nil {
			log.Error("apply: release_cursor effect: " + err.Error())
		}
	case types.EffectCheckpoint:
		l.takeCheckpoint(eff.Index)
	case types.EffectSnapshot:
		l.takeSnapshot(eff.Index)
	case types.EffectNotify:
		l.deliverReply(eff.From, eff.Reply, nil)
	case types.EffectSendMsg:
		if l.sink != nil {
			l.sink.SendMsg(eff.Target, eff.Payload)
		}
	case types.EffectMonitor:
		if l.sink != nil {
			l.sink.Monitor(eff.Pid)
		}
	case types.EffectDemonitor:
		if l.sink != nil {
			l.sink.Demonitor(eff.Ref)
		}
	case types.EffectModCall:
		if l.sink != nil {
			l.sink.ModCall(eff.MFA)
		}
	case types.EffectTimer:
		if l.sink != nil {
			l.sink.Timer(eff.TimerName, eff.TimerMS)
		}
	case types.EffectAux:
		if l.sink != nil {
			l.sink.Aux(eff.Aux)
		}
	}
}

// takeSnapshot serializes the current state as of index and promotes it
// as the group's live snapshot — the counterpart to spec.md §4.4's
// "used to bound apply-side work without committing to log deletion"
// for checkpoints, except a promoted snapshot does authorize
// release_cursor on C3.
func (l *Loop) takeSnapshot(index uint64) {
	term := l.termAt(index)
	data, err := l.mar.Marshal(l.state)
	if err != nil {
		log.Error("apply: marshal state for snapshot: " + err.Error())
		return
	}
	meta := snapshot.Meta{LastIndex: index, LastTerm: term, Config: l.clusterConfig}
	handle, err := l.snap.Write(meta, data)
	if err != nil {
		log.Error("apply: write snapshot: " + err.Error())
		return
	}
	if err := l.snap.Promote(handle); err != nil {
		log.Error("apply: promote snapshot: " + err.Error())
		return
	}
	if l.met != nil {
		l.met.SnapshotsTaken.Inc()
	}
}

func (l *Loop) takeCheckpoint(index uint64) {
	term := l.termAt(index)
	data, err := l.mar.Marshal(l.state)
	if err != nil {
		log.Error("apply: marshal state for checkpoint: " + err.Error())
		return
	}
	meta := snapshot.Meta{LastIndex: index, LastTerm: term, Config: l.clusterConfig}
	if err := l.snap.WriteCheckpoint(meta, data); err != nil {
		log.Error("apply: write checkpoint: " + err.Error())
	}
}

func (l *Loop) termAt(index uint64) uint64 {
	term, status := l.log.FetchTerm(index)
	if status != grouplog.StatusFound {
		return 0
	}
	return term
}
