/*
Package events provides an in-memory, best-effort notification broker.

Group event loops publish node-level notifications (role changes,
membership reverts) through a Broker rather than calling observers
directly: a group never blocks on a slow or absent subscriber. Publish is
non-blocking: an event is dropped when the broker's own buffer is full,
and full subscriber buffers drop events too.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for ev := range sub {
			log.Info(ev.Message)
		}
	}()

	broker.PublishMembershipReverted(groupID, server, "verification_timeout")
*/
package events
