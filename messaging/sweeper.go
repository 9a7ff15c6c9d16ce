package messaging

import "github.com/unidel2035/agentbus/contracts"

// sweep expires in-flight messages past their TTL and drops terminal
// messages older than the retention window
func (b *Bus) sweep() {
	var events []Event
	expired, removed := 0, 0

	b.mu.Lock()
	now := b.now()
	retention := b.config.MessageRetention
	b.store.each(func(msg *contracts.Message) bool {
		switch {
		case msg.Status.IsInFlight() && msg.IsExpired(now):
			msg.Advance(contracts.StatusExpired, now)
			b.retries.remove(msg.ID)
			events = append(events, MessageStateEvent{Message: msg.Clone()})
			expired++
		case retention > 0 && msg.Status.IsTerminal() && now.Sub(msg.UpdatedAt) > retention && !b.correlations.has(msg.ID):
			b.store.remove(msg.ID)
			removed++
		}
		return true
	})
	b.mu.Unlock()

	if expired > 0 || removed > 0 {
		b.logger.Debug("cleanup sweep", "expired", expired, "removed", removed)
	}
	b.observers.publish(events...)
}
