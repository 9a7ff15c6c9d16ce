// Package messaging implements the agent message bus.
//
// A Bus registers one duplex Transport per agent and exchanges typed
// messages with them: requests that await a response, one-way notifications,
// control handoffs and broadcasts. The bus assigns message ids, keeps every
// message in a bounded store, correlates inbound responses with pending
// requests, retries acknowledgment-required notifications whose recipient was
// unreachable and expires messages whose time-to-live has elapsed.
//
// Inbound frames are decoded, passed through an interceptor chain and either
// settle a pending request or are published to observers as typed events.
// The bus never relays an inbound frame to another agent; routing is left to
// the host application.
//
// Example usage:
//
//	bus, err := messaging.NewBus(
//		messaging.WithLogger(logger),
//		messaging.WithMessageDefaultTTL(time.Minute),
//	)
//	if err != nil {
//		return err
//	}
//	defer bus.Shutdown(context.Background())
//
//	unsubscribe := bus.Subscribe(messaging.ObserverFunc(func(e messaging.Event) {
//		if n, ok := e.(messaging.NotificationEvent); ok {
//			logger.Info("progress", "agentId", n.AgentID, "payload", n.Message.Payload)
//		}
//	}))
//	defer unsubscribe()
//
//	bus.RegisterConnection("executor", transport)
//	reply, err := bus.Request(ctx, "planner", "executor", task, messaging.WithTTL(30*time.Second))
package messaging
