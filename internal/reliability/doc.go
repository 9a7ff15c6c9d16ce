// Package reliability provides the retry policies shared by the message bus
// and the broker transports.
//
// Two policies are implemented:
//   - FixedDelay: a constant interval between attempts, used by the bus retry
//     queue for acknowledgment-required messages
//   - ExponentialBackoff: growing, jittered intervals, used when a broker
//     transport reconnects
//
// Errors can opt out of retrying by implementing IsRetryable() bool; the
// RetryableError wrapper does this for arbitrary errors.
//
// Example usage:
//
//	policy := NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2.0, 5)
//	err := Retry(ctx, policy, func() error {
//	    return conn.Dial()
//	})
package reliability
