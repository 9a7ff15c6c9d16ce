// Package rabbitmq holds the AMQP plumbing shared by the RabbitMQ transport
// and the broker health check.
//
//   - ConnectionManager: one connection with automatic reconnection driven by
//     a reliability.RetryPolicy, plus state change notifications
//   - DeclareQueues: queue declaration with TTL and length limits
//   - typed errors and retryability classification
package rabbitmq
