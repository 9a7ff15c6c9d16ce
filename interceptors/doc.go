// Package interceptors provides the inbound interceptor chain of the message bus.
//
// Every frame read from an agent connection is decoded and then passed
// through the chain before it is classified. An interceptor can observe the
// message, enrich the context or reject the frame by returning an error
// without calling next.
//
// Built-in interceptors:
//   - LoggingInterceptor: logs inbound traffic and rejections
//   - MetricsInterceptor: counts messages and rejections per message type
//   - ValidationInterceptor: applies a MessageValidator
//   - SenderVerificationInterceptor: rejects frames claiming another agent's id
//   - RateLimitingInterceptor: throttles per agent, see AgentRateLimiter
//
// Example usage:
//
//	chain := interceptors.NewDefaultInterceptorChainBuilder(logger).
//		WithLogging().
//		WithMetrics(collector).
//		WithSenderVerification().
//		WithRateLimit(interceptors.NewAgentRateLimiter(50, 100)).
//		Build()
//
// The connection agent id is available to interceptors through
// AgentIDFromContext.
package interceptors
