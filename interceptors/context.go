package interceptors

import "context"

type contextKey string

const agentIDKey contextKey = "agentbus:interceptor:agent"

// WithAgentID records the agent owning the connection a frame arrived on
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, agentIDKey, agentID)
}

// AgentIDFromContext returns the connection agent set by WithAgentID
func AgentIDFromContext(ctx context.Context) (string, bool) {
	agentID, ok := ctx.Value(agentIDKey).(string)
	return agentID, ok && agentID != ""
}
