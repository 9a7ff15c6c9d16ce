package interceptors

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgentRateLimiter(t *testing.T) {
	t.Run("allows the burst then limits", func(t *testing.T) {
		limiter := NewAgentRateLimiter(0.001, 3)
		ctx := context.Background()

		for i := 0; i < 3; i++ {
			require.NoError(t, limiter.Allow(ctx, "planner"))
		}
		assert.ErrorIs(t, limiter.Allow(ctx, "planner"), ErrRateLimited)
	})

	t.Run("buckets are independent per agent", func(t *testing.T) {
		limiter := NewAgentRateLimiter(0.001, 1)
		ctx := context.Background()

		require.NoError(t, limiter.Allow(ctx, "planner"))
		require.NoError(t, limiter.Allow(ctx, "executor"))
		assert.ErrorIs(t, limiter.Allow(ctx, "planner"), ErrRateLimited)
		assert.Equal(t, 2, limiter.Len())
	})

	t.Run("prunes idle agents", func(t *testing.T) {
		limiter := NewAgentRateLimiter(10, 10)
		for i := 0; i < 5; i++ {
			require.NoError(t, limiter.Allow(context.Background(), fmt.Sprintf("agent-%d", i)))
		}

		assert.Equal(t, 0, limiter.Prune(time.Now()))
		assert.Equal(t, 5, limiter.Prune(time.Now().Add(time.Hour)))
		assert.Equal(t, 0, limiter.Len())
	})
}

func TestAgentIDContext(t *testing.T) {
	_, ok := AgentIDFromContext(context.Background())
	assert.False(t, ok)

	_, ok = AgentIDFromContext(WithAgentID(context.Background(), ""))
	assert.False(t, ok)

	id, ok := AgentIDFromContext(WithAgentID(context.Background(), "planner"))
	assert.True(t, ok)
	assert.Equal(t, "planner", id)
}
