package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unidel2035/agentbus/internal/transporttest"
	"github.com/unidel2035/agentbus/messaging"
)

func TestPipeCarriesBusTraffic(t *testing.T) {
	transporttest.Run(t, func(t *testing.T, agentID string) (messaging.Transport, messaging.Transport) {
		return Pipe(8)
	})
}

func TestPipe(t *testing.T) {
	t.Run("frames are copied", func(t *testing.T) {
		a, b := Pipe(1)
		frame := []byte("hello")

		require.NoError(t, a.Send(context.Background(), frame))
		frame[0] = 'j'

		assert.Equal(t, []byte("hello"), <-b.Frames())
	})

	t.Run("closing one end closes both", func(t *testing.T) {
		a, b := Pipe(1)
		require.NoError(t, b.Close())
		require.NoError(t, a.Close())

		_, ok := <-a.Frames()
		assert.False(t, ok)
		_, ok = <-b.Frames()
		assert.False(t, ok)
		assert.ErrorIs(t, a.Send(context.Background(), []byte("x")), ErrClosed)
	})

	t.Run("a blocked send honours its context", func(t *testing.T) {
		a, _ := Pipe(0)
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		assert.ErrorIs(t, a.Send(ctx, []byte("x")), context.DeadlineExceeded)
	})

	t.Run("close releases a blocked send", func(t *testing.T) {
		a, b := Pipe(0)
		errs := make(chan error, 1)
		go func() { errs <- a.Send(context.Background(), []byte("x")) }()

		time.Sleep(20 * time.Millisecond)
		require.NoError(t, b.Close())

		select {
		case err := <-errs:
			assert.ErrorIs(t, err, ErrClosed)
		case <-time.After(time.Second):
			t.Fatal("send still blocked")
		}
	})

	t.Run("the bus drops an agent whose pipe closes", func(t *testing.T) {
		bus, err := messaging.NewBus()
		require.NoError(t, err)
		defer bus.Shutdown(context.Background())

		busSide, agentSide := Pipe(4)
		require.NoError(t, bus.RegisterConnection("worker", busSide))
		require.NoError(t, agentSide.Close())

		assert.Eventually(t, func() bool { return !bus.IsConnected("worker") }, time.Second, 5*time.Millisecond)
	})
}
