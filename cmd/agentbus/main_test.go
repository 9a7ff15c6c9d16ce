package main

import (
	"bytes"
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unidel2035/agentbus"
	"github.com/unidel2035/agentbus/internal/config"
	"github.com/unidel2035/agentbus/internal/reliability"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "agentbus dev")
}

func TestConfigCommands(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agentbus.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server]\naddr = \":9999\"\n"), 0o600))
	noEnv := "--env-file=" + filepath.Join(dir, "none.env")

	t.Run("show yaml", func(t *testing.T) {
		out, err := run(t, "config", "show", "--config", path, noEnv)
		require.NoError(t, err)
		assert.Contains(t, out, "9999")
		assert.Contains(t, out, "max_messages: 10000")
	})

	t.Run("show toml", func(t *testing.T) {
		out, err := run(t, "config", "show", "-c", path, "-f", "toml", noEnv)
		require.NoError(t, err)
		assert.Contains(t, out, `addr = ":9999"`)
	})

	t.Run("env lists overrides", func(t *testing.T) {
		out, err := run(t, "config", "env")
		require.NoError(t, err)
		assert.Contains(t, out, "AGENTBUS_SERVER_ADDR")
		assert.Contains(t, out, "AGENTBUS_NATS_AGENTS")
	})

	t.Run("validate", func(t *testing.T) {
		out, err := run(t, "config", "validate", "-c", path, noEnv)
		require.NoError(t, err)
		assert.Contains(t, out, "configuration is valid")

		t.Setenv("AGENTBUS_BUS_CODEC", "xml")
		_, err = run(t, "config", "validate", "-c", path, noEnv)
		assert.ErrorIs(t, err, config.ErrInvalidConfig)
	})
}

func TestStatusCommand(t *testing.T) {
	hub, err := agentbus.NewHub()
	require.NoError(t, err)
	server := httptest.NewServer(hub)
	defer server.Close()

	out, err := run(t, "status", "--url", server.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "Status: HEALTHY")
	assert.Contains(t, out, "bus")

	require.NoError(t, hub.Close(context.Background()))
	out, err = run(t, "status", "--url", server.URL)
	assert.Error(t, err)
	assert.Contains(t, out, "UNHEALTHY")
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()
	return addr
}

func TestServe(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Addr = freeAddr(t)
	cfg.Server.ShutdownTimeout = config.Duration(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, cfg, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	}()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + cfg.Server.Addr + "/livez")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}

func TestAttachBrokers(t *testing.T) {
	saved := connectPolicy
	connectPolicy = reliability.NewFixedDelay(time.Millisecond, 1)
	defer func() { connectPolicy = saved }()

	hub, err := agentbus.NewHub()
	require.NoError(t, err)
	defer hub.Close(context.Background())
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))

	t.Run("nothing enabled", func(t *testing.T) {
		set, err := attachBrokers(context.Background(), hub, config.TransportsConfig{}, logger)
		require.NoError(t, err)
		assert.Empty(t, set.closers)
		set.close()
	})

	t.Run("unreachable redis gives up", func(t *testing.T) {
		cfg := config.TransportsConfig{
			Redis: config.BrokerConfig{URL: "redis://127.0.0.1:1/0", Prefix: "agentbus", Agents: []string{"worker"}},
		}
		_, err := attachBrokers(context.Background(), hub, cfg, logger)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "redis")

		var retryErr *reliability.RetryError
		require.ErrorAs(t, err, &retryErr)
		assert.Equal(t, 2, retryErr.Attempts)
		assert.False(t, hub.Bus().IsConnected("worker"))
	})
}

func TestServeBrokerFailure(t *testing.T) {
	saved := connectPolicy
	connectPolicy = reliability.NewFixedDelay(time.Millisecond, 0)
	defer func() { connectPolicy = saved }()

	cfg := config.Default()
	cfg.Server.Addr = freeAddr(t)
	cfg.Server.ShutdownTimeout = config.Duration(time.Second)
	cfg.Transports.Redis = config.BrokerConfig{URL: "redis://127.0.0.1:1/0", Prefix: "agentbus", Agents: []string{"worker"}}

	var logs bytes.Buffer
	err := serve(context.Background(), cfg, slog.New(slog.NewTextHandler(&logs, nil)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis")
	assert.NotContains(t, logs.String(), "hub shutdown")

	_, dialErr := net.DialTimeout("tcp", cfg.Server.Addr, 100*time.Millisecond)
	assert.Error(t, dialErr)
}
