package registryapp

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/juusnet/juus"
	"github.com/juusnet/juus/registry"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	cfg, err := Parse(WithArgs([]string{"--in-memory"}))
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:8081", cfg.Listen)
	require.True(t, cfg.InMemory)
	require.Equal(t, 10*time.Second, cfg.ShutdownTimeout)

	cfg, err = Parse(WithArgs([]string{"-h"}))
	require.NoError(t, err)
	require.Nil(t, cfg)

	_, err = Parse(WithArgs([]string{"--log-format", "xml"}))
	require.Error(t, err)
}

func start(t *testing.T, cfg Config) (*App, context.CancelFunc, <-chan error) {
	t.Helper()
	a, err := Start(cfg, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- a.Serve(ctx) }()
	return a, cancel, served
}

func TestServe(t *testing.T) {
	cfg := Config{
		Listen:          "127.0.0.1:0",
		DataDir:         t.TempDir(),
		ShutdownTimeout: time.Second,
	}
	a, cancel, served := start(t, cfg)

	client, err := registry.NewClient(a.Addr().String())
	require.NoError(t, err)
	key := juus.PublicKey{1, 2, 3}
	require.NoError(t, client.Set(context.Background(), "alice", key))

	resp, err := http.Get("http://" + a.Addr().String() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	require.NoError(t, <-served)

	// Members survive a restart.
	a, cancel, served = start(t, cfg)
	defer func() {
		cancel()
		require.NoError(t, <-served)
	}()
	client, err = registry.NewClient(a.Addr().String())
	require.NoError(t, err)
	got, err := client.Get(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, key, got)
}

func TestStartBindFailure(t *testing.T) {
	a, cancel, served := start(t, Config{Listen: "127.0.0.1:0", InMemory: true, ShutdownTimeout: time.Second})
	defer func() {
		cancel()
		<-served
	}()

	_, err := Start(Config{Listen: a.Addr().String(), InMemory: true}, nil)
	require.Error(t, err)
}
