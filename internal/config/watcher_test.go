package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/keygate/internal/observability"
)

const watchedYAML = `
upstream:
  url: http://localhost:9000
routes:
  - pathPrefix: /v1
    scopes: [%s]
`

func writeWatched(t *testing.T, path, scope string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(watchedYAML, scope)), 0o600))
}

func TestWatcher_StartLoadsInitialConfig(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "keygate.yaml")
	writeWatched(t, path, "read")

	w, err := NewWatcher(path, nil, WithLogger(observability.NopLogger()))
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer func() { _ = w.Stop() }()

	cfg := w.LastConfig()
	require.NotNil(t, cfg)
	assert.Equal(t, []string{"read"}, cfg.Routes[0].Scopes)
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "keygate.yaml")
	writeWatched(t, path, "read")

	reloaded := make(chan *GatewayConfig, 4)
	w, err := NewWatcher(path, func(cfg *GatewayConfig) { reloaded <- cfg },
		WithDebounceDelay(10*time.Millisecond),
	)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer func() { _ = w.Stop() }()

	writeWatched(t, path, "write")

	select {
	case cfg := <-reloaded:
		assert.Equal(t, []string{"write"}, cfg.Routes[0].Scopes)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}

func TestWatcher_InvalidReloadKeepsPrevious(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "keygate.yaml")
	writeWatched(t, path, "read")

	var errCount atomic.Int32
	w, err := NewWatcher(path, nil,
		WithDebounceDelay(10*time.Millisecond),
		WithErrorCallback(func(error) { errCount.Add(1) }),
	)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer func() { _ = w.Stop() }()

	require.NoError(t, os.WriteFile(path, []byte("upstream: {url: ''}"), 0o600))

	assert.Eventually(t, func() bool { return errCount.Load() > 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"read"}, w.LastConfig().Routes[0].Scopes)
}

func TestWatcher_ForceReload(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "keygate.yaml")
	writeWatched(t, path, "read")

	var calls atomic.Int32
	w, err := NewWatcher(path, func(*GatewayConfig) { calls.Add(1) })
	require.NoError(t, err)
	defer func() { _ = w.Stop() }()

	require.NoError(t, w.ForceReload())
	assert.Equal(t, int32(1), calls.Load())
	assert.NotNil(t, w.LastConfig())
}

func TestWatcher_StartMissingFile(t *testing.T) {
	t.Parallel()

	w, err := NewWatcher(filepath.Join(t.TempDir(), "none.yaml"), nil)
	require.NoError(t, err)
	assert.Error(t, w.Start(context.Background()))
	_ = w.Stop()
}
