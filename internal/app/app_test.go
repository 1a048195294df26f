package app

import (
	"context"
	"testing"

	"github.com/shelfsync/shelfsync/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestApp(t *testing.T) *Application {
	t.Helper()
	t.Setenv("SHELFSYNC_STORE_PATH", ":memory:")
	t.Setenv("SHELFSYNC_METRICS_ADDR", "")

	cfg, err := config.Load("", true)
	require.NoError(t, err)

	application, err := Initialize(context.Background(), cfg)
	require.NoError(t, err)
	return application
}

func TestInitializeWithoutExternalServices(t *testing.T) {
	a := newTestApp(t)
	defer a.Shutdown(context.Background())

	// No services configured: the engine still stands up with an empty
	// stage set and a working store.
	status, err := a.Status(context.Background())
	require.NoError(t, err)
	assert.Empty(t, status.Items)
	assert.False(t, status.Scheduler.Running)
	assert.Empty(t, status.Paused)
	assert.False(t, status.Quota.QuotaManaged)
}

func TestCleanupOnEmptyStore(t *testing.T) {
	a := newTestApp(t)
	defer a.Shutdown(context.Background())

	require.NoError(t, a.Cleanup(context.Background()))
}
