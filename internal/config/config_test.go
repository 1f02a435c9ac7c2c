package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tachyonengine/internal/queue"
)

func TestNewHasConservativeDefaults(t *testing.T) {
	c := New()
	snap := c.Snapshot()
	require.Equal(t, DefaultRequestTimeout, snap.RequestTimeout)
	require.Equal(t, queue.WiFiAsSetByTask, snap.WiFiPolicy)
	require.False(t, snap.AllowWeakETag)
}

func TestConfigureAppliesOnlySetFields(t *testing.T) {
	c := New()
	timeout := 5 * time.Second
	c.Configure(Update{RequestTimeout: &timeout})

	snap := c.Snapshot()
	require.Equal(t, 5*time.Second, snap.RequestTimeout)
	require.False(t, snap.BypassTLSValidation) // untouched field keeps its default
}

func TestRequireWiFiRecordsPolicy(t *testing.T) {
	c := New()
	c.RequireWiFi(queue.WiFiForAllTasks)
	require.Equal(t, queue.WiFiForAllTasks, c.WiFiPolicy())
}
