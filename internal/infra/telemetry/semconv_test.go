package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStageAttributesIncludeCodeOnlyWhenSet(t *testing.T) {
	attrs := StageAttributes("test", "minting", ResultError, "mint_failed")
	require.Len(t, attrs, 4)
	require.Equal(t, AttrErrorCode, attrs[3].Key)

	attrs = StageAttributes("test", "uploading", ResultSuccess, "")
	require.Len(t, attrs, 3)
}

func TestEnvironmentDefaultsAndOverrides(t *testing.T) {
	SetEnvironment("")
	require.Equal(t, "development", Environment())
	SetEnvironment(" Staging ")
	require.Equal(t, "staging", Environment())
	SetEnvironment("")
}

func TestDisabledProviderIsUsable(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{Enabled: false, Environment: "test"})
	require.NoError(t, err)
	require.NotNil(t, p.Meter("mosaic.test"))
	require.NoError(t, p.Shutdown(context.Background()))

	// Instruments on the no-op provider and nil instrument sets must not panic.
	NewGridMetrics().RecordLoad(context.Background(), "load_range", time.Millisecond, ResultSuccess)
	var claims *ClaimMetrics
	claims.RecordStage(context.Background(), "minting", ResultError, "mint_failed")
	var feed *FeedMetrics
	feed.AdjustConnections(context.Background(), 1)
	SetEnvironment("")
}

func TestStripScheme(t *testing.T) {
	require.Equal(t, "collector:4318", stripScheme("https://collector:4318"))
	require.Equal(t, "collector:4318", stripScheme("collector:4318"))
}
