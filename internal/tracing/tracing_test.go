package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupTracingRejectsSampleRatio(t *testing.T) {
	for _, ratio := range []float64{-0.1, 1.5} {
		cfg := DefaultConfig("daedalus-test")
		cfg.SampleRatio = ratio
		shutdown, err := SetupTracing(context.Background(), cfg, nil)
		assert.Error(t, err)
		assert.Nil(t, shutdown)
	}
}

func TestSetupAndShutdown(t *testing.T) {
	cfg := DefaultConfig("daedalus-test")
	assert.Equal(t, "127.0.0.1:4318", cfg.OTLPEndpoint)

	shutdown, err := SetupTracing(context.Background(), cfg, nil)
	require.NoError(t, err)
	require.NotNil(t, shutdown)

	// Nothing was exported, so shutdown does not need a collector
	assert.NoError(t, ShutdownTracing(shutdown, nil))
}

func TestShutdownTracingReportsError(t *testing.T) {
	boom := errors.New("flush failed")
	err := ShutdownTracing(func(context.Context) error { return boom }, nil)
	assert.ErrorIs(t, err, boom)
}
