package natsclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rupertnash/adios2/errors"
)

// nothing listens here; connects fail fast
const refusedURL = "nats://127.0.0.1:1"

func TestStatusString(t *testing.T) {
	assert.Equal(t, "disconnected", StatusDisconnected.String())
	assert.Equal(t, "connecting", StatusConnecting.String())
	assert.Equal(t, "connected", StatusConnected.String())
	assert.Equal(t, "reconnecting", StatusReconnecting.String())
	assert.Equal(t, "circuit_open", StatusCircuitOpen.String())
	assert.Equal(t, "unknown", ConnectionStatus(99).String())
}

func TestNewClientDefaults(t *testing.T) {
	c, err := NewClient(refusedURL)
	require.NoError(t, err)
	assert.Equal(t, refusedURL, c.URL())
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.False(t, c.IsHealthy())
}

func TestClientOptions(t *testing.T) {
	c, err := NewClient(refusedURL,
		WithMaxReconnects(3),
		WithReconnectWait(time.Second),
		WithTimeout(time.Second),
		WithDrainTimeout(time.Second),
		WithName("test-client"),
		WithCircuitBreakerThreshold(2),
		WithMaxBackoff(5*time.Second),
	)
	require.NoError(t, err)
	assert.Equal(t, 3, c.maxReconnects)
	assert.Equal(t, "test-client", c.clientName)
	assert.Equal(t, int32(2), c.circuitThreshold)
}

func TestOptionClamping(t *testing.T) {
	c, err := NewClient(refusedURL,
		WithCircuitBreakerThreshold(0),
		WithMaxBackoff(time.Millisecond),
	)
	require.NoError(t, err)
	assert.Equal(t, int32(5), c.circuitThreshold)
	assert.Equal(t, time.Minute, c.maxBackoff)
}

func TestConnectRefused(t *testing.T) {
	c, err := NewClient(refusedURL,
		WithMaxReconnects(0),
		WithTimeout(500*time.Millisecond),
	)
	require.NoError(t, err)

	err = c.Connect(context.Background())
	assert.ErrorIs(t, err, errors.ErrConnectionRefused)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, StatusDisconnected, c.Status())
}

func TestCircuitOpensAfterThreshold(t *testing.T) {
	c, err := NewClient(refusedURL,
		WithMaxReconnects(0),
		WithTimeout(500*time.Millisecond),
		WithCircuitBreakerThreshold(2),
	)
	require.NoError(t, err)
	ctx := context.Background()

	require.Error(t, c.Connect(ctx))
	require.Error(t, c.Connect(ctx))
	assert.Equal(t, StatusCircuitOpen, c.Status())

	// further attempts are rejected without touching the network
	start := time.Now()
	err = c.Connect(ctx)
	assert.ErrorIs(t, err, errors.ErrConnectionRefused)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestPublishWithoutConnection(t *testing.T) {
	c, err := NewClient(refusedURL)
	require.NoError(t, err)

	assert.ErrorIs(t, c.Publish("subject", []byte("x")), errors.ErrConnectionRefused)
	assert.ErrorIs(t, c.Subscribe("subject", func([]byte) {}), errors.ErrConnectionRefused)
	assert.NoError(t, c.Flush(context.Background()))
}

func TestCloseIdempotent(t *testing.T) {
	c, err := NewClient(refusedURL)
	require.NoError(t, err)

	require.NoError(t, c.Close(context.Background()))
	require.NoError(t, c.Close(context.Background()))
}
