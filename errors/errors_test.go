package errors

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClassString(t *testing.T) {
	assert.Equal(t, "transient", ErrorTransient.String())
	assert.Equal(t, "invalid", ErrorInvalid.String())
	assert.Equal(t, "fatal", ErrorFatal.String())
	assert.Equal(t, "unknown", ErrorClass(42).String())
}

func TestClassifySentinels(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"invalid argument", ErrInvalidArgument, ErrorInvalid},
		{"range", ErrRange, ErrorInvalid},
		{"invalid state", ErrInvalidState, ErrorInvalid},
		{"unsupported operation", ErrUnsupportedOperation, ErrorInvalid},
		{"unknown protocol", ErrUnknownProtocol, ErrorInvalid},
		{"unknown parameter", ErrUnknownParameter, ErrorInvalid},
		{"not yet available", ErrNotYetAvailable, ErrorTransient},
		{"connection refused", ErrConnectionRefused, ErrorTransient},
		{"context deadline", context.DeadlineExceeded, ErrorTransient},
		{"corrupted", ErrDataCorrupted, ErrorFatal},
		{"checksum", ErrChecksumFailed, ErrorFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestWrapPreservesSentinel(t *testing.T) {
	err := WrapInvalid(ErrRange, "Selection", "New", "bounds check")
	require.Error(t, err)

	// Sentinel remains reachable through the chain
	assert.True(t, Is(err, ErrRange))
	assert.True(t, IsInvalid(err))
	assert.False(t, IsTransient(err))

	var ce *ClassifiedError
	require.True(t, As(err, &ce))
	assert.Equal(t, "Selection", ce.Component)
	assert.Equal(t, "New", ce.Operation)
	assert.Contains(t, err.Error(), "Selection.New: bounds check failed")
}

func TestWrapNilReturnsNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, "c", "m", "a"))
	assert.NoError(t, WrapTransient(nil, "c", "m", "a"))
	assert.NoError(t, WrapInvalid(nil, "c", "m", "a"))
	assert.NoError(t, WrapFatal(nil, "c", "m", "a"))
}

func TestClassificationOverridesSentinel(t *testing.T) {
	// Explicit classification wins over sentinel heuristics
	err := WrapFatal(ErrNotYetAvailable, "Engine", "Get", "lookup")
	assert.True(t, IsFatal(err))
	assert.False(t, IsTransient(err))
}

func TestWrappedChainThroughFmt(t *testing.T) {
	inner := WrapTransient(ErrConnectionRefused, "Transport", "Open", "dial")
	outer := fmt.Errorf("engine open: %w", inner)

	assert.True(t, Is(outer, ErrConnectionRefused))
	assert.True(t, IsTransient(outer))
}

func TestUnknownErrorDefaultsTransient(t *testing.T) {
	assert.Equal(t, ErrorTransient, Classify(New("something odd")))
}
