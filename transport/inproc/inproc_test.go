package inproc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rupertnash/adios2/errors"
	"github.com/rupertnash/adios2/transport"
)

var addrSeq int

func testAddr(t *testing.T) map[string]string {
	t.Helper()
	addrSeq++
	return map[string]string{
		transport.KeyLocal:   fmt.Sprintf("%s-%d", t.Name(), addrSeq),
		transport.KeyTimeout: "2s",
	}
}

func TestRegisterValidates(t *testing.T) {
	r := transport.NewRegistry()
	require.NoError(t, Register(r))

	assert.NoError(t, r.Validate(Protocol, map[string]string{transport.KeyLocal: "a"}))
	assert.ErrorIs(t, r.Validate(Protocol, map[string]string{"color": "blue"}), errors.ErrUnknownParameter)
	assert.ErrorIs(t, r.Validate(Protocol, map[string]string{transport.KeyTimeout: "never"}), errors.ErrInvalidArgument)
}

func TestWriterToReader(t *testing.T) {
	params := testAddr(t)
	logger := slog.Default()
	ctx := context.Background()

	writer, err := New(0, params, logger)
	require.NoError(t, err)
	reader, err := New(0, params, logger)
	require.NoError(t, err)

	got := make(chan []byte, 4)
	reader.SetDeliver(func(frame []byte) { got <- frame })

	require.NoError(t, reader.Open(ctx, transport.RoleReader, "stream"))
	require.NoError(t, writer.Open(ctx, transport.RoleWriter, "stream"))
	defer writer.Close()
	defer reader.Close()

	require.NoError(t, writer.WriteStep(ctx, []byte("step-0")))
	require.NoError(t, writer.WriteStep(ctx, []byte("step-1")))

	assert.Equal(t, []byte("step-0"), <-got)
	assert.Equal(t, []byte("step-1"), <-got)
}

func TestDeliveredFramesAreCopies(t *testing.T) {
	params := testAddr(t)
	ctx := context.Background()

	writer, err := New(0, params, slog.Default())
	require.NoError(t, err)
	reader, err := New(0, params, slog.Default())
	require.NoError(t, err)

	got := make(chan []byte, 1)
	reader.SetDeliver(func(frame []byte) { got <- frame })
	require.NoError(t, reader.Open(ctx, transport.RoleReader, "s"))
	require.NoError(t, writer.Open(ctx, transport.RoleWriter, "s"))
	defer writer.Close()
	defer reader.Close()

	frame := []byte{1, 2, 3}
	require.NoError(t, writer.WriteStep(ctx, frame))
	frame[0] = 99

	assert.Equal(t, []byte{1, 2, 3}, <-got)
}

func TestStreamsDoNotCross(t *testing.T) {
	params := testAddr(t)
	ctx := context.Background()

	writer, err := New(0, params, slog.Default())
	require.NoError(t, err)
	reader, err := New(0, params, slog.Default())
	require.NoError(t, err)

	got := make(chan []byte, 1)
	reader.SetDeliver(func(frame []byte) { got <- frame })
	require.NoError(t, reader.Open(ctx, transport.RoleReader, "other-stream"))
	require.NoError(t, writer.Open(ctx, transport.RoleWriter, "this-stream"))
	defer writer.Close()
	defer reader.Close()

	require.NoError(t, writer.WriteStep(ctx, []byte("x")))

	select {
	case <-got:
		t.Fatal("frame crossed between distinct streams")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPeerToPeerRendezvous(t *testing.T) {
	params := testAddr(t)
	params[transport.KeyPeerToPeer] = "yes"
	ctx := context.Background()

	writer, err := New(0, params, slog.Default())
	require.NoError(t, err)
	reader, err := New(0, params, slog.Default())
	require.NoError(t, err)
	reader.SetDeliver(func([]byte) {})

	var wg sync.WaitGroup
	wg.Add(2)
	errs := make(chan error, 2)
	go func() {
		defer wg.Done()
		errs <- writer.Open(ctx, transport.RoleWriter, "s")
	}()
	go func() {
		defer wg.Done()
		time.Sleep(20 * time.Millisecond)
		errs <- reader.Open(ctx, transport.RoleReader, "s")
	}()
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	writer.Close()
	reader.Close()
}

func TestPeerToPeerTimesOutWithoutPeer(t *testing.T) {
	params := testAddr(t)
	params[transport.KeyPeerToPeer] = "yes"
	params[transport.KeyTimeout] = "50ms"

	writer, err := New(0, params, slog.Default())
	require.NoError(t, err)

	err = writer.Open(context.Background(), transport.RoleWriter, "s")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrConnectionRefused)
}

func TestLifecycleErrors(t *testing.T) {
	params := testAddr(t)
	ctx := context.Background()

	reader, err := New(0, params, slog.Default())
	require.NoError(t, err)
	assert.ErrorIs(t, reader.Open(ctx, transport.RoleReader, "s"), errors.ErrInvalidState)

	writer, err := New(0, params, slog.Default())
	require.NoError(t, err)
	assert.ErrorIs(t, writer.WriteStep(ctx, []byte("x")), errors.ErrTransportClosed)

	require.NoError(t, writer.Open(ctx, transport.RoleWriter, "s"))
	require.NoError(t, writer.Close())
	require.NoError(t, writer.Close())
	assert.ErrorIs(t, writer.WriteStep(ctx, []byte("x")), errors.ErrTransportClosed)
}
