package framelog

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rupertnash/adios2/errors"
)

func TestAppendAndScan(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "stream.steps")

	lg, err := Create(path, false)
	require.NoError(t, err)

	frames := [][]byte{[]byte("alpha"), []byte("beta"), {}, []byte("gamma")}
	for _, f := range frames {
		require.NoError(t, lg.Append(f))
	}
	require.NoError(t, lg.Close())

	rd, err := Open(path)
	require.NoError(t, err)
	defer rd.Close()

	var got [][]byte
	require.NoError(t, rd.Scan(func(frame []byte) error {
		got = append(got, frame)
		return nil
	}))
	require.Len(t, got, len(frames))
	for i := range frames {
		assert.Equal(t, frames[i], got[i])
	}
}

func TestOpenMissingFile(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "absent.steps"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrFileNotFound)
}

func TestResumeAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stream.steps")

	lg, err := Create(path, false)
	require.NoError(t, err)
	require.NoError(t, lg.Append([]byte("one")))
	require.NoError(t, lg.Close())

	lg, err = Create(path, true)
	require.NoError(t, err)
	n, err := lg.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, lg.Append([]byte("two")))
	require.NoError(t, lg.Close())

	rd, err := Open(path)
	require.NoError(t, err)
	defer rd.Close()
	n, err = rd.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestTruncateWithoutResume(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stream.steps")

	lg, err := Create(path, false)
	require.NoError(t, err)
	require.NoError(t, lg.Append([]byte("stale")))
	require.NoError(t, lg.Close())

	lg, err = Create(path, false)
	require.NoError(t, err)
	n, err := lg.Count()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	require.NoError(t, lg.Close())
}

func TestTornTailStopsCleanly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stream.steps")

	lg, err := Create(path, false)
	require.NoError(t, err)
	require.NoError(t, lg.Append([]byte("whole")))
	require.NoError(t, lg.Append([]byte("will-be-torn")))
	require.NoError(t, lg.Close())

	// chop the last record mid-body
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-4))

	rd, err := Open(path)
	require.NoError(t, err)
	defer rd.Close()

	frame, next, err := rd.ReadAt(0)
	require.NoError(t, err)
	assert.Equal(t, []byte("whole"), frame)

	_, _, err = rd.ReadAt(next)
	assert.Equal(t, io.EOF, err)
}

func TestCorruptBodyDetected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stream.steps")

	lg, err := Create(path, false)
	require.NoError(t, err)
	require.NoError(t, lg.Append([]byte("payload-bytes")))
	require.NoError(t, lg.Close())

	// flip one payload byte past the header
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xFF}, headerSize+2)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	rd, err := Open(path)
	require.NoError(t, err)
	defer rd.Close()

	_, _, err = rd.ReadAt(0)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrChecksumFailed)
}

func TestAppendOnReadOnlyLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stream.steps")
	lg, err := Create(path, false)
	require.NoError(t, err)
	require.NoError(t, lg.Close())

	rd, err := Open(path)
	require.NoError(t, err)
	defer rd.Close()
	assert.ErrorIs(t, rd.Append([]byte("x")), errors.ErrInvalidState)
}
