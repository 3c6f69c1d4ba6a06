package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rupertnash/adios2/errors"
)

func TestStepTrackerSequence(t *testing.T) {
	var tr StepTracker

	step, err := tr.Begin()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), step)
	assert.True(t, tr.Active())

	require.NoError(t, tr.End())
	assert.False(t, tr.Active())
	assert.Equal(t, uint64(0), tr.Current())

	step, err = tr.Begin()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), step)
	require.NoError(t, tr.End())
}

func TestStepTrackerNesting(t *testing.T) {
	var tr StepTracker

	_, err := tr.Begin()
	require.NoError(t, err)

	_, err = tr.Begin()
	assert.ErrorIs(t, err, errors.ErrStepActive)
}

func TestStepTrackerEndWithoutBegin(t *testing.T) {
	var tr StepTracker

	assert.ErrorIs(t, tr.End(), errors.ErrNoStep)
	assert.ErrorIs(t, tr.Require(), errors.ErrNoStep)
}

func TestStepTrackerBeginAt(t *testing.T) {
	var tr StepTracker

	require.NoError(t, tr.BeginAt(7))
	assert.Equal(t, uint64(7), tr.Current())
	assert.ErrorIs(t, tr.BeginAt(8), errors.ErrStepActive)
	require.NoError(t, tr.End())
	require.NoError(t, tr.BeginAt(9))
}

func TestStepTrackerResume(t *testing.T) {
	var tr StepTracker
	tr.Resume(5)

	step, err := tr.Begin()
	require.NoError(t, err)
	assert.Equal(t, uint64(5), step)
}

func TestStepTrackerResumeFromZero(t *testing.T) {
	var tr StepTracker
	tr.Resume(0)

	step, err := tr.Begin()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), step)
}

func TestStepTrackerClose(t *testing.T) {
	var tr StepTracker

	_, err := tr.Begin()
	require.NoError(t, err)
	require.NoError(t, tr.End())

	assert.True(t, tr.Close())
	assert.False(t, tr.Close())

	_, err = tr.Begin()
	assert.ErrorIs(t, err, errors.ErrInvalidState)
}
