package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d, h int) time.Time {
	return time.Date(y, m, d, h, 0, 0, 0, time.UTC)
}

func TestResolveEpochNotEnoughHistory(t *testing.T) {
	created := date(2024, time.January, 1, 0)

	_, err := ResolveEpoch("proj", "rec", created, date(2024, time.January, 3, 12), 5)
	require.ErrorIs(t, err, ErrNotEnoughHistory)

	// the day before the first full epoch closes
	_, err = ResolveEpoch("proj", "rec", created, created.AddDate(0, 0, 4), 5)
	require.ErrorIs(t, err, ErrNotEnoughHistory)

	// upload before the recorder even existed
	_, err = ResolveEpoch("proj", "rec", created, created.AddDate(0, 0, -2), 5)
	require.ErrorIs(t, err, ErrNotEnoughHistory)
}

func TestResolveEpochReferenceWindows(t *testing.T) {
	created := date(2024, time.January, 1, 0)

	e, err := ResolveEpoch("proj", "rec", created, date(2024, time.January, 7, 0), 5)
	require.NoError(t, err)

	assert.Equal(t, time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC), e.SourceStart)
	assert.Equal(t, time.Date(2024, time.January, 5, 23, 59, 59, 0, time.UTC), e.SourceEnd)
	assert.Equal(t, time.Date(2024, time.January, 6, 0, 0, 0, 0, time.UTC), e.InferenceValidStart)
	assert.Equal(t, time.Date(2024, time.January, 10, 23, 59, 59, 0, time.UTC), e.InferenceValidEnd)
	assert.Equal(t, "rec_24-01-01_24-01-05_gmm_model.bin", e.Filename)
	assert.Equal(t, "artifacts/gmm/proj/rec/rec_24-01-01_24-01-05_gmm_model.bin", e.StorageKey)
	assert.Len(t, e.ID, 32)
}

func TestResolveEpochSameBlockSameID(t *testing.T) {
	created := date(2024, time.January, 1, 0)

	first, err := ResolveEpoch("proj", "rec", created, date(2024, time.January, 6, 3), 5)
	require.NoError(t, err)

	// every upload inside the same 5-day inference-valid block must land on
	// the identical record
	for day := 6; day <= 10; day++ {
		e, err := ResolveEpoch("proj", "rec", created, date(2024, time.January, day, 21), 5)
		require.NoError(t, err)
		assert.Equal(t, first.ID, e.ID, "day %d", day)
		assert.Equal(t, first.InferenceValidStart, e.InferenceValidStart)
	}

	next, err := ResolveEpoch("proj", "rec", created, date(2024, time.January, 11, 0), 5)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, next.ID)
	assert.Equal(t, first.InferenceValidEnd.Add(time.Second), next.InferenceValidStart)
}

func TestResolveEpochDeterministic(t *testing.T) {
	created := date(2023, time.June, 14, 7)
	uploaded := date(2023, time.July, 2, 19)

	a, err := ResolveEpoch("proj", "rec", created, uploaded, 5)
	require.NoError(t, err)
	b, err := ResolveEpoch("proj", "rec", created, uploaded, 5)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	// a different project must never collide
	c, err := ResolveEpoch("other", "rec", created, uploaded, 5)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, c.ID)
}

func TestResolveEpochWindowsAreWholeUTCDays(t *testing.T) {
	// recorder created mid-day; windows still clamp to 00:00:00 / 23:59:59
	created := time.Date(2024, time.March, 3, 14, 30, 12, 0, time.UTC)

	e, err := ResolveEpoch("proj", "rec", created, created.AddDate(0, 0, 9), 5)
	require.NoError(t, err)

	for _, ts := range []time.Time{e.SourceStart, e.InferenceValidStart} {
		h, m, s := ts.Clock()
		assert.Zero(t, h+m+s)
	}
	for _, ts := range []time.Time{e.SourceEnd, e.InferenceValidEnd} {
		h, m, s := ts.Clock()
		assert.Equal(t, 23, h)
		assert.Equal(t, 59, m)
		assert.Equal(t, 59, s)
	}
}
