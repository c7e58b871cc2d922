package provider

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHealthTracker_DegradesAtThreshold(t *testing.T) {
	t.Parallel()

	tracker := NewHealthTracker(3)

	require.False(t, tracker.RecordFailure(fmt.Errorf("one")))
	require.False(t, tracker.RecordFailure(fmt.Errorf("two")))
	require.True(t, tracker.RecordFailure(fmt.Errorf("three")))
	require.Equal(t, 3, tracker.ConsecutiveFailures())
}

func TestHealthTracker_ThresholdOfOne(t *testing.T) {
	t.Parallel()

	tracker := NewHealthTracker(1)
	require.True(t, tracker.RecordFailure(fmt.Errorf("first failure degrades")))
}

func TestHealthTracker_SuccessResetsConsecutive(t *testing.T) {
	t.Parallel()

	tracker := NewHealthTracker(3)
	tracker.RecordFailure(fmt.Errorf("one"))
	tracker.RecordFailure(fmt.Errorf("two"))
	tracker.RecordSuccess()

	require.Zero(t, tracker.ConsecutiveFailures())

	snap := tracker.Snapshot()
	require.Equal(t, 2, snap.TotalFailures)
	require.Equal(t, 3, snap.TotalInvocations)
	require.Empty(t, snap.LastError)
	require.NotNil(t, snap.LastSuccessful)
}

func TestHealthTracker_SnapshotRecordsLastError(t *testing.T) {
	t.Parallel()

	tracker := NewHealthTracker(3)
	tracker.RecordFailure(fmt.Errorf("connection refused"))

	snap := tracker.Snapshot()
	require.Equal(t, 1, snap.ConsecutiveFailures)
	require.Equal(t, "connection refused", snap.LastError)
	require.NotNil(t, snap.LastChecked)
	require.Nil(t, snap.LastSuccessful)
}

func TestHealthTracker_DefaultThreshold(t *testing.T) {
	t.Parallel()

	tracker := NewHealthTracker(0)
	require.False(t, tracker.RecordFailure(fmt.Errorf("one")))
	require.False(t, tracker.RecordFailure(fmt.Errorf("two")))
	require.True(t, tracker.RecordFailure(fmt.Errorf("three")))
}
