package runtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestResourceTracker_Snapshot(t *testing.T) {
	tracker := newResourceTracker()

	first := tracker.Snapshot()
	assert.Zero(t, first.CPUPercent, "no previous sample")
	assert.NotZero(t, first.MemoryBytes)
	assert.NotZero(t, first.Goroutines)

	time.Sleep(10 * time.Millisecond)

	second := tracker.Snapshot()
	assert.GreaterOrEqual(t, second.CPUPercent, 0.0)
}

func TestResourceTracker_NilTracker(t *testing.T) {
	var tracker *resourceTracker
	assert.Equal(t, ResourceUsage{}, tracker.Snapshot())
}

func TestResourceTracker_EmptySamples(t *testing.T) {
	tracker := &resourceTracker{}
	assert.NotZero(t, tracker.Snapshot().MemoryBytes)
}
