package nio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingObserver struct {
	started, completed int
}

func (c *countingObserver) TaskStarted(string)                        { c.started++ }
func (c *countingObserver) TaskCompleted(string, bool, time.Duration) { c.completed++ }

func TestStatisticsHolderKeepsLongestSorted(t *testing.T) {
	obs := &countingObserver{}
	s := NewStatisticsHolder(3, obs)

	durations := []time.Duration{5, 1, 9, 3, 7}
	for _, d := range durations {
		id := TaskIdentifier{Group: "g", Description: d.String()}
		s.TaskStarted(id)
		s.TaskCompleted(id, true, d*time.Millisecond)
	}

	snap := s.Snapshot()["g"]
	require.Len(t, snap.Longest, 3)
	assert.Equal(t, 9*time.Millisecond, snap.Longest[0].Duration)
	assert.Equal(t, 7*time.Millisecond, snap.Longest[1].Duration)
	assert.Equal(t, 5*time.Millisecond, snap.Longest[2].Duration)

	require.Len(t, snap.Latest, 3)
	assert.Equal(t, 7*time.Millisecond, snap.Latest[2].Duration)

	assert.Equal(t, int64(5), snap.Total.Successful)
	assert.Equal(t, 25*time.Millisecond, snap.Total.Total)
	assert.Equal(t, 5, obs.started)
	assert.Equal(t, 5, obs.completed)
}

func TestStatisticsHolderPending(t *testing.T) {
	s := NewStatisticsHolder(0, nil)
	a := TaskIdentifier{Group: "dns", Description: "a"}
	b := TaskIdentifier{Group: "dns", Description: "b"}

	s.TaskStarted(a)
	s.TaskStarted(b)
	assert.Len(t, s.Snapshot()["dns"].Pending, 2)

	s.TaskCompleted(a, false, time.Millisecond)
	snap := s.Snapshot()["dns"]
	assert.Equal(t, []TaskIdentifier{b}, snap.Pending)
	assert.Equal(t, int64(1), snap.Total.Failures)
}
