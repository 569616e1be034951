package playback

import (
	"dashabr/internal/models"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
)

func TestStallTracker_PlayheadFollowsRate(t *testing.T) {
	mock := clock.NewMock()
	s := NewStallTracker(mock)

	mock.Add(2 * time.Second)
	assert.Equal(t, 2*time.Second, s.CurrentTime())

	s.SetPlaybackRate(2)
	mock.Add(time.Second)
	assert.Equal(t, 4*time.Second, s.CurrentTime())
}

func TestStallTracker_HaltsUntilAllStreamsRecover(t *testing.T) {
	mock := clock.NewMock()
	s := NewStallTracker(mock)
	var flips []bool
	s.OnStallChange(func(stalled bool) { flips = append(flips, stalled) })

	mock.Add(time.Second)
	s.SetStallState(models.Video, true)
	s.SetStallState(models.Audio, true)
	s.SetStallState(models.Video, true)
	assert.True(t, s.IsStalled())
	assert.Zero(t, s.PlaybackRate())

	mock.Add(5 * time.Second)
	assert.Equal(t, time.Second, s.CurrentTime(), "playhead does not move while stalled")

	s.SetStallState(models.Video, false)
	assert.True(t, s.IsStalled(), "audio is still stalled")
	s.SetStallState(models.Audio, false)
	assert.False(t, s.IsStalled())
	assert.Equal(t, 1.0, s.PlaybackRate())

	mock.Add(time.Second)
	assert.Equal(t, 2*time.Second, s.CurrentTime())
	assert.Equal(t, []bool{true, false}, flips)
}

func TestStallTracker_RateSetWhileStalledAppliesOnResume(t *testing.T) {
	s := NewStallTracker(clock.NewMock())
	s.SetStallState(models.Text, true)
	s.SetPlaybackRate(1.5)
	assert.Zero(t, s.PlaybackRate())

	s.SetStallState(models.Text, false)
	assert.Equal(t, 1.5, s.PlaybackRate())
}

func TestStallTracker_IgnoresUnknownAndEmpty(t *testing.T) {
	s := NewStallTracker(clock.NewMock())
	calls := 0
	unsubscribe := s.OnStallChange(func(bool) { calls++ })

	s.SetStallState("", true)
	s.SetStallState(models.Video, false)
	assert.False(t, s.IsStalled())
	assert.Zero(t, calls)

	unsubscribe()
	s.SetStallState(models.Video, true)
	assert.Zero(t, calls)
}
