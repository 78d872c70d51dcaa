package queue

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitRunsThunk(t *testing.T) {
	p := New("test", 2)
	defer p.Stop()

	var ran atomic.Bool
	h := p.Submit(func() error {
		ran.Store(true)
		return nil
	})
	require.NoError(t, h.Wait())
	assert.True(t, ran.Load())
}

func TestDrainReturnsTrueWhenEmpty(t *testing.T) {
	p := New("test", 2)
	defer p.Stop()

	assert.True(t, p.Drain(0))
}

func TestDrainWaitsForInFlight(t *testing.T) {
	p := New("test", 1)
	defer p.Stop()

	started := make(chan struct{})
	release := make(chan struct{})
	p.Submit(func() error {
		close(started)
		<-release
		return nil
	})

	<-started
	assert.False(t, p.Drain(50*time.Millisecond))
	close(release)
	assert.True(t, p.Drain(time.Second))
}

func TestPauseStopsAdmission(t *testing.T) {
	p := New("test", 1)
	defer p.Stop()

	p.Pause()
	assert.True(t, p.IsPaused())

	var ran atomic.Bool
	p.Submit(func() error {
		ran.Store(true)
		return nil
	})

	time.Sleep(50 * time.Millisecond)
	assert.False(t, ran.Load(), "paused pool must not admit new work")
	assert.Equal(t, int64(1), p.Pending())

	p.Resume()
	assert.True(t, p.Drain(time.Second))
	assert.True(t, ran.Load())
}

func TestPanicIsRecoveredAndPoolContinues(t *testing.T) {
	p := New("test", 1)
	defer p.Stop()

	h1 := p.Submit(func() error {
		panic("boom")
	})
	err := h1.Wait()
	require.Error(t, err)

	var ran atomic.Bool
	h2 := p.Submit(func() error {
		ran.Store(true)
		return nil
	})
	require.NoError(t, h2.Wait())
	assert.True(t, ran.Load())
}

func TestThunkErrorIsReturnedOnHandle(t *testing.T) {
	p := New("test", 1)
	defer p.Stop()

	sentinel := errors.New("task failed")
	h := p.Submit(func() error { return sentinel })
	assert.ErrorIs(t, h.Wait(), sentinel)
}

func TestSizeReflectsRunningAndPending(t *testing.T) {
	p := New("test", 1)
	defer p.Stop()

	release := make(chan struct{})
	p.Submit(func() error { <-release; return nil })
	p.Submit(func() error { return nil })

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(2), p.Size())
	close(release)
	assert.True(t, p.Drain(time.Second))
}
