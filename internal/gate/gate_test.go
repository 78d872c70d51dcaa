package gate

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewGateIsOpen(t *testing.T) {
	g := New()
	assert.True(t, g.IsOpen())
}

func TestSetClosesAndReopens(t *testing.T) {
	g := New()
	g.Set(false)
	assert.False(t, g.IsOpen())
	g.Set(true)
	assert.True(t, g.IsOpen())
}

func TestWaitForEmptyAlreadyEmpty(t *testing.T) {
	zero := func() (int64, int64) { return 0, 0 }
	ok, counts := WaitForEmpty(0, zero, zero)
	assert.True(t, ok)
	assert.Equal(t, int64(0), counts.Running)
}

func TestWaitForEmptyTimesOut(t *testing.T) {
	busy := func() (int64, int64) { return 1, 0 }
	ok, counts := WaitForEmpty(30*time.Millisecond, busy)
	assert.False(t, ok)
	assert.Equal(t, int64(1), counts.Running)
}

func TestWaitForEmptySucceedsOnceDrained(t *testing.T) {
	var running atomic.Int64
	running.Store(1)
	counter := func() (int64, int64) { return running.Load(), 0 }

	go func() {
		time.Sleep(40 * time.Millisecond)
		running.Store(0)
	}()

	ok, _ := WaitForEmpty(2*time.Second, counter)
	assert.True(t, ok)
}
