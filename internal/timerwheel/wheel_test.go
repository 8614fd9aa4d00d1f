package timerwheel

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestScheduleFires(t *testing.T) {
	w := New(10 * time.Millisecond)
	defer w.Stop()

	var fired int32
	w.Schedule(5*time.Millisecond, func(time.Time) {
		atomic.AddInt32(&fired, 1)
	})

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&fired) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestCancelPreventsFiring(t *testing.T) {
	w := New(10 * time.Millisecond)
	defer w.Stop()

	var fired int32
	h := w.Schedule(50*time.Millisecond, func(time.Time) {
		atomic.AddInt32(&fired, 1)
	})
	h.Cancel()

	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 0, atomic.LoadInt32(&fired))
}

func TestCancelAfterFireIsNoop(t *testing.T) {
	w := New(5 * time.Millisecond)
	defer w.Stop()

	var fired int32
	h := w.Schedule(5*time.Millisecond, func(time.Time) {
		atomic.AddInt32(&fired, 1)
	})

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&fired) == 1
	}, time.Second, 5*time.Millisecond)

	assert.NotPanics(t, func() { h.Cancel() })
}
