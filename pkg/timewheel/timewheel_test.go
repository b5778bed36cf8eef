package timewheel

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWheel(t *testing.T) *Wheel {
	t.Helper()
	w := New()
	w.Start()
	t.Cleanup(w.Stop)
	return w
}

func TestScheduleFires(t *testing.T) {
	w := newTestWheel(t)

	fired := make(chan Token, 1)
	tok := w.After(20*time.Millisecond, func(tok Token) { fired <- tok })

	select {
	case got := <-fired:
		assert.Equal(t, tok, got)
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}
	assert.Equal(t, 0, w.Pending())
}

func TestFireOrder(t *testing.T) {
	w := newTestWheel(t)

	var mu sync.Mutex
	var order []int
	record := func(n int) Callback {
		return func(Token) {
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
		}
	}

	now := time.Now()
	w.Schedule(now.Add(60*time.Millisecond), record(3))
	w.Schedule(now.Add(20*time.Millisecond), record(1))
	w.Schedule(now.Add(40*time.Millisecond), record(2))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestEqualDeadlinesFireInInsertionOrder(t *testing.T) {
	w := newTestWheel(t)

	var mu sync.Mutex
	var order []int
	deadline := time.Now().Add(30 * time.Millisecond)
	for i := 0; i < 5; i++ {
		n := i
		w.Schedule(deadline, func(Token) {
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
		})
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 5
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestCancel(t *testing.T) {
	w := newTestWheel(t)

	fired := make(chan struct{}, 1)
	tok := w.After(50*time.Millisecond, func(Token) { fired <- struct{}{} })

	assert.True(t, w.Cancel(tok))
	assert.False(t, w.Cancel(tok), "second cancel finds nothing")
	assert.Equal(t, 0, w.Pending())

	select {
	case <-fired:
		t.Fatal("cancelled timer fired")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestCancelAfterFire(t *testing.T) {
	w := newTestWheel(t)

	fired := make(chan struct{}, 1)
	tok := w.After(10*time.Millisecond, func(Token) { fired <- struct{}{} })

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}
	assert.False(t, w.Cancel(tok))
}

func TestPastDeadlineFiresImmediately(t *testing.T) {
	w := newTestWheel(t)

	fired := make(chan struct{}, 1)
	w.Schedule(time.Now().Add(-time.Second), func(Token) { fired <- struct{}{} })

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("past-deadline timer never fired")
	}
}

func TestStopDiscardsPending(t *testing.T) {
	w := New()
	w.Start()

	fired := make(chan struct{}, 1)
	w.After(50*time.Millisecond, func(Token) { fired <- struct{}{} })
	w.Stop()

	select {
	case <-fired:
		t.Fatal("timer fired after Stop")
	case <-time.After(150 * time.Millisecond):
	}
}
