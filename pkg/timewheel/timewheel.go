package timewheel

import (
	"container/heap"
	"sync"
	"time"
)

// Token identifies a scheduled timer for cancellation
type Token uint64

// Callback is invoked when a timer fires. Callbacks run on the wheel's
// dispatch goroutine and must hand off quickly rather than block.
type Callback func(Token)

type entry struct {
	token    Token
	deadline time.Time
	order    uint64 // Insertion order breaks deadline ties
	fn       Callback
	index    int
}

// Wheel delivers tokens on or after their deadline. Entries are kept in a
// binary heap ordered by (deadline, insertion order); cancellation by token
// is O(log n). This is the only Sentinel component that sleeps on absolute
// time.
type Wheel struct {
	mu      sync.Mutex
	heap    entryHeap
	byToken map[Token]*entry
	nextTok Token
	nextOrd uint64
	rearm   chan struct{}
	stopCh  chan struct{}
	stopped sync.Once
}

// New creates a timer wheel
func New() *Wheel {
	return &Wheel{
		byToken: make(map[Token]*entry),
		rearm:   make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
}

// Start begins the dispatch loop
func (w *Wheel) Start() {
	go w.run()
}

// Stop stops dispatching; pending entries are discarded
func (w *Wheel) Stop() {
	w.stopped.Do(func() { close(w.stopCh) })
}

// Schedule registers fn to run at or after deadline, returning the token
func (w *Wheel) Schedule(deadline time.Time, fn Callback) Token {
	w.mu.Lock()
	w.nextTok++
	w.nextOrd++
	e := &entry{
		token:    w.nextTok,
		deadline: deadline,
		order:    w.nextOrd,
		fn:       fn,
	}
	w.byToken[e.token] = e
	heap.Push(&w.heap, e)
	w.mu.Unlock()

	w.wake()
	return e.token
}

// After is shorthand for Schedule(now+d, fn)
func (w *Wheel) After(d time.Duration, fn Callback) Token {
	return w.Schedule(time.Now().Add(d), fn)
}

// Cancel removes a pending timer; returns false if it already fired
func (w *Wheel) Cancel(token Token) bool {
	w.mu.Lock()
	e, ok := w.byToken[token]
	if ok {
		delete(w.byToken, token)
		heap.Remove(&w.heap, e.index)
	}
	w.mu.Unlock()
	if ok {
		w.wake()
	}
	return ok
}

// Pending returns the number of timers not yet fired
func (w *Wheel) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.heap)
}

func (w *Wheel) wake() {
	select {
	case w.rearm <- struct{}{}:
	default:
	}
}

func (w *Wheel) run() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		w.mu.Lock()
		var wait time.Duration
		if len(w.heap) == 0 {
			wait = time.Hour
		} else {
			wait = time.Until(w.heap[0].deadline)
		}
		w.mu.Unlock()

		if wait <= 0 {
			w.fireDue()
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-timer.C:
			w.fireDue()
		case <-w.rearm:
		case <-w.stopCh:
			return
		}
	}
}

// fireDue pops and invokes every entry whose deadline has passed
func (w *Wheel) fireDue() {
	now := time.Now()
	for {
		w.mu.Lock()
		if len(w.heap) == 0 || w.heap[0].deadline.After(now) {
			w.mu.Unlock()
			return
		}
		e := heap.Pop(&w.heap).(*entry)
		delete(w.byToken, e.token)
		w.mu.Unlock()

		select {
		case <-w.stopCh:
			return
		default:
		}
		e.fn(e.token)
	}
}

// entryHeap orders by deadline, then insertion order
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].order < h[j].order
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
