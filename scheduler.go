package agentbus

import (
	"container/heap"
	"sync"
	"time"

	"github.com/trickstertwo/xclock"
)

// RetryScheduler runs delayed tasks from a min-heap keyed by fire time. The
// broker uses it to re-queue failed deliveries after their backoff delay.
// A single goroutine drains the heap; due tasks run on their own goroutines
// so a slow redelivery never delays the next timer.
//
// Stop abandons all pending tasks; in-memory transports make no delivery
// guarantee across close.
type RetryScheduler struct {
	clock xclock.Clock

	mu     sync.Mutex
	tasks  taskHeap
	seq    uint64
	closed bool

	wakeCh chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

type task struct {
	at    time.Time
	seq   uint64
	fn    func()
	index int
}

// NewRetryScheduler starts a scheduler reading time from clock.
func NewRetryScheduler(clock xclock.Clock) *RetryScheduler {
	if clock == nil {
		clock = xclock.Default()
	}
	s := &RetryScheduler{
		clock:  clock,
		wakeCh: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.runLoop()
	return s
}

// Schedule runs fn after delay. It fails with ErrClosed once the scheduler
// is stopped.
func (s *RetryScheduler) Schedule(delay time.Duration, fn func()) error {
	if fn == nil {
		return nil
	}
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.seq++
	heap.Push(&s.tasks, &task{at: s.clock.Now().Add(delay), seq: s.seq, fn: fn})
	s.mu.Unlock()

	s.wake()
	return nil
}

// Pending returns the number of tasks not yet fired.
func (s *RetryScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks.Len()
}

// Stop shuts the scheduler down and abandons pending tasks. Idempotent.
func (s *RetryScheduler) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.tasks = nil
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
}

func (s *RetryScheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *RetryScheduler) runLoop() {
	defer s.wg.Done()
	for {
		next, ok := s.peek()
		if !ok {
			select {
			case <-s.stopCh:
				return
			case <-s.wakeCh:
				continue
			}
		}

		if wait := next.Sub(s.clock.Now()); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-s.wakeCh:
				timer.Stop()
				continue
			case <-s.stopCh:
				timer.Stop()
				return
			}
		}

		now := s.clock.Now()
		for {
			t := s.popDue(now)
			if t == nil {
				break
			}
			go t.fn()
		}
	}
}

func (s *RetryScheduler) peek() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.tasks.Len() == 0 {
		return time.Time{}, false
	}
	return s.tasks[0].at, true
}

func (s *RetryScheduler) popDue(now time.Time) *task {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.tasks.Len() == 0 || s.tasks[0].at.After(now) {
		return nil
	}
	return heap.Pop(&s.tasks).(*task)
}

// taskHeap orders tasks by fire time, then submission order.
type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if !h[i].at.Equal(h[j].at) {
		return h[i].at.Before(h[j].at)
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
