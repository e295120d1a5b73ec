package pool

import (
	"container/heap"
	"time"

	"github.com/goodtune/pricefleet/internal/session"
)

type acquireResult struct {
	session *session.Session
	err     error
}

// request is a caller waiting for a session. All fields except ch are
// guarded by the pool mutex.
type request struct {
	platform string
	priority int
	seq      uint64
	enqueued time.Time
	index    int // position in the queue, -1 once removed
	done     bool
	timer    *time.Timer
	ch       chan acquireResult // buffered; receives exactly one result
}

// finish resolves or rejects the request. Only the first call has effect.
func (r *request) finish(s *session.Session, err error) bool {
	if r.done {
		return false
	}
	r.done = true
	if r.timer != nil {
		r.timer.Stop()
	}
	r.ch <- acquireResult{session: s, err: err}
	return true
}

// requestQueue orders waiters by priority, highest first, then by arrival.
type requestQueue []*request

func (q requestQueue) Len() int { return len(q) }

func (q requestQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q requestQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *requestQueue) Push(x any) {
	r := x.(*request)
	r.index = len(*q)
	*q = append(*q, r)
}

func (q *requestQueue) Pop() any {
	old := *q
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	r.index = -1
	*q = old[:n-1]
	return r
}

// head returns the next waiter without removing it.
func (q requestQueue) head() *request {
	if len(q) == 0 {
		return nil
	}
	return q[0]
}

// remove takes r out of the queue if it is still queued.
func (q *requestQueue) remove(r *request) {
	if r.index >= 0 && r.index < len(*q) && (*q)[r.index] == r {
		heap.Remove(q, r.index)
	}
}
