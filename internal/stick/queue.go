package stick

import (
	"sort"
	"sync"
	"time"
)

// command is one queued request. Queue identity is the channel set.
type command struct {
	typ      CommandType
	channels ChannelSet
	priority Priority
	due      time.Time
	// duration is non-zero for timed commands; a STOP follows after it.
	duration time.Duration
	seq      uint64
}

// commandQueue orders commands by priority (descending), then due time.
// It is shared between API callers and the worker goroutine.
type commandQueue struct {
	mu    sync.Mutex
	items []*command
	seq   uint64
	wake  chan struct{}
}

func newCommandQueue() *commandQueue {
	return &commandQueue{wake: make(chan struct{}, 1)}
}

func (q *commandQueue) less(a, b *command) bool {
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	if !a.due.Equal(b.due) {
		return a.due.Before(b.due)
	}
	return a.seq < b.seq
}

// push enqueues c, coalescing with a command queued for the same channel set.
// It reports whether c was accepted.
func (q *commandQueue) push(c *command) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if i := q.indexOf(c.channels); i >= 0 {
		if !supersedes(c, q.items[i]) {
			return false
		}
		q.removeAt(i)
	}
	q.insert(c)
	return true
}

// requeue puts back a command that was taken but not completed. It never
// replaces a newer command queued for the same set in the meantime.
func (q *commandQueue) requeue(c *command) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.indexOf(c.channels) >= 0 {
		return false
	}
	q.insert(c)
	return true
}

// supersedes decides whether next replaces queued. Any motion command replaces
// whatever is queued; an INFO only replaces an INFO of equal or lower priority.
func supersedes(next, queued *command) bool {
	if next.typ != CommandInfo {
		return true
	}
	if queued.typ != CommandInfo {
		return false
	}
	return next.priority >= queued.priority
}

func (q *commandQueue) indexOf(cs ChannelSet) int {
	for i, it := range q.items {
		if it.channels == cs {
			return i
		}
	}
	return -1
}

func (q *commandQueue) removeAt(i int) {
	q.items = append(q.items[:i], q.items[i+1:]...)
}

func (q *commandQueue) insert(c *command) {
	q.seq++
	c.seq = q.seq
	i := sort.Search(len(q.items), func(i int) bool { return q.less(c, q.items[i]) })
	q.items = append(q.items, nil)
	copy(q.items[i+1:], q.items[i:])
	q.items[i] = c

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// pop removes and returns the first due command in queue order. If none is
// due it returns nil and the time until the earliest one becomes due, or a
// negative wait when the queue is empty.
func (q *commandQueue) pop(now time.Time) (*command, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	wait := time.Duration(-1)
	for i, it := range q.items {
		if !it.due.After(now) {
			q.removeAt(i)
			return it, 0
		}
		if d := it.due.Sub(now); wait < 0 || d < wait {
			wait = d
		}
	}
	return nil, wait
}

// covers reports whether any queued command addresses channel id.
func (q *commandQueue) covers(id int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.items {
		if it.channels.Has(id) {
			return true
		}
	}
	return false
}

func (q *commandQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// snapshot returns a copy of the queued commands in order.
func (q *commandQueue) snapshot() []command {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]command, len(q.items))
	for i, it := range q.items {
		out[i] = *it
	}
	return out
}
