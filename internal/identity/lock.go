package identity

import (
	"context"
	"sync"
)

// Locker is a keyed FIFO mutex. Holders of different identities never block
// each other; holders of the same identity run one at a time in arrival order.
type Locker struct {
	mu     sync.Mutex
	queues map[Identity]*queue
}

type queue struct {
	tail chan struct{}
	refs int
}

// Ticket is one acquired slot. Release is idempotent.
type Ticket struct {
	l    *Locker
	id   Identity
	done chan struct{}
	once sync.Once
}

func NewLocker() *Locker {
	return &Locker{queues: make(map[Identity]*queue)}
}

// Acquire waits until every earlier ticket for id has been released. A waiter
// whose ctx ends returns ctx.Err() and hands its place to the next in line.
func (l *Locker) Acquire(ctx context.Context, id Identity) (*Ticket, error) {
	prev, done := l.enqueue(id)
	t := &Ticket{l: l, id: id, done: done}
	if prev == nil {
		return t, nil
	}
	select {
	case <-prev:
		return t, nil
	case <-ctx.Done():
		go func() {
			<-prev
			l.finish(id, done)
		}()
		return nil, ctx.Err()
	}
}

// TryAcquire takes the slot only when nobody holds or waits for id.
func (l *Locker) TryAcquire(id Identity) (*Ticket, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if q, ok := l.queues[id]; ok && q.refs > 0 {
		return nil, false
	}
	done := make(chan struct{})
	l.queues[id] = &queue{tail: done, refs: 1}
	return &Ticket{l: l, id: id, done: done}, true
}

// Do runs fn while holding id. The slot is released on every exit path,
// panics included.
func (l *Locker) Do(ctx context.Context, id Identity, fn func(context.Context) error) error {
	t, err := l.Acquire(ctx, id)
	if err != nil {
		return err
	}
	defer t.Release()
	return fn(ctx)
}

// Held reports whether id has a holder or waiters.
func (l *Locker) Held(id Identity) bool {
	return l.Pending(id) > 0
}

// Pending counts the holder plus waiters for id.
func (l *Locker) Pending(id Identity) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if q, ok := l.queues[id]; ok {
		return q.refs
	}
	return 0
}

// Len is the number of identities with a live queue.
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queues)
}

func (t *Ticket) Identity() Identity {
	return t.id
}

func (t *Ticket) Release() {
	if t == nil {
		return
	}
	t.once.Do(func() {
		t.l.finish(t.id, t.done)
	})
}

func (l *Locker) enqueue(id Identity) (prev chan struct{}, done chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	q, ok := l.queues[id]
	if !ok {
		q = &queue{}
		l.queues[id] = q
	}
	prev = q.tail
	done = make(chan struct{})
	q.tail = done
	q.refs++
	return prev, done
}

func (l *Locker) finish(id Identity, done chan struct{}) {
	close(done)
	l.mu.Lock()
	defer l.mu.Unlock()
	q, ok := l.queues[id]
	if !ok {
		return
	}
	q.refs--
	if q.refs <= 0 {
		delete(l.queues, id)
	}
}
