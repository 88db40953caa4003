package execution

import (
	"context"
	"sync"
)

// lanes serializes executions per room. Each room has a FIFO of tickets;
// only the head runs, and at most depth tickets may wait behind it.
type lanes struct {
	mu     sync.Mutex
	depth  int
	byRoom map[string][]*ticket
}

type ticket struct {
	roomID string
	ready  chan struct{}
}

func newLanes(depth int) *lanes {
	if depth < 0 {
		depth = 0
	}
	return &lanes{depth: depth, byRoom: make(map[string][]*ticket)}
}

// reserve appends a ticket for roomID in arrival order. It fails when the
// room already has depth requests waiting behind a running one.
func (l *lanes) reserve(roomID string) (*ticket, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	queue := l.byRoom[roomID]
	if len(queue) > l.depth {
		return nil, false
	}
	t := &ticket{roomID: roomID, ready: make(chan struct{})}
	if len(queue) == 0 {
		close(t.ready)
	}
	l.byRoom[roomID] = append(queue, t)
	return t, true
}

// wait blocks until t reaches the head of its lane. On cancellation the
// ticket is released and the context error returned.
func (l *lanes) wait(ctx context.Context, t *ticket) error {
	select {
	case <-t.ready:
		return nil
	case <-ctx.Done():
		l.release(t)
		return ctx.Err()
	}
}

// release removes t from its lane and wakes the next ticket if t was running.
func (l *lanes) release(t *ticket) {
	l.mu.Lock()
	defer l.mu.Unlock()

	queue := l.byRoom[t.roomID]
	for i, queued := range queue {
		if queued != t {
			continue
		}
		queue = append(queue[:i:i], queue[i+1:]...)
		if i == 0 && len(queue) > 0 {
			close(queue[0].ready)
		}
		break
	}
	if len(queue) == 0 {
		delete(l.byRoom, t.roomID)
		return
	}
	l.byRoom[t.roomID] = queue
}

func (l *lanes) pending(roomID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byRoom[roomID])
}
