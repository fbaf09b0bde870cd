package websocket

import (
	"errors"
	"sync"
)

var errQueueClosed = errors.New("outbound queue closed")

// outboundQueue is a bounded FIFO feeding a connection's write pump. A push
// never blocks: when the queue is full the oldest message is discarded to
// make room.
type outboundQueue struct {
	mu     sync.Mutex
	ch     chan []byte
	closed bool
}

func newOutboundQueue(size int) *outboundQueue {
	if size <= 0 {
		size = sendBufferSize
	}
	return &outboundQueue{ch: make(chan []byte, size)}
}

// push enqueues msg and reports how many older messages were dropped.
func (q *outboundQueue) push(msg []byte) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0, errQueueClosed
	}
	dropped := 0
	for {
		select {
		case q.ch <- msg:
			return dropped, nil
		default:
		}
		// Full. The writer may drain concurrently, so the receive is
		// non-blocking too.
		select {
		case <-q.ch:
			dropped++
		default:
		}
	}
}

func (q *outboundQueue) messages() <-chan []byte {
	return q.ch
}

// close stops further pushes. Messages already queued stay readable.
func (q *outboundQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

func (q *outboundQueue) len() int {
	return len(q.ch)
}
