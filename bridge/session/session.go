// Package session tracks the streaming clients of the bridge and fans outbound messages out to them.
package session

import (
	"errors"
	"sync"

	"github.com/guseggert/stdiosse/bridge/message"
)

const defaultQueueSize = 64

var (
	ErrSessionClosed        = errors.New("session closed")
	ErrQueueFull            = errors.New("session queue full")
	ErrDuplicateSession     = errors.New("session already registered")
	ErrStreamingUnsupported = errors.New("response writer does not support streaming")
)

// Session is one streaming client connection.
type Session interface {
	ID() string
	// Deliver hands m to the session's transport without blocking.
	Deliver(m message.Message) error
	// Close ends the session. Calling it more than once is a no-op.
	Close()
}

// queue is the bounded hand-off between a broadcast and the goroutine writing to a client.
// A client that falls behind by more than the queue size is treated as a delivery failure rather
// than buffered for.
type queue struct {
	ch        chan message.Message
	closed    chan struct{}
	closeOnce sync.Once
}

func newQueue(size int) *queue {
	if size <= 0 {
		size = defaultQueueSize
	}
	return &queue{
		ch:     make(chan message.Message, size),
		closed: make(chan struct{}),
	}
}

func (q *queue) deliver(m message.Message) error {
	select {
	case <-q.closed:
		return ErrSessionClosed
	default:
	}
	select {
	case q.ch <- m:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *queue) close() {
	q.closeOnce.Do(func() { close(q.closed) })
}
