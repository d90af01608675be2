package session

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/guseggert/stdiosse/bridge/message"
	"go.uber.org/zap"
)

const (
	endpointEvent = "endpoint"
	messageEvent  = "message"

	defaultKeepAlive = 30 * time.Second
)

type SSEOption func(s *SSESession)

// WithQueueSize sets how many messages may wait for a slow client before delivery fails.
func WithQueueSize(n int) SSEOption {
	return func(s *SSESession) {
		s.q = newQueue(n)
	}
}

// WithKeepAlive sets the interval of comment lines that keep idle proxies from closing the stream.
// Zero disables them.
func WithKeepAlive(d time.Duration) SSEOption {
	return func(s *SSESession) {
		s.keepAlive = d
	}
}

// SSESession streams messages to one client as server-sent events.
//
// The first event is an "endpoint" event whose data is the URL the client should POST messages to.
// Every delivered message is then sent as a "message" event carrying the JSON value.
type SSESession struct {
	id        string
	endpoint  string
	keepAlive time.Duration
	log       *zap.SugaredLogger
	q         *queue
}

func NewSSESession(id, endpoint string, log *zap.SugaredLogger, opts ...SSEOption) *SSESession {
	s := &SSESession{
		id:        id,
		endpoint:  endpoint,
		keepAlive: defaultKeepAlive,
		log:       log,
		q:         newQueue(defaultQueueSize),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *SSESession) ID() string { return s.id }

func (s *SSESession) Deliver(m message.Message) error { return s.q.deliver(m) }

func (s *SSESession) Close() { s.q.close() }

// Serve writes the event stream to w until ctx is done, the session is closed, or a write fails.
func (s *SSESession) Serve(ctx context.Context, w http.ResponseWriter) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return ErrStreamingUnsupported
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	ew := &errWriter{w: w}
	if s.endpoint != "" {
		err := sse.Encode(ew, sse.Event{Event: endpointEvent, Data: s.endpoint})
		if err == nil {
			err = ew.err
		}
		if err != nil {
			return fmt.Errorf("writing endpoint event: %w", err)
		}
	}
	flusher.Flush()

	var keepAlive <-chan time.Time
	if s.keepAlive > 0 {
		ticker := time.NewTicker(s.keepAlive)
		defer ticker.Stop()
		keepAlive = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			s.log.Debug("client went away")
			return nil
		case <-s.q.closed:
			return nil
		case m := <-s.q.ch:
			err := sse.Encode(ew, sse.Event{Event: messageEvent, Data: string(m.Raw)})
			if err == nil {
				err = ew.err
			}
			if err != nil {
				return fmt.Errorf("writing message event: %w", err)
			}
			flusher.Flush()
		case <-keepAlive:
			if _, err := io.WriteString(ew, ": keepalive\n\n"); err != nil {
				return fmt.Errorf("writing keepalive: %w", err)
			}
			flusher.Flush()
		}
	}
}

// errWriter remembers the first write error, since the event encoder does not report them.
type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) Write(p []byte) (int, error) {
	if e.err != nil {
		return 0, e.err
	}
	n, err := e.w.Write(p)
	if err != nil {
		e.err = err
	}
	return n, err
}
