package session

import (
	"context"
	"sync"

	"github.com/guseggert/stdiosse/bridge/message"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// InboundFunc handles one text frame received from a WebSocket client.
type InboundFunc func(ctx context.Context, b []byte)

// WSSession streams messages to one client over a WebSocket connection, one text frame per message.
// Text frames from the client are passed to the inbound handler.
type WSSession struct {
	id      string
	conn    *websocket.Conn
	log     *zap.SugaredLogger
	q       *queue
	inbound InboundFunc

	closeConnOnce sync.Once
}

func NewWSSession(id string, conn *websocket.Conn, inbound InboundFunc, queueSize int, log *zap.SugaredLogger) *WSSession {
	return &WSSession{
		id:      id,
		conn:    conn,
		log:     log,
		q:       newQueue(queueSize),
		inbound: inbound,
	}
}

func (s *WSSession) ID() string { return s.id }

func (s *WSSession) Deliver(m message.Message) error { return s.q.deliver(m) }

func (s *WSSession) Close() { s.q.close() }

// Serve runs the session until the client disconnects, the session is closed, or a write fails.
func (s *WSSession) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		s.readMessages(ctx)
	}()

	err := s.writeMessages(ctx)
	if err != nil {
		s.closeConn(websocket.StatusInternalError, err.Error())
	} else {
		s.closeConn(websocket.StatusNormalClosure, "")
	}
	cancel()
	wg.Wait()
	return err
}

func (s *WSSession) closeConn(code websocket.StatusCode, reason string) {
	// websocket reason can't be above 123 chars
	if len(reason) > 100 {
		reason = reason[0:100]
	}
	s.closeConnOnce.Do(func() {
		err := s.conn.Close(code, reason)
		if err != nil {
			s.log.Debugf("error closing conn: %s", err)
		}
	})
}

func (s *WSSession) readMessages(ctx context.Context) {
	for {
		typ, b, err := s.conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != -1 {
				s.log.Debugf("client closed conn with status %s", status)
			} else {
				s.log.Debugf("message reader got error: %s", err)
			}
			return
		}
		if typ != websocket.MessageText {
			s.log.Debugf("ignoring %s message", typ)
			continue
		}
		if s.inbound != nil {
			s.inbound(ctx, b)
		}
	}
}

func (s *WSSession) writeMessages(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.q.closed:
			return nil
		case m := <-s.q.ch:
			err := s.conn.Write(ctx, websocket.MessageText, m.Raw)
			if err != nil {
				return err
			}
		}
	}
}
