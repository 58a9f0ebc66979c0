package ipc

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/bnema/wayprotect/internal/logger"
	"github.com/bnema/wayprotect/internal/protection"
	"github.com/google/uuid"
)

// Handler executes client requests. Implementations serialize the calls onto
// the negotiation loop; sink is the session that should receive status events.
type Handler interface {
	HandleDesired(ctx context.Context, sink protection.Sink, t protection.ContentType) error
	HandleDisable(ctx context.Context, sink protection.Sink) error
	HandleStatus(ctx context.Context) (protection.Snapshot, error)
}

const sessionQueueSize = 32

// Session serves one client stream. It is the protection.Sink for requests
// made over that stream.
type Session struct {
	id      string
	conn    io.ReadWriteCloser
	handler Handler

	out       chan *Message
	closed    chan struct{}
	closeOnce sync.Once
}

// NewSession wraps a client stream
func NewSession(conn io.ReadWriteCloser, handler Handler) *Session {
	return &Session{
		id:      uuid.NewString(),
		conn:    conn,
		handler: handler,
		out:     make(chan *Message, sessionQueueSize),
		closed:  make(chan struct{}),
	}
}

// ID is a random identifier used in logs
func (s *Session) ID() string {
	return s.id
}

// StatusChanged queues a STATUS_CHANGED event for the client. It never
// blocks the caller; events for a closed session are discarded.
func (s *Session) StatusChanged(t protection.ContentType) {
	if !s.send(NewStatusChangedMessage(t)) {
		logger.Debug("Status event not delivered", "session", s.id, "type", t)
	}
}

func (s *Session) send(msg *Message) bool {
	select {
	case <-s.closed:
		return false
	default:
	}

	select {
	case s.out <- msg:
		return true
	case <-s.closed:
		return false
	default:
		logger.Warn("Session queue full, dropping message", "session", s.id, "type", msg.Type)
		return false
	}
}

// Serve reads requests until the stream ends or ctx is cancelled
func (s *Session) Serve(ctx context.Context) error {
	defer s.Close()

	logger.Debug("Session started", "session", s.id)
	defer logger.Debug("Session ended", "session", s.id)

	go s.writeLoop()
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.closed:
		}
	}()

	for {
		msg, err := ReadMessage(s.conn)
		if err != nil {
			if s.isClosed() || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		s.send(s.dispatch(ctx, msg))
	}
}

func (s *Session) dispatch(ctx context.Context, msg *Message) *Message {
	logger.Debug("Request received", "session", s.id, "type", msg.Type, "content_type", msg.ContentType)

	switch msg.Type {
	case MessageTypeDesired:
		if err := s.handler.HandleDesired(ctx, s, msg.ContentType); err != nil {
			return NewErrorMessage(err.Error())
		}
		return NewAckMessage()

	case MessageTypeDisable:
		if err := s.handler.HandleDisable(ctx, s); err != nil {
			return NewErrorMessage(err.Error())
		}
		return NewAckMessage()

	case MessageTypeStatus:
		snap, err := s.handler.HandleStatus(ctx)
		if err != nil {
			return NewErrorMessage(err.Error())
		}
		return NewStatusResponseMessage(snap)

	default:
		return NewErrorMessage("unknown message type: " + msg.Type.String())
	}
}

func (s *Session) writeLoop() {
	for {
		select {
		case msg := <-s.out:
			if err := WriteMessage(s.conn, msg); err != nil {
				logger.Debugf("Session %s write failed: %v", s.id, err)
				s.Close()
				return
			}
		case <-s.closed:
			return
		}
	}
}

func (s *Session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Close ends the session and closes the stream
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.conn.Close()
	})
}
