package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/bnema/wayprotect/internal/logger"
	"github.com/bnema/wayprotect/internal/protection"
)

var (
	// ErrNotRunning is returned when no server listens on the socket
	ErrNotRunning = errors.New("wayprotect server is not running")

	// ErrClosed is returned for requests on a closed client
	ErrClosed = errors.New("client connection closed")
)

const eventQueueSize = 16

// Client talks to a wayprotect server over a persistent stream. Replies are
// matched to requests in order; STATUS_CHANGED events go to Events().
type Client struct {
	conn    io.ReadWriteCloser
	timeout time.Duration

	reqMu   sync.Mutex
	replies chan *Message
	events  chan protection.ContentType

	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// Dial connects to the server's Unix socket
func Dial(socketPath string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, timeout)
	if err != nil {
		if isConnectionRefused(err) {
			return nil, ErrNotRunning
		}
		return nil, fmt.Errorf("failed to connect to wayprotect: %w", err)
	}
	return NewClient(conn, timeout), nil
}

// NewClient wraps an established stream, such as an SSH channel
func NewClient(conn io.ReadWriteCloser, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	c := &Client{
		conn:    conn,
		timeout: timeout,
		replies: make(chan *Message, 1),
		events:  make(chan protection.ContentType, eventQueueSize),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Client) readLoop() {
	defer close(c.events)
	defer c.shutdown(ErrClosed)

	for {
		msg, err := ReadMessage(c.conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Debugf("IPC client read failed: %v", err)
			}
			c.shutdown(fmt.Errorf("%w: %v", ErrClosed, err))
			return
		}

		if msg.Type == MessageTypeStatusChanged {
			select {
			case c.events <- msg.ContentType:
			case <-c.done:
				return
			}
			continue
		}

		select {
		case c.replies <- msg:
		case <-c.done:
			return
		}
	}
}

// Events delivers the server's status events. The channel is closed when the
// connection ends.
func (c *Client) Events() <-chan protection.ContentType {
	return c.events
}

// Done is closed when the connection ends
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection ended
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Desired asks the server to enable protection of type t
func (c *Client) Desired(ctx context.Context, t protection.ContentType) error {
	_, err := c.roundTrip(ctx, NewDesiredMessage(t), MessageTypeAck)
	return err
}

// Disable asks the server to turn protection off
func (c *Client) Disable(ctx context.Context) error {
	_, err := c.roundTrip(ctx, NewDisableMessage(), MessageTypeAck)
	return err
}

// Status queries the negotiation state
func (c *Client) Status(ctx context.Context) (protection.Snapshot, error) {
	resp, err := c.roundTrip(ctx, NewStatusMessage(), MessageTypeStatusResponse)
	if err != nil {
		return protection.Snapshot{}, err
	}
	return resp.Snapshot()
}

func (c *Client) roundTrip(ctx context.Context, msg *Message, want MessageType) (*Message, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	select {
	case <-c.done:
		return nil, c.Err()
	default:
	}

	if err := WriteMessage(c.conn, msg); err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case resp := <-c.replies:
		switch resp.Type {
		case want:
			return resp, nil
		case MessageTypeError:
			return nil, fmt.Errorf("server error: %s", resp.Error)
		default:
			return nil, fmt.Errorf("unexpected response type: %s", resp.Type)
		}
	case <-timer.C:
		// The late reply would be matched to the next request
		c.Close()
		return nil, fmt.Errorf("no response after %s", c.timeout)
	case <-ctx.Done():
		c.Close()
		return nil, ctx.Err()
	case <-c.done:
		return nil, c.Err()
	}
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.done)
		c.conn.Close()
	})
}

// Close closes the connection
func (c *Client) Close() error {
	c.shutdown(ErrClosed)
	return nil
}

// IsRunning reports whether a server answers on socketPath
func IsRunning(socketPath string) bool {
	client, err := Dial(socketPath, 500*time.Millisecond)
	if err != nil {
		return false
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = client.Status(ctx)
	return err == nil
}

// isConnectionRefused treats a failed dial or a missing socket as no server
func isConnectionRefused(err error) bool {
	var netErr *net.OpError
	if errors.As(err, &netErr) && netErr.Op == "dial" {
		return true
	}
	return false
}
