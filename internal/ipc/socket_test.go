package ipc

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bnema/wayprotect/internal/protection"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockHandler records requests and remembers the last sink
type mockHandler struct {
	mu       sync.Mutex
	desired  []protection.ContentType
	disables int
	sink     protection.Sink
	snapshot protection.Snapshot
	err      error
}

func (m *mockHandler) HandleDesired(_ context.Context, sink protection.Sink, t protection.ContentType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if !t.Protected() {
		return protection.ErrInvalidType
	}
	m.desired = append(m.desired, t)
	m.sink = sink
	return nil
}

func (m *mockHandler) HandleDisable(_ context.Context, sink protection.Sink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disables++
	m.sink = sink
	return m.err
}

func (m *mockHandler) HandleStatus(context.Context) (protection.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot, m.err
}

func (m *mockHandler) lastSink() protection.Sink {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sink
}

func startTestServer(t *testing.T, handler Handler) *SocketServer {
	t.Helper()
	server, err := NewSocketServer(filepath.Join(t.TempDir(), "wp.sock"), handler)
	require.NoError(t, err)
	require.NoError(t, server.Start())
	t.Cleanup(server.Stop)
	return server
}

func dialTestServer(t *testing.T, server *SocketServer) *Client {
	t.Helper()
	client, err := Dial(server.SocketPath(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestNewSocketServer(t *testing.T) {
	_, err := NewSocketServer("", &mockHandler{})
	assert.Error(t, err)

	server, err := NewSocketServer("/tmp/x.sock", &mockHandler{})
	require.NoError(t, err)
	assert.Equal(t, "/tmp/x.sock", server.SocketPath())
}

func TestSocketServerStartStop(t *testing.T) {
	server, err := NewSocketServer(filepath.Join(t.TempDir(), "wp.sock"), &mockHandler{})
	require.NoError(t, err)

	require.NoError(t, server.Start())
	info, err := os.Stat(server.SocketPath())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	// Starting again should not error
	assert.NoError(t, server.Start())

	server.Stop()
	_, err = os.Stat(server.SocketPath())
	assert.True(t, os.IsNotExist(err), "socket file should be cleaned up")

	// Stopping again should not panic
	server.Stop()
}

func TestSocketServerCleanupExistingSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wp.sock")
	require.NoError(t, os.WriteFile(path, nil, 0600))

	server, err := NewSocketServer(path, &mockHandler{})
	require.NoError(t, err)
	require.NoError(t, server.Start())
	server.Stop()
}

func TestClientRequests(t *testing.T) {
	handler := &mockHandler{snapshot: protection.Snapshot{
		Status:        protection.StatusDesired,
		RequestedType: protection.Type1,
		RetriesLeft:   3,
		Pending:       true,
	}}
	server := startTestServer(t, handler)
	client := dialTestServer(t, server)
	ctx := context.Background()

	require.NoError(t, client.Desired(ctx, protection.Type1))
	require.NoError(t, client.Disable(ctx))

	snap, err := client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, handler.snapshot, snap)

	handler.mu.Lock()
	assert.Equal(t, []protection.ContentType{protection.Type1}, handler.desired)
	assert.Equal(t, 1, handler.disables)
	handler.mu.Unlock()
}

func TestClientReceivesErrors(t *testing.T) {
	handler := &mockHandler{}
	server := startTestServer(t, handler)
	client := dialTestServer(t, server)
	ctx := context.Background()

	err := client.Desired(ctx, protection.Unprotected)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid content protection type")

	handler.mu.Lock()
	handler.err = errors.New("loop stopped")
	handler.mu.Unlock()

	_, err = client.Status(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loop stopped")
}

func TestSessionDeliversStatusEvents(t *testing.T) {
	handler := &mockHandler{}
	server := startTestServer(t, handler)
	client := dialTestServer(t, server)

	require.NoError(t, client.Desired(context.Background(), protection.Type0))

	sink := handler.lastSink()
	require.NotNil(t, sink)
	sink.StatusChanged(protection.Type0)
	sink.StatusChanged(protection.Unprotected)

	for _, want := range []protection.ContentType{protection.Type0, protection.Unprotected} {
		select {
		case got := <-client.Events():
			assert.Equal(t, want, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("no status event for %s", want)
		}
	}
}

func TestSessionSinkAfterDisconnect(t *testing.T) {
	handler := &mockHandler{}
	server := startTestServer(t, handler)
	client := dialTestServer(t, server)

	require.NoError(t, client.Desired(context.Background(), protection.Type1))
	client.Close()

	sink := handler.lastSink()
	require.NotNil(t, sink)

	session, ok := sink.(*Session)
	require.True(t, ok)
	select {
	case <-session.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not notice the disconnect")
	}

	// Must not block or panic
	sink.StatusChanged(protection.Unprotected)
}

func TestClientEventsClosedWithConnection(t *testing.T) {
	server := startTestServer(t, &mockHandler{})
	client := dialTestServer(t, server)

	server.Stop()

	select {
	case _, ok := <-client.Events():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("events channel not closed")
	}

	err := client.Disable(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestClientOverPipe(t *testing.T) {
	serverEnd, clientEnd := net.Pipe()
	handler := &mockHandler{}

	session := NewSession(serverEnd, handler)
	assert.NotEmpty(t, session.ID())

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- session.Serve(ctx) }()

	client := NewClient(clientEnd, time.Second)
	defer client.Close()

	require.NoError(t, client.Desired(context.Background(), protection.Type0))

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop on cancel")
	}
}

func TestDialNotRunning(t *testing.T) {
	path := filepath.Join(t.TempDir(), "none.sock")
	_, err := Dial(path, 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.False(t, IsRunning(path))
}

func TestIsRunning(t *testing.T) {
	server := startTestServer(t, &mockHandler{})
	assert.True(t, IsRunning(server.SocketPath()))
}
