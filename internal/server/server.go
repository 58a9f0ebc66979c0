// Package server wires the protection daemon together
package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bnema/wayprotect/internal/backend"
	"github.com/bnema/wayprotect/internal/config"
	"github.com/bnema/wayprotect/internal/eventloop"
	"github.com/bnema/wayprotect/internal/ipc"
	"github.com/bnema/wayprotect/internal/logger"
	"github.com/bnema/wayprotect/internal/network"
	"github.com/bnema/wayprotect/internal/protection"
)

// Server owns the negotiation loop and the listeners feeding it
type Server struct {
	config  *config.Config
	backend backend.Backend

	loop       *eventloop.Loop
	negotiator *protection.Negotiator

	socketServer *ipc.SocketServer
	sshServer    *network.SSHServer

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a server with the backend selected by the configuration
func New(cfg *config.Config) (*Server, error) {
	b, err := backend.New(cfg.Backend)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize backend: %w", err)
	}
	return NewWithBackend(cfg, b), nil
}

// NewWithBackend creates a server around an existing backend
func NewWithBackend(cfg *config.Config, b backend.Backend) *Server {
	loop := eventloop.New(0)
	return &Server{
		config:     cfg,
		backend:    b,
		loop:       loop,
		negotiator: protection.NewNegotiator(b, loop, TimingFromConfig(cfg.Negotiation)),
	}
}

// TimingFromConfig converts the millisecond settings
func TimingFromConfig(c config.NegotiationConfig) protection.Timing {
	return protection.Timing{
		ObserveInterval:   config.Millis(c.ObserveIntervalMs),
		SettleWait:        config.Millis(c.SettleWaitMs),
		MaxRetries:        c.MaxRetries,
		RetryWindowFactor: c.RetryWindowFactor,
		InitialRetryDelay: config.Millis(c.InitialRetryDelayMs),
		RetryInterval:     config.Millis(c.RetryIntervalMs),
		BusyRetryDelay:    config.Millis(c.BusyRetryDelayMs),
		BusyRetries:       c.BusyRetries,
	}
}

// Start runs the loop and opens the listeners
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("server already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.loop.Run(ctx); err != nil {
			logger.Errorf("Event loop error: %v", err)
		}
	}()

	socketServer, err := ipc.NewSocketServer(expandPath(s.config.Server.SocketPath), s)
	if err != nil {
		cancel()
		return err
	}
	if err := socketServer.Start(); err != nil {
		cancel()
		return fmt.Errorf("failed to start IPC socket: %w", err)
	}
	s.socketServer = socketServer

	if s.config.Server.SSHEnabled {
		if err := s.initNetwork(ctx); err != nil {
			socketServer.Stop()
			cancel()
			return fmt.Errorf("failed to initialize network: %w", err)
		}
	}

	s.running = true
	logger.Info("Protection server started", "backend", s.backend.Name(), "socket", socketServer.SocketPath())
	return nil
}

// initNetwork starts the SSH listener
func (s *Server) initNetwork(ctx context.Context) error {
	serverCfg := s.config.Server
	serverCfg.SSHHostKeyPath = expandPath(serverCfg.SSHHostKeyPath)
	serverCfg.SSHAuthKeysPath = expandPath(serverCfg.SSHAuthKeysPath)

	if err := os.MkdirAll(filepath.Dir(serverCfg.SSHHostKeyPath), 0700); err != nil {
		return fmt.Errorf("failed to create host key directory: %w", err)
	}

	s.sshServer = network.NewSSHServer(serverCfg, s)
	s.sshServer.OnClientConnected = func(addr, fingerprint string) {
		logger.Debug("Remote client authenticated", "addr", addr, "key", fingerprint)
	}
	return s.sshServer.Start(ctx)
}

// Stop closes the listeners, disarms the timers and stops the loop
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.running = false

	if s.sshServer != nil {
		s.sshServer.Stop()
	}
	if s.socketServer != nil {
		s.socketServer.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	if err := s.loop.Call(ctx, s.negotiator.Close); err != nil {
		logger.Debugf("Negotiator close skipped: %v", err)
	}
	cancel()

	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	if err := s.backend.Close(); err != nil {
		logger.Warnf("Failed to close backend: %v", err)
	}
	logger.Info("Protection server stopped")
}

// Done is closed once the negotiation loop has stopped
func (s *Server) Done() <-chan struct{} {
	return s.loop.Done()
}

// SocketPath returns the IPC socket path, empty before Start
func (s *Server) SocketPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.socketServer == nil {
		return ""
	}
	return s.socketServer.SocketPath()
}

// SSHAddr returns the SSH listen address, empty when SSH is disabled
func (s *Server) SSHAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sshServer == nil {
		return ""
	}
	return s.sshServer.Addr()
}

// HandleDesired runs a Desired request on the loop
func (s *Server) HandleDesired(ctx context.Context, sink protection.Sink, t protection.ContentType) error {
	var reqErr error
	if err := s.loop.Call(ctx, func() {
		reqErr = s.negotiator.Desired(sink, t)
	}); err != nil {
		return err
	}
	return reqErr
}

// HandleDisable runs a Disable request on the loop
func (s *Server) HandleDisable(ctx context.Context, sink protection.Sink) error {
	return s.loop.Call(ctx, func() {
		s.negotiator.Disable(sink)
	})
}

// HandleStatus snapshots the negotiation state on the loop
func (s *Server) HandleStatus(ctx context.Context) (protection.Snapshot, error) {
	var snap protection.Snapshot
	err := s.loop.Call(ctx, func() {
		snap = s.negotiator.Snapshot()
	})
	return snap, err
}

// expandPath expands a leading ~ to the home directory
func expandPath(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
