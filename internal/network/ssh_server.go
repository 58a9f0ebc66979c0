// Package network exposes the protection protocol to remote clients over SSH
package network

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/bnema/wayprotect/internal/config"
	"github.com/bnema/wayprotect/internal/ipc"
	"github.com/bnema/wayprotect/internal/logger"
	"github.com/charmbracelet/ssh"
	"github.com/charmbracelet/wish"
	gossh "golang.org/x/crypto/ssh"
)

// SSHServer serves ipc sessions over SSH channels
type SSHServer struct {
	address       string
	hostKeyPath   string
	authKeysPath  string
	whitelist     map[string]bool
	whitelistOnly bool
	handler       ipc.Handler

	sshServer *ssh.Server
	listener  net.Listener
	ctx       context.Context

	mu       sync.Mutex
	sessions map[string]*ipc.Session // ssh session id -> ipc session

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// OnClientConnected and OnClientDisconnected are optional notifications
	OnClientConnected    func(addr, fingerprint string)
	OnClientDisconnected func(addr string)
}

// NewSSHServer creates an SSH server from the server configuration
func NewSSHServer(cfg config.ServerConfig, handler ipc.Handler) *SSHServer {
	whitelist := make(map[string]bool, len(cfg.SSHWhitelist))
	for _, fp := range cfg.SSHWhitelist {
		whitelist[fp] = true
	}

	return &SSHServer{
		address:       net.JoinHostPort(cfg.SSHBindAddress, strconv.Itoa(cfg.SSHPort)),
		hostKeyPath:   cfg.SSHHostKeyPath,
		authKeysPath:  cfg.SSHAuthKeysPath,
		whitelist:     whitelist,
		whitelistOnly: cfg.SSHWhitelistOnly,
		handler:       handler,
		sessions:      make(map[string]*ipc.Session),
		stop:          make(chan struct{}),
	}
}

// Start begins listening for SSH connections
func (s *SSHServer) Start(ctx context.Context) error {
	authorized, err := loadAuthorizedKeys(s.authKeysPath)
	if err != nil {
		return err
	}
	s.mu.Lock()
	for fp := range authorized {
		s.whitelist[fp] = true
	}
	s.mu.Unlock()

	server, err := wish.NewServer(
		wish.WithAddress(s.address),
		wish.WithHostKeyPath(s.hostKeyPath),
		wish.WithPublicKeyAuth(s.publicKeyAuth),
		wish.WithMiddleware(
			s.sessionHandler(),
			s.loggingMiddleware(),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create SSH server: %w", err)
	}

	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.address, err)
	}

	s.sshServer = server
	s.listener = listener
	s.ctx = ctx

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		logger.Infof("SSH server listening on %s", listener.Addr())
		if err := server.Serve(listener); err != nil && !errors.Is(err, ssh.ErrServerClosed) {
			logger.Errorf("SSH server error: %v", err)
		}
	}()

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.stop:
		}
	}()

	return nil
}

// Addr returns the bound address once started
func (s *SSHServer) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.address
}

// Stop shuts down the SSH server and its sessions
func (s *SSHServer) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)

		// Close sessions first so Shutdown does not wait on them
		s.mu.Lock()
		for _, session := range s.sessions {
			session.Close()
		}
		s.sessions = make(map[string]*ipc.Session)
		s.mu.Unlock()

		if s.sshServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = s.sshServer.Shutdown(ctx)
		}

		s.wg.Wait()
		logger.Info("SSH server stopped")
	})
}

// publicKeyAuth accepts whitelisted and authorized keys. With whitelist-only
// mode disabled any key is accepted.
func (s *SSHServer) publicKeyAuth(ctx ssh.Context, key ssh.PublicKey) bool {
	fingerprint := gossh.FingerprintSHA256(key)
	addr := ctx.RemoteAddr().String()

	logger.Infof("SSH authentication attempt addr=%s user=%s key=%s", addr, ctx.User(), fingerprint)

	s.mu.Lock()
	allowed := s.whitelist[fingerprint]
	s.mu.Unlock()

	if allowed {
		return true
	}
	if !s.whitelistOnly {
		logger.Warn("Accepting SSH key (whitelist-only mode disabled)", "key", fingerprint)
		return true
	}

	logger.Infof("SSH key denied key=%s addr=%s", fingerprint, addr)
	return false
}

func (s *SSHServer) loggingMiddleware() wish.Middleware {
	return func(h ssh.Handler) ssh.Handler {
		return func(sess ssh.Session) {
			logger.Debugf("SSH session started: user=%s addr=%s", sess.User(), sess.RemoteAddr())
			h(sess)
			logger.Debugf("SSH session ended: addr=%s", sess.RemoteAddr())
		}
	}
}

// sessionHandler runs the protocol on the session channel
func (s *SSHServer) sessionHandler() wish.Middleware {
	return func(ssh.Handler) ssh.Handler {
		return func(sess ssh.Session) {
			select {
			case <-s.stop:
				sess.Exit(1)
				return
			default:
			}

			addr := sess.RemoteAddr().String()
			var fingerprint string
			if sess.PublicKey() != nil {
				fingerprint = gossh.FingerprintSHA256(sess.PublicKey())
			}

			session := ipc.NewSession(sess, s.handler)
			id := sess.Context().SessionID()

			s.mu.Lock()
			s.sessions[id] = session
			s.mu.Unlock()

			if s.OnClientConnected != nil {
				s.OnClientConnected(addr, fingerprint)
			}
			logger.Info("Remote client connected", "addr", addr, "key", fingerprint, "session", session.ID())

			defer func() {
				s.mu.Lock()
				delete(s.sessions, id)
				s.mu.Unlock()

				if s.OnClientDisconnected != nil {
					s.OnClientDisconnected(addr)
				}
				logger.Info("Remote client disconnected", "addr", addr)
			}()

			if err := session.Serve(s.ctx); err != nil {
				logger.Debugf("SSH session %s ended: %v", session.ID(), err)
			}
		}
	}
}

// ClientCount returns the number of connected remote clients
func (s *SSHServer) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// loadAuthorizedKeys returns the fingerprints of an authorized_keys file. A
// missing file is not an error.
func loadAuthorizedKeys(path string) (map[string]bool, error) {
	keys := make(map[string]bool)
	if path == "" {
		return keys, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Debugf("No authorized keys file at %s", path)
			return keys, nil
		}
		return nil, fmt.Errorf("failed to read authorized keys: %w", err)
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	line := 0
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 || text[0] == '#' {
			continue
		}
		key, _, _, _, err := gossh.ParseAuthorizedKey(text)
		if err != nil {
			logger.Warnf("Skipping invalid authorized key at %s:%d: %v", path, line, err)
			continue
		}
		keys[gossh.FingerprintSHA256(key)] = true
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read authorized keys: %w", err)
	}

	logger.Debugf("Loaded %d authorized keys from %s", len(keys), path)
	return keys, nil
}
