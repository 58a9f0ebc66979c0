package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bnema/wayprotect/internal/logger"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHDialOptions configures a remote connection
type SSHDialOptions struct {
	Address        string
	User           string
	PrivateKeyPath string
	KnownHostsPath string
	Timeout        time.Duration
}

// sshConn is the stdin/stdout stream of an SSH shell session
type sshConn struct {
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader

	closeOnce sync.Once
}

func (c *sshConn) Read(p []byte) (int, error) {
	return c.stdout.Read(p)
}

func (c *sshConn) Write(p []byte) (int, error) {
	return c.stdin.Write(p)
}

func (c *sshConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.session.Close()
		err = c.client.Close()
	})
	return err
}

// DialSSH opens an SSH session to a remote server and returns its stream
func DialSSH(ctx context.Context, opts SSHDialOptions) (io.ReadWriteCloser, error) {
	keyPath := opts.PrivateKeyPath
	if keyPath == "" {
		keyPath = defaultPrivateKey()
		if keyPath == "" {
			return nil, errors.New("no SSH private key found, set client.ssh_private_key")
		}
	}

	key, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	hostKeys, err := hostKeyCallback(opts.KnownHostsPath)
	if err != nil {
		return nil, err
	}

	user := opts.User
	if user == "" {
		user = "wayprotect"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	config := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeys,
		Timeout:         timeout,
	}

	dialer := net.Dialer{Timeout: timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", opts.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", opts.Address, err)
	}

	conn, chans, reqs, err := ssh.NewClientConn(netConn, opts.Address, config)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("SSH handshake with %s failed: %w", opts.Address, err)
	}
	client := ssh.NewClient(conn, chans, reqs)

	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create SSH session: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("failed to get stdout pipe: %w", err)
	}

	if err := session.Shell(); err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("failed to start SSH session: %w", err)
	}

	logger.Debugf("SSH session established with %s", opts.Address)
	return &sshConn{
		client:  client,
		session: session,
		stdin:   stdin,
		stdout:  stdout,
	}, nil
}

func hostKeyCallback(knownHostsPath string) (ssh.HostKeyCallback, error) {
	if knownHostsPath == "" {
		logger.Warn("No known_hosts file configured, the server host key is not verified")
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec // opt-in through configuration
	}

	callback, err := knownhosts.New(knownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load known hosts: %w", err)
	}
	return callback, nil
}

// defaultPrivateKey picks ~/.ssh/id_ed25519 or ~/.ssh/id_rsa
func defaultPrivateKey() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	for _, name := range []string{"id_ed25519", "id_rsa"} {
		path := filepath.Join(homeDir, ".ssh", name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
