package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bnema/wayprotect/internal/config"
	"github.com/bnema/wayprotect/internal/ipc"
	"github.com/bnema/wayprotect/internal/network"
)

// connect opens a client to the local socket, or over SSH when a remote
// address is given by flag or configuration. It also returns a display name
// for the target.
func connect(ctx context.Context) (*ipc.Client, string, error) {
	cfg := config.Get()
	timeout := time.Duration(cfg.Client.RequestTimeout) * time.Second

	remote := remoteAddr
	if remote == "" {
		remote = cfg.Client.RemoteAddress
	}

	if remote != "" {
		conn, err := network.DialSSH(ctx, network.SSHDialOptions{
			Address:        remote,
			PrivateKeyPath: cfg.Client.SSHPrivateKey,
			KnownHostsPath: cfg.Client.KnownHostsPath,
			Timeout:        timeout,
		})
		if err != nil {
			return nil, "", err
		}
		return ipc.NewClient(conn, timeout), "ssh://" + remote, nil
	}

	client, err := ipc.Dial(cfg.Client.SocketPath, timeout)
	if err != nil {
		if errors.Is(err, ipc.ErrNotRunning) {
			return nil, "", fmt.Errorf("%w (socket %s), start it with 'wayprotect server'", err, cfg.Client.SocketPath)
		}
		return nil, "", err
	}
	return client, cfg.Client.SocketPath, nil
}

// requestContext bounds a single request by the configured timeout
func requestContext() (context.Context, context.CancelFunc) {
	timeout := time.Duration(config.Get().Client.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return context.WithTimeout(context.Background(), timeout)
}
