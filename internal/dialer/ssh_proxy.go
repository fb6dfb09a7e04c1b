package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/singleflight"

	internalssh "github.com/die-net/zoxy/internal/ssh"
)

// SSHProxyDialer opens one "direct-tcpip" channel per dial over a single
// shared SSH transport.
//
// The transport is set up lazily by the first dial. When opening a channel
// fails for a reason other than the destination refusing it, the transport
// is assumed dead, dropped, and rebuilt once before giving up.
type SSHProxyDialer struct {
	sshAddr string
	sshCfg  internalssh.ClientConfig
	direct  Dialer

	mu     sync.Mutex
	client *ssh.Client
	sf     singleflight.Group
}

// NewSSHProxyDialer constructs a dialer that tunnels through the SSH server
// at sshAddr. Keys come from cfg.SSHKeyPath and host keys are checked
// against cfg.SSHKnownHostsPath.
func NewSSHProxyDialer(cfg Config, sshAddr, username, password string) (*SSHProxyDialer, error) {
	signers, err := internalssh.LoadSigners(cfg.SSHKeyPath)
	if err != nil {
		return nil, fmt.Errorf("ssh dialer: %w", err)
	}

	sshCfg := internalssh.ClientConfig{
		Username:         username,
		Password:         password,
		Signers:          signers,
		HandshakeTimeout: cfg.NegotiationTimeout,
	}
	if err := sshCfg.Validate(); err != nil {
		return nil, fmt.Errorf("ssh dialer: %w", err)
	}

	sshCfg.HostKeyCallback, err = internalssh.NewHostKeyCallback(cfg.SSHKnownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("ssh dialer: %w", err)
	}

	return &SSHProxyDialer{
		sshAddr: sshAddr,
		sshCfg:  sshCfg,
		direct:  NewDirectDialer(cfg),
	}, nil
}

// DialContext opens a channel to address. Canceling ctx closes the returned
// channel but leaves the shared transport up.
func (d *SSHProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("ssh proxy dial %s %s: unsupported network", network, address)
	}

	client, err := d.getClient(ctx)
	if err != nil {
		return nil, err
	}

	c, err := client.DialContext(ctx, "tcp", address)
	if err != nil {
		var openErr *ssh.OpenChannelError
		if errors.As(err, &openErr) {
			return nil, fmt.Errorf("ssh proxy dial %s: %w", address, err)
		}

		d.dropClient(client)
		client, rerr := d.getClient(ctx)
		if rerr != nil {
			return nil, fmt.Errorf("ssh proxy dial %s: %w", address, err)
		}
		c, err = client.DialContext(ctx, "tcp", address)
		if err != nil {
			return nil, fmt.Errorf("ssh proxy dial %s: %w", address, err)
		}
	}

	stop := context.AfterFunc(ctx, func() {
		_ = c.Close()
	})
	return &channelConn{Conn: c, stop: stop}, nil
}

// getClient returns the shared client, connecting if there is none. Waiters
// share one connection attempt and may give up early on their own ctx.
func (d *SSHProxyDialer) getClient(ctx context.Context) (*ssh.Client, error) {
	d.mu.Lock()
	client := d.client
	d.mu.Unlock()
	if client != nil {
		return client, nil
	}

	ch := d.sf.DoChan("connect", func() (any, error) {
		d.mu.Lock()
		if d.client != nil {
			c := d.client
			d.mu.Unlock()
			return c, nil
		}
		d.mu.Unlock()

		// Not tied to any one caller's ctx; others may be waiting on it.
		c, err := d.connect(context.Background())
		if err != nil {
			return nil, err
		}

		d.mu.Lock()
		d.client = c
		d.mu.Unlock()
		return c, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*ssh.Client), nil
	}
}

func (d *SSHProxyDialer) connect(ctx context.Context) (*ssh.Client, error) {
	conn, err := d.direct.DialContext(ctx, "tcp", d.sshAddr)
	if err != nil {
		return nil, fmt.Errorf("ssh transport dial: %w", err)
	}

	client, err := internalssh.NewClient(conn, d.sshCfg, d.sshAddr)
	if err != nil {
		return nil, fmt.Errorf("ssh transport: %w", err)
	}
	return client, nil
}

// dropClient forgets and closes client if it is still the shared one.
func (d *SSHProxyDialer) dropClient(client *ssh.Client) {
	d.mu.Lock()
	if d.client != client {
		d.mu.Unlock()
		return
	}
	d.client = nil
	d.mu.Unlock()
	_ = client.Close()
}

// Close tears down the shared transport, if any.
func (d *SSHProxyDialer) Close() error {
	d.mu.Lock()
	client := d.client
	d.client = nil
	d.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Close()
}

type channelConn struct {
	net.Conn
	stop func() bool
}

func (c *channelConn) Close() error {
	c.stop()
	return c.Conn.Close()
}
