package ssh

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// Client is the SSH implementation of transports.Adapter. One Client serves
// one target host; sessions are opened per command over a single connection.
type Client struct {
	config *Config

	client      *ssh.Client
	proxy       *ssh.Client
	connMu      sync.RWMutex
	isConnected bool
	connectedAt time.Time
	lastUsedAt  time.Time
	stopKeep    chan struct{}
}

// NewClient validates config and returns an unconnected client.
func NewClient(config *Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Client{config: config}, nil
}

// Connect establishes the SSH connection, through the jump host when one is
// configured. Connecting an already healthy client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.isConnected && c.client != nil {
		if err := c.healthCheckInternal(); err == nil {
			return nil
		}
		log.Warn().Str("host", c.config.Host).Msg("existing connection is dead, reconnecting")
		c.closeInternal()
	}

	clientConfig, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return &TransportError{
			Op:          "connect",
			Err:         err,
			IsAuthError: true,
		}
	}

	if c.config.IsProxyEnabled() {
		err = c.connectViaProxy(ctx, clientConfig)
	} else {
		err = c.connectDirect(ctx, clientConfig)
	}
	if err != nil {
		return err
	}

	c.isConnected = true
	c.connectedAt = time.Now()
	c.lastUsedAt = c.connectedAt

	if c.config.KeepAliveInterval > 0 {
		c.stopKeep = make(chan struct{})
		go c.keepAlive(c.client, c.stopKeep)
	}
	return nil
}

func (c *Client) connectDirect(ctx context.Context, clientConfig *ssh.ClientConfig) error {
	address := c.config.Address()
	log.Debug().Str("address", address).Msg("establishing SSH connection")

	type dialResult struct {
		client *ssh.Client
		err    error
	}
	done := make(chan dialResult, 1)

	go func() {
		client, err := ssh.Dial("tcp", address, clientConfig)
		done <- dialResult{client: client, err: err}
	}()

	select {
	case <-ctx.Done():
		// reap a late connection so it does not leak
		go func() {
			if r := <-done; r.client != nil {
				_ = r.client.Close()
			}
		}()
		return &TransportError{Op: "connect", Err: ctx.Err(), IsTemporary: true}
	case r := <-done:
		if r.err != nil {
			return &TransportError{Op: "connect", Err: r.err, IsTemporary: true}
		}
		c.client = r.client
		log.Info().Str("address", address).Msg("SSH connection established")
		return nil
	}
}

func (c *Client) connectViaProxy(ctx context.Context, targetConfig *ssh.ClientConfig) error {
	proxyConfig := c.config.proxyConfig()

	proxyClientConfig, err := proxyConfig.BuildSSHClientConfig()
	if err != nil {
		return &TransportError{
			Op:          "connect-proxy",
			Err:         fmt.Errorf("failed to build proxy config: %w", err),
			IsAuthError: true,
		}
	}

	log.Debug().Str("proxy", proxyConfig.Address()).Msg("connecting to proxy host")

	dialer := net.Dialer{Timeout: proxyConfig.ConnectionTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", proxyConfig.Address())
	if err != nil {
		return &TransportError{Op: "connect-proxy", Err: err, IsTemporary: true}
	}
	pc, pchans, preqs, err := ssh.NewClientConn(rawConn, proxyConfig.Address(), proxyClientConfig)
	if err != nil {
		_ = rawConn.Close()
		return &TransportError{Op: "connect-proxy", Err: err, IsTemporary: true, IsAuthError: true}
	}
	proxyClient := ssh.NewClient(pc, pchans, preqs)

	targetAddress := c.config.Address()
	log.Debug().Str("target", targetAddress).Msg("connecting to target through proxy")

	proxyConn, err := proxyClient.DialContext(ctx, "tcp", targetAddress)
	if err != nil {
		_ = proxyClient.Close()
		return &TransportError{Op: "connect-via-proxy", Err: err, IsTemporary: true}
	}

	ncc, chans, reqs, err := ssh.NewClientConn(proxyConn, targetAddress, targetConfig)
	if err != nil {
		_ = proxyConn.Close()
		_ = proxyClient.Close()
		return &TransportError{Op: "connect-via-proxy", Err: err, IsTemporary: true, IsAuthError: true}
	}

	c.client = ssh.NewClient(ncc, chans, reqs)
	c.proxy = proxyClient

	log.Info().Str("target", targetAddress).Str("proxy", proxyConfig.Address()).Msg("SSH connection established via proxy")
	return nil
}

// Close closes the SSH connection and releases all resources.
func (c *Client) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if !c.isConnected || c.client == nil {
		return nil
	}

	log.Debug().Str("host", c.config.Host).Msg("closing SSH connection")

	if err := c.closeInternal(); err != nil {
		return &TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

// closeInternal must be called with connMu held.
func (c *Client) closeInternal() error {
	if c.stopKeep != nil {
		close(c.stopKeep)
		c.stopKeep = nil
	}
	err := c.client.Close()
	if c.proxy != nil {
		_ = c.proxy.Close()
		c.proxy = nil
	}
	c.client = nil
	c.isConnected = false
	return err
}

// IsConnected returns true if the transport has an active connection.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.isConnected
}

// HealthCheck verifies the connection is still alive and responsive.
func (c *Client) HealthCheck(ctx context.Context) error {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	if !c.isConnected || c.client == nil {
		return &TransportError{Op: "healthcheck", Err: fmt.Errorf("not connected")}
	}

	return c.healthCheckInternal()
}

// healthCheckInternal must be called with connMu held.
func (c *Client) healthCheckInternal() error {
	session, err := c.client.NewSession()
	if err != nil {
		return &TransportError{Op: "healthcheck", Err: err, IsTemporary: true}
	}
	defer session.Close()

	if err := session.Run("true"); err != nil {
		return &TransportError{Op: "healthcheck", Err: err, IsTemporary: true}
	}
	return nil
}

func (c *Client) keepAlive(client *ssh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	retries := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			retries++
			log.Warn().Err(err).Int("retries", retries).Msg("keep-alive failed")
			if retries >= c.config.MaxKeepAliveRetries {
				log.Error().Str("host", c.config.Host).Msg("keep-alive failed too many times, connection may be dead")
				return
			}
			continue
		}
		retries = 0
		c.touch()
	}
}

func (c *Client) touch() {
	c.connMu.Lock()
	c.lastUsedAt = time.Now()
	c.connMu.Unlock()
}

// GetConnectionInfo returns information about the current connection.
func (c *Client) GetConnectionInfo() ConnectionInfo {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	return ConnectionInfo{
		Host:         c.config.Host,
		Port:         c.config.Port,
		User:         c.config.User,
		ConnectedAt:  c.connectedAt,
		LastActivity: c.lastUsedAt,
	}
}

// getClient returns the underlying SSH client for sessions and SFTP.
func (c *Client) getClient() (*ssh.Client, error) {
	c.connMu.RLock()
	client, ok := c.client, c.isConnected
	c.connMu.RUnlock()

	if !ok || client == nil {
		return nil, &TransportError{Op: "get-client", Err: fmt.Errorf("not connected")}
	}

	c.touch()
	return client, nil
}
