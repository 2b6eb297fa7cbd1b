package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// execHandler decides how the test server answers an exec request.
type execHandler func(command string) (stdout, stderr string, status uint32)

// testSSHServer is a minimal SSH server with exec and sftp support.
type testSSHServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
	addr     string
	done     chan struct{}

	mu       sync.Mutex
	handler  execHandler
	commands []string
	stdins   []string
}

func newTestSSHServer(t *testing.T) *testSSHServer {
	t.Helper()

	_, hostKey, err := generateTestKey()
	if err != nil {
		t.Fatalf("failed to generate test key: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "admin" && string(pass) == "testpass" {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, pubKey ssh.PublicKey) (*ssh.Permissions, error) {
			return nil, nil
		},
	}
	config.AddHostKey(hostKey)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	server := &testSSHServer{
		listener: listener,
		config:   config,
		addr:     listener.Addr().String(),
		done:     make(chan struct{}),
		handler: func(string) (string, string, uint32) {
			return "", "", 0
		},
	}

	go server.serve()
	t.Cleanup(server.close)

	return server
}

func (s *testSSHServer) setHandler(h execHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

func (s *testSSHServer) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// input returns what the client wrote on stdin for each received command.
func (s *testSSHServer) input() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.stdins...)
}

func (s *testSSHServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}
		go s.handleConnection(conn)
	}
}

func (s *testSSHServer) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}

		go s.handleChannel(channel, requests)
	}
}

func (s *testSSHServer) handleChannel(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for req := range requests {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				req.Reply(false, nil)
				return
			}
			if req.WantReply {
				req.Reply(true, nil)
			}

			// the client closes stdin once its reader is drained
			stdin, _ := io.ReadAll(channel)

			s.mu.Lock()
			s.commands = append(s.commands, payload.Command)
			s.stdins = append(s.stdins, string(stdin))
			handler := s.handler
			s.mu.Unlock()

			stdout, stderr, status := "", "", uint32(0)
			if payload.Command != "true" {
				stdout, stderr, status = handler(payload.Command)
			}
			if stdout != "" {
				channel.Write([]byte(stdout))
			}
			if stderr != "" {
				channel.Stderr().Write([]byte(stderr))
			}
			channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
			return

		case "subsystem":
			var payload struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" {
				req.Reply(false, nil)
				continue
			}
			if req.WantReply {
				req.Reply(true, nil)
			}
			go ssh.DiscardRequests(requests)

			server, err := sftp.NewServer(channel)
			if err != nil {
				return
			}
			_ = server.Serve()
			_ = server.Close()
			return

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func (s *testSSHServer) close() {
	select {
	case <-s.done:
		return
	default:
	}
	close(s.done)
	s.listener.Close()
}

func generateTestKey() (ssh.PublicKey, ssh.Signer, error) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	signer, err := ssh.NewSignerFromKey(privKey)
	if err != nil {
		return nil, nil, err
	}

	publicKey, err := ssh.NewPublicKey(pubKey)
	if err != nil {
		return nil, nil, err
	}

	return publicKey, signer, nil
}

// parseAddress splits an address into host and port.
func parseAddress(addr string) (string, int) {
	host, portStr, _ := net.SplitHostPort(addr)
	port := 0
	fmt.Sscanf(portStr, "%d", &port)
	return host, port
}

// connectTestClient connects an admin client with password auth.
func connectTestClient(t *testing.T, server *testSSHServer, modify func(*Config)) *Client {
	t.Helper()

	host, port := parseAddress(server.addr)

	config := DefaultConfig(host, "admin")
	config.Port = port
	config.AuthMethod = AuthMethodPassword
	config.Password = "testpass"
	config.StrictHostKeyChecking = false
	config.ConnectionTimeout = 5 * time.Second
	if modify != nil {
		modify(config)
	}

	client, err := NewClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	return client
}

func TestClientConnect(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectTestClient(t, server, nil)

	if !client.IsConnected() {
		t.Error("expected client to be connected")
	}

	host, _ := parseAddress(server.addr)
	info := client.GetConnectionInfo()
	if info.Host != host {
		t.Errorf("expected host '%s', got '%s'", host, info.Host)
	}
	if info.User != "admin" {
		t.Errorf("expected user 'admin', got '%s'", info.User)
	}
	if info.ConnectedAt.IsZero() {
		t.Error("expected connection time to be recorded")
	}

	// reconnecting a healthy client is a no-op
	if err := client.Connect(context.Background()); err != nil {
		t.Errorf("reconnect failed: %v", err)
	}
}

func TestClientConnectBadPassword(t *testing.T) {
	server := newTestSSHServer(t)
	host, port := parseAddress(server.addr)

	config := DefaultConfig(host, "admin")
	config.Port = port
	config.AuthMethod = AuthMethodPassword
	config.Password = "wrong"
	config.StrictHostKeyChecking = false

	client, err := NewClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	err = client.Connect(context.Background())
	if err == nil {
		t.Fatal("expected authentication failure, got nil")
	}
	if _, ok := err.(*TransportError); !ok {
		t.Errorf("expected *TransportError, got %T", err)
	}
	if client.IsConnected() {
		t.Error("expected client to stay disconnected")
	}
}

func TestClientHealthCheck(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectTestClient(t, server, nil)

	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("health check failed: %v", err)
	}
}

func TestClientClose(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectTestClient(t, server, nil)

	if err := client.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}

	if client.IsConnected() {
		t.Error("expected client to be disconnected")
	}

	if err := client.HealthCheck(context.Background()); err == nil {
		t.Error("expected health check to fail after close")
	}

	// closing twice is harmless
	if err := client.Close(); err != nil {
		t.Errorf("second close failed: %v", err)
	}
}

func TestClientKeyBasedAuth(t *testing.T) {
	server := newTestSSHServer(t)

	keyPath := writeTestKey(t)
	client := connectTestClient(t, server, func(c *Config) {
		c.AuthMethod = AuthMethodKey
		c.Password = ""
		c.PrivateKeyPath = keyPath
	})

	if !client.IsConnected() {
		t.Error("expected client to be connected")
	}
}

func TestClientKeepAlive(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectTestClient(t, server, func(c *Config) {
		c.KeepAliveInterval = 20 * time.Millisecond
	})

	before := client.GetConnectionInfo().LastActivity
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if client.GetConnectionInfo().LastActivity.After(before) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("expected keep-alive to update last activity")
}

func TestRunRequiresConnection(t *testing.T) {
	config := DefaultConfig("127.0.0.1", "admin")
	config.AuthMethod = AuthMethodPassword
	config.Password = "x"

	client, err := NewClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	_, err = client.Run(context.Background(), testCommand("echo hi"))
	if err == nil || !strings.Contains(err.Error(), "not connected") {
		t.Errorf("expected not connected error, got %v", err)
	}
}
