package ssh

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// testSSHServer is a minimal SSH server with a toy interpreter and an
// in-memory SFTP subsystem.
type testSSHServer struct {
	listener  net.Listener
	config    *ssh.ServerConfig
	addr      string
	hostKey   ssh.Signer
	clientKey []byte
	files     sftp.Handlers
	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	scripts  []string
	commands []string
}

func newTestSSHServer(t *testing.T) *testSSHServer {
	t.Helper()

	_, hostKey, err := generateTestKey()
	if err != nil {
		t.Fatalf("failed to generate host key: %v", err)
	}
	clientKey, clientPEM := generateClientKey(t)

	s := &testSSHServer{
		hostKey:   hostKey,
		clientKey: clientPEM,
		files:     sftp.InMemHandler(),
		done:      make(chan struct{}),
	}

	s.config = &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "testuser" && string(pass) == "testpass" {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, pubKey ssh.PublicKey) (*ssh.Permissions, error) {
			if bytes.Equal(pubKey.Marshal(), clientKey.Marshal()) {
				return nil, nil
			}
			return nil, fmt.Errorf("unknown public key")
		},
	}
	s.config.AddHostKey(hostKey)

	s.listener, err = net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	s.addr = s.listener.Addr().String()

	go s.serve()
	t.Cleanup(s.close)

	return s
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
			_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
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
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			go ssh.DiscardRequests(requests)

			s.exec(channel, payload.Command)
			return

		case "subsystem":
			var payload struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			go ssh.DiscardRequests(requests)

			server := sftp.NewRequestServer(channel, s.files)
			_ = server.Serve()
			_ = server.Close()
			return

		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

// exec runs command. Anything other than "true" is treated as an interpreter
// reading a script from stdin that understands echo, exit and sleep.
func (s *testSSHServer) exec(channel ssh.Channel, command string) {
	s.mu.Lock()
	s.commands = append(s.commands, command)
	s.mu.Unlock()

	if command == "true" {
		sendExitStatus(channel, 0)
		return
	}

	script, _ := io.ReadAll(channel)
	s.mu.Lock()
	s.scripts = append(s.scripts, string(script))
	s.mu.Unlock()

	status := 0
	scanner := bufio.NewScanner(bytes.NewReader(script))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "echo ") && strings.HasSuffix(line, ">&2"):
			msg := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(line, "echo "), ">&2"))
			_, _ = channel.Stderr().Write([]byte(msg + "\n"))
		case strings.HasPrefix(line, "echo "):
			_, _ = channel.Write([]byte(strings.TrimPrefix(line, "echo ") + "\n"))
		case strings.HasPrefix(line, "exit "):
			status, _ = strconv.Atoi(strings.TrimPrefix(line, "exit "))
			sendExitStatus(channel, uint32(status))
			return
		case line == "sleep":
			select {
			case <-s.done:
			case <-time.After(5 * time.Second):
			}
		}
	}
	sendExitStatus(channel, uint32(status))
}

func sendExitStatus(channel ssh.Channel, status uint32) {
	_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
}

func (s *testSSHServer) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.listener.Close()
	})
}

func (s *testSSHServer) receivedScripts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.scripts...)
}

func (s *testSSHServer) receivedCommands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// knownHosts writes a known_hosts file trusting key for the server address.
func (s *testSSHServer) knownHosts(t *testing.T, key ssh.PublicKey) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "known_hosts")
	line := knownhosts.Line([]string{knownhosts.Normalize(s.addr)}, key)
	if err := os.WriteFile(p, []byte(line+"\n"), 0o600); err != nil {
		t.Fatalf("failed to write known_hosts: %v", err)
	}
	return p
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

// generateClientKey returns a public key and its PEM-encoded private key.
func generateClientKey(t *testing.T) (ssh.PublicKey, []byte) {
	t.Helper()
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(privKey, "")
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}
	publicKey, err := ssh.NewPublicKey(pubKey)
	if err != nil {
		t.Fatalf("failed to convert public key: %v", err)
	}
	return publicKey, pem.EncodeToMemory(block)
}

func parseAddress(addr string) (string, int) {
	host, portStr, _ := net.SplitHostPort(addr)
	port, _ := strconv.Atoi(portStr)
	return host, port
}

func testConfig(s *testSSHServer) *Config {
	host, port := parseAddress(s.addr)
	config := DefaultConfig(host, "testuser")
	config.Port = port
	config.PrivateKey = s.clientKey
	config.StrictHostKeyChecking = false
	config.ConnectionTimeout = 5 * time.Second
	config.KeepAliveInterval = 0
	return config
}

func connectedClient(t *testing.T, s *testSSHServer) *Client {
	t.Helper()
	client, err := NewClient(testConfig(s))
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestClient_Connect(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectedClient(t, server)

	if !client.IsConnected() {
		t.Error("expected client to be connected")
	}

	info := client.Info()
	if info.User != "testuser" {
		t.Errorf("expected user 'testuser', got '%s'", info.User)
	}
	if info.ConnectedAt.IsZero() {
		t.Error("expected connected time to be set")
	}
	if info.ViaProxy {
		t.Error("expected a direct connection")
	}

	// reconnecting a live client is a no-op
	if err := client.Connect(context.Background()); err != nil {
		t.Errorf("expected reconnect to succeed, got: %v", err)
	}
}

func TestClient_PasswordAuth(t *testing.T) {
	server := newTestSSHServer(t)

	config := testConfig(server)
	config.AuthMethod = AuthMethodPassword
	config.Password = "testpass"

	client, err := NewClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer client.Close()

	config.Password = "wrong"
	bad, _ := NewClient(config)
	err = bad.Connect(context.Background())
	if err == nil {
		t.Fatal("expected wrong password to fail")
	}
	te, ok := err.(*TransportError)
	if !ok || !te.IsAuthError {
		t.Errorf("expected auth transport error, got %T: %v", err, err)
	}
}

func TestClient_UnknownKeyRejected(t *testing.T) {
	server := newTestSSHServer(t)

	_, otherKey := generateClientKey(t)
	config := testConfig(server)
	config.PrivateKey = otherKey

	client, _ := NewClient(config)
	if err := client.Connect(context.Background()); err == nil {
		t.Error("expected unknown key to be rejected")
	}
	if client.IsConnected() {
		t.Error("expected client to stay disconnected")
	}
}

func TestClient_KnownHosts(t *testing.T) {
	server := newTestSSHServer(t)

	config := testConfig(server)
	config.StrictHostKeyChecking = true
	config.KnownHostsPath = server.knownHosts(t, server.hostKey.PublicKey())

	client, _ := NewClient(config)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("expected trusted host to connect, got: %v", err)
	}
	_ = client.Close()

	other, _, _ := generateTestKey()
	config.KnownHostsPath = server.knownHosts(t, other)
	client, _ = NewClient(config)
	if err := client.Connect(context.Background()); err == nil {
		t.Error("expected mismatched host key to be rejected")
	}
}

func TestClient_HealthCheck(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectedClient(t, server)

	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("health check failed: %v", err)
	}
}

func TestClient_Close(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectedClient(t, server)

	if err := client.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}
	if client.IsConnected() {
		t.Error("expected client to be disconnected")
	}
	if err := client.Close(); err != nil {
		t.Errorf("expected second close to be a no-op, got: %v", err)
	}
	if err := client.HealthCheck(context.Background()); err == nil {
		t.Error("expected health check on closed client to fail")
	}
	if _, err := client.Run(context.Background(), "echo hi"); err == nil {
		t.Error("expected run on closed client to fail")
	}
}

func TestClient_ConnectRefused(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	host, port := parseAddress(listener.Addr().String())
	_ = listener.Close()

	config := DefaultConfig(host, "testuser")
	config.Port = port
	config.AuthMethod = AuthMethodPassword
	config.Password = "testpass"
	config.StrictHostKeyChecking = false
	config.ConnectionTimeout = time.Second

	client, _ := NewClient(config)
	err = client.Connect(context.Background())
	te, ok := err.(*TransportError)
	if !ok || !te.Temporary() {
		t.Errorf("expected temporary transport error, got %T: %v", err, err)
	}
}
