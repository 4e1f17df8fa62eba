package revtun

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// freePort asks the OS for an ephemeral port, then immediately releases it
// so the real listener (started moments later by the code under test) can
// bind it. Same "listen, read the port, close" idiom used throughout the
// Go ecosystem for port-per-test isolation; the tiny reuse window is fine
// for a test run.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// echoServer is a trivial TCP echo listener standing in for the "local
// service" a revtun client exposes to the tunnel server.
func echoServer(t *testing.T) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				io.Copy(conn, conn)
				conn.Close()
			}()
		}
	}()
	return ln.Addr().String(), func() { ln.Close() }
}

func startTestServer(t *testing.T, ctx context.Context) (*Server, int, int) {
	t.Helper()
	mgrPort := freePort(t)
	relayPort := freePort(t)
	cfg := &ServerConfig{
		ManagerHost: "127.0.0.1",
		ManagerPort: mgrPort,
		RelayHost:   "127.0.0.1",
		RelayPort:   relayPort,
		AuthToken:   "test-token",
		AuthTimeout: 2 * time.Second,
		Logger:      NewLogger("srv: ", LogLevelError),
	}
	s, err := NewServer(cfg)
	require.NoError(t, err)
	go s.Run(ctx)
	return s, mgrPort, relayPort
}

func startTestClient(t *testing.T, ctx context.Context, mgrPort, relayPort int) {
	t.Helper()
	cfg := &ClientConfig{
		ManagerHost: "127.0.0.1",
		ManagerPort: mgrPort,
		RelayHost:   "127.0.0.1",
		RelayPort:   relayPort,
		AuthToken:   "test-token",
		Logger:      NewLogger("cli: ", LogLevelError),
	}
	c := NewClient(cfg)
	go c.Run(ctx)
}

// dialWithRetry tolerates the listener not existing yet the instant after
// Run/Serve is kicked off in a goroutine.
func dialWithRetry(t *testing.T, addr string) net.Conn {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var lastErr error
	for time.Now().Before(deadline) {
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			return conn
		}
		lastErr = err
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("dial %s: %v", addr, lastErr)
	return nil
}

// TestEndToEndHappyPath covers spec §8's baseline scenario: a client
// manager-authenticates, a proxy port is created against a local echo
// service, and bytes written to the public-facing proxy port round-trip
// through manager -> relay -> local service and back.
func TestEndToEndHappyPath(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	echoAddr, stopEcho := echoServer(t)
	defer stopEcho()

	server, mgrPort, relayPort := startTestServer(t, ctx)
	defer server.Close()

	port, err := server.Proxy.CreatePort(ctx, Endpoint(echoAddr), 0)
	require.NoError(t, err)

	startTestClient(t, ctx, mgrPort, relayPort)

	// Give the client time to authenticate as manager before the proxy
	// connection arrives and needs a replier.
	time.Sleep(200 * time.Millisecond)

	conn := dialWithRetry(t, port.BindAddr().String())
	defer conn.Close()

	msg := []byte("hello through the tunnel")
	_, err = conn.Write(msg)
	require.NoError(t, err)

	buf := make([]byte, len(msg))
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, msg, buf)
}

// TestEndToEndPreBuildBuffering writes to the public proxy connection
// immediately, before the relay round-trip to dial the local service can
// possibly have completed, to exercise ProxyLink's pre-tunnel buffering.
func TestEndToEndPreBuildBuffering(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	echoAddr, stopEcho := echoServer(t)
	defer stopEcho()

	server, mgrPort, relayPort := startTestServer(t, ctx)
	defer server.Close()

	port, err := server.Proxy.CreatePort(ctx, Endpoint(echoAddr), 0)
	require.NoError(t, err)

	startTestClient(t, ctx, mgrPort, relayPort)
	time.Sleep(200 * time.Millisecond)

	conn := dialWithRetry(t, port.BindAddr().String())
	defer conn.Close()

	msg := []byte("buffered before tunnel build")
	_, err = conn.Write(msg)
	require.NoError(t, err)

	buf := make([]byte, len(msg))
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, msg, buf)
}

// TestEndToEndMultipleSequentialConnections exercises relay-pool reuse:
// each proxy connection consumes one relay socket and, once closed, a new
// connection drives a fresh NewReplier/RelayClient cycle on the same
// manager session.
func TestEndToEndMultipleSequentialConnections(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	echoAddr, stopEcho := echoServer(t)
	defer stopEcho()

	server, mgrPort, relayPort := startTestServer(t, ctx)
	defer server.Close()

	port, err := server.Proxy.CreatePort(ctx, Endpoint(echoAddr), 0)
	require.NoError(t, err)

	startTestClient(t, ctx, mgrPort, relayPort)
	time.Sleep(200 * time.Millisecond)

	for i := 0; i < 3; i++ {
		conn := dialWithRetry(t, port.BindAddr().String())
		msg := []byte("round trip")
		_, err = conn.Write(msg)
		require.NoError(t, err)

		buf := make([]byte, len(msg))
		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, err = io.ReadFull(conn, buf)
		require.NoError(t, err)
		require.Equal(t, msg, buf)
		conn.Close()
	}
}

// TestEndToEndManagerSwap exercises spec §4.3's manager-kick-out path: a
// second manager connection with the same token takes over, the first is
// sent CommandManagerKickOut and its Run returns ErrManagerKickedOut
// without redialing, and the new manager continues to serve proxy
// connections.
func TestEndToEndManagerSwap(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	echoAddr, stopEcho := echoServer(t)
	defer stopEcho()

	server, mgrPort, relayPort := startTestServer(t, ctx)
	defer server.Close()

	port, err := server.Proxy.CreatePort(ctx, Endpoint(echoAddr), 0)
	require.NoError(t, err)

	cfg1 := &ClientConfig{
		ManagerHost: "127.0.0.1", ManagerPort: mgrPort,
		RelayHost: "127.0.0.1", RelayPort: relayPort,
		AuthToken: "test-token", Logger: NewLogger("cli1: ", LogLevelError),
	}
	client1 := NewClient(cfg1)
	done1 := make(chan error, 1)
	go func() { done1 <- client1.Run(ctx) }()
	time.Sleep(150 * time.Millisecond)

	startTestClient(t, ctx, mgrPort, relayPort)
	time.Sleep(200 * time.Millisecond)

	select {
	case err := <-done1:
		require.ErrorIs(t, err, ErrManagerKickedOut)
	case <-time.After(2 * time.Second):
		t.Fatal("first manager was never kicked out")
	}

	conn := dialWithRetry(t, port.BindAddr().String())
	defer conn.Close()
	msg := []byte("served by the second manager")
	_, err = conn.Write(msg)
	require.NoError(t, err)
	buf := make([]byte, len(msg))
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, msg, buf)
}

// TestEndToEndProxyConnectionRefusedWithoutManager covers the case where a
// proxy port exists but no manager is currently connected: the accept loop
// must refuse the connection outright rather than hang.
func TestEndToEndProxyConnectionRefusedWithoutManager(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	echoAddr, stopEcho := echoServer(t)
	defer stopEcho()

	server, _, _ := startTestServer(t, ctx)
	defer server.Close()

	port, err := server.Proxy.CreatePort(ctx, Endpoint(echoAddr), 0)
	require.NoError(t, err)

	conn := dialWithRetry(t, port.BindAddr().String())
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	require.Error(t, err, "connection should be refused/closed with no manager attached")
}
