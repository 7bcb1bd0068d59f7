package server

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"collabrelay/internal/config"
	"collabrelay/internal/protocol"
)

// freePort asks the OS for an ephemeral port by binding and immediately
// releasing a listener, the standard trick for picking a test port.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestListenerAcceptsAndRelaysClientID(t *testing.T) {
	cfg := config.Default()
	cfg.Port = freePort(t)
	cfg.AcceptPollInterval = "10ms"

	ln, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ln.Run(ctx) }()

	var conn net.Conn
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.Port)))
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, protocol.WriteMessage(conn, protocol.New(protocol.ClientID, nil)))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply, err := protocol.ReadMessage(protocol.NewReader(conn))
	require.NoError(t, err)
	require.Equal(t, protocol.ClientID, reply.Type)
	require.Contains(t, string(reply.Data), ":")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
