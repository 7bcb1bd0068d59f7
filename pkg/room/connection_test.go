package room

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabrelay/internal/metadata"
	"collabrelay/internal/protocol"
)

func recvWithin(t *testing.T, ch <-chan *protocol.Command, d time.Duration) *protocol.Command {
	t.Helper()
	select {
	case cmd, ok := <-ch:
		require.True(t, ok, "channel closed before a command arrived")
		return cmd
	case <-time.After(d):
		t.Fatal("timed out waiting for a command")
		return nil
	}
}

func assertNoneWithin(t *testing.T, ch <-chan *protocol.Command, d time.Duration) {
	t.Helper()
	select {
	case cmd, ok := <-ch:
		if ok {
			t.Fatalf("expected no command, got %+v", cmd)
		}
	case <-time.After(d):
	}
}

func TestClientDictExactlyOneOfUnjoinedOrRoom(t *testing.T) {
	s := NewServer(testLogger(), 64)
	c, _ := pipeConnection(t, s)

	dict := c.ClientDict()
	assert.Nil(t, dict[metadata.ClientRoom])

	r := newRoom(s, "room-a", testLogger())
	c.setRoom(r)
	dict = c.ClientDict()
	assert.Equal(t, "room-a", dict[metadata.ClientRoom])
}

func TestSetClientMetadataNoopIsSilent(t *testing.T) {
	c := &Connection{meta: make(map[string]any)}
	diff := c.applyMetadata(map[string]any{"color": "red"})
	assert.Equal(t, map[string]any{"color": "red"}, diff)

	diff = c.applyMetadata(map[string]any{"color": "red"})
	assert.Empty(t, diff)
}

func TestEnqueueDropsSlowClientWhenQueueFull(t *testing.T) {
	s := NewServer(testLogger(), 1)
	serverSide, clientSide := net.Pipe()
	t.Cleanup(func() { serverSide.Close(); clientSide.Close() })

	// No Serve loop is running, so nothing drains the single-slot queue:
	// the second Enqueue must observe it full and close the socket.
	c := newConnection(s, serverSide, testLogger(), 1)
	c.Enqueue(protocol.New(protocol.Content, nil))
	c.Enqueue(protocol.New(protocol.Content, nil))

	_, err := clientSide.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestJoinRoomDispatchRejectsDoubleJoin(t *testing.T) {
	s := NewServer(testLogger(), 64)
	c, recv := pipeConnection(t, s)

	s.Join(c, "alpha")
	// drain the room-created / client-update churn before asserting
	recvWithin(t, recv, time.Second)

	c.dispatch(protocol.New(protocol.JoinRoom, []byte("beta")))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, "alpha", c.Room().Name())
}
