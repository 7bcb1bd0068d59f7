package room

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabrelay/internal/protocol"
)

func TestAcceptRegistersUnjoinedAndBroadcastsSelf(t *testing.T) {
	s := NewServer(testLogger(), 64)
	serverSide, clientSide := net.Pipe()
	t.Cleanup(func() { serverSide.Close(); clientSide.Close() })

	received := make(chan *protocol.Command, 8)
	go func() {
		r := protocol.NewReader(clientSide)
		for {
			cmd, err := protocol.ReadMessage(r)
			if err != nil {
				close(received)
				return
			}
			received <- cmd
		}
	}()

	c := s.Accept(serverSide)
	go c.Serve(testContextDone(t), 20*time.Millisecond)

	cmd := recvWithin(t, received, time.Second)
	assert.Equal(t, protocol.ClientUpdate, cmd.Type)

	conns := s.allConnections()
	require.Len(t, conns, 1)
	assert.Equal(t, c.ID(), conns[0].ID())
}

func TestJoinCreatesRoomAndDeleteRefusesWhileOccupied(t *testing.T) {
	s := NewServer(testLogger(), 64)
	c, _ := pipeConnection(t, s)

	s.Join(c, "alpha")
	r, ok := s.roomByName("alpha")
	require.True(t, ok)
	assert.Equal(t, 1, r.ClientCount())

	s.Delete("alpha")
	_, stillExists := s.roomByName("alpha")
	assert.True(t, stillExists, "delete must refuse while the room has members")
}

func TestLeaveDeletesEmptyRoomUnlessKeptOpen(t *testing.T) {
	s := NewServer(testLogger(), 64)
	c, _ := pipeConnection(t, s)

	s.Join(c, "alpha")
	s.Leave(c, "alpha")
	_, exists := s.roomByName("alpha")
	assert.False(t, exists, "an empty room with keep_open=false must be deleted on last leave")

	c2, _ := pipeConnection(t, s)
	s.Join(c2, "beta")
	s.SetRoomKeepOpen("beta", true)
	s.Leave(c2, "beta")
	_, exists = s.roomByName("beta")
	assert.True(t, exists, "a keep_open room must survive becoming empty")
}

func TestHandleDisconnectBroadcastsClientDisconnected(t *testing.T) {
	s := NewServer(testLogger(), 64)
	gone, _ := pipeConnection(t, s)
	witness, witnessRecv := pipeConnection(t, s)
	_ = witness

	s.HandleDisconnect(gone)

	deadline := time.After(time.Second)
	for {
		select {
		case cmd, ok := <-witnessRecv:
			if !ok {
				t.Fatal("witness channel closed before CLIENT_DISCONNECTED arrived")
			}
			if cmd.Type == protocol.ClientDisconnected {
				assert.Equal(t, gone.ID(), string(cmd.Data))
				return
			}
		case <-deadline:
			t.Fatal("never observed a CLIENT_DISCONNECTED broadcast")
		}
	}
}

// TestListRoomsAndListAllClientsCoalesceAcrossOneReadCycle drives dispatch
// and drainOutbound synchronously from the test goroutine (no background
// Serve loop) so the join churn and the two coalesced snapshots can be
// told apart without racing a concurrent writer.
func TestListRoomsAndListAllClientsCoalesceAcrossOneReadCycle(t *testing.T) {
	s := NewServer(testLogger(), 64)
	serverSide, clientSide := net.Pipe()
	t.Cleanup(func() { serverSide.Close(); clientSide.Close() })

	c := newConnection(s, serverSide, testLogger(), 64)
	s.mu.Lock()
	s.unjoined[c.ID()] = c
	s.mu.Unlock()

	received := make(chan *protocol.Command, 16)
	go func() {
		r := protocol.NewReader(clientSide)
		for {
			cmd, err := protocol.ReadMessage(r)
			if err != nil {
				close(received)
				return
			}
			received <- cmd
		}
	}()

	s.Join(c, "alpha")
	require.NoError(t, c.drainOutbound())
	for {
		cmd := recvWithin(t, received, time.Second)
		if cmd.Type == protocol.ClientUpdate {
			break
		}
	}

	c.dispatch(protocol.New(protocol.ListRooms, nil))
	c.dispatch(protocol.New(protocol.ListAllClients, nil))
	require.NoError(t, c.drainOutbound())

	first := recvWithin(t, received, time.Second)
	second := recvWithin(t, received, time.Second)
	types := map[protocol.MessageType]bool{first.Type: true, second.Type: true}
	assert.True(t, types[protocol.ListRooms])
	assert.True(t, types[protocol.ListAllClients])
}
