// Package room implements the relay's core session engine: the
// per-connection message pump (Connection), the room model with its
// command log and merge/dedup rule (Room), and the global registry
// tying connections and rooms together (Server).
package room

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"collabrelay/internal/metadata"
	"collabrelay/internal/protocol"
)

// Connection represents one accepted TCP socket: a client identity, its
// metadata, the room it currently belongs to (if any), and the
// single-consumer outbound command queue its own Serve loop drains.
type Connection struct {
	server *Server
	conn   net.Conn
	logger zerolog.Logger

	id       string
	host     string
	port     string
	traceID  uuid.UUID
	outbound chan *protocol.Command

	mu                 sync.RWMutex
	room               *Room
	meta               map[string]any
	listRoomsPending   bool
	listClientsPending bool

	closeOnce sync.Once
}

// newConnection wraps an accepted socket. It does not register the
// connection with the server or start its Serve loop; Server.Accept
// does both.
func newConnection(server *Server, conn net.Conn, logger zerolog.Logger, queueCap int) *Connection {
	host, port, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		host, port = conn.RemoteAddr().String(), ""
	}

	c := &Connection{
		server:   server,
		conn:     conn,
		traceID:  uuid.New(),
		host:     host,
		port:     port,
		meta:     make(map[string]any),
		outbound: make(chan *protocol.Command, queueCap),
	}
	c.id = fmt.Sprintf("%s:%s", host, port)
	c.logger = logger.With().Str("conn", c.id).Str("trace_id", c.traceID.String()).Logger()
	return c
}

// ID is the connection's unique id, "host:port", used as its key in the
// server's unjoined map and as a client identity in broadcasts.
func (c *Connection) ID() string { return c.id }

// Room returns the room this connection currently belongs to, or nil.
func (c *Connection) Room() *Room {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.room
}

func (c *Connection) setRoom(r *Room) {
	c.mu.Lock()
	c.room = r
	c.mu.Unlock()
}

// ClientDict returns a snapshot of this connection's metadata merged
// with its identity fields, matching the wire shape of a client
// descriptor used in CLIENT_UPDATE / LIST_ALL_CLIENTS payloads.
func (c *Connection) ClientDict() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]any, len(c.meta)+4)
	for k, v := range c.meta {
		out[k] = v
	}
	out[metadata.ClientID] = c.id
	out[metadata.ClientIP] = c.host
	out[metadata.ClientPort] = c.port
	if c.room != nil {
		out[metadata.ClientRoom] = c.room.Name()
	} else {
		out[metadata.ClientRoom] = nil
	}
	return out
}

// applyMetadata merges diff into the connection's metadata and returns
// the subset that actually changed.
func (c *Connection) applyMetadata(diff map[string]any) map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return metadata.UpdateAndDiff(c.meta, diff)
}

// Enqueue appends cmd to the connection's outbound queue. If the queue
// is full the connection is treated as a slow/unreachable client and
// closed — §9 leaves the drop policy to the implementation; closing the
// socket here forces the owning Serve loop to observe the error and run
// full disconnect cleanup rather than growing the queue without bound.
func (c *Connection) Enqueue(cmd *protocol.Command) {
	select {
	case c.outbound <- cmd:
	default:
		c.logger.Warn().Msg("outbound queue full, disconnecting slow client")
		c.Close()
	}
}

// Close closes the underlying socket exactly once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
	})
}

func (c *Connection) sendError(msg string) {
	c.Enqueue(protocol.New(protocol.SendError, protocol.EncodeString(msg)))
}

// Serve runs the read-then-drain cycle for this connection until ctx is
// canceled or the socket errors/disconnects, then hands off to the
// server's disconnect cleanup. There is exactly one goroutine per
// connection and exactly one consumer of its outbound queue.
func (c *Connection) Serve(ctx context.Context, pollInterval time.Duration) {
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error().Interface("panic", rec).Msg("panic in connection serve loop")
		}
		c.server.HandleDisconnect(c)
	}()

	reader := protocol.NewReader(c.conn)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_ = c.conn.SetReadDeadline(time.Now().Add(pollInterval))
		cmd, err := protocol.ReadMessage(reader)
		if err != nil {
			if isTimeout(err) {
				// Nothing arrived this tick; still flush anything other
				// goroutines have enqueued via Enqueue (broadcasts,
				// replies) so a quiet connection isn't starved of
				// traffic until it next sends something itself.
				if err := c.drainOutbound(); err != nil {
					c.logger.Warn().Err(err).Msg("write error, closing connection")
					return
				}
				continue
			}
			if errors.Is(err, protocol.ErrClientDisconnected) {
				return
			}
			c.logger.Warn().Err(err).Msg("decode error, closing connection")
			return
		}

		c.dispatch(cmd)

		if err := c.drainOutbound(); err != nil {
			c.logger.Warn().Err(err).Msg("write error, closing connection")
			return
		}
	}
}

// drainOutbound flushes every pending outbound command in FIFO order,
// then — if LIST_ROOMS and/or LIST_ALL_CLIENTS arrived during the
// preceding read — appends exactly one coalesced snapshot response per
// pending flag and clears it.
func (c *Connection) drainOutbound() error {
drainLoop:
	for {
		select {
		case cmd, ok := <-c.outbound:
			if !ok {
				break drainLoop
			}
			if err := protocol.WriteMessage(c.conn, cmd); err != nil {
				return err
			}
		default:
			break drainLoop
		}
	}

	c.mu.Lock()
	wantClients := c.listClientsPending
	c.listClientsPending = false
	wantRooms := c.listRoomsPending
	c.listRoomsPending = false
	c.mu.Unlock()

	if wantClients {
		if err := protocol.WriteMessage(c.conn, c.server.ListAllClientsSnapshot()); err != nil {
			return err
		}
	}
	if wantRooms {
		if err := protocol.WriteMessage(c.conn, c.server.ListRoomsSnapshot()); err != nil {
			return err
		}
	}
	return nil
}

// dispatch routes one inbound command by type, per §4.3.
func (c *Connection) dispatch(cmd *protocol.Command) {
	switch cmd.Type {
	case protocol.JoinRoom:
		name := string(cmd.Data)
		if room := c.Room(); room != nil {
			c.sendError(fmt.Sprintf("received join_room(%s) but room %s is already joined", name, room.Name()))
			return
		}
		c.server.Join(c, name)

	case protocol.LeaveRoom:
		name := string(cmd.Data)
		room := c.Room()
		switch {
		case room == nil:
			c.sendError(fmt.Sprintf("received leave_room(%s) but no room is joined", name))
		case room.Name() != name:
			c.sendError(fmt.Sprintf("received leave_room(%s) but room %s is joined instead", name, room.Name()))
		default:
			c.server.Leave(c, name)
		}

	case protocol.ListRooms:
		c.mu.Lock()
		c.listRoomsPending = true
		c.mu.Unlock()

	case protocol.ListAllClients:
		c.mu.Lock()
		c.listClientsPending = true
		c.mu.Unlock()

	case protocol.DeleteRoom:
		c.server.Delete(string(cmd.Data))

	case protocol.SetClientName:
		diff := c.applyMetadata(map[string]any{metadata.ClientUsername: string(cmd.Data)})
		c.server.BroadcastClientUpdate(c, diff)

	case protocol.SetClientMetadata:
		m, _, err := protocol.DecodeJSON(cmd.Data, 0)
		if err != nil {
			c.logger.Warn().Err(err).Msg("invalid client metadata payload")
			return
		}
		diff := c.applyMetadata(m)
		c.server.BroadcastClientUpdate(c, diff)

	case protocol.SetRoomMetadata:
		name, offset, err := protocol.DecodeString(cmd.Data, 0)
		if err != nil {
			c.logger.Warn().Err(err).Msg("invalid set_room_metadata payload")
			return
		}
		m, _, err := protocol.DecodeJSON(cmd.Data, offset)
		if err != nil {
			c.logger.Warn().Err(err).Msg("invalid set_room_metadata json")
			return
		}
		c.server.SetRoomMetadata(name, m)

	case protocol.SetRoomKeepOpen:
		name, offset, err := protocol.DecodeString(cmd.Data, 0)
		if err != nil {
			c.logger.Warn().Err(err).Msg("invalid set_room_keep_open payload")
			return
		}
		value, _, err := protocol.DecodeBool(cmd.Data, offset)
		if err != nil {
			c.logger.Warn().Err(err).Msg("invalid set_room_keep_open bool")
			return
		}
		c.server.SetRoomKeepOpen(name, value)

	case protocol.ClientID:
		c.Enqueue(protocol.New(protocol.ClientID, []byte(c.id)))

	default:
		if cmd.Type.IsRoomScoped() {
			room := c.Room()
			if room == nil {
				c.logger.Warn().Uint16("type", uint16(cmd.Type)).Msg("room-scoped command received but no room was joined")
				return
			}
			room.AppendAndDispatch(cmd, c)
			return
		}
		c.logger.Warn().Uint16("type", uint16(cmd.Type)).Msg("unknown control message type")
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
