package room

import (
	"net"
	"sync"

	"github.com/rs/zerolog"

	"collabrelay/internal/metadata"
	"collabrelay/internal/protocol"
)

// Server is the singleton registry: the set of rooms and the set of
// unjoined connections, plus every operation that touches more than one
// room or more than one connection. Its mutex covers the rooms map and
// the unjoined-connections map. Broadcasts snapshot their recipients
// under it and enqueue after releasing it, so they are not serialized by
// it. A Room's lock may be taken while it is held (Join's join_flag,
// Delete's emptiness check), but it is never acquired while a Room's
// lock is held (§5).
type Server struct {
	logger   zerolog.Logger
	queueCap int

	mu       sync.Mutex
	rooms    map[string]*Room
	unjoined map[string]*Connection
}

// NewServer constructs an empty registry. queueCap bounds every
// connection's outbound command queue.
func NewServer(logger zerolog.Logger, queueCap int) *Server {
	return &Server{
		logger:   logger,
		queueCap: queueCap,
		rooms:    make(map[string]*Room),
		unjoined: make(map[string]*Connection),
	}
}

// Accept wraps an accepted socket in a Connection, inserts it into the
// unjoined set, and broadcasts its initial CLIENT_UPDATE descriptor to
// every connection (including itself). The caller is responsible for
// starting the connection's Serve loop.
func (s *Server) Accept(conn net.Conn) *Connection {
	c := newConnection(s, conn, s.logger, s.queueCap)

	s.mu.Lock()
	s.unjoined[c.ID()] = c
	s.mu.Unlock()

	s.logger.Info().Str("conn", c.ID()).Msg("connection accepted")
	s.BroadcastClientUpdate(c, c.ClientDict())
	return c
}

// Join admits connection to room_name, creating the room if it does not
// exist, or replaying its log and adding connection as a member if it
// does. The enqueue-replay happens before connection is added to the
// member list — the key ordering invariant of §5.
func (s *Server) Join(c *Connection, roomName string) {
	s.mu.Lock()
	delete(s.unjoined, c.ID())
	existing, exists := s.rooms[roomName]
	if exists {
		existing.setJoinFlag(true)
	}
	s.mu.Unlock()

	if !exists {
		s.createRoom(c, roomName)
		return
	}
	s.joinExisting(c, existing)
}

func (s *Server) createRoom(c *Connection, name string) {
	r := newRoom(s, name, s.logger)
	r.AddClient(c)
	c.setRoom(r)
	c.Enqueue(protocol.New(protocol.Content, nil))

	s.mu.Lock()
	s.rooms[name] = r
	s.mu.Unlock()

	s.logger.Info().Str("room", name).Msg("room created")
	s.BroadcastRoomUpdate(r, r.Dict())
	s.BroadcastClientUpdate(c, map[string]any{metadata.ClientRoom: name})
}

// joinExisting replays r's log into c and admits c as a member in one
// step (Room.ReplayAndAddClient), so no concurrent AppendAndDispatch
// can fan a command out to a member snapshot taken between the replay
// and the join — which would both skip it from c's replay and exclude
// c from that fan-out's recipients. The defer clears join_flag on
// every path, including a panic, and — per §4.1's "must restore
// connection.room = none and re-raise" — restores connection.room
// before propagating a panic to the connection's own Serve loop, which
// is the final backstop for an internal invariant violation (§7).
func (s *Server) joinExisting(c *Connection, r *Room) {
	ok := false
	defer func() {
		r.setJoinFlag(false)
		if !ok {
			c.setRoom(nil)
		}
	}()

	c.setRoom(r)
	c.Enqueue(protocol.New(protocol.ClearContent, nil))
	r.ReplayAndAddClient(c)
	ok = true

	s.BroadcastClientUpdate(c, map[string]any{metadata.ClientRoom: r.Name()})
}

// Leave removes connection from room_name's member list, returns it to
// the unjoined set, and deletes the room if it is now empty and not
// keep_open.
func (s *Server) Leave(c *Connection, roomName string) {
	s.mu.Lock()
	r, exists := s.rooms[roomName]
	s.mu.Unlock()
	if !exists {
		s.logger.Warn().Str("room", roomName).Msg("leave requested for missing room")
		return
	}

	r.RemoveClient(c)

	s.mu.Lock()
	s.unjoined[c.ID()] = c
	s.mu.Unlock()

	c.setRoom(nil)
	c.Enqueue(protocol.New(protocol.LeaveRoom, nil))
	s.BroadcastClientUpdate(c, map[string]any{metadata.ClientRoom: nil})

	if r.ClientCount() == 0 && !r.KeepOpen() {
		s.logger.Info().Str("room", roomName).Msg("no clients left and not keep_open, deleting")
		s.Delete(roomName)
	}
}

// Delete removes room_name, refusing if it is missing, non-empty, or
// being joined.
func (s *Server) Delete(roomName string) {
	s.mu.Lock()
	r, exists := s.rooms[roomName]
	if !exists {
		s.mu.Unlock()
		s.logger.Warn().Str("room", roomName).Msg("delete requested for missing room")
		return
	}
	if r.ClientCount() > 0 || r.joinFlagSet() {
		s.mu.Unlock()
		s.logger.Warn().Str("room", roomName).Msg("delete refused: room busy")
		return
	}
	delete(s.rooms, roomName)
	s.mu.Unlock()

	s.logger.Info().Str("room", roomName).Msg("room deleted")
	s.broadcastToAll(protocol.New(protocol.RoomDeleted, []byte(roomName)))
}

// SetRoomMetadata merges meta into room_name's metadata and broadcasts
// the resulting diff. A missing room or a no-op diff produces no
// broadcast.
func (s *Server) SetRoomMetadata(roomName string, meta map[string]any) {
	s.mu.Lock()
	r, exists := s.rooms[roomName]
	s.mu.Unlock()
	if !exists {
		s.logger.Warn().Str("room", roomName).Msg("set_room_metadata for missing room")
		return
	}
	if diff := r.SetMetadataDiff(meta); len(diff) > 0 {
		s.BroadcastRoomUpdate(r, diff)
	}
}

// SetRoomKeepOpen updates room_name's keep_open flag and broadcasts the
// change, if any.
func (s *Server) SetRoomKeepOpen(roomName string, value bool) {
	s.mu.Lock()
	r, exists := s.rooms[roomName]
	s.mu.Unlock()
	if !exists {
		s.logger.Warn().Str("room", roomName).Msg("set_room_keep_open for missing room")
		return
	}
	if diff := r.SetKeepOpen(value); diff != nil {
		s.BroadcastRoomUpdate(r, diff)
	}
}

// BroadcastClientUpdate broadcasts diff, keyed by connection.ID(), as a
// CLIENT_UPDATE to every connection. An empty diff is silent.
func (s *Server) BroadcastClientUpdate(c *Connection, diff map[string]any) {
	if len(diff) == 0 {
		return
	}
	payload, err := protocol.EncodeJSON(map[string]any{c.ID(): diff})
	if err != nil {
		s.logger.Error().Err(err).Msg("encode client update")
		return
	}
	s.broadcastToAll(protocol.New(protocol.ClientUpdate, payload))
}

// BroadcastRoomUpdate broadcasts diff, keyed by room name, as a
// ROOM_UPDATE to every connection. An empty diff is silent.
func (s *Server) BroadcastRoomUpdate(r *Room, diff map[string]any) {
	if len(diff) == 0 {
		return
	}
	payload, err := protocol.EncodeJSON(map[string]any{r.Name(): diff})
	if err != nil {
		s.logger.Error().Err(err).Msg("encode room update")
		return
	}
	s.broadcastToAll(protocol.New(protocol.RoomUpdate, payload))
}

func (s *Server) broadcastToAll(cmd *protocol.Command) {
	for _, c := range s.allConnections() {
		c.Enqueue(cmd)
	}
}

// allConnections snapshots the unjoined map under the server lock, then
// snapshots each room's member list under that room's own lock — the
// §9 open question's resolution: never read a room's private member
// slice with only the server lock held.
func (s *Server) allConnections() []*Connection {
	s.mu.Lock()
	conns := make([]*Connection, 0, len(s.unjoined))
	for _, c := range s.unjoined {
		conns = append(conns, c)
	}
	rooms := make([]*Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, r)
	}
	s.mu.Unlock()

	for _, r := range rooms {
		conns = append(conns, r.Members()...)
	}
	return conns
}

// HandleDisconnect runs the full teardown for a socket that closed or
// errored: leave its room if any, remove it from the unjoined set
// (idempotent), close its socket, and broadcast CLIENT_DISCONNECTED.
func (s *Server) HandleDisconnect(c *Connection) {
	if r := c.Room(); r != nil {
		s.Leave(c, r.Name())
	}
	s.removeUnjoined(c)
	c.Close()

	s.logger.Info().Str("conn", c.ID()).Msg("connection closed")
	s.broadcastToAll(protocol.New(protocol.ClientDisconnected, []byte(c.ID())))
}

func (s *Server) removeUnjoined(c *Connection) {
	s.mu.Lock()
	delete(s.unjoined, c.ID())
	s.mu.Unlock()
}

// ListAllClientsSnapshot builds a LIST_ALL_CLIENTS command whose
// payload is a JSON object of every connection's client descriptor,
// keyed by connection id.
func (s *Server) ListAllClientsSnapshot() *protocol.Command {
	conns := s.allConnections()
	result := make(map[string]any, len(conns))
	for _, c := range conns {
		result[c.ID()] = c.ClientDict()
	}
	payload, err := protocol.EncodeJSON(result)
	if err != nil {
		s.logger.Error().Err(err).Msg("encode list_all_clients")
		payload, _ = protocol.EncodeJSON(map[string]any{})
	}
	return protocol.New(protocol.ListAllClients, payload)
}

// ListRoomsSnapshot builds a LIST_ROOMS command whose payload is a JSON
// object of every room's descriptor, keyed by room name.
func (s *Server) ListRoomsSnapshot() *protocol.Command {
	s.mu.Lock()
	rooms := make([]*Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, r)
	}
	s.mu.Unlock()

	result := make(map[string]any, len(rooms))
	for _, r := range rooms {
		result[r.Name()] = r.Dict()
	}
	payload, err := protocol.EncodeJSON(result)
	if err != nil {
		s.logger.Error().Err(err).Msg("encode list_rooms")
		payload, _ = protocol.EncodeJSON(map[string]any{})
	}
	return protocol.New(protocol.ListRooms, payload)
}

// roomByName is a small test/debug accessor; it is not part of the
// network protocol surface.
func (s *Server) roomByName(name string) (*Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[name]
	return r, ok
}
