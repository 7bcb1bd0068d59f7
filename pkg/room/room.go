package room

import (
	"sync"

	"github.com/rs/zerolog"

	"collabrelay/internal/metadata"
	"collabrelay/internal/protocol"
)

// Room is a named aggregate: an ordered, replayable log of room-scoped
// commands and the set of member connections it fans new commands out
// to. Its own mutex guards the log, byte_size, and member list; the
// server-before-room lock order (§5) means Room methods never acquire
// the server's lock while holding their own.
type Room struct {
	server *Server
	logger zerolog.Logger
	name   string

	mu       sync.Mutex
	keepOpen bool
	byteSize int
	meta     map[string]any
	log      []*protocol.Command
	members  []*Connection
	joinFlag bool
}

func newRoom(server *Server, name string, logger zerolog.Logger) *Room {
	return &Room{
		server: server,
		logger: logger.With().Str("room", name).Logger(),
		name:   name,
		meta:   make(map[string]any),
	}
}

// Name is the room's unique, case-sensitive identity.
func (r *Room) Name() string { return r.name }

// KeepOpen reports whether the room survives becoming empty.
func (r *Room) KeepOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.keepOpen
}

// SetKeepOpen updates keep_open and returns the RoomMetadata diff to
// broadcast, or nil if the value did not change.
func (r *Room) SetKeepOpen(value bool) map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.keepOpen == value {
		return nil
	}
	r.keepOpen = value
	return map[string]any{metadata.RoomKeepOpen: value}
}

// SetMetadataDiff merges meta into the room's open metadata map and
// returns the subset whose effective value changed.
func (r *Room) SetMetadataDiff(meta map[string]any) map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return metadata.UpdateAndDiff(r.meta, meta)
}

// ClientCount is the number of members currently in the room.
func (r *Room) ClientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// CommandCount is the length of the replayable log.
func (r *Room) CommandCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.log)
}

// Dict snapshots the room's metadata plus its derived KEEP_OPEN /
// COMMAND_COUNT / BYTE_SIZE fields, the shape broadcast in ROOM_UPDATE
// and returned by LIST_ROOMS.
func (r *Room) Dict() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dictLocked()
}

func (r *Room) dictLocked() map[string]any {
	out := make(map[string]any, len(r.meta)+3)
	for k, v := range r.meta {
		out[k] = v
	}
	out[metadata.RoomKeepOpen] = r.keepOpen
	out[metadata.RoomCommandCount] = len(r.log)
	out[metadata.RoomByteSize] = r.byteSize
	return out
}

func (r *Room) setJoinFlag(v bool) {
	r.mu.Lock()
	r.joinFlag = v
	r.mu.Unlock()
}

func (r *Room) joinFlagSet() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.joinFlag
}

// AddClient appends conn to the member list in call order.
func (r *Room) AddClient(conn *Connection) {
	r.mu.Lock()
	r.members = append(r.members, conn)
	r.mu.Unlock()
	r.logger.Info().Str("conn", conn.ID()).Msg("client added to room")
}

// RemoveClient removes conn from the member list.
func (r *Room) RemoveClient(conn *Connection) {
	r.mu.Lock()
	for i, m := range r.members {
		if m == conn {
			r.members = append(r.members[:i], r.members[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
	r.logger.Info().Str("conn", conn.ID()).Msg("client removed from room")
}

// Members returns a snapshot of the current member list, taken under
// the room's own lock (resolving the all_connections() open question
// in §9: callers must not read this slice without the room's lock).
func (r *Room) Members() []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Connection, len(r.members))
	copy(out, r.members)
	return out
}

// ClientIDs snapshots every member's client descriptor.
func (r *Room) ClientIDs() []map[string]any {
	members := r.Members()
	out := make([]map[string]any, len(members))
	for i, m := range members {
		out[i] = m.ClientDict()
	}
	return out
}

// ReplayAndAddClient replays the room's entire log, in order, onto
// conn's outbound queue and appends conn to the member list — both
// under a single critical section. Holding the lock across both steps
// is required: if the replay and the member-list append were separate
// critical sections, a concurrent AppendAndDispatch could run between
// them, fan a command out to the member snapshot taken before conn
// joined, and conn would never receive it — replayed too early and
// excluded from the live fan-out. A joining client must observe
// [log...] followed by exactly the live commands appended after its
// join, with no gap or duplicate.
func (r *Room) ReplayAndAddClient(conn *Connection) {
	r.mu.Lock()
	for _, cmd := range r.log {
		conn.Enqueue(cmd)
	}
	r.members = append(r.members, conn)
	r.mu.Unlock()
	r.logger.Info().Str("conn", conn.ID()).Msg("client added to room")
}

// AppendAndDispatch is the hot path: apply the tail-merge rule for
// optimized commands, append cmd to the log, and fan it out to every
// member except sender. The room lock is held only for the log/member
// mutation; the resulting ROOM_UPDATE broadcast and the fan-out itself
// happen after it is released, so this never acquires the server's
// lock while holding its own (§5).
func (r *Room) AppendAndDispatch(cmd *protocol.Command, sender *Connection) {
	r.mu.Lock()
	prevByteSize := r.byteSize
	prevCount := len(r.log)

	if cmd.Type.IsOptimized() {
		if path, _, err := protocol.DecodeString(cmd.Data, 0); err == nil && len(r.log) > 0 {
			last := r.log[len(r.log)-1]
			if last.Type == cmd.Type {
				if lastPath, _, lerr := protocol.DecodeString(last.Data, 0); lerr == nil && lastPath == path {
					r.log = r.log[:len(r.log)-1]
					r.byteSize -= last.ByteSize()
				}
			}
		}
	}

	r.log = append(r.log, cmd)
	r.byteSize += cmd.ByteSize()

	diff := make(map[string]any, 2)
	if r.byteSize != prevByteSize {
		diff[metadata.RoomByteSize] = r.byteSize
	}
	if len(r.log) != prevCount {
		diff[metadata.RoomCommandCount] = len(r.log)
	}

	recipients := make([]*Connection, 0, len(r.members))
	for _, m := range r.members {
		if m != sender {
			recipients = append(recipients, m)
		}
	}
	r.mu.Unlock()

	if len(diff) > 0 {
		r.server.BroadcastRoomUpdate(r, diff)
	}
	for _, m := range recipients {
		m.Enqueue(cmd)
	}
}
