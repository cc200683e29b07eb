package realtime

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Conn abstracts the write side of a WebSocket connection so the registry
// can be tested without network sockets.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// textMessage mirrors gorilla/websocket.TextMessage without importing it here.
const textMessage = 1

// Connection is one live client connection tracked by the Registry. Writes
// to the transport are serialized per connection, so each connection's
// outbound stream is FIFO.
type Connection struct {
	ID          string
	UserID      int64
	Role        string
	ConnectedAt time.Time

	writeMu sync.Mutex
	conn    Conn
}

func (c *Connection) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(textMessage, data)
}

// UserRoom returns the room name every connection of a user joins.
func UserRoom(userID int64) string { return fmt.Sprintf("user:%d", userID) }

// RoleRoom returns the room name every connection of a role joins.
func RoleRoom(role string) string { return "role:" + role }

// Registry tracks live connections, indexed by connection id, by user, and
// by named rooms. All map access is guarded by one mutex; transport writes
// happen outside the lock against a snapshot of the targets.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*Connection
	users  map[int64]map[*Connection]struct{}
	rooms  map[string]map[*Connection]struct{}
	logger zerolog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		conns:  make(map[string]*Connection),
		users:  make(map[int64]map[*Connection]struct{}),
		rooms:  make(map[string]map[*Connection]struct{}),
		logger: logger,
	}
}

// Connect registers a transport under the given user and role, joining the
// user: and role: rooms automatically and sending a connection_ack to the
// new connection. A connection id is generated when not supplied.
func (r *Registry) Connect(conn Conn, userID int64, role, connectionID string) *Connection {
	if connectionID == "" {
		connectionID = uuid.New().String()
	}

	c := &Connection{
		ID:          connectionID,
		UserID:      userID,
		Role:        role,
		ConnectedAt: time.Now().UTC(),
		conn:        conn,
	}

	r.mu.Lock()
	r.conns[c.ID] = c
	if r.users[userID] == nil {
		r.users[userID] = make(map[*Connection]struct{})
	}
	r.users[userID][c] = struct{}{}
	r.addToRoomLocked(c, UserRoom(userID))
	r.addToRoomLocked(c, RoleRoom(role))
	r.mu.Unlock()

	r.logger.Info().
		Str("connection_id", c.ID).
		Int64("user_id", userID).
		Str("role", role).
		Msg("websocket connected")

	r.SendToConnection(c, NewEnvelope(TypeConnectionAck, map[string]interface{}{
		"connection_id": c.ID,
		"message":       "Connected successfully",
	}))

	return c
}

// Disconnect removes a connection from all indexes and closes its
// transport. It is idempotent: disconnecting an already-removed connection
// is a no-op.
func (r *Registry) Disconnect(c *Connection) {
	r.mu.Lock()
	if _, ok := r.conns[c.ID]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, c.ID)

	if set, ok := r.users[c.UserID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(r.users, c.UserID)
		}
	}

	for room, members := range r.rooms {
		if _, ok := members[c]; ok {
			delete(members, c)
			if len(members) == 0 {
				delete(r.rooms, room)
			}
		}
	}
	r.mu.Unlock()

	_ = c.conn.Close()

	r.logger.Info().
		Str("connection_id", c.ID).
		Int64("user_id", c.UserID).
		Msg("websocket disconnected")
}

// JoinRoom adds a connection to a named room.
func (r *Registry) JoinRoom(c *Connection, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[c.ID]; !ok {
		return
	}
	r.addToRoomLocked(c, room)
}

// LeaveRoom removes a connection from a named room, pruning the room when
// it becomes empty.
func (r *Registry) LeaveRoom(c *Connection, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.rooms[room]
	if !ok {
		return
	}
	delete(members, c)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
}

func (r *Registry) addToRoomLocked(c *Connection, room string) {
	if r.rooms[room] == nil {
		r.rooms[room] = make(map[*Connection]struct{})
	}
	r.rooms[room][c] = struct{}{}
}

// SendToConnection delivers an envelope to one connection. A failed write
// disconnects the target as a side effect.
func (r *Registry) SendToConnection(c *Connection, env Envelope) {
	data, err := env.Marshal()
	if err != nil {
		r.logger.Error().Err(err).Str("type", env.Type).Msg("marshal envelope")
		return
	}
	r.deliver([]*Connection{c}, env.Type, data)
}

// SendToUser delivers an envelope to every connection of a user.
func (r *Registry) SendToUser(userID int64, env Envelope) {
	r.sendToSnapshot(env, func() []*Connection {
		targets := make([]*Connection, 0, len(r.users[userID]))
		for c := range r.users[userID] {
			targets = append(targets, c)
		}
		return targets
	})
}

// SendToRoom delivers an envelope to every member of a room. Sending to a
// room with no members is a no-op.
func (r *Registry) SendToRoom(room string, env Envelope) {
	r.sendToSnapshot(env, func() []*Connection {
		targets := make([]*Connection, 0, len(r.rooms[room]))
		for c := range r.rooms[room] {
			targets = append(targets, c)
		}
		return targets
	})
}

// BroadcastAll delivers an envelope to every live connection.
func (r *Registry) BroadcastAll(env Envelope) {
	r.sendToSnapshot(env, func() []*Connection {
		targets := make([]*Connection, 0, len(r.conns))
		for _, c := range r.conns {
			targets = append(targets, c)
		}
		return targets
	})
}

// sendToSnapshot marshals once, snapshots the target set under the read
// lock, then writes outside the lock.
func (r *Registry) sendToSnapshot(env Envelope, snapshot func() []*Connection) {
	data, err := env.Marshal()
	if err != nil {
		r.logger.Error().Err(err).Str("type", env.Type).Msg("marshal envelope")
		return
	}

	r.mu.RLock()
	targets := snapshot()
	r.mu.RUnlock()

	r.deliver(targets, env.Type, data)
}

// deliver writes the payload to each target, disconnecting any whose
// transport has failed (lazy cleanup).
func (r *Registry) deliver(targets []*Connection, msgType string, data []byte) {
	for _, c := range targets {
		if err := c.write(data); err != nil {
			r.logger.Debug().
				Err(err).
				Str("connection_id", c.ID).
				Str("type", msgType).
				Msg("send failed, dropping connection")
			r.Disconnect(c)
		}
	}
}

// IsUserConnected reports whether a user has at least one live connection.
func (r *Registry) IsUserConnected(userID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID]) > 0
}

// InRoom reports whether a connection is a member of a room.
func (r *Registry) InRoom(c *Connection, room string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[room][c]
	return ok
}

// ConnectionCount returns the number of live connections.
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// UserCount returns the number of distinct connected users.
func (r *Registry) UserCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

// Stats returns connection statistics in the shape reported to admin
// clients.
func (r *Registry) Stats() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byRole := make(map[string]int)
	for room, members := range r.rooms {
		if role, ok := strings.CutPrefix(room, "role:"); ok {
			byRole[role] = len(members)
		}
	}

	return map[string]interface{}{
		"total_connections":   len(r.conns),
		"unique_users":        len(r.users),
		"rooms":               len(r.rooms),
		"connections_by_role": byRole,
	}
}
