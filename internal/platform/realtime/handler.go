package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// PatientCounter reports the number of patient records visible to a user.
type PatientCounter interface {
	CountPatientsForUser(ctx context.Context, userID int64) (int64, error)
}

// HealthSource builds a point-in-time system health snapshot.
type HealthSource interface {
	Snapshot(ctx context.Context) (map[string]interface{}, error)
}

// Identity is the authenticated principal behind a WebSocket connection.
type Identity struct {
	UserID int64
	Role   string
}

var upgrader = gorillawebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins; tighten in production.
	},
}

// Handler upgrades HTTP connections to WebSocket, authenticates them, and
// runs the per-connection receive loop.
type Handler struct {
	reg        *Registry
	dispatcher *Dispatcher
	patients   PatientCounter
	health     HealthSource
	jwtSecret  []byte
	idle       time.Duration
	logger     zerolog.Logger
}

// NewHandler creates a Handler. idleTimeout bounds how long a receive may
// sit idle before the server sends a heartbeat on that connection; it does
// not terminate the connection.
func NewHandler(reg *Registry, dispatcher *Dispatcher, patients PatientCounter, health HealthSource, jwtSecret []byte, idleTimeout time.Duration, logger zerolog.Logger) *Handler {
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Second
	}
	return &Handler{
		reg:        reg,
		dispatcher: dispatcher,
		patients:   patients,
		health:     health,
		jwtSecret:  jwtSecret,
		idle:       idleTimeout,
		logger:     logger,
	}
}

// RegisterRoutes registers the WebSocket endpoint on the given group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", h.HandleConnect)
}

// HandleConnect handles GET /ws?token=...&connection_id=... — upgrade,
// authenticate, register, then serve the receive loop until the transport
// closes.
func (h *Handler) HandleConnect(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	ident, err := h.verifyToken(c.QueryParam("token"))
	if err != nil {
		h.logger.Warn().Err(err).Str("remote_ip", c.RealIP()).Msg("websocket auth failed")
		msg := gorillawebsocket.FormatCloseMessage(4001, "invalid authentication token")
		_ = ws.WriteControl(gorillawebsocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = ws.Close()
		return nil
	}

	conn := h.reg.Connect(ws, ident.UserID, ident.Role, c.QueryParam("connection_id"))
	h.dispatcher.NotifyAuditEvent("websocket_connect", ident.UserID, map[string]interface{}{
		"connection_id": conn.ID,
		"user_role":     ident.Role,
	})

	go h.serve(ws, conn, ident)
	return nil
}

// serve runs the receive loop. An idle receive triggers a heartbeat send
// rather than termination; the loop ends only when the transport closes.
func (h *Handler) serve(ws *gorillawebsocket.Conn, conn *Connection, ident Identity) {
	defer func() {
		h.reg.Disconnect(conn)
		h.dispatcher.NotifyAuditEvent("websocket_disconnect", ident.UserID, map[string]interface{}{
			"connection_id": conn.ID,
		})
	}()

	msgs := make(chan []byte)
	errs := make(chan error, 1)
	go func() {
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				errs <- err
				return
			}
			msgs <- data
		}
	}()

	timer := time.NewTimer(h.idle)
	defer timer.Stop()

	for {
		select {
		case data := <-msgs:
			h.handleMessage(conn, ident, data)
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(h.idle)
		case err := <-errs:
			if !gorillawebsocket.IsCloseError(err, gorillawebsocket.CloseNormalClosure, gorillawebsocket.CloseGoingAway) {
				h.logger.Debug().Err(err).Str("connection_id", conn.ID).Msg("websocket read ended")
			}
			return
		case <-timer.C:
			h.reg.SendToConnection(conn, NewEnvelope(TypeHeartbeat, nil))
			timer.Reset(h.idle)
		}
	}
}

// handleMessage dispatches one inbound client message. Unknown types get an
// error response; the connection stays open.
func (h *Handler) handleMessage(conn *Connection, ident Identity, data []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		h.sendError(conn, "malformed message")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch msg.Type {
	case TypePing:
		h.reg.SendToConnection(conn, NewEnvelope(TypePong, nil))

	case TypeSubscribeAudit:
		if ident.Role != AdminRole {
			h.sendError(conn, "access denied: Admin role required")
			return
		}
		h.reg.JoinRoom(conn, RoomAuditSubscribers)
		h.reg.SendToConnection(conn, NewEnvelope(TypeNotification, map[string]interface{}{
			"subscription": "audit_log",
			"status":       "subscribed",
		}))

	case TypeSubscribeHealth:
		if ident.Role != AdminRole {
			h.sendError(conn, "access denied: Admin role required")
			return
		}
		h.reg.JoinRoom(conn, RoomHealthSubscribers)
		h.reg.SendToConnection(conn, NewEnvelope(TypeNotification, map[string]interface{}{
			"subscription": "system_health",
			"status":       "subscribed",
		}))
		h.sendHealthSnapshot(ctx, conn)

	case TypeGetPatientCount:
		if h.patients == nil {
			h.sendError(conn, "patient counts unavailable")
			return
		}
		count, err := h.patients.CountPatientsForUser(ctx, ident.UserID)
		if err != nil {
			h.sendError(conn, "could not count patients")
			return
		}
		h.reg.SendToConnection(conn, NewEnvelope(TypeNotification, map[string]interface{}{
			"patient_count": count,
		}))

	case TypeGetConnectionStats:
		if ident.Role != AdminRole {
			h.sendError(conn, "access denied: Admin role required")
			return
		}
		h.reg.SendToConnection(conn, NewEnvelope(TypeNotification, map[string]interface{}{
			"connection_stats": h.reg.Stats(),
		}))

	default:
		h.sendError(conn, fmt.Sprintf("unknown message type: %s", msg.Type))
	}
}

func (h *Handler) sendHealthSnapshot(ctx context.Context, conn *Connection) {
	if h.health == nil {
		return
	}
	snapshot, err := h.health.Snapshot(ctx)
	if err != nil {
		h.logger.Warn().Err(err).Msg("health snapshot failed")
		return
	}
	h.reg.SendToConnection(conn, NewEnvelope(TypeSystemHealth, map[string]interface{}{
		"health_status": snapshot,
	}))
}

func (h *Handler) sendError(conn *Connection, message string) {
	h.reg.SendToConnection(conn, NewEnvelope(TypeError, map[string]interface{}{
		"message": message,
	}))
}

// verifyToken parses and validates an HS256 JWT and extracts the user id
// and role claims.
func (h *Handler) verifyToken(tokenString string) (Identity, error) {
	if tokenString == "" {
		return Identity{}, fmt.Errorf("missing token")
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return h.jwtSecret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, fmt.Errorf("unexpected claims type")
	}

	userID, ok := claims["user_id"].(float64)
	if !ok {
		return Identity{}, fmt.Errorf("missing user_id claim")
	}
	role, ok := claims["role"].(string)
	if !ok || role == "" {
		return Identity{}, fmt.Errorf("missing role claim")
	}

	return Identity{UserID: int64(userID), Role: role}, nil
}
