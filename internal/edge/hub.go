package edge

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"soundfleet/pkg/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// EventHandler reacts to one inbound device event
type EventHandler func(ctx context.Context, session *Session, data json.RawMessage)

// DisconnectHandler reacts to a session going away
type DisconnectHandler func(ctx context.Context, session *Session)

// Hub owns device sessions and routes their events to registered
// handlers. Handlers run on the hub goroutine, so they should hand
// long work off themselves.
type Hub struct {
	mu           sync.RWMutex
	sessions     map[string]*Session
	byDevice     map[string]*Session
	handlers     map[string]EventHandler
	onDisconnect DisconnectHandler
	logger       logging.Logger
}

// NewHub creates an empty device hub
func NewHub(logger logging.Logger) *Hub {
	return &Hub{
		sessions: make(map[string]*Session),
		byDevice: make(map[string]*Session),
		handlers: make(map[string]EventHandler),
		logger:   logger,
	}
}

// On registers the handler for one inbound event name
func (h *Hub) On(event string, handler EventHandler) {
	h.handlers[event] = handler
}

// OnDisconnect registers the handler fired when a session drops
func (h *Hub) OnDisconnect(handler DisconnectHandler) {
	h.onDisconnect = handler
}

// BindDevice associates a registered device id with its session. A
// previous session for the same device is superseded and closed.
func (h *Hub) BindDevice(session *Session, deviceID string) {
	h.mu.Lock()
	previous, exists := h.byDevice[deviceID]
	session.deviceID = deviceID
	h.byDevice[deviceID] = session
	if exists && previous != session {
		previous.deviceID = ""
	}
	h.mu.Unlock()

	if exists && previous != session {
		h.logger.WithFields(logging.Fields{
			"device_id":  deviceID,
			"session_id": previous.id,
		}).Warn("Superseding existing device session")
		previous.conn.Close()
	}
}

// SendToDevice delivers an event to a connected device. Returns false
// when the device has no live session.
func (h *Hub) SendToDevice(deviceID, event string, data interface{}) bool {
	h.mu.RLock()
	session, ok := h.byDevice[deviceID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	session.Send(event, data)
	return true
}

// ConnectedDevices lists the device ids with a live session
func (h *Hub) ConnectedDevices() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]string, 0, len(h.byDevice))
	for id := range h.byDevice {
		ids = append(ids, id)
	}
	return ids
}

// GetStats reports hub counters
func (h *Hub) GetStats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return map[string]interface{}{
		"sessions":      len(h.sessions),
		"bound_devices": len(h.byDevice),
	}
}

// ServeWS upgrades an HTTP request into a device session
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade device connection")
		return
	}

	session := &Session{
		id:         uuid.New().String(),
		remoteAddr: r.RemoteAddr,
		hub:        h,
		conn:       conn,
		send:       make(chan []byte, 64),
		logger:     h.logger,
	}

	h.mu.Lock()
	h.sessions[session.id] = session
	h.mu.Unlock()

	h.logger.WithFields(logging.Fields{
		"session_id":  session.id,
		"remote_addr": session.remoteAddr,
	}).Info("Device connected")

	go session.writePump()
	go session.readPump()
}

func (h *Hub) handleEvent(session *Session, envelope Envelope) {
	handler, ok := h.handlers[envelope.Event]
	if !ok {
		h.logger.WithFields(logging.Fields{
			"session_id": session.id,
			"event":      envelope.Event,
		}).Warn("Unhandled device event")
		session.Send(EventError, ErrorPayload{Message: "unknown event: " + envelope.Event})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	handler(ctx, session, envelope.Data)
}

func (h *Hub) remove(session *Session) {
	h.mu.Lock()
	delete(h.sessions, session.id)
	if session.deviceID != "" {
		if bound, ok := h.byDevice[session.deviceID]; ok && bound == session {
			delete(h.byDevice, session.deviceID)
		}
	}
	h.mu.Unlock()

	close(session.send)

	h.logger.WithFields(logging.Fields{
		"session_id": session.id,
		"device_id":  session.deviceID,
	}).Info("Device disconnected")

	if h.onDisconnect != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		h.onDisconnect(ctx, session)
	}
}
