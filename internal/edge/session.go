package edge

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"soundfleet/pkg/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 120 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Envelope is the wire format for device events
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Session is one connected device's websocket
type Session struct {
	id         string
	deviceID   string
	remoteAddr string
	hub        *Hub
	conn       *websocket.Conn
	send       chan []byte
	logger     logging.Logger
}

// SessionID returns the transport session id
func (s *Session) SessionID() string {
	return s.id
}

// DeviceID returns the bound device id, empty before registration
func (s *Session) DeviceID() string {
	return s.deviceID
}

// RemoteAddr returns the peer address
func (s *Session) RemoteAddr() string {
	return s.remoteAddr
}

// Send queues an event for the device; a full buffer drops the event
func (s *Session) Send(event string, data interface{}) {
	body, err := json.Marshal(data)
	if err != nil {
		s.logger.WithError(err).Error("Failed to marshal event payload")
		return
	}
	message, err := json.Marshal(Envelope{Event: event, Data: body})
	if err != nil {
		s.logger.WithError(err).Error("Failed to marshal event envelope")
		return
	}

	select {
	case s.send <- message:
	default:
		s.logger.WithFields(logging.Fields{
			"session_id": s.id,
			"event":      event,
		}).Warn("Session send buffer full, dropping event")
	}
}

// readPump decodes envelopes and hands them to the hub dispatch table
func (s *Session) readPump() {
	defer func() {
		s.conn.Close()
		s.hub.remove(s)
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.WithError(err).WithFields(logging.Fields{
					"session_id": s.id,
				}).Warn("Device connection error")
			}
			return
		}

		var envelope Envelope
		if err := json.Unmarshal(message, &envelope); err != nil {
			s.logger.WithError(err).Warn("Invalid device message")
			s.Send(EventError, ErrorPayload{Message: "invalid message format"})
			continue
		}

		s.hub.handleEvent(s, envelope)
	}
}

// writePump flushes queued events and keeps the connection pinged
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
