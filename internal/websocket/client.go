package websocket

import (
	"time"

	"github.com/gorilla/websocket"
)

// Subscriber is one UI connection receiving session events.
type Subscriber struct {
	ID   string
	Conn *websocket.Conn
	Hub  *Hub
	Send chan []byte
}

func NewSubscriber(id string, conn *websocket.Conn, hub *Hub) *Subscriber {
	return &Subscriber{
		ID:   id,
		Conn: conn,
		Hub:  hub,
		Send: make(chan []byte, 256),
	}
}

// ReadPump only keeps the connection alive; subscribers issue commands over
// the REST API, so anything they send is discarded.
func (s *Subscriber) ReadPump() {
	defer func() {
		select {
		case s.Hub.Unregister <- s:
		case <-s.Hub.done:
		}
		s.Conn.Close()
	}()

	s.Conn.SetReadLimit(4096)
	s.Conn.SetReadDeadline(time.Now().Add(s.Hub.pongWait))
	s.Conn.SetPongHandler(func(string) error {
		s.Conn.SetReadDeadline(time.Now().Add(s.Hub.pongWait))
		return nil
	})

	for {
		if _, _, err := s.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.Hub.logger.Warn("[Hub] websocket error", "subscriber", s.ID, "error", err)
			}
			return
		}
	}
}

// WritePump coalesces queued events into one frame, newline separated.
func (s *Subscriber) WritePump() {
	ticker := time.NewTicker(s.Hub.pingPeriod)
	defer func() {
		ticker.Stop()
		s.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.Send:
			s.Conn.SetWriteDeadline(time.Now().Add(s.Hub.writeWait))
			if !ok {
				s.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := s.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			n := len(s.Send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-s.Send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			s.Conn.SetWriteDeadline(time.Now().Add(s.Hub.writeWait))
			if err := s.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
