package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kubilitics/metric-investigator/internal/metrics"
	"github.com/kubilitics/metric-investigator/internal/models"
	"github.com/kubilitics/metric-investigator/internal/reasoning/engine"
)

// WebSocket message types sent besides engine events
const (
	MessageTypeSnapshot  = "snapshot"
	MessageTypeHeartbeat = "heartbeat"
)

const (
	writeWait         = 10 * time.Second
	heartbeatInterval = 30 * time.Second
)

// WSMessage is the envelope of everything written to a stream.
type WSMessage struct {
	Type         string                      `json:"type"`
	Conversation *models.ConversationContext `json:"conversation,omitempty"`
	Event        *engine.Event               `json:"event,omitempty"`
	Timestamp    time.Time                   `json:"timestamp"`
}

// wsConnection serializes writes to one client.
type wsConnection struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConnection) send(msg *WSMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(msg); err != nil {
		return err
	}
	metrics.WebSocketMessagesTotal.WithLabelValues("outbound").Inc()
	return nil
}

// handleConversationStream streams conversation events over WebSocket.
// The first message is the current snapshot; the stream then stays open
// across runs until the client disconnects.
func (s *Server) handleConversationStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	// Subscribe before the snapshot so no event falls between the two.
	sub := s.engine.Subscribe(id)
	defer s.engine.Unsubscribe(id, sub)

	snap, err := s.engine.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err, nil)
		return
	}

	upgrader := newUpgrader(s.config.AllowedOrigins)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	metrics.WebSocketConnections.Inc()
	defer metrics.WebSocketConnections.Dec()

	wsc := &wsConnection{conn: conn}
	if err := wsc.send(&WSMessage{Type: MessageTypeSnapshot, Conversation: snap, Timestamp: time.Now().UTC()}); err != nil {
		return
	}

	// the reader only detects the close; clients send nothing meaningful
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			metrics.WebSocketMessagesTotal.WithLabelValues("inbound").Inc()
		}
	}()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case <-s.ctx.Done():
			return
		case ev, ok := <-sub.Ch:
			if !ok {
				return
			}
			if err := wsc.send(&WSMessage{Type: string(ev.Type), Event: &ev, Timestamp: ev.Timestamp}); err != nil {
				s.logger.Debug("websocket write failed", zap.String("conversation_id", id), zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := wsc.send(&WSMessage{Type: MessageTypeHeartbeat, Timestamp: time.Now().UTC()}); err != nil {
				return
			}
		}
	}
}
