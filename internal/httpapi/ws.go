package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/edoblanco/codesmith/internal/protocol"
	"github.com/edoblanco/codesmith/internal/realtime"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 120 * time.Second
	wsReadLimit    = 1 << 20
)

// Shortened in tests.
var wsPingInterval = 30 * time.Second

// handleEventsWS attaches a listener to the event channel. The client may
// pass a stable client_id to receive events queued while it was offline.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if err := s.hub.Admit(r.RemoteAddr); err != nil {
		if errors.Is(err, realtime.ErrTooManyConnections) {
			respondError(w, http.StatusTooManyRequests, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	clientID := strings.TrimSpace(r.URL.Query().Get("client_id"))
	if clientID == "" {
		clientID = uuid.NewString()
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	send, disconnect := s.hub.Connect(clientID)
	defer disconnect()
	s.log.Debug().Str("client_id", clientID).Str("remote", r.RemoteAddr).Msg("listener connected")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		pings := time.NewTicker(wsPingInterval)
		defer pings.Stop()
		for {
			select {
			case msg, ok := <-send:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(msg); err != nil {
					if s.metrics != nil {
						s.metrics.WSWriteErrors.WithLabelValues("write_json").Inc()
					}
					conn.Close()
					return
				}
				if t, ok := protocol.TypeOf(msg); ok && s.metrics != nil {
					s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
				}
			case <-pings.C:
				// Keep idle listeners alive: the client's pong refreshes its
				// read deadline, and ours is refreshed by the pong arriving.
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					if s.metrics != nil {
						s.metrics.WSWriteErrors.WithLabelValues("ping").Inc()
					}
					conn.Close()
					return
				}
			}
		}
	}()

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.log.Warn().Err(err).Str("client_id", clientID).Msg("dropping invalid client message")
			continue
		}
		if t, ok := protocol.TypeOf(parsed); ok && s.metrics != nil {
			s.metrics.WSMessages.WithLabelValues("inbound", string(t)).Inc()
		}
		s.hub.HandleInbound(clientID, parsed)
	}

	// disconnect closes the send channel, which stops the writer.
	disconnect()
	<-writerDone
	s.log.Debug().Str("client_id", clientID).Msg("listener disconnected")
}
