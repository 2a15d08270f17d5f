package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 15 * time.Second
	wsMaxMsgSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleSubscribeWS is the WebSocket twin of the SSE stream: same auth
// gates, same bus queue, but framed as text messages. All writes happen
// on this goroutine; the read loop exists only to notice the peer going
// away.
func (s *Server) handleSubscribeWS(w http.ResponseWriter, r *http.Request) {
	topic := mux.Vars(r)["topic"]

	claims, err := s.broker.AuthorizeSubscribe(r.Context(), bearerToken(r), topic)
	if err != nil {
		writeRejection(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("ws upgrade failed: topic=%s err=%v", topic, err)
		return
	}
	defer conn.Close()

	q := s.broker.Bus.Subscribe(topic)
	s.broker.Metrics.Subscribers.WithLabelValues(topic).Inc()
	defer func() {
		s.broker.Bus.Unsubscribe(topic, q)
		s.broker.Metrics.Subscribers.WithLabelValues(topic).Dec()
	}()

	s.logger.Printf("ws subscriber attached: topic=%s sub=%s sid=%s", topic, claims.Subject, claims.SID)

	// Read loop signals peer disconnect. Inbound frames are discarded;
	// this endpoint is egress only.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(wsMaxMsgSize)
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-gone:
			s.logger.Printf("ws subscriber detached: topic=%s sub=%s", topic, claims.Subject)
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case msg, open := <-q.C():
			if !open {
				return
			}
			payload, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}
