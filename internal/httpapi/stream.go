package httpapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/R3E-Network/marketplace/internal/events"
	"github.com/R3E-Network/marketplace/internal/logging"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Streamer pushes events to WebSocket clients. Register Handle as an event
// subscriber. Slow clients lose events rather than stall the publisher.
type Streamer struct {
	upgrader websocket.Upgrader
	buffer   int
	log      *logging.Logger

	mu      sync.Mutex
	clients map[*streamClient]struct{}
	closed  bool
}

type streamClient struct {
	send    chan events.Event
	filter  events.Filter
	dropped int
}

// NewStreamer creates a streamer with a per-client buffer of size buffer.
func NewStreamer(buffer int, log *logging.Logger) *Streamer {
	if buffer <= 0 {
		buffer = 64
	}
	if log == nil {
		log = logging.NewDefault("stream")
	}
	return &Streamer{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		buffer:  buffer,
		log:     log,
		clients: make(map[*streamClient]struct{}),
	}
}

// Handle fans evt out to connected clients.
func (s *Streamer) Handle(evt events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		if c.filter != nil && !c.filter(evt) {
			continue
		}
		select {
		case c.send <- evt:
		default:
			c.dropped++
		}
	}
}

// Clients returns the number of connected clients.
func (s *Streamer) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Close disconnects every client and refuses new ones.
func (s *Streamer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for c := range s.clients {
		close(c.send)
		delete(s.clients, c)
	}
}

// ServeHTTP upgrades the connection. Query parameters category and caller
// narrow the feed; when both are given an event must match both.
func (s *Streamer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithContext(r.Context()).WithError(err).Warn("websocket upgrade failed")
		return
	}

	c := &streamClient{send: make(chan events.Event, s.buffer)}
	c.filter = eventFilter(r.URL.Query())

	if !s.register(c) {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		_ = conn.Close()
		return
	}
	defer s.unregister(c)

	done := make(chan struct{})
	go s.readLoop(conn, done)
	s.writeLoop(conn, c, done)

	s.mu.Lock()
	dropped := c.dropped
	s.mu.Unlock()
	if dropped > 0 {
		s.log.WithContext(r.Context()).WithField("dropped", dropped).Info("stream client lagged")
	}
}

func (s *Streamer) register(c *streamClient) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.clients[c] = struct{}{}
	return true
}

func (s *Streamer) unregister(c *streamClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
	}
}

// readLoop only consumes control frames; it closes done when the peer goes away.
func (s *Streamer) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Streamer) writeLoop(conn *websocket.Conn, c *streamClient, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case evt, ok := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
