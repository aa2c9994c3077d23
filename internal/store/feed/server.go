// Package feed provides the real-time commit feed: a WebSocket server that
// broadcasts every committed operation to connected clients, together with
// the /health and /metrics endpoints of the store.
//
// Live-query consumers subscribe to the collections they watch and re-run
// their query poll when an "op" message for one of them arrives.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tablesync/opstore/internal/logger"
	"github.com/tablesync/opstore/internal/metrics"
	"github.com/tablesync/opstore/internal/store/docstore"
)

// MessageType defines the type of feed message
type MessageType string

const (
	// MessageTypeHello is sent once to every new client
	MessageTypeHello MessageType = "hello"

	// MessageTypeOp carries one committed operation
	MessageTypeOp MessageType = "op"

	// MessageTypeSubscribed acknowledges a subscription change
	MessageTypeSubscribed MessageType = "subscribed"
)

// Message represents a feed broadcast message
type Message struct {
	Type       MessageType     `json:"type"`
	Timestamp  time.Time       `json:"timestamp"`
	Collection string          `json:"collection,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// HelloData is the payload of the welcome message.
type HelloData struct {
	Clients int `json:"clients"`
}

// Subscription is the message a client sends to restrict the feed to some
// collections. An empty list restores the full feed.
type Subscription struct {
	Collections []string `json:"subscribe"`
}

type client struct {
	conn *websocket.Conn

	mu          sync.RWMutex
	collections map[string]bool
}

func (c *client) wants(collection string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.collections == nil || c.collections[collection]
}

func (c *client) subscribe(collections []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(collections) == 0 {
		c.collections = nil
		return
	}
	c.collections = make(map[string]bool, len(collections))
	for _, coll := range collections {
		c.collections[coll] = true
	}
}

// Server manages WebSocket connections and broadcasts commit events
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	clients   map[*websocket.Conn]*client
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	log logger.Logger
}

var _ docstore.Publisher = (*Server)(nil)

// Config holds server configuration
type Config struct {
	// Addr to listen on (default: ":8080"). Use ":0" for a random port.
	Addr string

	// BufferSize bounds the queue of undelivered messages (default: 256)
	BufferSize int

	Logger logger.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Addr:       ":8080",
		BufferSize: 256,
		Logger:     logger.NopLogger,
	}
}

// NewServer creates a new feed server
func NewServer(cfg Config) *Server {
	def := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:      cfg.Addr,
		clients:   make(map[*websocket.Conn]*client),
		broadcast: make(chan Message, cfg.BufferSize),
		ctx:       ctx,
		cancel:    cancel,
		log:       cfg.Logger.WithPrefix("[feed] "),
	}
}

// Routes returns the HTTP handler of the server.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/ws", s.handleWebSocket)
	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/", s.handleRoot)
	return r
}

// Start begins the HTTP server and WebSocket handler
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:     s.Routes(),
		ReadTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.log.Infof("listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Errorf("server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, conn)
		metrics.FeedClients.Dec()
	}
	s.clientsMu.Unlock()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.wg.Wait()
	s.log.Infof("stopped")
	return nil
}

// Publish queues a commit event for broadcast. It never blocks; events are
// dropped when the queue is full.
func (s *Server) Publish(e docstore.CommitEvent) {
	data, err := json.Marshal(e)
	if err != nil {
		s.log.Errorf("failed to marshal commit event: %v", err)
		return
	}
	s.Broadcast(Message{
		Type:       MessageTypeOp,
		Timestamp:  e.CommittedAt,
		Collection: e.Collection,
		Data:       data,
	})
}

// Broadcast sends a message to all interested clients
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.log.Warnf("broadcast queue full, dropping %s message", msg.Type)
	}
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now().UTC()
			}
			data, err := json.Marshal(msg)
			if err != nil {
				s.log.Errorf("failed to marshal message: %v", err)
				continue
			}

			s.clientsMu.RLock()
			targets := make([]*client, 0, len(s.clients))
			for _, c := range s.clients {
				if msg.Collection == "" || c.wants(msg.Collection) {
					targets = append(targets, c)
				}
			}
			s.clientsMu.RUnlock()

			for _, c := range targets {
				ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
				err := c.conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					s.log.Debugf("failed to send to client: %v", err)
					s.removeClient(c.conn)
				}
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warnf("websocket upgrade failed: %v", err)
		return
	}

	c := &client{conn: conn}
	s.clientsMu.Lock()
	s.clients[conn] = c
	count := len(s.clients)
	s.clientsMu.Unlock()
	metrics.FeedClients.Inc()
	s.log.Debugf("client connected (total: %d)", count)

	hello, _ := json.Marshal(HelloData{Clients: count})
	welcome, _ := json.Marshal(Message{Type: MessageTypeHello, Timestamp: time.Now().UTC(), Data: hello})
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	_ = conn.Write(ctx, websocket.MessageText, welcome)
	cancel()

	s.readLoop(c)
}

// readLoop applies subscription messages until the client goes away.
func (s *Server) readLoop(c *client) {
	defer s.removeClient(c.conn)

	for {
		_, data, err := c.conn.Read(s.ctx)
		if err != nil {
			return
		}
		var sub Subscription
		if err := json.Unmarshal(data, &sub); err != nil {
			s.log.Debugf("ignoring client message: %v", err)
			continue
		}
		c.subscribe(sub.Collections)

		ack, _ := json.Marshal(sub)
		reply, _ := json.Marshal(Message{Type: MessageTypeSubscribed, Timestamp: time.Now().UTC(), Data: ack})
		ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
		err = c.conn.Write(ctx, websocket.MessageText, reply)
		cancel()
		if err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; exists {
		delete(s.clients, conn)
		count := len(s.clients)
		s.clientsMu.Unlock()

		metrics.FeedClients.Dec()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.log.Debugf("client disconnected (total: %d)", count)
	} else {
		s.clientsMu.Unlock()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>opstore</title>
</head>
<body>
    <h1>opstore commit feed</h1>
    <p>WebSocket endpoint: <code>ws://%s/ws</code></p>
    <p>Health check: <a href="/health">/health</a>, metrics: <a href="/metrics">/metrics</a></p>
</body>
</html>`, r.Host)
}

// Addr returns the server's listening address
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
