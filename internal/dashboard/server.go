// Package dashboard provides a WebSocket server broadcasting sync activity.
//
// Connected clients receive operation outcomes, queue statistics, and full
// sync completions as they happen, so a browser tab or a status bar widget
// can mirror what the daemon is doing. The dashboard broadcasts local sync
// events only; it is not a channel for remote changes.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/pmeredith/dosetrack/internal/queue"
	dosesync "github.com/pmeredith/dosetrack/internal/sync"
)

// MessageType defines the type of dashboard message.
type MessageType string

const (
	// MessageTypeOpCompleted indicates a queued operation succeeded.
	MessageTypeOpCompleted MessageType = "op_completed"

	// MessageTypeOpFailed indicates a queued operation moved to failed.
	MessageTypeOpFailed MessageType = "op_failed"

	// MessageTypeSyncComplete indicates a full sync finished.
	MessageTypeSyncComplete MessageType = "sync_complete"

	// MessageTypeQueueStats carries current queue and record counts.
	MessageTypeQueueStats MessageType = "queue_stats"
)

// Message is one dashboard broadcast.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// OpEventData describes one operation outcome.
type OpEventData struct {
	OpID       string `json:"op_id"`
	Kind       string `json:"kind"`
	Entity     string `json:"entity"`
	RetryCount int    `json:"retry_count"`
	Error      string `json:"error,omitempty"`
}

// NewOpMessage converts a scheduler event into a broadcast message.
func NewOpMessage(ev queue.Event) Message {
	msgType := MessageTypeOpCompleted
	if ev.Type == queue.EventOpFailed {
		msgType = MessageTypeOpFailed
	}
	data, _ := json.Marshal(OpEventData{
		OpID:       ev.Op.OpID,
		Kind:       string(ev.Op.Kind),
		Entity:     string(ev.Op.Entity),
		RetryCount: ev.Op.RetryCount,
		Error:      ev.Op.LastError,
	})
	return Message{Type: msgType, Timestamp: ev.Time, Data: data}
}

// NewSyncCompleteMessage converts a sync status snapshot into a broadcast
// message.
func NewSyncCompleteMessage(st dosesync.Status) Message {
	data, _ := json.Marshal(st)
	return Message{Type: MessageTypeSyncComplete, Timestamp: time.Now(), Data: data}
}

// NewQueueStatsMessage carries queue and record counts.
func NewQueueStatsMessage(st dosesync.Status) Message {
	data, _ := json.Marshal(map[string]any{
		"queue":   st.Queue,
		"records": st.Records,
	})
	return Message{Type: MessageTypeQueueStats, Timestamp: time.Now(), Data: data}
}

// Config holds server configuration.
type Config struct {
	// Port to listen on. Zero picks an ephemeral port, useful in tests.
	Port int

	// Status supplies the snapshot sent to newly connected clients. May be
	// nil.
	Status func() dosesync.Status

	Logger *log.Logger
}

// Server manages WebSocket connections and broadcasts sync messages.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server
	statusFn func() dosesync.Status

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// NewServer creates a dashboard server from config.
func NewServer(config *Config) *Server {
	if config == nil {
		config = &Config{}
	}
	logger := config.Logger
	if logger == nil {
		logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:      fmt.Sprintf(":%d", config.Port),
		statusFn:  config.Status,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
	}
}

// Start begins listening and serving WebSocket upgrades.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/", s.handleRoot)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Dashboard listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server and closes client connections.
func (s *Server) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	s.wg.Wait()
	return nil
}

// Broadcast queues a message for delivery to all connected clients. A full
// channel drops the message rather than blocking the caller.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Println("Warning: broadcast channel full, dropping message")
	}
}

// Pump forwards scheduler events to connected clients until ctx is
// cancelled or the channel closes. Run it in its own goroutine.
func (s *Server) Pump(ctx context.Context, events <-chan queue.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.Broadcast(NewOpMessage(ev))
			if s.statusFn != nil {
				s.Broadcast(NewQueueStatsMessage(s.statusFn()))
			}
		}
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
				msg.Timestamp = time.Now()
			}
			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Printf("Failed to marshal message: %v", err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			// Writes happen outside the lock so a slow client cannot stall
			// new connections.
			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()

				if err != nil {
					s.removeClient(conn)
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
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Printf("Client connected (total: %d)", clientCount)

	// New clients get a stats snapshot right away.
	if s.statusFn != nil {
		welcome := NewQueueStatsMessage(s.statusFn())
		data, _ := json.Marshal(welcome)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = conn.Write(ctx, websocket.MessageText, data)
		cancel()
	}

	go s.readLoop(conn)
}

// readLoop keeps the connection alive and detects client disconnects.
// Client messages are not processed.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	_, exists := s.clients[conn]
	if exists {
		delete(s.clients, conn)
	}
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	if exists {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("Client disconnected (total: %d)", clientCount)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.clientsMu.RLock()
	clientCount := len(s.clients)
	s.clientsMu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": clientCount,
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>dosetrack</title>
</head>
<body>
    <h1>dosetrack sync dashboard</h1>
    <p>WebSocket endpoint: <code>ws://%s/ws</code></p>
    <p>Health check: <a href="/health">/health</a></p>
</body>
</html>`, r.Host)
}

// Addr returns the server's listening address, useful with an ephemeral
// port.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
