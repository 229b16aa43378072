// Package feed provides a WebSocket server for real-time market state
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/luxfi/log"
	"github.com/shopspring/decimal"

	"github.com/luxfi/simx/pkg/sx"
)

// Config holds feed server configuration
type Config struct {
	Port            int
	ReadBufferSize  int
	WriteBufferSize int
	MaxMessageSize  int64
	WriteTimeout    time.Duration
	PongTimeout     time.Duration
	PingPeriod      time.Duration
}

// DefaultConfig returns default feed server configuration
func DefaultConfig() Config {
	return Config{
		Port:            8081,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		MaxMessageSize:  512 * 1024,
		WriteTimeout:    10 * time.Second,
		PongTimeout:     60 * time.Second,
		PingPeriod:      54 * time.Second, // Must be less than PongTimeout
	}
}

// Message is the envelope for every outbound frame
type Message struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
	Cycle     uint64      `json:"cycle,omitempty"`
}

// BookSnapshot is one symbol's top-of-book view. Prices are rendered as
// decimals so JSON consumers never see float artifacts.
type BookSnapshot struct {
	Symbol    string          `json:"symbol"`
	BidCount  int             `json:"bid_count"`
	AskCount  int             `json:"ask_count"`
	BestBid   decimal.Decimal `json:"best_bid,omitempty"`
	BestAsk   decimal.Decimal `json:"best_ask,omitempty"`
	Spread    decimal.Decimal `json:"spread,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Cycle     uint64          `json:"cycle"`
}

// CycleUpdate summarizes what one cycle produced for subscribers
type CycleUpdate struct {
	Cycle           uint64   `json:"cycle"`
	ExpiredOrders   int      `json:"expiredOrders"`
	TriggeredOrders int      `json:"triggeredOrders"`
	InterestCharged float64  `json:"interestCharged"`
	MarginCalls     int      `json:"marginCalls"`
	ForcedCovers    []string `json:"forcedCovers,omitempty"`
}

// Server fans engine state out to WebSocket subscribers
type Server struct {
	engine *sx.Engine
	logger log.Logger
	cfg    Config

	clients    map[*Client]bool
	clientsMu  sync.RWMutex
	register   chan *Client
	unregister chan *Client
	broadcast  chan Message

	messagesOut uint64
	clientCount int32
	nextClient  uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Client is one WebSocket subscriber
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server
	send   chan []byte
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Simulation feed, all origins allowed
		return true
	},
}

// NewServer creates a feed server over an engine
func NewServer(engine *sx.Engine, logger log.Logger, cfg Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		engine:     engine,
		logger:     logger,
		cfg:        cfg,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client, 100),
		unregister: make(chan *Client, 100),
		broadcast:  make(chan Message, 1000),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start begins serving on the configured port
func (s *Server) Start() error {
	s.wg.Add(1)
	go s.runHub()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	s.logger.Info("feed server starting", "port", s.cfg.Port)

	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-s.ctx.Done()
		server.Shutdown(context.Background())
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("feed server error: %w", err)
	}
	return nil
}

// Stop shuts the server down and waits for the hub to drain
func (s *Server) Stop() {
	s.logger.Info("stopping feed server")
	s.cancel()
	s.wg.Wait()
}

// PublishCycle broadcasts a cycle summary to all subscribers
func (s *Server) PublishCycle(report *sx.CycleReport) {
	update := CycleUpdate{
		Cycle:           report.Cycle,
		ExpiredOrders:   len(report.ExpiredOrders) + len(report.ExpiredConditionals),
		TriggeredOrders: len(report.Triggered),
		InterestCharged: report.InterestCharged,
		MarginCalls:     len(report.MarginCallsIssued),
		ForcedCovers:    report.ForcedCovers,
	}
	s.publish(Message{
		Type:      "cycle",
		Data:      update,
		Timestamp: time.Now().Unix(),
		Cycle:     report.Cycle,
	})
}

// PublishBooks broadcasts a top-of-book snapshot for every symbol
func (s *Server) PublishBooks() {
	cycle := s.engine.Cycle()
	for _, symbol := range s.engine.Books().Symbols() {
		s.publish(Message{
			Type:      "book",
			Data:      s.snapshotBook(symbol, cycle),
			Timestamp: time.Now().Unix(),
			Cycle:     cycle,
		})
	}
}

func (s *Server) snapshotBook(symbol string, cycle uint64) BookSnapshot {
	books := s.engine.Books()
	snapshot := BookSnapshot{
		Symbol:    symbol,
		BidCount:  len(books.Levels(symbol, sx.Buy, 0)),
		AskCount:  len(books.Levels(symbol, sx.Sell, 0)),
		Timestamp: time.Now().UnixNano(),
		Cycle:     cycle,
	}
	if bid := books.BestBid(symbol); bid != nil {
		snapshot.BestBid = decimal.NewFromFloat(bid.Price)
	}
	if ask := books.BestAsk(symbol); ask != nil {
		snapshot.BestAsk = decimal.NewFromFloat(ask.Price)
	}
	if spread := books.GetSpread(symbol); spread != nil {
		snapshot.Spread = decimal.NewFromFloat(spread.Absolute)
	}
	return snapshot
}

func (s *Server) publish(msg Message) {
	select {
	case s.broadcast <- msg:
	default:
		// Slow consumers never block the cycle loop
	}
}

func (s *Server) runHub() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			s.clientsMu.Lock()
			for client := range s.clients {
				close(client.send)
			}
			s.clients = make(map[*Client]bool)
			s.clientsMu.Unlock()
			return

		case client := <-s.register:
			s.clientsMu.Lock()
			s.clients[client] = true
			atomic.AddInt32(&s.clientCount, 1)
			s.clientsMu.Unlock()
			s.logger.Debug("client connected", "id", client.id, "total", atomic.LoadInt32(&s.clientCount))

		case client := <-s.unregister:
			s.clientsMu.Lock()
			if _, ok := s.clients[client]; ok {
				delete(s.clients, client)
				close(client.send)
				atomic.AddInt32(&s.clientCount, -1)
			}
			s.clientsMu.Unlock()
			s.logger.Debug("client disconnected", "id", client.id, "total", atomic.LoadInt32(&s.clientCount))

		case msg := <-s.broadcast:
			s.broadcastMessage(msg)
		}
	}
}

func (s *Server) broadcastMessage(msg Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("marshal broadcast", "error", err)
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for client := range s.clients {
		select {
		case client.send <- payload:
			atomic.AddUint64(&s.messagesOut, 1)
		default:
			// Client buffer full, drop the frame
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		id:     fmt.Sprintf("client-%d", atomic.AddUint64(&s.nextClient, 1)),
		conn:   conn,
		server: s,
		send:   make(chan []byte, 256),
	}

	s.register <- client
	go client.writePump()
	go client.readPump()

	welcome := Message{
		Type:      "welcome",
		Data:      map[string]interface{}{"id": client.id, "symbols": s.engine.Books().Symbols()},
		Timestamp: time.Now().Unix(),
		Cycle:     s.engine.Cycle(),
	}
	if payload, err := json.Marshal(welcome); err == nil {
		client.send <- payload
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":   "healthy",
		"cycle":    s.engine.Cycle(),
		"clients":  atomic.LoadInt32(&s.clientCount),
		"messages": atomic.LoadUint64(&s.messagesOut),
	})
}

func (c *Client) readPump() {
	defer func() {
		c.server.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.server.cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.server.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.server.cfg.PongTimeout))
		return nil
	})

	for {
		var msg json.RawMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.logger.Error("websocket read error", "error", err)
			}
			break
		}
		c.handleMessage(msg)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.server.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.server.cfg.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.WriteMessage(websocket.TextMessage, message)

			// Drain queued messages
			n := len(c.send)
			for i := 0; i < n; i++ {
				c.conn.WriteMessage(websocket.TextMessage, <-c.send)
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.server.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleMessage(raw json.RawMessage) {
	var msg map[string]interface{}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}

	msgType, _ := msg["type"].(string)
	switch msgType {
	case "ping":
		pong := Message{Type: "pong", Timestamp: time.Now().Unix()}
		if payload, err := json.Marshal(pong); err == nil {
			select {
			case c.send <- payload:
			default:
			}
		}
	case "snapshot":
		if symbol, ok := msg["symbol"].(string); ok {
			frame := Message{
				Type:      "book",
				Data:      c.server.snapshotBook(symbol, c.server.engine.Cycle()),
				Timestamp: time.Now().Unix(),
			}
			if payload, err := json.Marshal(frame); err == nil {
				select {
				case c.send <- payload:
				default:
				}
			}
		}
	}
}
