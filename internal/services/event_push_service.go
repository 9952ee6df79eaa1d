package services

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"bridge-agent/internal/agent"
	"bridge-agent/internal/events"
	"bridge-agent/internal/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

// Connection is one WebSocket client. An empty Account receives every
// event; otherwise only events touching that account are pushed.
type Connection struct {
	ID       string          `json:"id"`
	Account  string          `json:"account"`
	Conn     *websocket.Conn `json:"-"`
	Send     chan []byte     `json:"-"`
	LastPing time.Time       `json:"last_ping"`
}

// PushMessage is the frame written to clients.
type PushMessage struct {
	Type      string          `json:"type"`
	Timestamp string          `json:"timestamp"`
	MessageID string          `json:"message_id"`
	Data      *events.Message `json:"data,omitempty"`
	Info      map[string]any  `json:"info,omitempty"`
}

type directMessage struct {
	conn *Connection
	msg  PushMessage
}

// EventPushService streams committed audit events to WebSocket clients.
// It is an agent.EventSink; Publish never blocks on slow clients.
type EventPushService struct {
	connections map[string]*Connection
	accounts    map[string][]*Connection
	hub         chan events.Message
	register    chan *Connection
	unregister  chan *Connection
	direct      chan directMessage
	done        chan struct{}
	subs        *SubscriptionManager
	mutex       sync.RWMutex
	upgrader    websocket.Upgrader
	log         *logrus.Logger
}

func NewEventPushService(allowedOrigins []string, log *logrus.Logger) *EventPushService {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &EventPushService{
		connections: make(map[string]*Connection),
		accounts:    make(map[string][]*Connection),
		hub:         make(chan events.Message, sendBuffer),
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		direct:      make(chan directMessage),
		done:        make(chan struct{}),
		subs:        NewSubscriptionManager(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		log: log,
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, o := range allowed {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

// Run dispatches registrations and events until ctx is done.
func (s *EventPushService) Run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			s.closeAll()
			return
		case conn := <-s.register:
			s.handleRegister(conn)
		case conn := <-s.unregister:
			s.handleUnregister(conn)
		case msg := <-s.hub:
			s.handleBroadcast(msg)
		case d := <-s.direct:
			s.mutex.RLock()
			_, live := s.connections[d.conn.ID]
			s.mutex.RUnlock()
			if live {
				s.sendToConnection(d.conn, d.msg)
			}
		}
	}
}

// Publish queues ev for delivery. A full queue drops the event for
// WebSocket clients only; the audit trail keeps it.
func (s *EventPushService) Publish(_ context.Context, ev agent.Event) error {
	select {
	case s.hub <- events.NewMessage(ev):
	default:
		s.log.WithFields(logrus.Fields{"event": ev.Kind, "nonce": ev.Nonce}).Warn("⚠️ WebSocket push queue full, event dropped")
	}
	return nil
}

func (s *EventPushService) handleRegister(conn *Connection) {
	s.mutex.Lock()
	s.connections[conn.ID] = conn
	s.accounts[conn.Account] = append(s.accounts[conn.Account], conn)
	s.mutex.Unlock()
	metrics.WebSocketConnections.Inc()

	s.log.WithFields(logrus.Fields{"conn": conn.ID, "account": conn.Account}).Info("📱 WebSocket connection registered")
	s.sendToConnection(conn, PushMessage{
		Type:      "connection_established",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		MessageID: uuid.New().String(),
		Info:      map[string]any{"connection_id": conn.ID, "account": conn.Account},
	})
}

func (s *EventPushService) handleUnregister(conn *Connection) {
	s.mutex.Lock()
	if _, ok := s.connections[conn.ID]; !ok {
		s.mutex.Unlock()
		return
	}
	delete(s.connections, conn.ID)
	list := s.accounts[conn.Account]
	for i, c := range list {
		if c.ID == conn.ID {
			s.accounts[conn.Account] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(s.accounts[conn.Account]) == 0 {
		delete(s.accounts, conn.Account)
	}
	s.mutex.Unlock()

	s.subs.Remove(conn.ID)
	close(conn.Send)
	metrics.WebSocketConnections.Dec()
	s.log.WithField("conn", conn.ID).Info("📱 WebSocket connection unregistered")
}

func (s *EventPushService) closeAll() {
	s.mutex.Lock()
	conns := make([]*Connection, 0, len(s.connections))
	for _, c := range s.connections {
		conns = append(conns, c)
	}
	s.mutex.Unlock()
	for _, c := range conns {
		s.handleUnregister(c)
	}
}

// interested lists the accounts an event is pushed to besides the
// connections watching everything.
func interested(msg events.Message) []string {
	var out []string
	add := func(a string) {
		if a == "" {
			return
		}
		a = strings.ToLower(a)
		for _, have := range out {
			if have == a {
				return
			}
		}
		out = append(out, a)
	}
	add(msg.Account)
	if msg.Record != nil {
		add(msg.Record.Owner)
		add(msg.Record.Recipient)
	}
	return out
}

func (s *EventPushService) handleBroadcast(msg events.Message) {
	frame := PushMessage{
		Type:      "bridge_event",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		MessageID: msg.ID,
		Data:      &msg,
	}
	data, err := json.Marshal(frame)
	if err != nil {
		s.log.WithError(err).Error("❌ Failed to marshal push message")
		return
	}

	s.mutex.RLock()
	targets := append([]*Connection(nil), s.accounts[""]...)
	for _, account := range interested(msg) {
		targets = append(targets, s.accounts[account]...)
	}
	s.mutex.RUnlock()

	sent, dropped := 0, 0
	for _, conn := range targets {
		if !s.subs.Wants(conn.ID, msg.Kind) {
			continue
		}
		select {
		case conn.Send <- data:
			sent++
		default:
			dropped++
		}
	}
	s.log.WithFields(logrus.Fields{
		"kind":    msg.Kind,
		"nonce":   msg.Nonce,
		"sent":    sent,
		"dropped": dropped,
	}).Debug("📤 Event pushed")
}

func (s *EventPushService) sendToConnection(conn *Connection, message PushMessage) {
	data, err := json.Marshal(message)
	if err != nil {
		s.log.WithError(err).Error("❌ Failed to marshal push message")
		return
	}
	select {
	case conn.Send <- data:
	default:
		s.log.WithField("conn", conn.ID).Warn("⚠️ Failed to send to connection")
	}
}

// HandleWebSocket upgrades the request and streams events for account,
// or all events when account is empty.
func (s *EventPushService) HandleWebSocket(w http.ResponseWriter, r *http.Request, account string) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("❌ WebSocket upgrade failed")
		return
	}
	conn := &Connection{
		ID:       uuid.New().String(),
		Account:  strings.ToLower(account),
		Conn:     ws,
		Send:     make(chan []byte, sendBuffer),
		LastPing: time.Now(),
	}
	select {
	case s.register <- conn:
	case <-s.done:
		ws.Close()
		return
	}

	go s.writePump(conn)
	go s.readPump(conn)
}

func (s *EventPushService) writePump(conn *Connection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			_ = conn.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.log.WithError(err).WithField("conn", conn.ID).Debug("❌ Write message failed")
				return
			}
		case <-ticker.C:
			_ = conn.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump handles control frames and subscription commands.
func (s *EventPushService) readPump(conn *Connection) {
	defer func() {
		select {
		case s.unregister <- conn:
		case <-s.done:
		}
	}()

	conn.Conn.SetReadLimit(512)
	_ = conn.Conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.Conn.SetPongHandler(func(string) error {
		conn.LastPing = time.Now()
		return conn.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.WithError(err).Warn("❌ WebSocket read error")
			}
			return
		}
		reply := s.handleCommand(conn, data)
		select {
		case s.direct <- directMessage{conn: conn, msg: reply}:
		case <-s.done:
			return
		}
	}
}

func (s *EventPushService) handleCommand(conn *Connection, data []byte) PushMessage {
	reply := PushMessage{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		MessageID: uuid.New().String(),
	}
	var req SubscriptionRequest
	if err := json.Unmarshal(data, &req); err != nil {
		reply.Type = "error"
		reply.Info = map[string]any{"error": "invalid command"}
		return reply
	}
	kinds, err := s.subs.Apply(conn.ID, req)
	if err != nil {
		reply.Type = "error"
		reply.Info = map[string]any{"error": err.Error()}
		return reply
	}
	s.log.WithFields(logrus.Fields{"conn": conn.ID, "action": req.Action, "kinds": kinds}).Debug("📋 Subscription updated")
	reply.Type = "subscription_updated"
	reply.Info = map[string]any{"kinds": kinds}
	return reply
}

// ActiveConnections returns the number of registered clients.
func (s *EventPushService) ActiveConnections() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.connections)
}
