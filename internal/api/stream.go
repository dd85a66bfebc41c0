package api

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	socketSendBuffer = 32
	socketWriteWait  = 10 * time.Second
	socketIdleWait   = 70 * time.Second
	socketPingEvery  = 30 * time.Second
	socketReadLimit  = 1 << 16
)

// feed fans state pushes out to every attached operator socket. There is
// no per-topic subscription model: every socket receives every push, and a
// socket that cannot drain its buffer is dropped rather than allowed to
// stall the rest. All membership changes happen under one mutex, so a
// push never races a detach.
type feed struct {
	mu     sync.Mutex
	socks  map[*socket]struct{}
	logger *slog.Logger
}

func newFeed(logger *slog.Logger) *feed {
	return &feed{
		socks:  make(map[*socket]struct{}),
		logger: logger.With("component", "ws_feed"),
	}
}

// socket is one attached operator connection with its own outbound buffer.
type socket struct {
	conn *websocket.Conn
	out  chan []byte
}

// attach registers an upgraded connection and starts its pump goroutines.
func (f *feed) attach(conn *websocket.Conn) *socket {
	s := &socket{conn: conn, out: make(chan []byte, socketSendBuffer)}

	f.mu.Lock()
	f.socks[s] = struct{}{}
	connected := len(f.socks)
	f.mu.Unlock()
	f.logger.Info("operator socket attached", "connected", connected)

	go f.writeLoop(s)
	go f.readLoop(s)
	return s
}

// detach removes a socket and closes its buffer exactly once; safe to call
// from either pump loop.
func (f *feed) detach(s *socket) {
	f.mu.Lock()
	_, ok := f.socks[s]
	if ok {
		delete(f.socks, s)
		close(s.out)
	}
	connected := len(f.socks)
	f.mu.Unlock()

	if ok {
		f.logger.Info("operator socket detached", "connected", connected)
	}
}

// publish marshals evt once and hands it to every attached socket. Sockets
// whose buffers are already full are detached on the spot.
func (f *feed) publish(evt DashboardEvent) {
	data, err := json.Marshal(evt)
	if err != nil {
		f.logger.Error("marshal push event", "error", err)
		return
	}

	f.mu.Lock()
	var slow []*socket
	for s := range f.socks {
		select {
		case s.out <- data:
		default:
			slow = append(slow, s)
		}
	}
	for _, s := range slow {
		delete(f.socks, s)
		close(s.out)
	}
	f.mu.Unlock()

	for range slow {
		f.logger.Warn("dropped operator socket, send buffer full")
	}
}

// publishSnapshot wraps a full state snapshot in the push envelope.
func (f *feed) publishSnapshot(snap Snapshot) {
	f.publish(DashboardEvent{Type: "snapshot", Timestamp: time.Now(), Data: snap})
}

// seed enqueues one event to a single socket, so a freshly attached client
// sees current state without waiting for the next poll cycle.
func (f *feed) seed(s *socket, evt DashboardEvent) {
	data, err := json.Marshal(evt)
	if err != nil {
		f.logger.Error("marshal seed event", "error", err)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.socks[s]; !ok {
		return
	}
	select {
	case s.out <- data:
	default:
	}
}

// writeLoop owns all writes on the connection: buffered pushes plus the
// keepalive ping cadence. A closed buffer means the socket was detached.
func (f *feed) writeLoop(s *socket) {
	ping := time.NewTicker(socketPingEvery)
	defer func() {
		ping.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case data, ok := <-s.out:
			s.conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				f.detach(s)
				return
			}
		case <-ping.C:
			s.conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				f.detach(s)
				return
			}
		}
	}
}

// readLoop drains the connection so pong frames keep the read deadline
// moving. The push surface is one-way; inbound payloads are discarded.
func (f *feed) readLoop(s *socket) {
	defer f.detach(s)

	s.conn.SetReadLimit(socketReadLimit)
	s.conn.SetReadDeadline(time.Now().Add(socketIdleWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(socketIdleWait))
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(socketIdleWait))
	}
}
