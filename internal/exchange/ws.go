// ws.go implements the two streaming capabilities the adapter exposes:
// stream_market_events (public book/trade events per symbol) and
// stream_user_events (authenticated order/fill events). Both are
// infinite, auto-reconnecting sequences with exponential backoff, ping
// keepalive, and read-deadline-driven reconnect detection.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"marketmaker/pkg/types"
)

const (
	pingInterval     = 50 * time.Second
	readTimeout      = 90 * time.Second
	maxReconnectWait = 60 * time.Second
	writeTimeout     = 10 * time.Second
	marketBufferSize = 256
	userBufferSize   = 64
)

// MarketEvent is one item of stream_market_events: either a full book
// snapshot or a trade print for a symbol.
type MarketEvent struct {
	Book  *types.BookSnapshot
	Trade *TradePrint
}

type TradePrint struct {
	Symbol string
	Side   types.Side // aggressor side
	Price  types.Price
	Qty    types.Quantity
	Ts     time.Time
}

// UserEvent is one item of stream_user_events: either an order lifecycle
// update or a fill.
type UserEvent struct {
	OrderUpdate *types.Order
	Fill        *types.Fill
}

// WSFeed manages a single WebSocket connection (market or user channel),
// auto-reconnecting with exponential backoff and re-subscribing to all
// tracked symbols on reconnect.
type WSFeed struct {
	url         string
	connID      string
	conn        *websocket.Conn
	connMu      sync.Mutex
	auth        *Auth // nil for market channel, set for user channel
	channelType string

	subscribedMu sync.RWMutex
	subscribed   map[string]bool

	marketCh chan MarketEvent
	userCh   chan UserEvent

	gapObserved func(symbol string, gap time.Duration)

	logger *slog.Logger
}

// NewMarketFeed creates a feed for stream_market_events (public).
func NewMarketFeed(wsURL, connID string, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		url:         wsURL,
		connID:      connID,
		channelType: "market",
		subscribed:  make(map[string]bool),
		marketCh:    make(chan MarketEvent, marketBufferSize),
		logger:      logger.With("component", "ws_market"),
	}
}

// NewUserFeed creates a feed for stream_user_events (authenticated).
func NewUserFeed(wsURL, connID string, auth *Auth, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		url:         wsURL,
		connID:      connID,
		auth:        auth,
		channelType: "user",
		subscribed:  make(map[string]bool),
		userCh:      make(chan UserEvent, userBufferSize),
		logger:      logger.With("component", "ws_user"),
	}
}

// OnGap registers a callback invoked whenever a read-deadline-driven
// reconnect is detected, so the MD-Cache can invalidate the affected symbol.
func (f *WSFeed) OnGap(fn func(symbol string, gap time.Duration)) {
	f.gapObserved = fn
}

// MarketEvents returns a read-only channel of market events.
func (f *WSFeed) MarketEvents() <-chan MarketEvent { return f.marketCh }

// UserEvents returns a read-only channel of user events.
func (f *WSFeed) UserEvents() <-chan UserEvent { return f.userCh }

// Run connects and maintains the WebSocket connection with auto-reconnect.
// Blocks until ctx is canceled.
func (f *WSFeed) Run(ctx context.Context) error {
	backoff := time.Second
	lastDisconnect := time.Now()

	for {
		connectedAt := time.Now()
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		gap := time.Since(lastDisconnect)
		if time.Since(connectedAt) > readTimeout && f.gapObserved != nil {
			f.subscribedMu.RLock()
			symbols := make([]string, 0, len(f.subscribed))
			for sym := range f.subscribed {
				symbols = append(symbols, sym)
			}
			f.subscribedMu.RUnlock()
			for _, sym := range symbols {
				f.gapObserved(sym, gap)
			}
		}
		lastDisconnect = time.Now()

		f.logger.Warn("websocket disconnected, reconnecting", "error", err, "backoff", backoff)

		jittered := backoff + jitterFor(f.connID, int(backoff/time.Second))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// jitterFor derives a deterministic jitter duration from a connection id
// and attempt count, so reconnect storms across many connections don't
// synchronize, while remaining reproducible for a given (connID, attempt).
func jitterFor(connID string, attempt int) time.Duration {
	h := fnv.New64a()
	h.Write([]byte(connID))
	h.Write([]byte{byte(attempt)})
	r := rand.New(rand.NewSource(int64(h.Sum64())))
	return time.Duration(r.Int63n(int64(500 * time.Millisecond)))
}

// Subscribe adds symbols to the feed's subscription set.
func (f *WSFeed) Subscribe(ctx context.Context, symbols []string) error {
	f.subscribedMu.Lock()
	for _, s := range symbols {
		f.subscribed[s] = true
	}
	f.subscribedMu.Unlock()

	return f.writeJSON(subscribeMsg{Operation: "subscribe", Symbols: symbols, ChannelType: f.channelType})
}

// Unsubscribe removes symbols from the feed's subscription set.
func (f *WSFeed) Unsubscribe(ctx context.Context, symbols []string) error {
	f.subscribedMu.Lock()
	for _, s := range symbols {
		delete(f.subscribed, s)
	}
	f.subscribedMu.Unlock()

	return f.writeJSON(subscribeMsg{Operation: "unsubscribe", Symbols: symbols, ChannelType: f.channelType})
}

// Close gracefully closes the connection.
func (f *WSFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

type subscribeMsg struct {
	Operation   string   `json:"operation"`
	Symbols     []string `json:"symbols"`
	ChannelType string   `json:"channel_type"`
	Auth        any      `json:"auth,omitempty"`
}

func (f *WSFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.sendInitialSubscription(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("websocket connected", "channel", f.channelType)

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)
	}
}

func (f *WSFeed) sendInitialSubscription() error {
	f.subscribedMu.RLock()
	symbols := make([]string, 0, len(f.subscribed))
	for s := range f.subscribed {
		symbols = append(symbols, s)
	}
	f.subscribedMu.RUnlock()

	msg := subscribeMsg{Operation: "subscribe", Symbols: symbols, ChannelType: f.channelType}
	if f.channelType == "user" && f.auth != nil {
		msg.Auth = f.auth.WSAuthPayload()
	}
	return f.writeJSON(msg)
}

func (f *WSFeed) dispatchMessage(data []byte) {
	var envelope struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	switch envelope.EventType {
	case "book":
		var snap types.BookSnapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			f.logger.Error("unmarshal book event", "error", err)
			return
		}
		select {
		case f.marketCh <- MarketEvent{Book: &snap}:
		default:
			f.logger.Warn("market channel full, dropping book event", "symbol", snap.Symbol)
		}

	case "trade":
		var tp TradePrint
		if err := json.Unmarshal(data, &tp); err != nil {
			f.logger.Error("unmarshal trade event", "error", err)
			return
		}
		select {
		case f.marketCh <- MarketEvent{Trade: &tp}:
		default:
			f.logger.Warn("market channel full, dropping trade event", "symbol", tp.Symbol)
		}

	case "order_update":
		var ord types.Order
		if err := json.Unmarshal(data, &ord); err != nil {
			f.logger.Error("unmarshal order event", "error", err)
			return
		}
		select {
		case f.userCh <- UserEvent{OrderUpdate: &ord}:
		default:
			f.logger.Warn("user channel full, dropping order event", "client_order_id", ord.ClientOrderID)
		}

	case "fill":
		var fill types.Fill
		if err := json.Unmarshal(data, &fill); err != nil {
			f.logger.Error("unmarshal fill event", "error", err)
			return
		}
		select {
		case f.userCh <- UserEvent{Fill: &fill}:
		default:
			f.logger.Warn("user channel full, dropping fill event", "client_order_id", fill.ClientOrderID)
		}

	default:
		f.logger.Debug("unknown ws event type", "type", envelope.EventType)
	}
}

func (f *WSFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.TextMessage, []byte("PING")); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *WSFeed) writeJSON(v interface{}) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *WSFeed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(msgType, data)
}
