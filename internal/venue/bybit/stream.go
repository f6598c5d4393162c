package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/tradegate/tradegate/internal/domain"
)

const (
	mainnetWSURL = "wss://stream.bybit.com/v5/public/linear"
	testnetWSURL = "wss://stream-testnet.bybit.com/v5/public/linear"

	pingInterval     = 20 * time.Second
	readTimeout      = time.Minute
	writeTimeout     = 10 * time.Second
	maxReconnectWait = 30 * time.Second

	// tickerMaxAge bounds how stale a streamed price may be before
	// GetTicker falls back to REST.
	tickerMaxAge = 5 * time.Second
)

// TickerCache holds the latest streamed ticker per symbol. Delta frames
// only carry changed fields, so writes merge into the previous snapshot.
type TickerCache struct {
	mu      sync.RWMutex
	entries map[string]cachedTicker
}

type cachedTicker struct {
	ticker domain.Ticker
	at     time.Time
}

func NewTickerCache() *TickerCache {
	return &TickerCache{entries: make(map[string]cachedTicker)}
}

// Get returns the cached ticker when it is fresh enough to trade on.
func (c *TickerCache) Get(symbol string) (domain.Ticker, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[symbol]
	if !ok || time.Since(e.at) > tickerMaxAge {
		return domain.Ticker{}, false
	}
	return e.ticker, true
}

func (c *TickerCache) merge(symbol string, update domain.Ticker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[symbol]
	e.ticker.Symbol = symbol
	if update.Last.IsPositive() {
		e.ticker.Last = update.Last
	}
	if update.Bid.IsPositive() {
		e.ticker.Bid = update.Bid
	}
	if update.Ask.IsPositive() {
		e.ticker.Ask = update.Ask
	}
	if update.Volume.IsPositive() {
		e.ticker.Volume = update.Volume
	}
	e.at = time.Now()
	c.entries[symbol] = e
}

// Stream maintains the public linear ticker feed. Symbols are watched
// lazily: the first REST ticker miss for a symbol adds it here, and the
// set survives reconnects.
type Stream struct {
	url   string
	cache *TickerCache

	connMu sync.Mutex
	conn   *websocket.Conn

	watchedMu sync.RWMutex
	watched   map[string]bool
}

// StreamURL picks the public linear endpoint for the environment.
func StreamURL(testnet bool) string {
	if testnet {
		return testnetWSURL
	}
	return mainnetWSURL
}

func NewStream(url string, cache *TickerCache) *Stream {
	return &Stream{
		url:     url,
		cache:   cache,
		watched: make(map[string]bool),
	}
}

// Watch subscribes to a symbol's ticker topic. Safe before the stream
// connects; the subscription is replayed on every (re)connect.
func (s *Stream) Watch(symbol string) {
	s.watchedMu.Lock()
	already := s.watched[symbol]
	s.watched[symbol] = true
	s.watchedMu.Unlock()
	if already {
		return
	}
	if err := s.writeJSON(subscribeMsg([]string{symbol})); err != nil {
		log.Debug().Err(err).Str("symbol", symbol).Msg("bybit stream subscribe deferred to reconnect")
	}
}

// Run connects and maintains the feed until ctx is cancelled.
func (s *Stream) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn().Err(err).Dur("backoff", backoff).Msg("bybit stream disconnected, reconnecting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

func (s *Stream) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	defer func() {
		s.connMu.Lock()
		conn.Close()
		s.conn = nil
		s.connMu.Unlock()
	}()

	if err := s.resubscribe(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	log.Info().Str("url", s.url).Msg("bybit ticker stream connected")

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go s.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		s.handleMessage(msg)
	}
}

func (s *Stream) resubscribe() error {
	s.watchedMu.RLock()
	symbols := make([]string, 0, len(s.watched))
	for sym := range s.watched {
		symbols = append(symbols, sym)
	}
	s.watchedMu.RUnlock()

	if len(symbols) == 0 {
		return nil
	}
	return s.writeJSON(subscribeMsg(symbols))
}

type wsOp struct {
	Op   string   `json:"op"`
	Args []string `json:"args,omitempty"`
}

func subscribeMsg(symbols []string) wsOp {
	args := make([]string, len(symbols))
	for i, sym := range symbols {
		args[i] = "tickers." + sym
	}
	return wsOp{Op: "subscribe", Args: args}
}

func (s *Stream) handleMessage(data []byte) {
	var frame struct {
		Topic string `json:"topic"`
		Data  struct {
			Symbol    string `json:"symbol"`
			LastPrice string `json:"lastPrice"`
			Bid1Price string `json:"bid1Price"`
			Ask1Price string `json:"ask1Price"`
			Volume24h string `json:"volume24h"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return
	}
	if !strings.HasPrefix(frame.Topic, "tickers.") || frame.Data.Symbol == "" {
		return
	}
	s.cache.merge(frame.Data.Symbol, domain.Ticker{
		Last:   parseDec(frame.Data.LastPrice),
		Bid:    parseDec(frame.Data.Bid1Price),
		Ask:    parseDec(frame.Data.Ask1Price),
		Volume: parseDec(frame.Data.Volume24h),
	})
}

func (s *Stream) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.writeJSON(wsOp{Op: "ping"}); err != nil {
				log.Debug().Err(err).Msg("bybit stream ping failed")
				return
			}
		}
	}
}

func (s *Stream) writeJSON(v any) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("stream not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(v)
}
