package finnhub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"LeapsEngine/internal/domain/models"
	"LeapsEngine/internal/domain/repository"
	"LeapsEngine/pkg/logger"
)

const providerName = "finnhub"

var (
	ErrNoTrade      = errors.New("finnhub: no trade seen for symbol")
	ErrStaleTrade   = errors.New("finnhub: last trade is stale")
	ErrDisconnected = errors.New("finnhub: stream disconnected")
)

var (
	_ repository.OptionsDataProvider    = (*StreamProvider)(nil)
	_ repository.UnderlyingDataProvider = (*StreamProvider)(nil)
	_ repository.HealthChecker          = (*StreamProvider)(nil)
)

// Option configures StreamProvider.
type Option func(*StreamProvider)

func WithReconnectDelay(d time.Duration) Option { return func(p *StreamProvider) { p.reconnectDelay = d } }
func WithPingInterval(d time.Duration) Option   { return func(p *StreamProvider) { p.pingInterval = d } }
func WithStaleAfter(d time.Duration) Option     { return func(p *StreamProvider) { p.staleAfter = d } }
func WithLogger(l *logger.Logger) Option        { return func(p *StreamProvider) { p.log = l } }
func WithClock(now func() time.Time) Option     { return func(p *StreamProvider) { p.now = now } }

func WithDialer(d *websocket.Dialer) Option {
	return func(p *StreamProvider) {
		if d != nil {
			p.dialer = d
		}
	}
}

type lastTrade struct {
	price  float64
	open   float64
	volume float64
	at     time.Time
}

// StreamProvider keeps the latest trade price per symbol from the Finnhub
// trade stream and serves it as underlying data. Option chains and quotes
// are not available on this feed.
type StreamProvider struct {
	apiKey         string
	websocketURL   string
	symbols        []string
	reconnectDelay time.Duration
	pingInterval   time.Duration
	staleAfter     time.Duration
	dialer         *websocket.Dialer
	log            *logger.Logger
	now            func() time.Time

	mu     sync.RWMutex
	trades map[string]lastTrade

	connMu    sync.Mutex
	conn      *websocket.Conn
	connected atomic.Bool
}

// New creates a StreamProvider. Call Run to start streaming.
func New(apiKey, websocketURL string, symbols []string, opts ...Option) *StreamProvider {
	p := &StreamProvider{
		apiKey:         apiKey,
		websocketURL:   websocketURL,
		reconnectDelay: 5 * time.Second,
		pingInterval:   30 * time.Second,
		staleAfter:     2 * time.Minute,
		dialer:         websocket.DefaultDialer,
		log:            logger.NewNop(),
		now:            time.Now,
		trades:         make(map[string]lastTrade),
	}
	for _, s := range symbols {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			p.symbols = append(p.symbols, s)
		}
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *StreamProvider) Name() string { return providerName }

func (p *StreamProvider) GetOptionChain(context.Context, string, *time.Time) ([]models.OptionContract, error) {
	return nil, repository.ErrUnsupported
}

func (p *StreamProvider) GetOptionQuote(context.Context, string) (models.OptionContract, error) {
	return models.OptionContract{}, repository.ErrUnsupported
}

// GetUnderlyingData returns a snapshot built from the most recent trade.
func (p *StreamProvider) GetUnderlyingData(_ context.Context, symbol string) (models.MarketData, error) {
	symbol = strings.ToUpper(symbol)

	p.mu.RLock()
	t, ok := p.trades[symbol]
	p.mu.RUnlock()

	if !ok {
		return models.MarketData{}, fmt.Errorf("%w: %s", ErrNoTrade, symbol)
	}
	if p.staleAfter > 0 && p.now().Sub(t.at) > p.staleAfter {
		return models.MarketData{}, fmt.Errorf("%w: %s at %s", ErrStaleTrade, symbol, t.at.Format(time.RFC3339))
	}

	md := models.MarketData{
		Symbol:    symbol,
		Price:     t.price,
		Volume:    t.volume,
		Timestamp: t.at,
		Source:    providerName,
	}
	if t.open > 0 {
		md.Change = t.price - t.open
		md.ChangePct = md.Change / t.open * 100
	}
	return md, nil
}

// HealthCheck reports whether the stream is currently connected.
func (p *StreamProvider) HealthCheck(context.Context) error {
	if !p.connected.Load() {
		return ErrDisconnected
	}
	return nil
}

// Run connects, subscribes and reads until ctx is cancelled, reconnecting
// after reconnectDelay whenever the connection drops.
func (p *StreamProvider) Run(ctx context.Context) error {
	for {
		err := p.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.log.Warn("finnhub stream dropped, reconnecting",
			logger.Error(err),
			logger.Duration("delay", p.reconnectDelay),
		)

		t := time.NewTimer(p.reconnectDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Close drops the current connection. Run reconnects unless its context is done.
func (p *StreamProvider) Close() error {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	p.connected.Store(false)
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}

func (p *StreamProvider) session(ctx context.Context) error {
	conn, err := p.connect(ctx)
	if err != nil {
		return err
	}
	defer p.release(conn)

	if err := p.subscribe(conn); err != nil {
		return err
	}

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-sctx.Done()
		p.release(conn)
	}()
	go p.pingLoop(sctx, conn)

	return p.readLoop(conn)
}

// release closes conn if it is still the active connection.
func (p *StreamProvider) release(conn *websocket.Conn) {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	if p.conn != conn {
		return
	}
	p.connected.Store(false)
	_ = conn.Close()
	p.conn = nil
}

func (p *StreamProvider) connect(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(p.websocketURL)
	if err != nil {
		return nil, fmt.Errorf("finnhub url: %w", err)
	}
	q := u.Query()
	q.Set("token", p.apiKey)
	u.RawQuery = q.Encode()

	conn, _, err := p.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("finnhub connect: %w", err)
	}

	p.connMu.Lock()
	p.conn = conn
	p.connMu.Unlock()
	p.connected.Store(true)

	p.log.Info("finnhub connected", logger.String("url", p.websocketURL))
	return conn, nil
}

func (p *StreamProvider) subscribe(conn *websocket.Conn) error {
	for _, s := range p.symbols {
		msg := map[string]string{"type": "subscribe", "symbol": s}
		if err := conn.WriteJSON(msg); err != nil {
			return fmt.Errorf("subscribe %s: %w", s, err)
		}
	}
	p.log.Info("finnhub subscribed", logger.Strings("symbols", p.symbols))
	return nil
}

func (p *StreamProvider) pingLoop(ctx context.Context, conn *websocket.Conn) {
	if p.pingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(p.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(p.pingInterval)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				p.log.Debug("finnhub ping failed", logger.Error(err))
				return
			}
		}
	}
}

type fhTrade struct {
	S string  `json:"s"`
	P float64 `json:"p"`
	V float64 `json:"v"`
	T int64   `json:"t"` // ms
}

type fhMessage struct {
	Type string    `json:"type"`
	Data []fhTrade `json:"data"`
}

func (p *StreamProvider) readLoop(conn *websocket.Conn) error {
	for {
		_, b, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("finnhub read: %w", err)
		}
		var m fhMessage
		if err := json.Unmarshal(b, &m); err != nil || m.Type != "trade" {
			continue
		}
		p.apply(m.Data)
	}
}

func (p *StreamProvider) apply(trades []fhTrade) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, d := range trades {
		if d.S == "" || d.P <= 0 {
			continue
		}
		sym := strings.ToUpper(d.S)
		at := time.UnixMilli(d.T).UTC()
		cur, ok := p.trades[sym]
		if ok && at.Before(cur.at) {
			continue
		}
		if !ok {
			cur.open = d.P
		}
		cur.price = d.P
		cur.volume += d.V
		cur.at = at
		p.trades[sym] = cur
	}
}
