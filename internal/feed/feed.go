// Package feed delivers price ticks from a websocket market-data stream.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"tradeguard/internal/domain"
)

// Status is the feed lifecycle state.
type Status string

const (
	StatusRunning Status = "RUNNING"
	// StatusStopped is terminal: the retry budget is exhausted or Close was
	// called. Restart is an external decision, the feed never retries forever.
	StatusStopped Status = "STOPPED"
)

// TickHandler receives each decoded tick on the feed goroutine.
type TickHandler func(tick *domain.Tick)

// Config configures connection and retry behavior.
type Config struct {
	Endpoint          string
	Symbols           []string
	ReconnectDelay    time.Duration // initial backoff, default 1s
	MaxReconnectDelay time.Duration // backoff ceiling, default 30s
	MaxRetries        int           // consecutive failures before STOPPED, default 10
	ReadTimeout       time.Duration // per-message read deadline, default 60s
	WriteTimeout      time.Duration // default 10s
	StaleAfter        time.Duration // silence considered stale, default 30s
}

// DefaultConfig returns the standard feed configuration.
func DefaultConfig() Config {
	return Config{
		ReconnectDelay:    time.Second,
		MaxReconnectDelay: 30 * time.Second,
		MaxRetries:        10,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		StaleAfter:        30 * time.Second,
	}
}

// wireTick is the on-wire tick message.
type wireTick struct {
	Symbol    string  `json:"s"`
	Price     float64 `json:"p"`
	Volume    float64 `json:"v"`
	Timestamp int64   `json:"t"` // unix millis
}

type subscribeRequest struct {
	Op      string   `json:"op"`
	Symbols []string `json:"symbols"`
}

// Feed is a reconnecting websocket tick stream. One reader goroutine decodes
// ticks and invokes the handler; callers poll Status and LastMessageAge.
type Feed struct {
	cfg     Config
	handler TickHandler
	logger  *logrus.Logger

	conn   *websocket.Conn
	connMu sync.Mutex

	closed     atomic.Bool
	status     atomic.Value // Status
	lastMsgAt  atomic.Int64 // unix nanos
	reconnects atomic.Int64

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a Feed. Zero config fields take defaults.
func New(cfg Config, handler TickHandler, logger *logrus.Logger) (*Feed, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("feed: endpoint required")
	}
	if handler == nil {
		return nil, fmt.Errorf("feed: tick handler required")
	}
	def := DefaultConfig()
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.MaxReconnectDelay <= 0 {
		cfg.MaxReconnectDelay = def.MaxReconnectDelay
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if logger == nil {
		logger = logrus.New()
	}

	f := &Feed{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		done:    make(chan struct{}),
	}
	f.status.Store(StatusStopped)
	return f, nil
}

// Start connects and launches the reader goroutine.
func (f *Feed) Start(ctx context.Context) error {
	if err := f.connect(ctx); err != nil {
		return err
	}
	f.status.Store(StatusRunning)
	f.lastMsgAt.Store(time.Now().UnixNano())

	f.wg.Add(1)
	go f.readLoop()
	return nil
}

// Status returns the current lifecycle state.
func (f *Feed) Status() Status {
	return f.status.Load().(Status)
}

// LastMessageAge returns time since the last received message.
func (f *Feed) LastMessageAge() time.Duration {
	at := f.lastMsgAt.Load()
	if at == 0 {
		return 0
	}
	return time.Since(time.Unix(0, at))
}

// Stale reports whether the feed has been silent beyond the configured bound.
// The caller decides whether to restart; the feed itself keeps reading.
func (f *Feed) Stale() bool {
	return f.Status() == StatusRunning && f.LastMessageAge() > f.cfg.StaleAfter
}

// Reconnects returns the number of successful reconnections.
func (f *Feed) Reconnects() int64 {
	return f.reconnects.Load()
}

// Close shuts the feed down. Idempotent.
func (f *Feed) Close() error {
	if f.closed.Swap(true) {
		return nil
	}
	close(f.done)

	f.connMu.Lock()
	if f.conn != nil {
		f.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		f.conn.Close()
	}
	f.connMu.Unlock()

	f.wg.Wait()
	f.status.Store(StatusStopped)
	return nil
}

func (f *Feed) connect(ctx context.Context) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.cfg.Endpoint, nil)
	if err != nil {
		return fmt.Errorf("feed: dial %s: %w", f.cfg.Endpoint, err)
	}

	if len(f.cfg.Symbols) > 0 {
		conn.SetWriteDeadline(time.Now().Add(f.cfg.WriteTimeout))
		if err := conn.WriteJSON(subscribeRequest{Op: "subscribe", Symbols: f.cfg.Symbols}); err != nil {
			conn.Close()
			return fmt.Errorf("feed: subscribe: %w", err)
		}
	}

	f.conn = conn
	return nil
}

// readLoop reads until Close or until the retry budget runs out.
func (f *Feed) readLoop() {
	defer f.wg.Done()

	delay := f.cfg.ReconnectDelay
	failures := 0

	for !f.closed.Load() {
		f.connMu.Lock()
		conn := f.conn
		f.connMu.Unlock()

		if conn == nil {
			if !f.retryConnect(&delay, &failures) {
				return
			}
			continue
		}

		conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			if f.closed.Load() {
				return
			}
			f.logger.WithError(err).Warn("feed: read failed, reconnecting")

			f.connMu.Lock()
			if f.conn != nil {
				f.conn.Close()
				f.conn = nil
			}
			f.connMu.Unlock()
			continue
		}

		delay = f.cfg.ReconnectDelay
		failures = 0
		f.lastMsgAt.Store(time.Now().UnixNano())
		f.handleMessage(message)
	}
}

// retryConnect waits with jittered exponential backoff and reconnects.
// Returns false when the budget is exhausted, marking the feed STOPPED.
func (f *Feed) retryConnect(delay *time.Duration, failures *int) bool {
	if *failures >= f.cfg.MaxRetries {
		f.logger.WithField("retries", *failures).Error("feed: retry budget exhausted, stopping")
		f.status.Store(StatusStopped)
		return false
	}

	jittered := *delay + time.Duration(rand.Int63n(int64(*delay)/2+1))
	select {
	case <-f.done:
		return false
	case <-time.After(jittered):
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err := f.connect(ctx)
	cancel()

	if err != nil {
		*failures++
		*delay *= 2
		if *delay > f.cfg.MaxReconnectDelay {
			*delay = f.cfg.MaxReconnectDelay
		}
		f.logger.WithError(err).WithField("attempt", *failures).Warn("feed: reconnect failed")
		return true
	}

	f.reconnects.Add(1)
	*failures = 0
	*delay = f.cfg.ReconnectDelay
	return true
}

func (f *Feed) handleMessage(message []byte) {
	var wt wireTick
	if err := json.Unmarshal(message, &wt); err != nil || wt.Symbol == "" || wt.Price <= 0 {
		return
	}

	f.handler(&domain.Tick{
		Symbol:    wt.Symbol,
		Price:     wt.Price,
		Volume:    wt.Volume,
		Timestamp: time.UnixMilli(wt.Timestamp).UTC(),
	})
}
