package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// HandshakeTimeout bounds the WebSocket dial.
	HandshakeTimeout = 10 * time.Second

	// WriteTimeout bounds subscription and ping writes.
	WriteTimeout = 10 * time.Second

	// HeartbeatTimeout is how long the feed may stay silent before the
	// connection is probed and recycled.
	HeartbeatTimeout = 60 * time.Second

	// PongTimeout is the extra read allowance after a ping.
	PongTimeout = 10 * time.Second
)

// TxHandler consumes delivered transactions.
type TxHandler interface {
	HandleTransaction(ctx context.Context, tx *Transaction) int
}

// Listener owns the long-lived feed subscription: it subscribes to
// transactions touching the target program at confirmed commitment, hands
// each delivery to the handler, and on any stream error reconnects after a
// fixed delay, indefinitely. The delay never grows; the listener never gives
// up.
type Listener struct {
	url            string
	program        string
	handler        TxHandler
	reconnectDelay time.Duration

	conn      *websocket.Conn
	connMu    sync.Mutex
	lastMsg   time.Time
	lastMsgMu sync.RWMutex
	stopChan  chan struct{}
	wg        sync.WaitGroup

	txCount uint64
}

// NewListener creates a listener for the given feed endpoint and program
// address.
func NewListener(url, program string, reconnectDelay time.Duration, handler TxHandler) *Listener {
	return &Listener{
		url:            url,
		program:        program,
		handler:        handler,
		reconnectDelay: reconnectDelay,
		stopChan:       make(chan struct{}),
	}
}

// Start begins the subscription loop and heartbeat monitor.
func (l *Listener) Start(ctx context.Context) {
	l.wg.Add(1)
	go l.runLoop(ctx)

	l.wg.Add(1)
	go l.heartbeatMonitor(ctx)
}

// Stop gracefully shuts the listener down.
func (l *Listener) Stop() {
	close(l.stopChan)
	l.closeConnection()
	l.wg.Wait()
}

// runLoop is the outer supervisor: connect, read until failure, wait the
// fixed delay, repeat.
func (l *Listener) runLoop(ctx context.Context) {
	defer l.wg.Done()

	for {
		select {
		case <-ctx.Done():
			slog.Info("feed_loop_stopping", "reason", "context cancelled")
			return
		case <-l.stopChan:
			slog.Info("feed_loop_stopping", "reason", "stop signal")
			return
		default:
		}

		if err := l.connect(ctx); err != nil {
			slog.Error("feed_connect_failed", "error", err, "retry_in", l.reconnectDelay)
			l.waitReconnect(ctx)
			continue
		}

		if err := l.readLoop(ctx); err != nil {
			slog.Warn("feed_stream_error", "error", err, "retry_in", l.reconnectDelay)
		} else {
			slog.Warn("feed_stream_ended", "retry_in", l.reconnectDelay)
		}

		l.closeConnection()

		select {
		case <-ctx.Done():
			return
		case <-l.stopChan:
			return
		default:
			l.waitReconnect(ctx)
		}
	}
}

// subscribeRequest is the transactionSubscribe call: include transactions
// touching the program, confirmed commitment, votes and failures excluded.
type subscribeRequest struct {
	Jsonrpc string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type subscribeFilter struct {
	Vote           bool     `json:"vote"`
	Failed         bool     `json:"failed"`
	AccountInclude []string `json:"accountInclude"`
}

type subscribeOptions struct {
	Commitment         string `json:"commitment"`
	Encoding           string `json:"encoding"`
	TransactionDetails string `json:"transactionDetails"`
	MaxSupportedTxVer  int    `json:"maxSupportedTransactionVersion"`
}

func (l *Listener) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: HandshakeTimeout}

	conn, resp, err := dialer.DialContext(ctx, l.url, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial failed with status %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("dial failed: %w", err)
	}

	l.connMu.Lock()
	l.conn = conn
	l.connMu.Unlock()

	slog.Info("feed_connected", "endpoint", l.url)

	if err := l.subscribe(); err != nil {
		return fmt.Errorf("subscribe failed: %w", err)
	}

	l.updateLastMsg()
	return nil
}

func (l *Listener) subscribe() error {
	req := subscribeRequest{
		Jsonrpc: "2.0",
		ID:      1,
		Method:  "transactionSubscribe",
		Params: []any{
			subscribeFilter{
				Vote:           false,
				Failed:         false,
				AccountInclude: []string{l.program},
			},
			subscribeOptions{
				Commitment:         "confirmed",
				Encoding:           "json",
				TransactionDetails: "full",
				MaxSupportedTxVer:  0,
			},
		},
	}

	l.connMu.Lock()
	defer l.connMu.Unlock()

	if l.conn == nil {
		return fmt.Errorf("connection is nil")
	}

	l.conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
	if err := l.conn.WriteJSON(req); err != nil {
		return fmt.Errorf("failed to send subscribe request: %w", err)
	}

	slog.Info("feed_subscribed", "program", l.program, "commitment", "confirmed")
	return nil
}

func (l *Listener) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.stopChan:
			return nil
		default:
		}

		l.connMu.Lock()
		conn := l.conn
		l.connMu.Unlock()

		if conn == nil {
			return fmt.Errorf("connection is nil")
		}

		conn.SetReadDeadline(time.Now().Add(HeartbeatTimeout + PongTimeout))

		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read error: %w", err)
		}

		l.updateLastMsg()
		l.handleMessage(ctx, message)
	}
}

// handleMessage parses one feed message and runs the pipeline. A failure
// here terminates only this message's processing, never the subscription.
func (l *Listener) handleMessage(ctx context.Context, data []byte) {
	tx, msgType, err := ParseMessage(data)
	if err != nil {
		slog.Warn("feed_message_error", "type", msgType, "error", err)
		return
	}
	if tx == nil {
		slog.Debug("feed_message", "type", msgType)
		return
	}

	l.txCount++
	if l.txCount%100 == 0 {
		slog.Info("transactions_processed", "count", l.txCount)
	}

	l.handler.HandleTransaction(ctx, tx)
}

func (l *Listener) heartbeatMonitor(ctx context.Context) {
	defer l.wg.Done()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopChan:
			return
		case <-ticker.C:
			l.checkHeartbeat()
		}
	}
}

// checkHeartbeat pings a silent connection; a failed ping closes it so the
// run loop reconnects.
func (l *Listener) checkHeartbeat() {
	l.lastMsgMu.RLock()
	lastMsg := l.lastMsg
	l.lastMsgMu.RUnlock()

	if lastMsg.IsZero() || time.Since(lastMsg) <= HeartbeatTimeout {
		return
	}

	slog.Warn("feed_heartbeat_timeout", "elapsed", time.Since(lastMsg))

	l.connMu.Lock()
	conn := l.conn
	l.connMu.Unlock()

	if conn != nil {
		conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
		if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
			slog.Warn("feed_ping_failed", "error", err)
			l.closeConnection()
		}
	}
}

func (l *Listener) updateLastMsg() {
	l.lastMsgMu.Lock()
	l.lastMsg = time.Now()
	l.lastMsgMu.Unlock()
}

func (l *Listener) closeConnection() {
	l.connMu.Lock()
	defer l.connMu.Unlock()

	if l.conn != nil {
		l.conn.Close()
		l.conn = nil
		slog.Info("feed_disconnected")
	}
}

// waitReconnect sleeps the fixed reconnect delay. No backoff growth: the
// feed is expected back shortly and the subscription must outlive outages of
// any length.
func (l *Listener) waitReconnect(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-l.stopChan:
	case <-time.After(l.reconnectDelay):
	}
}
