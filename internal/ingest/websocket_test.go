package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// feedServer is a scriptable stand-in for the transaction feed. It records
// every connection time and the subscribe request it receives, runs the
// optional per-connection script, then drops the connection.
type feedServer struct {
	srv      *httptest.Server
	connects chan time.Time
	subs     chan []byte
}

func newFeedServer(t *testing.T, script func(conn *websocket.Conn)) *feedServer {
	t.Helper()

	upgrader := websocket.Upgrader{}
	fs := &feedServer{
		connects: make(chan time.Time, 16),
		subs:     make(chan []byte, 16),
	}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		select {
		case fs.connects <- time.Now():
		default:
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		select {
		case fs.subs <- msg:
		default:
		}

		if script != nil {
			script(conn)
		}
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *feedServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http")
}

func (fs *feedServer) nextConnect(t *testing.T) time.Time {
	t.Helper()
	select {
	case at := <-fs.connects:
		return at
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for feed connection")
		return time.Time{}
	}
}

type recordingHandler struct {
	mu   sync.Mutex
	sigs []string
}

func (h *recordingHandler) HandleTransaction(_ context.Context, tx *Transaction) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sigs = append(h.sigs, tx.Signature)
	return 0
}

func (h *recordingHandler) signatures() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.sigs...)
}

func TestListenerSubscribeRequest(t *testing.T) {
	fs := newFeedServer(t, nil)

	l := NewListener(fs.url(), "Prog111", time.Hour, &recordingHandler{})
	l.Start(context.Background())
	defer l.Stop()

	fs.nextConnect(t)

	var raw []byte
	select {
	case raw = <-fs.subs:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for subscribe request")
	}

	var req struct {
		Jsonrpc string            `json:"jsonrpc"`
		Method  string            `json:"method"`
		Params  []json.RawMessage `json:"params"`
	}
	require.NoError(t, json.Unmarshal(raw, &req))
	assert.Equal(t, "2.0", req.Jsonrpc)
	assert.Equal(t, "transactionSubscribe", req.Method)
	require.Len(t, req.Params, 2)

	var filter subscribeFilter
	require.NoError(t, json.Unmarshal(req.Params[0], &filter))
	assert.False(t, filter.Vote)
	assert.False(t, filter.Failed)
	assert.Equal(t, []string{"Prog111"}, filter.AccountInclude)

	var opts map[string]any
	require.NoError(t, json.Unmarshal(req.Params[1], &opts))
	assert.Equal(t, "confirmed", opts["commitment"])
	assert.Equal(t, "json", opts["encoding"])
	assert.Equal(t, "full", opts["transactionDetails"])
	assert.Equal(t, float64(0), opts["maxSupportedTransactionVersion"])
}

// The feed accepts and immediately drops every connection; the listener must
// come back after the configured delay each time, with no growth between
// attempts.
func TestListenerReconnectFixedDelay(t *testing.T) {
	fs := newFeedServer(t, nil)

	delay := 200 * time.Millisecond
	l := NewListener(fs.url(), "Prog111", delay, &recordingHandler{})
	l.Start(context.Background())
	defer l.Stop()

	first := fs.nextConnect(t)
	second := fs.nextConnect(t)
	third := fs.nextConnect(t)

	gap1 := second.Sub(first)
	gap2 := third.Sub(second)

	assert.GreaterOrEqual(t, gap1, delay)
	assert.GreaterOrEqual(t, gap2, delay)
	assert.Less(t, gap1, 2*delay)
	assert.Less(t, gap2, 2*delay)
}

func TestListenerResumesStreamAfterDrop(t *testing.T) {
	var connSeq atomic.Int64
	fs := newFeedServer(t, func(conn *websocket.Conn) {
		sig := "sig-" + string(rune('a'+connSeq.Add(1)))
		payload := []byte{0x66, 0x06, 0x3d, 0x12, 0x01, 0xda, 0xeb, 0xea, 1, 0, 0, 0, 0, 0, 0, 0}
		conn.WriteMessage(websocket.TextMessage, notificationJSON(sig, 1, payload))
	})

	handler := &recordingHandler{}
	l := NewListener(fs.url(), "Prog111", 20*time.Millisecond, handler)
	l.Start(context.Background())
	defer l.Stop()

	require.Eventually(t, func() bool {
		seen := map[string]bool{}
		for _, s := range handler.signatures() {
			seen[s] = true
		}
		return len(seen) >= 2
	}, 5*time.Second, 10*time.Millisecond, "deliveries should continue across a dropped connection")
}

func TestCheckHeartbeat(t *testing.T) {
	fs := newFeedServer(t, func(conn *websocket.Conn) {
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	dial := func(t *testing.T) *websocket.Conn {
		t.Helper()
		conn, _, err := websocket.DefaultDialer.Dial(fs.url(), nil)
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{}")))
		return conn
	}

	t.Run("recent message is a no-op", func(t *testing.T) {
		l := NewListener(fs.url(), "Prog111", time.Hour, &recordingHandler{})
		l.conn = dial(t)
		defer l.conn.Close()
		l.updateLastMsg()

		l.checkHeartbeat()
		assert.NotNil(t, l.conn)
	})

	t.Run("stale but responsive connection survives", func(t *testing.T) {
		l := NewListener(fs.url(), "Prog111", time.Hour, &recordingHandler{})
		l.conn = dial(t)
		defer l.conn.Close()
		l.lastMsg = time.Now().Add(-2 * HeartbeatTimeout)

		l.checkHeartbeat()
		assert.NotNil(t, l.conn)
	})

	t.Run("failed ping recycles the connection", func(t *testing.T) {
		l := NewListener(fs.url(), "Prog111", time.Hour, &recordingHandler{})
		conn := dial(t)
		conn.Close()
		l.conn = conn
		l.lastMsg = time.Now().Add(-2 * HeartbeatTimeout)

		l.checkHeartbeat()
		assert.Nil(t, l.conn)
	})
}

func TestWaitReconnectHonorsStop(t *testing.T) {
	l := NewListener("ws://unused", "Prog111", time.Hour, &recordingHandler{})
	close(l.stopChan)

	done := make(chan struct{})
	go func() {
		l.waitReconnect(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waitReconnect did not return after stop")
	}
}
