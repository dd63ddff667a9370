package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"tradeguard/internal/domain"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

// tickServer upgrades, records the subscription and streams the given ticks.
func tickServer(t *testing.T, ticks []wireTick, gotSubscribe *subscribeRequest) *httptest.Server {
	t.Helper()
	var mu sync.Mutex

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if gotSubscribe != nil {
			mu.Lock()
			json.Unmarshal(msg, gotSubscribe)
			mu.Unlock()
		}

		for _, tick := range ticks {
			if err := conn.WriteJSON(tick); err != nil {
				return
			}
		}

		// Keep the connection open until the client closes.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestFeed_DeliversTicks(t *testing.T) {
	var sub subscribeRequest
	server := tickServer(t, []wireTick{
		{Symbol: "BTCUSDT", Price: 100.5, Volume: 2, Timestamp: 1700000000000},
		{Symbol: "ETHUSDT", Price: 2000, Volume: 1, Timestamp: 1700000000500},
	}, &sub)
	defer server.Close()

	var mu sync.Mutex
	var got []*domain.Tick
	handler := func(tick *domain.Tick) {
		mu.Lock()
		got = append(got, tick)
		mu.Unlock()
	}

	f, err := New(Config{Endpoint: wsURL(server), Symbols: []string{"BTCUSDT", "ETHUSDT"}}, handler, quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := f.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer f.Close()

	deadline := time.Now().Add(3 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected 2 ticks, got %d", n)
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if got[0].Symbol != "BTCUSDT" || got[0].Price != 100.5 {
		t.Errorf("unexpected first tick: %+v", got[0])
	}
	if got[0].Timestamp.UnixMilli() != 1700000000000 {
		t.Errorf("timestamp not preserved: %v", got[0].Timestamp)
	}
	if sub.Op != "subscribe" || len(sub.Symbols) != 2 {
		t.Errorf("unexpected subscription: %+v", sub)
	}
	if f.Status() != StatusRunning {
		t.Errorf("expected RUNNING, got %s", f.Status())
	}
}

func TestFeed_IgnoresMalformedMessages(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		conn.WriteJSON(wireTick{Symbol: "", Price: 100})  // missing symbol
		conn.WriteJSON(wireTick{Symbol: "X", Price: -1})  // bad price
		conn.WriteJSON(wireTick{Symbol: "BTCUSDT", Price: 100, Timestamp: 1700000000000})

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	var mu sync.Mutex
	var count int
	handler := func(*domain.Tick) {
		mu.Lock()
		count++
		mu.Unlock()
	}

	f, err := New(Config{Endpoint: wsURL(server)}, handler, quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := f.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer f.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := count
		mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected exactly 1 valid tick, got %d", n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestFeed_StopsAfterRetryBudget(t *testing.T) {
	// Server accepts once, then goes away for good.
	server := tickServer(t, nil, nil)
	endpoint := wsURL(server)

	f, err := New(Config{
		Endpoint:          endpoint,
		ReconnectDelay:    time.Millisecond,
		MaxReconnectDelay: 2 * time.Millisecond,
		MaxRetries:        3,
	}, func(*domain.Tick) {}, quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := f.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer f.Close()

	server.Close()

	deadline := time.Now().Add(5 * time.Second)
	for f.Status() != StatusStopped {
		if time.Now().After(deadline) {
			t.Fatal("feed never reached STOPPED after retry budget")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestFeed_StartFailsOnBadEndpoint(t *testing.T) {
	f, err := New(Config{Endpoint: "ws://127.0.0.1:1"}, func(*domain.Tick) {}, quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := f.Start(context.Background()); err == nil {
		t.Fatal("expected dial error")
	}
}

func TestFeed_Staleness(t *testing.T) {
	server := tickServer(t, []wireTick{{Symbol: "BTCUSDT", Price: 100, Timestamp: 1700000000000}}, nil)
	defer server.Close()

	f, err := New(Config{Endpoint: wsURL(server), StaleAfter: 50 * time.Millisecond}, func(*domain.Tick) {}, quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := f.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer f.Close()

	if f.Stale() {
		t.Error("fresh feed reported stale")
	}

	time.Sleep(120 * time.Millisecond)
	if !f.Stale() {
		t.Error("silent feed not reported stale")
	}
}

func TestFeed_CloseIdempotent(t *testing.T) {
	server := tickServer(t, nil, nil)
	defer server.Close()

	f, err := New(Config{Endpoint: wsURL(server)}, func(*domain.Tick) {}, quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := f.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if f.Status() != StatusStopped {
		t.Errorf("expected STOPPED, got %s", f.Status())
	}
}
