package udjat

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/jkbrsn/jsonrpc"
	"github.com/jkbrsn/udjat/pkg/stats"
	"go.uber.org/atomic"
)

//
// Mocks
//

// recordingListener records registry notifications in order of arrival.
type recordingListener struct {
	mu    sync.Mutex
	calls []string
}

func (l *recordingListener) CounterInc(site, key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, "inc "+site+" "+key)
}

func (l *recordingListener) CounterDec(site, key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, "dec "+site+" "+key)
}

func (l *recordingListener) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

// stubObserver records observed exchanges on a buffered channel. When gate is
// non-nil every observation blocks until the gate is closed, and when
// panicMsg is non-empty the observer panics instead of recording.
type stubObserver struct {
	name     string
	gate     chan struct{}
	panicMsg string

	exchanges chan *Exchange
	closed    atomic.Bool
}

func newStubObserver(name string) *stubObserver {
	return &stubObserver{
		name:      name,
		exchanges: make(chan *Exchange, 64),
	}
}

func (s *stubObserver) Name() string {
	return s.name
}

func (s *stubObserver) ObserveResponse(exchange *Exchange, _ time.Duration, _ *ParsedBody) {
	if s.gate != nil {
		<-s.gate
	}
	if s.panicMsg != "" {
		panic(s.panicMsg)
	}
	select {
	case s.exchanges <- exchange:
	default:
	}
}

func (s *stubObserver) Close() error {
	s.closed.Store(true)
	return nil
}

// stubResolver serves a scripted lookup result and signals every call on a
// buffered channel.
type stubResolver struct {
	addrs []netip.Addr
	ttl   time.Duration
	err   error

	calls    atomic.Int64
	resolved chan string
}

func newStubResolver(addrs []netip.Addr, ttl time.Duration) *stubResolver {
	return &stubResolver{
		addrs:    addrs,
		ttl:      ttl,
		resolved: make(chan string, 16),
	}
}

func (r *stubResolver) Lookup(_ context.Context, host string) ([]netip.Addr, time.Duration, error) {
	r.calls.Inc()
	select {
	case r.resolved <- host:
	default:
	}
	return r.addrs, r.ttl, r.err
}

//
// Helpers
//

// waitForCounter polls the registry until the counter reaches want, failing
// the test when it does not get there within a second.
func waitForCounter(t *testing.T, registry *stats.Registry, site, key string, want int64) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if value, ok := registry.CounterValue(site, key); ok && value == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	value, _ := registry.CounterValue(site, key)
	t.Fatalf("counter %q of site %q did not reach %d, last value %d", key, site, want, value)
}

// waitForExchange receives one exchange from the stub observer, failing the
// test when none arrives within a second.
func waitForExchange(t *testing.T, observer *stubObserver) *Exchange {
	t.Helper()
	select {
	case exchange := <-observer.exchanges:
		return exchange
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for an exchange")
		return nil
	}
}

//
// Test servers
//

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// echoServer creates a test server that echoes request payloads, mirroring
// the request's content type, and upgrades to an echoing WebSocket on /ws.
func echoServer() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ws":
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				http.Error(w, "could not open websocket connection", http.StatusBadRequest)
				return
			}
			defer conn.Close()

			// Echo messages back to the client
			for {
				mt, message, err := conn.ReadMessage()
				if err != nil {
					return
				}
				if err := conn.WriteMessage(mt, message); err != nil {
					return
				}
			}

		default:
			switch r.Method {
			case http.MethodGet:
				w.WriteHeader(http.StatusOK)
				w.Write(fmt.Appendf(nil, "%s request received on path %s", r.Method, r.URL.Path))

			case http.MethodPost, http.MethodPut, http.MethodPatch:
				payload, err := io.ReadAll(r.Body)
				if err != nil {
					w.WriteHeader(http.StatusOK)
					w.Write([]byte("no payload found"))
					return
				}
				// Mirror the request's content type in the response
				if _, ok := r.Header["Content-Type"]; ok {
					w.Header().Set("Content-Type", r.Header.Get("Content-Type"))
				}
				w.WriteHeader(http.StatusOK)
				w.Write(payload)

			default:
				w.WriteHeader(http.StatusOK)
				w.Write([]byte("unsupported method"))
			}
		}
	}))
}

// jsonRPCServer creates a test server that echoes the request payload back
// under the "result" key of a JSON-RPC response. Payloads that do not parse
// as a JSON-RPC request get a parse error response as per the JSON-RPC 2.0
// specification.
func jsonRPCServer() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")

		var req jsonrpc.Request
		if err := sonic.Unmarshal(payload, &req); err != nil || req.Method == "" {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"Parse error"}}`))
			return
		}

		resp, err := jsonrpc.NewResponse(fmt.Sprintf("%v", req.ID), payload)
		if err != nil {
			http.Error(w, "failed to build response", http.StatusInternalServerError)
			return
		}
		respBytes, err := resp.MarshalJSON()
		if err != nil {
			http.Error(w, "failed to marshal response", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write(respBytes)
	}))
}
