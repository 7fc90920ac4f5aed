package udjat

import (
	"bufio"
	"errors"
	"maps"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// NewHandler wraps next so that every request it serves is fed to the
// manager as an exchange. The wrapped handler's behavior is unchanged: the
// response streams through untouched while its status code, headers, size,
// and up to the manager's body limit of body bytes are recorded. Feeding
// happens after the handler returns and never blocks the response path.
// A completed WebSocket upgrade is recorded with status 101 even though its
// handshake bypasses the recorder on the hijacked connection.
func NewHandler(u *Udjat, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &responseRecorder{
			ResponseWriter: w,
			status:         http.StatusOK,
			capture:        limitedCapture{limit: u.bodyLimit},
		}

		start := time.Now()
		next.ServeHTTP(recorder, r)
		elapsed := time.Since(start)

		exchange := NewExchange(r, nil, elapsed)
		if exchange.Request != nil {
			exchange.Request.URL = requestURL(r)
		}
		exchange.WebSocketUpgrade = websocket.IsWebSocketUpgrade(r)

		status := recorder.status
		if recorder.hijacked && !recorder.wroteHeader && exchange.WebSocketUpgrade {
			// A completed upgrade writes its 101 straight to the hijacked
			// connection, the recorder never sees it.
			status = http.StatusSwitchingProtocols
		}

		header := recorder.Header()
		response := &Response{
			StatusCode: status,
			Header:     make(http.Header, len(header)),
			Size:       recorder.capture.Size(),
		}
		maps.Copy(response.Header, header)
		exchange.Response = response

		if data := recorder.capture.Bytes(); len(data) > 0 {
			exchange.Body = NewParsedBody(data, header.Get("Content-Type"))
		}

		_ = u.Feed(exchange)
	})
}

// requestURL rebuilds the absolute URL of a server-side request, which
// arrives with a path-only URL. The scheme follows the connection's TLS
// state.
func requestURL(r *http.Request) *url.URL {
	u := *r.URL
	if u.Host == "" {
		u.Host = r.Host
	}
	if u.Scheme == "" {
		if r.TLS != nil {
			u.Scheme = "https"
		} else {
			u.Scheme = "http"
		}
	}
	return &u
}

// responseRecorder captures the status code, size, and a bounded prefix of
// the body written by the wrapped handler, while forwarding everything to the
// underlying writer.
type responseRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	hijacked    bool
	capture     limitedCapture
}

func (rec *responseRecorder) WriteHeader(status int) {
	if !rec.wroteHeader {
		rec.status = status
		rec.wroteHeader = true
	}
	rec.ResponseWriter.WriteHeader(status)
}

func (rec *responseRecorder) Write(p []byte) (int, error) {
	if !rec.wroteHeader {
		// Implicit 200 from the first write
		rec.wroteHeader = true
	}
	rec.capture.Write(p)
	return rec.ResponseWriter.Write(p)
}

// Flush forwards to the underlying writer when it supports flushing, so
// streaming handlers keep working behind the recorder.
func (rec *responseRecorder) Flush() {
	if flusher, ok := rec.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack forwards connection hijacking to the underlying writer. WebSocket
// upgrades depend on it; bytes written to a hijacked connection bypass the
// recorder.
func (rec *responseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := rec.ResponseWriter.(http.Hijacker); ok {
		conn, rw, err := hijacker.Hijack()
		if err == nil {
			rec.hijacked = true
		}
		return conn, rw, err
	}
	return nil, nil, errors.New("response writer does not support hijacking")
}
