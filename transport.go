package udjat

import (
	"crypto/tls"
	"errors"
	"io"
	"net/http"
	"net/http/httptrace"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// Transport is an http.RoundTripper decorator that feeds every round trip of
// the client it serves to a manager. Successful round trips are fed once the
// caller exhausts or closes the response body, so the exchange carries the
// final body size and the captured bytes. Failed round trips are fed
// immediately, with no response attached. Responses that switch protocols
// are fed immediately as well and their body is left alone.
type Transport struct {
	base    http.RoundTripper
	manager *Udjat
}

// NewTransport wraps base so that its round trips are observed by the
// manager. A nil base means http.DefaultTransport.
func NewTransport(u *Udjat, base http.RoundTripper) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{base: base, manager: u}
}

// RoundTrip implements the http.RoundTripper interface.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	times := &traceTimes{}
	ctx := httptrace.WithClientTrace(req.Context(), traceRequest(times))
	req = req.WithContext(ctx)

	start := time.Now()
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		exchange := NewExchange(req, nil, time.Since(start))
		exchange.Timing = times.timing()
		_ = t.manager.Feed(exchange)
		return nil, err
	}

	exchange := NewExchange(req, resp, time.Since(start))
	exchange.Timing = times.timing()

	// A switched protocol turns the body into the connection itself, leave
	// it untouched and report the exchange right away
	if resp.StatusCode == http.StatusSwitchingProtocols {
		exchange.WebSocketUpgrade = true
		_ = t.manager.Feed(exchange)
		return resp, nil
	}

	capture := &limitedCapture{limit: t.manager.bodyLimit}
	contentType := resp.Header.Get("Content-Type")
	resp.Body = &captureReadCloser{
		rc:      resp.Body,
		capture: capture,
		doneFn: func() {
			exchange.Response.Size = capture.Size()
			if data := capture.Bytes(); len(data) > 0 {
				exchange.Body = NewParsedBody(data, contentType)
			}
			_ = t.manager.Feed(exchange)
		},
	}

	return resp, nil
}

// captureReadCloser tees a response body into a bounded capture buffer as
// the caller reads it, firing doneFn exactly once when the stream hits EOF
// or is closed.
type captureReadCloser struct {
	rc      io.ReadCloser
	capture *limitedCapture
	doneFn  func()
	once    sync.Once
}

func (c *captureReadCloser) Read(p []byte) (int, error) {
	n, err := c.rc.Read(p)
	if n > 0 {
		c.capture.Write(p[:n])
	}
	if errors.Is(err, io.EOF) {
		c.once.Do(c.doneFn)
	}
	return n, err
}

func (c *captureReadCloser) Close() error {
	c.once.Do(c.doneFn)
	return c.rc.Close()
}

// traceTimes stores the phase timestamps of a round trip. The fields are
// atomic because httptrace callbacks can fire on a different goroutine than
// the one assembling the result.
type traceTimes struct {
	start     atomic.Time
	dnsStart  atomic.Time
	dnsDone   atomic.Time
	connStart atomic.Time
	connDone  atomic.Time
	tlsStart  atomic.Time
	tlsDone   atomic.Time
	firstByte atomic.Time
}

// traceRequest builds a ClientTrace that records phase timestamps into
// times.
func traceRequest(times *traceTimes) *httptrace.ClientTrace {
	return &httptrace.ClientTrace{
		// The earliest guaranteed callback is usually GetConn, so the start
		// time is set there
		GetConn:           func(string) { times.start.Store(time.Now()) },
		DNSStart:          func(httptrace.DNSStartInfo) { times.dnsStart.Store(time.Now()) },
		DNSDone:           func(httptrace.DNSDoneInfo) { times.dnsDone.Store(time.Now()) },
		ConnectStart:      func(_, _ string) { times.connStart.Store(time.Now()) },
		ConnectDone:       func(_, _ string, _ error) { times.connDone.Store(time.Now()) },
		TLSHandshakeStart: func() { times.tlsStart.Store(time.Now()) },
		TLSHandshakeDone: func(_ tls.ConnectionState, _ error) {
			times.tlsDone.Store(time.Now())
		},
		GotFirstResponseByte: func() { times.firstByte.Store(time.Now()) },
	}
}

// timing converts the recorded timestamps into an exchange Timing, or nil
// when no phase was recorded.
func (t *traceTimes) timing() *Timing {
	var tm Timing
	recorded := false

	if d, ok := span(t.dnsStart.Load(), t.dnsDone.Load()); ok {
		tm.DNSLookup = d
		recorded = true
	}
	if d, ok := span(t.connStart.Load(), t.connDone.Load()); ok {
		tm.TCPConnect = d
		recorded = true
	}
	if d, ok := span(t.tlsStart.Load(), t.tlsDone.Load()); ok {
		tm.TLSHandshake = d
		recorded = true
	}
	if d, ok := span(t.start.Load(), t.firstByte.Load()); ok {
		tm.FirstByte = d
		recorded = true
	}

	if !recorded {
		return nil
	}
	return &tm
}

// span returns the duration between two timestamps when both were recorded.
func span(from, to time.Time) (*time.Duration, bool) {
	if from.IsZero() || to.IsZero() {
		return nil, false
	}
	return ptr(to.Sub(from)), true
}
