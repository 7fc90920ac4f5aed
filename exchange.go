package udjat

import (
	"maps"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/xid"
)

// Request is the request half of an Exchange.
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
}

// Response is the response half of an Exchange. A nil Response on an Exchange
// means the round trip produced no response at all, and its status code is
// reported as zero.
type Response struct {
	StatusCode int
	Header     http.Header

	// Size is the size of the response body in bytes, when known. Negative
	// when unknown.
	Size int64
}

// Timing holds optional phase timings of a round trip, when the producer of
// the exchange captured them.
type Timing struct {
	DNSLookup    *time.Duration
	TCPConnect   *time.Duration
	TLSHandshake *time.Duration

	// FirstByte is the time from the start of the request until the first
	// byte of the response arrived.
	FirstByte *time.Duration
}

// Exchange is one completed HTTP round trip as seen by a passive observer.
// Exchanges are created once per round trip by an ingestion adapter, or by
// hand, and are read-only to observers.
type Exchange struct {
	ID string

	Request  *Request
	Response *Response

	// Elapsed is how long the round trip took, as measured by whoever
	// created the exchange.
	Elapsed time.Duration

	// ReceivedAt is the time the exchange was assembled.
	ReceivedAt time.Time

	// Body is the lazily parsed response body, when one was captured. The
	// view is shared by all observers of the exchange.
	Body *ParsedBody

	// Timing carries phase timings, when captured.
	Timing *Timing

	// WebSocketUpgrade is set when the request asked to upgrade the
	// connection to a WebSocket.
	WebSocketUpgrade bool
}

// NewExchange assembles an Exchange from standard library request and
// response values. The response may be nil for round trips that failed before
// producing one. Headers are copied shallowly so that later mutation by the
// transport does not show through; bodies are never touched.
func NewExchange(req *http.Request, resp *http.Response, elapsed time.Duration) *Exchange {
	exchange := &Exchange{
		ID:         xid.New().String(),
		Elapsed:    elapsed,
		ReceivedAt: time.Now(),
	}

	if req != nil {
		request := &Request{
			Method: req.Method,
			Header: make(http.Header, len(req.Header)),
		}
		if req.URL != nil {
			urlCopy := *req.URL
			request.URL = &urlCopy
		}
		maps.Copy(request.Header, req.Header)
		exchange.Request = request
	}

	if resp != nil {
		response := &Response{
			StatusCode: resp.StatusCode,
			Header:     make(http.Header, len(resp.Header)),
			Size:       resp.ContentLength,
		}
		maps.Copy(response.Header, resp.Header)
		exchange.Response = response
	}

	return exchange
}

// StatusCode returns the response status code, or zero when the exchange has
// no response.
func (e *Exchange) StatusCode() int {
	if e == nil || e.Response == nil {
		return 0
	}
	return e.Response.StatusCode
}

// ContentTypes returns the raw Content-Type header values of the response, in
// header order. Nil when there is no response or no Content-Type header.
func (e *Exchange) ContentTypes() []string {
	if e == nil || e.Response == nil || e.Response.Header == nil {
		return nil
	}
	return e.Response.Header.Values("Content-Type")
}

// SiteKey derives the counter namespace of the exchange's request URL. Empty
// when the exchange carries no request URL.
func (e *Exchange) SiteKey() string {
	if e == nil || e.Request == nil {
		return ""
	}
	return SiteKey(e.Request.URL)
}

// SiteKey derives the site key of a URL: scheme://host, with the port
// appended only when it is explicit and differs from the scheme's default.
// Scheme and host are lowercased, and IPv6 literal hosts keep their brackets.
// Ports of schemes outside the default table are never appended, so all
// traffic of such a scheme and host shares one site.
func SiteKey(u *url.URL) string {
	if u == nil {
		return ""
	}

	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if strings.Contains(host, ":") {
		// Hostname strips the brackets off IPv6 literals, put them back so
		// the port stays distinguishable from the address groups.
		host = "[" + host + "]"
	}
	site := scheme + "://" + host

	if port := u.Port(); port != "" {
		if def := defaultPort(scheme); def != "" && port != def {
			site += ":" + port
		}
	}

	return site
}

// defaultPort maps common URL schemes to their implicit TCP port.
func defaultPort(scheme string) string {
	switch scheme {
	case "http", "ws":
		return "80"
	case "https", "wss":
		return "443"
	default:
		return ""
	}
}

// ptr returns a pointer to the value.
func ptr[T any](v T) *T {
	return &v
}
