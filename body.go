package udjat

import (
	"bytes"
	"errors"
	"strings"
	"sync"

	"github.com/bytedance/sonic/ast"
	"github.com/jkbrsn/jsonrpc"
	"golang.org/x/net/html"
)

// ErrNoBody indicates a parsed body view was requested but no bytes were
// captured.
var ErrNoBody = errors.New("no body captured")

// ParsedBody is a lazily parsed view of a captured response body. Each view
// is materialized at most once and the outcome is cached, so the one
// ParsedBody of an exchange can be shared by every observer. All methods are
// safe for concurrent use and tolerate a nil receiver.
type ParsedBody struct {
	data        []byte
	contentType string

	jsonOnce sync.Once
	jsonRoot ast.Node
	jsonErr  error

	rpcOnce sync.Once
	rpcResp *jsonrpc.Response

	htmlOnce sync.Once
	htmlRoot *html.Node
	htmlErr  error
}

// NewParsedBody wraps captured body bytes and their declared content type.
// The bytes are not copied, the caller hands over ownership and must not
// modify them afterwards.
func NewParsedBody(data []byte, contentType string) *ParsedBody {
	return &ParsedBody{data: data, contentType: contentType}
}

// Bytes returns the captured bytes. Nil when nothing was captured, and
// possibly truncated when the capture hit its limit.
func (b *ParsedBody) Bytes() []byte {
	if b == nil {
		return nil
	}
	return b.data
}

// Size returns the number of captured bytes.
func (b *ParsedBody) Size() int {
	if b == nil {
		return 0
	}
	return len(b.data)
}

// ContentType returns the canonical content type the body was declared with.
func (b *ParsedBody) ContentType() string {
	if b == nil {
		return ""
	}
	return CanonicalContentType(b.contentType)
}

// IsJSON reports whether the declared content type marks the body as JSON.
func (b *ParsedBody) IsJSON() bool {
	mediaType := b.mediaType()
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

// IsHTML reports whether the declared content type marks the body as HTML.
func (b *ParsedBody) IsHTML() bool {
	mediaType := b.mediaType()
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}

// JSON parses the body as JSON and returns the root node. The parse runs at
// most once, subsequent calls return the cached outcome. The returned node is
// safe for concurrent reads.
func (b *ParsedBody) JSON() (ast.Node, error) {
	if b == nil || len(b.data) == 0 {
		return ast.Node{}, ErrNoBody
	}
	b.jsonOnce.Do(func() {
		searcher := ast.NewSearcher(string(b.data))
		searcher.CopyReturn = true
		searcher.ConcurrentRead = true
		searcher.ValidateJSON = true
		b.jsonRoot, b.jsonErr = searcher.GetByPath()
	})
	return b.jsonRoot, b.jsonErr
}

// RPC decodes the body as a JSON-RPC response. The boolean is false when the
// body is not JSON or does not carry a JSON-RPC envelope. The decode runs at
// most once, subsequent calls return the cached outcome.
//
// TODO: detect batch responses, currently only single object envelopes are
// recognized.
func (b *ParsedBody) RPC() (*jsonrpc.Response, bool) {
	if b == nil || len(b.data) == 0 || !b.IsJSON() {
		return nil, false
	}
	b.rpcOnce.Do(func() {
		// Look for the envelope's version tag before committing to a full
		// decode, plain JSON bodies are common and not an error.
		searcher := ast.NewSearcher(string(b.data))
		searcher.CopyReturn = false
		searcher.ConcurrentRead = false
		searcher.ValidateJSON = false
		if _, err := searcher.GetByPath("jsonrpc"); err != nil {
			return
		}

		resp, err := jsonrpc.DecodeResponse(b.data)
		if err != nil || resp.IsEmpty() {
			return
		}
		b.rpcResp = resp
	})
	return b.rpcResp, b.rpcResp != nil
}

// HTML parses the body as an HTML document. The parse runs at most once,
// subsequent calls return the cached outcome. Parsing is lenient and
// succeeds for most non-HTML input as well, gate on IsHTML when the content
// type matters.
func (b *ParsedBody) HTML() (*html.Node, error) {
	if b == nil || len(b.data) == 0 {
		return nil, ErrNoBody
	}
	b.htmlOnce.Do(func() {
		b.htmlRoot, b.htmlErr = html.Parse(bytes.NewReader(b.data))
	})
	return b.htmlRoot, b.htmlErr
}

// mediaType returns the lowercased media type of the declared content type,
// without parameters.
func (b *ParsedBody) mediaType() string {
	if b == nil {
		return ""
	}
	mediaType, _, _ := strings.Cut(b.contentType, ";")
	return strings.ToLower(strings.TrimSpace(mediaType))
}

// limitedCapture accumulates streamed bytes up to a fixed cap, discarding the
// overflow while still counting the full size. A non-positive limit disables
// capture but keeps the count.
type limitedCapture struct {
	limit int64
	buf   bytes.Buffer
	size  int64
}

// Write implements io.Writer. It never fails and always reports the full
// input length, so capture never shortens the stream it observes.
func (c *limitedCapture) Write(p []byte) (int, error) {
	n := len(p)
	c.size += int64(n)

	if remaining := c.limit - int64(c.buf.Len()); remaining > 0 {
		if int64(n) > remaining {
			p = p[:remaining]
		}
		c.buf.Write(p)
	}
	return n, nil
}

// Bytes returns the captured prefix of the stream.
func (c *limitedCapture) Bytes() []byte {
	return c.buf.Bytes()
}

// Size returns the total number of bytes that passed through, including
// bytes beyond the capture limit.
func (c *limitedCapture) Size() int64 {
	return c.size
}
