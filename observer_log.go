package udjat

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogObserver writes one structured debug line per observed exchange. It is
// the access log sibling of StatsObserver: where the stats observer counts,
// the log observer narrates.
type LogObserver struct {
	logger zerolog.Logger
}

// NewLogObserver creates a LogObserver writing to the given logger.
func NewLogObserver(logger zerolog.Logger) *LogObserver {
	return &LogObserver{logger: logger}
}

// NewDefaultLogObserver creates a LogObserver writing to the global zerolog
// logger.
func NewDefaultLogObserver() *LogObserver {
	return &LogObserver{logger: log.Logger}
}

// Name implements the Observer interface.
func (o *LogObserver) Name() string {
	return "log"
}

// ObserveResponse logs the exchange at debug level. Missing pieces of the
// exchange reduce the logged fields rather than fail the call.
func (o *LogObserver) ObserveResponse(exchange *Exchange, elapsed time.Duration, body *ParsedBody) {
	if exchange == nil {
		return
	}

	event := o.logger.Debug().
		Str("exchange_id", exchange.ID).
		Str("site", exchange.SiteKey()).
		Dur("elapsed", elapsed)

	if exchange.Request != nil {
		event = event.Str("method", exchange.Request.Method)
		if exchange.Request.URL != nil {
			event = event.Str("url", exchange.Request.URL.String())
		}
	}
	if exchange.Response != nil {
		event = event.Int("status", exchange.Response.StatusCode).
			Int64("size", exchange.Response.Size)
		if contentType := exchange.Response.Header.Get("Content-Type"); contentType != "" {
			event = event.Str("content_type", CanonicalContentType(contentType))
		}
	}
	if exchange.Timing != nil && exchange.Timing.FirstByte != nil {
		event = event.Dur("first_byte", *exchange.Timing.FirstByte)
	}
	if exchange.WebSocketUpgrade {
		event = event.Bool("ws_upgrade", true)
	}
	if resp, ok := body.RPC(); ok {
		if rpcErr := resp.Err(); rpcErr != nil {
			event = event.Int("rpc_error_code", rpcErr.Code).
				Str("rpc_error_message", rpcErr.Message)
		}
	}

	event.Msg("exchange observed")
}
