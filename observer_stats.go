package udjat

import (
	"strconv"
	"time"

	"github.com/jkbrsn/udjat/pkg/stats"
)

// Counter key prefixes used by StatsObserver. The literal prefix text is a
// stable contract: listeners and dashboards downstream match on these exact
// strings.
const (
	// CodeStatsPrefix prefixes the per status code counters.
	CodeStatsPrefix = "stats.code."
	// ContentTypeStatsPrefix prefixes the per content type counters.
	ContentTypeStatsPrefix = "stats.contenttype."
	// ResponseTimeStatsPrefix prefixes the response latency counters.
	ResponseTimeStatsPrefix = "stats.responseTime."
)

// StatsObserver turns every observed exchange into per-site counters on a
// stats.Registry: exactly one status code counter, one counter per distinct
// canonical content type of the response, and exactly one response time
// counter. The observer holds no state of its own and is safe for concurrent
// use.
type StatsObserver struct {
	registry *stats.Registry
}

// NewStatsObserver creates a StatsObserver reporting to the given registry.
func NewStatsObserver(registry *stats.Registry) *StatsObserver {
	return &StatsObserver{registry: registry}
}

// Name implements the Observer interface.
func (o *StatsObserver) Name() string {
	return "stats"
}

// ObserveResponse increments the site's counters for the exchange. Exchanges
// without a request URL are skipped entirely, since no site key can be
// derived for them. An absent response counts under status code zero. The
// elapsed duration is recorded as its literal decimal millisecond text,
// negative values included.
func (o *StatsObserver) ObserveResponse(exchange *Exchange, elapsed time.Duration, _ *ParsedBody) {
	if o.registry == nil || exchange == nil || exchange.Request == nil || exchange.Request.URL == nil {
		return
	}
	site := exchange.SiteKey()

	o.registry.IncCounter(site, CodeStatsPrefix+strconv.Itoa(exchange.StatusCode()))

	contentTypes := exchange.ContentTypes()
	var seen map[string]struct{}
	for _, raw := range contentTypes {
		canonical := CanonicalContentType(raw)
		if len(contentTypes) > 1 {
			if seen == nil {
				seen = make(map[string]struct{}, len(contentTypes))
			}
			if _, dup := seen[canonical]; dup {
				continue
			}
			seen[canonical] = struct{}{}
		}
		o.registry.IncCounter(site, ContentTypeStatsPrefix+canonical)
	}

	o.registry.IncCounter(site, ResponseTimeStatsPrefix+strconv.FormatInt(elapsed.Milliseconds(), 10))
}
