package udjat

import (
	"context"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DNSObserverOption is a functional option for the DNSObserver.
type DNSObserverOption func(*DNSObserver)

// WithResolver overrides the resolver used for lookups.
func WithResolver(resolver TTLResolver) DNSObserverOption {
	return func(o *DNSObserver) {
		o.resolver = resolver
	}
}

// WithTTLBounds clamps the TTLs reported by the resolver. A zero bound leaves
// that side unclamped.
func WithTTLBounds(minTTL, maxTTL time.Duration) DNSObserverOption {
	return func(o *DNSObserver) {
		o.minTTL = minTTL
		o.maxTTL = maxTTL
	}
}

// WithLookupTimeout sets the per lookup timeout.
func WithLookupTimeout(timeout time.Duration) DNSObserverOption {
	return func(o *DNSObserver) {
		o.timeout = timeout
	}
}

// WithDNSLogger makes the observer log through the given logger instead of
// the global one.
func WithDNSLogger(logger zerolog.Logger) DNSObserverOption {
	return func(o *DNSObserver) {
		o.logger = logger
	}
}

// hostRecord is the cached resolution state of one host.
type hostRecord struct {
	addrs     []netip.Addr
	expiresAt time.Time
	pending   bool
}

// DNSObserver keeps a DNS inventory of the hosts appearing in observed
// exchanges. Each host is resolved at most once per TTL window, on a
// dedicated worker goroutine, so observing an exchange never touches the
// network. The observer implements io.Closer and must be closed to release
// the worker.
type DNSObserver struct {
	resolver TTLResolver
	logger   zerolog.Logger

	minTTL  time.Duration
	maxTTL  time.Duration
	timeout time.Duration

	mu    sync.Mutex
	hosts map[string]*hostRecord

	lookupChan chan string
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewDNSObserver creates a DNS observer and starts its lookup worker.
func NewDNSObserver(opts ...DNSObserverOption) *DNSObserver {
	o := &DNSObserver{
		logger:     log.Logger,
		minTTL:     30 * time.Second,
		maxTTL:     time.Hour,
		timeout:    5 * time.Second,
		hosts:      make(map[string]*hostRecord),
		lookupChan: make(chan string, 64),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.resolver == nil {
		o.resolver = newSystemResolver()
	}

	o.ctx, o.cancel = context.WithCancel(context.Background())
	o.wg.Add(1)
	go o.run()

	return o
}

// Name implements the Observer interface.
func (o *DNSObserver) Name() string {
	return "dns"
}

// ObserveResponse notes the host of the exchange and queues a lookup when the
// cached resolution is missing or expired. The call never blocks: when the
// lookup queue is full the host is retried on its next sighting.
func (o *DNSObserver) ObserveResponse(exchange *Exchange, _ time.Duration, _ *ParsedBody) {
	if exchange == nil || exchange.Request == nil || exchange.Request.URL == nil {
		return
	}
	host := strings.ToLower(exchange.Request.URL.Hostname())
	if host == "" {
		return
	}

	o.mu.Lock()
	record, ok := o.hosts[host]
	if !ok {
		record = &hostRecord{}
		o.hosts[host] = record
	}
	due := !record.pending && (record.expiresAt.IsZero() || time.Now().After(record.expiresAt))
	if due {
		record.pending = true
	}
	o.mu.Unlock()

	if !due {
		return
	}

	select {
	case o.lookupChan <- host:
	default:
		o.mu.Lock()
		record.pending = false
		o.mu.Unlock()
	}
}

// Addrs returns the last resolved addresses of a host, or nil when the host
// has not been resolved yet.
func (o *DNSObserver) Addrs(host string) []netip.Addr {
	o.mu.Lock()
	defer o.mu.Unlock()

	record, ok := o.hosts[strings.ToLower(host)]
	if !ok || len(record.addrs) == 0 {
		return nil
	}
	return append([]netip.Addr(nil), record.addrs...)
}

// Hosts returns the hosts sighted so far, resolved or not, in no particular
// order.
func (o *DNSObserver) Hosts() []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	hosts := make([]string, 0, len(o.hosts))
	for host := range o.hosts {
		hosts = append(hosts, host)
	}
	return hosts
}

// Close stops the lookup worker. Queued lookups are abandoned.
func (o *DNSObserver) Close() error {
	o.cancel()
	o.wg.Wait()
	return nil
}

func (o *DNSObserver) run() {
	defer o.wg.Done()
	for {
		select {
		case <-o.ctx.Done():
			return
		case host := <-o.lookupChan:
			o.resolve(host)
		}
	}
}

// resolve performs one lookup and stores the outcome. Failed lookups expire
// after the minimum TTL so the host is retried eventually.
func (o *DNSObserver) resolve(host string) {
	ctx, cancel := context.WithTimeout(o.ctx, o.timeout)
	addrs, ttl, err := o.resolver.Lookup(ctx, host)
	cancel()

	o.mu.Lock()
	record, ok := o.hosts[host]
	if !ok {
		record = &hostRecord{}
		o.hosts[host] = record
	}
	record.pending = false
	if err == nil {
		record.addrs = addrs
	}
	record.expiresAt = time.Now().Add(o.clampTTL(ttl))
	o.mu.Unlock()

	if err != nil {
		o.logger.Debug().Err(err).Str("host", host).Msg("DNS lookup failed")
		return
	}
	o.logger.Debug().Str("host", host).Int("addrs", len(addrs)).Dur("ttl", ttl).
		Msg("host resolved")
}

// clampTTL bounds a reported TTL to the observer's refresh window.
func (o *DNSObserver) clampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return o.minTTL
	}
	if o.minTTL > 0 && ttl < o.minTTL {
		return o.minTTL
	}
	if o.maxTTL > 0 && ttl > o.maxTTL {
		return o.maxTTL
	}
	return ttl
}
