package stats

import (
	"sync"

	"go.uber.org/atomic"
)

// Registry accumulates named counters partitioned by site key, and fans every
// change out to its registered listeners. All methods are safe for concurrent
// use. The zero value is not usable, create instances through NewRegistry.
type Registry struct {
	mu    sync.RWMutex
	sites map[string]map[string]*atomic.Int64

	listenerMu sync.RWMutex
	listeners  []Listener
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		sites: make(map[string]map[string]*atomic.Int64),
	}
}

// IncCounter adds one to the counter keyed by (site, key), creating the
// counter at zero first if it does not exist. Listeners are notified
// synchronously, in registration order, before the call returns.
func (r *Registry) IncCounter(site, key string) {
	r.counter(site, key).Inc()
	for _, l := range r.snapshotListeners() {
		l.CounterInc(site, key)
	}
}

// DecCounter subtracts one from the counter keyed by (site, key), creating
// the counter at zero first if it does not exist. Listeners are notified
// synchronously, in registration order, before the call returns.
func (r *Registry) DecCounter(site, key string) {
	r.counter(site, key).Dec()
	for _, l := range r.snapshotListeners() {
		l.CounterDec(site, key)
	}
}

// CounterValue returns the current value of the counter keyed by (site, key).
// The boolean is false when the counter has never been touched.
func (r *Registry) CounterValue(site, key string) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counters, ok := r.sites[site]
	if !ok {
		return 0, false
	}
	counter, ok := counters[key]
	if !ok {
		return 0, false
	}
	return counter.Load(), true
}

// SiteSnapshot returns a copy of the counters of one site, or nil when the
// site is unknown. Each value is read atomically but the snapshot as a whole
// is not a consistent cut across concurrent increments.
func (r *Registry) SiteSnapshot(site string) map[string]int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counters, ok := r.sites[site]
	if !ok {
		return nil
	}
	snapshot := make(map[string]int64, len(counters))
	for key, counter := range counters {
		snapshot[key] = counter.Load()
	}
	return snapshot
}

// Snapshot returns a copy of all counters, keyed by site.
func (r *Registry) Snapshot() map[string]map[string]int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshot := make(map[string]map[string]int64, len(r.sites))
	for site, counters := range r.sites {
		siteSnapshot := make(map[string]int64, len(counters))
		for key, counter := range counters {
			siteSnapshot[key] = counter.Load()
		}
		snapshot[site] = siteSnapshot
	}
	return snapshot
}

// Sites returns the site keys currently holding counters, in no particular
// order.
func (r *Registry) Sites() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sites := make([]string, 0, len(r.sites))
	for site := range r.sites {
		sites = append(sites, site)
	}
	return sites
}

// ClearSite removes all counters of the given site. Listeners implementing
// ClearListener are notified after the removal.
func (r *Registry) ClearSite(site string) {
	r.mu.Lock()
	delete(r.sites, site)
	r.mu.Unlock()

	for _, l := range r.snapshotListeners() {
		if cl, ok := l.(ClearListener); ok {
			cl.SiteCleared(site)
		}
	}
}

// ClearAll removes the counters of all sites. Listeners implementing
// ClearListener are notified after the removal.
func (r *Registry) ClearAll() {
	r.mu.Lock()
	r.sites = make(map[string]map[string]*atomic.Int64)
	r.mu.Unlock()

	for _, l := range r.snapshotListeners() {
		if cl, ok := l.(ClearListener); ok {
			cl.AllCleared()
		}
	}
}

// AddListener registers a listener for counter changes. Registering the same
// listener twice delivers every change twice. A nil listener is ignored.
func (r *Registry) AddListener(l Listener) {
	if l == nil {
		return
	}
	r.listenerMu.Lock()
	r.listeners = append(r.listeners, l)
	r.listenerMu.Unlock()
}

// RemoveListener removes the first registered occurrence of the listener.
// Removing an unknown listener is a no-op.
func (r *Registry) RemoveListener(l Listener) {
	r.listenerMu.Lock()
	defer r.listenerMu.Unlock()

	for i, registered := range r.listeners {
		if registered == l {
			r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
			return
		}
	}
}

// counter returns the counter for (site, key), creating it if needed.
func (r *Registry) counter(site, key string) *atomic.Int64 {
	r.mu.RLock()
	if counters, ok := r.sites[site]; ok {
		if counter, ok := counters[key]; ok {
			r.mu.RUnlock()
			return counter
		}
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	counters, ok := r.sites[site]
	if !ok {
		counters = make(map[string]*atomic.Int64)
		r.sites[site] = counters
	}
	counter, ok := counters[key]
	if !ok {
		counter = atomic.NewInt64(0)
		counters[key] = counter
	}
	return counter
}

// snapshotListeners copies the listener slice so notifications run without
// holding the listener lock.
func (r *Registry) snapshotListeners() []Listener {
	r.listenerMu.RLock()
	defer r.listenerMu.RUnlock()

	if len(r.listeners) == 0 {
		return nil
	}
	return append([]Listener(nil), r.listeners...)
}
