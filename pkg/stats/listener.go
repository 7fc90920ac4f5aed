package stats

// Listener receives counter changes from a Registry. Implementations must be
// non-blocking or very fast; the Registry invokes listeners synchronously on
// the goroutine that changed the counter and does not shield itself against
// slow or panicking listeners.
type Listener interface {
	// CounterInc is called after the counter keyed by (site, key) has been
	// incremented.
	CounterInc(site, key string)

	// CounterDec is called after the counter keyed by (site, key) has been
	// decremented.
	CounterDec(site, key string)
}

// ClearListener is an optional extension of Listener. Listeners that also
// implement it are told when counters are removed wholesale.
type ClearListener interface {
	Listener

	// SiteCleared is called after all counters of a site have been removed.
	SiteCleared(site string)

	// AllCleared is called after the counters of all sites have been removed.
	AllCleared()
}
