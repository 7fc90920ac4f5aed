package udjat

import "time"

// Observer is a pluggable consumer of completed HTTP exchanges. Observers
// must tolerate partial exchanges: any part of the exchange beyond the ID may
// be missing, and implementations degrade to observing less rather than
// failing. Implementations must also be safe for concurrent use, dispatch may
// run them from several worker goroutines at once.
//
// Observers that hold resources may additionally implement io.Closer; the
// manager closes such observers when it shuts down.
type Observer interface {
	// Name identifies the observer within a manager. Names must be unique
	// per manager.
	Name() string

	// ObserveResponse is invoked once per completed exchange, together with
	// the elapsed duration of the round trip and the lazily parsed response
	// body. The body may be nil when nothing was captured.
	ObserveResponse(exchange *Exchange, elapsed time.Duration, body *ParsedBody)
}
