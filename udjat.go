package udjat

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/jkbrsn/udjat/pkg/stats"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrClosed indicates use of a manager after Close.
	ErrClosed = errors.New("manager is closed")
	// ErrNilExchange indicates a nil exchange was fed to the manager.
	ErrNilExchange = errors.New("exchange is nil")
	// ErrQueueFull indicates the exchange queue was full and the exchange
	// was dropped.
	ErrQueueFull = errors.New("exchange queue is full")
)

// Udjat dispatches completed HTTP exchanges to a set of observers. Exchanges
// are queued and dispatched from worker goroutines, so producers never block
// on observers and observer failures never reach the response path. Every
// manager carries a stats.Registry and installs a StatsObserver on it, which
// makes per-site statistics the zero-configuration behavior.
type Udjat struct {
	registry *stats.Registry

	observerMu sync.RWMutex
	observers  []Observer

	exchangeChan chan *Exchange
	group        *errgroup.Group
	bodyLimit    int64

	closeMu   sync.RWMutex
	closeOnce sync.Once
	closed    atomic.Bool
	dropped   atomic.Uint64
}

// New creates a manager and starts its dispatch workers.
func New(opts ...Option) (*Udjat, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.registry == nil {
		cfg.registry = stats.NewRegistry()
	}

	u := &Udjat{
		registry:     cfg.registry,
		exchangeChan: make(chan *Exchange, cfg.queueSize),
		group:        &errgroup.Group{},
		bodyLimit:    cfg.bodyLimit,
	}

	if err := u.AddObserver(NewStatsObserver(cfg.registry)); err != nil {
		return nil, err
	}
	for _, observer := range cfg.observers {
		if err := u.AddObserver(observer); err != nil {
			return nil, err
		}
	}

	for range cfg.workers {
		u.group.Go(func() error {
			for exchange := range u.exchangeChan {
				u.dispatch(exchange)
			}
			return nil
		})
	}

	log.Debug().Int("workers", cfg.workers).Int("queue_size", cfg.queueSize).
		Msg("exchange manager started")

	return u, nil
}

// Registry returns the manager's statistics registry.
func (u *Udjat) Registry() *stats.Registry {
	return u.registry
}

// Feed hands a completed exchange to the manager. The call never blocks:
// when the queue is full the exchange is dropped, the drop is counted, and
// ErrQueueFull is returned.
func (u *Udjat) Feed(exchange *Exchange) error {
	if exchange == nil {
		return ErrNilExchange
	}

	u.closeMu.RLock()
	defer u.closeMu.RUnlock()
	if u.closed.Load() {
		return ErrClosed
	}

	select {
	case u.exchangeChan <- exchange:
		return nil
	default:
		u.dropped.Inc()
		log.Debug().Str("exchange_id", exchange.ID).Msg("exchange queue full, dropping")
		return ErrQueueFull
	}
}

// Dropped returns the number of exchanges discarded because the queue was
// full.
func (u *Udjat) Dropped() uint64 {
	return u.dropped.Load()
}

// AddObserver registers an observer for future exchanges. Observer names
// must be unique within the manager.
func (u *Udjat) AddObserver(observer Observer) error {
	if observer == nil {
		return errors.New("observer is nil")
	}
	name := observer.Name()
	if name == "" {
		return errors.New("observer name is empty")
	}

	u.observerMu.Lock()
	defer u.observerMu.Unlock()
	for _, registered := range u.observers {
		if registered.Name() == name {
			return fmt.Errorf("observer %q is already registered", name)
		}
	}
	u.observers = append(u.observers, observer)
	return nil
}

// RemoveObserver unregisters the named observer. The observer is not closed,
// that stays with the caller when removing one early.
func (u *Udjat) RemoveObserver(name string) error {
	u.observerMu.Lock()
	defer u.observerMu.Unlock()
	for i, registered := range u.observers {
		if registered.Name() == name {
			u.observers = append(u.observers[:i], u.observers[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("observer %q not found", name)
}

// Observers returns the names of the registered observers, in dispatch
// order.
func (u *Udjat) Observers() []string {
	u.observerMu.RLock()
	defer u.observerMu.RUnlock()
	names := make([]string, 0, len(u.observers))
	for _, observer := range u.observers {
		names = append(names, observer.Name())
	}
	return names
}

// Close shuts the manager down: the queue is closed and drained, the workers
// are joined, and observers implementing io.Closer are closed. Close is
// idempotent, and exchanges fed after it get ErrClosed.
func (u *Udjat) Close() error {
	var closeErr error
	u.closeOnce.Do(func() {
		u.closeMu.Lock()
		u.closed.Store(true)
		close(u.exchangeChan)
		u.closeMu.Unlock()

		closeErr = u.group.Wait()

		u.observerMu.RLock()
		observers := append([]Observer(nil), u.observers...)
		u.observerMu.RUnlock()
		for _, observer := range observers {
			if closer, ok := observer.(io.Closer); ok {
				closeErr = errors.Join(closeErr, closer.Close())
			}
		}

		log.Debug().Uint64("dropped", u.dropped.Load()).Msg("exchange manager closed")
	})
	return closeErr
}

// dispatch runs every registered observer against one exchange.
func (u *Udjat) dispatch(exchange *Exchange) {
	u.observerMu.RLock()
	observers := append([]Observer(nil), u.observers...)
	u.observerMu.RUnlock()

	for _, observer := range observers {
		u.observe(observer, exchange)
	}
}

// observe invokes a single observer, recovering panics so that a failing
// observer can never take down dispatch.
func (u *Udjat) observe(observer Observer, exchange *Exchange) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("observer", observer.Name()).
				Str("exchange_id", exchange.ID).Msg("observer panicked")
		}
	}()
	observer.ObserveResponse(exchange, exchange.Elapsed, exchange.Body)
}
