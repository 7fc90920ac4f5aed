package udjat

import (
	"errors"
	"runtime"

	"github.com/jkbrsn/udjat/pkg/stats"
)

// ErrInvalidConfig indicates the manager was configured with invalid values.
var ErrInvalidConfig = errors.New("invalid configuration")

const (
	defaultQueueSize = 256
	defaultBodyLimit = 1 << 20 // 1 MiB
)

// config collects the adjustable attributes of a manager.
type config struct {
	registry  *stats.Registry
	observers []Observer
	workers   int
	queueSize int
	bodyLimit int64
}

// defaultConfig returns the configuration used when no options are given.
func defaultConfig() config {
	return config{
		workers:   min(runtime.NumCPU(), 4),
		queueSize: defaultQueueSize,
		bodyLimit: defaultBodyLimit,
	}
}

// validate checks the configuration for values no manager can run with.
func (c *config) validate() error {
	if c.workers <= 0 {
		return errors.Join(ErrInvalidConfig, errors.New("worker count must be positive"))
	}
	if c.queueSize <= 0 {
		return errors.Join(ErrInvalidConfig, errors.New("queue size must be positive"))
	}
	if c.bodyLimit < 0 {
		return errors.Join(ErrInvalidConfig, errors.New("body limit must not be negative"))
	}
	return nil
}

// Option is a functional option for the manager.
type Option func(*config)

// WithRegistry makes the manager, and the stats observer it installs, use the
// provided registry instead of creating a fresh one.
func WithRegistry(registry *stats.Registry) Option {
	return func(c *config) {
		c.registry = registry
	}
}

// WithObserver registers an observer at construction time. May be repeated;
// observers are dispatched in registration order, after the built-in stats
// observer.
func WithObserver(observer Observer) Option {
	return func(c *config) {
		c.observers = append(c.observers, observer)
	}
}

// WithWorkerCount sets the number of dispatch workers. The default scales
// with the number of CPUs.
func WithWorkerCount(workers int) Option {
	return func(c *config) {
		c.workers = workers
	}
}

// WithQueueSize sets the capacity of the exchange queue. A full queue drops
// incoming exchanges rather than block their producer.
func WithQueueSize(size int) Option {
	return func(c *config) {
		c.queueSize = size
	}
}

// WithBodyLimit caps how many response body bytes the ingestion adapters
// capture per exchange. Zero disables body capture.
func WithBodyLimit(limit int64) Option {
	return func(c *config) {
		c.bodyLimit = limit
	}
}
