package udjat

import (
	"net/http"
	"testing"
	"time"

	"github.com/jkbrsn/udjat/pkg/stats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUdjat(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		manager, err := New()
		require.NoError(t, err)
		defer func() {
			err := manager.Close()
			assert.NoError(t, err, "error closing manager")
		}()

		assert.NotNil(t, manager.Registry())
		assert.Equal(t, []string{"stats"}, manager.Observers())
		assert.Zero(t, manager.Dropped())
	})

	t.Run("invalid worker count", func(t *testing.T) {
		_, err := New(WithWorkerCount(-1))
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("invalid queue size", func(t *testing.T) {
		_, err := New(WithQueueSize(-1))
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("invalid body limit", func(t *testing.T) {
		_, err := New(WithBodyLimit(-1))
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("construction observer colliding with stats fails", func(t *testing.T) {
		_, err := New(WithObserver(newStubObserver("stats")))
		assert.Error(t, err)
	})

	t.Run("custom registry is used", func(t *testing.T) {
		custom := stats.NewRegistry()
		manager, err := New(WithRegistry(custom))
		require.NoError(t, err)
		defer func() {
			err := manager.Close()
			assert.NoError(t, err, "error closing manager")
		}()

		assert.Same(t, custom, manager.Registry())
	})
}

func TestUdjatObserverRegistration(t *testing.T) {
	testCases := []struct {
		name string
		test func(t *testing.T, u *Udjat)
	}{
		{
			name: "add and list",
			test: func(t *testing.T, u *Udjat) {
				err := u.AddObserver(newStubObserver("first"))
				assert.NoError(t, err)
				err = u.AddObserver(newStubObserver("second"))
				assert.NoError(t, err)

				assert.Equal(t, []string{"stats", "first", "second"}, u.Observers())
			},
		},
		{
			name: "duplicate name is rejected",
			test: func(t *testing.T, u *Udjat) {
				err := u.AddObserver(newStubObserver("dup"))
				require.NoError(t, err)

				err = u.AddObserver(newStubObserver("dup"))
				assert.Error(t, err)
				assert.Equal(t, []string{"stats", "dup"}, u.Observers())
			},
		},
		{
			name: "nil observer is rejected",
			test: func(t *testing.T, u *Udjat) {
				err := u.AddObserver(nil)
				assert.Error(t, err)
			},
		},
		{
			name: "empty name is rejected",
			test: func(t *testing.T, u *Udjat) {
				err := u.AddObserver(newStubObserver(""))
				assert.Error(t, err)
			},
		},
		{
			name: "remove stops future dispatch",
			test: func(t *testing.T, u *Udjat) {
				observer := newStubObserver("removable")
				require.NoError(t, u.AddObserver(observer))
				require.NoError(t, u.RemoveObserver("removable"))

				err := u.Feed(&Exchange{
					ID:      "x",
					Request: &Request{Method: http.MethodGet, URL: mustParseURL(t, "http://example.com/")},
				})
				require.NoError(t, err)
				waitForCounter(t, u.Registry(), "http://example.com", "stats.code.0", 1)

				select {
				case <-observer.exchanges:
					t.Fatal("removed observer must not receive exchanges")
				default:
				}
			},
		},
		{
			name: "remove unknown observer fails",
			test: func(t *testing.T, u *Udjat) {
				err := u.RemoveObserver("missing")
				assert.Error(t, err)
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			manager, err := New()
			require.NoError(t, err)
			defer func() {
				err := manager.Close()
				assert.NoError(t, err, "error closing manager")
			}()
			tc.test(t, manager)
		})
	}
}

func TestUdjatDispatch(t *testing.T) {
	observer := newStubObserver("sink")
	manager, err := New(WithObserver(observer))
	require.NoError(t, err)
	defer func() {
		err := manager.Close()
		assert.NoError(t, err, "error closing manager")
	}()

	fed := &Exchange{
		ID:       "exchange-1",
		Request:  &Request{Method: http.MethodGet, URL: mustParseURL(t, "http://example.com/")},
		Response: &Response{StatusCode: http.StatusOK},
		Elapsed:  42 * time.Millisecond,
	}
	require.NoError(t, manager.Feed(fed))

	observed := waitForExchange(t, observer)
	assert.Same(t, fed, observed, "observers must see the fed exchange")

	waitForCounter(t, manager.Registry(), "http://example.com", "stats.code.200", 1)
	waitForCounter(t, manager.Registry(), "http://example.com", "stats.responseTime.42", 1)
}

func TestUdjatFeedErrors(t *testing.T) {
	manager, err := New()
	require.NoError(t, err)

	assert.ErrorIs(t, manager.Feed(nil), ErrNilExchange)

	require.NoError(t, manager.Close())
	assert.ErrorIs(t, manager.Feed(&Exchange{ID: "late"}), ErrClosed)
}

func TestUdjatQueueFullDrops(t *testing.T) {
	gate := make(chan struct{})
	blocking := newStubObserver("blocking")
	blocking.gate = gate

	manager, err := New(WithWorkerCount(1), WithQueueSize(1), WithObserver(blocking))
	require.NoError(t, err)
	defer func() {
		err := manager.Close()
		assert.NoError(t, err, "error closing manager")
	}()

	exchange := func(id string) *Exchange {
		return &Exchange{
			ID:      id,
			Request: &Request{Method: http.MethodGet, URL: mustParseURL(t, "http://example.com/")},
		}
	}

	// First exchange reaches the worker, which blocks on the gate
	require.NoError(t, manager.Feed(exchange("first")))
	time.Sleep(10 * time.Millisecond)

	// Second sits in the queue, third has nowhere to go
	require.NoError(t, manager.Feed(exchange("second")))
	err = manager.Feed(exchange("third"))
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, uint64(1), manager.Dropped())

	close(gate)

	first := waitForExchange(t, blocking)
	second := waitForExchange(t, blocking)
	assert.Equal(t, "first", first.ID)
	assert.Equal(t, "second", second.ID)
}

func TestUdjatObserverPanicIsRecovered(t *testing.T) {
	panicking := newStubObserver("panicking")
	panicking.panicMsg = "observer exploded"
	sink := newStubObserver("sink")

	manager, err := New(WithObserver(panicking), WithObserver(sink))
	require.NoError(t, err)
	defer func() {
		err := manager.Close()
		assert.NoError(t, err, "error closing manager")
	}()

	feed := func() {
		err := manager.Feed(&Exchange{
			ID:      "x",
			Request: &Request{Method: http.MethodGet, URL: mustParseURL(t, "http://example.com/")},
		})
		require.NoError(t, err)
	}

	feed()
	observed := waitForExchange(t, sink)
	assert.NotNil(t, observed, "observers after the panicking one must still run")
	waitForCounter(t, manager.Registry(), "http://example.com", "stats.code.0", 1)

	// The manager must survive and keep dispatching
	feed()
	waitForExchange(t, sink)
	waitForCounter(t, manager.Registry(), "http://example.com", "stats.code.0", 2)
}

func TestUdjatCloseDrainsQueue(t *testing.T) {
	sink := newStubObserver("sink")
	manager, err := New(WithWorkerCount(1), WithObserver(sink))
	require.NoError(t, err)

	const count = 10
	for i := range count {
		err := manager.Feed(&Exchange{
			ID:      string(rune('a' + i)),
			Request: &Request{Method: http.MethodGet, URL: mustParseURL(t, "http://example.com/")},
		})
		require.NoError(t, err)
	}

	require.NoError(t, manager.Close())

	// Everything queued before Close must have been dispatched
	assert.Len(t, sink.exchanges, count)
	value, ok := manager.Registry().CounterValue("http://example.com", "stats.code.0")
	require.True(t, ok)
	assert.Equal(t, int64(count), value)
}

func TestUdjatCloseClosesObservers(t *testing.T) {
	sink := newStubObserver("sink")
	manager, err := New(WithObserver(sink))
	require.NoError(t, err)

	require.NoError(t, manager.Close())
	assert.True(t, sink.closed.Load(), "closer observers must be closed on shutdown")

	// Close is idempotent
	assert.NoError(t, manager.Close())
}
