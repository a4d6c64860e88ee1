package offline

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// ============================================================================
// Test Helpers
// ============================================================================

type dispatcherFixture struct {
	d       *Dispatcher
	store   *Store
	net     *recordingNetwork
	conn    *ManualConnectivity
	clock   *fakeClock
	metrics *Metrics
}

func newDispatcherFixture(t *testing.T, online bool) *dispatcherFixture {
	t.Helper()
	f := &dispatcherFixture{
		store:   openStore(t, NewMemoryDriver()),
		net:     &recordingNetwork{},
		conn:    NewManualConnectivity(online),
		clock:   newFakeClock(),
		metrics: NewMetrics(prometheus.NewRegistry()),
	}
	f.d = New(f.store, f.net, f.conn,
		WithLogger(zaptest.NewLogger(t)),
		WithClock(f.clock.Now),
		WithMetrics(f.metrics))
	return f
}

// eventLog collects dispatcher events.
type eventLog struct {
	mu     sync.Mutex
	events []Event
	last   map[Event]any
}

func (l *eventLog) attach(d *Dispatcher, events ...Event) {
	l.last = make(map[Event]any)
	for _, e := range events {
		d.On(e, func(event Event, payload any) {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.events = append(l.events, event)
			l.last[event] = payload
		})
	}
}

func (l *eventLog) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func (l *eventLog) Last(e Event) any {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last[e]
}

var listingReq = &Request{URL: "/api/listings/7", Method: http.MethodGet}

// ============================================================================
// SafeFetch
// ============================================================================

func TestSafeFetchOnlineReadIsCached(t *testing.T) {
	ctx := context.Background()
	f := newDispatcherFixture(t, true)
	f.net.respond = func(*Request) (*Response, error) {
		return &Response{StatusCode: http.StatusOK, Body: []byte(`{"id":7}`)}, nil
	}

	res, err := f.d.SafeFetch(ctx, listingReq, WithCacheKey("listing:7"), WithTTL(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDelivered, res.Outcome)
	assert.JSONEq(t, `{"id":7}`, string(res.Response.Body))

	data, ok := f.d.Cache().GetCachedData(ctx, "listing:7")
	require.True(t, ok)
	assert.JSONEq(t, `{"id":7}`, string(data))
}

func TestSafeFetchDoesNotCacheErrors(t *testing.T) {
	ctx := context.Background()
	f := newDispatcherFixture(t, true)
	f.net.respond = status(http.StatusNotFound)

	res, err := f.d.SafeFetch(ctx, listingReq, WithCacheKey("listing:7"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDelivered, res.Outcome)
	assert.Equal(t, http.StatusNotFound, res.Response.StatusCode)

	_, ok := f.d.Cache().GetCachedData(ctx, "listing:7")
	assert.False(t, ok)
}

func TestSafeFetchHeadDoesNotOverwriteCache(t *testing.T) {
	ctx := context.Background()
	f := newDispatcherFixture(t, true)
	f.net.respond = func(req *Request) (*Response, error) {
		if req.method() == http.MethodHead {
			return &Response{StatusCode: http.StatusOK}, nil
		}
		return &Response{StatusCode: http.StatusOK, Body: []byte(`{"id":7}`)}, nil
	}

	_, err := f.d.SafeFetch(ctx, listingReq, WithCacheKey("listing:7"))
	require.NoError(t, err)
	res, err := f.d.SafeFetch(ctx, &Request{URL: listingReq.URL, Method: http.MethodHead}, WithCacheKey("listing:7"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDelivered, res.Outcome)

	f.conn.SetOnline(false)
	res, err = f.d.SafeFetch(ctx, listingReq, WithCacheKey("listing:7"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCached, res.Outcome)
	assert.JSONEq(t, `{"id":7}`, string(res.Response.Body))
}

func TestSafeFetchWithoutKeyDoesNotCache(t *testing.T) {
	ctx := context.Background()
	f := newDispatcherFixture(t, true)

	_, err := f.d.SafeFetch(ctx, listingReq)
	require.NoError(t, err)

	entries, err := f.d.Cache().Entries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSafeFetchReadFallsBackToCache(t *testing.T) {
	ctx := context.Background()
	f := newDispatcherFixture(t, false)
	require.NoError(t, f.d.Cache().CacheData(ctx, "listing:7", []byte(`{"id":7}`), time.Hour))
	cachedAt := f.clock.Now().UnixMilli()
	f.clock.Advance(time.Minute)

	res, err := f.d.SafeFetch(ctx, listingReq, WithCacheKey("listing:7"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCached, res.Outcome)
	assert.Equal(t, http.StatusOK, res.Response.StatusCode)
	assert.JSONEq(t, `{"id":7}`, string(res.Response.Body))
	assert.Equal(t, cachedAt, res.CachedAt)

	// offline means no network attempt at all
	assert.Empty(t, f.net.Calls())
}

func TestSafeFetchNetworkErrorFallsBackToCache(t *testing.T) {
	ctx := context.Background()
	f := newDispatcherFixture(t, true)
	require.NoError(t, f.d.Cache().CacheData(ctx, "listing:7", []byte(`{"id":7}`), time.Hour))
	f.net.respond = unreachable

	res, err := f.d.SafeFetch(ctx, listingReq, WithCacheKey("listing:7"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCached, res.Outcome)
	assert.Len(t, f.net.Calls(), 1)
}

func TestSafeFetchExpiredCacheIsNotServed(t *testing.T) {
	ctx := context.Background()
	f := newDispatcherFixture(t, false)
	require.NoError(t, f.d.Cache().CacheData(ctx, "listing:7", []byte(`{"id":7}`), time.Second))
	f.clock.Advance(2 * time.Second)

	res, err := f.d.SafeFetch(ctx, listingReq, WithCacheKey("listing:7"))
	assert.ErrorIs(t, err, ErrNetworkUnavailable)
	assert.Equal(t, OutcomeFailed, res.Outcome)
}

func TestSafeFetchWriteIsQueued(t *testing.T) {
	ctx := context.Background()
	f := newDispatcherFixture(t, false)
	var log eventLog
	log.attach(f.d, EventQueued)

	req := &Request{URL: "/api/bookings", Method: http.MethodPost, Body: []byte(`{"id":1}`)}
	res, err := f.d.SafeFetch(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, res.Outcome)
	require.NotEmpty(t, res.ActionID)
	assert.Equal(t, http.StatusAccepted, res.Response.StatusCode)

	var body struct {
		Queued   bool   `json:"queued"`
		ActionID string `json:"actionId"`
	}
	require.NoError(t, json.Unmarshal(res.Response.Body, &body))
	assert.True(t, body.Queued)
	assert.Equal(t, res.ActionID, body.ActionID)

	pending, err := f.d.Queue().Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, res.ActionID, pending[0].ID)
	assert.Zero(t, pending[0].RetryCount)
	assert.Empty(t, f.net.Calls())

	require.Equal(t, []Event{EventQueued}, log.Events())
	assert.Equal(t, QueuedNotice{ActionID: res.ActionID, Method: http.MethodPost, URL: "/api/bookings"}, log.Last(EventQueued))
}

func TestSafeFetchWriteQueuedOnNetworkError(t *testing.T) {
	ctx := context.Background()
	f := newDispatcherFixture(t, true)
	f.net.respond = unreachable

	res, err := f.d.SafeFetch(ctx, &Request{URL: "/api/favorites/3", Method: http.MethodDelete})
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, res.Outcome)
	assert.Equal(t, 1, f.d.Queue().Len(ctx))
}

func TestSafeFetchWriteRejectedOnlineIsNotQueued(t *testing.T) {
	ctx := context.Background()
	f := newDispatcherFixture(t, true)
	f.net.respond = status(http.StatusUnprocessableEntity)

	res, err := f.d.SafeFetch(ctx, &Request{URL: "/api/bookings", Method: http.MethodPost})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDelivered, res.Outcome)
	assert.Equal(t, http.StatusUnprocessableEntity, res.Response.StatusCode)
	assert.Zero(t, f.d.Queue().Len(ctx))
}

func TestSafeFetchHardFailure(t *testing.T) {
	ctx := context.Background()

	t.Run("offline read without key", func(t *testing.T) {
		f := newDispatcherFixture(t, false)
		res, err := f.d.SafeFetch(ctx, listingReq)
		assert.ErrorIs(t, err, ErrNetworkUnavailable)
		assert.Equal(t, OutcomeFailed, res.Outcome)
		assert.ErrorIs(t, res.Err, ErrNetworkUnavailable)
	})

	t.Run("network error and cache miss", func(t *testing.T) {
		f := newDispatcherFixture(t, true)
		f.net.respond = unreachable
		res, err := f.d.SafeFetch(ctx, listingReq, WithCacheKey("never-written"))
		assert.ErrorIs(t, err, ErrNetworkUnavailable)
		assert.Contains(t, err.Error(), errUnreachable.Error())
		assert.Equal(t, OutcomeFailed, res.Outcome)
	})

	t.Run("enqueue fails", func(t *testing.T) {
		d := New(NewStore(nil), &recordingNetwork{}, NewManualConnectivity(false))
		res, err := d.SafeFetch(ctx, &Request{URL: "/api/bookings", Method: http.MethodPost})
		assert.ErrorIs(t, err, ErrStorageUnavailable)
		assert.Equal(t, OutcomeFailed, res.Outcome)
	})

	t.Run("missing url", func(t *testing.T) {
		f := newDispatcherFixture(t, true)
		_, err := f.d.SafeFetch(ctx, &Request{})
		assert.ErrorIs(t, err, ErrInvalidRequest)
	})
}

func TestSafeFetchDegradedStoreOnline(t *testing.T) {
	ctx := context.Background()
	net := &recordingNetwork{respond: func(*Request) (*Response, error) {
		return &Response{StatusCode: http.StatusOK, Body: []byte(`[]`)}, nil
	}}
	d := New(NewStore(nil), net, NewManualConnectivity(true))

	res, err := d.SafeFetch(ctx, listingReq, WithCacheKey("listing:7"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDelivered, res.Outcome)
	assert.Equal(t, StorageUsage{}, d.Usage(ctx))
}

func TestSafeFetchMetrics(t *testing.T) {
	ctx := context.Background()
	f := newDispatcherFixture(t, false)

	_, _ = f.d.SafeFetch(ctx, listingReq)
	_, _ = f.d.SafeFetch(ctx, &Request{URL: "/api/bookings", Method: http.MethodPost})
	f.conn.SetOnline(true)
	_, _ = f.d.SafeFetch(ctx, listingReq)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Dispatch.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Dispatch.WithLabelValues("queued")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Dispatch.WithLabelValues("delivered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Enqueued))
}

// ============================================================================
// Connectivity transitions
// ============================================================================

func TestDrainNoopWhileOffline(t *testing.T) {
	ctx := context.Background()
	f := newDispatcherFixture(t, false)
	_, err := f.d.SafeFetch(ctx, &Request{URL: "/api/bookings", Method: http.MethodPost})
	require.NoError(t, err)

	assert.Equal(t, DrainResult{}, f.d.Drain(ctx))
	assert.Empty(t, f.net.Calls())
	assert.Equal(t, 1, f.d.Queue().Len(ctx))
}

func TestOnlineTransitionDrainsThenSweeps(t *testing.T) {
	ctx := context.Background()
	f := newDispatcherFixture(t, false)

	var log eventLog
	log.attach(f.d, EventOnline, EventSyncComplete)

	_, err := f.d.SafeFetch(ctx, &Request{URL: "/api/bookings", Method: http.MethodPost, Body: []byte(`{"id":1}`)})
	require.NoError(t, err)
	require.NoError(t, f.d.Cache().CacheData(ctx, "stale", []byte(`1`), time.Second))
	require.NoError(t, f.d.Cache().CacheData(ctx, "fresh", []byte(`1`), time.Hour))
	f.clock.Advance(time.Minute)

	// the sweep must not run before the drain has finished
	var order []string
	var mu sync.Mutex
	f.net.respond = func(*Request) (*Response, error) {
		entries, _ := f.d.Cache().Entries(ctx)
		mu.Lock()
		order = append(order, "drain")
		if len(entries) == 2 {
			order = append(order, "cache untouched")
		}
		mu.Unlock()
		return &Response{StatusCode: http.StatusCreated}, nil
	}

	f.d.Start(ctx)
	defer f.d.Stop()
	f.conn.SetOnline(true)

	require.Eventually(t, func() bool {
		return log.Last(EventSyncComplete) != nil
	}, 2*time.Second, 10*time.Millisecond)

	summary := log.Last(EventSyncComplete).(SyncSummary)
	assert.Equal(t, DrainResult{Attempted: 1, Succeeded: 1}, summary.Drain)
	assert.Equal(t, 1, summary.CacheExpired)
	assert.Equal(t, []Event{EventOnline, EventSyncComplete}, log.Events())

	mu.Lock()
	assert.Equal(t, []string{"drain", "cache untouched"}, order)
	mu.Unlock()

	calls := f.net.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "/api/bookings", calls[0].URL)
	assert.JSONEq(t, `{"id":1}`, string(calls[0].Body))
	assert.Zero(t, f.d.Queue().Len(ctx))
}

func TestOfflineTransitionIsAdvisory(t *testing.T) {
	ctx := context.Background()
	f := newDispatcherFixture(t, true)
	var log eventLog
	log.attach(f.d, EventOffline, EventSyncComplete)

	f.d.Start(ctx)
	defer f.d.Stop()
	f.conn.SetOnline(false)

	assert.Equal(t, []Event{EventOffline}, log.Events())
	assert.Empty(t, f.net.Calls())
}

func TestActionDroppedEvent(t *testing.T) {
	ctx := context.Background()
	f := newDispatcherFixture(t, true)
	var log eventLog
	log.attach(f.d, EventActionDropped)

	f.net.respond = unreachable
	res, err := f.d.SafeFetch(ctx, &Request{URL: "/api/bookings", Method: http.MethodPost})
	require.NoError(t, err)
	require.Equal(t, OutcomeQueued, res.Outcome)

	for i := 0; i < DefaultMaxRetries; i++ {
		f.d.Drain(ctx)
	}

	require.Equal(t, []Event{EventActionDropped}, log.Events())
	dropped := log.Last(EventActionDropped).(*QueuedAction)
	assert.Equal(t, res.ActionID, dropped.ID)
	assert.Equal(t, DefaultMaxRetries, dropped.RetryCount)
}

func TestStopUnsubscribes(t *testing.T) {
	ctx := context.Background()
	f := newDispatcherFixture(t, false)
	var log eventLog
	log.attach(f.d, EventOnline)

	f.d.Start(ctx)
	f.d.Start(ctx)
	f.d.Stop()
	f.d.Stop()

	f.conn.SetOnline(true)
	assert.Empty(t, log.Events())
}

func TestPanickingHandlerIsContained(t *testing.T) {
	ctx := context.Background()
	f := newDispatcherFixture(t, false)
	var log eventLog
	f.d.On(EventQueued, func(Event, any) { panic("toast failed") })
	log.attach(f.d, EventQueued)

	res, err := f.d.SafeFetch(ctx, &Request{URL: "/api/bookings", Method: http.MethodPost})
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, res.Outcome)
	assert.Len(t, log.Events(), 1)
}

// ============================================================================
// Housekeeping
// ============================================================================

func TestForget(t *testing.T) {
	ctx := context.Background()
	f := newDispatcherFixture(t, false)

	_, err := f.d.SafeFetch(ctx, &Request{URL: "/api/bookings", Method: http.MethodPost})
	require.NoError(t, err)
	require.NoError(t, f.d.Cache().CacheData(ctx, "k", []byte(`1`), time.Hour))
	require.NoError(t, f.d.Preferences().Put(ctx, "user-1", []byte(`{"theme":"dark"}`)))

	require.NoError(t, f.d.Forget(ctx))

	assert.Zero(t, f.d.Queue().Len(ctx))
	_, ok := f.d.Cache().GetCachedData(ctx, "k")
	assert.False(t, ok)
	_, err = f.d.Preferences().Get(ctx, "user-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPreferences(t *testing.T) {
	ctx := context.Background()
	f := newDispatcherFixture(t, true)

	require.NoError(t, f.d.Preferences().Put(ctx, "user-1", []byte(`{"currency":"GHS"}`)))
	pref, err := f.d.Preferences().Get(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", pref.UserID)
	assert.JSONEq(t, `{"currency":"GHS"}`, string(pref.Data))
	assert.Equal(t, f.clock.Now().UnixMilli(), pref.UpdatedAt)

	require.NoError(t, f.d.Preferences().Delete(ctx, "user-1"))
	_, err = f.d.Preferences().Get(ctx, "user-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

// A booking made offline reaches the backend exactly once after
// reconnecting.
func TestOfflineBookingEndToEnd(t *testing.T) {
	ctx := context.Background()

	var mu sync.Mutex
	var received []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		received = append(received, r.Method+" "+r.URL.Path+" "+string(body))
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	store := NewStore(NewSQLiteDriverInDir(t.TempDir()))
	t.Cleanup(func() { store.Close() })
	conn := NewManualConnectivity(false)
	d := New(store, NewHTTPNetwork(WithBaseURL(srv.URL)), conn,
		WithLogger(zaptest.NewLogger(t)))
	done := make(chan SyncSummary, 1)
	d.On(EventSyncComplete, func(_ Event, p any) { done <- p.(SyncSummary) })

	res, err := d.SafeFetch(ctx, &Request{URL: "/bookings", Method: http.MethodPost, Body: []byte(`{"id":1}`)})
	require.NoError(t, err)
	require.Equal(t, OutcomeQueued, res.Outcome)

	d.Start(ctx)
	defer d.Stop()
	conn.SetOnline(true)

	select {
	case s := <-done:
		assert.Equal(t, 1, s.Drain.Succeeded)
	case <-time.After(5 * time.Second):
		t.Fatal("sync did not complete")
	}

	mu.Lock()
	assert.Equal(t, []string{`POST /bookings {"id":1}`}, received)
	mu.Unlock()
	assert.Zero(t, d.Queue().Len(ctx))
}
