package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Dispatcher is the single call surface for offline-resilient requests. It
// decides per call whether to hit the network, serve from cache or queue the
// request, and replays the queue when connectivity returns.
type Dispatcher struct {
	emitter

	store   *Store
	network Network
	conn    Connectivity
	opts    options

	cache *CacheManager
	queue *ActionQueue
	prefs *Preferences

	mu          sync.Mutex
	unsubscribe func()
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// New creates a dispatcher over an injected store, network and connectivity
// source. A nil conn is treated as always online.
func New(store *Store, network Network, conn Connectivity, opts ...Option) *Dispatcher {
	if conn == nil {
		conn = NewManualConnectivity(true)
	}
	d := &Dispatcher{
		emitter: newEmitter(),
		store:   store,
		network: network,
		conn:    conn,
		opts:    buildOptions(opts),
		cache:   NewCacheManager(store, opts...),
		queue:   NewActionQueue(store, opts...),
		prefs:   NewPreferences(store, opts...),
	}
	d.queue.onDrop = func(a *QueuedAction) { d.emit(EventActionDropped, a) }
	return d
}

// Cache returns the dispatcher's cache manager.
func (d *Dispatcher) Cache() *CacheManager { return d.cache }

// Queue returns the dispatcher's action queue.
func (d *Dispatcher) Queue() *ActionQueue { return d.queue }

// Preferences returns the per-user preference store.
func (d *Dispatcher) Preferences() *Preferences { return d.prefs }

// Online reports the connectivity source's current state.
func (d *Dispatcher) Online() bool { return d.conn.Online() }

// ── Request dispatch ──────────────────────────────────────

// FetchOption customizes a single SafeFetch call.
type FetchOption func(*fetchConfig)

type fetchConfig struct {
	cacheKey string
	ttl      time.Duration
}

// WithCacheKey opts a read into caching under key.
func WithCacheKey(key string) FetchOption {
	return func(c *fetchConfig) { c.cacheKey = key }
}

// WithTTL sets how long a cached read stays valid.
func WithTTL(ttl time.Duration) FetchOption {
	return func(c *fetchConfig) { c.ttl = ttl }
}

// SafeFetch performs req with offline fallback.
//
// Online, the live response is returned whatever its status, and a 2xx read
// with a cache key is cached. When offline or the network call fails, a read
// with a cache key is served from cache, and a mutating request is queued
// and reported as OutcomeQueued. Anything else fails with
// ErrNetworkUnavailable; that failure, and a failed enqueue, are the only
// cases that return a non-nil error.
func (d *Dispatcher) SafeFetch(ctx context.Context, req *Request, opts ...FetchOption) (*Result, error) {
	if req == nil || req.URL == "" {
		return d.failed(ErrInvalidRequest), ErrInvalidRequest
	}
	var cfg fetchConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	// HEAD carries no body worth replaying, so only GET reads are cached.
	cacheable := req.method() == http.MethodGet && cfg.cacheKey != ""

	var netErr error
	if d.conn.Online() {
		resp, err := d.network.Do(ctx, req)
		if err == nil {
			if cacheable && resp.OK() {
				if err := d.cache.CacheResponse(ctx, cfg.cacheKey, resp, cfg.ttl); err != nil {
					d.opts.log.Debug("response not cached", zap.String("key", cfg.cacheKey), zap.Error(err))
				}
			}
			return d.result(&Result{Outcome: OutcomeDelivered, Response: resp}), nil
		}
		netErr = err
		d.opts.log.Debug("network attempt failed, falling back",
			zap.String("method", req.method()),
			zap.String("url", req.URL),
			zap.Error(err))
	}

	if cacheable {
		if entry, ok := d.cache.GetCachedEntry(ctx, cfg.cacheKey); ok {
			status := entry.Status
			if status == 0 {
				status = http.StatusOK
			}
			return d.result(&Result{
				Outcome:  OutcomeCached,
				Response: &Response{StatusCode: status, Header: entry.Header, Body: entry.Data},
				CachedAt: entry.Timestamp,
			}), nil
		}
	}

	if req.IsMutating() {
		id, err := d.queue.Enqueue(ctx, req)
		if err != nil {
			return d.failed(err), err
		}
		d.emit(EventQueued, QueuedNotice{ActionID: id, Method: req.method(), URL: req.URL})
		return d.result(&Result{
			Outcome:  OutcomeQueued,
			Response: queuedResponse(id),
			ActionID: id,
		}), nil
	}

	err := ErrNetworkUnavailable
	if netErr != nil {
		err = fmt.Errorf("%w: %v", ErrNetworkUnavailable, netErr)
	}
	return d.failed(err), err
}

func (d *Dispatcher) result(r *Result) *Result {
	d.opts.metrics.dispatched(r.Outcome)
	return r
}

func (d *Dispatcher) failed(err error) *Result {
	return d.result(&Result{Outcome: OutcomeFailed, Err: err})
}

// queuedResponse is the optimistic response handed back for a deferred
// mutation.
func queuedResponse(id string) *Response {
	body, _ := json.Marshal(map[string]any{"queued": true, "actionId": id})
	return &Response{
		StatusCode: http.StatusAccepted,
		Header:     map[string]string{"Content-Type": "application/json"},
		Body:       body,
	}
}

// ── Sync ──────────────────────────────────────────────────

// Drain replays the action queue. It makes no network calls while the
// connectivity source reports offline.
func (d *Dispatcher) Drain(ctx context.Context) DrainResult {
	if !d.conn.Online() {
		return DrainResult{}
	}
	return d.queue.Drain(ctx, d.network)
}

// Sync handles an online transition: drain the queue, then sweep expired
// cache entries, then emit EventSyncComplete with the counts.
func (d *Dispatcher) Sync(ctx context.Context) SyncSummary {
	var summary SyncSummary
	summary.Drain = d.Drain(ctx)

	expired, err := d.cache.ClearExpiredCache(ctx)
	if err != nil {
		d.opts.log.Debug("cache sweep skipped", zap.Error(err))
	}
	summary.CacheExpired = expired

	d.opts.log.Info("sync complete",
		zap.Int("succeeded", summary.Drain.Succeeded),
		zap.Int("failed", summary.Drain.Failed),
		zap.Int("dropped", summary.Drain.Dropped),
		zap.Int("cache_expired", summary.CacheExpired))
	d.emit(EventSyncComplete, summary)
	return summary
}

// Start subscribes to connectivity changes and launches the periodic cache
// sweep. Every online transition runs Sync in its own goroutine. Start is a
// no-op if the dispatcher is already running.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return
	}
	ctx, d.cancel = context.WithCancel(ctx)

	d.unsubscribe = d.conn.Subscribe(func(online bool) {
		if !online {
			d.opts.log.Info("offline")
			d.emit(EventOffline, nil)
			return
		}
		d.opts.log.Info("online")
		d.emit(EventOnline, nil)
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.Sync(ctx)
		}()
	})

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.cache.RunSweeper(ctx, d.opts.sweepInterval)
	}()
}

// Stop unsubscribes from connectivity and waits for background work.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	cancel, unsubscribe := d.cancel, d.unsubscribe
	d.cancel, d.unsubscribe = nil, nil
	d.mu.Unlock()
	if cancel == nil {
		return
	}
	unsubscribe()
	cancel()
	d.wg.Wait()
}

// ── Housekeeping ──────────────────────────────────────────

// Forget clears every collection ("forget offline data").
func (d *Dispatcher) Forget(ctx context.Context) error {
	if err := d.store.ClearAll(ctx); err != nil {
		return err
	}
	d.opts.metrics.queueDepth(0)
	d.opts.log.Info("offline data cleared")
	return nil
}

// Usage returns the local storage estimate; {0, 0} when unknown.
func (d *Dispatcher) Usage(ctx context.Context) StorageUsage {
	return d.store.Usage(ctx)
}
