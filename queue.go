package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ActionQueue is a durable FIFO of mutating requests awaiting replay.
//
// Delivery is at-least-once: an action is only deleted after the network
// accepted it, so a crash between acceptance and deletion replays it once
// more on the next drain. Queued actions carry no idempotency key.
type ActionQueue struct {
	store *Store
	opts  options

	draining sync.Mutex
	onDrop   func(*QueuedAction)
}

// EnqueueOption customizes a single queued action.
type EnqueueOption func(*QueuedAction)

// WithActionMaxRetries overrides the replay ceiling for one action.
func WithActionMaxRetries(n int) EnqueueOption {
	return func(a *QueuedAction) {
		if n > 0 {
			a.MaxRetries = n
		}
	}
}

// NewActionQueue creates a queue over store.
func NewActionQueue(store *Store, opts ...Option) *ActionQueue {
	return &ActionQueue{store: store, opts: buildOptions(opts)}
}

// newActionID returns a UUIDv7: a millisecond timestamp followed by random
// bits, so ids sort by creation time and never collide in practice.
func newActionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Enqueue persists req for later replay and returns the new action id. The
// id is returned as soon as the action is stored; nothing waits for the
// network.
func (q *ActionQueue) Enqueue(ctx context.Context, req *Request, opts ...EnqueueOption) (string, error) {
	if req == nil || req.URL == "" {
		return "", ErrInvalidRequest
	}

	var headers map[string]string
	if len(req.Headers) > 0 {
		headers = make(map[string]string, len(req.Headers))
		for k, v := range req.Headers {
			headers[k] = v
		}
	}

	action := &QueuedAction{
		ID:         newActionID(),
		URL:        req.URL,
		Method:     req.method(),
		Headers:    headers,
		Body:       append([]byte(nil), req.Body...),
		Timestamp:  q.opts.now().UnixMilli(),
		RetryCount: 0,
		MaxRetries: q.opts.maxRetries,
	}
	for _, opt := range opts {
		opt(action)
	}

	if err := q.save(ctx, action); err != nil {
		return "", fmt.Errorf("enqueue %s %s: %w", action.Method, action.URL, err)
	}

	q.opts.metrics.enqueued()
	q.opts.metrics.queueDepth(q.Len(ctx))
	q.opts.log.Info("action queued",
		zap.String("action_id", action.ID),
		zap.String("method", action.Method),
		zap.String("url", action.URL))
	return action.ID, nil
}

func (q *ActionQueue) save(ctx context.Context, a *QueuedAction) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return q.store.Put(ctx, CollectionActions, &Record{
		Key:        a.ID,
		Data:       data,
		Timestamp:  a.Timestamp,
		RetryCount: a.RetryCount,
	})
}

// Get returns the queued action with id, or ErrNotFound.
func (q *ActionQueue) Get(ctx context.Context, id string) (*QueuedAction, error) {
	rec, err := q.store.Get(ctx, CollectionActions, id)
	if err != nil {
		return nil, err
	}
	var a QueuedAction
	if err := json.Unmarshal(rec.Data, &a); err != nil {
		return nil, fmt.Errorf("failed to decode action %s: %w", id, err)
	}
	return &a, nil
}

// Pending returns every queued action, oldest first.
func (q *ActionQueue) Pending(ctx context.Context) ([]*QueuedAction, error) {
	recs, err := q.store.GetAll(ctx, CollectionActions)
	if err != nil {
		return nil, err
	}
	out := make([]*QueuedAction, 0, len(recs))
	for _, rec := range recs {
		var a QueuedAction
		if err := json.Unmarshal(rec.Data, &a); err != nil {
			// it can never be replayed; drop it so it stops holding quota
			q.opts.log.Warn("removing unreadable queued action", zap.String("action_id", rec.Key), zap.Error(err))
			if err := q.store.Delete(ctx, CollectionActions, rec.Key); err != nil {
				q.opts.log.Warn("failed to remove unreadable queued action", zap.String("action_id", rec.Key), zap.Error(err))
			}
			continue
		}
		out = append(out, &a)
	}
	return out, nil
}

// Len returns the number of queued actions, or 0 when storage is down.
func (q *ActionQueue) Len(ctx context.Context) int {
	recs, err := q.store.GetAll(ctx, CollectionActions)
	if err != nil {
		return 0
	}
	return len(recs)
}

// Remove deletes a queued action without replaying it.
func (q *ActionQueue) Remove(ctx context.Context, id string) error {
	return q.store.Delete(ctx, CollectionActions, id)
}

// Clear deletes every queued action.
func (q *ActionQueue) Clear(ctx context.Context) error {
	if err := q.store.Clear(ctx, CollectionActions); err != nil {
		return err
	}
	q.opts.metrics.queueDepth(0)
	return nil
}

// Drain replays the actions queued at call time, one at a time and oldest
// first. An accepted (2xx) replay deletes the action; any other outcome
// bumps its retry count and drops it once the ceiling is reached. The whole
// snapshot is processed even if the network goes away part way through;
// only a cancelled ctx stops early, leaving the rest untouched.
//
// Only one drain runs at a time. A call that overlaps a running drain
// returns immediately with Skipped set.
func (q *ActionQueue) Drain(ctx context.Context, network Network) DrainResult {
	if !q.draining.TryLock() {
		return DrainResult{Skipped: true}
	}
	defer q.draining.Unlock()

	var res DrainResult
	actions, err := q.Pending(ctx)
	if err != nil {
		q.opts.log.Debug("drain skipped", zap.Error(err))
		return res
	}

	for _, a := range actions {
		if ctx.Err() != nil {
			break
		}
		res.Attempted++

		resp, err := network.Do(ctx, a.request())
		if err != nil && ctx.Err() != nil {
			res.Attempted--
			break
		}
		if err == nil && resp.OK() {
			res.Succeeded++
			q.opts.metrics.replayed(true)
			if err := q.store.Delete(ctx, CollectionActions, a.ID); err != nil {
				q.opts.log.Error("replayed action could not be removed and will be sent again",
					zap.String("action_id", a.ID), zap.Error(err))
			}
			continue
		}

		res.Failed++
		q.opts.metrics.replayed(false)
		a.RetryCount++
		a.LastError = replayError(resp, err)

		if a.RetryCount >= a.MaxRetries {
			res.Dropped++
			q.opts.metrics.dropped()
			_ = q.store.Delete(ctx, CollectionActions, a.ID)
			q.opts.log.Warn("queued action dropped after max retries",
				zap.String("action_id", a.ID),
				zap.String("url", a.URL),
				zap.Int("retries", a.RetryCount),
				zap.String("last_error", a.LastError))
			if q.onDrop != nil {
				q.onDrop(a)
			}
			continue
		}

		if err := q.save(ctx, a); err != nil {
			q.opts.log.Error("failed to record retry", zap.String("action_id", a.ID), zap.Error(err))
		}
	}

	q.opts.metrics.queueDepth(q.Len(ctx))
	if res.Attempted > 0 {
		q.opts.log.Info("queue drained",
			zap.Int("attempted", res.Attempted),
			zap.Int("succeeded", res.Succeeded),
			zap.Int("failed", res.Failed),
			zap.Int("dropped", res.Dropped))
	}
	return res
}

func replayError(resp *Response, err error) string {
	if err != nil {
		return err.Error()
	}
	if resp == nil {
		return "no response"
	}
	return fmt.Sprintf("status %d", resp.StatusCode)
}
