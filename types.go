package offline

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrStorageUnavailable is returned by every store operation when the
	// host has no usable persistence location.
	ErrStorageUnavailable = errors.New("offline: storage unavailable")

	// ErrNotFound is returned by drivers for a missing key.
	ErrNotFound = errors.New("offline: record not found")

	// ErrQuotaExceeded is returned by Store.Put when the write would push
	// local storage past its configured quota.
	ErrQuotaExceeded = errors.New("offline: storage quota exceeded")

	// ErrNetworkUnavailable is the one dispatch failure that reaches callers:
	// a read with no network and nothing cached to fall back to.
	ErrNetworkUnavailable = errors.New("offline: network unavailable")

	// ErrInvalidRequest is returned for requests without a URL.
	ErrInvalidRequest = errors.New("offline: invalid request")
)

// StoreError wraps a driver failure with the operation and collection.
type StoreError struct {
	Op         string
	Collection Collection
	Err        error
}

func (e *StoreError) Error() string {
	if e.Collection == "" {
		return fmt.Sprintf("store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Collection, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// ============================================================================
// Requests and Responses
// ============================================================================

// Request is a generic network call. The layer imposes no protocol beyond
// accepted vs failed.
type Request struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

func (r *Request) method() string {
	if r.Method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(r.Method)
}

// IsMutating reports whether the request changes remote state. Only GET and
// HEAD are treated as plain reads.
func (r *Request) IsMutating() bool {
	switch r.method() {
	case http.MethodGet, http.MethodHead:
		return false
	}
	return true
}

// Response is a network (or synthesized) response.
type Response struct {
	StatusCode int               `json:"status"`
	Header     map[string]string `json:"header,omitempty"`
	Body       []byte            `json:"body,omitempty"`
}

// OK reports a 2xx status, which is what "accepted" means for a replay.
func (r *Response) OK() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// Decode unmarshals the body into v.
func (r *Response) Decode(v any) error {
	if r == nil || len(r.Body) == 0 {
		return fmt.Errorf("empty response body")
	}
	return json.Unmarshal(r.Body, v)
}

// ============================================================================
// Dispatch results
// ============================================================================

// Outcome tags how a SafeFetch call was satisfied.
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeCached    Outcome = "cached"
	OutcomeQueued    Outcome = "queued"
	OutcomeFailed    Outcome = "failed"
)

// Result is the tagged value returned by SafeFetch.
//
//	Delivered: Response is the live response.
//	Cached:    Response carries the cached payload; CachedAt is its write time.
//	Queued:    ActionID names the deferred action. Nothing is confirmed yet.
//	Failed:    Err explains why.
type Result struct {
	Outcome  Outcome
	Response *Response
	ActionID string
	CachedAt int64
	Err      error
}

// ============================================================================
// Persisted records
// ============================================================================

// QueuedAction is one deferred mutating request.
type QueuedAction struct {
	ID         string            `json:"id"`
	URL        string            `json:"url"`
	Method     string            `json:"method"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       []byte            `json:"body,omitempty"`
	Timestamp  int64             `json:"timestamp"`
	RetryCount int               `json:"retryCount"`
	MaxRetries int               `json:"maxRetries"`
	LastError  string            `json:"lastError,omitempty"`
}

func (a *QueuedAction) request() *Request {
	return &Request{URL: a.URL, Method: a.Method, Headers: a.Headers, Body: a.Body}
}

// CacheEntry is one cached response body.
type CacheEntry struct {
	Key       string            `json:"key"`
	Data      []byte            `json:"data"`
	Status    int               `json:"status,omitempty"`
	Header    map[string]string `json:"header,omitempty"`
	Timestamp int64             `json:"timestamp"`
	Expires   int64             `json:"expires"`
}

// Expired reports whether the entry must no longer be served at now (ms).
func (e *CacheEntry) Expired(nowMillis int64) bool {
	return nowMillis > e.Expires
}

// UserPreference is an opaque per-user blob.
type UserPreference struct {
	UserID    string `json:"userId"`
	Data      []byte `json:"data"`
	UpdatedAt int64  `json:"updatedAt"`
}

// StorageUsage is the local storage estimate shown to users.
type StorageUsage struct {
	Used      int64 `json:"used"`
	Available int64 `json:"available"`
}

// DrainResult summarizes one drain pass.
type DrainResult struct {
	Attempted int  `json:"attempted"`
	Succeeded int  `json:"succeeded"`
	Failed    int  `json:"failed"`
	Dropped   int  `json:"dropped"`
	Skipped   bool `json:"skipped,omitempty"`
}

// SyncSummary is emitted after an online transition completes.
type SyncSummary struct {
	Drain        DrainResult `json:"drain"`
	CacheExpired int         `json:"cacheExpired"`
}
