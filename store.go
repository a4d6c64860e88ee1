package offline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Collection names one of the three record collections.
type Collection string

const (
	CollectionActions     Collection = "actions"
	CollectionCache       Collection = "cache"
	CollectionPreferences Collection = "preferences"
)

// Collections lists every collection in the store.
var Collections = []Collection{CollectionActions, CollectionCache, CollectionPreferences}

func (c Collection) valid() bool {
	switch c {
	case CollectionActions, CollectionCache, CollectionPreferences:
		return true
	}
	return false
}

// Record is the storage envelope shared by all collections. Data holds the
// JSON of the typed record; the remaining fields are the collection's
// secondary index values.
//
//	actions:     Timestamp, RetryCount
//	cache:       Timestamp, Expires
//	preferences: none
type Record struct {
	Key        string
	Data       []byte
	Timestamp  int64
	Expires    int64
	RetryCount int
}

func (r *Record) size() int64 {
	return int64(len(r.Key) + len(r.Data))
}

func (r *Record) clone() *Record {
	cp := *r
	cp.Data = append([]byte(nil), r.Data...)
	return &cp
}

// Driver is a storage backend. Drivers return raw errors and ErrNotFound for
// missing keys. GetAll orders actions oldest first (insertion order), cache
// entries by expiry and preferences by key.
type Driver interface {
	Open(ctx context.Context) error
	Get(ctx context.Context, c Collection, key string) (*Record, error)
	Put(ctx context.Context, c Collection, rec *Record) error
	Delete(ctx context.Context, c Collection, key string) error
	GetAll(ctx context.Context, c Collection) ([]*Record, error)
	Clear(ctx context.Context, c Collection) error
	Usage(ctx context.Context) (StorageUsage, error)
	Close() error
}

// ============================================================================
// Store
// ============================================================================

// Store is the guarded facade over a Driver. It opens once, degrades to
// ErrStorageUnavailable when the host cannot persist anything, and logs and
// counts every driver failure before handing it back to the caller.
type Store struct {
	driver  Driver
	log     *zap.Logger
	metrics *Metrics
	quota   int64

	mu       sync.Mutex
	opened   bool
	degraded bool
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStoreLogger sets the store's logger.
func WithStoreLogger(l *zap.Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// WithStoreMetrics attaches metrics collectors.
func WithStoreMetrics(m *Metrics) StoreOption {
	return func(s *Store) { s.metrics = m }
}

// WithQuota caps the bytes the store may hold. Zero disables the cap.
func WithQuota(bytes int64) StoreOption {
	return func(s *Store) { s.quota = bytes }
}

// NewStore wraps driver. A nil driver yields a permanently degraded store.
func NewStore(driver Driver, opts ...StoreOption) *Store {
	s := &Store{
		driver: driver,
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open prepares the driver. It is idempotent: only the first call reaches
// the driver. A host without storage leaves the store degraded and Open
// returns nil; any other failure also degrades the store and is returned so
// the host can report it.
func (s *Store) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opened {
		return nil
	}
	s.opened = true

	if s.driver == nil {
		s.degraded = true
		s.log.Warn("offline storage unavailable, running online-only")
		return nil
	}

	if err := s.driver.Open(ctx); err != nil {
		s.degraded = true
		if errors.Is(err, ErrStorageUnavailable) {
			s.log.Warn("offline storage unavailable, running online-only", zap.Error(err))
			return nil
		}
		s.log.Error("offline storage failed to open", zap.Error(err))
		return &StoreError{Op: "open", Err: err}
	}

	s.log.Debug("offline storage opened")
	return nil
}

// Available reports whether the store is open and backed by a driver.
func (s *Store) Available() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened && !s.degraded
}

// Close releases the driver. Normal operation never closes the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened || s.degraded {
		return nil
	}
	s.degraded = true
	return s.driver.Close()
}

func (s *Store) ready(ctx context.Context, c Collection) error {
	if err := s.Open(ctx); err != nil {
		return ErrStorageUnavailable
	}
	if !s.Available() {
		return ErrStorageUnavailable
	}
	if c != "" && !c.valid() {
		return fmt.Errorf("unknown collection %q", c)
	}
	return nil
}

func (s *Store) fail(op string, c Collection, err error) error {
	if errors.Is(err, ErrStorageUnavailable) {
		s.log.Debug("offline storage skipped", zap.String("op", op), zap.String("collection", string(c)))
	} else {
		s.log.Error("offline storage operation failed",
			zap.String("op", op), zap.String("collection", string(c)), zap.Error(err))
		s.metrics.storeError(op)
	}
	return &StoreError{Op: op, Collection: c, Err: err}
}

// Get returns the record under key, or ErrNotFound.
func (s *Store) Get(ctx context.Context, c Collection, key string) (*Record, error) {
	if err := s.ready(ctx, c); err != nil {
		return nil, s.fail("get", c, err)
	}
	rec, err := s.driver.Get(ctx, c, key)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, s.fail("get", c, err)
	}
	return rec, nil
}

// Put upserts rec into c.
func (s *Store) Put(ctx context.Context, c Collection, rec *Record) error {
	if err := s.ready(ctx, c); err != nil {
		return s.fail("put", c, err)
	}
	if rec == nil || rec.Key == "" {
		return s.fail("put", c, fmt.Errorf("record key is required"))
	}
	if s.quota > 0 {
		usage, err := s.driver.Usage(ctx)
		if err == nil && usage.Used+rec.size() > s.quota {
			return s.fail("put", c, ErrQuotaExceeded)
		}
	}
	if err := s.driver.Put(ctx, c, rec); err != nil {
		return s.fail("put", c, err)
	}
	return nil
}

// Delete removes key from c. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, c Collection, key string) error {
	if err := s.ready(ctx, c); err != nil {
		return s.fail("delete", c, err)
	}
	if err := s.driver.Delete(ctx, c, key); err != nil && !errors.Is(err, ErrNotFound) {
		return s.fail("delete", c, err)
	}
	return nil
}

// GetAll returns every record in c in the collection's index order.
func (s *Store) GetAll(ctx context.Context, c Collection) ([]*Record, error) {
	if err := s.ready(ctx, c); err != nil {
		return nil, s.fail("getAll", c, err)
	}
	recs, err := s.driver.GetAll(ctx, c)
	if err != nil {
		return nil, s.fail("getAll", c, err)
	}
	return recs, nil
}

// Clear removes every record from c.
func (s *Store) Clear(ctx context.Context, c Collection) error {
	if err := s.ready(ctx, c); err != nil {
		return s.fail("clear", c, err)
	}
	if err := s.driver.Clear(ctx, c); err != nil {
		return s.fail("clear", c, err)
	}
	return nil
}

// ClearAll clears every collection, attempting all of them even when one
// fails, and reports the joined failures.
func (s *Store) ClearAll(ctx context.Context) error {
	var errs []error
	for _, c := range Collections {
		if err := s.Clear(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	s.log.Info("offline storage cleared")
	return nil
}

// Usage estimates local storage consumption. Failures degrade to {0, 0}.
func (s *Store) Usage(ctx context.Context) StorageUsage {
	if s.ready(ctx, "") != nil {
		return StorageUsage{}
	}
	usage, err := s.driver.Usage(ctx)
	if err != nil {
		s.log.Warn("offline storage usage estimate failed", zap.Error(err))
		return StorageUsage{}
	}
	if s.quota > 0 {
		usage.Available = s.quota - usage.Used
		if usage.Available < 0 {
			usage.Available = 0
		}
	}
	return usage
}
