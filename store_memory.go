package offline

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryDriver is a goroutine-safe in-memory Driver. It keeps an insertion
// sequence per record so action order survives updates, matching the
// SQLite driver.
type MemoryDriver struct {
	// Capacity, when set, is reported as the available space minus usage.
	Capacity int64

	mu          sync.RWMutex
	seq         int64
	collections map[Collection]map[string]*memRecord
}

type memRecord struct {
	rec *Record
	seq int64
}

// NewMemoryDriver creates an empty in-memory driver.
func NewMemoryDriver() *MemoryDriver {
	return &MemoryDriver{}
}

func (d *MemoryDriver) Open(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.collections != nil {
		return nil
	}
	d.collections = make(map[Collection]map[string]*memRecord, len(Collections))
	for _, c := range Collections {
		d.collections[c] = make(map[string]*memRecord)
	}
	return nil
}

func (d *MemoryDriver) table(c Collection) (map[string]*memRecord, error) {
	if d.collections == nil {
		return nil, fmt.Errorf("memory driver not open")
	}
	t, ok := d.collections[c]
	if !ok {
		return nil, fmt.Errorf("unknown collection %q", c)
	}
	return t, nil
}

func (d *MemoryDriver) Get(ctx context.Context, c Collection, key string) (*Record, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, err := d.table(c)
	if err != nil {
		return nil, err
	}
	m, ok := t[key]
	if !ok {
		return nil, ErrNotFound
	}
	return m.rec.clone(), nil
}

func (d *MemoryDriver) Put(ctx context.Context, c Collection, rec *Record) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, err := d.table(c)
	if err != nil {
		return err
	}
	if existing, ok := t[rec.Key]; ok {
		existing.rec = rec.clone()
		return nil
	}
	d.seq++
	t[rec.Key] = &memRecord{rec: rec.clone(), seq: d.seq}
	return nil
}

func (d *MemoryDriver) Delete(ctx context.Context, c Collection, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, err := d.table(c)
	if err != nil {
		return err
	}
	delete(t, key)
	return nil
}

func (d *MemoryDriver) GetAll(ctx context.Context, c Collection) ([]*Record, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, err := d.table(c)
	if err != nil {
		return nil, err
	}

	all := make([]*memRecord, 0, len(t))
	for _, m := range t {
		all = append(all, m)
	}
	sort.Slice(all, func(i, j int) bool {
		a, b := all[i], all[j]
		switch c {
		case CollectionActions:
			if a.rec.Timestamp != b.rec.Timestamp {
				return a.rec.Timestamp < b.rec.Timestamp
			}
		case CollectionCache:
			if a.rec.Expires != b.rec.Expires {
				return a.rec.Expires < b.rec.Expires
			}
		case CollectionPreferences:
			return a.rec.Key < b.rec.Key
		}
		return a.seq < b.seq
	})

	out := make([]*Record, len(all))
	for i, m := range all {
		out[i] = m.rec.clone()
	}
	return out, nil
}

func (d *MemoryDriver) Clear(ctx context.Context, c Collection) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.table(c); err != nil {
		return err
	}
	d.collections[c] = make(map[string]*memRecord)
	return nil
}

func (d *MemoryDriver) Usage(ctx context.Context) (StorageUsage, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var used int64
	for _, t := range d.collections {
		for _, m := range t {
			used += m.rec.size()
		}
	}
	usage := StorageUsage{Used: used}
	if d.Capacity > 0 && d.Capacity > used {
		usage.Available = d.Capacity - used
	}
	return usage, nil
}

func (d *MemoryDriver) Close() error { return nil }
