package offline

import (
	"context"
	"encoding/json"
	"fmt"
)

// Preferences stores one opaque blob per user. Records have no TTL and
// never touch the action queue; they only share the store's lifecycle.
type Preferences struct {
	store *Store
	opts  options
}

// NewPreferences creates a preference store over store.
func NewPreferences(store *Store, opts ...Option) *Preferences {
	return &Preferences{store: store, opts: buildOptions(opts)}
}

// Get returns the preferences saved for userID, or ErrNotFound.
func (p *Preferences) Get(ctx context.Context, userID string) (*UserPreference, error) {
	rec, err := p.store.Get(ctx, CollectionPreferences, userID)
	if err != nil {
		return nil, err
	}
	var pref UserPreference
	if err := json.Unmarshal(rec.Data, &pref); err != nil {
		return nil, fmt.Errorf("failed to decode preferences for %s: %w", userID, err)
	}
	return &pref, nil
}

// Put replaces the preferences saved for userID.
func (p *Preferences) Put(ctx context.Context, userID string, data []byte) error {
	pref := UserPreference{
		UserID:    userID,
		Data:      data,
		UpdatedAt: p.opts.now().UnixMilli(),
	}
	b, err := json.Marshal(pref)
	if err != nil {
		return err
	}
	return p.store.Put(ctx, CollectionPreferences, &Record{Key: userID, Data: b})
}

// Delete removes the preferences saved for userID.
func (p *Preferences) Delete(ctx context.Context, userID string) error {
	return p.store.Delete(ctx, CollectionPreferences, userID)
}
