package stores

import (
	"context"
	"errors"
)

// Attributes is the key-value view of one entity: declared configuration
// read from the node file, and sensors persisted in the store.
type Attributes struct {
	store    Store
	entityID string
	declared map[string]string
}

// NewAttributes binds the declared configuration of entityID to store.
// Blank declared values are treated as absent.
func NewAttributes(store Store, entityID string, declared map[string]string) *Attributes {
	cfg := make(map[string]string, len(declared))
	for k, v := range declared {
		if v != "" {
			cfg[k] = v
		}
	}
	return &Attributes{store: store, entityID: entityID, declared: cfg}
}

// EntityID returns the entity these attributes belong to.
func (a *Attributes) EntityID() string {
	return a.entityID
}

// Config returns a declared configuration value.
func (a *Attributes) Config(key string) (string, bool) {
	v, ok := a.declared[key]
	return v, ok
}

// Sensor returns a persisted value, reporting false when none exists.
func (a *Attributes) Sensor(ctx context.Context, key string) (string, bool, error) {
	s, err := a.store.GetSensor(ctx, a.entityID, key)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return s.Value, true, nil
}

// SetSensor persists a value.
func (a *Attributes) SetSensor(ctx context.Context, key, value string) error {
	return a.store.SetSensor(ctx, a.entityID, key, value)
}

// GetOrSetSensor returns the persisted value for key, storing def on first use.
func (a *Attributes) GetOrSetSensor(ctx context.Context, key, def string) (string, error) {
	return a.store.GetOrSetSensor(ctx, a.entityID, key, def)
}
