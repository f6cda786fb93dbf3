package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
)

const (
	dayKeyPrefix = "day:"
	devicesKey   = "devices"
)

// Cache keeps the last successful reads so the agent can answer while offline. Misses return
// (nil, nil).
type Cache interface {
	GetDay(ctx context.Context, date string) (*ActivityData, error)
	PutDay(ctx context.Context, data ActivityData) error
	GetDevices(ctx context.Context) ([]RemoteDevice, error)
	PutDevices(ctx context.Context, devices []RemoteDevice) error
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu      sync.RWMutex
	days    map[string]ActivityData
	devices []RemoteDevice
}

// NewMemoryCache constructs an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{days: make(map[string]ActivityData)}
}

// GetDay implements Cache.
func (c *MemoryCache) GetDay(_ context.Context, date string) (*ActivityData, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, ok := c.days[date]
	if !ok {
		return nil, nil
	}
	return &data, nil
}

// PutDay implements Cache.
func (c *MemoryCache) PutDay(_ context.Context, data ActivityData) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.days[data.Date] = data
	return nil
}

// GetDevices implements Cache.
func (c *MemoryCache) GetDevices(context.Context) ([]RemoteDevice, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.devices == nil {
		return nil, nil
	}
	return append([]RemoteDevice(nil), c.devices...), nil
}

// PutDevices implements Cache.
func (c *MemoryCache) PutDevices(_ context.Context, devices []RemoteDevice) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.devices = append([]RemoteDevice(nil), devices...)
	return nil
}

// BadgerCache persists the cache in an embedded BadgerDB so it survives restarts of the app.
type BadgerCache struct {
	db *badger.DB
}

// OpenBadgerCache opens (or creates) the cache at path. An empty path keeps it in memory.
func OpenBadgerCache(path string) (*BadgerCache, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger cache: %w", err)
	}
	return &BadgerCache{db: db}, nil
}

// Close releases the database.
func (c *BadgerCache) Close() error {
	return c.db.Close()
}

// GetDay implements Cache.
func (c *BadgerCache) GetDay(_ context.Context, date string) (*ActivityData, error) {
	var data ActivityData
	found, err := c.get(dayKeyPrefix+date, &data)
	if err != nil || !found {
		return nil, err
	}
	return &data, nil
}

// PutDay implements Cache.
func (c *BadgerCache) PutDay(_ context.Context, data ActivityData) error {
	return c.set(dayKeyPrefix+data.Date, data)
}

// GetDevices implements Cache.
func (c *BadgerCache) GetDevices(context.Context) ([]RemoteDevice, error) {
	var devices []RemoteDevice
	if _, err := c.get(devicesKey, &devices); err != nil {
		return nil, err
	}
	return devices, nil
}

// PutDevices implements Cache.
func (c *BadgerCache) PutDevices(_ context.Context, devices []RemoteDevice) error {
	return c.set(devicesKey, devices)
}

func (c *BadgerCache) get(key string, out any) (bool, error) {
	found := false
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("get %s: %w", key, err)
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, out)
		})
	})
	return found, err
}

func (c *BadgerCache) set(key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
}
