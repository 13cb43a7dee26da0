package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Cache stores short-lived lookups such as point configs and actor display
// names. A miss is reported with ok=false and a nil error.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Locker hands out a best-effort exclusive lease on key for ttl.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

type Noop struct{}

func (Noop) Get(_ context.Context, _ string) (string, bool, error) {
	return "", false, nil
}

func (Noop) Set(_ context.Context, _ string, _ string, _ time.Duration) error {
	return nil
}

func (Noop) Delete(_ context.Context, _ string) error {
	return nil
}

func GetJSON(ctx context.Context, c Cache, key string, dest any) (bool, error) {
	raw, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		return false, err
	}
	return true, nil
}

func SetJSON(ctx context.Context, c Cache, key string, value any, ttl time.Duration) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.Set(ctx, key, string(payload), ttl)
}

// LocalLocker is the single-process Locker used when Redis is not configured.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]time.Time)}
}

func (l *LocalLocker) TryLock(_ context.Context, key string, ttl time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if expires, ok := l.held[key]; ok && now.Before(expires) {
		return nil, false, nil
	}
	expires := now.Add(ttl)
	l.held[key] = expires

	release := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.held[key].Equal(expires) {
			delete(l.held, key)
		}
	}
	return release, true, nil
}
