// ABOUTME: Write-through session cache keyed by (tenant, conversation id)
// ABOUTME: Per-entry locking serializes transitions on one conversation only

package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/2389/switchboard/internal/store"
)

// entry is one cached session with its history. All reads and transitions
// on the session happen under the entry mutex, so concurrent events on the
// same conversation serialize while other conversations proceed in parallel.
type entry struct {
	mu      sync.Mutex
	loaded  bool
	sess    *store.Session
	history []*store.Message
	evict   *time.Timer
}

// cache maps conversation keys to entries. The outer mutex only guards the
// map itself, never a session.
type cache struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func newCache() *cache {
	return &cache{entries: make(map[string]*entry)}
}

// get returns the entry for key, creating an unloaded placeholder if needed.
func (c *cache) get(key string) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	ent, ok := c.entries[key]
	if !ok {
		ent = &entry{}
		c.entries[key] = ent
	}
	return ent
}

// peek returns the entry for key without creating one.
func (c *cache) peek(key string) (*entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ent, ok := c.entries[key]
	return ent, ok
}

// drop removes the entry for key if it is the given one. Used by eviction
// so a re-created entry under the same key is never clobbered.
func (c *cache) drop(key string, ent *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.entries[key]; ok && cur == ent {
		delete(c.entries, key)
	}
}

// stopTimers stops all pending eviction timers. Called on shutdown.
func (c *cache) stopTimers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ent := range c.entries {
		ent.mu.Lock()
		if ent.evict != nil {
			ent.evict.Stop()
			ent.evict = nil
		}
		ent.mu.Unlock()
	}
}

// lockLoaded locks the entry for the given conversation and ensures its
// state is populated, falling back to the store on a cache miss (process
// restart, or an operator switching to a conversation not yet cached).
// The entry is returned locked; callers must unlock it.
func (e *Engine) lockLoaded(ctx context.Context, tenantID, id string) (*entry, error) {
	key := Key(tenantID, id)
	ent := e.cache.get(key)
	ent.mu.Lock()

	if ent.loaded {
		return ent, nil
	}

	sess, err := e.store.GetSession(ctx, tenantID, id)
	if errors.Is(err, store.ErrNotFound) {
		ent.mu.Unlock()
		e.cache.drop(key, ent)
		return nil, reject(ReasonUnknownSession, "", "lookup")
	}
	if err != nil {
		ent.mu.Unlock()
		e.cache.drop(key, ent)
		return nil, err
	}

	history, err := e.store.GetMessages(ctx, tenantID, id, 0)
	if err != nil {
		e.logger.Error("loading history failed, continuing with empty history",
			"error", err, "session_id", id)
		history = nil
	}

	ent.sess = sess
	ent.history = history
	ent.loaded = true
	return ent, nil
}

// install caches a freshly created session. The entry is returned locked.
func (e *Engine) install(sess *store.Session) *entry {
	ent := e.cache.get(Key(sess.TenantID, sess.ID))
	ent.mu.Lock()
	ent.sess = sess
	ent.history = nil
	ent.loaded = true
	return ent
}

// scheduleEviction arranges for a closed session to leave the cache after
// the eviction delay, so racing late events can still observe it.
// Must be called with the entry locked.
func (e *Engine) scheduleEviction(key string, ent *entry) {
	if ent.evict != nil {
		ent.evict.Stop()
	}
	ent.evict = time.AfterFunc(e.evictionDelay, func() {
		ent.mu.Lock()
		stillClosed := ent.sess != nil && ent.sess.Status == store.StatusClosed
		ent.mu.Unlock()
		if stillClosed {
			e.cache.drop(key, ent)
			e.logger.Debug("evicted closed session from cache", "key", key)
		}
	})
}
