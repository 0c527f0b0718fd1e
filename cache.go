package chatsync

import (
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/LuminPulse-AI/chatsync/kvstore"
)

const (
	keyUnreadCounts   = "unread_counts"
	keyMessageStatus  = "message_status"
	keyRecentPreviews = "recent_previews"
	keyLastSelected   = "last_selected"
)

// ContinuityCache persists the projection the UI needs before the network
// answers: unread counts, message statuses, conversation previews and the
// last selected counterpart. Values are JSON under keys namespaced by
// principal. Entries that are missing or fail to decode read as empty.
type ContinuityCache struct {
	store   kvstore.Store
	prefix  string
	log     *zap.Logger
	metrics *Metrics
}

// NewContinuityCache scopes store to principalID under namespace.
func NewContinuityCache(store kvstore.Store, namespace, principalID string, log *zap.Logger, m *Metrics) *ContinuityCache {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = NewMetrics(nil)
	}
	if namespace == "" {
		namespace = DefaultCacheNamespace
	}
	return &ContinuityCache{
		store:   store,
		prefix:  namespace + ":" + principalID + ":",
		log:     log,
		metrics: m,
	}
}

// Key returns the fully qualified store key for name.
func (c *ContinuityCache) Key(name string) string { return c.prefix + name }

func (c *ContinuityCache) load(name string, v any) bool {
	key := c.Key(name)
	data, err := c.store.Get(key)
	if errors.Is(err, kvstore.ErrNotFound) {
		return false
	}
	if err != nil {
		c.metrics.CacheErrors.Inc()
		c.log.Warn("cache_read_failed", zap.String("key", key), zap.Error(err))
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		c.metrics.CacheErrors.Inc()
		bad := &MalformedLocalState{Key: key, Err: err}
		c.log.Debug("cache_entry_discarded", zap.Error(bad))
		_ = c.store.Remove(key)
		return false
	}
	return true
}

func (c *ContinuityCache) save(name string, v any) error {
	key := c.Key(name)
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := c.store.Set(key, data); err != nil {
		c.metrics.CacheErrors.Inc()
		c.log.Warn("cache_write_failed", zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}

// UnreadCounts returns the cached unread counters.
func (c *ContinuityCache) UnreadCounts() map[string]int {
	out := map[string]int{}
	if !c.load(keyUnreadCounts, &out) || out == nil {
		return map[string]int{}
	}
	return out
}

func (c *ContinuityCache) SetUnreadCounts(counts map[string]int) error {
	return c.save(keyUnreadCounts, counts)
}

// Statuses returns the cached per-message statuses. Unknown status
// strings are dropped.
func (c *ContinuityCache) Statuses() map[string]Status {
	raw := map[string]Status{}
	if !c.load(keyMessageStatus, &raw) {
		return map[string]Status{}
	}
	out := make(map[string]Status, len(raw))
	for id, s := range raw {
		if s.Valid() {
			out[id] = s
		}
	}
	return out
}

func (c *ContinuityCache) SetStatuses(statuses map[string]Status) error {
	return c.save(keyMessageStatus, statuses)
}

// Previews returns the cached last message per counterpart.
func (c *ContinuityCache) Previews() map[string]Message {
	out := map[string]Message{}
	if !c.load(keyRecentPreviews, &out) || out == nil {
		return map[string]Message{}
	}
	return out
}

func (c *ContinuityCache) SetPreviews(previews map[string]Message) error {
	return c.save(keyRecentPreviews, previews)
}

// LastSelected returns the counterpart that was open last.
func (c *ContinuityCache) LastSelected() string {
	var id string
	c.load(keyLastSelected, &id)
	return id
}

func (c *ContinuityCache) SetLastSelected(counterpartID string) error {
	if counterpartID == "" {
		return c.store.Remove(c.Key(keyLastSelected))
	}
	return c.save(keyLastSelected, counterpartID)
}
