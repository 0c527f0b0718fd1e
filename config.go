package chatsync

import "time"

// DefaultCacheNamespace prefixes every continuity cache key.
const DefaultCacheNamespace = "chatsync"

// Config tunes the Engine. Zero values select the defaults.
type Config struct {
	// SendTimeout fails a message whose ack has not arrived in time.
	SendTimeout time.Duration
	Typing      TypingConfig
	// ReconnectTriggerInterval limits how often a send attempted while
	// offline may kick the connection manager.
	ReconnectTriggerInterval time.Duration
	MaxTrackedStatuses       int
	CacheNamespace           string
}

func (c *Config) defaults() {
	if c.SendTimeout == 0 {
		c.SendTimeout = 10 * time.Second
	}
	c.Typing.defaults()
	if c.ReconnectTriggerInterval == 0 {
		c.ReconnectTriggerInterval = 2 * time.Second
	}
	if c.MaxTrackedStatuses == 0 {
		c.MaxTrackedStatuses = DefaultMaxTrackedStatuses
	}
	if c.CacheNamespace == "" {
		c.CacheNamespace = DefaultCacheNamespace
	}
}
