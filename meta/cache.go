// Package meta holds the dataref and command metadata tables fetched from
// the simulator REST API. Identifiers are only unique within one connection
// epoch: an aircraft change or reconnect invalidates them, so callers must
// tolerate missing entries.
package meta

import (
	"fmt"
	"log/slog"
	"sync"
)

// Dataref value types as reported by the simulator.
const (
	TypeInt        = "int"
	TypeFloat      = "float"
	TypeDouble     = "double"
	TypeIntArray   = "int_array"
	TypeFloatArray = "float_array"
	TypeData       = "data"
)

// ValueKind classifies the shape of a dataref value, resolved once from
// metadata rather than inferred per message.
type ValueKind int

const (
	// KindScalar is a single numeric value
	KindScalar ValueKind = iota
	// KindArray is an array of numeric values
	KindArray
	// KindBytes is a base64-encoded byte string
	KindBytes
)

// String returns the string representation of ValueKind
func (k ValueKind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindArray:
		return "array"
	case KindBytes:
		return "bytes"
	default:
		return "unknown"
	}
}

// Meta is the metadata record of one dataref or command. Description is
// only set for commands, ValueType and IsWritable only for datarefs.
type Meta struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	ValueType   string `json:"value_type,omitempty"`
	IsWritable  bool   `json:"is_writable,omitempty"`
	Description string `json:"description,omitempty"`
}

// IsArray reports whether the dataref holds an array of values.
func (m Meta) IsArray() bool {
	return m.ValueType == TypeIntArray || m.ValueType == TypeFloatArray
}

// Kind returns the value shape of the dataref.
func (m Meta) Kind() ValueKind {
	switch {
	case m.IsArray():
		return KindArray
	case m.ValueType == TypeData:
		return KindBytes
	default:
		return KindScalar
	}
}

// MinReloadInterval is the default minimum simulator uptime that must elapse
// between two metadata reloads.
const MinReloadInterval = 10.0 // seconds of simulator time

// Cache is a bidirectional name/identifier table for datarefs or commands.
// The table is replaced atomically on reload and read from both the receive
// loop and application threads.
type Cache struct {
	what   string // "datarefs" or "commands", for logging
	logger *slog.Logger

	mu          sync.RWMutex
	byName      map[string]Meta
	byID        map[int64]Meta
	valid       bool
	lastReload  float64 // simulator uptime at last reload, 0 = never
	minInterval float64
}

// NewCache creates an empty, invalid cache. what names the table for
// diagnostics.
func NewCache(what string, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		what:        what,
		logger:      logger,
		byName:      make(map[string]Meta),
		byID:        make(map[int64]Meta),
		minInterval: MinReloadInterval,
	}
}

// SetMinReloadInterval overrides the reload staleness threshold, in seconds
// of simulator uptime.
func (c *Cache) SetMinReloadInterval(seconds float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.minInterval = seconds
}

// ShouldReload reports whether a reload is due given the current simulator
// uptime. Reloads are skipped while the previous table is younger than the
// minimum interval, measured in simulator time so a paused simulator does
// not age the cache.
func (c *Cache) ShouldReload(simUptime float64, force bool) bool {
	if force {
		return true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.valid || c.lastReload == 0 {
		return true
	}
	elapsed := simUptime - c.lastReload
	if elapsed < c.minInterval {
		c.logger.Info("metadata cache fresh, reload skipped",
			"table", c.what, "age_secs", elapsed)
		return false
	}
	return true
}

// Replace installs a new table wholesale and records the simulator uptime
// of the reload.
func (c *Cache) Replace(entries []Meta, simUptime float64) {
	byName := make(map[string]Meta, len(entries))
	byID := make(map[int64]Meta, len(entries))
	for _, m := range entries {
		byName[m.Name] = m
		byID[m.ID] = m
	}

	c.mu.Lock()
	c.byName = byName
	c.byID = byID
	c.valid = true
	c.lastReload = simUptime
	c.mu.Unlock()

	c.logger.Debug("metadata cache replaced", "table", c.what, "entries", len(entries))
}

// Invalidate marks the cache stale so no identifier from the previous
// connection epoch is ever dereferenced again.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.byName = make(map[string]Meta)
	c.byID = make(map[int64]Meta)
	c.valid = false
	c.lastReload = 0
	c.mu.Unlock()
}

// Valid reports whether the cache currently holds a live table.
func (c *Cache) Valid() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.valid
}

// ByName looks up metadata by path.
func (c *Cache) ByName(name string) (Meta, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.byName[name]
	return m, ok
}

// ByID looks up metadata by identifier.
func (c *Cache) ByID(id int64) (Meta, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.byID[id]
	return m, ok
}

// Count returns the number of entries in the table.
func (c *Cache) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byName)
}

// HasData reports whether the table holds at least one entry.
func (c *Cache) HasData() bool {
	return c.Count() > 0
}

// Equiv renders "id(name)" for diagnostics, or a marker when the identifier
// has no known equivalence (stale identifiers after an aircraft change are
// expected, not an error).
func (c *Cache) Equiv(id int64) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if m, ok := c.byID[id]; ok {
		return fmt.Sprintf("%d(%s)", id, m.Name)
	}
	return fmt.Sprintf("no equivalence for %d", id)
}
