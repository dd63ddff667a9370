// Package thresholds provides O(1) cached access to trading thresholds with
// file-backed overrides, TTL refresh and a full mutation history.
package thresholds

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Well-known threshold names with cross-field sanity bounds.
const (
	NameBuy      = "buy"
	NameSell     = "sell"
	NameBuyExit  = "buy_exit"
	NameSellExit = "sell_exit"
)

// Source records where a cached value came from.
type Source string

const (
	SourceDefault  Source = "default"
	SourceOverride Source = "override"
)

// Entry is one cached threshold value.
type Entry struct {
	Value     float64
	Source    Source
	Timestamp time.Time
	TTL       time.Duration
}

// HistoryRecord is one audit entry for a threshold mutation.
type HistoryRecord struct {
	Name   string
	Action string // "set" or "revert"
	Before *float64
	After  float64
	At     time.Time
}

// Options configures the cache.
type Options struct {
	Defaults     map[string]float64
	OverridePath string // JSON file, authoritative when present and sane
	TTL          time.Duration
	MinGap       float64 // sell must sit at least this far below buy
	ExitDelta    float64 // exit thresholds must clear entry thresholds by this
	Logger       *logrus.Logger
	Now          func() time.Time // test hook
}

// Cache is the threshold cache. A single mutex guards all mutation.
type Cache struct {
	mu        sync.Mutex
	entries   map[string]Entry
	overrides map[string]float64
	history   []HistoryRecord
	opts      Options
}

// New creates a cache seeded from defaults, then overlays the override file
// when it exists and passes validation.
func New(opts Options) (*Cache, error) {
	if len(opts.Defaults) == 0 {
		return nil, fmt.Errorf("thresholds: no defaults configured")
	}
	if opts.TTL <= 0 {
		opts.TTL = time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}

	c := &Cache{
		entries:   make(map[string]Entry, len(opts.Defaults)),
		overrides: make(map[string]float64),
		opts:      opts,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.loadOverridesLocked()
	for name := range opts.Defaults {
		c.refreshLocked(name)
	}
	return c, nil
}

// Get returns the cached value for name, refreshing when the entry's TTL has
// expired. Unknown names return an error.
func (c *Cache) Get(name string) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[name]
	if !ok {
		if _, known := c.opts.Defaults[name]; !known {
			return 0, fmt.Errorf("thresholds: unknown threshold %q", name)
		}
		entry = c.refreshLocked(name)
	}

	if c.opts.Now().Sub(entry.Timestamp) >= entry.TTL {
		c.loadOverridesLocked()
		entry = c.refreshLocked(name)
	}
	return entry.Value, nil
}

// Snapshot returns a copy of every cached entry.
func (c *Cache) Snapshot() map[string]Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]Entry, len(c.entries))
	for name, e := range c.entries {
		out[name] = e
	}
	return out
}

// SetOverride sets an override value, records before/after history and
// optionally persists the full override set to the override file.
func (c *Cache) SetOverride(name string, value float64, persist bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, known := c.opts.Defaults[name]; !known {
		return fmt.Errorf("thresholds: unknown threshold %q", name)
	}

	candidate := c.effectiveLocked()
	candidate[name] = value
	if err := Validate(candidate, c.opts.MinGap, c.opts.ExitDelta); err != nil {
		return fmt.Errorf("thresholds: override rejected: %w", err)
	}

	var before *float64
	if entry, ok := c.entries[name]; ok {
		v := entry.Value
		before = &v
	}

	c.overrides[name] = value
	c.entries[name] = Entry{Value: value, Source: SourceOverride, Timestamp: c.opts.Now(), TTL: c.opts.TTL}
	c.history = append(c.history, HistoryRecord{Name: name, Action: "set", Before: before, After: value, At: c.opts.Now()})

	if persist {
		if err := c.persistLocked(); err != nil {
			return err
		}
	}
	return nil
}

// RemoveOverride reverts a threshold to its default and records a revert
// history entry.
func (c *Cache) RemoveOverride(name string, persist bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.overrides[name]; !ok {
		return fmt.Errorf("thresholds: no override for %q", name)
	}

	before := c.overrides[name]
	delete(c.overrides, name)
	entry := c.refreshLocked(name)
	c.history = append(c.history, HistoryRecord{Name: name, Action: "revert", Before: &before, After: entry.Value, At: c.opts.Now()})

	if persist {
		if err := c.persistLocked(); err != nil {
			return err
		}
	}
	return nil
}

// History returns a copy of the mutation history.
func (c *Cache) History() []HistoryRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]HistoryRecord(nil), c.history...)
}

// refreshLocked rebuilds one entry from overrides or defaults.
func (c *Cache) refreshLocked(name string) Entry {
	value, source := c.opts.Defaults[name], SourceDefault
	if v, ok := c.overrides[name]; ok {
		value, source = v, SourceOverride
	}
	entry := Entry{Value: value, Source: source, Timestamp: c.opts.Now(), TTL: c.opts.TTL}
	c.entries[name] = entry
	return entry
}

// effectiveLocked returns the current effective value set.
func (c *Cache) effectiveLocked() map[string]float64 {
	out := make(map[string]float64, len(c.opts.Defaults))
	for name, v := range c.opts.Defaults {
		out[name] = v
	}
	for name, v := range c.overrides {
		out[name] = v
	}
	return out
}

// loadOverridesLocked reads the override file. A missing file is fine; a file
// failing the sanity bounds is ignored with a warning.
func (c *Cache) loadOverridesLocked() {
	if c.opts.OverridePath == "" {
		return
	}

	data, err := os.ReadFile(c.opts.OverridePath)
	if err != nil {
		if !os.IsNotExist(err) {
			c.opts.Logger.WithError(err).Warn("thresholds: cannot read override file")
		}
		return
	}

	var fromFile map[string]float64
	if err := json.Unmarshal(data, &fromFile); err != nil {
		c.opts.Logger.WithError(err).Warn("thresholds: override file is not valid JSON, ignoring")
		return
	}

	candidate := make(map[string]float64, len(c.opts.Defaults))
	for name, v := range c.opts.Defaults {
		candidate[name] = v
	}
	for name, v := range fromFile {
		candidate[name] = v
	}
	if err := Validate(candidate, c.opts.MinGap, c.opts.ExitDelta); err != nil {
		c.opts.Logger.WithError(err).Warn("thresholds: override file fails sanity bounds, ignoring")
		return
	}

	c.overrides = fromFile
}

// persistLocked writes the current override set as JSON.
func (c *Cache) persistLocked() error {
	data, err := json.MarshalIndent(c.overrides, "", "  ")
	if err != nil {
		return fmt.Errorf("thresholds: marshal overrides: %w", err)
	}
	if err := os.WriteFile(c.opts.OverridePath, data, 0o644); err != nil {
		return fmt.Errorf("thresholds: write override file: %w", err)
	}
	return nil
}

// Validate enforces the cross-field sanity bounds on an effective value set:
// sell ≤ buy − minGap, buy_exit < buy − delta, sell_exit > sell + delta.
// Names absent from the set are not checked.
func Validate(values map[string]float64, minGap, delta float64) error {
	buy, hasBuy := values[NameBuy]
	sell, hasSell := values[NameSell]

	if hasBuy && hasSell && sell > buy-minGap {
		return fmt.Errorf("sell %.6f must be <= buy %.6f - min gap %.6f", sell, buy, minGap)
	}
	if buyExit, ok := values[NameBuyExit]; ok && hasBuy && buyExit >= buy-delta {
		return fmt.Errorf("buy_exit %.6f must be < buy %.6f - delta %.6f", buyExit, buy, delta)
	}
	if sellExit, ok := values[NameSellExit]; ok && hasSell && sellExit <= sell+delta {
		return fmt.Errorf("sell_exit %.6f must be > sell %.6f + delta %.6f", sellExit, sell, delta)
	}
	return nil
}
