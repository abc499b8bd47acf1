// Package catalog merges the tool lists of every shared session into
// one namespace. Each capability is addressed by a composite key of
// the form "capability@server", so two servers may expose tools with
// the same name without colliding.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/toolmux/internal/config"
	"github.com/nugget/toolmux/internal/mcp"
)

// discoveryConcurrency bounds how many servers are listed at once.
const discoveryConcurrency = 8

// Key returns the composite key for capability on session.
func Key(session, capability string) string {
	return capability + config.KeyDelimiter + session
}

// SplitKey is the inverse of Key. It reports false when key is not a
// well-formed composite key.
func SplitKey(key string) (session, capability string, ok bool) {
	capability, session, found := strings.Cut(key, config.KeyDelimiter)
	if !found || capability == "" || session == "" || strings.Contains(session, config.KeyDelimiter) {
		return "", "", false
	}
	return session, capability, true
}

// Source supplies the sessions to discover from.
type Source interface {
	SharedSessions() []*mcp.Session
}

// Entry is one discovered capability.
type Entry struct {
	Key         string         `json:"key"`
	Session     string         `json:"session"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// Options configures a Catalog.
type Options struct {
	// TTL is how long a refresh stays fresh. Zero means a refreshed
	// catalog never goes stale on its own.
	TTL time.Duration

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// Catalog is the merged capability index. Readers see either the
// previous or the new index, never a partial one.
type Catalog struct {
	src    Source
	ttl    time.Duration
	logger *slog.Logger

	refreshMu sync.Mutex

	mu          sync.RWMutex
	entries     map[string]Entry
	refreshedAt time.Time
}

// New returns an empty catalog over src.
func New(src Source, opts Options) *Catalog {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		src:     src,
		ttl:     opts.TTL,
		logger:  logger.With("component", "catalog"),
		entries: make(map[string]Entry),
	}
}

// Refresh lists the tools of every connected session and replaces the
// index. Sessions that are not connected, or whose listing fails,
// contribute no entries; their errors are joined into the result for
// reporting but do not prevent the update.
func (c *Catalog) Refresh(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	sessions := c.src.SharedSessions()
	found := make([][]mcp.Capability, len(sessions))
	failures := make([]error, len(sessions))

	var g errgroup.Group
	g.SetLimit(discoveryConcurrency)
	for i, s := range sessions {
		if s.State() != mcp.StateConnected {
			c.logger.Debug("skipping discovery for unavailable session",
				"mcp_server", s.Name(), "state", s.State())
			continue
		}
		g.Go(func() error {
			caps, err := s.DiscoverCapabilities(ctx)
			if err != nil {
				c.logger.Warn("capability discovery failed", "mcp_server", s.Name(), "error", err)
				failures[i] = fmt.Errorf("server %q: %w", s.Name(), err)
				return nil
			}
			found[i] = caps
			return nil
		})
	}
	_ = g.Wait()

	entries := make(map[string]Entry)
	for i, s := range sessions {
		for _, capability := range found[i] {
			if capability.Name == "" || strings.Contains(capability.Name, config.KeyDelimiter) {
				c.logger.Warn("skipping capability with unusable name",
					"mcp_server", s.Name(), "capability", capability.Name)
				continue
			}
			key := Key(s.Name(), capability.Name)
			if _, dup := entries[key]; dup {
				c.logger.Warn("server listed capability twice", "key", key)
				continue
			}
			entries[key] = Entry{
				Key:         key,
				Session:     s.Name(),
				Name:        capability.Name,
				Description: capability.Description,
				InputSchema: capability.InputSchema,
			}
		}
	}

	c.mu.Lock()
	c.entries = entries
	c.refreshedAt = time.Now()
	c.mu.Unlock()

	c.logger.Debug("catalog refreshed", "sessions", len(sessions), "capabilities", len(entries))
	return errors.Join(failures...)
}

// Entries returns every capability sorted by key.
func (c *Catalog) Entries() []Entry {
	c.mu.RLock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Lookup returns the entry for key.
func (c *Catalog) Lookup(key string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	return e, ok
}

// Resolve maps a composite key to its session and capability name.
// Keys that are malformed or not in the index yield ErrNotFound.
func (c *Catalog) Resolve(key string) (session, capability string, err error) {
	e, ok := c.Lookup(key)
	if !ok {
		return "", "", fmt.Errorf("%w: capability %q", mcp.ErrNotFound, key)
	}
	return e.Session, e.Name, nil
}

// Stale reports whether the catalog needs a refresh: it has never been
// refreshed, was invalidated, or is older than the TTL.
func (c *Catalog) Stale() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.refreshedAt.IsZero() {
		return true
	}
	return c.ttl > 0 && time.Since(c.refreshedAt) > c.ttl
}

// RefreshedAt returns when the index was last replaced.
func (c *Catalog) RefreshedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refreshedAt
}

// Invalidate marks the catalog stale without discarding its entries.
func (c *Catalog) Invalidate() {
	c.mu.Lock()
	c.refreshedAt = time.Time{}
	c.mu.Unlock()
}
