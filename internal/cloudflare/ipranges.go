package cloudflare

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// FetchFunc retrieves the current edge CIDR ranges.
type FetchFunc func(ctx context.Context) ([]string, error)

type ipRangeState struct {
	FetchedAt time.Time `json:"fetched_at"`
	Ranges    []string  `json:"ranges"`
}

// IPRangeCache keeps the provider's edge CIDR ranges with a TTL and
// best-effort disk persistence. A failed refresh falls back to the previous
// value, stale or not.
type IPRangeCache struct {
	fetch FetchFunc
	path  string
	ttl   time.Duration
	log   *logrus.Entry
	now   func() time.Time

	mu    sync.Mutex
	state ipRangeState
}

// NewIPRangeCache builds a cache persisting to path. A previously persisted
// state is loaded if present and parseable.
func NewIPRangeCache(fetch FetchFunc, path string, ttl time.Duration, log *logrus.Entry) *IPRangeCache {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	c := &IPRangeCache{
		fetch: fetch,
		path:  path,
		ttl:   ttl,
		log:   log,
		now:   time.Now,
	}
	if raw, err := os.ReadFile(path); err == nil {
		var state ipRangeState
		if err := json.Unmarshal(raw, &state); err == nil {
			c.state = state
		}
	}
	return c
}

// Ranges returns the cached CIDR list, refreshing it when the TTL elapsed.
// It never fails: on fetch error the stale value (possibly empty) is
// returned.
func (c *IPRangeCache) Ranges(ctx context.Context) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.state.Ranges) > 0 && c.now().Sub(c.state.FetchedAt) < c.ttl {
		return c.state.Ranges
	}

	ranges, err := c.fetch(ctx)
	if err != nil {
		c.log.WithError(err).Warn("ip range refresh failed, keeping previous value")
		return c.state.Ranges
	}

	c.state = ipRangeState{FetchedAt: c.now().UTC(), Ranges: ranges}
	if err := c.persist(); err != nil {
		c.log.WithError(err).Warn("ip range cache not persisted")
	}
	return c.state.Ranges
}

func (c *IPRangeCache) persist() error {
	raw, err := json.MarshalIndent(c.state, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}
	tmp := fmt.Sprintf("%s.tmp-%d", c.path, time.Now().UnixNano())
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, c.path)
}
