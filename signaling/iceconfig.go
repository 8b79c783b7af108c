package signaling

import (
	"fmt"
	"sync"
	"time"
)

// Caps from spec.md §4.6 "ICE config caching".
const (
	MaxICEConfigs   = 5
	MaxURIsPerConfig = 4
)

// RefreshWindow is how close to expiry an ICE config must be before the
// refresh flag is set (spec.md §4.6: "within 30 s of expiry").
const RefreshWindow = 30 * time.Second

// ICEServerConfig is one cached ICE server descriptor (spec.md §3
// "ICE server config (bounded list, each with ttl)").
type ICEServerConfig struct {
	URIs       []string
	Username   string
	Password   string
	TTL        time.Duration
	FetchedAt  time.Time
}

// ExpiresAt returns when this config's TTL lapses.
func (c ICEServerConfig) ExpiresAt() time.Time { return c.FetchedAt.Add(c.TTL) }

// NeedsRefresh reports whether this config is within RefreshWindow of
// expiry at the given time.
func (c ICEServerConfig) NeedsRefresh(now time.Time) bool {
	return !now.Before(c.ExpiresAt().Add(-RefreshWindow))
}

// iceConfigStore holds the cached ICE server list and exposes the
// get-ice-config-info-count / get-ice-config-info(index) accessors spec.md
// §4.6 names.
type iceConfigStore struct {
	mu      sync.Mutex
	configs []ICEServerConfig
}

// Set installs a freshly-fetched config list, enforcing the caps (spec.md
// §8 invariant "resource-exhausted" applies beyond these bounds, so Set
// truncates rather than erroring: a cloud response naming more configs than
// the cap is a server-side anomaly, not caller error).
func (s *iceConfigStore) Set(configs []ICEServerConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(configs) > MaxICEConfigs {
		configs = configs[:MaxICEConfigs]
	}
	for i := range configs {
		if len(configs[i].URIs) > MaxURIsPerConfig {
			configs[i].URIs = configs[i].URIs[:MaxURIsPerConfig]
		}
	}
	s.configs = configs
}

// Count returns the number of cached configs (get-ice-config-info-count).
func (s *iceConfigStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.configs)
}

// Info returns the config at index (get-ice-config-info(index)).
func (s *iceConfigStore) Info(index int) (ICEServerConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.configs) {
		return ICEServerConfig{}, fmt.Errorf("signaling: ice config index %d out of range [0,%d)", index, len(s.configs))
	}
	return s.configs[index], nil
}

// AnyNeedsRefresh reports whether any cached config is within RefreshWindow
// of expiry (spec.md §4.6: "the refresh flag is set").
func (s *iceConfigStore) AnyNeedsRefresh(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.configs {
		if c.NeedsRefresh(now) {
			return true
		}
	}
	return false
}
