// Package credential implements the environment-variable credential
// provider from spec.md §1/§6: access key/secret/token, default region and
// CA bundle path, read once and shared immutably thereafter. File-backed
// and rotating providers are named in spec.md §1's Non-goals as external
// collaborators and are not implemented here; StaticProvider is the one
// concrete provider this module owns.
package credential

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Environment variable names (spec.md §6 "Environment variables").
const (
	EnvAccessKey    = "KVSRTC_ACCESS_KEY"
	EnvSecretKey    = "KVSRTC_SECRET_KEY"
	EnvSessionToken = "KVSRTC_SESSION_TOKEN"
	EnvDefaultRegion = "KVSRTC_DEFAULT_REGION"
	EnvCABundlePath = "KVSRTC_CA_BUNDLE_PATH"
)

// Credentials is shared immutably between goroutines; rotation (when a
// Provider supports it) replaces the pointer atomically under a mutex
// rather than mutating fields in place (spec.md §9 "Shared resources").
type Credentials struct {
	AccessKey    string
	SecretKey    string
	SessionToken string
	Expiry       time.Time
}

// Expired reports whether these credentials are past their expiry. A zero
// Expiry means the credentials never expire (the common case for static,
// non-STS credentials).
func (c *Credentials) Expired(now time.Time) bool {
	return !c.Expiry.IsZero() && now.After(c.Expiry)
}

// Provider is the contract SignalingClient holds a reference to (spec.md
// §3 "credential provider reference").
type Provider interface {
	Get() (*Credentials, error)
	Region() string
	CABundlePath() string
}

// StaticProvider reads its credentials once from the environment at
// construction and never refreshes them.
type StaticProvider struct {
	creds        atomic.Pointer[Credentials]
	region       string
	caBundlePath string
	mu           sync.Mutex
}

// NewStaticProviderFromEnv reads EnvAccessKey/EnvSecretKey/EnvSessionToken/
// EnvDefaultRegion/EnvCABundlePath, failing if access key or secret key is
// unset or the region is empty.
func NewStaticProviderFromEnv() (*StaticProvider, error) {
	accessKey := os.Getenv(EnvAccessKey)
	secretKey := os.Getenv(EnvSecretKey)
	region := os.Getenv(EnvDefaultRegion)
	if accessKey == "" || secretKey == "" {
		return nil, fmt.Errorf("credential: %s and %s must be set", EnvAccessKey, EnvSecretKey)
	}
	if region == "" {
		return nil, fmt.Errorf("credential: %s must be set", EnvDefaultRegion)
	}

	p := &StaticProvider{region: region, caBundlePath: os.Getenv(EnvCABundlePath)}
	p.creds.Store(&Credentials{
		AccessKey:    accessKey,
		SecretKey:    secretKey,
		SessionToken: os.Getenv(EnvSessionToken),
	})
	return p, nil
}

// Get returns the currently held credentials.
func (p *StaticProvider) Get() (*Credentials, error) {
	return p.creds.Load(), nil
}

// Region returns the default region read at construction.
func (p *StaticProvider) Region() string { return p.region }

// CABundlePath returns the configured CA bundle path, or empty if unset
// (meaning the system trust store is used).
func (p *StaticProvider) CABundlePath() string { return p.caBundlePath }

// Rotate atomically replaces the held credentials, for callers layering
// rotation on top of StaticProvider (spec.md §9: "rotation replaces the
// pointer atomically under a mutex").
func (p *StaticProvider) Rotate(next *Credentials) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.creds.Store(next)
}
