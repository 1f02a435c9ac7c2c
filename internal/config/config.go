// Package config implements the engine's configuration surface (spec.md
// §6 configure(...)/requireWiFi(...)): an explicit value carried by the
// engine handle, not a process-wide singleton (spec.md §5 "Global
// state"). Grounded on the teacher's ConfigManager getter/setter idiom
// (internal/config/settings.go), adapted from storage-backed key/value
// settings to a plain in-memory struct, per the spec's explicit design
// choice that configuration lives on the engine handle.
package config

import (
	"sync"
	"time"

	"tachyonengine/internal/queue"
)

// Defaults mirror the teacher's conservative fallbacks (settings.go's
// "if unset, return default" getters) translated to this module's domain.
// The request and resource timeouts are stored and reported by Snapshot
// only; no worker applies either one as a deadline to its requests.
const (
	DefaultRequestTimeout  = 30 * time.Second
	DefaultResourceTimeout = 0
)

// Config is the mutable configuration an Engine carries. All fields are
// read through Snapshot() for a consistent point-in-time copy; updates
// go through the setter methods, which hold the lock just long enough
// to swap values.
type Config struct {
	mu sync.RWMutex

	requestTimeout  time.Duration
	resourceTimeout time.Duration

	proxyHost string
	proxyPort int

	bypassTLSValidation bool

	holdingQueueCaps queue.Caps

	allowWeakETag     bool
	skipExistingFiles bool

	globalBandwidthLimit int // bytes/sec, 0 = unlimited

	wifiPolicy queue.WiFiPolicy
}

// New returns a Config with the teacher-style conservative defaults.
func New() *Config {
	return &Config{
		requestTimeout: DefaultRequestTimeout,
		wifiPolicy:     queue.WiFiAsSetByTask,
	}
}

// Snapshot is an immutable point-in-time copy, safe to read without
// holding Config's lock.
type Snapshot struct {
	RequestTimeout       time.Duration
	ResourceTimeout      time.Duration
	ProxyHost            string
	ProxyPort            int
	BypassTLSValidation  bool
	HoldingQueueCaps     queue.Caps
	AllowWeakETag        bool
	SkipExistingFiles    bool
	GlobalBandwidthLimit int
	WiFiPolicy           queue.WiFiPolicy
}

func (c *Config) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{
		RequestTimeout:       c.requestTimeout,
		ResourceTimeout:      c.resourceTimeout,
		ProxyHost:            c.proxyHost,
		ProxyPort:            c.proxyPort,
		BypassTLSValidation:  c.bypassTLSValidation,
		HoldingQueueCaps:     c.holdingQueueCaps,
		AllowWeakETag:        c.allowWeakETag,
		SkipExistingFiles:    c.skipExistingFiles,
		GlobalBandwidthLimit: c.globalBandwidthLimit,
		WiFiPolicy:           c.wifiPolicy,
	}
}

// Update carries the fields of spec.md §6's configure(...) surface.
// Configure applies only the non-nil fields; a nil field leaves the
// current value unchanged.
type Update struct {
	RequestTimeout       *time.Duration
	ResourceTimeout      *time.Duration
	ProxyHost            *string
	ProxyPort            *int
	BypassTLSValidation  *bool
	HoldingQueueCaps     *queue.Caps
	AllowWeakETag        *bool
	SkipExistingFiles    *bool
	GlobalBandwidthLimit *int
}

func (c *Config) Configure(u Update) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if u.RequestTimeout != nil {
		c.requestTimeout = *u.RequestTimeout
	}
	if u.ResourceTimeout != nil {
		c.resourceTimeout = *u.ResourceTimeout
	}
	if u.ProxyHost != nil {
		c.proxyHost = *u.ProxyHost
	}
	if u.ProxyPort != nil {
		c.proxyPort = *u.ProxyPort
	}
	if u.BypassTLSValidation != nil {
		c.bypassTLSValidation = *u.BypassTLSValidation
	}
	if u.HoldingQueueCaps != nil {
		c.holdingQueueCaps = *u.HoldingQueueCaps
	}
	if u.AllowWeakETag != nil {
		c.allowWeakETag = *u.AllowWeakETag
	}
	if u.SkipExistingFiles != nil {
		c.skipExistingFiles = *u.SkipExistingFiles
	}
	if u.GlobalBandwidthLimit != nil {
		c.globalBandwidthLimit = *u.GlobalBandwidthLimit
	}
}

// RequireWiFi implements spec.md §6's requireWiFi(mode, rescheduleRunning)
// at the config layer: it just records the policy. The caller (engine)
// is responsible for calling queue.Scheduler.SetWiFiPolicy with the same
// mode and acting on the returned transitions.
func (c *Config) RequireWiFi(mode queue.WiFiPolicy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wifiPolicy = mode
}

func (c *Config) WiFiPolicy() queue.WiFiPolicy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.wifiPolicy
}
