// Package configstore owns the persisted remote-access configuration: a
// JSON file plus a .bak mirror, loaded with a backup-then-default repair
// cascade and defensively re-normalized on every read.
package configstore

import (
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Tunnel modes form a closed set; anything else is a parse failure.
const (
	ModeTailscale  = "tailscale"
	ModeCloudflare = "cloudflare"
	ModeCustom     = "custom"
)

const (
	VisibilityPublic  = "public"
	VisibilityPrivate = "private"
)

const (
	defaultBindHost = "127.0.0.1"
	defaultBindPort = 8787
)

// saveDebounce coalesces background writes so bursty lastUsedAt bumps do
// not turn into a persist per request.
const saveDebounce = 250 * time.Millisecond

// Device is one paired remote device. Only the token hash is stored; the
// raw bearer token is returned once at pairing time and never persisted.
type Device struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Platform   string `json:"platform"`
	TokenHash  string `json:"tokenHash"`
	CreatedAt  int64  `json:"createdAt"`
	LastUsedAt int64  `json:"lastUsedAt"`
	ExpiresAt  int64  `json:"expiresAt"`
	RevokedAt  *int64 `json:"revokedAt,omitempty"`
}

// Config is the singleton persisted configuration. bindHost is always
// loopback; only the tunnel layer is reachable from outside.
type Config struct {
	Enabled          bool     `json:"enabled"`
	BindHost         string   `json:"bindHost"`
	BindPort         int      `json:"bindPort"`
	PublicBaseURL    string   `json:"publicBaseUrl,omitempty"`
	TunnelMode       string   `json:"tunnelMode"`
	TunnelName       string   `json:"tunnelName,omitempty"`
	TunnelDomain     string   `json:"tunnelDomain,omitempty"`
	TunnelVisibility string   `json:"tunnelVisibility"`
	Devices          []Device `json:"devices"`
	CreatedAt        int64    `json:"createdAt"`
	UpdatedAt        int64    `json:"updatedAt"`
}

// HealthState reports whether the on-disk config loaded as-is.
type HealthState string

const (
	HealthValid          HealthState = "valid"
	HealthRepairRequired HealthState = "repair_required"
)

// Health pairs the state with a human-readable reason when repaired.
type Health struct {
	State  HealthState `json:"state"`
	Reason string      `json:"reason,omitempty"`
}

// Store loads, mutates and persists the configuration. All mutations go
// through Mutate/MutateDeferred so the debounce bookkeeping stays in one
// place.
type Store struct {
	path       string
	backupPath string
	logger     *log.Logger

	mu     sync.Mutex
	config *Config
	health Health

	saveTimer   *time.Timer
	savePending bool
}

// Open constructs a store over the given primary and backup paths. Load
// must be called before any other method.
func Open(path, backupPath string, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.New(os.Stdout, "[ConfigStore] ", log.LstdFlags)
	}
	return &Store{path: path, backupPath: backupPath, logger: logger}
}

// DefaultConfig returns a freshly initialized configuration.
func DefaultConfig() *Config {
	now := time.Now().UnixMilli()
	return &Config{
		Enabled:          false,
		BindHost:         defaultBindHost,
		BindPort:         defaultBindPort,
		TunnelMode:       ModeTailscale,
		TunnelVisibility: VisibilityPrivate,
		Devices:          []Device{},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// Load reads the primary config file. A missing file is first run: a fresh
// default is written and health stays valid. A corrupt primary falls back
// to the .bak mirror, and a corrupt mirror falls back to the default; both
// fallbacks mark health repair_required with the cause.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := readConfigFile(s.path)
	if err == nil {
		s.config = cfg
		s.health = Health{State: HealthValid}
		return nil
	}

	if os.IsNotExist(err) {
		s.config = DefaultConfig()
		s.health = Health{State: HealthValid}
		if perr := s.persistLocked(); perr != nil {
			return fmt.Errorf("write initial config: %w", perr)
		}
		return nil
	}

	cause := err.Error()

	if backup, berr := readConfigFile(s.backupPath); berr == nil {
		s.logger.Printf("primary config invalid, recovered from backup: %s", cause)
		s.config = backup
		s.health = Health{
			State:  HealthRepairRequired,
			Reason: fmt.Sprintf("Recovered remote setup from backup because primary config was invalid: %s", cause),
		}
		if perr := s.persistLocked(); perr != nil {
			return fmt.Errorf("rewrite primary from backup: %w", perr)
		}
		return nil
	}

	s.logger.Printf("primary and backup config invalid, resetting: %s", cause)
	s.config = DefaultConfig()
	s.health = Health{
		State:  HealthRepairRequired,
		Reason: fmt.Sprintf("Remote setup config was reset. Reason: %s", cause),
	}
	if perr := s.persistLocked(); perr != nil {
		return fmt.Errorf("write reset config: %w", perr)
	}
	return nil
}

// Snapshot returns a deep copy of the current configuration.
func (s *Store) Snapshot() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneConfig(s.config)
}

// Health returns the current config health.
func (s *Store) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.health
}

// Mutate applies fn to the configuration and persists synchronously. A
// successful user-driven mutation also clears a lingering repair state.
func (s *Store) Mutate(fn func(*Config)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn(s.config)
	s.config.UpdatedAt = time.Now().UnixMilli()
	normalizeConfig(s.config)

	if err := s.persistLocked(); err != nil {
		return err
	}
	s.health = Health{State: HealthValid}
	return nil
}

// MutateDeferred applies fn and schedules a coalesced background save.
// Used for lastUsedAt bumps where blocking on disk is unacceptable; write
// failures are logged, not returned.
func (s *Store) MutateDeferred(fn func(*Config)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn(s.config)
	s.config.UpdatedAt = time.Now().UnixMilli()

	if s.savePending {
		return
	}
	s.savePending = true
	s.saveTimer = time.AfterFunc(saveDebounce, s.flushDeferred)
}

func (s *Store) flushDeferred() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.savePending = false
	if err := s.persistLocked(); err != nil {
		s.logger.Printf("deferred config save failed: %v", err)
	}
}

// Flush forces any pending deferred save to disk now.
func (s *Store) Flush() {
	s.mu.Lock()
	if s.saveTimer != nil {
		s.saveTimer.Stop()
	}
	pending := s.savePending
	s.savePending = false
	var err error
	if pending {
		err = s.persistLocked()
	}
	s.mu.Unlock()
	if err != nil {
		s.logger.Printf("config flush failed: %v", err)
	}
}

// Reset replaces the configuration with a fresh default and persists it.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.config = DefaultConfig()
	if err := s.persistLocked(); err != nil {
		return err
	}
	s.health = Health{State: HealthValid}
	return nil
}

// persistLocked writes the full config to the primary path and mirrors the
// same bytes to the backup path. Caller holds s.mu.
func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(s.config, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.WriteFile(s.backupPath, data, 0o600); err != nil {
		return fmt.Errorf("write config backup: %w", err)
	}
	return nil
}

func readConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("validate %s: %w", filepath.Base(path), err)
	}

	normalizeConfig(&cfg)
	return &cfg, nil
}

func validateConfig(c *Config) error {
	switch c.TunnelMode {
	case ModeTailscale, ModeCloudflare, ModeCustom:
	default:
		return fmt.Errorf("unsupported tunnelMode %q", c.TunnelMode)
	}
	return nil
}

// normalizeConfig re-normalizes every field defensively. The on-disk file
// may have been hand-edited or written by an older version.
func normalizeConfig(c *Config) {
	c.BindHost = defaultBindHost
	if c.BindPort < 0 {
		c.BindPort = 0
	}
	if c.BindPort > 65535 {
		c.BindPort = 65535
	}
	c.PublicBaseURL = NormalizeBaseURL(c.PublicBaseURL)
	c.TunnelDomain = NormalizeHostname(c.TunnelDomain)
	if c.TunnelVisibility != VisibilityPublic && c.TunnelVisibility != VisibilityPrivate {
		c.TunnelVisibility = VisibilityPrivate
	}

	kept := c.Devices[:0]
	for _, d := range c.Devices {
		if d.ID == "" || d.Name == "" || d.Platform == "" || d.TokenHash == "" {
			continue
		}
		if d.CreatedAt <= 0 || d.ExpiresAt <= 0 {
			continue
		}
		kept = append(kept, d)
	}
	c.Devices = kept
	if c.Devices == nil {
		c.Devices = []Device{}
	}

	if c.CreatedAt <= 0 {
		c.CreatedAt = time.Now().UnixMilli()
	}
	if c.UpdatedAt <= 0 {
		c.UpdatedAt = c.CreatedAt
	}
}

// NormalizeBaseURL accepts http(s) URLs only, strips query and fragment,
// and trims the trailing slash. Anything else normalizes to "".
func NormalizeBaseURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	if u.Host == "" {
		return ""
	}
	u.RawQuery = ""
	u.Fragment = ""
	u.RawFragment = ""
	return strings.TrimRight(u.String(), "/")
}

// NormalizeHostname lowercases a hostname and strips the trailing dot.
func NormalizeHostname(raw string) string {
	raw = strings.TrimSpace(strings.ToLower(raw))
	return strings.TrimSuffix(raw, ".")
}

func cloneConfig(c *Config) Config {
	out := *c
	out.Devices = make([]Device, len(c.Devices))
	copy(out.Devices, c.Devices)
	for i, d := range c.Devices {
		if d.RevokedAt != nil {
			v := *d.RevokedAt
			out.Devices[i].RevokedAt = &v
		}
	}
	return out
}
