// Package pairing issues short-lived pairing codes and long-lived device
// bearer tokens. Codes live only in memory; devices persist in the config
// store with the token stored as a SHA-256 hash.
package pairing

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tetherd-dev/tetherd/internal/remote/configstore"
)

const (
	pairingCodeTTL = 2 * time.Minute
	deviceTokenTTL = 90 * 24 * time.Hour
)

// PairingCode is returned to the caller for out-of-band display (QR, copy).
type PairingCode struct {
	Code      string `json:"code"`
	ExpiresAt int64  `json:"expiresAt"`
}

// Manager tracks pending pairing codes and authenticates device tokens.
type Manager struct {
	store  *configstore.Store
	logger *log.Logger

	mu    sync.Mutex
	codes map[string]time.Time

	revokeHook func(deviceID string)
}

// NewManager constructs a manager over the given config store.
func NewManager(store *configstore.Store, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(os.Stdout, "[Pairing] ", log.LstdFlags)
	}
	return &Manager{
		store:  store,
		logger: logger,
		codes:  make(map[string]time.Time),
	}
}

// SetRevokeHook registers a callback invoked after a device is revoked,
// used by the gateway to force-close the device's live connections.
func (m *Manager) SetRevokeHook(fn func(deviceID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revokeHook = fn
}

// IssuePairingCode mints a cryptographically random single-use code with a
// two-minute TTL. Expired entries are swept on every issue and consume.
func (m *Manager) IssuePairingCode() (PairingCode, error) {
	code, err := randomCode()
	if err != nil {
		return PairingCode{}, fmt.Errorf("generate pairing code: %w", err)
	}

	expiresAt := time.Now().Add(pairingCodeTTL)

	m.mu.Lock()
	m.sweepLocked()
	m.codes[code] = expiresAt
	m.mu.Unlock()

	return PairingCode{Code: code, ExpiresAt: expiresAt.UnixMilli()}, nil
}

// ConsumePairingCode redeems a code. Unknown and expired codes both return
// false; an expired entry is removed as part of the same sweep.
func (m *Manager) ConsumePairingCode(code string) bool {
	code = strings.ToUpper(strings.TrimSpace(code))

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked()

	expiresAt, ok := m.codes[code]
	if !ok {
		return false
	}
	delete(m.codes, code)
	return time.Now().Before(expiresAt)
}

// sweepLocked drops expired codes. Caller holds m.mu.
func (m *Manager) sweepLocked() {
	now := time.Now()
	for code, expiresAt := range m.codes {
		if now.After(expiresAt) {
			delete(m.codes, code)
		}
	}
}

// IssueDeviceToken creates a device record and returns the raw bearer
// token exactly once. Only its hash is stored; the device list save is
// coalesced, not synchronous.
func (m *Manager) IssueDeviceToken(name, platform string) (string, configstore.Device, error) {
	token, err := randomToken()
	if err != nil {
		return "", configstore.Device{}, fmt.Errorf("generate device token: %w", err)
	}

	name = strings.TrimSpace(name)
	if name == "" {
		name = "Remote Device"
	}
	platform = strings.TrimSpace(platform)
	if platform == "" {
		platform = "unknown"
	}

	now := time.Now()
	device := configstore.Device{
		ID:         uuid.NewString(),
		Name:       name,
		Platform:   platform,
		TokenHash:  HashToken(token),
		CreatedAt:  now.UnixMilli(),
		LastUsedAt: now.UnixMilli(),
		ExpiresAt:  now.Add(deviceTokenTTL).UnixMilli(),
	}

	m.store.MutateDeferred(func(c *configstore.Config) {
		kept := c.Devices[:0]
		for _, d := range c.Devices {
			if d.TokenHash != device.TokenHash {
				kept = append(kept, d)
			}
		}
		c.Devices = append(kept, device)
	})

	m.logger.Printf("paired device %s (%s)", device.Name, device.ID)
	return token, device, nil
}

// Authenticate resolves a bearer token to its device record, or nil for
// unknown, revoked or expired tokens. On success the device's lastUsedAt is
// bumped via the deferred save queue; this path never blocks on disk.
func (m *Manager) Authenticate(token string) *configstore.Device {
	if token == "" {
		return nil
	}
	hash := HashToken(token)
	now := time.Now().UnixMilli()

	cfg := m.store.Snapshot()
	for i := range cfg.Devices {
		d := cfg.Devices[i]
		if subtle.ConstantTimeCompare([]byte(d.TokenHash), []byte(hash)) != 1 {
			continue
		}
		if d.RevokedAt != nil || d.ExpiresAt <= now {
			return nil
		}

		m.store.MutateDeferred(func(c *configstore.Config) {
			for j := range c.Devices {
				if c.Devices[j].ID == d.ID {
					c.Devices[j].LastUsedAt = now
					return
				}
			}
		})

		d.LastUsedAt = now
		return &d
	}
	return nil
}

// Revoke marks a device revoked and persists synchronously. Live gateway
// connections for the device are force-closed through the revoke hook.
func (m *Manager) Revoke(deviceID string) bool {
	now := time.Now().UnixMilli()
	revoked := false

	err := m.store.Mutate(func(c *configstore.Config) {
		for i := range c.Devices {
			d := &c.Devices[i]
			if d.ID == deviceID && d.RevokedAt == nil {
				d.RevokedAt = &now
				revoked = true
				return
			}
		}
	})
	if err != nil {
		m.logger.Printf("persist revocation for %s failed: %v", deviceID, err)
	}
	if !revoked {
		return false
	}

	m.mu.Lock()
	hook := m.revokeHook
	m.mu.Unlock()
	if hook != nil {
		hook(deviceID)
	}

	m.logger.Printf("revoked device %s", deviceID)
	return true
}

// Devices returns the persisted device list.
func (m *Manager) Devices() []configstore.Device {
	cfg := m.store.Snapshot()
	return cfg.Devices
}

// HashToken is the one-way hash applied to bearer tokens before storage.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// randomCode produces a short upper-case code suitable for manual entry.
func randomCode() (string, error) {
	buf := make([]byte, 5)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	code := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf)
	return strings.ToUpper(code), nil
}

// randomToken produces the 32-byte hex bearer token returned at pairing.
func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
