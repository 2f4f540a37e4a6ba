// Package auth resolves presented API keys to stable owner identities.
//
// Plain keys never reach storage: the owner identity is the hex sha256 of
// key+salt, so a leaked state file does not leak usable credentials.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"
)

var (
	ErrUnknownKey  = errors.New("auth: unknown key")
	ErrKeyDisabled = errors.New("auth: key disabled")
	ErrKeyExpired  = errors.New("auth: key expired")
)

// Tier controls how many enabled entries one owner may hold.
type Tier string

const (
	TierPro     Tier = "pro"
	TierPremium Tier = "premium"
)

// MaxEnabled returns the enabled-entry cap for the tier.
func (t Tier) MaxEnabled() int {
	switch t {
	case TierPremium:
		return 15
	default:
		return 5
	}
}

// Key is one configured credential.
type Key struct {
	Key       string    `json:"key" yaml:"key"`
	Tier      Tier      `json:"tier,omitempty" yaml:"tier,omitempty"`
	Disabled  bool      `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
}

type Config struct {
	Salt string `json:"salt,omitempty" yaml:"salt,omitempty"`
	Keys []Key  `json:"keys,omitempty" yaml:"keys,omitempty"`
}

// Identity is what a resolved key grants.
type Identity struct {
	OwnerKey string
	Tier     Tier
}

// Keyring holds the configured keys. Apply swaps the whole set, so config
// reloads take effect without restarting dependents.
type Keyring struct {
	mu     sync.RWMutex
	salt   string
	byHash map[string]Key
}

func New(cfg Config) *Keyring {
	k := &Keyring{}
	k.Apply(cfg)
	return k
}

func (k *Keyring) Apply(cfg Config) {
	byHash := make(map[string]Key, len(cfg.Keys))
	for _, key := range cfg.Keys {
		plain := strings.TrimSpace(key.Key)
		if plain == "" {
			continue
		}
		byHash[Hash(plain, cfg.Salt)] = key
	}
	k.mu.Lock()
	k.salt = cfg.Salt
	k.byHash = byHash
	k.mu.Unlock()
}

// Resolve maps a presented plain key to its identity.
func (k *Keyring) Resolve(plain string) (Identity, error) {
	plain = strings.TrimSpace(plain)
	if plain == "" {
		return Identity{}, ErrUnknownKey
	}

	k.mu.RLock()
	hash := Hash(plain, k.salt)
	key, ok := k.byHash[hash]
	k.mu.RUnlock()

	if !ok {
		return Identity{}, ErrUnknownKey
	}
	if key.Disabled {
		return Identity{}, ErrKeyDisabled
	}
	if !key.ExpiresAt.IsZero() && time.Now().After(key.ExpiresAt) {
		return Identity{}, ErrKeyExpired
	}
	tier := key.Tier
	if tier == "" {
		tier = TierPro
	}
	return Identity{OwnerKey: hash, Tier: tier}, nil
}

// Hash derives the owner identity for a plain key.
func Hash(plain, salt string) string {
	sum := sha256.Sum256([]byte(plain + salt))
	return hex.EncodeToString(sum[:])
}
