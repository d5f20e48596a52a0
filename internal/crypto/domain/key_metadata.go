package domain

import "time"

// KeyState represents the lifecycle state of a key version in the remote
// crypto-service.
type KeyState string

const (
	// KeyStateActive marks the single version per key family that new
	// encrypt/sign operations must use.
	KeyStateActive KeyState = "ACTIVE"

	// KeyStateDeprecated marks a rotated-out version that remains usable for
	// decryption and verification during the rotation window.
	KeyStateDeprecated KeyState = "DEPRECATED"

	// KeyStatePendingDestruction marks a version scheduled for destruction;
	// like deprecated versions it may still decrypt/verify until destroyed.
	KeyStatePendingDestruction KeyState = "PENDING_DESTRUCTION"
)

// KeyMetadata describes one key version as reported by the crypto-service.
//
// At most one version per key family is ACTIVE at a time. Deprecated and
// pending-destruction versions stay resolvable so data encrypted under them
// can still be read until re-encryption catches up.
type KeyMetadata struct {
	ID                KeyID     `json:"id"`
	Algorithm         string    `json:"algorithm"`
	State             KeyState  `json:"state"`
	CreatedAt         time.Time `json:"created_at"`
	ExpiresAt         time.Time `json:"expires_at"`
	RotatedAt         time.Time `json:"rotated_at"`
	PreviousVersion   *KeyID    `json:"previous_version,omitempty"`
	OwnerService      string    `json:"owner_service"`
	AllowedOperations []string  `json:"allowed_operations"`
	UsageCount        uint64    `json:"usage_count"`
}

// IsDeprecated reports whether the version has been rotated out. Deprecated
// versions must never be used for new encryption or signing.
func (m *KeyMetadata) IsDeprecated() bool {
	return m.State == KeyStateDeprecated || m.State == KeyStatePendingDestruction
}

// CachedKeyMetadata wraps a cached lookup result with an absolute expiry.
// Lookups re-check the expiry inline so sweeper lag never serves stale data.
type CachedKeyMetadata struct {
	Metadata  *KeyMetadata
	CachedAt  time.Time
	ExpiresAt time.Time
}

// Expired reports whether the cache entry is past its expiry at the given
// instant.
func (c *CachedKeyMetadata) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}
