// Package domain provides the value types shared by the crypto-integration
// layer: key identities, key metadata, the persisted encryption envelope, and
// the error taxonomy every operation surfaces.
package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// KeyID identifies one concrete key version in the remote crypto-service.
//
// A KeyID is an immutable value type; two KeyIDs are equal iff all three
// fields are equal. Version 0 is the "unresolved" version and is used when
// asking the service which version is currently active.
type KeyID struct {
	Namespace Namespace `json:"namespace"`
	ID        string    `json:"id"`
	Version   uint32    `json:"version"`
}

// ParseKeyID parses the canonical "namespace/id/version" string form.
func ParseKeyID(s string) (KeyID, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return KeyID{}, fmt.Errorf("%w: expected 'namespace/id/version', got %q", ErrInvalidKeyID, s)
	}
	if parts[0] == "" {
		return KeyID{}, fmt.Errorf("%w: empty namespace", ErrInvalidKeyID)
	}
	if parts[1] == "" {
		return KeyID{}, fmt.Errorf("%w: empty id", ErrInvalidKeyID)
	}

	version, err := strconv.ParseUint(parts[2], 10, 32)
	if err != nil {
		return KeyID{}, fmt.Errorf("%w: bad version %q", ErrInvalidKeyID, parts[2])
	}

	return KeyID{
		Namespace: Namespace(parts[0]),
		ID:        parts[1],
		Version:   uint32(version),
	}, nil
}

// String returns the canonical "namespace/id/version" form.
func (k KeyID) String() string {
	return fmt.Sprintf("%s/%s/%d", k.Namespace, k.ID, k.Version)
}

// IsZero reports whether the key ID is entirely empty.
func (k KeyID) IsZero() bool {
	return k.Namespace == "" && k.ID == "" && k.Version == 0
}

// Family returns the key ID with the version stripped, identifying the key
// family ("namespace/id") across all of its versions.
func (k KeyID) Family() KeyID {
	return KeyID{Namespace: k.Namespace, ID: k.ID}
}

// WithVersion returns a copy of the key ID pointing at a specific version.
func (k KeyID) WithVersion(version uint32) KeyID {
	return KeyID{Namespace: k.Namespace, ID: k.ID, Version: version}
}

// IsLocalFallback reports whether the key ID belongs to the local fallback
// namespace, meaning the data it labels was never encrypted remotely.
func (k KeyID) IsLocalFallback() bool {
	return k.Namespace == NamespaceLocalFallback
}
