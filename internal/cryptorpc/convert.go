package cryptorpc

import (
	"fmt"
	"time"

	"github.com/sessionkit/cryptolink/internal/crypto/domain"
)

// ToDomain converts the wire metadata form into the domain type.
func (r *KeyMetadataResponse) ToDomain() (*domain.KeyMetadata, error) {
	keyID, err := domain.ParseKeyID(r.KeyID)
	if err != nil {
		return nil, fmt.Errorf("key metadata response: %w", err)
	}

	var previous *domain.KeyID
	if r.PreviousVersion != "" {
		prev, err := domain.ParseKeyID(r.PreviousVersion)
		if err != nil {
			return nil, fmt.Errorf("key metadata response previous version: %w", err)
		}
		previous = &prev
	}

	meta := &domain.KeyMetadata{
		ID:                keyID,
		Algorithm:         r.Algorithm,
		State:             domain.KeyState(r.State),
		CreatedAt:         time.Unix(r.CreatedAt, 0).UTC(),
		PreviousVersion:   previous,
		OwnerService:      r.OwnerService,
		AllowedOperations: r.AllowedOperations,
		UsageCount:        r.UsageCount,
	}
	if r.ExpiresAt > 0 {
		meta.ExpiresAt = time.Unix(r.ExpiresAt, 0).UTC()
	}
	if r.RotatedAt > 0 {
		meta.RotatedAt = time.Unix(r.RotatedAt, 0).UTC()
	}
	return meta, nil
}

// FromDomain converts domain metadata into its wire form.
func FromDomain(m *domain.KeyMetadata) *KeyMetadataResponse {
	resp := &KeyMetadataResponse{
		KeyID:             m.ID.String(),
		Algorithm:         m.Algorithm,
		State:             string(m.State),
		CreatedAt:         m.CreatedAt.Unix(),
		OwnerService:      m.OwnerService,
		AllowedOperations: m.AllowedOperations,
		UsageCount:        m.UsageCount,
	}
	if !m.ExpiresAt.IsZero() {
		resp.ExpiresAt = m.ExpiresAt.Unix()
	}
	if !m.RotatedAt.IsZero() {
		resp.RotatedAt = m.RotatedAt.Unix()
	}
	if m.PreviousVersion != nil {
		resp.PreviousVersion = m.PreviousVersion.String()
	}
	return resp
}
