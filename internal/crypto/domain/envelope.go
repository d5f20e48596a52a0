package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	validation "github.com/jellydator/validation"
)

// EncryptedEnvelope is the sole persisted representation of encrypted data.
//
// The JSON form is a cross-service contract: any service sharing storage must
// be able to parse it. Byte fields encode as base64 (encoding/json default):
//
//	{"v":1,"key_id":{"namespace":"svc:session","id":"session-key","version":3},
//	 "iv":"...","tag":"...","ciphertext":"...","encrypted_at":1767225600,
//	 "fallback":false}
//
// Envelopes are immutable once written. Key rotation produces a brand-new
// envelope; nothing ever mutates an existing one in place.
//
// Fallback envelopes (fallback=true) carry plaintext in the ciphertext field
// with an all-zero IV and tag and a key ID in the local-fallback namespace.
// That triple is the sentinel the fallback decrypt path requires before it
// will hand the bytes back unchanged.
type EncryptedEnvelope struct {
	FormatVersion int    `json:"v"`
	KeyID         KeyID  `json:"key_id"`
	IV            []byte `json:"iv"`
	Tag           []byte `json:"tag"`
	Ciphertext    []byte `json:"ciphertext"`
	EncryptedAt   int64  `json:"encrypted_at"`
	Fallback      bool   `json:"fallback"`
}

// NewEnvelope builds a format-v1 envelope around a remote encryption result.
func NewEnvelope(keyID KeyID, iv, tag, ciphertext []byte) *EncryptedEnvelope {
	return &EncryptedEnvelope{
		FormatVersion: EnvelopeFormatVersion,
		KeyID:         keyID,
		IV:            iv,
		Tag:           tag,
		Ciphertext:    ciphertext,
		EncryptedAt:   time.Now().UTC().Unix(),
	}
}

// NewFallbackEnvelope wraps plaintext in a fallback-marked envelope. The
// plaintext is NOT encrypted; the zero IV/tag and local-fallback key ID mark
// it so it can never be mistaken for real ciphertext on read.
func NewFallbackEnvelope(plaintext []byte, keyVersion uint32) *EncryptedEnvelope {
	return &EncryptedEnvelope{
		FormatVersion: EnvelopeFormatVersion,
		KeyID: KeyID{
			Namespace: NamespaceLocalFallback,
			ID:        "dek",
			Version:   keyVersion,
		},
		IV:          make([]byte, GCMNonceSize),
		Tag:         make([]byte, GCMTagSize),
		Ciphertext:  plaintext,
		EncryptedAt: time.Now().UTC().Unix(),
		Fallback:    true,
	}
}

// ParseEnvelope decodes and validates the JSON envelope form.
func ParseEnvelope(data []byte) (*EncryptedEnvelope, error) {
	var env EncryptedEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelopeFormat, err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// Marshal encodes the envelope to its canonical JSON form.
func (e *EncryptedEnvelope) Marshal() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return data, nil
}

// Validate checks structural invariants of the envelope.
func (e *EncryptedEnvelope) Validate() error {
	if e.FormatVersion != EnvelopeFormatVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedEnvelopeVersion, e.FormatVersion)
	}

	err := validation.ValidateStruct(e,
		validation.Field(&e.KeyID, validation.By(validKeyID)),
		validation.Field(&e.IV, validation.Required, validation.Length(GCMNonceSize, GCMNonceSize)),
		validation.Field(&e.Tag, validation.Required, validation.Length(GCMTagSize, GCMTagSize)),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEnvelopeFormat, err)
	}

	// A fallback flag and the local-fallback namespace must agree, otherwise
	// a crafted envelope could route real ciphertext through the passthrough.
	if e.Fallback != e.KeyID.IsLocalFallback() {
		return fmt.Errorf("%w: fallback flag does not match key namespace", ErrInvalidEnvelopeFormat)
	}

	return nil
}

// IsFallback reports whether the envelope carries fallback-passthrough data.
// All three sentinel conditions must hold: the flag, the namespace, and the
// zeroed IV/tag.
func (e *EncryptedEnvelope) IsFallback() bool {
	return e.Fallback &&
		e.KeyID.IsLocalFallback() &&
		allZero(e.IV) &&
		allZero(e.Tag)
}

func validKeyID(value any) error {
	keyID, ok := value.(KeyID)
	if !ok {
		return validation.NewError("validation_key_id", "must be a key id")
	}
	if keyID.Namespace == "" {
		return validation.NewError("validation_key_id_namespace", "namespace cannot be empty")
	}
	if keyID.ID == "" {
		return validation.NewError("validation_key_id_id", "id cannot be empty")
	}
	return nil
}

func allZero(b []byte) bool {
	return bytes.Count(b, []byte{0}) == len(b)
}
