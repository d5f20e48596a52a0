// Package cryptorpc implements the gRPC client for the remote crypto-service.
//
// All calls flow through a single worker goroutine that owns the connection,
// so connection state transitions are serialized and callers never share the
// underlying stream concurrently. Requests and responses travel as JSON over
// gRPC using a per-call codec.
package cryptorpc

// Service method paths.
const (
	MethodEncrypt        = "/crypto.v1.CryptoService/Encrypt"
	MethodDecrypt        = "/crypto.v1.CryptoService/Decrypt"
	MethodSign           = "/crypto.v1.CryptoService/Sign"
	MethodVerify         = "/crypto.v1.CryptoService/Verify"
	MethodGetKeyMetadata = "/crypto.v1.CryptoService/GetKeyMetadata"
	MethodPing           = "/crypto.v1.CryptoService/Ping"
)

// EncryptRequest asks the service to encrypt plaintext under the active
// version of the named key. AAD is bound into the authentication tag and must
// be presented unchanged on decrypt.
type EncryptRequest struct {
	KeyName   string `json:"key_name"`
	Namespace string `json:"namespace"`
	Plaintext []byte `json:"plaintext"`
	AAD       []byte `json:"aad,omitempty"`
}

// EncryptResponse carries the ciphertext components and the exact key version
// used, in canonical "namespace/id/version" form.
type EncryptResponse struct {
	KeyID      string `json:"key_id"`
	IV         []byte `json:"iv"`
	Tag        []byte `json:"tag"`
	Ciphertext []byte `json:"ciphertext"`
}

// DecryptRequest asks the service to decrypt ciphertext under a specific key
// version.
type DecryptRequest struct {
	KeyID      string `json:"key_id"`
	IV         []byte `json:"iv"`
	Tag        []byte `json:"tag"`
	Ciphertext []byte `json:"ciphertext"`
	AAD        []byte `json:"aad,omitempty"`
}

// DecryptResponse carries the recovered plaintext.
type DecryptResponse struct {
	Plaintext []byte `json:"plaintext"`
}

// SignRequest asks the service to sign the JWS signing input with the active
// version of the named signing key.
type SignRequest struct {
	KeyName      string `json:"key_name"`
	Namespace    string `json:"namespace"`
	Algorithm    string `json:"algorithm"`
	SigningInput []byte `json:"signing_input"`
}

// SignResponse carries the raw signature and the exact key version that
// produced it.
type SignResponse struct {
	KeyID     string `json:"key_id"`
	Signature []byte `json:"signature"`
}

// VerifyRequest asks the service to verify a signature under a specific key
// version.
type VerifyRequest struct {
	KeyID        string `json:"key_id"`
	SigningInput []byte `json:"signing_input"`
	Signature    []byte `json:"signature"`
}

// VerifyResponse reports the verification outcome.
type VerifyResponse struct {
	Valid bool `json:"valid"`
}

// GetKeyMetadataRequest resolves key metadata. With Version 0 the service
// returns the currently active version of the family.
type GetKeyMetadataRequest struct {
	Namespace string `json:"namespace"`
	KeyName   string `json:"key_name"`
	Version   uint32 `json:"version,omitempty"`
}

// KeyMetadataResponse is the wire form of one key version's metadata.
// Timestamps are Unix seconds; zero means unset.
type KeyMetadataResponse struct {
	KeyID             string   `json:"key_id"`
	Algorithm         string   `json:"algorithm"`
	State             string   `json:"state"`
	CreatedAt         int64    `json:"created_at"`
	ExpiresAt         int64    `json:"expires_at,omitempty"`
	RotatedAt         int64    `json:"rotated_at,omitempty"`
	PreviousVersion   string   `json:"previous_version,omitempty"`
	OwnerService      string   `json:"owner_service"`
	AllowedOperations []string `json:"allowed_operations"`
	UsageCount        uint64   `json:"usage_count"`
}

// PingRequest probes service liveness.
type PingRequest struct{}

// PingResponse reports service liveness.
type PingResponse struct {
	Status string `json:"status"`
}
