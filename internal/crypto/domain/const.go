package domain

// Namespace identifies a category of protected data. Each namespace owns its
// own key family in the remote crypto-service, so session blobs can never be
// decrypted with the refresh-token key and vice versa.
type Namespace string

const (
	// NamespaceJWT is the key namespace for ID/access token signing keys.
	NamespaceJWT Namespace = "svc:jwt"

	// NamespaceSession is the key namespace for encrypted session blobs.
	NamespaceSession Namespace = "svc:session"

	// NamespaceRefreshToken is the key namespace for encrypted refresh tokens.
	NamespaceRefreshToken Namespace = "svc:refresh_token"

	// NamespaceLocalFallback marks envelopes produced by the local fallback
	// path while the crypto-service was unreachable. Data under this
	// namespace was never encrypted remotely and must only ever be accepted
	// by the fallback decrypt path.
	NamespaceLocalFallback Namespace = "local-fallback"
)

// SigningAlgorithm represents the asymmetric algorithm configured for JWT
// signing in the remote crypto-service.
type SigningAlgorithm string

const (
	// SigningECDSAP256 maps to the JOSE "ES256" algorithm.
	SigningECDSAP256 SigningAlgorithm = "ecdsa_p256"

	// SigningRSA2048 maps to the JOSE "RS256" algorithm.
	SigningRSA2048 SigningAlgorithm = "rsa_2048"
)

// JWSAlgorithm returns the JOSE "alg" header value for the signing algorithm.
// Returns an empty string for unknown algorithms; config validation rejects
// those before any signer is built.
func (a SigningAlgorithm) JWSAlgorithm() string {
	switch a {
	case SigningECDSAP256:
		return "ES256"
	case SigningRSA2048:
		return "RS256"
	default:
		return ""
	}
}

// EnvelopeFormatVersion is the only envelope format version currently written
// or accepted. Bump requires coordination with every service sharing storage.
const EnvelopeFormatVersion = 1

const (
	// GCMNonceSize is the AES-256-GCM nonce length in bytes.
	GCMNonceSize = 12

	// GCMTagSize is the AES-256-GCM authentication tag length in bytes.
	GCMTagSize = 16
)
