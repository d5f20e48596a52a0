package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sessionkit/cryptolink/internal/correlation"
	"github.com/sessionkit/cryptolink/internal/crypto/domain"
	"github.com/sessionkit/cryptolink/internal/cryptorpc"
)

// SignerConfig holds the JWT signer's settings.
type SignerConfig struct {
	// KeyName is the signing key family in the svc:jwt namespace.
	KeyName string

	// Algorithm is the remote signing algorithm.
	Algorithm domain.SigningAlgorithm

	// Expiration is the default token lifetime applied when claims omit
	// "exp".
	Expiration time.Duration
}

// jwtSigner implements TokenSigner. The private signing key never leaves the
// crypto-service: signing sends the JWS signing input over the wire and
// receives the raw signature back. While the service is unreachable, tokens
// degrade to HS256 under a locally derived key; those tokens carry a
// local-fallback "kid" and verify only within this service.
type jwtSigner struct {
	client     RPCClient
	keyManager KeyManager
	fallback   Fallback
	breaker    CircuitBreaker
	toggle     Toggle
	cfg        SignerConfig
	logger     *slog.Logger
}

// NewJWTSigner creates the JWT signer.
func NewJWTSigner(
	client RPCClient,
	keyManager KeyManager,
	fallback Fallback,
	breaker CircuitBreaker,
	toggle Toggle,
	cfg SignerConfig,
	logger *slog.Logger,
) TokenSigner {
	if logger == nil {
		logger = slog.Default()
	}
	return &jwtSigner{
		client:     client,
		keyManager: keyManager,
		fallback:   fallback,
		breaker:    breaker,
		toggle:     toggle,
		cfg:        cfg,
		logger:     logger,
	}
}

// remoteSigningMethod satisfies jwt.SigningMethod by delegating the actual
// signature to the crypto-service.
type remoteSigningMethod struct {
	alg  string
	sign func(signingInput []byte) ([]byte, error)
}

func (m *remoteSigningMethod) Alg() string { return m.alg }

func (m *remoteSigningMethod) Sign(signingString string, _ any) ([]byte, error) {
	return m.sign([]byte(signingString))
}

func (m *remoteSigningMethod) Verify(string, []byte, any) error {
	return fmt.Errorf("remote signing method does not verify locally")
}

// Sign produces a signed compact JWT. Claims without "iat" and "exp" get the
// current time and the configured lifetime.
func (s *jwtSigner) Sign(ctx context.Context, claims jwt.MapClaims) (string, error) {
	ctx, correlationID := correlation.EnsureID(ctx)

	now := time.Now()
	if _, ok := claims["iat"]; !ok {
		claims["iat"] = now.Unix()
	}
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = now.Add(s.cfg.Expiration).Unix()
	}

	if !s.toggle.Enabled() {
		return s.signFallback(ctx, claims)
	}

	var signed string
	err := s.breaker.CallWithFallback(ctx,
		func(ctx context.Context) error {
			token, err := s.signRemote(ctx, claims)
			if err != nil {
				return err
			}
			signed = token
			return nil
		},
		func(ctx context.Context, cause error) error {
			s.logger.Warn("remote signing unavailable, issuing fallback token",
				"error", cause.Error(),
				"correlation_id", correlationID,
			)
			token, fbErr := s.signFallback(ctx, claims)
			if fbErr != nil {
				return cause
			}
			signed = token
			return nil
		},
	)
	if err != nil {
		return "", err
	}
	return signed, nil
}

func (s *jwtSigner) signRemote(ctx context.Context, claims jwt.MapClaims) (string, error) {
	active, err := s.keyManager.GetActiveKey(ctx, domain.NamespaceJWT, s.cfg.KeyName)
	if err != nil {
		return "", err
	}

	alg := s.cfg.Algorithm.JWSAlgorithm()
	if alg == "" {
		return "", domain.NewCryptoError(
			domain.CodeInvalidArgument,
			fmt.Sprintf("unsupported signing algorithm %q", s.cfg.Algorithm),
			correlation.IDFromContext(ctx),
			nil,
		)
	}

	method := &remoteSigningMethod{
		alg: alg,
		sign: func(signingInput []byte) ([]byte, error) {
			resp, err := s.client.Sign(ctx, &cryptorpc.SignRequest{
				KeyName:      s.cfg.KeyName,
				Namespace:    string(domain.NamespaceJWT),
				Algorithm:    string(s.cfg.Algorithm),
				SigningInput: signingInput,
			})
			if err != nil {
				return nil, err
			}
			return resp.Signature, nil
		},
	}

	token := jwt.NewWithClaims(method, claims)
	token.Header["kid"] = active.ID.String()
	return token.SignedString(nil)
}

func (s *jwtSigner) signFallback(ctx context.Context, claims jwt.MapClaims) (string, error) {
	if !s.fallback.Enabled() {
		return "", domain.NewCryptoError(
			domain.CodeSigningFailed,
			"remote signing unavailable and fallback disabled",
			correlation.IDFromContext(ctx),
			nil,
		)
	}

	s.fallback.NoteFallback(ctx, "sign_jwt")

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = s.fallback.SigningKeyID().String()
	signed, err := token.SignedString(s.fallback.SigningKey())
	if err != nil {
		return "", domain.NewCryptoError(
			domain.CodeSigningFailed,
			"fallback signing failed",
			correlation.IDFromContext(ctx),
			err,
		)
	}
	return signed, nil
}

// Verify checks a compact JWT and returns its claims. The "kid" header
// routes between remote verification and locally issued fallback tokens;
// unverified header data is never trusted beyond that routing.
func (s *jwtSigner) Verify(ctx context.Context, tokenString string) (jwt.MapClaims, error) {
	ctx, correlationID := correlation.EnsureID(ctx)

	parser := jwt.NewParser()
	unverified, parts, err := parser.ParseUnverified(tokenString, jwt.MapClaims{})
	if err != nil {
		return nil, domain.NewCryptoError(domain.CodeInvalidArgument, "malformed token", correlationID, err)
	}

	kid, _ := unverified.Header["kid"].(string)
	if kid == "" {
		return nil, domain.NewCryptoError(domain.CodeInvalidArgument, "token has no kid header", correlationID, nil)
	}
	keyID, err := domain.ParseKeyID(kid)
	if err != nil {
		return nil, domain.NewCryptoError(domain.CodeInvalidArgument, "token kid is not a key id", correlationID, err)
	}

	if keyID.IsLocalFallback() {
		return s.verifyFallback(ctx, tokenString, keyID)
	}
	return s.verifyRemote(ctx, tokenString, parts, keyID)
}

func (s *jwtSigner) verifyRemote(
	ctx context.Context,
	tokenString string,
	parts []string,
	keyID domain.KeyID,
) (jwt.MapClaims, error) {
	correlationID := correlation.IDFromContext(ctx)

	signingInput := strings.Join(parts[0:2], ".")
	signature, err := jwt.NewParser().DecodeSegment(parts[2])
	if err != nil {
		return nil, domain.NewCryptoError(domain.CodeInvalidArgument, "malformed token signature", correlationID, err)
	}

	// No fallback here: a remote-signed token cannot be verified locally,
	// so an unreachable service surfaces as an error.
	var valid bool
	err = s.breaker.Call(ctx, func(ctx context.Context) error {
		resp, err := s.client.Verify(ctx, &cryptorpc.VerifyRequest{
			KeyID:        keyID.String(),
			SigningInput: []byte(signingInput),
			Signature:    signature,
		})
		if err != nil {
			return err
		}
		valid = resp.Valid
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !valid {
		return nil, domain.NewCryptoError(domain.CodeSignatureInvalid, "token signature rejected", correlationID, nil)
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil, domain.NewCryptoError(domain.CodeInvalidArgument, "malformed token claims", correlationID, err)
	}
	if err := jwt.NewValidator().Validate(claims); err != nil {
		return nil, domain.NewCryptoError(domain.CodeSignatureInvalid, "token claims rejected", correlationID, err)
	}
	return claims, nil
}

func (s *jwtSigner) verifyFallback(ctx context.Context, tokenString string, keyID domain.KeyID) (jwt.MapClaims, error) {
	correlationID := correlation.IDFromContext(ctx)

	if !s.fallback.Enabled() {
		return nil, domain.NewCryptoError(
			domain.CodeSignatureInvalid,
			"fallback token presented while fallback is disabled",
			correlationID,
			nil,
		)
	}
	if keyID != s.fallback.SigningKeyID() {
		return nil, domain.NewCryptoError(
			domain.CodeSignatureInvalid,
			"unknown fallback key id",
			correlationID,
			nil,
		)
	}

	s.fallback.NoteFallback(ctx, "verify_jwt")

	claims := jwt.MapClaims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	_, err := parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return s.fallback.SigningKey(), nil
	})
	if err != nil {
		return nil, domain.NewCryptoError(domain.CodeSignatureInvalid, "fallback token rejected", correlationID, err)
	}
	return claims, nil
}
