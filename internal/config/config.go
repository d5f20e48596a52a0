// Package config provides application configuration through environment variables.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/allisson/go-env"
	validation "github.com/jellydator/validation"
	"github.com/joho/godotenv"

	"github.com/sessionkit/cryptolink/internal/crypto/domain"
	appvalidation "github.com/sessionkit/cryptolink/internal/validation"
)

// Config holds all application configuration.
//
// Every setting has a validated default. Validate rejects invalid values so
// startup fails loudly instead of silently coercing.
type Config struct {
	// ServerHost is the host address the health/readiness server binds to.
	ServerHost string
	// ServerPort is the port the health/readiness server listens on.
	ServerPort int

	// LogLevel is the logging level (e.g., "debug", "info", "warn", "error").
	LogLevel string

	// CryptoServiceEndpoint is the host:port of the remote crypto-service.
	CryptoServiceEndpoint string
	// CryptoTimeout bounds every remote crypto call.
	CryptoTimeout time.Duration
	// CryptoEnabled gates the remote path globally; when false every
	// component uses the local fallback unconditionally.
	CryptoEnabled bool
	// FallbackEnabled permits degraded local operation while the remote
	// crypto-service is unreachable.
	FallbackEnabled bool
	// RequiredForReadiness makes readiness fail when the crypto-service is
	// unreachable, instead of reporting degraded.
	RequiredForReadiness bool
	// LatencyWarning is the remote-call duration above which a warning is logged.
	LatencyWarning time.Duration

	// CacheTTL bounds how long key metadata is served from the local cache.
	CacheTTL time.Duration

	// CircuitBreakerThreshold is the consecutive transient-failure count that
	// opens the circuit.
	CircuitBreakerThreshold int
	// CircuitBreakerTimeout is how long the circuit stays open before a
	// half-open probe is allowed.
	CircuitBreakerTimeout time.Duration

	// JWTKeyName is the key family name in the svc:jwt namespace.
	JWTKeyName string
	// SessionKeyName is the key family name in the svc:session namespace.
	SessionKeyName string
	// RefreshTokenKeyName is the key family name in the svc:refresh_token namespace.
	RefreshTokenKeyName string
	// JWTAlgorithm selects the remote signing algorithm (ecdsa_p256 or rsa_2048).
	JWTAlgorithm domain.SigningAlgorithm
	// JWTExpiration is the default token lifetime applied when claims omit "exp".
	JWTExpiration time.Duration

	// FallbackKeyURI is the gocloud secrets keeper URI protecting the local
	// fallback signing key (e.g. "base64key://...", "hashivault://...").
	FallbackKeyURI string
	// FallbackKeyCiphertext is the keeper-encrypted fallback key seed, base64 encoded.
	FallbackKeyCiphertext string

	// CORSEnabled indicates whether CORS is enabled on the health server.
	CORSEnabled bool
	// CORSAllowOrigins is a comma-separated list of allowed origins for CORS.
	CORSAllowOrigins string

	// MetricsEnabled indicates whether metrics collection is enabled.
	MetricsEnabled bool
	// MetricsNamespace is the namespace prefix for application metrics.
	MetricsNamespace string
	// MetricsPort is the port number for the metrics server.
	MetricsPort int
}

// Load loads configuration from environment variables and .env file.
func Load() *Config {
	// Try to load .env file recursively
	loadDotEnv()

	return &Config{
		// Server configuration
		ServerHost: env.GetString("SERVER_HOST", "0.0.0.0"),
		ServerPort: env.GetInt("SERVER_PORT", 8080),

		// Logging
		LogLevel: env.GetString("LOG_LEVEL", "info"),

		// Crypto-service client
		CryptoServiceEndpoint: env.GetString("CRYPTO_SERVICE_ENDPOINT", "localhost:50051"),
		CryptoTimeout:         env.GetDuration("CRYPTO_TIMEOUT_MS", 5000, time.Millisecond),
		CryptoEnabled:         env.GetBool("CRYPTO_ENABLED", true),
		FallbackEnabled:       env.GetBool("CRYPTO_FALLBACK_ENABLED", true),
		RequiredForReadiness:  env.GetBool("CRYPTO_REQUIRED_FOR_READINESS", false),
		LatencyWarning:        env.GetDuration("CRYPTO_LATENCY_WARNING_MS", 1000, time.Millisecond),

		// Key metadata cache
		CacheTTL: env.GetDuration("CRYPTO_CACHE_TTL_S", 300, time.Second),

		// Circuit breaker
		CircuitBreakerThreshold: env.GetInt("CIRCUIT_BREAKER_THRESHOLD", 5),
		CircuitBreakerTimeout:   env.GetDuration("CIRCUIT_BREAKER_TIMEOUT_MS", 30000, time.Millisecond),

		// Key names and signing
		JWTKeyName:          env.GetString("JWT_KEY_NAME", "jwt-signing-key"),
		SessionKeyName:      env.GetString("SESSION_KEY_NAME", "session-key"),
		RefreshTokenKeyName: env.GetString("REFRESH_TOKEN_KEY_NAME", "refresh-token-key"),
		JWTAlgorithm:        domain.SigningAlgorithm(env.GetString("JWT_ALGORITHM", "ecdsa_p256")),
		JWTExpiration:       env.GetDuration("JWT_EXPIRATION_SECONDS", 3600, time.Second),

		// Fallback key material
		FallbackKeyURI:        env.GetString("FALLBACK_KEY_URI", "base64key://smGbjm71Nxd1Ig5FS0wj9SlbzAIrnolCz9bQQ6uAhl4="),
		FallbackKeyCiphertext: env.GetString("FALLBACK_KEY_CIPHERTEXT", ""),

		// CORS
		CORSEnabled:      env.GetBool("CORS_ENABLED", false),
		CORSAllowOrigins: env.GetString("CORS_ALLOW_ORIGINS", ""),

		// Metrics
		MetricsEnabled:   env.GetBool("METRICS_ENABLED", true),
		MetricsNamespace: env.GetString("METRICS_NAMESPACE", "cryptolink"),
		MetricsPort:      env.GetInt("METRICS_PORT", 8081),
	}
}

// Validate checks every setting against its allowed range. A non-nil error
// must abort process startup.
func (c *Config) Validate() error {
	err := validation.ValidateStruct(c,
		validation.Field(&c.ServerPort, validation.Min(1), validation.Max(65535)),
		validation.Field(&c.MetricsPort, validation.Min(1), validation.Max(65535)),
		validation.Field(&c.LogLevel, validation.In("debug", "info", "warn", "error")),
		validation.Field(&c.CryptoServiceEndpoint, validation.Required, validation.By(appvalidation.HostPort)),
		validation.Field(&c.CryptoTimeout, validation.Min(time.Millisecond)),
		validation.Field(&c.LatencyWarning, validation.Min(time.Millisecond)),
		validation.Field(&c.CacheTTL, validation.Min(time.Second)),
		validation.Field(&c.CircuitBreakerThreshold, validation.Min(1)),
		validation.Field(&c.CircuitBreakerTimeout, validation.Min(time.Millisecond)),
		validation.Field(&c.JWTKeyName, validation.Required),
		validation.Field(&c.SessionKeyName, validation.Required),
		validation.Field(&c.RefreshTokenKeyName, validation.Required),
		validation.Field(&c.JWTAlgorithm, validation.In(domain.SigningECDSAP256, domain.SigningRSA2048)),
		validation.Field(&c.JWTExpiration, validation.Min(time.Second)),
		validation.Field(&c.FallbackKeyURI, validation.Required.When(c.FallbackEnabled)),
	)
	return appvalidation.WrapValidationError(err)
}

// KeyName returns the configured key family name for a namespace. The second
// return value is false for namespaces without a configured key.
func (c *Config) KeyName(ns domain.Namespace) (string, bool) {
	switch ns {
	case domain.NamespaceJWT:
		return c.JWTKeyName, true
	case domain.NamespaceSession:
		return c.SessionKeyName, true
	case domain.NamespaceRefreshToken:
		return c.RefreshTokenKeyName, true
	default:
		return "", false
	}
}

// GetGinMode returns the appropriate Gin mode based on log level.
func (c *Config) GetGinMode() string {
	switch c.LogLevel {
	case "debug":
		return "debug"
	default:
		return "release"
	}
}

// loadDotEnv searches for a .env file recursively from the current directory
// up to the root directory and loads it if found.
func loadDotEnv() {
	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	dir := cwd
	for {
		envPath := filepath.Join(dir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			_ = godotenv.Load(envPath)
			return
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
}
