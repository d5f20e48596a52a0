// Package testutil provides an in-memory crypto-service implementation used
// as the transport behind the gRPC client in tests.
package testutil

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"math/big"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/sessionkit/cryptolink/internal/crypto/domain"
	"github.com/sessionkit/cryptolink/internal/cryptorpc"
)

// Algorithm names understood by the fake service.
const (
	AlgAESGCM   = "aes_256_gcm"
	AlgChaCha20 = "chacha20_poly1305"
	AlgECDSA    = "ecdsa_p256"
)

// keyVersion holds one version's material and metadata.
type keyVersion struct {
	meta    *domain.KeyMetadata
	aead    cipher.AEAD
	signKey *ecdsa.PrivateKey
}

// FakeCryptoService is an in-memory crypto-service that satisfies the
// client's Invoker interface. It performs real AEAD encryption and ECDSA
// signing so round trips and tamper detection behave like the real service.
type FakeCryptoService struct {
	mu sync.Mutex

	// families maps "namespace/name" to all versions, index 0 unused so
	// version numbers index directly.
	families map[string][]*keyVersion

	unavailable bool
	failNext    []error
	latency     time.Duration
	calls       map[string]int
}

// NewFakeCryptoService creates an empty fake service. Add keys before use.
func NewFakeCryptoService() *FakeCryptoService {
	return &FakeCryptoService{
		families: make(map[string][]*keyVersion),
		calls:    make(map[string]int),
	}
}

// AddSymmetricKey registers version 1 of a symmetric key family and returns
// its key ID. Algorithm is AlgAESGCM or AlgChaCha20.
func (f *FakeCryptoService) AddSymmetricKey(namespace domain.Namespace, name, algorithm string) domain.KeyID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addVersionLocked(namespace, name, algorithm)
}

// AddSigningKey registers version 1 of an ECDSA P-256 signing key family.
func (f *FakeCryptoService) AddSigningKey(namespace domain.Namespace, name string) domain.KeyID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addVersionLocked(namespace, name, AlgECDSA)
}

// RotateKey creates a new active version of a family and deprecates the
// previous one. Returns the new version's key ID.
func (f *FakeCryptoService) RotateKey(namespace domain.Namespace, name string) domain.KeyID {
	f.mu.Lock()
	defer f.mu.Unlock()

	family := string(namespace) + "/" + name
	versions := f.families[family]
	if len(versions) > 1 {
		now := time.Now().UTC()
		prev := versions[len(versions)-1]
		prev.meta.State = domain.KeyStateDeprecated
		prev.meta.RotatedAt = now
	}
	return f.addVersionLocked(namespace, name, f.familyAlgorithmLocked(family))
}

// SetUnavailable makes every subsequent call fail with codes.Unavailable
// until unset.
func (f *FakeCryptoService) SetUnavailable(unavailable bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unavailable = unavailable
}

// FailNext queues an error returned by the next call, before any processing.
func (f *FakeCryptoService) FailNext(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = append(f.failNext, err)
}

// SetLatency delays every call by d.
func (f *FakeCryptoService) SetLatency(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latency = d
}

// Calls returns how many times the given method path was invoked.
func (f *FakeCryptoService) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// Invoke dispatches a unary call the way the real transport would.
func (f *FakeCryptoService) Invoke(
	ctx context.Context,
	method string,
	args, reply any,
	_ ...grpc.CallOption,
) error {
	f.mu.Lock()
	f.calls[method]++
	latency := f.latency
	if f.unavailable {
		f.mu.Unlock()
		return status.Error(codes.Unavailable, "connection refused")
	}
	if len(f.failNext) > 0 {
		err := f.failNext[0]
		f.failNext = f.failNext[1:]
		f.mu.Unlock()
		return err
	}
	f.mu.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch method {
	case cryptorpc.MethodEncrypt:
		return f.encrypt(args.(*cryptorpc.EncryptRequest), reply.(*cryptorpc.EncryptResponse))
	case cryptorpc.MethodDecrypt:
		return f.decrypt(args.(*cryptorpc.DecryptRequest), reply.(*cryptorpc.DecryptResponse))
	case cryptorpc.MethodSign:
		return f.sign(args.(*cryptorpc.SignRequest), reply.(*cryptorpc.SignResponse))
	case cryptorpc.MethodVerify:
		return f.verify(args.(*cryptorpc.VerifyRequest), reply.(*cryptorpc.VerifyResponse))
	case cryptorpc.MethodGetKeyMetadata:
		return f.getKeyMetadata(args.(*cryptorpc.GetKeyMetadataRequest), reply.(*cryptorpc.KeyMetadataResponse))
	case cryptorpc.MethodPing:
		reply.(*cryptorpc.PingResponse).Status = "ok"
		return nil
	default:
		return status.Errorf(codes.Unimplemented, "unknown method %s", method)
	}
}

func (f *FakeCryptoService) addVersionLocked(namespace domain.Namespace, name, algorithm string) domain.KeyID {
	family := string(namespace) + "/" + name
	versions := f.families[family]
	if versions == nil {
		versions = []*keyVersion{nil} // index 0 unused
	}

	version := uint32(len(versions))
	keyID := domain.KeyID{Namespace: namespace, ID: name, Version: version}

	kv := &keyVersion{
		meta: &domain.KeyMetadata{
			ID:                keyID,
			Algorithm:         algorithm,
			State:             domain.KeyStateActive,
			CreatedAt:         time.Now().UTC(),
			OwnerService:      "fake-crypto-service",
			AllowedOperations: []string{"encrypt", "decrypt", "sign", "verify"},
		},
	}
	if version > 1 {
		prev := keyID.WithVersion(version - 1)
		kv.meta.PreviousVersion = &prev
	}

	switch algorithm {
	case AlgECDSA:
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			panic(fmt.Sprintf("testutil: generating ecdsa key: %v", err))
		}
		kv.signKey = key
	case AlgChaCha20:
		material := make([]byte, chacha20poly1305.KeySize)
		mustRandom(material)
		aead, err := chacha20poly1305.New(material)
		if err != nil {
			panic(fmt.Sprintf("testutil: creating chacha20 aead: %v", err))
		}
		kv.aead = aead
	default:
		material := make([]byte, 32)
		mustRandom(material)
		block, err := aes.NewCipher(material)
		if err != nil {
			panic(fmt.Sprintf("testutil: creating aes cipher: %v", err))
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			panic(fmt.Sprintf("testutil: creating gcm aead: %v", err))
		}
		kv.aead = aead
	}

	f.families[family] = append(versions, kv)
	return keyID
}

func (f *FakeCryptoService) familyAlgorithmLocked(family string) string {
	versions := f.families[family]
	if len(versions) > 1 {
		return versions[len(versions)-1].meta.Algorithm
	}
	return AlgAESGCM
}

// activeLocked returns the active version of a family, or nil.
func (f *FakeCryptoService) activeLocked(family string) *keyVersion {
	for _, kv := range f.families[family] {
		if kv != nil && kv.meta.State == domain.KeyStateActive {
			return kv
		}
	}
	return nil
}

func (f *FakeCryptoService) versionLocked(keyID domain.KeyID) *keyVersion {
	family := string(keyID.Namespace) + "/" + keyID.ID
	versions := f.families[family]
	if int(keyID.Version) >= len(versions) || keyID.Version == 0 {
		return nil
	}
	return versions[keyID.Version]
}

func (f *FakeCryptoService) encrypt(req *cryptorpc.EncryptRequest, resp *cryptorpc.EncryptResponse) error {
	kv := f.activeLocked(req.Namespace + "/" + req.KeyName)
	if kv == nil {
		return status.Errorf(codes.NotFound, "%s: no active key %s/%s",
			domain.CodeKeyNotFound, req.Namespace, req.KeyName)
	}
	if kv.aead == nil {
		return status.Errorf(codes.FailedPrecondition, "%s: key %s is not a symmetric key",
			domain.CodeKeyInvalidState, kv.meta.ID)
	}

	nonce := make([]byte, kv.aead.NonceSize())
	mustRandom(nonce)

	sealed := kv.aead.Seal(nil, nonce, req.Plaintext, req.AAD)
	tagStart := len(sealed) - kv.aead.Overhead()

	kv.meta.UsageCount++
	resp.KeyID = kv.meta.ID.String()
	resp.IV = nonce
	resp.Ciphertext = sealed[:tagStart]
	resp.Tag = sealed[tagStart:]
	return nil
}

func (f *FakeCryptoService) decrypt(req *cryptorpc.DecryptRequest, resp *cryptorpc.DecryptResponse) error {
	keyID, err := domain.ParseKeyID(req.KeyID)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "%s: %v", domain.CodeInvalidArgument, err)
	}
	kv := f.versionLocked(keyID)
	if kv == nil {
		return status.Errorf(codes.NotFound, "%s: key %s", domain.CodeKeyNotFound, req.KeyID)
	}
	if kv.aead == nil {
		return status.Errorf(codes.FailedPrecondition, "%s: key %s is not a symmetric key",
			domain.CodeKeyInvalidState, req.KeyID)
	}

	sealed := append(append([]byte{}, req.Ciphertext...), req.Tag...)
	plaintext, err := kv.aead.Open(nil, req.IV, sealed, req.AAD)
	if err != nil {
		return status.Errorf(codes.Internal, "%s: authentication failed", domain.CodeDecryptionFailed)
	}

	kv.meta.UsageCount++
	resp.Plaintext = plaintext
	return nil
}

func (f *FakeCryptoService) sign(req *cryptorpc.SignRequest, resp *cryptorpc.SignResponse) error {
	kv := f.activeLocked(req.Namespace + "/" + req.KeyName)
	if kv == nil {
		return status.Errorf(codes.NotFound, "%s: no active key %s/%s",
			domain.CodeKeyNotFound, req.Namespace, req.KeyName)
	}
	if kv.signKey == nil {
		return status.Errorf(codes.FailedPrecondition, "%s: key %s is not a signing key",
			domain.CodeKeyInvalidState, kv.meta.ID)
	}

	digest := sha256.Sum256(req.SigningInput)
	r, s, err := ecdsa.Sign(rand.Reader, kv.signKey, digest[:])
	if err != nil {
		return status.Errorf(codes.Internal, "%s: %v", domain.CodeSigningFailed, err)
	}

	// Raw JWS signature form: fixed-width r || s.
	signature := make([]byte, 64)
	r.FillBytes(signature[:32])
	s.FillBytes(signature[32:])

	kv.meta.UsageCount++
	resp.KeyID = kv.meta.ID.String()
	resp.Signature = signature
	return nil
}

func (f *FakeCryptoService) verify(req *cryptorpc.VerifyRequest, resp *cryptorpc.VerifyResponse) error {
	keyID, err := domain.ParseKeyID(req.KeyID)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "%s: %v", domain.CodeInvalidArgument, err)
	}
	kv := f.versionLocked(keyID)
	if kv == nil {
		return status.Errorf(codes.NotFound, "%s: key %s", domain.CodeKeyNotFound, req.KeyID)
	}
	if kv.signKey == nil {
		return status.Errorf(codes.FailedPrecondition, "%s: key %s is not a signing key",
			domain.CodeKeyInvalidState, req.KeyID)
	}
	if len(req.Signature) != 64 {
		resp.Valid = false
		return nil
	}

	digest := sha256.Sum256(req.SigningInput)
	r := newBigInt(req.Signature[:32])
	s := newBigInt(req.Signature[32:])
	resp.Valid = ecdsa.Verify(&kv.signKey.PublicKey, digest[:], r, s)
	return nil
}

func (f *FakeCryptoService) getKeyMetadata(
	req *cryptorpc.GetKeyMetadataRequest,
	resp *cryptorpc.KeyMetadataResponse,
) error {
	family := req.Namespace + "/" + req.KeyName

	var kv *keyVersion
	if req.Version == 0 {
		kv = f.activeLocked(family)
	} else {
		kv = f.versionLocked(domain.KeyID{
			Namespace: domain.Namespace(req.Namespace),
			ID:        req.KeyName,
			Version:   req.Version,
		})
	}
	if kv == nil {
		return status.Errorf(codes.NotFound, "%s: key %s version %d",
			domain.CodeKeyNotFound, family, req.Version)
	}

	*resp = *cryptorpc.FromDomain(kv.meta)
	return nil
}

func newBigInt(b []byte) *big.Int {
	return new(big.Int).SetBytes(b)
}

func mustRandom(b []byte) {
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("testutil: reading random bytes: %v", err))
	}
}
