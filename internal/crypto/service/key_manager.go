// Package service implements the stateful crypto-layer services: the key
// metadata cache and the local fallback provider.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/sessionkit/cryptolink/internal/crypto/domain"
	"github.com/sessionkit/cryptolink/internal/cryptorpc"
)

// MetadataFetcher resolves key metadata from the remote crypto-service.
// *cryptorpc.Client satisfies it.
type MetadataFetcher interface {
	GetKeyMetadata(ctx context.Context, req *cryptorpc.GetKeyMetadataRequest) (*domain.KeyMetadata, error)
}

// KeyManager caches key metadata with a TTL so hot paths resolve the active
// key version without a remote round trip.
//
// Entries are keyed by "namespace/name/version"; version 0 is the alias for
// whichever version is currently active. Lookups check entry expiry inline,
// so the background sweeper only reclaims memory and never affects
// correctness.
type KeyManager struct {
	fetcher MetadataFetcher
	ttl     time.Duration
	logger  *slog.Logger

	mu    sync.RWMutex
	cache map[string]*domain.CachedKeyMetadata
	gens  map[domain.Namespace]uint64

	group singleflight.Group

	sweepOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewKeyManager creates a key manager caching metadata for ttl.
func NewKeyManager(fetcher MetadataFetcher, ttl time.Duration, logger *slog.Logger) *KeyManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &KeyManager{
		fetcher: fetcher,
		ttl:     ttl,
		logger:  logger,
		cache:   make(map[string]*domain.CachedKeyMetadata),
		gens:    make(map[domain.Namespace]uint64),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// GetActiveKey resolves the currently active version of a key family. Served
// from cache within the TTL; a rotation is picked up on the first lookup
// after the cached alias expires or is invalidated.
func (k *KeyManager) GetActiveKey(ctx context.Context, namespace domain.Namespace, keyName string) (*domain.KeyMetadata, error) {
	return k.GetKeyMetadata(ctx, domain.KeyID{Namespace: namespace, ID: keyName})
}

// GetKeyMetadata resolves metadata for a key version. Version 0 resolves the
// active version. Concurrent misses for the same key collapse into a single
// remote fetch.
func (k *KeyManager) GetKeyMetadata(ctx context.Context, keyID domain.KeyID) (*domain.KeyMetadata, error) {
	cacheKey := keyID.String()

	if meta := k.lookup(cacheKey); meta != nil {
		return meta, nil
	}

	result, err, _ := k.group.Do(cacheKey, func() (any, error) {
		// Re-check under the flight: another caller may have just filled it.
		if meta := k.lookup(cacheKey); meta != nil {
			return meta, nil
		}

		gen := k.generation(keyID.Namespace)
		meta, err := k.fetcher.GetKeyMetadata(ctx, &cryptorpc.GetKeyMetadataRequest{
			Namespace: string(keyID.Namespace),
			KeyName:   keyID.ID,
			Version:   keyID.Version,
		})
		if err != nil {
			return nil, err
		}

		keys := []string{cacheKey}
		if keyID.Version == 0 {
			// Also cache under the resolved version so a later
			// version-specific lookup hits.
			keys = append(keys, meta.ID.String())
		}
		k.storeIfCurrent(keyID.Namespace, gen, keys, meta)
		return meta, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*domain.KeyMetadata), nil
}

// GetKeyVersions returns all known versions of a key family, newest first,
// by walking the previous-version chain from the active version.
func (k *KeyManager) GetKeyVersions(ctx context.Context, namespace domain.Namespace, keyName string) ([]*domain.KeyMetadata, error) {
	active, err := k.GetActiveKey(ctx, namespace, keyName)
	if err != nil {
		return nil, err
	}

	versions := []*domain.KeyMetadata{active}
	for prev := active.PreviousVersion; prev != nil; {
		meta, err := k.GetKeyMetadata(ctx, *prev)
		if err != nil {
			if domain.IsCode(err, domain.CodeKeyNotFound) {
				// Destroyed versions truncate the chain.
				break
			}
			return nil, fmt.Errorf("walking versions of %s/%s: %w", namespace, keyName, err)
		}
		versions = append(versions, meta)
		prev = meta.PreviousVersion
	}
	return versions, nil
}

// IsDeprecated reports whether a key version has been rotated out.
func (k *KeyManager) IsDeprecated(ctx context.Context, keyID domain.KeyID) (bool, error) {
	meta, err := k.GetKeyMetadata(ctx, keyID)
	if err != nil {
		return false, err
	}
	return meta.IsDeprecated(), nil
}

// Invalidate drops the cached entry for one key version and the family's
// active-version alias.
func (k *KeyManager) Invalidate(keyID domain.KeyID) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.gens[keyID.Namespace]++
	delete(k.cache, keyID.String())
	delete(k.cache, keyID.Family().String())
}

// InvalidateNamespace drops every cached entry in the namespace. Called when
// a rotation event arrives so the next lookup observes the new active
// version immediately.
func (k *KeyManager) InvalidateNamespace(namespace domain.Namespace) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.gens[namespace]++
	prefix := string(namespace) + "/"
	for key := range k.cache {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(k.cache, key)
		}
	}
}

// Start launches the background sweeper that evicts expired entries. The
// sweeper runs until Stop is called.
func (k *KeyManager) Start() {
	k.sweepOnce.Do(func() {
		go k.sweeper()
	})
}

// Stop terminates the sweeper and waits for it to exit. Safe to call without
// a prior Start and safe to call twice.
func (k *KeyManager) Stop() {
	k.sweepOnce.Do(func() {
		close(k.done)
	})
	k.stopOnce.Do(func() {
		close(k.stop)
	})
	<-k.done
}

func (k *KeyManager) sweeper() {
	defer close(k.done)

	interval := k.ttl
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			k.evictExpired()
		case <-k.stop:
			return
		}
	}
}

func (k *KeyManager) evictExpired() {
	now := time.Now()
	k.mu.Lock()
	defer k.mu.Unlock()
	for key, entry := range k.cache {
		if entry.Expired(now) {
			delete(k.cache, key)
		}
	}
}

func (k *KeyManager) lookup(cacheKey string) *domain.KeyMetadata {
	k.mu.RLock()
	defer k.mu.RUnlock()
	entry, ok := k.cache[cacheKey]
	if !ok || entry.Expired(time.Now()) {
		return nil
	}
	return entry.Metadata
}

// generation returns the namespace's invalidation counter. A fetch records it
// before hitting the remote service so a stale result can be detected.
func (k *KeyManager) generation(namespace domain.Namespace) uint64 {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.gens[namespace]
}

// storeIfCurrent caches meta under the given keys unless the namespace was
// invalidated while the fetch was in flight. A fetch that raced a rotation
// may carry the pre-rotation active version; caching it would serve stale
// metadata for a full TTL, so it is discarded and the next lookup refetches.
func (k *KeyManager) storeIfCurrent(namespace domain.Namespace, gen uint64, cacheKeys []string, meta *domain.KeyMetadata) {
	now := time.Now()
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.gens[namespace] != gen {
		return
	}
	for _, cacheKey := range cacheKeys {
		k.cache[cacheKey] = &domain.CachedKeyMetadata{
			Metadata:  meta,
			CachedAt:  now,
			ExpiresAt: now.Add(k.ttl),
		}
	}
}
