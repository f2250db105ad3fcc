package session

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"
	"golang.org/x/crypto/nacl/secretbox"
)

// AcquireFunc runs a fresh login flow for providerID and returns the bundle
// it harvested. It is invoked by the Store at most once per providerID at a
// time, regardless of how many concurrent callers ask for it.
type AcquireFunc func(ctx context.Context, providerID string) (Bundle, error)

// Config controls the on-disk layout and encryption of the Store.
type Config struct {
	Dir string
	// Key, if set, is a 32-byte secret used to encrypt bundles at rest with
	// nacl/secretbox. If unset, bundles are written in plaintext and a
	// warning is logged once per Store — this is an explicit opt-out, not
	// a silent fallback.
	Key []byte
}

// Store is the Session Store: a persisted cache of Bundles keyed by
// provider id, backed by one file per provider under Config.Dir.
type Store struct {
	cfg    Config
	logger *zap.Logger

	mu    sync.RWMutex
	cache map[string]Bundle

	inflightMu sync.Mutex
	inflight   map[string]*acquisition

	warnedPlaintext bool
}

type acquisition struct {
	done   chan struct{}
	bundle Bundle
	err    error
}

// New constructs a Store rooted at cfg.Dir, creating it if necessary.
func New(cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Dir == "" {
		return nil, errors.New("session: Dir must be set")
	}
	if len(cfg.Key) != 0 && len(cfg.Key) != 32 {
		return nil, fmt.Errorf("session: Key must be 32 bytes, got %d", len(cfg.Key))
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("session: create dir: %w", err)
	}
	return &Store{
		cfg:      cfg,
		logger:   logger,
		cache:    make(map[string]Bundle),
		inflight: make(map[string]*acquisition),
	}, nil
}

// Get returns the cached bundle for providerID, loading it from disk on a
// cold cache. The second return value is false if no usable (unexpired)
// bundle exists.
func (s *Store) Get(providerID string) (Bundle, bool) {
	s.mu.RLock()
	b, ok := s.cache[providerID]
	s.mu.RUnlock()
	if ok {
		if b.Expired(time.Now()) {
			return Bundle{}, false
		}
		return b, true
	}

	b, err := s.readFromDisk(providerID)
	if err != nil || b.Expired(time.Now()) {
		return Bundle{}, false
	}

	s.mu.Lock()
	s.cache[providerID] = b
	s.mu.Unlock()
	return b, true
}

// Put stores a freshly acquired bundle, both in memory and on disk.
func (s *Store) Put(providerID string, b Bundle) error {
	b.ProviderID = providerID
	if err := s.writeToDisk(providerID, b); err != nil {
		return err
	}
	s.mu.Lock()
	s.cache[providerID] = b
	s.mu.Unlock()
	return nil
}

// Invalidate drops the bundle for providerID from cache and disk, forcing
// the next GetOrAcquire to run a fresh login flow.
func (s *Store) Invalidate(providerID string) error {
	s.mu.Lock()
	delete(s.cache, providerID)
	s.mu.Unlock()

	path := s.bundlePath(providerID)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// GetOrAcquire returns a cached, unexpired bundle if one exists; otherwise
// it runs acquire exactly once per providerID, sharing the result among any
// callers that arrive while that acquisition is in flight.
func (s *Store) GetOrAcquire(ctx context.Context, providerID string, acquire AcquireFunc) (Bundle, error) {
	if b, ok := s.Get(providerID); ok {
		return b, nil
	}

	s.inflightMu.Lock()
	if a, ok := s.inflight[providerID]; ok {
		s.inflightMu.Unlock()
		return waitFor(ctx, a)
	}

	a := &acquisition{done: make(chan struct{})}
	s.inflight[providerID] = a
	s.inflightMu.Unlock()

	go func() {
		b, err := acquire(context.WithoutCancel(ctx), providerID)
		if err == nil {
			if putErr := s.Put(providerID, b); putErr != nil {
				s.logger.Warn("session: failed to persist acquired bundle",
					zap.String("provider_id", providerID), zap.Error(putErr))
			}
		}
		a.bundle, a.err = b, err
		close(a.done)

		s.inflightMu.Lock()
		delete(s.inflight, providerID)
		s.inflightMu.Unlock()
	}()

	return waitFor(ctx, a)
}

func waitFor(ctx context.Context, a *acquisition) (Bundle, error) {
	select {
	case <-ctx.Done():
		return Bundle{}, ctx.Err()
	case <-a.done:
		return a.bundle, a.err
	}
}

// Stats reports a redacted snapshot of every bundle currently cached.
func (s *Store) Stats() []Stat {
	now := time.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make([]Stat, 0, len(s.cache))
	for id, b := range s.cache {
		stats = append(stats, Stat{
			ProviderID: id,
			Age:        b.Age(now),
			TimeLeft:   b.TimeToExpiry(now),
			Expired:    b.Expired(now),
		})
	}
	return stats
}

func (s *Store) bundlePath(providerID string) string {
	return filepath.Join(s.cfg.Dir, providerID+".session.json")
}

func (s *Store) readFromDisk(providerID string) (Bundle, error) {
	path := s.bundlePath(providerID)
	lock := flock.New(path + ".lock")
	if err := lock.RLock(); err != nil {
		return Bundle{}, err
	}
	defer lock.Unlock()

	raw, err := os.ReadFile(path)
	if err != nil {
		return Bundle{}, err
	}

	plain, err := s.decrypt(raw)
	if err != nil {
		return Bundle{}, err
	}

	var b Bundle
	if err := json.Unmarshal(plain, &b); err != nil {
		return Bundle{}, err
	}
	return b, nil
}

func (s *Store) writeToDisk(providerID string, b Bundle) error {
	path := s.bundlePath(providerID)
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return err
	}
	defer lock.Unlock()

	plain, err := json.Marshal(b)
	if err != nil {
		return err
	}

	cipher, err := s.encrypt(plain)
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, cipher, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// encrypt seals plain with secretbox when a key is configured. With no key,
// it returns plain unmodified and logs a one-time warning — the operator
// has explicitly opted out of encryption at rest by leaving session_key
// unset.
func (s *Store) encrypt(plain []byte) ([]byte, error) {
	if len(s.cfg.Key) == 0 {
		if !s.warnedPlaintext {
			s.warnedPlaintext = true
			s.logger.Warn("session: session_key not set, storing session bundles in plaintext")
		}
		return plain, nil
	}

	var key [32]byte
	copy(key[:], s.cfg.Key)

	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}

	return secretbox.Seal(nonce[:], plain, &nonce, &key), nil
}

func (s *Store) decrypt(cipher []byte) ([]byte, error) {
	if len(s.cfg.Key) == 0 {
		return cipher, nil
	}
	if len(cipher) < 24 {
		return nil, errors.New("session: ciphertext too short")
	}

	var key [32]byte
	copy(key[:], s.cfg.Key)

	var nonce [24]byte
	copy(nonce[:], cipher[:24])

	plain, ok := secretbox.Open(nil, cipher[24:], &nonce, &key)
	if !ok {
		return nil, errors.New("session: decryption failed, wrong key or corrupted bundle")
	}
	return plain, nil
}
