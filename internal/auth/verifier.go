package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"sync"
	"time"
)

// verifiedTTL bounds how long a successful Argon2id verification is reused
// before the presented key is re-derived against the stored hashes.
const verifiedTTL = 5 * time.Minute

// Verifier checks presented API keys against configured credentials.
//
// Hashed keys are the production path: each presented key is derived with
// Argon2id and compared against every stored hash. Because the derivation is
// deliberately expensive, successful verifications are cached (keyed by a
// SHA-256 digest of the presented key, never the key itself) for a short TTL.
// Plaintext keys are a dev-mode convenience compared in constant time.
type Verifier struct {
	hashes []string
	keys   []string

	mu       sync.RWMutex
	verified map[[sha256.Size]byte]time.Time
	done     chan struct{}
	once     sync.Once
}

// NewVerifier creates a Verifier for the given Argon2id hashes and plaintext
// keys. Call Close to stop the cache eviction goroutine.
func NewVerifier(hashes, keys []string) *Verifier {
	v := &Verifier{
		hashes:   hashes,
		keys:     keys,
		verified: make(map[[sha256.Size]byte]time.Time),
		done:     make(chan struct{}),
	}
	go v.evictLoop()
	return v
}

// Enabled reports whether any credentials are configured.
func (v *Verifier) Enabled() bool {
	return len(v.hashes) > 0 || len(v.keys) > 0
}

// Verify reports whether the presented key matches any configured credential.
// Rejections are timing-equalized with DummyVerify when no hash work ran.
func (v *Verifier) Verify(presented string) bool {
	if presented == "" {
		if len(v.hashes) > 0 {
			DummyVerify()
		}
		return false
	}

	// Plaintext dev keys first; constant-time per candidate.
	for _, k := range v.keys {
		if subtle.ConstantTimeCompare([]byte(presented), []byte(k)) == 1 {
			return true
		}
	}

	if len(v.hashes) == 0 {
		return false
	}

	digest := sha256.Sum256([]byte(presented))
	v.mu.RLock()
	exp, ok := v.verified[digest]
	v.mu.RUnlock()
	if ok && time.Now().Before(exp) {
		return true
	}

	for _, h := range v.hashes {
		match, err := VerifyAPIKey(presented, h)
		if err != nil {
			continue
		}
		if match {
			v.mu.Lock()
			v.verified[digest] = time.Now().Add(verifiedTTL)
			v.mu.Unlock()
			return true
		}
	}
	return false
}

// Close stops the background eviction goroutine. Idempotent.
func (v *Verifier) Close() {
	v.once.Do(func() { close(v.done) })
}

// evictLoop removes expired cache entries every minute.
func (v *Verifier) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-v.done:
			return
		case <-ticker.C:
			v.evictExpired()
		}
	}
}

func (v *Verifier) evictExpired() {
	now := time.Now()
	v.mu.Lock()
	defer v.mu.Unlock()

	for k, exp := range v.verified {
		if now.After(exp) {
			delete(v.verified, k)
		}
	}
}
