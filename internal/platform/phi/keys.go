package phi

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/argon2"
	"golang.org/x/sync/singleflight"
)

// Recorder is the audit sink the key manager and cipher emit into. The
// concrete Ledger satisfies it; tests can substitute a capture.
type Recorder interface {
	Log(e *Event) (uuid.UUID, error)
}

// Argon2Params defines the parameters for argon2id key derivation.
type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultArgon2Params returns recommended parameters for argon2id.
func DefaultArgon2Params() *Argon2Params {
	return &Argon2Params{
		Memory:      64 * 1024, // 64MB
		Iterations:  3,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32,
	}
}

// SubjectKey is one data subject's encryption key. The raw material never
// leaves the key manager except to the cipher; envelopes reference it by
// KeyID only.
type SubjectKey struct {
	KeyID     string
	SubjectID string
	Key       []byte
	Salt      []byte
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the key's rotation window has elapsed.
func (k *SubjectKey) Expired(now time.Time) bool {
	return !now.Before(k.ExpiresAt)
}

// KeyManagerConfig holds the key manager tunables.
type KeyManagerConfig struct {
	// MasterSecret seeds every subject key derivation. Required, 32 bytes.
	MasterSecret []byte
	// RotationPeriod is how long a subject key stays active. Default 90 days.
	RotationPeriod time.Duration
	// Params tunes the argon2id derivation. Defaults applied when nil.
	Params *Argon2Params
}

// KeyManager derives and caches per-subject encryption keys. Expiry is
// checked lazily on lookup; superseded keys are retained by key id so
// envelopes encrypted before a rotation remain decryptable.
type KeyManager struct {
	cfg      KeyManagerConfig
	recorder Recorder
	logger   zerolog.Logger

	mu      sync.RWMutex
	active  map[string]*SubjectKey // by subject id
	history map[string]*SubjectKey // by key id

	group singleflight.Group
}

// NewKeyManager creates a key manager. A missing or short master secret is a
// ConfigurationError: the process must refuse to start rather than derive
// keys from a guessable seed.
func NewKeyManager(cfg KeyManagerConfig, recorder Recorder, logger zerolog.Logger) (*KeyManager, error) {
	if len(cfg.MasterSecret) == 0 {
		return nil, &ConfigurationError{Field: "PHI_MASTER_SECRET", Reason: "must not be empty"}
	}
	if len(cfg.MasterSecret) < 32 {
		return nil, &ConfigurationError{
			Field:  "PHI_MASTER_SECRET",
			Reason: fmt.Sprintf("must be at least 32 bytes, got %d", len(cfg.MasterSecret)),
		}
	}
	if cfg.RotationPeriod <= 0 {
		cfg.RotationPeriod = 90 * 24 * time.Hour
	}
	if cfg.Params == nil {
		cfg.Params = DefaultArgon2Params()
	}
	return &KeyManager{
		cfg:      cfg,
		recorder: recorder,
		logger:   logger.With().Str("component", "key-manager").Logger(),
		active:   make(map[string]*SubjectKey),
		history:  make(map[string]*SubjectKey),
	}, nil
}

// GetSubjectKey returns the subject's active key, deriving a new one when the
// subject has never been seen or the cached key has expired. Concurrent first
// accesses for the same subject collapse into a single derivation, so exactly
// one key is cached and every caller sees it.
func (m *KeyManager) GetSubjectKey(ctx context.Context, subjectID string) (*SubjectKey, error) {
	if subjectID == "" {
		return nil, &EncryptionError{Reason: "subject id must not be empty"}
	}

	now := time.Now().UTC()
	m.mu.RLock()
	key, ok := m.active[subjectID]
	m.mu.RUnlock()
	if ok && !key.Expired(now) {
		return key, nil
	}

	v, err, _ := m.group.Do(subjectID, func() (any, error) {
		// Re-check: a concurrent caller may have derived while we waited.
		m.mu.RLock()
		key, ok := m.active[subjectID]
		m.mu.RUnlock()
		if ok && !key.Expired(time.Now().UTC()) {
			return key, nil
		}
		return m.generate(ctx, subjectID, "lazy")
	})
	if err != nil {
		return nil, err
	}
	return v.(*SubjectKey), nil
}

// RotateSubjectKey forces a new key for the subject regardless of expiry. The
// superseded key stays resolvable by id for decrypting older envelopes.
func (m *KeyManager) RotateSubjectKey(ctx context.Context, subjectID string) (*SubjectKey, error) {
	if subjectID == "" {
		return nil, &EncryptionError{Reason: "subject id must not be empty"}
	}

	m.mu.RLock()
	old := m.active[subjectID]
	m.mu.RUnlock()

	key, err := m.generate(ctx, subjectID, "forced")
	if err != nil {
		return nil, err
	}

	details := map[string]any{"new_key_id": key.KeyID}
	if old != nil {
		details["old_key_id"] = old.KeyID
	}
	m.audit(&Event{
		ActorType:    ActorTypeSystem,
		Action:       ActionKeyRotated,
		ResourceType: "encryption_key",
		ResourceID:   subjectID,
		Details:      details,
	})
	return key, nil
}

// ResolveKey looks up a key by the identifier an envelope references. A miss
// is KeyRotationRequired, not corruption: the caller should re-encrypt.
func (m *KeyManager) ResolveKey(keyID string) (*SubjectKey, error) {
	m.mu.RLock()
	key, ok := m.history[keyID]
	m.mu.RUnlock()
	if !ok {
		return nil, &KeyRotationRequired{KeyID: keyID}
	}
	return key, nil
}

// generate derives a fresh key and installs it as the subject's active key.
// The derivation is CPU-bound and deliberately slow; it runs off the caller's
// goroutine so the context deadline is honored.
func (m *KeyManager) generate(ctx context.Context, subjectID, trigger string) (*SubjectKey, error) {
	salt := make([]byte, m.cfg.Params.SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, &EncryptionError{Reason: "generate salt", Err: err}
	}

	now := time.Now().UTC()
	key := &SubjectKey{
		KeyID:     fmt.Sprintf("subj-%s-%d", subjectID, now.UnixNano()),
		SubjectID: subjectID,
		Salt:      salt,
		CreatedAt: now,
		ExpiresAt: now.Add(m.cfg.RotationPeriod),
	}

	material, err := m.derive(ctx, subjectID, salt)
	if err != nil {
		return nil, err
	}
	key.Key = material

	m.mu.Lock()
	m.active[subjectID] = key
	m.history[key.KeyID] = key
	m.mu.Unlock()
	keyDerivations.WithLabelValues(trigger).Inc()

	if trigger == "lazy" {
		m.audit(&Event{
			ActorType:    ActorTypeSystem,
			Action:       ActionKeyGenerated,
			ResourceType: "encryption_key",
			ResourceID:   subjectID,
			Details:      map[string]any{"key_id": key.KeyID},
		})
	}
	return key, nil
}

// derive runs argon2id(masterSecret || subjectID, salt) off-goroutine and
// waits for either the result or context expiry.
func (m *KeyManager) derive(ctx context.Context, subjectID string, salt []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: key derivation: %v", ErrUnavailable, err)
	}
	done := make(chan []byte, 1)
	go func() {
		seed := make([]byte, 0, len(m.cfg.MasterSecret)+len(subjectID))
		seed = append(seed, m.cfg.MasterSecret...)
		seed = append(seed, subjectID...)
		done <- argon2.IDKey(seed, salt,
			m.cfg.Params.Iterations,
			m.cfg.Params.Memory,
			m.cfg.Params.Parallelism,
			m.cfg.Params.KeyLength)
	}()

	select {
	case material := <-done:
		return material, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: key derivation: %v", ErrUnavailable, ctx.Err())
	}
}

func (m *KeyManager) audit(e *Event) {
	if m.recorder == nil {
		return
	}
	if _, err := m.recorder.Log(e); err != nil {
		m.logger.Error().Err(err).Str("action", e.Action).Msg("failed to audit key event")
	}
}
