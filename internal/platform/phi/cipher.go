package phi

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
)

// AlgorithmAESGCM identifies the only authenticated encryption mode the
// cipher produces. The field exists so envelopes stay self-describing if the
// algorithm ever changes.
const AlgorithmAESGCM = "aes-256-gcm"

const gcmTagSize = 16

// Envelope is a self-describing ciphertext container. All binary fields are
// hex encoded for safe embedding in text storage columns. An envelope is a
// value object: created on encrypt, consumed unchanged on decrypt.
type Envelope struct {
	Data         string    `json:"data"`
	IV           string    `json:"iv"`
	Tag          string    `json:"tag"`
	KeyID        string    `json:"key_id"`
	Algorithm    string    `json:"algorithm"`
	CreatedAt    time.Time `json:"created_at"`
	Platform     string    `json:"platform,omitempty"`
	SharingLevel string    `json:"sharing_level,omitempty"`
}

// Cipher performs authenticated encryption of structured PHI under
// per-subject keys. Every call, successful or not, emits exactly one audit
// event; no plaintext or ciphertext ever reaches a log or audit detail.
type Cipher struct {
	keys     *KeyManager
	recorder Recorder
	logger   zerolog.Logger
}

// NewCipher creates a cipher over the given key manager and audit recorder.
func NewCipher(keys *KeyManager, recorder Recorder, logger zerolog.Logger) *Cipher {
	return &Cipher{
		keys:     keys,
		recorder: recorder,
		logger:   logger.With().Str("component", "phi-cipher").Logger(),
	}
}

// Encrypt serializes data, obtains the subject's active key, and seals the
// payload with AES-256-GCM under a fresh IV. The PHI_ENCRYPTED audit event
// carries only the data type and byte size.
func (c *Cipher) Encrypt(ctx context.Context, data map[string]any, subjectID, dataType string) (*Envelope, error) {
	if len(data) == 0 {
		err := &EncryptionError{Reason: "empty payload"}
		c.auditEncrypt(subjectID, dataType, 0, err)
		return nil, err
	}

	key, err := c.keys.GetSubjectKey(ctx, subjectID)
	if err != nil {
		if !errors.Is(err, ErrUnavailable) {
			err = &EncryptionError{Reason: "key retrieval failed", Err: err}
		}
		c.auditEncrypt(subjectID, dataType, 0, err)
		return nil, err
	}

	// encoding/json sorts map keys, so the serialization is deterministic.
	plaintext, err := json.Marshal(data)
	if err != nil {
		wrapped := &EncryptionError{Reason: "serialize payload", Err: err}
		c.auditEncrypt(subjectID, dataType, 0, wrapped)
		return nil, wrapped
	}

	env, err := seal(key, plaintext)
	if err != nil {
		c.auditEncrypt(subjectID, dataType, len(plaintext), err)
		return nil, err
	}

	c.auditEncrypt(subjectID, dataType, len(plaintext), nil)
	return env, nil
}

// Decrypt resolves the key the envelope references, verifies the integrity
// tag, and deserializes the plaintext. A key identifier for a different
// subject fails before any key material is touched. Failures are audited as
// PHI_DECRYPTION_FAILED with a reason code before the error is returned.
func (c *Cipher) Decrypt(ctx context.Context, env *Envelope, subjectID, purpose string) (map[string]any, error) {
	if env == nil || env.Data == "" || env.IV == "" || env.Tag == "" || env.KeyID == "" {
		err := &DecryptionError{Reason: ReasonMalformedEnvelope}
		c.auditDecryptFailure(subjectID, purpose, ReasonMalformedEnvelope)
		return nil, err
	}
	if env.Algorithm != AlgorithmAESGCM {
		c.auditDecryptFailure(subjectID, purpose, ReasonMalformedEnvelope)
		return nil, &DecryptionError{Reason: ReasonMalformedEnvelope, Err: fmt.Errorf("unknown algorithm %q", env.Algorithm)}
	}
	if !validHex(env.Data) || !validHex(env.IV) || !validHex(env.Tag) {
		c.auditDecryptFailure(subjectID, purpose, ReasonMalformedEnvelope)
		return nil, &DecryptionError{Reason: ReasonMalformedEnvelope}
	}

	// The key id embeds the subject it was derived for. A mismatch means the
	// caller is trying to open another subject's envelope; refuse before any
	// key lookup.
	if !keyBelongsToSubject(env.KeyID, subjectID) {
		c.auditDecryptFailure(subjectID, purpose, ReasonKeyMismatch)
		return nil, &DecryptionError{Reason: ReasonKeyMismatch}
	}

	key, err := c.keys.ResolveKey(env.KeyID)
	if err != nil {
		c.auditDecryptFailure(subjectID, purpose, ReasonKeyUnavailable)
		return nil, err
	}

	// The prefix test above is only a pre-filter: subject ids may contain
	// hyphens, so "patient" is a prefix match for "patient-67890"'s key id.
	// The resolved key records its owner; that comparison is authoritative.
	if key.SubjectID != subjectID {
		c.auditDecryptFailure(subjectID, purpose, ReasonKeyMismatch)
		return nil, &DecryptionError{Reason: ReasonKeyMismatch}
	}

	plaintext, err := open(key, env)
	if err != nil {
		var derr *DecryptionError
		if errors.As(err, &derr) {
			c.auditDecryptFailure(subjectID, purpose, derr.Reason)
		} else {
			c.auditDecryptFailure(subjectID, purpose, ReasonIntegrityFailure)
		}
		return nil, err
	}

	var data map[string]any
	if err := json.Unmarshal(plaintext, &data); err != nil {
		c.auditDecryptFailure(subjectID, purpose, ReasonDeserialization)
		return nil, &DecryptionError{Reason: ReasonDeserialization, Err: err}
	}

	c.audit(&Event{
		ActorType:    ActorTypeSystem,
		Action:       ActionPHIDecrypted,
		ResourceType: "phi_record",
		ResourceID:   subjectID,
		PHIAccessed:  true,
		Details: map[string]any{
			"purpose": purpose,
			"key_id":  env.KeyID,
		},
	})
	return data, nil
}

// ReEncrypt opens an envelope with the historical key it references and seals
// the plaintext again under the subject's current key. This is the workflow
// KeyRotationRequired points callers at.
func (c *Cipher) ReEncrypt(ctx context.Context, env *Envelope, subjectID, dataType string) (*Envelope, error) {
	data, err := c.Decrypt(ctx, env, subjectID, "re-encryption")
	if err != nil {
		return nil, err
	}
	return c.Encrypt(ctx, data, subjectID, dataType)
}

// seal encrypts plaintext under the key with a fresh nonce and splits the GCM
// tag out of the sealed output so the envelope carries it separately.
func seal(key *SubjectKey, plaintext []byte) (*Envelope, error) {
	aead, err := newAEAD(key.Key)
	if err != nil {
		return nil, &EncryptionError{Reason: "initialize cipher", Err: err}
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, &EncryptionError{Reason: "generate iv", Err: err}
	}

	sealed := aead.Seal(nil, nonce, plaintext, nil)
	tagStart := len(sealed) - gcmTagSize

	return &Envelope{
		Data:      hex.EncodeToString(sealed[:tagStart]),
		IV:        hex.EncodeToString(nonce),
		Tag:       hex.EncodeToString(sealed[tagStart:]),
		KeyID:     key.KeyID,
		Algorithm: AlgorithmAESGCM,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// open reassembles ciphertext and tag and verifies them under the envelope's
// key. Any field mutation surfaces as an integrity failure here.
func open(key *SubjectKey, env *Envelope) ([]byte, error) {
	ciphertext, err := hex.DecodeString(env.Data)
	if err != nil {
		return nil, &DecryptionError{Reason: ReasonMalformedEnvelope, Err: err}
	}
	nonce, err := hex.DecodeString(env.IV)
	if err != nil {
		return nil, &DecryptionError{Reason: ReasonMalformedEnvelope, Err: err}
	}
	tag, err := hex.DecodeString(env.Tag)
	if err != nil {
		return nil, &DecryptionError{Reason: ReasonMalformedEnvelope, Err: err}
	}

	aead, err := newAEAD(key.Key)
	if err != nil {
		return nil, &DecryptionError{Reason: ReasonMalformedEnvelope, Err: err}
	}
	if len(nonce) != aead.NonceSize() || len(tag) != gcmTagSize {
		return nil, &DecryptionError{Reason: ReasonMalformedEnvelope}
	}

	plaintext, err := aead.Open(nil, nonce, append(ciphertext, tag...), nil)
	if err != nil {
		return nil, &DecryptionError{Reason: ReasonIntegrityFailure}
	}
	return plaintext, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func validHex(s string) bool {
	_, err := hex.DecodeString(s)
	return err == nil
}

// keyBelongsToSubject checks the subject segment of a key identifier of the
// form "subj-<subjectID>-<epoch>". Prefix-only, so it cannot distinguish a
// subject id that is a hyphen-prefix of another; Decrypt re-checks the owner
// recorded on the resolved key.
func keyBelongsToSubject(keyID, subjectID string) bool {
	prefix := "subj-" + subjectID + "-"
	return len(keyID) > len(prefix) && keyID[:len(prefix)] == prefix
}

func (c *Cipher) auditEncrypt(subjectID, dataType string, size int, opErr error) {
	details := map[string]any{
		"data_type":  dataType,
		"size_bytes": size,
	}
	if opErr == nil {
		details["outcome"] = "success"
	} else {
		details["outcome"] = "failure"
	}
	c.audit(&Event{
		ActorType:    ActorTypeSystem,
		Action:       ActionPHIEncrypted,
		ResourceType: "phi_record",
		ResourceID:   subjectID,
		PHIAccessed:  true,
		Details:      details,
	})
}

func (c *Cipher) auditDecryptFailure(subjectID, purpose, reason string) {
	c.audit(&Event{
		ActorType:    ActorTypeSystem,
		Action:       ActionPHIDecryptionFailed,
		ResourceType: "phi_record",
		ResourceID:   subjectID,
		PHIAccessed:  true,
		Details: map[string]any{
			"purpose": purpose,
			"reason":  reason,
		},
	})
}

func (c *Cipher) audit(e *Event) {
	if c.recorder == nil {
		return
	}
	if _, err := c.recorder.Log(e); err != nil {
		c.logger.Error().Err(err).Str("action", e.Action).Msg("failed to audit cipher operation")
	}
}
