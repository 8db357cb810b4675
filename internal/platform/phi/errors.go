package phi

import (
	"errors"
	"fmt"
)

// Decryption failure reason codes. These are the only failure details that
// ever leave the cipher: no plaintext, key material, or ciphertext fragments
// appear in errors or audit records.
const (
	ReasonMalformedEnvelope = "malformed_envelope"
	ReasonIntegrityFailure  = "integrity_check_failed"
	ReasonKeyMismatch       = "key_id_mismatch"
	ReasonDeserialization   = "deserialization_failed"
	ReasonKeyUnavailable    = "key_unavailable"
)

// ErrUnavailable indicates a timeout or cancellation while waiting on key
// derivation or durable storage. Callers should retry rather than treat the
// data as corrupt.
var ErrUnavailable = errors.New("phi: service unavailable")

// ConfigurationError reports a missing or invalid secret. It is fatal at
// process startup; the core never constructs with a broken configuration.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("phi configuration: %s: %s", e.Field, e.Reason)
}

// EncryptionError reports invalid input to encrypt or a key derivation
// failure. Recoverable by the caller.
type EncryptionError struct {
	Reason string
	Err    error
}

func (e *EncryptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("phi encrypt: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("phi encrypt: %s", e.Reason)
}

func (e *EncryptionError) Unwrap() error { return e.Err }

// DecryptionError reports an integrity-tag mismatch, malformed envelope, or
// deserialization failure. Always audited as PHI_DECRYPTION_FAILED before
// being returned.
type DecryptionError struct {
	Reason string
	Err    error
}

func (e *DecryptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("phi decrypt: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("phi decrypt: %s", e.Reason)
}

func (e *DecryptionError) Unwrap() error { return e.Err }

// KeyRotationRequired reports that an envelope references a key identifier
// the key manager cannot resolve. Distinct from DecryptionError so callers
// can launch a re-encryption workflow instead of treating the record as
// corrupt.
type KeyRotationRequired struct {
	KeyID string
}

func (e *KeyRotationRequired) Error() string {
	return fmt.Sprintf("phi: key %q is not resolvable, re-encryption required", e.KeyID)
}

// AuditWriteError reports a failed batch flush. It is never returned to PHI
// operation callers; the ledger requeues the batch and surfaces the failure
// through logs and metrics.
type AuditWriteError struct {
	Batch int
	Err   error
}

func (e *AuditWriteError) Error() string {
	return fmt.Sprintf("audit ledger: flush of %d events failed: %v", e.Batch, e.Err)
}

func (e *AuditWriteError) Unwrap() error { return e.Err }
