package phi

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/hkdf"
)

// Sharing levels form a closed set. Anything unrecognized maps to
// SharingLevelNone: fail safe, not fail open.
const (
	SharingLevelNone         = "none"
	SharingLevelBasic        = "basic"
	SharingLevelFull         = "full"
	SharingLevelResearchOnly = "research_only"
)

// sharingAllowLists enumerates, per level, the only fields that may leave the
// platform. Fields absent from a level's list are dropped even when present
// in the input, so schema drift cannot widen a disclosure.
var sharingAllowLists = map[string][]string{
	SharingLevelNone:  {},
	SharingLevelBasic: {"symptoms", "severity", "trends"},
	SharingLevelFull: {
		"symptoms", "severity", "trends", "diagnosis", "medications",
		"vitals", "allergies", "care_plan",
	},
	SharingLevelResearchOnly: {"age_bucket", "symptom_categories", "cohort_month"},
}

// AllowedFields returns the allow-list for a sharing level, or the empty list
// for an unknown level.
func AllowedFields(level string) []string {
	fields, ok := sharingAllowLists[level]
	if !ok {
		return nil
	}
	out := make([]string, len(fields))
	copy(out, fields)
	return out
}

// FilterForSharing reduces data to the subset permitted at the given sharing
// level. Pure: no audit, no encryption, no mutation of the input.
//
// The research_only level does not copy raw fields; it derives coarsened ones:
// "age" becomes a decade bucket, "symptoms" collapse to category names, and
// "recorded_at" truncates to a cohort month. Direct identifiers never pass.
func FilterForSharing(data map[string]any, level string) map[string]any {
	out := make(map[string]any)
	if len(data) == 0 {
		return out
	}

	if level == SharingLevelResearchOnly {
		if age, ok := numericField(data, "age"); ok {
			out["age_bucket"] = ageBucket(age)
		}
		if cats := symptomCategories(data); len(cats) > 0 {
			out["symptom_categories"] = cats
		}
		if month, ok := cohortMonth(data); ok {
			out["cohort_month"] = month
		}
		return out
	}

	allowed, ok := sharingAllowLists[level]
	if !ok {
		return out
	}
	for _, field := range allowed {
		if v, present := data[field]; present {
			out[field] = v
		}
	}
	return out
}

func numericField(data map[string]any, key string) (float64, bool) {
	switch v := data[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

func ageBucket(age float64) string {
	if age < 0 {
		return "unknown"
	}
	decade := (int(age) / 10) * 10
	return fmt.Sprintf("%d-%d", decade, decade+9)
}

// symptomCategories reduces a symptom list to its distinct category names,
// dropping free-text descriptions.
func symptomCategories(data map[string]any) []string {
	raw, ok := data["symptoms"].([]any)
	if !ok {
		return nil
	}
	seen := make(map[string]bool)
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if cat, ok := m["category"].(string); ok && cat != "" {
			seen[cat] = true
		}
	}
	cats := make([]string, 0, len(seen))
	for c := range seen {
		cats = append(cats, c)
	}
	sort.Strings(cats)
	return cats
}

func cohortMonth(data map[string]any) (string, bool) {
	s, ok := data["recorded_at"].(string)
	if !ok {
		return "", false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return "", false
	}
	return t.UTC().Format("2006-01"), true
}

// sharingInfoLabel is the HKDF context label for platform sharing keys,
// versioned so a future derivation change cannot collide with existing keys.
const sharingInfoLabel = "lumen/sharing/v1"

// SharingFilter produces reduced, independently encrypted payloads for
// controlled disclosure to external platforms. Sharing keys are derived
// deterministically from the sharing secret, platform, and subject, so the
// same process can reconstruct them without a cache entry.
type SharingFilter struct {
	secret   []byte
	recorder Recorder
	logger   zerolog.Logger
}

// NewSharingFilter creates a sharing filter. The sharing secret is distinct
// from the PHI master secret; compromising one must not expose the other's
// keyspace.
func NewSharingFilter(secret []byte, recorder Recorder, logger zerolog.Logger) (*SharingFilter, error) {
	if len(secret) == 0 {
		return nil, &ConfigurationError{Field: "PHI_SHARING_SECRET", Reason: "must not be empty"}
	}
	return &SharingFilter{
		secret:   secret,
		recorder: recorder,
		logger:   logger.With().Str("component", "sharing-filter").Logger(),
	}, nil
}

// EncryptForSharing filters data down to the sharing level's allow-list and
// seals the result under a platform-specific derived key. The audit event
// lists the disclosed field names, never their values.
func (s *SharingFilter) EncryptForSharing(ctx context.Context, data map[string]any, subjectID, platform, level string) (*Envelope, error) {
	if len(data) == 0 {
		return nil, &EncryptionError{Reason: "empty payload"}
	}
	if subjectID == "" || platform == "" {
		return nil, &EncryptionError{Reason: "subject id and platform are required"}
	}
	if _, known := sharingAllowLists[level]; !known {
		level = SharingLevelNone
	}

	filtered := FilterForSharing(data, level)

	key, err := s.platformKey(subjectID, platform)
	if err != nil {
		return nil, err
	}

	plaintext, err := json.Marshal(filtered)
	if err != nil {
		return nil, &EncryptionError{Reason: "serialize payload", Err: err}
	}

	env, err := seal(key, plaintext)
	if err != nil {
		return nil, err
	}
	env.Platform = platform
	env.SharingLevel = level

	fields := make([]string, 0, len(filtered))
	for f := range filtered {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	s.audit(&Event{
		ActorType:    ActorTypeSystem,
		Action:       ActionPHIShared,
		ResourceType: "phi_record",
		ResourceID:   subjectID,
		PHIAccessed:  true,
		Details: map[string]any{
			"platform":         platform,
			"sharing_level":    level,
			"disclosed_fields": fields,
		},
	})
	return env, nil
}

// DecryptShared reconstructs the platform key from the envelope's platform
// tag and opens the payload. Used when a share must be verified or replayed;
// external recipients hold the derived key out of band. Like every decrypt
// path, each call emits exactly one audit event, failure included.
func (s *SharingFilter) DecryptShared(ctx context.Context, env *Envelope, subjectID string) (map[string]any, error) {
	if env == nil || env.Platform == "" {
		s.auditDecryptFailure(subjectID, "", ReasonMalformedEnvelope)
		return nil, &DecryptionError{Reason: ReasonMalformedEnvelope}
	}
	key, err := s.platformKey(subjectID, env.Platform)
	if err != nil {
		s.auditDecryptFailure(subjectID, env.Platform, ReasonKeyUnavailable)
		return nil, err
	}
	if env.KeyID != key.KeyID {
		s.auditDecryptFailure(subjectID, env.Platform, ReasonKeyMismatch)
		return nil, &DecryptionError{Reason: ReasonKeyMismatch}
	}

	plaintext, err := open(key, env)
	if err != nil {
		reason := ReasonIntegrityFailure
		var decErr *DecryptionError
		if errors.As(err, &decErr) {
			reason = decErr.Reason
		}
		s.auditDecryptFailure(subjectID, env.Platform, reason)
		return nil, err
	}
	var data map[string]any
	if err := json.Unmarshal(plaintext, &data); err != nil {
		s.auditDecryptFailure(subjectID, env.Platform, ReasonDeserialization)
		return nil, &DecryptionError{Reason: ReasonDeserialization, Err: err}
	}

	s.audit(&Event{
		ActorType:    ActorTypeSystem,
		Action:       ActionPHIDecrypted,
		ResourceType: "phi_record",
		ResourceID:   subjectID,
		PHIAccessed:  true,
		Details: map[string]any{
			"platform":      env.Platform,
			"sharing_level": env.SharingLevel,
			"key_id":        env.KeyID,
		},
	})
	return data, nil
}

func (s *SharingFilter) auditDecryptFailure(subjectID, platform, reason string) {
	details := map[string]any{"reason": reason}
	if platform != "" {
		details["platform"] = platform
	}
	s.audit(&Event{
		ActorType:    ActorTypeSystem,
		Action:       ActionPHIDecryptionFailed,
		ResourceType: "phi_record",
		ResourceID:   subjectID,
		PHIAccessed:  true,
		Details:      details,
	})
}

// platformKey derives the deterministic sharing key for a subject/platform
// pair via HKDF-SHA256 with a versioned context label.
func (s *SharingFilter) platformKey(subjectID, platform string) (*SubjectKey, error) {
	info := fmt.Sprintf("%s|%s|%s", sharingInfoLabel, platform, subjectID)
	r := hkdf.New(sha256.New, s.secret, nil, []byte(info))
	material := make([]byte, 32)
	if _, err := io.ReadFull(r, material); err != nil {
		return nil, &EncryptionError{Reason: "derive sharing key", Err: err}
	}
	return &SubjectKey{
		KeyID:     fmt.Sprintf("share-%s-%s", platform, subjectID),
		SubjectID: subjectID,
		Key:       material,
	}, nil
}

func (s *SharingFilter) audit(e *Event) {
	if s.recorder == nil {
		return
	}
	if _, err := s.recorder.Log(e); err != nil {
		s.logger.Error().Err(err).Str("action", e.Action).Msg("failed to audit sharing operation")
	}
}
