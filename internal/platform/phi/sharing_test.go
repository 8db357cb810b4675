package phi

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func newTestSharingFilter(t *testing.T, rec Recorder) *SharingFilter {
	t.Helper()
	sf, err := NewSharingFilter(testSecret(t), rec, testLogger())
	if err != nil {
		t.Fatalf("create sharing filter: %v", err)
	}
	return sf
}

func TestFilterForSharingAllowLists(t *testing.T) {
	// Input with extra fields a level must never pass through, including the
	// kind of direct identifiers schema drift could introduce.
	input := map[string]any{
		"symptoms":  []any{map[string]any{"category": "vasomotor", "note": "hot flashes"}},
		"severity":  5.0,
		"trends":    "worsening",
		"diagnosis": "Menopause transition",
		"ssn":       "123-45-6789",
		"email":     "jane@example.com",
		"address":   "12 Elm St",
		"age":       47.0,
	}

	levels := []string{SharingLevelNone, SharingLevelBasic, SharingLevelFull, SharingLevelResearchOnly}
	for _, level := range levels {
		t.Run(level, func(t *testing.T) {
			out := FilterForSharing(input, level)

			allowed := make(map[string]bool)
			for _, f := range AllowedFields(level) {
				allowed[f] = true
			}
			for field := range out {
				if !allowed[field] {
					t.Errorf("level %s leaked field %q outside its allow-list", level, field)
				}
			}
			for _, banned := range []string{"ssn", "email", "address"} {
				if _, ok := out[banned]; ok {
					t.Errorf("level %s must never disclose %q", level, banned)
				}
			}
		})
	}
}

func TestFilterForSharingBasic(t *testing.T) {
	input := map[string]any{
		"symptoms": []any{"hot flashes", "insomnia"},
		"severity": 5.0,
		"ssn":      "123-45-6789",
	}

	out := FilterForSharing(input, SharingLevelBasic)

	if _, ok := out["ssn"]; ok {
		t.Fatal("basic level must not disclose ssn")
	}
	if !reflect.DeepEqual(out["symptoms"], input["symptoms"]) {
		t.Errorf("symptoms = %v, want %v", out["symptoms"], input["symptoms"])
	}
	if out["severity"] != 5.0 {
		t.Errorf("severity = %v, want 5", out["severity"])
	}
	if _, ok := out["trends"]; ok {
		t.Error("trends absent from input must not appear in output")
	}
}

func TestFilterForSharingUnknownLevel(t *testing.T) {
	input := map[string]any{"symptoms": "everything", "ssn": "123-45-6789"}

	for _, level := range []string{"", "admin", "FULL", "all"} {
		if out := FilterForSharing(input, level); len(out) != 0 {
			t.Errorf("unknown level %q must map to an empty object, got %v", level, out)
		}
	}
}

func TestFilterForSharingResearchOnly(t *testing.T) {
	input := map[string]any{
		"age":         47.0,
		"recorded_at": "2026-03-14T09:30:00Z",
		"symptoms": []any{
			map[string]any{"category": "vasomotor", "note": "identifying free text"},
			map[string]any{"category": "sleep", "note": "more free text"},
			map[string]any{"category": "vasomotor"},
		},
		"name": "Jane Doe",
		"ssn":  "123-45-6789",
	}

	out := FilterForSharing(input, SharingLevelResearchOnly)

	if out["age_bucket"] != "40-49" {
		t.Errorf("age_bucket = %v, want 40-49", out["age_bucket"])
	}
	if out["cohort_month"] != "2026-03" {
		t.Errorf("cohort_month = %v, want 2026-03", out["cohort_month"])
	}
	cats, ok := out["symptom_categories"].([]string)
	if !ok || !reflect.DeepEqual(cats, []string{"sleep", "vasomotor"}) {
		t.Errorf("symptom_categories = %v, want [sleep vasomotor]", out["symptom_categories"])
	}
	if _, ok := out["age"]; ok {
		t.Error("raw age must not pass research_only")
	}
	for _, banned := range []string{"name", "ssn", "symptoms", "recorded_at"} {
		if _, ok := out[banned]; ok {
			t.Errorf("research_only must not disclose %q", banned)
		}
	}
}

func TestFilterForSharingPure(t *testing.T) {
	input := map[string]any{"symptoms": "s", "ssn": "x"}
	FilterForSharing(input, SharingLevelBasic)

	if len(input) != 2 || input["ssn"] != "x" {
		t.Error("filtering must not mutate the input")
	}
}

func TestEncryptForSharing(t *testing.T) {
	rec := &captureRecorder{}
	sf := newTestSharingFilter(t, rec)
	ctx := context.Background()

	data := map[string]any{
		"symptoms": []any{"hot flashes"},
		"severity": 4.0,
		"ssn":      "123-45-6789",
	}

	env, err := sf.EncryptForSharing(ctx, data, "patient-500", "researchnet", SharingLevelBasic)
	if err != nil {
		t.Fatalf("encrypt for sharing: %v", err)
	}
	if env.Platform != "researchnet" || env.SharingLevel != SharingLevelBasic {
		t.Errorf("envelope tags = %q/%q", env.Platform, env.SharingLevel)
	}

	// Deterministic reconstruction: the same process can re-derive the
	// platform key and open the payload without any cached state.
	fresh := newTestSharingFilterWithSecret(t, sf.secret, rec)
	got, err := fresh.DecryptShared(ctx, env, "patient-500")
	if err != nil {
		t.Fatalf("decrypt shared: %v", err)
	}
	if _, ok := got["ssn"]; ok {
		t.Fatal("shared payload must not contain ssn")
	}
	if got["severity"] != 4.0 {
		t.Errorf("severity = %v, want 4", got["severity"])
	}

	// The audit event names disclosed fields, not values.
	events := rec.byAction(ActionPHIShared)
	if len(events) != 1 {
		t.Fatalf("PHI_SHARED events = %d, want 1", len(events))
	}
	e := events[0]
	if !e.PHIAccessed {
		t.Error("sharing event must set phi_accessed")
	}
	if e.Details["platform"] != "researchnet" {
		t.Errorf("platform = %v", e.Details["platform"])
	}
	fields, ok := e.Details["disclosed_fields"].([]string)
	if !ok || !reflect.DeepEqual(fields, []string{"severity", "symptoms"}) {
		t.Errorf("disclosed_fields = %v, want [severity symptoms]", e.Details["disclosed_fields"])
	}

	// The decrypt is PHI access too and must land in the trail.
	decrypted := rec.byAction(ActionPHIDecrypted)
	if len(decrypted) != 1 {
		t.Fatalf("PHI_DECRYPTED events = %d, want 1", len(decrypted))
	}
	if decrypted[0].Details["platform"] != "researchnet" || !decrypted[0].PHIAccessed {
		t.Errorf("decrypt event = %+v, want platform researchnet with phi_accessed", decrypted[0])
	}
}

func TestDecryptSharedFailureIsAudited(t *testing.T) {
	rec := &captureRecorder{}
	sf := newTestSharingFilter(t, rec)
	ctx := context.Background()

	env, err := sf.EncryptForSharing(ctx, map[string]any{"severity": 2.0}, "patient-510", "partner", SharingLevelBasic)
	if err != nil {
		t.Fatalf("encrypt for sharing: %v", err)
	}

	// Wrong subject: the re-derived key id does not match the envelope's.
	if _, err := sf.DecryptShared(ctx, env, "patient-511"); err == nil {
		t.Fatal("expected cross-subject shared decrypt to fail")
	}
	failures := rec.byAction(ActionPHIDecryptionFailed)
	if len(failures) != 1 {
		t.Fatalf("PHI_DECRYPTION_FAILED events = %d, want 1", len(failures))
	}
	if failures[0].Details["reason"] != ReasonKeyMismatch {
		t.Errorf("reason = %v, want %q", failures[0].Details["reason"], ReasonKeyMismatch)
	}
	if failures[0].ResourceID != "patient-511" {
		t.Errorf("resource id = %q, want the attempting subject", failures[0].ResourceID)
	}

	// A malformed envelope is audited too.
	if _, err := sf.DecryptShared(ctx, nil, "patient-511"); err == nil {
		t.Fatal("expected nil envelope to fail")
	}
	if got := len(rec.byAction(ActionPHIDecryptionFailed)); got != 2 {
		t.Fatalf("PHI_DECRYPTION_FAILED events = %d, want 2", got)
	}
}

func newTestSharingFilterWithSecret(t *testing.T, secret []byte, rec Recorder) *SharingFilter {
	t.Helper()
	sf, err := NewSharingFilter(secret, rec, testLogger())
	if err != nil {
		t.Fatalf("create sharing filter: %v", err)
	}
	return sf
}

func TestEncryptForSharingUnknownLevelFailsSafe(t *testing.T) {
	sf := newTestSharingFilter(t, &captureRecorder{})
	ctx := context.Background()

	env, err := sf.EncryptForSharing(ctx, map[string]any{"ssn": "123-45-6789"}, "patient-501", "partner", "everything")
	if err != nil {
		t.Fatalf("encrypt for sharing: %v", err)
	}
	if env.SharingLevel != SharingLevelNone {
		t.Errorf("unknown level must degrade to none, got %q", env.SharingLevel)
	}

	got, err := sf.DecryptShared(ctx, env, "patient-501")
	if err != nil {
		t.Fatalf("decrypt shared: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("none level must produce an empty payload, got %v", got)
	}
}

func TestSharingKeyDistinctFromSubjectKey(t *testing.T) {
	rec := &captureRecorder{}
	sf := newTestSharingFilter(t, rec)
	c, km := newTestCipher(t, rec)
	ctx := context.Background()

	data := map[string]any{"severity": 3.0}

	primary, err := c.Encrypt(ctx, data, "patient-502", "note")
	if err != nil {
		t.Fatalf("primary encrypt: %v", err)
	}
	shared, err := sf.EncryptForSharing(ctx, data, "patient-502", "partner", SharingLevelBasic)
	if err != nil {
		t.Fatalf("sharing encrypt: %v", err)
	}

	if primary.KeyID == shared.KeyID {
		t.Error("sharing envelopes must not reference the subject's primary key")
	}

	subjectKey, err := km.GetSubjectKey(ctx, "patient-502")
	if err != nil {
		t.Fatalf("get subject key: %v", err)
	}
	platformKey, err := sf.platformKey("patient-502", "partner")
	if err != nil {
		t.Fatalf("derive platform key: %v", err)
	}
	if string(subjectKey.Key) == string(platformKey.Key) {
		t.Error("platform key material must differ from the subject's primary key")
	}
}

func TestEncryptForSharingValidation(t *testing.T) {
	sf := newTestSharingFilter(t, nil)
	ctx := context.Background()

	var encErr *EncryptionError
	if _, err := sf.EncryptForSharing(ctx, nil, "p", "partner", SharingLevelBasic); !errors.As(err, &encErr) {
		t.Errorf("empty payload: expected EncryptionError, got %v", err)
	}
	if _, err := sf.EncryptForSharing(ctx, map[string]any{"a": 1}, "", "partner", SharingLevelBasic); !errors.As(err, &encErr) {
		t.Errorf("missing subject: expected EncryptionError, got %v", err)
	}
	if _, err := sf.EncryptForSharing(ctx, map[string]any{"a": 1}, "p", "", SharingLevelBasic); !errors.As(err, &encErr) {
		t.Errorf("missing platform: expected EncryptionError, got %v", err)
	}
}
