package phi

import (
	"context"
	"crypto/rand"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func testSecret(t *testing.T) []byte {
	t.Helper()
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		t.Fatalf("generate test secret: %v", err)
	}
	return secret
}

// fastParams keeps argon2 cheap in tests.
func fastParams() *Argon2Params {
	return &Argon2Params{
		Memory:      8 * 1024,
		Iterations:  1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	}
}

// captureRecorder collects audit events in memory.
type captureRecorder struct {
	mu     sync.Mutex
	events []*Event
}

func (r *captureRecorder) Log(e *Event) (uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.ID = uuid.New()
	r.events = append(r.events, e)
	return e.ID, nil
}

func (r *captureRecorder) byAction(action string) []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Event
	for _, e := range r.events {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

func (r *captureRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func newTestKeyManager(t *testing.T, rec Recorder) *KeyManager {
	t.Helper()
	km, err := NewKeyManager(KeyManagerConfig{
		MasterSecret: testSecret(t),
		Params:       fastParams(),
	}, rec, testLogger())
	if err != nil {
		t.Fatalf("create key manager: %v", err)
	}
	return km
}

func TestNewKeyManager(t *testing.T) {
	t.Run("missing master secret", func(t *testing.T) {
		_, err := NewKeyManager(KeyManagerConfig{}, nil, testLogger())
		var cfgErr *ConfigurationError
		if !errors.As(err, &cfgErr) {
			t.Fatalf("expected ConfigurationError, got %v", err)
		}
	})

	t.Run("short master secret", func(t *testing.T) {
		_, err := NewKeyManager(KeyManagerConfig{MasterSecret: []byte("too-short")}, nil, testLogger())
		var cfgErr *ConfigurationError
		if !errors.As(err, &cfgErr) {
			t.Fatalf("expected ConfigurationError, got %v", err)
		}
	})

	t.Run("valid secret", func(t *testing.T) {
		km := newTestKeyManager(t, nil)
		if km == nil {
			t.Fatal("expected non-nil key manager")
		}
	})
}

func TestGetSubjectKey(t *testing.T) {
	rec := &captureRecorder{}
	km := newTestKeyManager(t, rec)
	ctx := context.Background()

	key, err := km.GetSubjectKey(ctx, "patient-100")
	if err != nil {
		t.Fatalf("get subject key: %v", err)
	}
	if len(key.Key) != 32 {
		t.Errorf("key length = %d, want 32", len(key.Key))
	}
	if key.KeyID == "" {
		t.Error("expected non-empty key id")
	}
	if !key.ExpiresAt.After(key.CreatedAt) {
		t.Error("expiry must be after creation")
	}

	// Second lookup returns the cached key, no new derivation.
	again, err := km.GetSubjectKey(ctx, "patient-100")
	if err != nil {
		t.Fatalf("second lookup: %v", err)
	}
	if again.KeyID != key.KeyID {
		t.Errorf("cached lookup returned different key: %s vs %s", again.KeyID, key.KeyID)
	}

	if got := len(rec.byAction(ActionKeyGenerated)); got != 1 {
		t.Errorf("KEY_GENERATED events = %d, want 1", got)
	}

	t.Run("empty subject id", func(t *testing.T) {
		if _, err := km.GetSubjectKey(ctx, ""); err == nil {
			t.Fatal("expected error for empty subject id")
		}
	})
}

func TestGetSubjectKeyRotatesOnExpiry(t *testing.T) {
	rec := &captureRecorder{}
	km, err := NewKeyManager(KeyManagerConfig{
		MasterSecret:   testSecret(t),
		RotationPeriod: 10 * time.Millisecond,
		Params:         fastParams(),
	}, rec, testLogger())
	if err != nil {
		t.Fatalf("create key manager: %v", err)
	}
	ctx := context.Background()

	first, err := km.GetSubjectKey(ctx, "patient-200")
	if err != nil {
		t.Fatalf("first key: %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	second, err := km.GetSubjectKey(ctx, "patient-200")
	if err != nil {
		t.Fatalf("second key: %v", err)
	}
	if second.KeyID == first.KeyID {
		t.Error("expected a new key after the rotation window elapsed")
	}

	// The superseded key remains resolvable for old envelopes.
	resolved, err := km.ResolveKey(first.KeyID)
	if err != nil {
		t.Fatalf("resolve superseded key: %v", err)
	}
	if resolved.KeyID != first.KeyID {
		t.Errorf("resolved wrong key: %s", resolved.KeyID)
	}
}

func TestRotateSubjectKey(t *testing.T) {
	rec := &captureRecorder{}
	km := newTestKeyManager(t, rec)
	ctx := context.Background()

	old, err := km.GetSubjectKey(ctx, "patient-300")
	if err != nil {
		t.Fatalf("initial key: %v", err)
	}

	rotated, err := km.RotateSubjectKey(ctx, "patient-300")
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if rotated.KeyID == old.KeyID {
		t.Error("forced rotation must produce a new key id")
	}

	current, err := km.GetSubjectKey(ctx, "patient-300")
	if err != nil {
		t.Fatalf("lookup after rotation: %v", err)
	}
	if current.KeyID != rotated.KeyID {
		t.Errorf("active key = %s, want %s", current.KeyID, rotated.KeyID)
	}

	events := rec.byAction(ActionKeyRotated)
	if len(events) != 1 {
		t.Fatalf("KEY_ROTATED events = %d, want 1", len(events))
	}
	details := events[0].Details
	if details["old_key_id"] != old.KeyID {
		t.Errorf("old_key_id = %v, want %s", details["old_key_id"], old.KeyID)
	}
	if details["new_key_id"] != rotated.KeyID {
		t.Errorf("new_key_id = %v, want %s", details["new_key_id"], rotated.KeyID)
	}
}

func TestResolveKeyUnknownID(t *testing.T) {
	km := newTestKeyManager(t, nil)

	_, err := km.ResolveKey("subj-patient-999-12345")
	var rotErr *KeyRotationRequired
	if !errors.As(err, &rotErr) {
		t.Fatalf("expected KeyRotationRequired, got %v", err)
	}
	if rotErr.KeyID != "subj-patient-999-12345" {
		t.Errorf("error carries wrong key id: %s", rotErr.KeyID)
	}
}

func TestConcurrentKeyUniqueness(t *testing.T) {
	km := newTestKeyManager(t, nil)
	ctx := context.Background()

	const subjects = 20
	const callersPerSubject = 8

	var wg sync.WaitGroup
	results := make(chan *SubjectKey, subjects*callersPerSubject)

	for i := 0; i < subjects; i++ {
		subjectID := "patient-" + string(rune('a'+i))
		for j := 0; j < callersPerSubject; j++ {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				key, err := km.GetSubjectKey(ctx, id)
				if err != nil {
					t.Errorf("get key for %s: %v", id, err)
					return
				}
				results <- key
			}(subjectID)
		}
	}
	wg.Wait()
	close(results)

	keyIDs := make(map[string]bool)
	for key := range results {
		keyIDs[key.KeyID] = true
	}
	if len(keyIDs) != subjects {
		t.Errorf("distinct key ids = %d, want %d: concurrent first access must not fork keys", len(keyIDs), subjects)
	}
}

func TestDeriveRespectsContext(t *testing.T) {
	km := newTestKeyManager(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := km.GetSubjectKey(ctx, "patient-timeout")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestKeyIsolationAcrossSubjects(t *testing.T) {
	km := newTestKeyManager(t, nil)
	ctx := context.Background()

	a, err := km.GetSubjectKey(ctx, "patient-a")
	if err != nil {
		t.Fatalf("key a: %v", err)
	}
	b, err := km.GetSubjectKey(ctx, "patient-b")
	if err != nil {
		t.Fatalf("key b: %v", err)
	}

	if a.KeyID == b.KeyID {
		t.Error("different subjects must get different key ids")
	}
	if string(a.Key) == string(b.Key) {
		t.Error("different subjects must get different key material")
	}
}
