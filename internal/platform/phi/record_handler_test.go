package phi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func newTestRecordHandler(t *testing.T) (*echo.Echo, *Ledger) {
	t.Helper()
	ledger := newTestLedger(t, NewMemoryStore(), LedgerConfig{})
	km := newTestKeyManager(t, ledger)
	cipher := NewCipher(km, ledger, testLogger())
	sharing, err := NewSharingFilter(testSecret(t), ledger, testLogger())
	if err != nil {
		t.Fatalf("create sharing filter: %v", err)
	}
	h := NewRecordHandler(cipher, sharing, testLogger())
	e := echo.New()
	h.RegisterRoutes(e.Group(""))
	return e, ledger
}

func postJSON(t *testing.T, e *echo.Echo, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(string(raw)))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)
	return w
}

func TestRecordHandlerEncryptDecryptRoundTrip(t *testing.T) {
	e, _ := newTestRecordHandler(t)

	payload := map[string]any{"symptoms": []any{"hot flashes"}, "severity": 7.0}
	w := postJSON(t, e, "/phi/records/subj-1", encryptRequest{DataType: "symptom_log", Payload: payload})
	if w.Code != http.StatusOK {
		t.Fatalf("encrypt status = %d, body %s", w.Code, w.Body)
	}
	var env Envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Data == "" || env.IV == "" || env.Tag == "" || env.KeyID == "" {
		t.Fatalf("incomplete envelope: %+v", env)
	}
	if strings.Contains(w.Body.String(), "hot flashes") {
		t.Fatal("plaintext leaked into encrypt response")
	}

	w = postJSON(t, e, "/phi/records/subj-1/decrypt", decryptRequest{Envelope: &env, Purpose: "treatment"})
	if w.Code != http.StatusOK {
		t.Fatalf("decrypt status = %d, body %s", w.Code, w.Body)
	}
	var resp struct {
		Payload map[string]any `json:"payload"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if resp.Payload["severity"] != 7.0 {
		t.Fatalf("payload = %+v, want severity 7", resp.Payload)
	}
}

func TestRecordHandlerDecryptWrongSubject(t *testing.T) {
	e, _ := newTestRecordHandler(t)

	w := postJSON(t, e, "/phi/records/subj-1", encryptRequest{DataType: "note", Payload: map[string]any{"text": "x"}})
	var env Envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}

	w = postJSON(t, e, "/phi/records/subj-2/decrypt", decryptRequest{Envelope: &env, Purpose: "treatment"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for cross-subject decrypt", w.Code)
	}
	if !strings.Contains(w.Body.String(), ReasonKeyMismatch) {
		t.Fatalf("body = %s, want %s reason", w.Body, ReasonKeyMismatch)
	}
}

func TestRecordHandlerEncryptEmptyPayload(t *testing.T) {
	e, _ := newTestRecordHandler(t)

	w := postJSON(t, e, "/phi/records/subj-1", encryptRequest{DataType: "note"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for empty payload", w.Code)
	}
}

func TestRecordHandlerShare(t *testing.T) {
	e, _ := newTestRecordHandler(t)

	payload := map[string]any{
		"symptoms": []any{"hot flashes"},
		"severity": 6.0,
		"ssn":      "000-11-2222",
	}
	w := postJSON(t, e, "/phi/share/subj-1", shareRequest{Platform: "wellness-app", Level: SharingLevelBasic, Payload: payload})
	if w.Code != http.StatusOK {
		t.Fatalf("share status = %d, body %s", w.Code, w.Body)
	}
	var env Envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Platform != "wellness-app" || env.SharingLevel != SharingLevelBasic {
		t.Fatalf("envelope not tagged for sharing: %+v", env)
	}
	if strings.Contains(w.Body.String(), "000-11-2222") {
		t.Fatal("disallowed field leaked into share response")
	}
}

func TestRecordHandlerAllowedFields(t *testing.T) {
	e, _ := newTestRecordHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/phi/sharing/levels/basic", nil)
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body struct {
		Level  string   `json:"level"`
		Fields []string `json:"fields"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	want := map[string]bool{"symptoms": true, "severity": true, "trends": true}
	if len(body.Fields) != len(want) {
		t.Fatalf("fields = %v, want basic allow-list", body.Fields)
	}
	for _, f := range body.Fields {
		if !want[f] {
			t.Fatalf("unexpected field %q in basic allow-list", f)
		}
	}
}

func TestRecordHandlerUnknownKeyID(t *testing.T) {
	e, _ := newTestRecordHandler(t)

	w := postJSON(t, e, "/phi/records/subj-1", encryptRequest{DataType: "note", Payload: map[string]any{"text": "x"}})
	var env Envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}

	// A fresh handler has no key history; the envelope references a key it
	// cannot resolve.
	e2, _ := newTestRecordHandler(t)
	w = postJSON(t, e2, "/phi/records/subj-1/decrypt", decryptRequest{Envelope: &env, Purpose: "treatment"})
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409 for unresolvable key", w.Code)
	}
	if !strings.Contains(w.Body.String(), env.KeyID) {
		t.Fatalf("body = %s, want referenced key id", w.Body)
	}
}
