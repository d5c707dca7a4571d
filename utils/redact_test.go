package utils

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
)

func TestSanitizeRecord_SensitiveKeysNeverSurviveVerbatim(t *testing.T) {
	sensitive := map[string]interface{}{
		"clinical_notes":      "Patient presents with URTI symptoms, 3 days duration",
		"declineReasonNote":   "Requested medication is S8 scheduled",
		"email":               "patient@example.com",
		"phone":               "+61 412 345 678",
		"medical_history":     "asthma since childhood",
		"symptom_description": "persistent cough",
		"document_url":        "https://storage.example.com/certs/abc.pdf",
		"first_name":          "Alex",
	}

	out := SanitizeRecord(sensitive)
	for key, original := range sensitive {
		if out[key] == original {
			t.Errorf("sensitive key %q survived sanitization verbatim", key)
		}
		if out[key] != RedactedMarker {
			t.Errorf("sensitive key %q: got %v, want marker", key, out[key])
		}
	}
}

func TestSanitizeRecord_SafeKeysPreserved(t *testing.T) {
	record := map[string]interface{}{
		"id":                  "req-123",
		"status":              "approved",
		"payment_status":      "paid",
		"risk_tier":           "low",
		"decline_reason_code": "controlled_substance",
		"amount_total":        "39.00",
		"approved_at":         "2026-08-30T10:00:00Z",
		"version":             float64(2),
	}

	out := SanitizeRecord(record)
	if !reflect.DeepEqual(out, record) {
		t.Errorf("safe record changed under sanitization: got %v want %v", out, record)
	}
}

func TestSanitizeRecord_Idempotent(t *testing.T) {
	records := []map[string]interface{}{
		{"clinical_notes": "some narrative", "id": "req-1"},
		{"answers": []interface{}{map[string]interface{}{"q": "a"}}},
		{"unknownField": "patient@example.com"},
		{"nested": map[string]interface{}{"phone": "0412345678", "status": "paid"}},
		{"items": []interface{}{"a", "b", "c"}},
	}

	for _, record := range records {
		once := SanitizeRecord(record)
		twice := SanitizeRecord(once)
		a, _ := json.Marshal(once)
		b, _ := json.Marshal(twice)
		if string(a) != string(b) {
			t.Errorf("sanitize not idempotent: %s != %s", a, b)
		}
	}
}

func TestSanitizeRecord_ObjectArraysCollapse(t *testing.T) {
	record := map[string]interface{}{
		"unknown_items": []interface{}{
			map[string]interface{}{"question": "what symptoms", "answer": "cough"},
			map[string]interface{}{"question": "how long", "answer": "3 days"},
		},
	}
	out := SanitizeRecord(record)
	if out["unknown_items"] != "[REDACTED_ARRAY:2 items]" {
		t.Errorf("expected array collapse marker, got %v", out["unknown_items"])
	}
}

func TestSanitizeRecord_SmuggledDataUnderUnknownKeys(t *testing.T) {
	cases := map[string]string{
		"long narrative": strings.Repeat("patient said ", 20),
		"email shape":    "someone@example.org",
		"digit run":      "0412345678",
		"intl phone":     "+61 2 9374 4000",
	}
	for name, value := range cases {
		out := SanitizeRecord(map[string]interface{}{"misc": value})
		if out["misc"] != RedactedMarker {
			t.Errorf("%s: value %q passed through under unknown key", name, value)
		}
	}

	// Short, harmless strings under unknown keys pass.
	out := SanitizeRecord(map[string]interface{}{"misc": "certificate"})
	if out["misc"] != "certificate" {
		t.Errorf("harmless unknown value redacted: %v", out["misc"])
	}
}

func TestSanitizeRecord_UnknownKeysRecursed(t *testing.T) {
	record := map[string]interface{}{
		"payload": map[string]interface{}{
			"status":         "declined",
			"clinical_notes": "narrative",
		},
	}
	out := SanitizeRecord(record)
	inner, ok := out["payload"].(map[string]interface{})
	if !ok {
		t.Fatalf("nested map not recursed: %v", out["payload"])
	}
	if inner["status"] != "declined" {
		t.Errorf("nested safe key lost: %v", inner["status"])
	}
	if inner["clinical_notes"] != RedactedMarker {
		t.Errorf("nested sensitive key survived: %v", inner["clinical_notes"])
	}
}

func TestSanitizeAny_TotalOnOddInputs(t *testing.T) {
	if got := SanitizeAny(nil); got != nil {
		t.Errorf("nil input: got %v", got)
	}
	// A channel cannot be marshaled; the payload is redacted wholesale, never
	// an error or panic.
	out := SanitizeAny(map[string]chan int{"x": make(chan int)})
	if out["value"] != RedactedMarker {
		t.Errorf("unmarshalable input not redacted: %v", out)
	}
}

func TestClassifyKey(t *testing.T) {
	cases := []struct {
		key  string
		want KeyClass
	}{
		{"id", KeyClassSafe},
		{"payment_status", KeyClassSafe},
		{"paymentStatus", KeyClassSafe},
		{"clinical_notes", KeyClassSensitive},
		{"clinicalNotes", KeyClassSensitive},
		{"emergency_contact_phone", KeyClassSensitive},
		{"attachment_url", KeyClassSensitive},
		{"widget_color", KeyClassUnknown},
	}
	for _, tc := range cases {
		if got := ClassifyKey(tc.key); got != tc.want {
			t.Errorf("ClassifyKey(%q) = %v, want %v", tc.key, got, tc.want)
		}
	}
}

func TestFingerprintAnswers_StableAcrossKeyOrder(t *testing.T) {
	a := map[string]interface{}{"q1": "yes", "q2": 3, "q3": []interface{}{"a", "b"}}
	b := map[string]interface{}{"q3": []interface{}{"a", "b"}, "q1": "yes", "q2": 3}
	if FingerprintAnswers(a) != FingerprintAnswers(b) {
		t.Error("fingerprint differs across key order")
	}

	c := map[string]interface{}{"q1": "no", "q2": 3, "q3": []interface{}{"a", "b"}}
	if FingerprintAnswers(a) == FingerprintAnswers(c) {
		t.Error("fingerprint identical for different answers")
	}
}
