package utils

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/ttacon/libphonenumber"
)

// PHI redaction for audit snapshots.
//
// Classification is heuristic and fails safe: the allow-list is intentionally
// small, anything matching the PHI vocabulary is redacted, and string values
// under unrecognized keys are still checked for identifier shapes (emails,
// phone numbers, long narrative text). SanitizeRecord is total: it never
// returns an error, because a crash in the audit path must never block a
// clinical action.

const (
	RedactedMarker = "[REDACTED]"

	// Free text longer than this is assumed narrative even under an unknown key.
	maxPlainStringLen = 100
)

var DefaultPhoneRegion = "AU"

type KeyClass int

const (
	KeyClassUnknown KeyClass = iota
	KeyClassSafe
	KeyClassSensitive
)

// Small allow-list: ids, statuses, timestamps, amounts, type tags. Everything
// else is either vocabulary-matched sensitive or walked as unknown.
var safeKeys = map[string]bool{
	"id":                       true,
	"requestid":                true,
	"clinicid":                 true,
	"draftid":                  true,
	"actorid":                  true,
	"holderid":                 true,
	"userid":                   true,
	"patientid":                true,
	"status":                   true,
	"paymentstatus":            true,
	"previousstatus":           true,
	"newstatus":                true,
	"draftstatus":              true,
	"risktier":                 true,
	"type":                     true,
	"requesttype":              true,
	"contenttype":              true,
	"actiontype":               true,
	"version":                  true,
	"amount":                   true,
	"amounttotal":              true,
	"currency":                 true,
	"declinereasoncode":        true,
	"correlationid":            true,
	"sourceanswersfingerprint": true,
	"answersfingerprint":       true,
	"requiresliveconsult":      true,
	"emergencysymptomflag":     true,
	"safetyacknowledged":       true,
	"stalenessacknowledged":    true,
	"createdat":                true,
	"updatedat":                true,
	"paidat":                   true,
	"approvedat":               true,
	"declinedat":               true,
	"cancelledat":              true,
	"rejectedat":               true,
	"acquiredat":               true,
	"expiresat":                true,
}

var sensitiveKeys = map[string]bool{
	"clinicalnotes":     true,
	"declinereasonnote": true,
	"rejectionreason":   true,
	"content":           true,
	"editedcontent":     true,
	"answers":           true,
	"name":              true,
	"firstname":         true,
	"lastname":          true,
	"fullname":          true,
	"dob":               true,
	"dateofbirth":       true,
	"medicare":          true,
	"ihi":               true,
}

// Substring vocabulary for PHI-indicative keys.
var sensitiveKeyPatterns = []string{
	"note",
	"symptom",
	"medical",
	"diagnos",
	"medicat",
	"allerg",
	"narrative",
	"complaint",
	"treatment",
	"history",
	"answer",
	"email",
	"phone",
	"mobile",
	"address",
	"url",
	"document",
	"attachment",
}

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

func normalizeKey(key string) string {
	key = strings.ToLower(key)
	key = strings.ReplaceAll(key, "_", "")
	key = strings.ReplaceAll(key, "-", "")
	return key
}

// ClassifyKey decides how a field may appear in a durable audit snapshot.
func ClassifyKey(key string) KeyClass {
	k := normalizeKey(key)
	if safeKeys[k] {
		return KeyClassSafe
	}
	if sensitiveKeys[k] {
		return KeyClassSensitive
	}
	for _, p := range sensitiveKeyPatterns {
		if strings.Contains(k, p) {
			return KeyClassSensitive
		}
	}
	return KeyClassUnknown
}

// SanitizeRecord walks a nested record and redacts everything not proven safe.
// Idempotent: sanitizing an already-sanitized record is a no-op.
func SanitizeRecord(record map[string]interface{}) map[string]interface{} {
	if record == nil {
		return nil
	}
	out := make(map[string]interface{}, len(record))
	for key, value := range record {
		switch ClassifyKey(key) {
		case KeyClassSafe:
			out[key] = value
		case KeyClassSensitive:
			out[key] = redactValue(value)
		default:
			out[key] = sanitizeUnknown(value)
		}
	}
	return out
}

// SanitizeAny accepts any marshalable value (struct, map, nil) and returns its
// sanitized map form. Anything that cannot be converted is redacted wholesale
// rather than passed through or failed.
func SanitizeAny(value interface{}) map[string]interface{} {
	if value == nil {
		return nil
	}
	if m, ok := value.(map[string]interface{}); ok {
		return SanitizeRecord(m)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return map[string]interface{}{"value": RedactedMarker}
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]interface{}{"value": RedactedMarker}
	}
	return SanitizeRecord(m)
}

// redactValue preserves that a field existed without its content.
func redactValue(value interface{}) interface{} {
	switch v := value.(type) {
	case nil:
		return nil
	case []interface{}:
		return redactArrayMarker(len(v))
	case string:
		if v == "" {
			return ""
		}
		// Already a marker: keep sanitize idempotent.
		if strings.HasPrefix(v, "[REDACTED") {
			return v
		}
		return RedactedMarker
	default:
		return RedactedMarker
	}
}

func redactArrayMarker(n int) string {
	return fmt.Sprintf("[REDACTED_ARRAY:%d items]", n)
}

func sanitizeUnknown(value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		return SanitizeRecord(v)
	case []interface{}:
		// Object arrays carry narrative/PHI risk by shape, not just by key name:
		// collapse instead of recursing.
		for _, item := range v {
			if _, ok := item.(map[string]interface{}); ok {
				return redactArrayMarker(len(v))
			}
		}
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = sanitizeUnknown(item)
		}
		return out
	case string:
		if looksLikeSmuggledData(v) {
			return RedactedMarker
		}
		return v
	default:
		// Numbers, bools, nil: no identifier shape to leak.
		return value
	}
}

// looksLikeSmuggledData catches PHI hiding under an unrecognized key.
func looksLikeSmuggledData(s string) bool {
	if strings.HasPrefix(s, "[REDACTED") {
		return false
	}
	if len(s) > maxPlainStringLen {
		return true
	}
	if emailRegex.MatchString(s) {
		return true
	}
	if isIdentifierShaped(s) {
		return true
	}
	if isPhoneNumber(s) {
		return true
	}
	return false
}

// All-digit sequences of typical phone/identifier length.
func isIdentifierShaped(s string) bool {
	stripped := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '+':
			return -1
		}
		return r
	}, s)
	if len(stripped) < 6 || len(stripped) > 16 {
		return false
	}
	for _, r := range stripped {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func isPhoneNumber(s string) bool {
	p, err := libphonenumber.Parse(s, DefaultPhoneRegion)
	if err != nil {
		return false
	}
	return libphonenumber.IsValidNumber(p)
}
