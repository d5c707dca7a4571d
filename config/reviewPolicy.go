package config

import (
	"os"
	"strings"
	"time"
)

// Review-policy knobs. Treated as configuration, not hardcoded policy:
// the defaults are operational choices, not clinical ones.
//
// Set via env:
// - REVIEW_MIN_NOTE_CHARS (default 40)
// - REVIEW_LOCK_TTL_SECONDS (default 120)
// - DRAFT_DIFF_MAX_LINES (default 3000, combined across both sides)
// - DRAFT_DIFF_MAX_CHARS (default 300000, combined across both sides)

func ReviewMinNoteChars() int {
	return IntFromEnv("REVIEW_MIN_NOTE_CHARS", 40)
}

func ReviewLockTTL() time.Duration {
	return time.Duration(IntFromEnv("REVIEW_LOCK_TTL_SECONDS", 120)) * time.Second
}

func DraftDiffMaxLines() int {
	return IntFromEnv("DRAFT_DIFF_MAX_LINES", 3000)
}

func DraftDiffMaxChars() int {
	return IntFromEnv("DRAFT_DIFF_MAX_CHARS", 300000)
}

// StrictAuditRedaction double-checks every audit payload after sanitization and
// refuses the write if a sensitive key survived.
//
// Set via env:
// - STRICT_AUDIT_REDACTION=true
func StrictAuditRedaction() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("STRICT_AUDIT_REDACTION")))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}
