package workflow

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition: the requested edge does not exist in the state
	// graph. A logic error in the caller; never retried.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrConflict: the request's status changed between read and write. The
	// caller should reload and retry, not merge.
	ErrConflict = errors.New("request changed concurrently; reload and retry")

	// ErrAlreadyRefunded signals an idempotent no-op, not a failure: retries
	// from an at-least-once delivery path land here safely.
	ErrAlreadyRefunded = errors.New("payment already refunded")

	// ErrDraftFinalized: the draft already has an approve/reject decision and
	// is immutable.
	ErrDraftFinalized = errors.New("draft already finalized")

	errActorRequired           = errors.New("actor id is required")
	errInvalidDeclineReason    = errors.New("invalid decline reason code")
	errDeclineNoteRequired     = errors.New("decline reason note is required")
	errRejectionReasonRequired = errors.New("rejection reason is required")
)

type GateCode string

const (
	GateInsufficientDocumentation       GateCode = "InsufficientDocumentation"
	GateSafetyAcknowledgmentRequired    GateCode = "SafetyAcknowledgmentRequired"
	GateStalenessAcknowledgmentRequired GateCode = "StalenessAcknowledgmentRequired"
)

// GateError is a policy-gate failure. It is returned, never panicked, and
// carries enough detail for the UI to direct the reviewer to the specific
// remedy instead of a generic "failed".
type GateError struct {
	Code   GateCode
	Remedy string
	Detail map[string]interface{}
}

func (e *GateError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Remedy)
}

// IsGateError unwraps a policy-gate failure from an error chain.
func IsGateError(err error) (*GateError, bool) {
	var ge *GateError
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}
