package workflow

import (
	"strings"
	"unicode/utf8"

	"bitbucket.org/medfocus/intake_backend/config"
	"bitbucket.org/medfocus/intake_backend/models"
)

// Policy gates run before a transition commits to approved or awaiting_script.
// They are pure checks over the loaded request and the caller's options, so
// they are testable without a database.

// checkDocumentationGate requires the clinical notes to reach the configured
// minimum length before a request can be approved. The minimum counts
// characters, not bytes.
func checkDocumentationGate(request *models.Request, minChars int) error {
	notes := strings.TrimSpace(request.ClinicalNotes)
	chars := utf8.RuneCountInString(notes)
	if chars >= minChars {
		return nil
	}
	return &GateError{
		Code:   GateInsufficientDocumentation,
		Remedy: "add clinical notes before approving",
		Detail: map[string]interface{}{
			"minChars":     minChars,
			"currentChars": chars,
		},
	}
}

// checkSafetyGate requires an explicit acknowledgment when the request carries
// a high-risk signal. Acknowledgment is per call, never stored: each approval
// attempt must re-affirm it.
func checkSafetyGate(request *models.Request, acknowledged bool) error {
	if !request.HighRiskSignal() {
		return nil
	}
	if acknowledged {
		return nil
	}
	return &GateError{
		Code:   GateSafetyAcknowledgmentRequired,
		Remedy: "acknowledge the high-risk flags on this request before approving",
		Detail: map[string]interface{}{
			"riskTier":             request.RiskTier,
			"emergencySymptomFlag": request.EmergencySymptomFlag,
			"requiresLiveConsult":  request.RequiresLiveConsult,
		},
	}
}

// runTransitionGates applies both gates for gated targets and nothing for the
// rest. Decline deliberately has no documentation gate: refusing care must not
// be harder than granting it.
func runTransitionGates(request *models.Request, target models.RequestStatus, opts TransitionOpts) error {
	if target != models.RequestStatusApproved && target != models.RequestStatusAwaitingScript {
		return nil
	}
	if err := checkDocumentationGate(request, config.ReviewMinNoteChars()); err != nil {
		return err
	}
	return checkSafetyGate(request, opts.SafetyAcknowledged)
}
