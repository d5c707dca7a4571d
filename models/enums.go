package models

import "errors"

// Persisted string enums. Exact values are load-bearing: they are stored in
// MySQL columns and consumed by the patient portal, so renaming one is a data
// migration, not a refactor.

type RequestStatus string

const (
	RequestStatusDraft          RequestStatus = "draft"
	RequestStatusPendingPayment RequestStatus = "pending_payment"
	RequestStatusPaid           RequestStatus = "paid"
	RequestStatusInReview       RequestStatus = "in_review"
	RequestStatusPendingInfo    RequestStatus = "pending_info"
	RequestStatusApproved       RequestStatus = "approved"
	RequestStatusDeclined       RequestStatus = "declined"
	RequestStatusAwaitingScript RequestStatus = "awaiting_script"
	RequestStatusCompleted      RequestStatus = "completed"
	RequestStatusCancelled      RequestStatus = "cancelled"
)

var requestStatuses = map[RequestStatus]bool{
	RequestStatusDraft:          true,
	RequestStatusPendingPayment: true,
	RequestStatusPaid:           true,
	RequestStatusInReview:       true,
	RequestStatusPendingInfo:    true,
	RequestStatusApproved:       true,
	RequestStatusDeclined:       true,
	RequestStatusAwaitingScript: true,
	RequestStatusCompleted:      true,
	RequestStatusCancelled:      true,
}

func (s RequestStatus) IsValid() bool {
	return requestStatuses[s]
}

func ParseRequestStatus(s string) (RequestStatus, error) {
	status := RequestStatus(s)
	if !status.IsValid() {
		return "", errors.New("invalid request status")
	}
	return status, nil
}

type PaymentStatus string

const (
	PaymentStatusPendingPayment PaymentStatus = "pending_payment"
	PaymentStatusPaid           PaymentStatus = "paid"
	PaymentStatusFailed         PaymentStatus = "failed"
	PaymentStatusRefunded       PaymentStatus = "refunded"
)

func (s PaymentStatus) IsValid() bool {
	switch s {
	case PaymentStatusPendingPayment, PaymentStatusPaid, PaymentStatusFailed, PaymentStatusRefunded:
		return true
	}
	return false
}

type RequestType string

const (
	RequestTypePrescription RequestType = "prescription"
	RequestTypeCertificate  RequestType = "certificate"
	RequestTypeConsult      RequestType = "consult"
)

func (t RequestType) IsValid() bool {
	switch t {
	case RequestTypePrescription, RequestTypeCertificate, RequestTypeConsult:
		return true
	}
	return false
}

type RiskTier string

const (
	RiskTierLow    RiskTier = "low"
	RiskTierMedium RiskTier = "medium"
	RiskTierHigh   RiskTier = "high"
)

type DraftStatus string

const (
	DraftStatusPending DraftStatus = "pending"
	DraftStatusReady   DraftStatus = "ready"
	DraftStatusFailed  DraftStatus = "failed"
)

type DraftContentType string

const (
	DraftContentTypeClinicalNote      DraftContentType = "clinical_note"
	DraftContentTypeCertificateFields DraftContentType = "certificate_fields"
)

// Audit action types. One row per mutation; the action type is the stable key
// reporting joins on.
const (
	AuditActionTransition        = "TRANSITION"
	AuditActionDecline           = "DECLINE"
	AuditActionCancel            = "CANCEL"
	AuditActionRefund            = "REFUND"
	AuditActionDraftApprove      = "DRAFT_APPROVE"
	AuditActionDraftReject       = "DRAFT_REJECT"
	AuditActionReviewLockAcquire = "REVIEW_LOCK_ACQUIRE"
	AuditActionReviewLockExtend  = "REVIEW_LOCK_EXTEND"
	AuditActionReviewLockRelease = "REVIEW_LOCK_RELEASE"
)

type DeclineReasonCode string

const (
	DeclineReasonRequiresExamination   DeclineReasonCode = "requires_examination"
	DeclineReasonNotTelehealthSuitable DeclineReasonCode = "not_telehealth_suitable"
	DeclineReasonPrescribingGuidelines DeclineReasonCode = "prescribing_guidelines"
	DeclineReasonControlledSubstance   DeclineReasonCode = "controlled_substance"
	DeclineReasonUrgentCareNeeded      DeclineReasonCode = "urgent_care_needed"
	DeclineReasonInsufficientInfo      DeclineReasonCode = "insufficient_info"
	DeclineReasonPatientNotEligible    DeclineReasonCode = "patient_not_eligible"
	DeclineReasonOutsideScope          DeclineReasonCode = "outside_scope"
	DeclineReasonOther                 DeclineReasonCode = "other"
)

// DeclineReasonTemplates pre-fills the reviewer's note per reason code; the
// reviewer may override the text before submitting.
var DeclineReasonTemplates = map[DeclineReasonCode]string{
	DeclineReasonRequiresExamination:   "Your request requires a physical examination that cannot be completed via telehealth.",
	DeclineReasonNotTelehealthSuitable: "After review, your request is not suitable for a telehealth consultation.",
	DeclineReasonPrescribingGuidelines: "Prescribing guidelines do not support issuing this medication in this context.",
	DeclineReasonControlledSubstance:   "The requested medication is a controlled substance and cannot be prescribed via this service.",
	DeclineReasonUrgentCareNeeded:      "Your symptoms may need urgent attention. Please contact your local urgent care or emergency services.",
	DeclineReasonInsufficientInfo:      "The information provided is not sufficient to safely complete this request.",
	DeclineReasonPatientNotEligible:    "You do not meet the eligibility requirements for this service.",
	DeclineReasonOutsideScope:          "This request is outside the scope of services we are able to provide.",
	DeclineReasonOther:                 "",
}

func (c DeclineReasonCode) IsValid() bool {
	_, ok := DeclineReasonTemplates[c]
	return ok
}
