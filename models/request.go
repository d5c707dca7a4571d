package models

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"bitbucket.org/medfocus/intake_backend/config"
	"bitbucket.org/medfocus/intake_backend/utils"
)

// Request is one patient's submitted clinical ask, tracked through its
// lifecycle. Status and PaymentStatus are deliberately separate columns:
// payment can be refunded while status stays completed, because a refund does
// not retroactively undo clinical work.
//
// Requests are never deleted; cancellation is a terminal status.
type Request struct {
	ID                   string            `gorm:"primary_key;size:36" json:"id"`
	ClinicId             string            `gorm:"index;not null" json:"clinic_id"`
	PatientId            string            `gorm:"index;size:36;not null" json:"patient_id"`
	Type                 RequestType       `gorm:"type:enum('prescription','certificate','consult');not null" json:"type"`
	Status               RequestStatus     `gorm:"index;size:20;not null;default:'draft'" json:"status"`
	PaymentStatus        PaymentStatus     `gorm:"size:20;not null;default:'pending_payment'" json:"payment_status"`
	RiskTier             RiskTier          `gorm:"type:enum('low','medium','high');default:'low'" json:"risk_tier"`
	EmergencySymptomFlag bool              `gorm:"default:false" json:"emergency_symptom_flag"`
	RequiresLiveConsult  bool              `gorm:"default:false" json:"requires_live_consult"`
	ClinicalNotes        string            `gorm:"type:text" json:"clinical_notes"`
	DeclineReasonCode    DeclineReasonCode `gorm:"size:40;default:null" json:"decline_reason_code"`
	DeclineReasonNote    string            `gorm:"type:text" json:"decline_reason_note"`
	Answers              datatypes.JSONMap `gorm:"type:json" json:"answers"`
	AnswersFingerprint   string            `gorm:"size:64" json:"answers_fingerprint"`
	AmountTotal          decimal.Decimal   `gorm:"type:decimal(20,4);default:0" json:"amount_total"`
	Currency             string            `gorm:"size:3;default:'AUD'" json:"currency"`
	PaidAt               *time.Time        `json:"paid_at"`
	ApprovedAt           *time.Time        `json:"approved_at"`
	DeclinedAt           *time.Time        `json:"declined_at"`
	CancelledAt          *time.Time        `json:"cancelled_at"`
	CompletedAt          *time.Time        `json:"completed_at"`
	CreatedAt            time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewRequest struct {
	PatientId           string                 `json:"patient_id" binding:"required"`
	Type                RequestType            `json:"type" binding:"required"`
	RiskTier            RiskTier               `json:"risk_tier"`
	RequiresLiveConsult bool                   `json:"requires_live_consult"`
	Answers             map[string]interface{} `json:"answers"`
	AmountTotal         decimal.Decimal        `json:"amount_total"`
	Currency            string                 `json:"currency"`
}

// HighRiskSignal reports whether the request carries an unacknowledged
// high-risk marker: risk tier, emergency symptoms, or a live-consult
// requirement. Approval past this signal needs explicit acknowledgment.
func (r *Request) HighRiskSignal() bool {
	return r.RiskTier == RiskTierHigh || r.EmergencySymptomFlag || r.RequiresLiveConsult
}

// CreateRequest is called when the patient submits intake answers (wizard side,
// external to the lifecycle coordinator). All later mutations go through the
// workflow package.
func CreateRequest(ctx context.Context, input *NewRequest) (*Request, error) {
	clinicId, ok := utils.GetClinicIdFromContext(ctx)
	if !ok || clinicId == "" {
		return nil, errors.New("clinic id is required")
	}
	if !input.Type.IsValid() {
		return nil, errors.New("invalid request type")
	}

	riskTier := input.RiskTier
	if riskTier == "" {
		riskTier = RiskTierLow
	}
	currency := input.Currency
	if currency == "" {
		currency = "AUD"
	}

	request := Request{
		ID:                  uuid.NewString(),
		ClinicId:            clinicId,
		PatientId:           input.PatientId,
		Type:                input.Type,
		Status:              RequestStatusDraft,
		PaymentStatus:       PaymentStatusPendingPayment,
		RiskTier:            riskTier,
		RequiresLiveConsult: input.RequiresLiveConsult,
		Answers:             datatypes.JSONMap(input.Answers),
		AnswersFingerprint:  utils.FingerprintAnswers(input.Answers),
		AmountTotal:         input.AmountTotal,
		Currency:            currency,
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&request).Error; err != nil {
		return nil, err
	}
	return &request, nil
}

func GetRequest(ctx context.Context, id string) (*Request, error) {
	cached, _ := utils.RetrieveRedis[Request](id)
	if cached != nil {
		return cached, nil
	}

	db := config.GetDB()
	var result Request
	if err := db.WithContext(ctx).First(&result, "id = ?", id).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}

	_ = utils.StoreRedis[Request](&result, id)
	return &result, nil
}

// GetRequestFresh bypasses the cache. Transition preconditions must be checked
// against the database, never a cached copy.
func GetRequestFresh(ctx context.Context, id string) (*Request, error) {
	db := config.GetDB()
	var result Request
	if err := db.WithContext(ctx).First(&result, "id = ?", id).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &result, nil
}

func InvalidateRequestCache(id string) {
	_ = utils.RemoveRedis[Request](id)
}

// ListReviewQueue returns the clinic's requests awaiting clinical attention,
// oldest paid first.
func ListReviewQueue(ctx context.Context, limit int) ([]*Request, error) {
	clinicId, ok := utils.GetClinicIdFromContext(ctx)
	if !ok || clinicId == "" {
		return nil, errors.New("clinic id is required")
	}
	if limit <= 0 || limit > config.SearchLimit*4 {
		limit = config.SearchLimit
	}

	db := config.GetDB()
	var results []*Request
	err := db.WithContext(ctx).
		Where("clinic_id = ?", clinicId).
		Where("status IN ?", []RequestStatus{RequestStatusPaid, RequestStatusInReview, RequestStatusPendingInfo}).
		Order("paid_at ASC").
		Limit(limit).
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

// UpdateAnswers replaces the opaque answers record and its fingerprint. Drafts
// generated from the previous answers become stale by fingerprint comparison;
// nothing else is touched.
func UpdateAnswers(ctx context.Context, id string, answers map[string]interface{}) (*Request, error) {
	db := config.GetDB()

	request, err := GetRequestFresh(ctx, id)
	if err != nil {
		return nil, err
	}

	err = db.WithContext(ctx).Model(&Request{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"answers":             datatypes.JSONMap(answers),
			"answers_fingerprint": utils.FingerprintAnswers(answers),
		}).Error
	if err != nil {
		return nil, err
	}

	InvalidateRequestCache(id)
	return GetRequestFresh(ctx, request.ID)
}
