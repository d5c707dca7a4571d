package workflow

import (
	"context"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"bitbucket.org/medfocus/intake_backend/config"
	"bitbucket.org/medfocus/intake_backend/models"
	"bitbucket.org/medfocus/intake_backend/utils"
)

// Draft review: staleness detection and the approve/reject decisions.
//
// A draft is stale when the answers it was generated from have since changed.
// Staleness is a risk signal, not a hard block: a clinician may judge the
// drift immaterial, but has to say so explicitly, mirroring the safety gate on
// request approval.

type StalenessResult struct {
	IsStale bool   `json:"is_stale"`
	Reason  string `json:"reason,omitempty"`
}

// stalenessOf is the pure comparison; fingerprints are opaque and only ever
// compared for equality.
func stalenessOf(sourceFingerprint, currentFingerprint string) StalenessResult {
	if sourceFingerprint == currentFingerprint {
		return StalenessResult{}
	}
	return StalenessResult{
		IsStale: true,
		Reason:  "patient answers changed after this draft was generated",
	}
}

// CheckStaleness compares the draft's source fingerprint against the request's
// live answers fingerprint.
func CheckStaleness(ctx context.Context, draftId int) (*StalenessResult, error) {
	draft, err := models.GetDraft(ctx, draftId)
	if err != nil {
		return nil, err
	}
	request, err := models.GetRequestFresh(ctx, draft.RequestId)
	if err != nil {
		return nil, err
	}
	result := stalenessOf(draft.SourceAnswersFingerprint, request.AnswersFingerprint)
	return &result, nil
}

type ApproveDraftOpts struct {
	// EditedContent, when set, records the reviewer's modified version next to
	// the generated one; the original is never overwritten.
	EditedContent map[string]interface{}

	// StalenessAcknowledged affirms the reviewer saw that the source answers
	// changed since generation.
	StalenessAcknowledged bool
}

// ApproveDraft finalizes a draft. Stale drafts need explicit acknowledgment;
// finalized drafts are immutable.
func ApproveDraft(ctx context.Context, draftId int, opts ApproveDraftOpts) (*models.Draft, error) {
	if actorId, ok := utils.GetActorIdFromContext(ctx); !ok || actorId == "" {
		return nil, errActorRequired
	}

	draft, err := models.GetDraft(ctx, draftId)
	if err != nil {
		return nil, err
	}
	if draft.Finalized() {
		return nil, ErrDraftFinalized
	}

	request, err := models.GetRequestFresh(ctx, draft.RequestId)
	if err != nil {
		return nil, err
	}
	if staleness := stalenessOf(draft.SourceAnswersFingerprint, request.AnswersFingerprint); staleness.IsStale && !opts.StalenessAcknowledged {
		return nil, &GateError{
			Code:   GateStalenessAcknowledgmentRequired,
			Remedy: "acknowledge that the source answers changed before approving this draft",
			Detail: map[string]interface{}{
				"reason": staleness.Reason,
			},
		}
	}

	patch := map[string]interface{}{
		"approved_at": time.Now(),
	}
	if opts.EditedContent != nil {
		patch["edited_content"] = datatypes.JSONMap(opts.EditedContent)
	}

	return finalizeDraft(ctx, draft, patch, models.AuditActionDraftApprove, map[string]interface{}{
		"stalenessAcknowledged": opts.StalenessAcknowledged,
		"edited":                opts.EditedContent != nil,
	})
}

// RejectDraft finalizes a draft as rejected; regeneration creates a new
// version instead of reopening this one.
func RejectDraft(ctx context.Context, draftId int, reason string) (*models.Draft, error) {
	if actorId, ok := utils.GetActorIdFromContext(ctx); !ok || actorId == "" {
		return nil, errActorRequired
	}
	if strings.TrimSpace(reason) == "" {
		return nil, errRejectionReasonRequired
	}

	draft, err := models.GetDraft(ctx, draftId)
	if err != nil {
		return nil, err
	}
	if draft.Finalized() {
		return nil, ErrDraftFinalized
	}

	patch := map[string]interface{}{
		"rejected_at":      time.Now(),
		"rejection_reason": reason,
	}
	return finalizeDraft(ctx, draft, patch, models.AuditActionDraftReject, map[string]interface{}{
		"rejectionReason": reason,
	})
}

// finalizeDraft applies the decision with an optimistic "not yet finalized"
// precondition, so two reviewers racing on the same draft produce exactly one
// decision.
func finalizeDraft(ctx context.Context, draft *models.Draft, patch map[string]interface{}, actionType string, metadata map[string]interface{}) (*models.Draft, error) {
	previous := *draft

	db := config.GetDB()
	var updated models.Draft
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Draft{}).
			Where("id = ? AND approved_at IS NULL AND rejected_at IS NULL", draft.ID).
			Updates(patch)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrDraftFinalized
		}
		if err := tx.First(&updated, draft.ID).Error; err != nil {
			return err
		}
		return models.RecordMutation(tx, draft.RequestId, actionType, &previous, &updated, metadata)
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}
