package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"bitbucket.org/medfocus/intake_backend/config"
	"bitbucket.org/medfocus/intake_backend/utils"
)

// AuditEntry is the legal/compliance record of every mutation: one immutable
// row per action, never updated, never deleted.
//
// PreviousState, NewState and Metadata pass through utils.SanitizeRecord before
// they are stored. RecordMutation is the ONLY write path; no other code builds
// an AuditEntry row, which is what enforces the "no PHI in the trail"
// invariant at write time instead of by convention.
type AuditEntry struct {
	ID            int       `gorm:"primary_key" json:"id"`
	ClinicId      string    `gorm:"index;not null" json:"clinic_id"`
	RequestId     string    `gorm:"index;size:36;not null" json:"request_id"`
	ActorId       string    `gorm:"index;size:36;not null" json:"actor_id"`
	ActorName     string    `gorm:"size:100" json:"actor_name"`
	ActionType    string    `gorm:"size:30;not null" json:"action_type"`
	PreviousState string    `gorm:"type:text" json:"previous_state"`
	NewState      string    `gorm:"type:text" json:"new_state"`
	Metadata      string    `gorm:"type:text" json:"metadata"`
	CorrelationId string    `gorm:"size:36" json:"correlation_id"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}

var ErrUnsanitizedAuditPayload = errors.New("audit payload failed strict redaction check")

// RecordMutation sanitizes all three payloads independently and appends one
// entry inside the caller's transaction. Actor identity comes from the context;
// a mutation without an actor is refused.
func RecordMutation(tx *gorm.DB, requestId string, actionType string, previousState interface{}, newState interface{}, metadata interface{}) error {
	ctx := tx.Statement.Context

	actorId, ok := utils.GetActorIdFromContext(ctx)
	if !ok || actorId == "" {
		return errors.New("actor id is required")
	}
	actorName, _ := utils.GetActorNameFromContext(ctx)
	clinicId, _ := utils.GetClinicIdFromContext(ctx)
	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)

	prev := utils.SanitizeAny(previousState)
	next := utils.SanitizeAny(newState)
	meta := utils.SanitizeAny(metadata)

	if config.StrictAuditRedaction() {
		for name, payload := range map[string]map[string]interface{}{"previousState": prev, "newState": next, "metadata": meta} {
			if err := assertSanitized(payload); err != nil {
				return fmt.Errorf("%w: %s: %v", ErrUnsanitizedAuditPayload, name, err)
			}
		}
	}

	entry := AuditEntry{
		ClinicId:      clinicId,
		RequestId:     requestId,
		ActorId:       actorId,
		ActorName:     actorName,
		ActionType:    actionType,
		PreviousState: mustJSON(prev),
		NewState:      mustJSON(next),
		Metadata:      mustJSON(meta),
		CorrelationId: correlationId,
	}
	return tx.Create(&entry).Error
}

// assertSanitized re-classifies every key in an already-sanitized payload and
// fails if a sensitive value survived. Sanitize is idempotent, so a clean
// payload passes unchanged.
func assertSanitized(payload map[string]interface{}) error {
	resanitized := utils.SanitizeRecord(payload)
	a, _ := json.Marshal(payload)
	b, _ := json.Marshal(resanitized)
	if string(a) != string(b) {
		return errors.New("payload changed under re-sanitization")
	}
	return nil
}

func mustJSON(v map[string]interface{}) string {
	if v == nil {
		return ""
	}
	s, err := utils.MarshalToJSON(v)
	if err != nil {
		return ""
	}
	return s
}

// GetAuditTrail returns the request's entries, newest first. Platform admins
// bypass the clinic-scope check.
func GetAuditTrail(ctx context.Context, requestId string) ([]*AuditEntry, error) {
	if isAdmin, _ := utils.GetIsAdminFromContext(ctx); !isAdmin {
		clinicId, _ := utils.GetClinicIdFromContext(ctx)
		if err := utils.ValidateResourceId[Request](ctx, clinicId, requestId); err != nil {
			return nil, err
		}
	}

	db := config.GetDB()
	var results []*AuditEntry
	err := db.WithContext(ctx).
		Where("request_id = ?", requestId).
		Order("created_at DESC").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

// GetAuditTrailByActor filters the trail by the acting clinician. Admins see
// the actor's activity across all clinics.
func GetAuditTrailByActor(ctx context.Context, actorId string, limit int) ([]*AuditEntry, error) {
	query := config.GetDB().WithContext(ctx)
	if isAdmin, _ := utils.GetIsAdminFromContext(ctx); !isAdmin {
		clinicId, ok := utils.GetClinicIdFromContext(ctx)
		if !ok || clinicId == "" {
			return nil, errors.New("clinic id is required")
		}
		query = query.Where("clinic_id = ?", clinicId)
	}
	if limit <= 0 {
		limit = config.SearchLimit
	}

	var results []*AuditEntry
	err := query.
		Where("actor_id = ?", actorId).
		Order("created_at DESC").
		Limit(limit).
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}
