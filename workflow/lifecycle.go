package workflow

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bsm/redislock"
	"gorm.io/gorm"

	"bitbucket.org/medfocus/intake_backend/config"
	"bitbucket.org/medfocus/intake_backend/models"
	"bitbucket.org/medfocus/intake_backend/utils"
)

// Lifecycle state machine. Owns Request.status and Request.paymentStatus;
// every mutation of either goes through this file.
//
// Concurrency: concurrent transitions from the same starting status race, and
// exactly one wins. The authoritative guard is the optimistic precondition on
// the UPDATE (WHERE status = <seen status>); the loser gets ErrConflict and is
// expected to reload. The redis commit lock on top is a best-effort
// optimization to avoid burning retries under contention, exactly NOT a
// correctness mechanism.

// transitionTable is the legal edge set. cancelled is reachable only before
// payment: once a patient has paid and entered clinical review, the path out is
// decline + refund, never cancellation.
var transitionTable = map[models.RequestStatus][]models.RequestStatus{
	models.RequestStatusDraft: {
		models.RequestStatusPendingPayment,
		models.RequestStatusCancelled,
	},
	models.RequestStatusPendingPayment: {
		models.RequestStatusPaid,
		models.RequestStatusCancelled,
	},
	// Reviewers may decide straight from paid without formally entering
	// in_review; the review queue treats both the same.
	models.RequestStatusPaid: {
		models.RequestStatusInReview,
		models.RequestStatusApproved,
		models.RequestStatusDeclined,
		models.RequestStatusPendingInfo,
	},
	models.RequestStatusInReview: {
		models.RequestStatusApproved,
		models.RequestStatusDeclined,
		models.RequestStatusPendingInfo,
	},
	models.RequestStatusPendingInfo: {
		models.RequestStatusInReview,
		models.RequestStatusDeclined,
	},
	models.RequestStatusApproved: {
		models.RequestStatusAwaitingScript,
		models.RequestStatusCompleted,
	},
	models.RequestStatusAwaitingScript: {
		models.RequestStatusCompleted,
	},
	// declined, completed, cancelled: terminal.
}

// CanTransition reports whether the edge exists for this request type.
// Prescription requests must route approved -> awaiting_script -> completed;
// certificate and consult requests complete directly from approved.
func CanTransition(requestType models.RequestType, from, to models.RequestStatus) bool {
	found := false
	for _, next := range transitionTable[from] {
		if next == to {
			found = true
			break
		}
	}
	if !found {
		return false
	}
	if to == models.RequestStatusAwaitingScript && requestType != models.RequestTypePrescription {
		return false
	}
	if from == models.RequestStatusApproved && to == models.RequestStatusCompleted && requestType == models.RequestTypePrescription {
		return false
	}
	return true
}

type TransitionOpts struct {
	// SafetyAcknowledged affirms the reviewer saw the high-risk flags. Required
	// per call when the request carries a high-risk signal.
	SafetyAcknowledged bool
}

// Transition moves a request along one legal edge, stamps the matching
// timestamp, and appends one audit entry, all in one transaction.
func Transition(ctx context.Context, requestId string, target models.RequestStatus, opts TransitionOpts) (*models.Request, error) {
	if actorId, ok := utils.GetActorIdFromContext(ctx); !ok || actorId == "" {
		return nil, errActorRequired
	}
	if !target.IsValid() {
		return nil, ErrInvalidTransition
	}

	request, err := models.GetRequestFresh(ctx, requestId)
	if err != nil {
		return nil, err
	}
	if !CanTransition(request.Type, request.Status, target) {
		return nil, ErrInvalidTransition
	}
	if err := runTransitionGates(request, target, opts); err != nil {
		return nil, err
	}

	if lock := obtainCommitLock(ctx, requestId); lock != nil {
		defer lock.Release(ctx)
	}

	actionType := models.AuditActionTransition
	if target == models.RequestStatusCancelled {
		actionType = models.AuditActionCancel
	}

	updated, err := commitStatusChange(ctx, request, target, transitionPatch(target), actionType, nil)
	if err != nil {
		return nil, err
	}

	notifyIfTerminal(ctx, request, updated)
	return updated, nil
}

// Decline refuses a request with a taxonomy code and a mandatory free-text
// note. The code is persisted verbatim (non-PHI); the note lives on the
// request as operational data for clinicians and is redacted in the audit copy
// by the sanitizer.
func Decline(ctx context.Context, requestId string, reasonCode models.DeclineReasonCode, reasonNote string) (*models.Request, error) {
	if actorId, ok := utils.GetActorIdFromContext(ctx); !ok || actorId == "" {
		return nil, errActorRequired
	}
	if !reasonCode.IsValid() {
		return nil, errInvalidDeclineReason
	}
	if strings.TrimSpace(reasonNote) == "" {
		return nil, errDeclineNoteRequired
	}

	request, err := models.GetRequestFresh(ctx, requestId)
	if err != nil {
		return nil, err
	}
	if !CanTransition(request.Type, request.Status, models.RequestStatusDeclined) {
		return nil, ErrInvalidTransition
	}

	if lock := obtainCommitLock(ctx, requestId); lock != nil {
		defer lock.Release(ctx)
	}

	patch := transitionPatch(models.RequestStatusDeclined)
	patch["decline_reason_code"] = reasonCode
	patch["decline_reason_note"] = reasonNote

	metadata := map[string]interface{}{
		"declineReasonCode": reasonCode,
		"declineReasonNote": reasonNote,
	}
	updated, err := commitStatusChange(ctx, request, models.RequestStatusDeclined, patch, models.AuditActionDecline, metadata)
	if err != nil {
		return nil, err
	}

	notifyIfTerminal(ctx, request, updated)
	return updated, nil
}

// Cancel is only legal from draft/pending_payment; the transition table
// enforces that.
func Cancel(ctx context.Context, requestId string) (*models.Request, error) {
	return Transition(ctx, requestId, models.RequestStatusCancelled, TransitionOpts{})
}

// MarkRefunded flips paymentStatus to refunded without touching status: a
// refund does not undo clinical work. Idempotent: a second call reports
// ErrAlreadyRefunded so at-least-once retry paths can treat it as done.
func MarkRefunded(ctx context.Context, requestId string, reason string) (*models.Request, error) {
	if actorId, ok := utils.GetActorIdFromContext(ctx); !ok || actorId == "" {
		return nil, errActorRequired
	}

	request, err := models.GetRequestFresh(ctx, requestId)
	if err != nil {
		return nil, err
	}
	if request.PaymentStatus == models.PaymentStatusRefunded {
		return request, ErrAlreadyRefunded
	}

	previous := *request
	db := config.GetDB()
	var updated models.Request
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Request{}).
			Where("id = ? AND payment_status = ?", requestId, previous.PaymentStatus).
			Update("payment_status", models.PaymentStatusRefunded)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrConflict
		}
		if err := tx.First(&updated, "id = ?", requestId).Error; err != nil {
			return err
		}
		return models.RecordMutation(tx, requestId, models.AuditActionRefund, &previous, &updated, map[string]interface{}{
			"refundReason": reason,
		})
	})
	if err != nil {
		// The race loser may have lost to another refund marker: report the
		// idempotent signal, not a conflict.
		if err == ErrConflict {
			fresh, ferr := models.GetRequestFresh(ctx, requestId)
			if ferr == nil && fresh.PaymentStatus == models.PaymentStatusRefunded {
				return fresh, ErrAlreadyRefunded
			}
		}
		return nil, err
	}

	models.InvalidateRequestCache(requestId)
	return &updated, nil
}

// ProcessPaymentEvent applies one at-least-once provider webhook event. A
/// replay is absorbed only when the payment is actually recorded: a paid event
// arriving while the request is still draft (racing the portal's move to
// pending_payment) returns the error so the provider redelivers, instead of
// being acked and lost.
func ProcessPaymentEvent(ctx context.Context, requestId string, event string, reason string) error {
	switch event {
	case "paid":
		_, err := Transition(ctx, requestId, models.RequestStatusPaid, TransitionOpts{})
		if errors.Is(err, ErrInvalidTransition) {
			fresh, ferr := models.GetRequestFresh(ctx, requestId)
			if ferr != nil {
				return ferr
			}
			if fresh.PaymentStatus == models.PaymentStatusPaid || fresh.PaymentStatus == models.PaymentStatusRefunded {
				return nil
			}
			return err
		}
		return err
	case "refunded":
		_, err := MarkRefunded(ctx, requestId, reason)
		if errors.Is(err, ErrAlreadyRefunded) {
			return nil
		}
		return err
	default:
		// Unknown events are acked and dropped.
		return nil
	}
}

// commitStatusChange performs the optimistic status update, reloads, and
// appends the audit entry in one transaction.
func commitStatusChange(ctx context.Context, request *models.Request, target models.RequestStatus, patch map[string]interface{}, actionType string, metadata map[string]interface{}) (*models.Request, error) {
	previous := *request

	db := config.GetDB()
	var updated models.Request
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Request{}).
			Where("id = ? AND status = ?", request.ID, previous.Status).
			Updates(patch)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrConflict
		}
		if err := tx.First(&updated, "id = ?", request.ID).Error; err != nil {
			return err
		}
		return models.RecordMutation(tx, request.ID, actionType, &previous, &updated, metadata)
	})
	if err != nil {
		return nil, err
	}

	models.InvalidateRequestCache(request.ID)
	return &updated, nil
}

// transitionPatch stamps the timestamp column matching the target status. The
// paid edge also flips paymentStatus; the two fields move together but stay
// separate columns.
func transitionPatch(target models.RequestStatus) map[string]interface{} {
	now := time.Now()
	patch := map[string]interface{}{"status": target}
	switch target {
	case models.RequestStatusPaid:
		patch["payment_status"] = models.PaymentStatusPaid
		patch["paid_at"] = now
	case models.RequestStatusApproved:
		patch["approved_at"] = now
	case models.RequestStatusDeclined:
		patch["declined_at"] = now
	case models.RequestStatusCancelled:
		patch["cancelled_at"] = now
	case models.RequestStatusCompleted:
		patch["completed_at"] = now
	}
	return patch
}

func isTerminalForNotification(status models.RequestStatus) bool {
	switch status {
	case models.RequestStatusApproved, models.RequestStatusDeclined,
		models.RequestStatusCompleted, models.RequestStatusCancelled:
		return true
	}
	return false
}

// notifyIfTerminal fires the outbound-communication hook. Fire-and-forget: the
// state machine never waits on it.
func notifyIfTerminal(ctx context.Context, previous *models.Request, updated *models.Request) {
	if !isTerminalForNotification(updated.Status) {
		return
	}
	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
	config.NotifyStatusChanged(config.StatusChangedMessage{
		RequestId:     updated.ID,
		ClinicId:      updated.ClinicId,
		PreviousState: string(previous.Status),
		NewState:      string(updated.Status),
		ChangedAt:     time.Now(),
		CorrelationId: correlationId,
	})
}

// obtainCommitLock best-effort serializes commits per request. Never blocks a
// clinical action: any failure (redis down, already held) just falls through
// to the optimistic precondition.
func obtainCommitLock(ctx context.Context, requestId string) *redislock.Lock {
	locker := config.GetRedisLock()
	if locker == nil {
		return nil
	}
	lock, err := locker.Obtain(ctx, "request-commit:"+requestId, 10*time.Second, nil)
	if err != nil {
		return nil
	}
	return lock
}
