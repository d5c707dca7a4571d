package workflow

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"bitbucket.org/medfocus/intake_backend/config"
	"bitbucket.org/medfocus/intake_backend/models"
)

// Advisory review locks.
//
// This is deliberately NOT a mutex. Two clinicians opening the same request is
// a recoverable inefficiency; blocking a clinician who believes a case needs
// urgent attention is a safety problem. Acquire therefore warns and never
// refuses, and no caller may treat a held lock as a correctness guarantee.
//
// Expiry is lazy: a lock past its ExpiresAt is simply treated as absent on the
// next read. No background sweeper, no leader election, safe across processes.

type ReviewLock struct {
	RequestId  string    `json:"request_id"`
	HolderId   string    `json:"holder_id"`
	HolderName string    `json:"holder_name"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// LockStore is the persistence seam. Production uses redis; tests inject an
// in-memory store.
type LockStore interface {
	Get(requestId string) (*ReviewLock, bool, error)
	Put(lock *ReviewLock, ttl time.Duration) error
	Del(requestId string) error
}

type redisLockStore struct{}

func reviewLockKey(requestId string) string {
	return "ReviewLock:" + requestId
}

func (redisLockStore) Get(requestId string) (*ReviewLock, bool, error) {
	var lock *ReviewLock
	found, err := config.GetRedisObject(reviewLockKey(requestId), &lock)
	if err != nil || !found || lock == nil {
		return nil, false, err
	}
	return lock, true, nil
}

func (redisLockStore) Put(lock *ReviewLock, ttl time.Duration) error {
	// Redis TTL is set slightly past ExpiresAt; ExpiresAt stays the source of
	// truth so expiry semantics do not depend on redis clock behavior.
	return config.SetRedisObject(reviewLockKey(lock.RequestId), lock, ttl+time.Second)
}

func (redisLockStore) Del(requestId string) error {
	return config.RemoveRedisKey(reviewLockKey(requestId))
}

type ReviewLockManager struct {
	store LockStore
	ttl   time.Duration
	now   func() time.Time
}

func NewReviewLockManager(store LockStore, ttl time.Duration) *ReviewLockManager {
	return &ReviewLockManager{store: store, ttl: ttl, now: time.Now}
}

// DefaultReviewLockManager is redis-backed with the configured TTL.
func DefaultReviewLockManager() *ReviewLockManager {
	return NewReviewLockManager(redisLockStore{}, config.ReviewLockTTL())
}

// Peek returns the live lock, applying lazy expiry.
func (m *ReviewLockManager) Peek(requestId string) (*ReviewLock, bool, error) {
	lock, found, err := m.store.Get(requestId)
	if err != nil || !found {
		return nil, false, err
	}
	if !m.now().Before(lock.ExpiresAt) {
		return nil, false, nil
	}
	return lock, true, nil
}

// Acquire registers review interest. If nobody holds a live lock, or the
// caller already does, the lock is installed/refreshed and no warning is
// returned. If a different holder's lock is live, nothing is installed and a
// human-readable warning naming the elapsed hold time comes back; the caller
// proceeds regardless.
func (m *ReviewLockManager) Acquire(ctx context.Context, requestId, holderId, holderName string) (warning string, err error) {
	live, found, err := m.Peek(requestId)
	if err != nil {
		return "", err
	}
	if found && live.HolderId != holderId {
		elapsed := m.now().Sub(live.AcquiredAt).Round(time.Second)
		name := live.HolderName
		if name == "" {
			name = "another clinician"
		}
		return fmt.Sprintf("%s opened this request %s ago and may still be reviewing it", name, elapsed), nil
	}

	now := m.now()
	lock := &ReviewLock{
		RequestId:  requestId,
		HolderId:   holderId,
		HolderName: holderName,
		AcquiredAt: now,
		ExpiresAt:  now.Add(m.ttl),
	}
	if found {
		// Re-acquire by the same holder keeps the original acquisition time.
		lock.AcquiredAt = live.AcquiredAt
	}
	if err := m.store.Put(lock, m.ttl); err != nil {
		return "", err
	}

	m.audit(ctx, requestId, models.AuditActionReviewLockAcquire, lock)
	return "", nil
}

// Extend refreshes ExpiresAt if the caller still holds the lock. Expired or
// foreign locks make this a silent no-op: an extend that loses the race is not
// an error worth surfacing to a reviewer mid-consult.
func (m *ReviewLockManager) Extend(ctx context.Context, requestId, holderId string) error {
	live, found, err := m.Peek(requestId)
	if err != nil || !found {
		return err
	}
	if live.HolderId != holderId {
		return nil
	}
	live.ExpiresAt = m.now().Add(m.ttl)
	if err := m.store.Put(live, m.ttl); err != nil {
		return err
	}
	m.audit(ctx, requestId, models.AuditActionReviewLockExtend, live)
	return nil
}

// Release removes the lock only if the caller holds it; otherwise no-op.
func (m *ReviewLockManager) Release(ctx context.Context, requestId, holderId string) error {
	live, found, err := m.Peek(requestId)
	if err != nil || !found {
		return err
	}
	if live.HolderId != holderId {
		return nil
	}
	if err := m.store.Del(requestId); err != nil {
		return err
	}
	m.audit(ctx, requestId, models.AuditActionReviewLockRelease, live)
	return nil
}

// audit records the lock mutation. Lock state itself carries no PHI, but it
// still goes through the sanitizing writer like every other mutation. Skipped
// when no database is wired (pure unit tests); never fails the lock operation.
func (m *ReviewLockManager) audit(ctx context.Context, requestId string, actionType string, lock *ReviewLock) {
	db := config.GetDB()
	if db == nil {
		return
	}
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return models.RecordMutation(tx, requestId, actionType, nil, lock, nil)
	})
	if err != nil {
		config.LogError(config.GetLogger(), "reviewLock.go", "audit", actionType, requestId, err)
	}
}
