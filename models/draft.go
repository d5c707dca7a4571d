package models

import (
	"context"
	"errors"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"bitbucket.org/medfocus/intake_backend/config"
	"bitbucket.org/medfocus/intake_backend/utils"
)

// Draft is one AI-generated candidate content blob for a request. Regeneration
// inserts a new version row; rows are never overwritten or deleted, and once a
// draft is approved or rejected it is immutable.
type Draft struct {
	ID                       int               `gorm:"primary_key" json:"id"`
	ClinicId                 string            `gorm:"index;not null" json:"clinic_id"`
	RequestId                string            `gorm:"size:36;not null;uniqueIndex:idx_draft_version" json:"request_id"`
	ContentType              DraftContentType  `gorm:"size:30;not null;uniqueIndex:idx_draft_version" json:"content_type"`
	Content                  datatypes.JSONMap `gorm:"type:json" json:"content"`
	EditedContent            datatypes.JSONMap `gorm:"type:json" json:"edited_content"`
	Status                   DraftStatus       `gorm:"size:10;not null;default:'pending'" json:"status"`
	Version                  int               `gorm:"not null;default:1;uniqueIndex:idx_draft_version" json:"version"`
	SourceAnswersFingerprint string            `gorm:"size:64" json:"source_answers_fingerprint"`
	ApprovedAt               *time.Time        `json:"approved_at"`
	RejectedAt               *time.Time        `json:"rejected_at"`
	RejectionReason          string            `gorm:"type:text" json:"rejection_reason"`
	CreatedAt                time.Time         `gorm:"autoCreateTime" json:"created_at"`
}

type NewDraft struct {
	RequestId   string                 `json:"request_id" binding:"required"`
	ContentType DraftContentType       `json:"content_type" binding:"required"`
	Content     map[string]interface{} `json:"content"`
	Status      DraftStatus            `json:"status"`
}

// Finalized reports whether approve/reject has already been decided.
func (d *Draft) Finalized() bool {
	return d.ApprovedAt != nil || d.RejectedAt != nil
}

// EffectiveContent is what the reviewer ultimately signed off on.
func (d *Draft) EffectiveContent() datatypes.JSONMap {
	if d.EditedContent != nil {
		return d.EditedContent
	}
	return d.Content
}

// CreateDraftVersion records a generation result. The version number continues
// from the latest row for the same request and content type; the source
// fingerprint is snapshotted from the request's answers at generation time.
// A unique index on (request_id, content_type, version) catches two generations
// racing to the same number; the loser re-reads MAX(version) and retries.
func CreateDraftVersion(ctx context.Context, input *NewDraft) (*Draft, error) {
	request, err := GetRequestFresh(ctx, input.RequestId)
	if err != nil {
		return nil, err
	}

	status := input.Status
	if status == "" {
		status = DraftStatusReady
	}

	db := config.GetDB()
	var draft Draft
	for attempt := 0; attempt < 5; attempt++ {
		err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var version int
			row := tx.Model(&Draft{}).
				Where("request_id = ? AND content_type = ?", input.RequestId, input.ContentType).
				Select("COALESCE(MAX(version), 0)").
				Row()
			if err := row.Scan(&version); err != nil {
				return err
			}

			draft = Draft{
				ClinicId:                 request.ClinicId,
				RequestId:                request.ID,
				ContentType:              input.ContentType,
				Content:                  datatypes.JSONMap(input.Content),
				Status:                   status,
				Version:                  version + 1,
				SourceAnswersFingerprint: request.AnswersFingerprint,
			}
			return tx.Create(&draft).Error
		})
		if err == nil {
			return &draft, nil
		}
		if !isDuplicateVersionErr(err) {
			return nil, err
		}
	}
	return nil, err
}

func isDuplicateVersionErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}

func GetDraft(ctx context.Context, id int) (*Draft, error) {
	db := config.GetDB()
	var result Draft
	if err := db.WithContext(ctx).First(&result, id).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &result, nil
}

// LatestDraft returns the newest version for the request and content type. The
// UI only ever shows the latest; older versions stay queryable for audit.
func LatestDraft(ctx context.Context, requestId string, contentType DraftContentType) (*Draft, error) {
	db := config.GetDB()
	var result Draft
	err := db.WithContext(ctx).
		Where("request_id = ? AND content_type = ?", requestId, contentType).
		Order("version DESC").
		First(&result).Error
	if err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &result, nil
}

func GetDraftVersions(ctx context.Context, requestId string, contentType DraftContentType) ([]*Draft, error) {
	db := config.GetDB()
	var results []*Draft
	err := db.WithContext(ctx).
		Where("request_id = ? AND content_type = ?", requestId, contentType).
		Order("version DESC").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

// MarkDraftFailed flags a generation failure so the UI can offer regeneration.
// Finalized drafts are immutable, including their status.
func MarkDraftFailed(ctx context.Context, id int) error {
	db := config.GetDB()
	result := db.WithContext(ctx).Model(&Draft{}).
		Where("id = ? AND approved_at IS NULL AND rejected_at IS NULL", id).
		Update("status", DraftStatusFailed)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return errors.New("draft is finalized or missing")
	}
	return nil
}
