package utils

import (
	"context"

	"github.com/go-playground/validator/v10"

	"bitbucket.org/medfocus/intake_backend/config"
)

var validate = validator.New()

// ValidateInput runs struct-tag validation on a handler input.
func ValidateInput(input interface{}) error {
	return validate.Struct(input)
}

// check if id exists, using ctx's clinic_id in WHERE, return RecordNotFound error
func ValidateResourceId[T any](ctx context.Context, clinicId string, id interface{}) error {
	count, err := ResourceCountWhere[T](ctx, clinicId, "id = ?", id)
	if err != nil {
		return err
	}
	if count <= 0 {
		return ErrorRecordNotFound
	}
	return nil
}

// count records, using WHERE clinic_id = ? AND $condition
// clinic_id can be blank for admin user
func ResourceCountWhere[T any](ctx context.Context, clinicId string, condition string, value ...interface{}) (int64, error) {
	var model T

	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Model(&model)
	var count int64
	if clinicId != "" {
		dbCtx.Where("clinic_id = ?", clinicId)
	}
	dbCtx.Where(condition, value...)
	if err := dbCtx.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
