// Package service provides chat, message log and realtime orchestration logic.
package service

import (
	"errors"

	"parley/internal/models"

	"gorm.io/gorm"
)

// storageErr maps a repository failure onto the public error taxonomy.
// Missing rows become NotFound; anything else is a retryable Unavailable.
func storageErr(op, resource, id string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *models.AppError
	if errors.As(err, &appErr) {
		return err
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.NewNotFoundError(resource, id)
	}
	return models.NewUnavailableError(op, err)
}
