package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/otcheredev/mado-gateway/internal/database"
	"github.com/otcheredev/mado-gateway/internal/models"
)

// DestinationRepository persists C-MOVE destinations.
type DestinationRepository struct{}

// NewDestinationRepository creates a destination repository.
func NewDestinationRepository() *DestinationRepository {
	return &DestinationRepository{}
}

// List returns all persisted destinations ordered by AE title.
func (r *DestinationRepository) List(ctx context.Context) ([]models.AEDestination, error) {
	var destinations []models.AEDestination
	if err := database.DB.WithContext(ctx).
		Order("ae_title ASC").
		Find(&destinations).Error; err != nil {
		return nil, fmt.Errorf("failed to list destinations: %w", err)
	}
	return destinations, nil
}

// Upsert creates the destination or updates the existing row with the same
// AE title.
func (r *DestinationRepository) Upsert(ctx context.Context, dest *models.AEDestination) error {
	dest.AETitle = strings.ToUpper(dest.AETitle)

	var existing models.AEDestination
	err := database.DB.WithContext(ctx).
		Where("ae_title = ?", dest.AETitle).
		First(&existing).Error
	if err == nil {
		dest.ID = existing.ID
		dest.CreatedAt = existing.CreatedAt
		if err := database.DB.WithContext(ctx).Save(dest).Error; err != nil {
			return fmt.Errorf("failed to update destination: %w", err)
		}
		return nil
	}

	if err := database.DB.WithContext(ctx).Create(dest).Error; err != nil {
		return fmt.Errorf("failed to create destination: %w", err)
	}
	return nil
}

// Delete removes the destination with the given AE title. It reports whether
// a row was deleted.
func (r *DestinationRepository) Delete(ctx context.Context, aeTitle string) (bool, error) {
	result := database.DB.WithContext(ctx).
		Where("ae_title = ?", strings.ToUpper(aeTitle)).
		Delete(&models.AEDestination{})
	if result.Error != nil {
		return false, fmt.Errorf("failed to delete destination: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}
