package repositories

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/fedstack/federation-server/internal/core/models"
	"github.com/fedstack/federation-server/internal/core/ports"
)

type CollaboratorRepository struct {
	db *gorm.DB
}

func NewCollaboratorRepository(db *gorm.DB) ports.CollaboratorRepository {
	return &CollaboratorRepository{
		db: db,
	}
}

func (r *CollaboratorRepository) CreateOrUpdate(ctx context.Context, collaborator *models.Collaborator) (*models.Collaborator, error) {
	var existing models.Collaborator
	err := r.db.WithContext(ctx).
		Where("fingerprint = ?", collaborator.Fingerprint).
		First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if err := r.db.WithContext(ctx).Create(collaborator).Error; err != nil {
			return nil, err
		}
		return collaborator, nil
	}
	if err != nil {
		return nil, err
	}

	existing.Name = collaborator.Name
	existing.Status = collaborator.Status
	existing.LastHeartbeat = collaborator.LastHeartbeat
	if err := r.db.WithContext(ctx).Save(&existing).Error; err != nil {
		return nil, err
	}
	return &existing, nil
}

func (r *CollaboratorRepository) GetByFingerprint(ctx context.Context, fingerprint string) (*models.Collaborator, error) {
	var collaborator models.Collaborator
	err := r.db.WithContext(ctx).
		Where("fingerprint = ?", fingerprint).
		First(&collaborator).Error
	if err != nil {
		return nil, err
	}
	return &collaborator, nil
}

func (r *CollaboratorRepository) GetByStatus(ctx context.Context, status models.CollaboratorStatus) ([]*models.Collaborator, error) {
	var collaborators []*models.Collaborator
	err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("fingerprint ASC").
		Find(&collaborators).Error
	return collaborators, err
}

func (r *CollaboratorRepository) Update(ctx context.Context, collaborator *models.Collaborator) error {
	return r.db.WithContext(ctx).Save(collaborator).Error
}

func (r *CollaboratorRepository) MarkOfflineSince(ctx context.Context, timeoutSeconds int64) (int64, []string, error) {
	cutoffTime := time.Now().Add(-time.Duration(timeoutSeconds) * time.Second)

	var silent []models.Collaborator
	if err := r.db.WithContext(ctx).
		Where("status = ? AND last_heartbeat < ?", models.CollaboratorStatusOnline, cutoffTime).
		Find(&silent).Error; err != nil {
		return 0, nil, err
	}

	if len(silent) == 0 {
		return 0, nil, nil
	}

	fingerprints := make([]string, 0, len(silent))
	for _, c := range silent {
		fingerprints = append(fingerprints, c.Fingerprint)
	}

	result := r.db.WithContext(ctx).Model(&models.Collaborator{}).
		Where("status = ? AND last_heartbeat < ?", models.CollaboratorStatusOnline, cutoffTime).
		Updates(map[string]interface{}{
			"status": models.CollaboratorStatusOffline,
		})
	if result.Error != nil {
		return 0, nil, result.Error
	}

	return result.RowsAffected, fingerprints, nil
}
