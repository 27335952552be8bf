package repositories

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/fedstack/federation-server/internal/core/models"
	"github.com/fedstack/federation-server/internal/core/ports"
)

type ParticipantRepository struct {
	db *gorm.DB
}

func NewParticipantRepository(db *gorm.DB) ports.ParticipantRepository {
	return &ParticipantRepository{
		db: db,
	}
}

func (r *ParticipantRepository) Create(ctx context.Context, participant *models.RoundParticipant) error {
	return r.db.WithContext(ctx).Create(participant).Error
}

func (r *ParticipantRepository) GetByRound(ctx context.Context, roundID uuid.UUID) ([]*models.RoundParticipant, error) {
	var participants []*models.RoundParticipant
	err := r.db.WithContext(ctx).
		Where("round_id = ?", roundID).
		Order("fingerprint ASC").
		Find(&participants).Error
	return participants, err
}

func (r *ParticipantRepository) GetByRoundAndFingerprint(ctx context.Context, roundID uuid.UUID, fingerprint string) (*models.RoundParticipant, error) {
	var participant models.RoundParticipant
	err := r.db.WithContext(ctx).
		Where("round_id = ? AND fingerprint = ?", roundID, fingerprint).
		First(&participant).Error
	if err != nil {
		return nil, err
	}
	return &participant, nil
}

func (r *ParticipantRepository) Update(ctx context.Context, participant *models.RoundParticipant) error {
	return r.db.WithContext(ctx).Save(participant).Error
}

func (r *ParticipantRepository) CountByStatus(ctx context.Context, roundID uuid.UUID, status models.ParticipantStatus) (int, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.RoundParticipant{}).
		Where("round_id = ? AND status = ?", roundID, status).
		Count(&count).Error
	return int(count), err
}
