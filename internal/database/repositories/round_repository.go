package repositories

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/fedstack/federation-server/internal/core/models"
	"github.com/fedstack/federation-server/internal/core/ports"
)

type RoundRepository struct {
	db *gorm.DB
}

func NewRoundRepository(db *gorm.DB) ports.RoundRepository {
	return &RoundRepository{
		db: db,
	}
}

func (r *RoundRepository) Create(ctx context.Context, round *models.FederationRound) error {
	return r.db.WithContext(ctx).Create(round).Error
}

func (r *RoundRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.FederationRound, error) {
	var round models.FederationRound
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&round).Error
	if err != nil {
		return nil, err
	}
	return &round, nil
}

func (r *RoundRepository) GetByRun(ctx context.Context, runID uuid.UUID) ([]*models.FederationRound, error) {
	var rounds []*models.FederationRound
	err := r.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("round_number ASC, attempt ASC").
		Find(&rounds).Error
	return rounds, err
}

// GetByRunAndNumber returns the latest attempt of the given round number.
func (r *RoundRepository) GetByRunAndNumber(ctx context.Context, runID uuid.UUID, roundNumber int) (*models.FederationRound, error) {
	var round models.FederationRound
	err := r.db.WithContext(ctx).
		Where("run_id = ? AND round_number = ?", runID, roundNumber).
		Order("attempt DESC").
		First(&round).Error
	if err != nil {
		return nil, err
	}
	return &round, nil
}

func (r *RoundRepository) Update(ctx context.Context, round *models.FederationRound) error {
	return r.db.WithContext(ctx).Save(round).Error
}
