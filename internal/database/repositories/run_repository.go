package repositories

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/fedstack/federation-server/internal/core/models"
	"github.com/fedstack/federation-server/internal/core/ports"
)

type RunRepository struct {
	db *gorm.DB
}

func NewRunRepository(db *gorm.DB) ports.RunRepository {
	return &RunRepository{
		db: db,
	}
}

func (r *RunRepository) Create(ctx context.Context, run *models.FederationRun) error {
	return r.db.WithContext(ctx).Create(run).Error
}

func (r *RunRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.FederationRun, error) {
	var run models.FederationRun
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&run).Error
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (r *RunRepository) GetAll(ctx context.Context) ([]*models.FederationRun, error) {
	var runs []*models.FederationRun
	err := r.db.WithContext(ctx).Order("created_at DESC").Find(&runs).Error
	return runs, err
}

func (r *RunRepository) GetByStatus(ctx context.Context, status models.RunStatus) ([]*models.FederationRun, error) {
	var runs []*models.FederationRun
	err := r.db.WithContext(ctx).Where("status = ?", status).Find(&runs).Error
	return runs, err
}

func (r *RunRepository) Update(ctx context.Context, run *models.FederationRun) error {
	return r.db.WithContext(ctx).Save(run).Error
}

func (r *RunRepository) AddCollaborator(ctx context.Context, runID uuid.UUID, fingerprint string) error {
	var existing models.RunMember
	err := r.db.WithContext(ctx).
		Where("run_id = ? AND fingerprint = ?", runID, fingerprint).
		First(&existing).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	member := models.RunMember{
		RunID:       runID,
		Fingerprint: fingerprint,
	}
	return r.db.WithContext(ctx).Create(&member).Error
}

func (r *RunRepository) GetCollaborators(ctx context.Context, runID uuid.UUID) ([]string, error) {
	var fingerprints []string
	err := r.db.WithContext(ctx).
		Model(&models.RunMember{}).
		Where("run_id = ?", runID).
		Order("fingerprint ASC").
		Pluck("fingerprint", &fingerprints).Error
	return fingerprints, err
}
