package db

import (
	"gorm.io/gorm"

	"github.com/fedstack/federation-server/internal/core/ports"
	"github.com/fedstack/federation-server/internal/database/repositories"
)

type RepositoryFactory struct {
	db *gorm.DB
}

func NewRepositoryFactory(db *gorm.DB) *RepositoryFactory {
	return &RepositoryFactory{
		db: db,
	}
}

func NewRepositoryFactoryFromManager(manager *DBManager) *RepositoryFactory {
	return &RepositoryFactory{
		db: manager.GetDB(),
	}
}

func (f *RepositoryFactory) RunRepository() ports.RunRepository {
	return repositories.NewRunRepository(f.db)
}

func (f *RepositoryFactory) RoundRepository() ports.RoundRepository {
	return repositories.NewRoundRepository(f.db)
}

func (f *RepositoryFactory) ParticipantRepository() ports.ParticipantRepository {
	return repositories.NewParticipantRepository(f.db)
}

func (f *RepositoryFactory) CollaboratorRepository() ports.CollaboratorRepository {
	return repositories.NewCollaboratorRepository(f.db)
}

var repositoryFactory *RepositoryFactory

func InitRepositoryFactory(db *gorm.DB) {
	repositoryFactory = NewRepositoryFactory(db)
}

func GetRepositoryFactory() *RepositoryFactory {
	if repositoryFactory == nil {
		dbManager := GetDBManager()
		repositoryFactory = NewRepositoryFactoryFromManager(dbManager)
	}
	return repositoryFactory
}
