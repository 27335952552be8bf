package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/fedstack/federation-server/internal/api"
	"github.com/fedstack/federation-server/internal/api/handlers"
	"github.com/fedstack/federation-server/internal/core/config"
	"github.com/fedstack/federation-server/internal/core/ports"
	"github.com/fedstack/federation-server/internal/core/services"
	"github.com/fedstack/federation-server/internal/storage/db"
	"github.com/fedstack/federation-server/internal/utils"
	"github.com/fedstack/federation-server/pkg/logger"
)

type Server struct {
	Config            *config.Config
	HttpServer        *http.Server
	DBManager         *db.DBManager
	IdentityService   *services.IdentityService
	FederationService *services.FederationService
	RegistryService   *services.RegistryService
	SweeperService    *services.SweeperService
}

func (s *Server) Shutdown(ctx context.Context) {
	log := logger.Get()

	serverShutdownCtx, serverShutdownCancel := context.WithTimeout(ctx, 15*time.Second)
	defer serverShutdownCancel()

	s.SweeperService.Stop()
	log.Info().Msg("Stopped federation sweeper")

	log.Info().Int("shutdown_timeout_seconds", 15).Msg("Initiating server shutdown sequence")
	shutdownStart := time.Now()

	if err := s.HttpServer.Shutdown(serverShutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
		if err == context.DeadlineExceeded {
			log.Warn().Msg("Server shutdown deadline exceeded, forcing immediate shutdown")
		}
	} else {
		shutdownDuration := time.Since(shutdownStart)
		log.Info().Dur("duration_ms", shutdownDuration).Msg("Server HTTP connections gracefully closed")
	}

	dbCloseStart := time.Now()
	if err := s.DBManager.Close(); err != nil {
		log.Error().Err(err).Msg("Error closing database connection")
	} else {
		log.Info().Dur("duration_ms", time.Since(dbCloseStart)).Msg("Database connection closed successfully")
	}

	log.Info().Msg("Shutdown complete")
}

type ServerBuilder struct {
	config            *config.Config
	dbManager         *db.DBManager
	repoFactory       *db.RepositoryFactory
	runRepo           ports.RunRepository
	roundRepo         ports.RoundRepository
	participantRepo   ports.ParticipantRepository
	collaboratorRepo  ports.CollaboratorRepository
	identityService   *services.IdentityService
	registryService   *services.RegistryService
	federationService *services.FederationService
	sweeperService    *services.SweeperService
	httpServer        *http.Server
	err               error
}

func NewServerBuilder(cfg *config.Config) *ServerBuilder {
	return &ServerBuilder{
		config: cfg,
	}
}

func (sb *ServerBuilder) InitDatabase() *ServerBuilder {
	if sb.err != nil {
		return sb
	}

	log := logger.Get()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	URL := sb.config.Database.GetConnectionURL()

	sb.dbManager = db.GetDBManager()
	if err := sb.dbManager.Connect(ctx, URL); err != nil {
		sb.err = fmt.Errorf("failed to connect to database: %w", err)
		return sb
	}

	log.Info().Msg("Successfully connected to database")
	return sb
}

func (sb *ServerBuilder) InitRepositories() *ServerBuilder {
	if sb.err != nil {
		return sb
	}

	gormDB := sb.dbManager.GetDB()
	db.InitRepositoryFactory(gormDB)
	sb.repoFactory = db.GetRepositoryFactory()

	sb.runRepo = sb.repoFactory.RunRepository()
	sb.roundRepo = sb.repoFactory.RoundRepository()
	sb.participantRepo = sb.repoFactory.ParticipantRepository()
	sb.collaboratorRepo = sb.repoFactory.CollaboratorRepository()

	return sb
}

// InitIdentity loads the federation root bundle and, when configured, the
// revocation list.
func (sb *ServerBuilder) InitIdentity() *ServerBuilder {
	if sb.err != nil {
		return sb
	}

	log := logger.Get()

	rootPEM, err := os.ReadFile(sb.config.Server.CAFile)
	if err != nil {
		sb.err = fmt.Errorf("failed to read federation root bundle: %w", err)
		return sb
	}

	identityService, err := services.NewIdentityService(rootPEM)
	if err != nil {
		sb.err = fmt.Errorf("failed to initialize identity service: %w", err)
		return sb
	}

	if sb.config.Server.CRLFile != "" {
		crl, err := os.Open(sb.config.Server.CRLFile)
		if err != nil {
			sb.err = fmt.Errorf("failed to open revocation list: %w", err)
			return sb
		}
		defer func() {
			if closeErr := crl.Close(); closeErr != nil {
				log.Warn().Err(closeErr).Msg("Failed to close revocation list file")
			}
		}()

		if err := identityService.LoadRevocationList(crl); err != nil {
			sb.err = fmt.Errorf("failed to load revocation list: %w", err)
			return sb
		}
	}

	sb.identityService = identityService
	return sb
}

func (sb *ServerBuilder) InitServices() *ServerBuilder {
	if sb.err != nil {
		return sb
	}

	log := logger.Get()

	sb.registryService = services.NewRegistryService(sb.collaboratorRepo)
	sb.registryService.SetHeartbeatTimeout(time.Duration(sb.config.Federation.HeartbeatTimeout) * time.Second)

	assignmentService := services.NewAssignmentService(sb.roundRepo, sb.participantRepo)
	aggregationService := services.NewAggregationService(sb.roundRepo, sb.participantRepo)

	sb.federationService = services.NewFederationService(
		sb.runRepo,
		sb.roundRepo,
		sb.participantRepo,
		sb.registryService,
		assignmentService,
		aggregationService,
		sb.config.Federation,
	)

	if sb.config.Checkpoint.Enabled {
		checkpointService, err := services.NewCheckpointService(sb.config)
		if err != nil {
			sb.err = fmt.Errorf("failed to initialize checkpoint service: %w", err)
			return sb
		}
		sb.federationService.SetCheckpointStore(checkpointService)
		log.Info().Str("bucket", sb.config.Checkpoint.BucketName).Msg("Model checkpointing enabled")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := sb.federationService.Recover(ctx); err != nil {
		sb.err = fmt.Errorf("failed to recover federation state: %w", err)
		return sb
	}

	return sb
}

func (sb *ServerBuilder) InitSweeper() *ServerBuilder {
	if sb.err != nil {
		return sb
	}

	log := logger.Get()

	sb.sweeperService = services.NewSweeperService(sb.federationService, sb.registryService)

	intervalSeconds := sb.config.Scheduler.Interval
	if intervalSeconds <= 0 {
		intervalSeconds = 10
		log.Warn().
			Int("default_interval_seconds", intervalSeconds).
			Msg("Sweep interval not specified in config, using default")
	}
	sb.sweeperService.SetCheckInterval(time.Duration(intervalSeconds) * time.Second)

	if err := sb.sweeperService.Start(); err != nil {
		sb.err = fmt.Errorf("failed to start federation sweeper: %w", err)
		return sb
	}

	return sb
}

func (sb *ServerBuilder) InitRouter() *ServerBuilder {
	if sb.err != nil {
		return sb
	}

	federationHandler := handlers.NewFederationHandler(sb.federationService)
	collaboratorHandler := handlers.NewCollaboratorHandler(sb.registryService, sb.federationService)

	router := api.NewRouter(
		federationHandler,
		collaboratorHandler,
		sb.identityService,
		sb.config.Server.Endpoint,
	)

	if err := utils.VerifyPortAvailable(sb.config.Server.Host, sb.config.Server.Port); err != nil {
		sb.err = fmt.Errorf("server port is not available: %w", err)
		return sb
	}

	tlsConfig, err := sb.identityService.TLSServerConfig(sb.config.Server.CertFile, sb.config.Server.KeyFile)
	if err != nil {
		sb.err = fmt.Errorf("failed to build TLS config: %w", err)
		return sb
	}

	sb.httpServer = &http.Server{
		Addr:      fmt.Sprintf("%s:%s", sb.config.Server.Host, sb.config.Server.Port),
		Handler:   router,
		TLSConfig: tlsConfig,
	}

	return sb
}

func (sb *ServerBuilder) Build() (*Server, error) {
	if sb.err != nil {
		return nil, sb.err
	}

	return &Server{
		Config:            sb.config,
		HttpServer:        sb.httpServer,
		DBManager:         sb.dbManager,
		IdentityService:   sb.identityService,
		FederationService: sb.federationService,
		RegistryService:   sb.registryService,
		SweeperService:    sb.sweeperService,
	}, nil
}
