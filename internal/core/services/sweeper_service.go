package services

import (
	"context"
	"sync"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/fedstack/federation-server/pkg/logger"
)

// SweeperService periodically enforces round deadlines and collaborator
// liveness. It runs independently of any collaborator connection, so a
// partitioned or crashed collaborator can delay a round by at most the
// round deadline plus one sweep interval.
type SweeperService struct {
	federation *FederationService
	registry   *RegistryService

	scheduler     *gocron.Scheduler
	mutex         sync.Mutex
	checkInterval time.Duration
	isRunning     bool
	stopCh        chan struct{}
}

func NewSweeperService(federation *FederationService, registry *RegistryService) *SweeperService {
	return &SweeperService{
		federation:    federation,
		registry:      registry,
		checkInterval: 10 * time.Second,
		stopCh:        make(chan struct{}),
	}
}

func (s *SweeperService) SetCheckInterval(interval time.Duration) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.checkInterval = interval
}

func (s *SweeperService) Start() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.isRunning {
		return nil
	}

	log := logger.WithComponent("sweeper_service")
	log.Info().
		Dur("check_interval", s.checkInterval).
		Msg("Starting federation sweeper")

	s.scheduler = gocron.NewScheduler(time.UTC)
	s.stopCh = make(chan struct{})

	job, err := s.scheduler.Every(s.checkInterval).Do(func() {
		select {
		case <-s.stopCh:
			return
		default:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			if err := s.registry.MarkSilentOffline(ctx); err != nil {
				log.Error().Err(err).Msg("Liveness sweep failed")
			}

			if err := s.federation.CheckDeadlines(ctx); err != nil {
				log.Error().Err(err).Msg("Deadline sweep failed")
			}
		}
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to schedule sweep")
		return err
	}

	s.scheduler.StartAsync()
	s.isRunning = true

	log.Info().
		Str("next_run", job.NextRun().String()).
		Msg("Federation sweeper started")

	return nil
}

func (s *SweeperService) Stop() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.isRunning {
		return
	}

	close(s.stopCh)

	if s.scheduler != nil {
		s.scheduler.Stop()
	}

	s.isRunning = false

	log := logger.WithComponent("sweeper_service")
	log.Info().Msg("Federation sweeper stopped")
}

func (s *SweeperService) IsRunning() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.isRunning
}
