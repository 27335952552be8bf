package collaborator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	apimodels "github.com/fedstack/federation-server/internal/api/models"
	"github.com/fedstack/federation-server/internal/core/ports"
	"github.com/fedstack/federation-server/internal/core/services"
	"github.com/fedstack/federation-server/pkg/logger"
)

// RuntimeConfig tunes the polling loops; zero values fall back to defaults.
type RuntimeConfig struct {
	Name              string
	RunID             uuid.UUID
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
}

// Runtime drives one collaborator's participation in a run: pull an
// assignment, fetch the referenced global state, hand both to the training
// callback, submit the outcome. The runtime owns no training logic; it
// supplies the protocol plumbing around the callback.
type Runtime struct {
	client *Client
	train  ports.TrainFunc
	cfg    RuntimeConfig
}

func NewRuntime(client *Client, train ports.TrainFunc, cfg RuntimeConfig) *Runtime {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	return &Runtime{
		client: client,
		train:  train,
		cfg:    cfg,
	}
}

// Run registers with the aggregator, then loops until the context is
// cancelled or the run reaches a terminal state. Transport errors are
// retried at the poll cadence; training callback errors skip the round.
func (r *Runtime) Run(ctx context.Context) error {
	log := logger.WithComponent("collaborator_runtime").With().
		Str("run_id", r.cfg.RunID.String()).
		Logger()

	if err := r.client.Register(ctx, r.cfg.Name, r.cfg.RunID); err != nil {
		return err
	}
	log.Info().Str("name", r.cfg.Name).Msg("Registered with aggregator")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticker := time.NewTicker(r.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
				if err := r.client.Heartbeat(gctx); err != nil {
					log.Warn().Err(err).Msg("Heartbeat failed")
				}
			}
		}
	})

	g.Go(func() error {
		return r.workLoop(gctx, log)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, errRunFinished) {
		return nil
	}
	return err
}

var errRunFinished = errors.New("run reached a terminal state")

func (r *Runtime) workLoop(ctx context.Context, log zerolog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.cfg.PollInterval):
		}

		task, err := r.client.PullTask(ctx, r.cfg.RunID)
		if errors.Is(err, services.ErrNoTaskAvailable) {
			finished, runErr := r.runFinished(ctx)
			if runErr == nil && finished {
				log.Info().Msg("Run finished, stopping")
				return errRunFinished
			}
			continue
		}
		if err != nil {
			log.Warn().Err(err).Msg("Failed to pull task, will retry")
			continue
		}

		roundLog := log.With().
			Int("round_number", task.RoundNumber).
			Int("model_version", task.ModelVersion).
			Logger()
		roundLog.Info().Msg("Received task assignment")

		state, err := r.client.FetchGlobalState(ctx, r.cfg.RunID)
		if err != nil {
			roundLog.Warn().Err(err).Msg("Failed to fetch global model state, will retry")
			continue
		}
		if state.Version != task.ModelVersion {
			// The round advanced between pull and fetch; the assignment is
			// stale, pull again.
			roundLog.Warn().Int("fetched_version", state.Version).Msg("Model version moved past assignment")
			continue
		}

		trainCtx, cancel := context.WithDeadline(ctx, task.Deadline)
		update, weight, err := r.train(trainCtx, *task, state.Params)
		cancel()
		if err != nil {
			roundLog.Error().Err(err).Msg("Training callback failed, skipping round")
			continue
		}

		submitErr := r.client.SubmitResult(ctx, r.cfg.RunID, apimodels.SubmitResultRequest{
			RoundNumber: task.RoundNumber,
			Update:      update,
			Weight:      weight,
		})
		switch {
		case submitErr == nil:
			roundLog.Info().Float64("weight", weight).Msg("Result accepted")
		case errors.Is(submitErr, services.ErrStaleRound):
			roundLog.Warn().Msg("Round closed before submission, discarding result")
		case errors.Is(submitErr, services.ErrDuplicateSubmission):
			roundLog.Warn().Msg("Result already recorded for this round")
		default:
			roundLog.Error().Err(submitErr).Msg("Failed to submit result, will retry next round")
		}
	}
}

func (r *Runtime) runFinished(ctx context.Context) (bool, error) {
	run, err := r.client.GetRun(ctx, r.cfg.RunID)
	if err != nil {
		return false, err
	}
	return run.Status == "completed" || run.Status == "aborted", nil
}
