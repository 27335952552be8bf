package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/fedstack/federation-server/internal/collaborator"
	"github.com/fedstack/federation-server/internal/core/models"
	"github.com/fedstack/federation-server/pkg/logger"
)

type CollaboratorOptions struct {
	ServerURL    string
	RunID        string
	Name         string
	CertFile     string
	KeyFile      string
	CAFile       string
	PollInterval time.Duration
}

// RunCollaborator starts a collaborator runtime with the echo trainer: it
// returns the global parameters unchanged with weight 1. Real deployments
// embed collaborator.Runtime with their own training callback; this command
// exists so a federation can be exercised end to end without one.
func RunCollaborator(opts CollaboratorOptions) error {
	log := logger.Get()

	runID, err := uuid.Parse(opts.RunID)
	if err != nil {
		return fmt.Errorf("invalid run ID %q: %w", opts.RunID, err)
	}

	client, err := collaborator.NewClient(collaborator.ClientConfig{
		BaseURL:  opts.ServerURL,
		CertFile: opts.CertFile,
		KeyFile:  opts.KeyFile,
		CAFile:   opts.CAFile,
	})
	if err != nil {
		return err
	}

	echoTrainer := func(ctx context.Context, task models.TaskAssignment, global models.ModelVector) (models.ModelVector, float64, error) {
		return global.Clone(), 1, nil
	}

	runtime := collaborator.NewRuntime(client, echoTrainer, collaborator.RuntimeConfig{
		Name:         opts.Name,
		RunID:        runID,
		PollInterval: opts.PollInterval,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-stopChan
		log.Info().Msg("Shutdown signal received, stopping collaborator...")
		cancel()
	}()

	return runtime.Run(ctx)
}
