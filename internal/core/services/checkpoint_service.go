package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/fedstack/federation-server/internal/core/config"
	"github.com/fedstack/federation-server/internal/core/models"
	"github.com/fedstack/federation-server/pkg/logger"
)

// CheckpointService retains published global model states in S3. Without it
// a superseded version is simply dropped on publish.
type CheckpointService struct {
	client     *s3.Client
	bucketName string
}

func NewCheckpointService(cfg *config.Config) (*CheckpointService, error) {
	if cfg.Checkpoint.AccessKeyID == "" || cfg.Checkpoint.SecretAccessKey == "" {
		return nil, fmt.Errorf("missing required checkpoint store credentials")
	}

	if cfg.Checkpoint.Region == "" {
		return nil, fmt.Errorf("checkpoint store region must be specified")
	}

	if cfg.Checkpoint.BucketName == "" {
		return nil, fmt.Errorf("checkpoint store bucket name must be specified")
	}

	creds := credentials.NewStaticCredentialsProvider(
		cfg.Checkpoint.AccessKeyID,
		cfg.Checkpoint.SecretAccessKey,
		"",
	)

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(cfg.Checkpoint.Region),
		awsconfig.WithCredentialsProvider(creds),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS SDK config: %w", err)
	}

	return &CheckpointService{
		client:     s3.NewFromConfig(awsCfg),
		bucketName: cfg.Checkpoint.BucketName,
	}, nil
}

// SaveCheckpoint uploads one model version under
// checkpoints/<run>/round-<version>.json and returns its object key.
func (s *CheckpointService) SaveCheckpoint(ctx context.Context, state *models.GlobalModelState) (string, error) {
	log := logger.WithComponent("checkpoint_service")

	data, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	key := path.Join("checkpoints", state.RunID.String(), fmt.Sprintf("round-%04d.json", state.Version))

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucketName),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String("application/json"),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		log.Error().Err(err).
			Str("bucket", s.bucketName).
			Str("key", key).
			Msg("Failed to upload model checkpoint")
		return "", fmt.Errorf("failed to upload checkpoint: %w", err)
	}

	return key, nil
}
