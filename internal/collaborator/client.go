package collaborator

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	apimodels "github.com/fedstack/federation-server/internal/api/models"
	"github.com/fedstack/federation-server/internal/core/models"
	"github.com/fedstack/federation-server/internal/core/services"
)

// ClientConfig carries the collaborator's credentials and the aggregator
// endpoint. The certificate pair is the collaborator's identity; there is no
// separate API token.
type ClientConfig struct {
	BaseURL  string
	CertFile string
	KeyFile  string
	CAFile   string
	Timeout  time.Duration
}

// Client is the collaborator's view of the aggregator: every call runs over
// the same mutually authenticated TLS configuration.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(cfg ClientConfig) (*Client, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load client key pair: %w", err)
	}

	rootPEM, err := os.ReadFile(cfg.CAFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read federation root bundle: %w", err)
	}
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(rootPEM) {
		return nil, fmt.Errorf("no usable certificates in federation root bundle")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					Certificates: []tls.Certificate{cert},
					RootCAs:      roots,
					MinVersion:   tls.VersionTLS12,
				},
			},
		},
	}, nil
}

func (c *Client) Register(ctx context.Context, name string, runID uuid.UUID) error {
	req := apimodels.RegisterCollaboratorRequest{
		Name:  name,
		RunID: runID.String(),
	}
	return c.post(ctx, "/collaborators", req, nil)
}

func (c *Client) Heartbeat(ctx context.Context) error {
	payload := apimodels.HeartbeatPayload{Timestamp: time.Now().Unix()}
	return c.post(ctx, "/collaborators/heartbeat", payload, nil)
}

// PullTask asks for this collaborator's assignment in the open round. A 204
// response becomes ErrNoTaskAvailable; the caller should poll again later.
func (c *Client) PullTask(ctx context.Context, runID uuid.UUID) (*models.TaskAssignment, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/runs/%s/task", c.baseURL, runID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to pull task: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNoContent {
		return nil, services.ErrNoTaskAvailable
	}
	if resp.StatusCode != http.StatusOK {
		return nil, responseError(resp)
	}

	var task models.TaskAssignment
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		return nil, fmt.Errorf("failed to decode task assignment: %w", err)
	}
	return &task, nil
}

// SubmitResult uploads the local contribution. Conflict responses are mapped
// back to the protocol sentinels so the runtime can tell a stale round from a
// duplicate.
func (c *Client) SubmitResult(ctx context.Context, runID uuid.UUID, req apimodels.SubmitResultRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/runs/%s/results", c.baseURL, runID), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to submit result: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusConflict:
		var payload struct {
			Error string `json:"error"`
			Stale bool   `json:"stale"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil && payload.Stale {
			return services.ErrStaleRound
		}
		return services.ErrDuplicateSubmission
	case http.StatusForbidden:
		return services.ErrUnassignedCollaborator
	default:
		return responseError(resp)
	}
}

// FetchGlobalState downloads and reassembles the streamed global model. The
// stream is newline-delimited GlobalStateChunk frames; a missing closing
// frame or a version mismatch between frames fails the whole download.
func (c *Client) FetchGlobalState(ctx context.Context, runID uuid.UUID) (*models.GlobalModelState, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/runs/%s/model", c.baseURL, runID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch model state: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, responseError(resp)
	}

	state := &models.GlobalModelState{
		RunID:  runID,
		Params: make(models.ModelVector),
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)

	sawHeader := false
	sawFinal := false
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var chunk apimodels.GlobalStateChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			return nil, fmt.Errorf("failed to decode model state chunk: %w", err)
		}

		if !sawHeader {
			state.Version = chunk.Version
			state.Metrics = chunk.Metrics
			if chunk.PublishedAt != nil {
				state.PublishedAt = *chunk.PublishedAt
			}
			sawHeader = true
			continue
		}

		if chunk.Version != state.Version {
			return nil, fmt.Errorf("model state version changed mid-stream: %d then %d", state.Version, chunk.Version)
		}
		if chunk.Final {
			sawFinal = true
			break
		}
		state.Params[chunk.Group] = chunk.Values
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("model state stream failed: %w", err)
	}
	if !sawHeader || !sawFinal {
		return nil, fmt.Errorf("model state stream truncated")
	}

	return state, nil
}

func (c *Client) GetRun(ctx context.Context, runID uuid.UUID) (*apimodels.RunResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/runs/%s", c.baseURL, runID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, responseError(resp)
	}

	var run apimodels.RunResponse
	if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
		return nil, fmt.Errorf("failed to decode run: %w", err)
	}
	return &run, nil
}

func (c *Client) post(ctx context.Context, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return responseError(resp)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func responseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, payload.Error)
	}
	return fmt.Errorf("server returned %d", resp.StatusCode)
}
