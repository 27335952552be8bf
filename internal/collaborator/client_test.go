package collaborator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apimodels "github.com/fedstack/federation-server/internal/api/models"
	"github.com/fedstack/federation-server/internal/core/models"
	"github.com/fedstack/federation-server/internal/core/services"
)

func testClient(server *httptest.Server) *Client {
	return &Client{
		baseURL:    server.URL,
		httpClient: server.Client(),
	}
}

func writeChunks(t *testing.T, w http.ResponseWriter, chunks []apimodels.GlobalStateChunk) {
	t.Helper()
	w.Header().Set("Content-Type", "application/x-ndjson")
	enc := json.NewEncoder(w)
	for _, chunk := range chunks {
		require.NoError(t, enc.Encode(chunk))
	}
}

func TestFetchGlobalStateReassembly(t *testing.T) {
	runID := uuid.New()
	publishedAt := time.Now().UTC().Truncate(time.Second)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, fmt.Sprintf("/runs/%s/model", runID), r.URL.Path)
		writeChunks(t, w, []apimodels.GlobalStateChunk{
			{RunID: runID.String(), Version: 3, PublishedAt: &publishedAt},
			{Version: 3, Group: "bias", Values: []float64{0.5}},
			{Version: 3, Group: "weights", Values: []float64{1, 2, 3}},
			{Version: 3, Final: true},
		})
	}))
	defer server.Close()

	state, err := testClient(server).FetchGlobalState(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, 3, state.Version)
	assert.Equal(t, []float64{1, 2, 3}, state.Params["weights"])
	assert.Equal(t, []float64{0.5}, state.Params["bias"])
	assert.Equal(t, publishedAt, state.PublishedAt)
}

func TestFetchGlobalStateTruncatedStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeChunks(t, w, []apimodels.GlobalStateChunk{
			{Version: 3},
			{Version: 3, Group: "weights", Values: []float64{1}},
			// no closing frame
		})
	}))
	defer server.Close()

	_, err := testClient(server).FetchGlobalState(context.Background(), uuid.New())
	assert.ErrorContains(t, err, "truncated")
}

func TestFetchGlobalStateVersionChangedMidStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeChunks(t, w, []apimodels.GlobalStateChunk{
			{Version: 3},
			{Version: 4, Group: "weights", Values: []float64{1}},
			{Version: 4, Final: true},
		})
	}))
	defer server.Close()

	_, err := testClient(server).FetchGlobalState(context.Background(), uuid.New())
	assert.ErrorContains(t, err, "version changed")
}

func TestPullTaskNoContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	_, err := testClient(server).PullTask(context.Background(), uuid.New())
	assert.ErrorIs(t, err, services.ErrNoTaskAvailable)
}

func TestSubmitResultErrorMapping(t *testing.T) {
	var status int
	var body string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	defer server.Close()

	client := testClient(server)
	req := apimodels.SubmitResultRequest{RoundNumber: 1, Update: models.ModelVector{"w": {1}}}

	status, body = http.StatusConflict, `{"error":"round already closed","stale":true}`
	assert.ErrorIs(t, client.SubmitResult(context.Background(), uuid.New(), req), services.ErrStaleRound)

	status, body = http.StatusConflict, `{"error":"result already recorded"}`
	assert.ErrorIs(t, client.SubmitResult(context.Background(), uuid.New(), req), services.ErrDuplicateSubmission)

	status, body = http.StatusForbidden, `{"error":"not an expected responder"}`
	assert.ErrorIs(t, client.SubmitResult(context.Background(), uuid.New(), req), services.ErrUnassignedCollaborator)

	status, body = http.StatusOK, `{"accepted":true}`
	assert.NoError(t, client.SubmitResult(context.Background(), uuid.New(), req))
}

// scriptedAggregator fakes the server side of one full round. maxTasks
// bounds how many times the same assignment is handed out again.
type scriptedAggregator struct {
	runID      uuid.UUID
	submitted  chan apimodels.SubmitResultRequest
	maxTasks   int
	tasksGiven int
}

func (a *scriptedAggregator) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/collaborators", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"fingerprint":"fp","name":"n"}`))
	})
	mux.HandleFunc("/collaborators/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc(fmt.Sprintf("/runs/%s/task", a.runID), func(w http.ResponseWriter, r *http.Request) {
		if a.tasksGiven >= a.maxTasks {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		a.tasksGiven++
		task := models.TaskAssignment{
			RunID:        a.runID,
			RoundID:      uuid.New(),
			RoundNumber:  1,
			ModelVersion: 0,
			Deadline:     time.Now().Add(time.Minute),
		}
		_ = json.NewEncoder(w).Encode(task)
	})
	mux.HandleFunc(fmt.Sprintf("/runs/%s/model", a.runID), func(w http.ResponseWriter, r *http.Request) {
		writeChunks(t, w, []apimodels.GlobalStateChunk{
			{RunID: a.runID.String(), Version: 0},
			{Version: 0, Group: "w", Values: []float64{1, 2}},
			{Version: 0, Final: true},
		})
	})
	mux.HandleFunc(fmt.Sprintf("/runs/%s/results", a.runID), func(w http.ResponseWriter, r *http.Request) {
		var req apimodels.SubmitResultRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		a.submitted <- req
		_, _ = w.Write([]byte(`{"accepted":true}`))
	})
	mux.HandleFunc(fmt.Sprintf("/runs/%s", a.runID), func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(apimodels.RunResponse{ID: a.runID.String(), Status: "active"})
	})
	return mux
}

func TestRuntimeCompletesOneRound(t *testing.T) {
	agg := &scriptedAggregator{
		runID:     uuid.New(),
		submitted: make(chan apimodels.SubmitResultRequest, 1),
		maxTasks:  1,
	}
	server := httptest.NewServer(agg.handler(t))
	defer server.Close()

	trained := func(ctx context.Context, task models.TaskAssignment, global models.ModelVector) (models.ModelVector, float64, error) {
		out := global.Clone()
		for i := range out["w"] {
			out["w"][i]++
		}
		return out, 5, nil
	}

	runtime := NewRuntime(testClient(server), trained, RuntimeConfig{
		Name:         "collab-1",
		RunID:        agg.runID,
		PollInterval: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- runtime.Run(ctx) }()

	select {
	case req := <-agg.submitted:
		assert.Equal(t, 1, req.RoundNumber)
		assert.Equal(t, []float64{2, 3}, []float64(req.Update["w"]))
		assert.Equal(t, 5.0, req.Weight)
	case <-ctx.Done():
		t.Fatal("runtime never submitted a result")
	}

	cancel()
	assert.NoError(t, <-done)
}

func TestRuntimeSurvivesTrainingFailure(t *testing.T) {
	agg := &scriptedAggregator{
		runID:     uuid.New(),
		submitted: make(chan apimodels.SubmitResultRequest, 1),
		maxTasks:  2,
	}
	server := httptest.NewServer(agg.handler(t))
	defer server.Close()

	calls := 0
	flaky := func(ctx context.Context, task models.TaskAssignment, global models.ModelVector) (models.ModelVector, float64, error) {
		calls++
		if calls == 1 {
			return nil, 0, fmt.Errorf("local training blew up")
		}
		return global.Clone(), 1, nil
	}

	runtime := NewRuntime(testClient(server), flaky, RuntimeConfig{
		Name:         "collab-1",
		RunID:        agg.runID,
		PollInterval: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- runtime.Run(ctx) }()

	// The first assignment fails in the callback; the loop keeps polling and
	// submits on the second.
	select {
	case <-agg.submitted:
		assert.Equal(t, 2, calls)
	case <-ctx.Done():
		t.Fatal("runtime never recovered from the training failure")
	}

	cancel()
	assert.NoError(t, <-done)
}
