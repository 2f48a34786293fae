package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iago/distribution-engine/internal/domain"
	"github.com/iago/distribution-engine/internal/http/handlers"
	"github.com/iago/distribution-engine/internal/repository"
	"github.com/iago/distribution-engine/internal/service"
)

type pendingJobs struct {
	mu       sync.Mutex
	messages []domain.ComputeMessage
}

func (p *pendingJobs) Enqueue(_ context.Context, message domain.ComputeMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, message)
	return nil
}

type testServer struct {
	handler  http.Handler
	service  *service.DistributionService
	jobs     *pendingJobs
	previews *repository.MemoryPreviewStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	workspace := repository.NewMemoryWorkspace()
	group := domain.Group{ID: "g1", Name: "Flat"}
	for _, userID := range []string{"u1", "u2"} {
		workspace.PutUser(userID, "User "+userID)
		group.Members = append(group.Members, domain.GroupMember{UserID: userID, Role: domain.RoleMember})
	}
	workspace.PutGroup(group)
	due := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		workspace.PutTask(domain.Task{
			ID:         fmt.Sprintf("t%d", i),
			GroupID:    "g1",
			Name:       fmt.Sprintf("Task %d", i),
			Difficulty: i + 1,
			DueAt:      due,
		})
	}

	server := &testServer{jobs: &pendingJobs{}, previews: repository.NewMemoryPreviewStore()}
	server.service = service.NewDistributionService(service.DistributionDependencies{
		Previews: server.previews,
		Groups:   workspace,
		Tasks:    workspace,
		Users:    workspace,
		Producer: server.jobs,
		Logger:   logger,
	})
	server.handler = NewRouter(RouterDependencies{
		API:            handlers.NewAPI(server.service, logger),
		Logger:         logger,
		AuthToken:      "token",
		RateLimitRPS:   1000,
		RateLimitBurst: 1000,
	})
	return server
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Authorization", "Bearer token")
	request.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		request.Header.Set(key, value)
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func (s *testServer) runPendingJobs(t *testing.T) {
	t.Helper()
	s.jobs.mu.Lock()
	messages := s.jobs.messages
	s.jobs.messages = nil
	s.jobs.mu.Unlock()
	for _, message := range messages {
		require.NoError(t, s.service.Compute(context.Background(), message.PreviewID))
	}
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
	return body
}

func errorCode(t *testing.T, recorder *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeBody(t, recorder)
	errorBody, ok := body["error"].(map[string]any)
	require.True(t, ok, "error envelope expected: %s", recorder.Body.String())
	code, _ := errorBody["code"].(string)
	return code
}

var generateBody = map[string]any{
	"group_id": "g1",
	"from":     "2026-03-01T00:00:00Z",
	"to":       "2026-03-07T23:59:59Z",
}

func TestDistributionLifecycle(t *testing.T) {
	server := newTestServer(t)

	accepted := server.do(t, http.MethodPost, "/v1/distributions", generateBody, nil)
	require.Equal(t, http.StatusAccepted, accepted.Code, accepted.Body.String())
	body := decodeBody(t, accepted)
	previewID, _ := body["preview_id"].(string)
	require.NotEmpty(t, previewID)
	assert.Equal(t, "processing", body["status"])
	assert.Equal(t, "/v1/distributions/"+previewID, body["status_url"])

	processing := server.do(t, http.MethodGet, "/v1/distributions/"+previewID, nil, nil)
	require.Equal(t, http.StatusOK, processing.Code)
	assert.Equal(t, "processing", decodeBody(t, processing)["status"])

	early := server.do(t, http.MethodPost, "/v1/distributions/"+previewID+"/apply", nil, nil)
	assert.Equal(t, http.StatusConflict, early.Code)
	assert.Equal(t, "preview_not_applicable", errorCode(t, early))

	server.runPendingJobs(t)

	completed := server.do(t, http.MethodGet, "/v1/distributions/"+previewID, nil, nil)
	require.Equal(t, http.StatusOK, completed.Code)
	view := decodeBody(t, completed)
	assert.Equal(t, "completed", view["status"])
	assert.Equal(t, "rule_based", view["method"])
	assignments, ok := view["assignments"].([]any)
	require.True(t, ok)
	assert.Len(t, assignments, 4)

	first := assignments[0].(map[string]any)
	applied := server.do(t, http.MethodPost, "/v1/distributions/"+previewID+"/apply", map[string]any{
		"modifications": []map[string]string{
			{"task_id": first["task_id"].(string), "new_assigned_user_id": "u2"},
		},
	}, nil)
	require.Equal(t, http.StatusOK, applied.Code, applied.Body.String())
	result := decodeBody(t, applied)
	assert.EqualValues(t, 4, result["assigned_count"])
	assert.EqualValues(t, 1, result["modified_count"])

	again := server.do(t, http.MethodPost, "/v1/distributions/"+previewID+"/apply", nil, nil)
	assert.Equal(t, http.StatusConflict, again.Code)
	assert.Equal(t, "preview_already_applied", errorCode(t, again))
}

func TestGenerateValidation(t *testing.T) {
	server := newTestServer(t)

	cases := []struct {
		name string
		body any
		want int
		code string
	}{
		{name: "missing group", body: map[string]any{"from": "2026-03-01T00:00:00Z", "to": "2026-03-02T00:00:00Z"}, want: http.StatusBadRequest, code: "invalid_request"},
		{name: "bad date", body: map[string]any{"group_id": "g1", "from": "March 1st", "to": "2026-03-02T00:00:00Z"}, want: http.StatusBadRequest, code: "invalid_request"},
		{name: "inverted range", body: map[string]any{"group_id": "g1", "from": "2026-03-05T00:00:00Z", "to": "2026-03-02T00:00:00Z"}, want: http.StatusBadRequest, code: "invalid_request"},
		{name: "unknown field", body: map[string]any{"group_id": "g1", "from": "2026-03-01T00:00:00Z", "to": "2026-03-02T00:00:00Z", "extra": 1}, want: http.StatusBadRequest, code: "invalid_request"},
		{name: "unknown group", body: map[string]any{"group_id": "nope", "from": "2026-03-01T00:00:00Z", "to": "2026-03-02T00:00:00Z"}, want: http.StatusNotFound, code: "group_not_found"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			recorder := server.do(t, http.MethodPost, "/v1/distributions", tc.body, nil)
			assert.Equal(t, tc.want, recorder.Code)
			assert.Equal(t, tc.code, errorCode(t, recorder))
		})
	}
	assert.Empty(t, server.jobs.messages)
}

func TestGenerateIdempotencyKey(t *testing.T) {
	server := newTestServer(t)
	headers := map[string]string{"Idempotency-Key": "generate-once-0001"}

	first := server.do(t, http.MethodPost, "/v1/distributions", generateBody, headers)
	require.Equal(t, http.StatusAccepted, first.Code)
	second := server.do(t, http.MethodPost, "/v1/distributions", generateBody, headers)
	require.Equal(t, http.StatusAccepted, second.Code)

	assert.Equal(t, decodeBody(t, first)["preview_id"], decodeBody(t, second)["preview_id"])
	assert.Len(t, server.jobs.messages, 1)

	different := map[string]any{"group_id": "g1", "from": "2026-03-01T00:00:00Z", "to": "2026-03-03T00:00:00Z"}
	conflict := server.do(t, http.MethodPost, "/v1/distributions", different, headers)
	assert.Equal(t, http.StatusConflict, conflict.Code)
	assert.Equal(t, "idempotency_conflict", errorCode(t, conflict))
}

func TestApplyErrorMapping(t *testing.T) {
	server := newTestServer(t)

	missing := server.do(t, http.MethodPost, "/v1/distributions/missing/apply", nil, nil)
	assert.Equal(t, http.StatusNotFound, missing.Code)

	accepted := server.do(t, http.MethodPost, "/v1/distributions", generateBody, nil)
	previewID := decodeBody(t, accepted)["preview_id"].(string)
	server.runPendingJobs(t)

	invalid := server.do(t, http.MethodPost, "/v1/distributions/"+previewID+"/apply", map[string]any{
		"modifications": []map[string]string{{"task_id": "not-in-preview", "new_assigned_user_id": "u1"}},
	}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, invalid.Code)
	assert.Equal(t, "invalid_modification", errorCode(t, invalid))

	incomplete := server.do(t, http.MethodPost, "/v1/distributions/"+previewID+"/apply", map[string]any{
		"modifications": []map[string]string{{"task_id": "t1"}},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, incomplete.Code)
}

func TestGetDistributionNotFound(t *testing.T) {
	server := newTestServer(t)
	recorder := server.do(t, http.MethodGet, "/v1/distributions/unknown", nil, nil)
	assert.Equal(t, http.StatusNotFound, recorder.Code)
	assert.Equal(t, "not_found", errorCode(t, recorder))
}

func TestPublicEndpoints(t *testing.T) {
	server := newTestServer(t)

	for _, path := range []string{"/healthz", "/metrics"} {
		request := httptest.NewRequest(http.MethodGet, path, nil)
		recorder := httptest.NewRecorder()
		server.handler.ServeHTTP(recorder, request)
		assert.Equal(t, http.StatusOK, recorder.Code, path)
	}

	request := httptest.NewRequest(http.MethodGet, "/v1/distributions/any", nil)
	recorder := httptest.NewRecorder()
	server.handler.ServeHTTP(recorder, request)
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
}
