package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/vnmchuo/chat-gateway/internal/auth"
	"github.com/vnmchuo/chat-gateway/internal/billing"
	"github.com/vnmchuo/chat-gateway/internal/provider"
	"github.com/vnmchuo/chat-gateway/internal/worker"
	"github.com/vnmchuo/chat-gateway/pkg/ratelimit"
	extratelimit "github.com/vnmchuo/ratelimiter"
	"go.opentelemetry.io/otel/trace/noop"
)

// Mock Billing Store
type mockBillingStore struct {
	logUsageFunc         func(ctx context.Context, log *billing.UsageLog) error
	getUsageByTenantFunc func(ctx context.Context, tenantID string, from, to time.Time) ([]*billing.UsageLog, error)
	getTotalCostFunc     func(ctx context.Context, tenantID string, from, to time.Time) (float64, error)
	getSummaryFunc       func(ctx context.Context, tenantID string, from, to time.Time) ([]*billing.ProviderSummary, error)
}

func (m *mockBillingStore) LogUsage(ctx context.Context, log *billing.UsageLog) error {
	if m.logUsageFunc != nil {
		return m.logUsageFunc(ctx, log)
	}
	return nil
}

func (m *mockBillingStore) GetUsageByTenant(ctx context.Context, tenantID string, from, to time.Time) ([]*billing.UsageLog, error) {
	if m.getUsageByTenantFunc != nil {
		return m.getUsageByTenantFunc(ctx, tenantID, from, to)
	}
	return nil, nil
}

func (m *mockBillingStore) GetTotalCostByTenant(ctx context.Context, tenantID string, from, to time.Time) (float64, error) {
	if m.getTotalCostFunc != nil {
		return m.getTotalCostFunc(ctx, tenantID, from, to)
	}
	return 0, nil
}

func (m *mockBillingStore) GetUsageSummary(ctx context.Context, tenantID string, from, to time.Time) ([]*billing.ProviderSummary, error) {
	if m.getSummaryFunc != nil {
		return m.getSummaryFunc(ctx, tenantID, from, to)
	}
	return nil, nil
}

// Mock Limiter Store
type mockLimiterStore struct {
	allowed bool
	err     error
}

func (m *mockLimiterStore) AllowN(ctx context.Context, key string, n int) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockLimiterStore) Allow(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockLimiterStore) Status(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

// Test Suite
func setupTest(providers []provider.Provider, limiterAllowed bool) (*Handler, *mockBillingStore) {
	router := NewRouter(providers)
	billingStore := &mockBillingStore{}
	limiter := ratelimit.NewTestLimiter(&mockLimiterStore{allowed: limiterAllowed})
	tracer := noop.NewTracerProvider().Tracer("test")

	return NewHandler(router, billingStore, limiter, tracer, nil), billingStore
}

func setupJobTest(t *testing.T, providers []provider.Provider) (*Handler, *worker.Queue) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	router := NewRouter(providers)
	jobs := worker.NewQueue(rdb, router)
	limiter := ratelimit.NewTestLimiter(&mockLimiterStore{allowed: true})
	tracer := noop.NewTracerProvider().Tracer("test")

	return NewHandler(router, &mockBillingStore{}, limiter, tracer, jobs), jobs
}

func TestHandleComplete_Unauthorized(t *testing.T) {
	h, _ := setupTest(nil, true)
	req := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	w := httptest.NewRecorder()

	h.HandleComplete(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}

	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["error"] != "unauthorized" {
		t.Errorf("Expected unauthorized error, got %v", resp["error"])
	}
}

func TestHandleComplete_InvalidBody(t *testing.T) {
	h, _ := setupTest(nil, true)
	reqBody := strings.NewReader(`{invalid json}`)
	req := httptest.NewRequest("POST", "/v1/chat/completions", reqBody)
	req = req.WithContext(auth.WithTenantID(req.Context(), "test-tenant"))
	w := httptest.NewRecorder()

	h.HandleComplete(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}

	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["error"] != "invalid request body" {
		t.Errorf("Expected invalid request body error, got %v", resp["error"])
	}
}

func TestHandleComplete_RateLimited(t *testing.T) {
	h, _ := setupTest(nil, false)
	reqBody, _ := json.Marshal(map[string]string{"model": "gpt-4o"})
	req := httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewReader(reqBody))
	req = req.WithContext(auth.WithTenantID(req.Context(), "test-tenant"))
	w := httptest.NewRecorder()

	h.HandleComplete(w, req)

	if w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected 429, got %d", w.Code)
	}

	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["error"] != "rate limit exceeded" {
		t.Errorf("Expected rate limit exceeded error, got %v", resp["error"])
	}
	if w.Header().Get("Retry-After") != "60s" {
		t.Errorf("Expected Retry-After: 60s header, got %s", w.Header().Get("Retry-After"))
	}
}

func TestHandleComplete_ProviderUnavailable(t *testing.T) {
	h, _ := setupTest([]provider.Provider{}, true)
	reqBody, _ := json.Marshal(map[string]string{"model": "gpt-4o"})
	req := httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewReader(reqBody))
	req = req.WithContext(auth.WithTenantID(req.Context(), "test-tenant"))
	w := httptest.NewRecorder()

	h.HandleComplete(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", w.Code)
	}

	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["error"] == "" {
		t.Errorf("Expected error message, got empty")
	}
}

func TestHandleComplete_Success(t *testing.T) {
	p := &MockProvider{
		name:            "test-provider",
		cost:            0.01,
		supportedModels: []string{"gpt-4o"},
	}
	h, _ := setupTest([]provider.Provider{p}, true)

	reqBody, _ := json.Marshal(map[string]interface{}{
		"model":      "gpt-4o",
		"max_tokens": 100,
		"messages": []map[string]string{
			{"role": "user", "content": "hello"},
		},
	})
	req := httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewReader(reqBody))
	req = req.WithContext(auth.WithTenantID(req.Context(), "test-tenant"))
	w := httptest.NewRecorder()

	h.HandleComplete(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if resp["model"] != "gpt-4o" {
		t.Errorf("Expected model gpt-4o, got %v", resp["model"])
	}
	if resp["provider"] != "test-provider" {
		t.Errorf("Expected provider test-provider, got %v", resp["provider"])
	}

	choices := resp["choices"].([]interface{})
	if len(choices) != 1 {
		t.Errorf("Expected 1 choice, got %d", len(choices))
	}
	choice := choices[0].(map[string]interface{})
	message := choice["message"].(map[string]interface{})
	if message["content"] != "mock" {
		t.Errorf("Expected content 'mock', got %v", message["content"])
	}
	if choice["finish_reason"] != "stop" {
		t.Errorf("Expected finish_reason stop, got %v", choice["finish_reason"])
	}

	usage := resp["usage"].(map[string]interface{})
	if usage["total_tokens"].(float64) != 30 {
		t.Errorf("Expected total_tokens 30, got %v", usage["total_tokens"])
	}
}

func TestHandleComplete_UpstreamErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		code       provider.ErrorCode
		wantStatus int
	}{
		{"rate limit", provider.ErrRateLimit, http.StatusTooManyRequests},
		{"invalid request", provider.ErrInvalidReq, http.StatusBadRequest},
		{"context length", provider.ErrContextLength, http.StatusBadRequest},
		{"model not found", provider.ErrModelNotFound, http.StatusNotFound},
		{"provider error", provider.ErrProvider, http.StatusBadGateway},
		{"network error", provider.ErrNetwork, http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &MockProvider{
				name:    "failing",
				chatErr: &provider.Error{Code: tt.code, Message: "boom", Provider: "failing"},
			}
			h, _ := setupTest([]provider.Provider{p}, true)

			reqBody, _ := json.Marshal(map[string]interface{}{
				"messages": []map[string]string{{"role": "user", "content": "hello"}},
			})
			req := httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewReader(reqBody))
			req = req.WithContext(auth.WithTenantID(req.Context(), "test-tenant"))
			w := httptest.NewRecorder()

			h.HandleComplete(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("Expected %d, got %d", tt.wantStatus, w.Code)
			}

			var resp map[string]string
			json.Unmarshal(w.Body.Bytes(), &resp)
			if resp["code"] != string(tt.code) {
				t.Errorf("Expected code %s, got %s", tt.code, resp["code"])
			}
		})
	}
}

func TestHandleCompleteStream_Success(t *testing.T) {
	p := &MockStreamProvider{
		MockProvider: MockProvider{
			name:            "test-provider",
			supportedModels: []string{"gpt-4o"},
		},
		chunks: []*provider.Chunk{
			{Content: "hello"},
			{Content: " world"},
			{Done: true},
		},
	}

	h, _ := setupTest([]provider.Provider{p}, true)

	reqBody, _ := json.Marshal(map[string]interface{}{
		"model":  "gpt-4o",
		"stream": true,
	})
	req := httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewReader(reqBody))
	req = req.WithContext(auth.WithTenantID(req.Context(), "test-tenant"))
	w := httptest.NewRecorder()

	h.HandleCompleteStream(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	if w.Header().Get("Content-Type") != "text/event-stream" {
		t.Errorf("Expected text/event-stream content type, got %s", w.Header().Get("Content-Type"))
	}

	body := w.Body.String()
	if !strings.Contains(body, "data: {\"choices\":[{\"delta\":{\"content\":\"hello\"},\"index\":0}]}") {
		t.Errorf("Body missing first chunk: %s", body)
	}
	if !strings.Contains(body, "data: {\"choices\":[{\"delta\":{\"content\":\" world\"},\"index\":0}]}") {
		t.Errorf("Body missing second chunk: %s", body)
	}
	if !strings.Contains(body, "data: [DONE]") {
		t.Errorf("Body missing DONE marker: %s", body)
	}
}

type MockStreamProvider struct {
	MockProvider
	chunks []*provider.Chunk
}

func (m *MockStreamProvider) ChatStream(ctx context.Context, req *provider.ChatRequest) (<-chan *provider.Chunk, error) {
	ch := make(chan *provider.Chunk)
	go func() {
		for _, c := range m.chunks {
			ch <- c
		}
		close(ch)
	}()
	return ch, nil
}

func TestHandleStructured_Success(t *testing.T) {
	p := &structuredMockProvider{content: `{"name": "Alice", "age": 30}`}
	h, _ := setupTest([]provider.Provider{p}, true)

	reqBody, _ := json.Marshal(map[string]interface{}{
		"prompt": "Extract the person from: Alice is 30.",
		"schema": map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"name": map[string]string{"type": "string"},
				"age":  map[string]string{"type": "number"},
			},
			"required": []string{"name", "age"},
		},
	})
	req := httptest.NewRequest("POST", "/v1/chat/structured", bytes.NewReader(reqBody))
	req = req.WithContext(auth.WithTenantID(req.Context(), "test-tenant"))
	w := httptest.NewRecorder()

	h.HandleStructured(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	data := resp["data"].(map[string]interface{})
	if data["name"] != "Alice" {
		t.Errorf("Expected name Alice, got %v", data["name"])
	}
}

func TestHandleStructured_MissingSchema(t *testing.T) {
	h, _ := setupTest(nil, true)

	reqBody, _ := json.Marshal(map[string]interface{}{"prompt": "hi"})
	req := httptest.NewRequest("POST", "/v1/chat/structured", bytes.NewReader(reqBody))
	req = req.WithContext(auth.WithTenantID(req.Context(), "test-tenant"))
	w := httptest.NewRecorder()

	h.HandleStructured(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

func TestHandleStructured_InvalidOutput(t *testing.T) {
	p := &structuredMockProvider{content: `I refuse to answer in JSON.`}
	h, _ := setupTest([]provider.Provider{p}, true)

	reqBody, _ := json.Marshal(map[string]interface{}{
		"prompt": "Extract something.",
		"schema": map[string]string{"type": "object"},
	})
	req := httptest.NewRequest("POST", "/v1/chat/structured", bytes.NewReader(reqBody))
	req = req.WithContext(auth.WithTenantID(req.Context(), "test-tenant"))
	w := httptest.NewRecorder()

	h.HandleStructured(w, req)

	if w.Code != http.StatusBadGateway {
		t.Errorf("Expected 502, got %d", w.Code)
	}

	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["code"] != "PARSE_ERROR" {
		t.Errorf("Expected PARSE_ERROR code, got %s", resp["code"])
	}
}

// structuredMockProvider returns a fixed completion body.
type structuredMockProvider struct {
	MockProvider
	content string
}

func (m *structuredMockProvider) Chat(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	return &provider.ChatResponse{
		Content:      m.content,
		Model:        "mock-model",
		Provider:     "mock",
		FinishReason: provider.FinishStop,
		Usage:        provider.NewUsage(10, 5),
	}, nil
}

func newTestJobMux(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Get("/v1/jobs/{id}", h.HandleGetJob)
	return r
}

func TestHandleCreateJob_And_GetJob(t *testing.T) {
	p := &MockProvider{name: "test-provider"}
	h, _ := setupJobTest(t, []provider.Provider{p})

	reqBody, _ := json.Marshal(map[string]interface{}{
		"messages": []map[string]string{{"role": "user", "content": "hello"}},
	})
	req := httptest.NewRequest("POST", "/v1/jobs", bytes.NewReader(reqBody))
	req = req.WithContext(auth.WithTenantID(req.Context(), "test-tenant"))
	w := httptest.NewRecorder()

	h.HandleCreateJob(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", w.Code, w.Body.String())
	}

	var created map[string]string
	json.Unmarshal(w.Body.Bytes(), &created)
	if created["id"] == "" {
		t.Fatal("Expected job id in response")
	}
	if created["status"] != "pending" {
		t.Errorf("Expected pending status, got %s", created["status"])
	}

	// Poll it back through the chi route so URLParam resolves.
	r := newTestJobMux(h)
	getReq := httptest.NewRequest("GET", "/v1/jobs/"+created["id"], nil)
	getReq = getReq.WithContext(auth.WithTenantID(getReq.Context(), "test-tenant"))
	getW := httptest.NewRecorder()
	r.ServeHTTP(getW, getReq)

	if getW.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", getW.Code, getW.Body.String())
	}

	var job worker.Job
	if err := json.Unmarshal(getW.Body.Bytes(), &job); err != nil {
		t.Fatalf("Failed to decode job: %v", err)
	}
	if job.Status != worker.JobStatusPending {
		t.Errorf("Expected pending job, got %s", job.Status)
	}
}

func TestHandleGetJob_NotFound(t *testing.T) {
	h, _ := setupJobTest(t, nil)

	r := newTestJobMux(h)
	req := httptest.NewRequest("GET", "/v1/jobs/does-not-exist", nil)
	req = req.WithContext(auth.WithTenantID(req.Context(), "test-tenant"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestHandleGetJob_TenantIsolation(t *testing.T) {
	p := &MockProvider{name: "test-provider"}
	h, jobs := setupJobTest(t, []provider.Provider{p})

	job, err := jobs.Enqueue(context.Background(), "tenant-a", &provider.ChatRequest{
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
	}, "")
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	r := newTestJobMux(h)
	req := httptest.NewRequest("GET", "/v1/jobs/"+job.ID, nil)
	req = req.WithContext(auth.WithTenantID(req.Context(), "tenant-b"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for foreign tenant, got %d", w.Code)
	}
}

func TestHandleUsage_Unauthorized(t *testing.T) {
	h, _ := setupTest(nil, true)
	req := httptest.NewRequest("GET", "/v1/usage", nil)
	w := httptest.NewRecorder()

	h.HandleUsage(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}

func TestHandleUsage_InvalidDateFormat(t *testing.T) {
	h, _ := setupTest(nil, true)
	req := httptest.NewRequest("GET", "/v1/usage?from=not-a-date", nil)
	req = req.WithContext(auth.WithTenantID(req.Context(), "test-tenant"))
	w := httptest.NewRecorder()

	h.HandleUsage(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

func TestHandleUsage_Success(t *testing.T) {
	h, b := setupTest(nil, true)
	b.getUsageByTenantFunc = func(ctx context.Context, tenantID string, from, to time.Time) ([]*billing.UsageLog, error) {
		return []*billing.UsageLog{
			{TenantID: "test-tenant", Model: "gpt-4o"},
			{TenantID: "test-tenant", Model: "gpt-4o"},
		}, nil
	}
	b.getTotalCostFunc = func(ctx context.Context, tenantID string, from, to time.Time) (float64, error) {
		return 0.005, nil
	}
	b.getSummaryFunc = func(ctx context.Context, tenantID string, from, to time.Time) ([]*billing.ProviderSummary, error) {
		return []*billing.ProviderSummary{
			{Provider: "openai", Requests: 2, TotalTokens: 60, CostUSD: 0.005},
		}, nil
	}

	req := httptest.NewRequest("GET", "/v1/usage", nil)
	req = req.WithContext(auth.WithTenantID(req.Context(), "test-tenant"))
	w := httptest.NewRecorder()

	h.HandleUsage(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &resp)

	if resp["total_requests"].(float64) != 2 {
		t.Errorf("Expected total_requests == 2, got %v", resp["total_requests"])
	}
	if resp["total_cost_usd"].(float64) != 0.005 {
		t.Errorf("Expected total_cost_usd == 0.005, got %v", resp["total_cost_usd"])
	}
	byProvider := resp["by_provider"].([]interface{})
	if len(byProvider) != 1 {
		t.Errorf("Expected 1 provider summary, got %d", len(byProvider))
	}
}
