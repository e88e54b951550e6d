package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"github.com/vnmchuo/chat-gateway/internal/auth"
	"github.com/vnmchuo/chat-gateway/internal/billing"
	"github.com/vnmchuo/chat-gateway/internal/provider"
	"github.com/vnmchuo/chat-gateway/internal/structured"
	"github.com/vnmchuo/chat-gateway/internal/worker"
	"github.com/vnmchuo/chat-gateway/pkg/ratelimit"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type Handler struct {
	router  *Router
	billing billing.Store
	limiter *ratelimit.Limiter
	tracer  trace.Tracer
	jobs    *worker.Queue
}

func NewHandler(router *Router, billing billing.Store, limiter *ratelimit.Limiter, tracer trace.Tracer, jobs *worker.Queue) *Handler {
	return &Handler{
		router:  router,
		billing: billing,
		limiter: limiter,
		tracer:  tracer,
		jobs:    jobs,
	}
}

func (h *Handler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	tenantID, requestID, req, selectedProvider, err := h.prepare(w, r)
	if err != nil {
		return
	}

	response, err := h.router.Execute(r.Context(), req, selectedProvider)
	if err != nil {
		writeUpstreamError(w, err)
		return
	}

	h.logUsage(tenantID, requestID, selectedProvider, response)

	respID := response.ID
	if respID == "" {
		respID = uuid.New().String()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":       respID,
		"object":   "chat.completion",
		"model":    response.Model,
		"provider": response.Provider,
		"choices": []interface{}{
			map[string]interface{}{
				"index": 0,
				"message": map[string]string{
					"role":    provider.RoleAssistant,
					"content": response.Content,
				},
				"finish_reason": string(response.FinishReason),
			},
		},
		"usage": map[string]int{
			"prompt_tokens":     response.Usage.PromptTokens,
			"completion_tokens": response.Usage.CompletionTokens,
			"total_tokens":      response.Usage.TotalTokens,
		},
	})
}

func (h *Handler) HandleCompleteStream(w http.ResponseWriter, r *http.Request) {
	tenantID, requestID, req, selectedProvider, err := h.prepare(w, r)
	if err != nil {
		return
	}
	req.Stream = true

	ch, err := h.router.ExecuteStream(r.Context(), req, selectedProvider)
	if err != nil {
		writeUpstreamError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	for chunk := range ch {
		if chunk.Err != nil {
			fmt.Fprintf(w, "event: error\ndata: {\"error\": \"%s\"}\n\n", chunk.Err.Error())
			flusher.Flush()
			break
		}

		if chunk.Done {
			fmt.Fprintf(w, "data: [DONE]\n\n")
			flusher.Flush()
			break
		}

		escaped := strings.ReplaceAll(chunk.Content, `"`, `\"`)
		escaped = strings.ReplaceAll(escaped, "\n", `\n`)
		fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":\"%s\"},\"index\":0}]}\n\n", escaped)
		flusher.Flush()
	}

	go func() {
		_ = h.billing.LogUsage(context.Background(), &billing.UsageLog{
			TenantID:  tenantID,
			RequestID: requestID,
			Provider:  selectedProvider.Name(),
			Model:     req.Model,
		})
	}()
}

type structuredRequest struct {
	Model        string             `json:"model,omitempty"`
	Prompt       string             `json:"prompt,omitempty"`
	Messages     []provider.Message `json:"messages,omitempty"`
	SystemPrompt string             `json:"system_prompt,omitempty"`
	MaxTokens    int                `json:"max_tokens,omitempty"`
	Temperature  *float64           `json:"temperature,omitempty"`
	Schema       json.RawMessage    `json:"schema"`
}

// HandleStructured runs a schema-constrained extraction: the caller
// supplies a JSON Schema and gets back a validated JSON document.
func (h *Handler) HandleStructured(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := auth.GetTenantID(ctx)
	if tenantID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	var sr structuredRequest
	if err := json.NewDecoder(r.Body).Decode(&sr); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if len(sr.Schema) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "schema is required"})
		return
	}

	schema, err := structured.NewJSONSchema(sr.Schema)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	req := &provider.ChatRequest{Model: sr.Model, Messages: sr.Messages, TenantID: tenantID}
	selectedProvider, err := h.router.Route(ctx, req)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}

	_, span := h.tracer.Start(ctx, "proxy.structured")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("provider", selectedProvider.Name()),
	)

	result, err := structured.Generate(ctx, selectedProvider, structured.Options{
		Model:        sr.Model,
		Prompt:       sr.Prompt,
		Messages:     sr.Messages,
		SystemPrompt: sr.SystemPrompt,
		MaxTokens:    sr.MaxTokens,
		Temperature:  sr.Temperature,
		Schema:       schema,
	})
	if err != nil {
		writeUpstreamError(w, err)
		return
	}

	go func() {
		_ = h.billing.LogUsage(context.Background(), &billing.UsageLog{
			TenantID:     tenantID,
			RequestID:    auth.GetRequestID(ctx),
			Provider:     selectedProvider.Name(),
			Model:        result.Model,
			InputTokens:  result.Usage.PromptTokens,
			OutputTokens: result.Usage.CompletionTokens,
			TotalTokens:  result.Usage.TotalTokens,
		})
	}()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":     result.Data,
		"model":    result.Model,
		"provider": selectedProvider.Name(),
		"usage": map[string]int{
			"prompt_tokens":     result.Usage.PromptTokens,
			"completion_tokens": result.Usage.CompletionTokens,
			"total_tokens":      result.Usage.TotalTokens,
		},
	})
}

type createJobRequest struct {
	provider.ChatRequest
	CallbackURL string `json:"callback_url,omitempty"`
}

// HandleCreateJob enqueues an async completion and returns its id.
func (h *Handler) HandleCreateJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := auth.GetTenantID(ctx)
	if tenantID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	var jr createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&jr); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	req := jr.ChatRequest
	req.TenantID = tenantID
	job, err := h.jobs.Enqueue(ctx, tenantID, &req, jr.CallbackURL)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"id":     job.ID,
		"status": string(job.Status),
	})
}

// HandleGetJob reports job state; completed jobs include the response.
func (h *Handler) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := auth.GetTenantID(ctx)
	if tenantID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	job, err := h.jobs.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, worker.ErrJobNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if job.TenantID != tenantID {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return
	}

	writeJSON(w, http.StatusOK, job)
}

func (h *Handler) prepare(w http.ResponseWriter, r *http.Request) (string, string, *provider.ChatRequest, provider.Provider, error) {
	ctx := r.Context()
	tenantID := auth.GetTenantID(ctx)
	if tenantID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return "", "", nil, nil, fmt.Errorf("unauthorized")
	}

	requestID := auth.GetRequestID(ctx)
	if requestID == "" {
		requestID = uuid.New().String()
	}

	var req provider.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return "", "", nil, nil, err
	}
	req.TenantID = tenantID
	req.RequestID = requestID

	_, span := h.tracer.Start(ctx, "proxy.complete")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("request_id", requestID),
		attribute.String("model", req.Model),
	)

	estimatedTokens := req.MaxTokens
	if estimatedTokens <= 0 {
		estimatedTokens = 1000
	}

	allowed, err := h.limiter.Allow(ctx, tenantID, estimatedTokens)
	if err != nil || !allowed {
		w.Header().Set("Retry-After", "60s")
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error":       "rate limit exceeded",
			"retry_after": "60s",
		})
		return "", "", nil, nil, fmt.Errorf("rate limit exceeded")
	}

	selectedProvider, err := h.router.Route(ctx, &req)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return "", "", nil, nil, err
	}

	return tenantID, requestID, &req, selectedProvider, nil
}

func (h *Handler) logUsage(tenantID, requestID string, p provider.Provider, resp *provider.ChatResponse) {
	go func() {
		_ = h.billing.LogUsage(context.Background(), &billing.UsageLog{
			TenantID:     tenantID,
			RequestID:    requestID,
			Provider:     resp.Provider,
			Model:        resp.Model,
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
			FinishReason: string(resp.FinishReason),
			CostUSD:      float64(resp.Usage.PromptTokens)*p.CostPerInputToken() + float64(resp.Usage.CompletionTokens)*p.CostPerOutputToken(),
			LatencyMs:    resp.LatencyMs,
		})
	}()
}

func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := auth.GetTenantID(ctx)
	if tenantID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	now := time.Now()
	from := now.AddDate(0, 0, -30) // default: last 30 days
	to := now

	if fromStr := r.URL.Query().Get("from"); fromStr != "" {
		var err error
		from, err = time.Parse(time.RFC3339, fromStr)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid 'from' date format (use RFC3339)"})
			return
		}
	}
	if toStr := r.URL.Query().Get("to"); toStr != "" {
		var err error
		to, err = time.Parse(time.RFC3339, toStr)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid 'to' date format (use RFC3339)"})
			return
		}
	}

	logs, err := h.billing.GetUsageByTenant(ctx, tenantID, from, to)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	totalCost, err := h.billing.GetTotalCostByTenant(ctx, tenantID, from, to)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	summary, err := h.billing.GetUsageSummary(ctx, tenantID, from, to)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tenant_id":      tenantID,
		"total_requests": len(logs),
		"total_cost_usd": totalCost,
		"by_provider":    summary,
		"logs":           logs,
		"from":           from,
		"to":             to,
	})
}

// writeUpstreamError maps gateway errors onto HTTP statuses. The closed
// taxonomy carries the caller-facing semantics; anything foreign is a
// plain bad gateway.
func writeUpstreamError(w http.ResponseWriter, err error) {
	var perr *provider.Error
	if errors.As(err, &perr) {
		status := http.StatusBadGateway
		switch perr.Code {
		case provider.ErrRateLimit:
			status = http.StatusTooManyRequests
		case provider.ErrInvalidReq, provider.ErrContextLength:
			status = http.StatusBadRequest
		case provider.ErrModelNotFound:
			status = http.StatusNotFound
		}
		writeJSON(w, status, map[string]string{
			"error":    perr.Message,
			"code":     string(perr.Code),
			"provider": perr.Provider,
		})
		return
	}

	if errors.Is(err, ErrNoProvider) || errors.Is(err, gobreaker.ErrOpenState) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
