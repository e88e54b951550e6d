package billing

import (
	"context"
	"time"
)

type UsageLog struct {
	ID           string
	TenantID     string
	RequestID    string
	Provider     string
	Model        string
	InputTokens  int
	OutputTokens int
	TotalTokens  int
	FinishReason string
	CostUSD      float64
	LatencyMs    int64
	CreatedAt    time.Time
}

// ProviderSummary aggregates a tenant's spend for one provider.
type ProviderSummary struct {
	Provider    string  `json:"provider"`
	Requests    int     `json:"requests"`
	TotalTokens int64   `json:"total_tokens"`
	CostUSD     float64 `json:"cost_usd"`
}

type Store interface {
	LogUsage(ctx context.Context, log *UsageLog) error
	GetUsageByTenant(ctx context.Context, tenantID string, from, to time.Time) ([]*UsageLog, error)
	GetTotalCostByTenant(ctx context.Context, tenantID string, from, to time.Time) (float64, error)
	GetUsageSummary(ctx context.Context, tenantID string, from, to time.Time) ([]*ProviderSummary, error)
}
