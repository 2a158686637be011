package billing

import (
	"context"
	"time"
)

// UsageLog is one ledger row per submission, status check or CDN transform.
// It is an audit trail only; job state always comes from the provider.
type UsageLog struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	RequestID string    `json:"requestId"`
	Provider  string    `json:"provider"`  // "dzine" or "cloudinary"
	Operation string    `json:"operation"` // "upscale", "restore", "status" or "cdn"
	TaskID    string    `json:"taskId,omitempty"`
	Mode      string    `json:"mode,omitempty"`
	Status    string    `json:"status"` // result status or the error class
	LatencyMs int64     `json:"latencyMs"`
	CreatedAt time.Time `json:"createdAt"`
}

// Summary aggregates a tenant's ledger over a window.
type Summary struct {
	Total      int64            `json:"total"`
	ByStatus   map[string]int64 `json:"byStatus"`
	AvgLatency float64          `json:"avgLatencyMs"`
}

type Store interface {
	LogUsage(ctx context.Context, log *UsageLog) error
	GetUsageByTenant(ctx context.Context, tenantID string, from, to time.Time) ([]*UsageLog, error)
	SummarizeByTenant(ctx context.Context, tenantID string, from, to time.Time) (*Summary, error)
}
