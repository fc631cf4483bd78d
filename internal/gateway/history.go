package gateway

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/datashelf/gateway/internal/db/models"
	"github.com/datashelf/gateway/internal/db/repositories"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 100

	statsWindow = 30 * 24 * time.Hour
)

// HistoryQuery selects a page of operation records. A zero Limit means
// DefaultPageSize.
type HistoryQuery struct {
	Limit     int
	Offset    int
	AdapterID *uuid.UUID
}

// Pagination describes the returned page.
type Pagination struct {
	Limit      int  `json:"limit"`
	Offset     int  `json:"offset"`
	TotalCount int  `json:"totalCount"`
	HasMore    bool `json:"hasMore"`
}

// Operations returns ownerID's operation records, newest first.
func (g *Gateway) Operations(ctx context.Context, ownerID uuid.UUID, q HistoryQuery) ([]*models.FileOperation, Pagination, error) {
	if q.Limit == 0 {
		q.Limit = DefaultPageSize
	}
	if q.Limit < 1 || q.Limit > MaxPageSize {
		return nil, Pagination{}, invalid("limit", "limit must be between 1 and %d", MaxPageSize)
	}
	if q.Offset < 0 {
		return nil, Pagination{}, invalid("offset", "offset must not be negative")
	}

	ops, total, err := g.ops.List(ctx, repositories.OperationFilters{
		OwnerID:         ownerID,
		AdapterConfigID: q.AdapterID,
	}, q.Limit, q.Offset)
	if err != nil {
		return nil, Pagination{}, classify(err, nil)
	}

	return ops, Pagination{
		Limit:      q.Limit,
		Offset:     q.Offset,
		TotalCount: total,
		HasMore:    q.Offset+len(ops) < total,
	}, nil
}

// StorageStats is the quota part of Stats.
type StorageStats struct {
	Used       int64 `json:"used"`
	Limit      int64 `json:"limit"`
	Percentage int   `json:"percentage"`
}

// Stats summarizes an account.
type Stats struct {
	AdapterCount     int                          `json:"adapterCount"`
	RecentOperations int                          `json:"recentOperations"`
	OperationsByKind map[models.OperationKind]int `json:"operationsByKind"`
	Storage          StorageStats                 `json:"storage"`
}

// Stats returns adapter and operation counts plus storage use for ownerID.
// Operation counts cover the last 30 days.
func (g *Gateway) Stats(ctx context.Context, ownerID uuid.UUID) (*Stats, error) {
	adapters, err := g.configs.Count(ctx, ownerID)
	if err != nil {
		return nil, classify(err, nil)
	}
	recent, err := g.ops.CountSince(ctx, ownerID, g.now().Add(-statsWindow))
	if err != nil {
		return nil, classify(err, nil)
	}
	byKind, err := g.ops.CountByKind(ctx, ownerID)
	if err != nil {
		return nil, classify(err, nil)
	}

	counts := make(map[models.OperationKind]int, len(models.OperationKinds))
	for _, k := range models.OperationKinds {
		counts[k] = byKind[k]
	}

	stats := &Stats{
		AdapterCount:     adapters,
		RecentOperations: recent,
		OperationsByKind: counts,
		Storage:          StorageStats{Limit: g.defaultQuota},
	}

	acct, err := g.accounts.Get(ctx, ownerID)
	if err != nil {
		return nil, classify(err, nil)
	}
	if acct != nil {
		stats.Storage = StorageStats{
			Used:       acct.StorageUsed,
			Limit:      acct.StorageLimit,
			Percentage: acct.StoragePercentage(),
		}
	}
	return stats, nil
}
