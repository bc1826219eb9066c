package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// TradeJournal persists the append-only record of simulated executions for
// post-run analysis. It is write-mostly: nothing in the trading path reads
// it back, so session state stays process-local.
type TradeJournal interface {
	Append(ctx context.Context, rec TradeRecord) error
	AppendBatch(ctx context.Context, recs []TradeRecord) error
	ListByRun(ctx context.Context, runID string, opts ListOpts) ([]TradeRecord, error)
	CountByRun(ctx context.Context, runID string) (int64, error)
}
