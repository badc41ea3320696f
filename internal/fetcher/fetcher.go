// Package fetcher 는 한국투자증권(KIS) REST API에서 시세 행을 조회한다.
package fetcher

import (
	"context"

	"github.com/gyeonghwan0322/kospi-futures-quant-project/internal/dataset"
	"github.com/gyeonghwan0322/kospi-futures-quant-project/internal/plan"
)

// RowFetcher retrieves normalized rows for one instrument over one
// date window. params carries the family-specific query fields.
type RowFetcher interface {
	FetchWindow(ctx context.Context, code string, params map[string]string, window plan.Range) ([]dataset.Row, error)
}
