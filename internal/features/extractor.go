package features

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/opensource-finance/sentinel/internal/domain"
)

const defaultBatchSize = 5000

// Extractor aggregates per-account features from the graph datastore in
// fixed-size chunks.
type Extractor struct {
	store     domain.GraphStore
	batchSize int
}

// NewExtractor creates an extractor reading from store.
func NewExtractor(store domain.GraphStore, batchSize int) *Extractor {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Extractor{store: store, batchSize: batchSize}
}

// Extract builds one feature row per account. The account list defines the
// row set; accounts the datastore returns no aggregates for get zero rows.
// Any datastore failure aborts the extraction with no partial result.
func (e *Extractor) Extract(ctx context.Context, accounts []domain.Account) (*IndexedFeatureSet, error) {
	start := time.Now()

	ratings := make(map[string]float64, len(accounts))
	ids := make([]string, 0, len(accounts))
	for _, a := range accounts {
		if _, dup := ratings[a.ID]; dup {
			return nil, fmt.Errorf("%w: account %q listed twice", domain.ErrInconsistentIndexing, a.ID)
		}
		ratings[a.ID] = float64(a.InitialRiskRating)
		ids = append(ids, a.ID)
	}

	rows := make(map[string][]float64, len(ids))
	for offset := 0; offset < len(ids); offset += e.batchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := offset + e.batchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[offset:end]

		aggs, err := e.store.NodeAggregates(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("extract features [%d:%d]: %w", offset, end, err)
		}

		inBatch := make(map[string]struct{}, len(batch))
		for _, id := range batch {
			inBatch[id] = struct{}{}
		}
		for _, agg := range aggs {
			if _, ok := inBatch[agg.AccountID]; !ok {
				return nil, fmt.Errorf("%w: datastore returned %q outside the requested chunk",
					domain.ErrInconsistentIndexing, agg.AccountID)
			}
			if _, dup := rows[agg.AccountID]; dup {
				return nil, fmt.Errorf("%w: datastore returned %q twice",
					domain.ErrInconsistentIndexing, agg.AccountID)
			}
			rows[agg.AccountID] = Vector(agg)
		}

		slog.Debug("feature chunk extracted", "offset", offset, "size", len(batch), "rows", len(aggs))
	}

	for _, id := range ids {
		if _, ok := rows[id]; !ok {
			rows[id] = Vector(domain.NodeAggregate{AccountID: id, InitialRiskRating: ratings[id]})
		}
	}

	set, err := New(Columns(), rows)
	if err != nil {
		return nil, err
	}
	slog.Info("features extracted",
		"accounts", set.Len(),
		"chunks", (len(ids)+e.batchSize-1)/e.batchSize,
		"duration", time.Since(start),
	)
	return set, nil
}

// Vector turns raw aggregates into a feature vector in column order.
// Non-finite values become 0, averages are 0 without edges, and the two
// derived columns are computed from the cleaned totals.
func Vector(a domain.NodeAggregate) []float64 {
	outDeg := finite(a.OutDegree)
	inDeg := finite(a.InDegree)
	totalOut := finite(a.TotalAmountOut)
	totalIn := finite(a.TotalAmountIn)

	var avgOut, avgIn float64
	if outDeg > 0 {
		avgOut = finite(a.AvgAmountOut)
	}
	if inDeg > 0 {
		avgIn = finite(a.AvgAmountIn)
	}

	v := make([]float64, NumColumns)
	v[ColInitialRiskRating] = finite(a.InitialRiskRating)
	v[ColOutDegree] = outDeg
	v[ColInDegree] = inDeg
	v[ColTotalAmountOut] = totalOut
	v[ColTotalAmountIn] = totalIn
	v[ColAvgAmountOut] = avgOut
	v[ColAvgAmountIn] = avgIn
	v[ColTransactionVolume] = totalIn + totalOut
	v[ColNetFlow] = totalIn - totalOut
	return v
}

func finite(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}
