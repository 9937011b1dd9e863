package fetcher

import (
	"context"
	"errors"

	"oracle-reconciler/internal/model"
)

// ErrUnknownSymbol is returned when a fetcher has no source configured for a symbol.
var ErrUnknownSymbol = errors.New("symbol not configured for feed")

// ObservationFetcher retrieves the latest price one protocol reports for a symbol.
type ObservationFetcher interface {
	FetchLatest(ctx context.Context, protocol, chain, symbol string) (model.Observation, error)
}
