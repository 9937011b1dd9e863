package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"oracle-reconciler/internal/model"
)

const (
	upsertObservationSQL = `INSERT INTO price_observations (
        protocol, chain, symbol, price, raw_price, decimals, observed_at,
        confidence, stale, stale_seconds, updated_at
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10, now())
    ON CONFLICT (protocol, chain, symbol) DO UPDATE
    SET price         = EXCLUDED.price,
        raw_price     = EXCLUDED.raw_price,
        decimals      = EXCLUDED.decimals,
        observed_at   = EXCLUDED.observed_at,
        confidence    = EXCLUDED.confidence,
        stale         = EXCLUDED.stale,
        stale_seconds = EXCLUDED.stale_seconds,
        updated_at    = now()
    WHERE price_observations.observed_at <= EXCLUDED.observed_at;`

	latestObservationsSQL = `SELECT DISTINCT ON (protocol)
        protocol, chain, symbol, price::text, raw_price, decimals, observed_at,
        confidence, stale, stale_seconds
    FROM price_observations
    WHERE symbol = $1
      AND ($2 = '' OR chain = $2)
      AND observed_at >= $3
      AND NOT stale
    ORDER BY protocol, observed_at DESC;`

	insertComparisonSQL = `INSERT INTO comparisons (
        symbol, chain, recommended_price, max_deviation_ratio, outliers, payload, created_at
    ) VALUES ($1,$2,$3,$4,$5,$6,$7);`

	listComparisonsSQL = `SELECT payload
    FROM comparisons
    WHERE symbol = $1
      AND created_at >= $2
      AND created_at < $3
    ORDER BY created_at
    LIMIT $4;`
)

// UpsertObservation keeps only the newest observation per protocol, chain and symbol.
func (s *Store) UpsertObservation(ctx context.Context, o model.Observation) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	_, execErr := pool.Exec(ctx, upsertObservationSQL,
		o.Protocol,
		o.Chain,
		o.Symbol,
		o.Price.String(),
		o.RawPrice,
		o.Decimals,
		o.Timestamp,
		o.Confidence,
		o.Stale,
		o.StaleSeconds,
	)
	if execErr != nil {
		return fmt.Errorf("upsert observation %s/%s/%s: %w", o.Protocol, o.Chain, o.Symbol, execErr)
	}
	return nil
}

// LatestObservations returns the newest non-stale observation per protocol observed at or after since.
// An empty chain matches every chain.
func (s *Store) LatestObservations(ctx context.Context, symbol, chain string, since time.Time) ([]model.Observation, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, latestObservationsSQL, symbol, chain, since)
	if queryErr != nil {
		return nil, fmt.Errorf("latest observations %s: %w", symbol, queryErr)
	}
	defer rows.Close()

	out := make([]model.Observation, 0)
	for rows.Next() {
		var o model.Observation
		var priceStr string
		if err := rows.Scan(
			&o.Protocol,
			&o.Chain,
			&o.Symbol,
			&priceStr,
			&o.RawPrice,
			&o.Decimals,
			&o.Timestamp,
			&o.Confidence,
			&o.Stale,
			&o.StaleSeconds,
		); err != nil {
			return nil, err
		}
		if o.Price, err = parseDecimal("price", priceStr); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// InsertComparison appends an immutable snapshot.
func (s *Store) InsertComparison(ctx context.Context, c model.Comparison) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode comparison: %w", err)
	}
	_, execErr := pool.Exec(ctx, insertComparisonSQL,
		c.Symbol,
		c.Chain,
		c.RecommendedPrice,
		c.MaxDeviationRatio,
		nonNil(c.Outliers),
		payload,
		c.Timestamp,
	)
	if execErr != nil {
		return fmt.Errorf("insert comparison %s: %w", c.Symbol, execErr)
	}
	return nil
}

// ListComparisons returns snapshots for symbol within [from, to), oldest first.
// A non-positive limit returns every row.
func (s *Store) ListComparisons(ctx context.Context, symbol string, from, to time.Time, limit int) ([]model.Comparison, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, queryErr := pool.Query(ctx, listComparisonsSQL, symbol, from, to, lim)
	if queryErr != nil {
		return nil, fmt.Errorf("list comparisons %s: %w", symbol, queryErr)
	}
	defer rows.Close()

	out := make([]model.Comparison, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var c model.Comparison
		if err := json.Unmarshal(payload, &c); err != nil {
			return nil, fmt.Errorf("decode comparison: %w", err)
		}
		out = append(out, c)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}
