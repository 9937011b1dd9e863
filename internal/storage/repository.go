package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"oracle-reconciler/internal/model"
)

const (
	upsertInstanceSQL = `INSERT INTO source_instances (
        id, protocol, chain, chain_id, rpc_urls, contract_address,
        start_position, max_window, confirmations, voting_period_seconds, enabled, updated_at
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11, now())
    ON CONFLICT (id) DO UPDATE
    SET protocol              = EXCLUDED.protocol,
        chain                 = EXCLUDED.chain,
        chain_id              = EXCLUDED.chain_id,
        rpc_urls              = EXCLUDED.rpc_urls,
        contract_address      = EXCLUDED.contract_address,
        start_position        = EXCLUDED.start_position,
        max_window            = EXCLUDED.max_window,
        confirmations         = EXCLUDED.confirmations,
        voting_period_seconds = EXCLUDED.voting_period_seconds,
        enabled               = EXCLUDED.enabled,
        updated_at            = now();`

	selectInstanceColumns = `SELECT
        id, protocol, chain, chain_id, rpc_urls, contract_address,
        start_position, max_window, confirmations, voting_period_seconds, enabled, updated_at
    FROM source_instances`

	getInstanceSQL   = selectInstanceColumns + ` WHERE id = $1;`
	listInstancesSQL = selectInstanceColumns + ` ORDER BY id;`

	getSyncStateSQL = `SELECT
        instance_id, last_processed_position, latest_observed_position, safe_position,
        last_attempt_at, last_success_at, last_duration_ms, last_error,
        consecutive_failures, active_endpoint, endpoint_stats
    FROM sync_states
    WHERE instance_id = $1;`

	listSyncStatesSQL = `SELECT
        instance_id, last_processed_position, latest_observed_position, safe_position,
        last_attempt_at, last_success_at, last_duration_ms, last_error,
        consecutive_failures, active_endpoint, endpoint_stats
    FROM sync_states
    ORDER BY instance_id;`

	upsertSyncStateSQL = `INSERT INTO sync_states (
        instance_id, last_processed_position, latest_observed_position, safe_position,
        last_attempt_at, last_success_at, last_duration_ms, last_error,
        consecutive_failures, active_endpoint, endpoint_stats, updated_at
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11, now())
    ON CONFLICT (instance_id) DO UPDATE
    SET last_processed_position  = GREATEST(sync_states.last_processed_position, EXCLUDED.last_processed_position),
        latest_observed_position = EXCLUDED.latest_observed_position,
        safe_position            = EXCLUDED.safe_position,
        last_attempt_at          = EXCLUDED.last_attempt_at,
        last_success_at          = COALESCE(EXCLUDED.last_success_at, sync_states.last_success_at),
        last_duration_ms         = EXCLUDED.last_duration_ms,
        last_error               = EXCLUDED.last_error,
        consecutive_failures     = EXCLUDED.consecutive_failures,
        active_endpoint          = EXCLUDED.active_endpoint,
        endpoint_stats           = EXCLUDED.endpoint_stats,
        updated_at               = now();`

	upsertAssertionSQL = `INSERT INTO assertions (
        id, instance_id, asserter, protocol, market, claim, asserted_at,
        liveness_deadline, status, bond, tx_hash, block_number
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
    ON CONFLICT (id) DO UPDATE
    SET asserter          = EXCLUDED.asserter,
        market            = EXCLUDED.market,
        claim             = EXCLUDED.claim,
        asserted_at       = EXCLUDED.asserted_at,
        liveness_deadline = EXCLUDED.liveness_deadline,
        bond              = EXCLUDED.bond,
        tx_hash           = EXCLUDED.tx_hash,
        block_number      = EXCLUDED.block_number;`

	upsertDisputeSQL = `INSERT INTO disputes (
        id, assertion_id, instance_id, disputer, reason, disputed_at,
        voting_deadline, status, tx_hash, block_number
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
    ON CONFLICT (id) DO UPDATE
    SET disputer        = EXCLUDED.disputer,
        reason          = EXCLUDED.reason,
        disputed_at     = EXCLUDED.disputed_at,
        voting_deadline = EXCLUDED.voting_deadline,
        tx_hash         = EXCLUDED.tx_hash,
        block_number    = EXCLUDED.block_number;`

	markAssertionDisputedSQL = `UPDATE assertions SET status = 'disputed'
    WHERE id = $1 AND status = 'pending';`

	resolveAssertionSQL = `UPDATE assertions
    SET status = 'resolved', resolved_at = $2, truthful = $3
    WHERE id = $1;`

	resolveDisputeSQL = `UPDATE disputes SET status = 'resolved' WHERE assertion_id = $1;`

	insertVoteSQL = `INSERT INTO votes (
        tx_hash, log_index, assertion_id, instance_id, voter, support, weight, block_number, cast_at
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
    ON CONFLICT (tx_hash, log_index) DO NOTHING;`

	tallyVotesSQL = `SELECT
        COALESCE(SUM(weight) FILTER (WHERE support), 0)::text,
        COALESCE(SUM(weight) FILTER (WHERE NOT support), 0)::text,
        COUNT(*)
    FROM votes
    WHERE assertion_id = $1;`

	updateDisputeTallySQL = `UPDATE disputes
    SET votes_for = $2, votes_against = $3, vote_count = $4
    WHERE assertion_id = $1;`

	insertRawEventSQL = `INSERT INTO raw_events (
        tx_hash, log_index, instance_id, kind, block_number, topics, data
    ) VALUES ($1,$2,$3,$4,$5,$6,$7)
    ON CONFLICT (tx_hash, log_index) DO NOTHING;`

	insertSyncMetricSQL = `INSERT INTO sync_metrics (
        instance_id, recorded_at, tip, last_processed, lag, duration_ms, events, error_code
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8);`

	listSyncMetricsSQL = `SELECT
        instance_id, recorded_at, tip, last_processed, lag, duration_ms, events, error_code
    FROM sync_metrics
    WHERE instance_id = $1
    ORDER BY recorded_at DESC
    LIMIT $2;`
)

// UpsertInstance creates or replaces a source instance.
func (s *Store) UpsertInstance(ctx context.Context, inst model.SourceInstance) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	_, execErr := pool.Exec(ctx, upsertInstanceSQL,
		inst.ID,
		inst.Protocol,
		inst.Chain,
		toInt64(inst.ChainID),
		nonNil(inst.RPCURLs),
		inst.ContractAddress,
		toInt64(inst.StartPosition),
		toInt64(inst.MaxWindow),
		toInt64(inst.Confirmations),
		int64(inst.VotingPeriod/time.Second),
		inst.Enabled,
	)
	if execErr != nil {
		return fmt.Errorf("upsert instance %s: %w", inst.ID, execErr)
	}
	return nil
}

// GetInstance returns ErrNotFound for unknown ids.
func (s *Store) GetInstance(ctx context.Context, id string) (model.SourceInstance, error) {
	pool, err := s.getPool()
	if err != nil {
		return model.SourceInstance{}, err
	}
	inst, err := scanInstance(pool.QueryRow(ctx, getInstanceSQL, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.SourceInstance{}, ErrNotFound
	}
	if err != nil {
		return model.SourceInstance{}, fmt.Errorf("get instance %s: %w", id, err)
	}
	return inst, nil
}

// ListInstances returns every configured instance.
func (s *Store) ListInstances(ctx context.Context) ([]model.SourceInstance, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listInstancesSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list instances: %w", queryErr)
	}
	defer rows.Close()

	out := make([]model.SourceInstance, 0)
	for rows.Next() {
		inst, scanErr := scanInstance(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, inst)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// GetSyncState returns ErrNotFound when the instance never ran.
func (s *Store) GetSyncState(ctx context.Context, instanceID string) (model.SyncState, error) {
	pool, err := s.getPool()
	if err != nil {
		return model.SyncState{}, err
	}
	state, err := scanSyncState(pool.QueryRow(ctx, getSyncStateSQL, instanceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.SyncState{}, ErrNotFound
	}
	if err != nil {
		return model.SyncState{}, fmt.Errorf("get sync state %s: %w", instanceID, err)
	}
	return state, nil
}

// ListSyncStates returns all sync cursors.
func (s *Store) ListSyncStates(ctx context.Context) ([]model.SyncState, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listSyncStatesSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list sync states: %w", queryErr)
	}
	defer rows.Close()

	out := make([]model.SyncState, 0)
	for rows.Next() {
		state, scanErr := scanSyncState(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, state)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// UpsertSyncState writes the cursor in one statement. The stored position never decreases.
func (s *Store) UpsertSyncState(ctx context.Context, state model.SyncState) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	stats, err := marshalJSON("endpoint stats", state.EndpointStats)
	if err != nil {
		return err
	}
	_, execErr := pool.Exec(ctx, upsertSyncStateSQL,
		state.InstanceID,
		toInt64(state.LastProcessedPosition),
		toInt64(state.LatestObservedPosition),
		toInt64(state.SafePosition),
		nullableTime(state.LastAttemptAt),
		nullableTime(state.LastSuccessAt),
		state.LastDurationMs,
		state.LastError,
		state.ConsecutiveFailures,
		state.ActiveEndpoint,
		stats,
	)
	if execErr != nil {
		return fmt.Errorf("upsert sync state %s: %w", state.InstanceID, execErr)
	}
	return nil
}

// UpsertAssertion is keyed by assertion id and leaves status transitions to later events.
func (s *Store) UpsertAssertion(ctx context.Context, a model.Assertion) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	_, execErr := pool.Exec(ctx, upsertAssertionSQL,
		a.ID,
		a.InstanceID,
		a.Asserter,
		a.Protocol,
		a.Market,
		a.Claim,
		a.AssertedAt,
		a.LivenessDeadline,
		string(a.Status),
		a.Bond.String(),
		a.TxHash,
		toInt64(a.BlockNumber),
	)
	if execErr != nil {
		return fmt.Errorf("upsert assertion %s: %w", a.ID, execErr)
	}
	return nil
}

// UpsertDispute stores the dispute and moves a pending assertion to disputed.
func (s *Store) UpsertDispute(ctx context.Context, d model.Dispute) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, upsertDisputeSQL,
			d.ID,
			d.AssertionID,
			d.InstanceID,
			d.Disputer,
			d.Reason,
			d.DisputedAt,
			d.VotingDeadline,
			string(d.Status),
			d.TxHash,
			toInt64(d.BlockNumber),
		); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, markAssertionDisputedSQL, d.AssertionID)
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert dispute %s: %w", d.ID, err)
	}
	return nil
}

// ApplyResolution settles the assertion and its dispute, if any.
func (s *Store) ApplyResolution(ctx context.Context, r model.Resolution) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, resolveAssertionSQL, r.AssertionID, r.ResolvedAt, r.Truthful); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, resolveDisputeSQL, r.AssertionID)
		return err
	})
	if err != nil {
		return fmt.Errorf("apply resolution %s: %w", r.AssertionID, err)
	}
	return nil
}

// InsertVote reports whether the vote was new.
func (s *Store) InsertVote(ctx context.Context, v model.VoteEvent) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	tag, execErr := pool.Exec(ctx, insertVoteSQL,
		v.TxHash,
		int64(v.LogIndex),
		v.AssertionID,
		v.InstanceID,
		v.Voter,
		v.Support,
		v.Weight.String(),
		toInt64(v.BlockNumber),
		v.CastAt,
	)
	if execErr != nil {
		return false, fmt.Errorf("insert vote %s: %w", v.Key(), execErr)
	}
	return tag.RowsAffected() == 1, nil
}

// RecomputeDisputeTallies derives the dispute tallies from every stored vote.
func (s *Store) RecomputeDisputeTallies(ctx context.Context, assertionID string) (model.Tally, error) {
	pool, err := s.getPool()
	if err != nil {
		return model.Tally{}, err
	}

	var forStr, againstStr string
	var count int64
	if scanErr := pool.QueryRow(ctx, tallyVotesSQL, assertionID).Scan(&forStr, &againstStr, &count); scanErr != nil {
		return model.Tally{}, fmt.Errorf("tally votes %s: %w", assertionID, scanErr)
	}
	votesFor, err := parseDecimal("votes for", forStr)
	if err != nil {
		return model.Tally{}, err
	}
	votesAgainst, err := parseDecimal("votes against", againstStr)
	if err != nil {
		return model.Tally{}, err
	}

	if _, execErr := pool.Exec(ctx, updateDisputeTallySQL, assertionID, forStr, againstStr, count); execErr != nil {
		return model.Tally{}, fmt.Errorf("update dispute tally %s: %w", assertionID, execErr)
	}
	return model.Tally{For: votesFor, Against: votesAgainst, Count: int(count)}, nil
}

// InsertRawEvents stores undecoded logs in one batch.
func (s *Store) InsertRawEvents(ctx context.Context, events []model.RawEvent) error {
	if len(events) == 0 {
		return nil
	}
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	batch := &pgx.Batch{}
	for _, ev := range events {
		batch.Queue(insertRawEventSQL,
			ev.TxHash,
			int64(ev.LogIndex),
			ev.InstanceID,
			ev.Kind,
			toInt64(ev.BlockNumber),
			nonNil(ev.Topics),
			ev.Data,
		)
	}
	if err := pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert raw events: %w", err)
	}
	return nil
}

// AppendSyncMetric records one run.
func (s *Store) AppendSyncMetric(ctx context.Context, m model.SyncMetric) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	_, execErr := pool.Exec(ctx, insertSyncMetricSQL,
		m.InstanceID,
		m.RecordedAt,
		toInt64(m.Tip),
		toInt64(m.LastProcessed),
		toInt64(m.Lag),
		m.DurationMs,
		m.Events,
		m.ErrorCode,
	)
	if execErr != nil {
		return fmt.Errorf("append sync metric %s: %w", m.InstanceID, execErr)
	}
	return nil
}

// ListSyncMetrics returns the latest run records for an instance.
func (s *Store) ListSyncMetrics(ctx context.Context, instanceID string, limit int) ([]model.SyncMetric, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listSyncMetricsSQL, instanceID, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list sync metrics: %w", queryErr)
	}
	defer rows.Close()

	out := make([]model.SyncMetric, 0, limit)
	for rows.Next() {
		var m model.SyncMetric
		var tip, last, lag int64
		if err := rows.Scan(&m.InstanceID, &m.RecordedAt, &tip, &last, &lag, &m.DurationMs, &m.Events, &m.ErrorCode); err != nil {
			return nil, err
		}
		m.Tip, m.LastProcessed, m.Lag = toUint64(tip), toUint64(last), toUint64(lag)
		out = append(out, m)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func scanInstance(row pgx.Row) (model.SourceInstance, error) {
	var inst model.SourceInstance
	var chainID, start, maxWindow, confirmations, vps int64
	if err := row.Scan(
		&inst.ID,
		&inst.Protocol,
		&inst.Chain,
		&chainID,
		&inst.RPCURLs,
		&inst.ContractAddress,
		&start,
		&maxWindow,
		&confirmations,
		&vps,
		&inst.Enabled,
		&inst.UpdatedAt,
	); err != nil {
		return model.SourceInstance{}, err
	}
	inst.ChainID = toUint64(chainID)
	inst.StartPosition = toUint64(start)
	inst.MaxWindow = toUint64(maxWindow)
	inst.Confirmations = toUint64(confirmations)
	inst.VotingPeriod = time.Duration(vps) * time.Second
	return inst, nil
}

func scanSyncState(row pgx.Row) (model.SyncState, error) {
	var state model.SyncState
	var last, latest, safe int64
	var lastAttempt, lastOK *time.Time
	var stats []byte
	if err := row.Scan(
		&state.InstanceID,
		&last,
		&latest,
		&safe,
		&lastAttempt,
		&lastOK,
		&state.LastDurationMs,
		&state.LastError,
		&state.ConsecutiveFailures,
		&state.ActiveEndpoint,
		&stats,
	); err != nil {
		return model.SyncState{}, err
	}
	state.LastProcessedPosition = toUint64(last)
	state.LatestObservedPosition = toUint64(latest)
	state.SafePosition = toUint64(safe)
	state.LastAttemptAt = timePtr(lastAttempt)
	state.LastSuccessAt = timePtr(lastOK)
	state.EndpointStats = make(map[string]model.EndpointStat)
	if len(stats) > 0 {
		if err := json.Unmarshal(stats, &state.EndpointStats); err != nil {
			return model.SyncState{}, fmt.Errorf("decode endpoint stats: %w", err)
		}
	}
	return state, nil
}
