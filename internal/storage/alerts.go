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
	upsertAlertRuleSQL = `INSERT INTO alert_rules (id, event, severity, channels, enabled, silence_until)
    VALUES ($1,$2,$3,$4,$5,$6)
    ON CONFLICT (id) DO UPDATE
    SET event         = EXCLUDED.event,
        severity      = EXCLUDED.severity,
        channels      = EXCLUDED.channels,
        enabled       = EXCLUDED.enabled,
        silence_until = EXCLUDED.silence_until;`

	listAlertRulesSQL = `SELECT id, event, severity, channels, enabled, silence_until
    FROM alert_rules
    WHERE event = $1 AND enabled
    ORDER BY id;`

	upsertAlertSQL = `INSERT INTO alerts (
        fingerprint, rule_id, event, severity, title, message, symbol,
        instance_id, chain, contract, context, channels, status, occurrences,
        created_at, last_seen_at
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,'open',1,$13,$13)
    ON CONFLICT (fingerprint) DO UPDATE
    SET severity     = EXCLUDED.severity,
        title        = EXCLUDED.title,
        message      = EXCLUDED.message,
        context      = EXCLUDED.context,
        channels     = EXCLUDED.channels,
        status       = CASE WHEN alerts.status = 'resolved' THEN 'open' ELSE alerts.status END,
        occurrences  = alerts.occurrences + 1,
        last_seen_at = EXCLUDED.last_seen_at
    RETURNING id, status, occurrences, created_at, last_seen_at, last_notified_at, (xmax = 0);`

	markAlertNotifiedSQL = `UPDATE alerts SET last_notified_at = $2 WHERE id = $1;`

	listRecentAlertsSQL = `SELECT
        id, fingerprint, rule_id, event, severity, title, message, symbol,
        instance_id, chain, contract, context, channels, status, occurrences,
        created_at, last_seen_at, last_notified_at
    FROM alerts
    ORDER BY last_seen_at DESC
    LIMIT $1;`
)

// UpsertAlertRule stores a rule seeded from configuration.
func (s *Store) UpsertAlertRule(ctx context.Context, r model.AlertRule) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, upsertAlertRuleSQL,
		r.ID, r.Event, string(r.Severity), nonNil(r.Channels), r.Enabled, nullableTime(r.SilenceUntil),
	); execErr != nil {
		return fmt.Errorf("upsert alert rule %s: %w", r.ID, execErr)
	}
	return nil
}

// ListAlertRules returns the enabled rules for an event type.
func (s *Store) ListAlertRules(ctx context.Context, event string) ([]model.AlertRule, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listAlertRulesSQL, event)
	if queryErr != nil {
		return nil, fmt.Errorf("list alert rules: %w", queryErr)
	}
	defer rows.Close()

	out := make([]model.AlertRule, 0)
	for rows.Next() {
		var r model.AlertRule
		var severity string
		var silence *time.Time
		if err := rows.Scan(&r.ID, &r.Event, &severity, &r.Channels, &r.Enabled, &silence); err != nil {
			return nil, err
		}
		r.Severity = model.Severity(severity)
		r.SilenceUntil = timePtr(silence)
		out = append(out, r)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// UpsertAlert deduplicates by fingerprint. created is true only when a new row was inserted.
func (s *Store) UpsertAlert(ctx context.Context, a model.Alert) (model.Alert, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return model.Alert{}, false, err
	}
	alertCtx, err := marshalJSON("alert context", a.Context)
	if err != nil {
		return model.Alert{}, false, err
	}

	seen := a.LastSeenAt
	if seen.IsZero() {
		seen = time.Now().UTC()
	}

	var status string
	var notified *time.Time
	var created bool
	row := pool.QueryRow(ctx, upsertAlertSQL,
		a.Fingerprint,
		a.RuleID,
		a.Event,
		string(a.Severity),
		a.Title,
		a.Message,
		a.Symbol,
		a.InstanceID,
		a.Chain,
		a.Contract,
		alertCtx,
		nonNil(a.Channels),
		seen,
	)
	if scanErr := row.Scan(&a.ID, &status, &a.Occurrences, &a.CreatedAt, &a.LastSeenAt, &notified, &created); scanErr != nil {
		return model.Alert{}, false, fmt.Errorf("upsert alert %s: %w", a.Fingerprint, scanErr)
	}
	a.Status = model.AlertStatus(status)
	a.LastNotifiedAt = timePtr(notified)
	return a, created, nil
}

// MarkAlertNotified records a dispatch time.
func (s *Store) MarkAlertNotified(ctx context.Context, id int64, at time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, execErr := pool.Exec(ctx, markAlertNotifiedSQL, id, at)
	if execErr != nil {
		return fmt.Errorf("mark alert notified: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRecentAlerts lists alerts by last occurrence.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]model.Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	out := make([]model.Alert, 0, limit)
	for rows.Next() {
		a, scanErr := scanAlert(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, a)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func scanAlert(row pgx.Row) (model.Alert, error) {
	var a model.Alert
	var severity, status string
	var alertCtx []byte
	var notified *time.Time
	if err := row.Scan(
		&a.ID,
		&a.Fingerprint,
		&a.RuleID,
		&a.Event,
		&severity,
		&a.Title,
		&a.Message,
		&a.Symbol,
		&a.InstanceID,
		&a.Chain,
		&a.Contract,
		&alertCtx,
		&a.Channels,
		&status,
		&a.Occurrences,
		&a.CreatedAt,
		&a.LastSeenAt,
		&notified,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Alert{}, ErrNotFound
		}
		return model.Alert{}, err
	}
	a.Severity = model.Severity(severity)
	a.Status = model.AlertStatus(status)
	a.LastNotifiedAt = timePtr(notified)
	if len(alertCtx) > 0 {
		if err := json.Unmarshal(alertCtx, &a.Context); err != nil {
			return model.Alert{}, fmt.Errorf("decode alert context: %w", err)
		}
	}
	return a, nil
}
