package alerting

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"

	"oracle-reconciler/internal/model"
)

// Trigger is a threshold crossing reported by an engine.
type Trigger struct {
	Event      string
	Severity   model.Severity
	Title      string
	Message    string
	Symbol     string
	InstanceID string
	Chain      string
	Contract   string
	Context    map[string]any
}

// RuleSource lists enabled rules for an event type.
type RuleSource interface {
	ListAlertRules(ctx context.Context, event string) ([]model.AlertRule, error)
}

// AlertStore deduplicates alerts by fingerprint.
type AlertStore interface {
	UpsertAlert(ctx context.Context, alert model.Alert) (model.Alert, bool, error)
	MarkAlertNotified(ctx context.Context, id int64, at time.Time) error
}

// Recorder counts raised alerts.
type Recorder interface {
	ObserveAlert(event, severity string)
}

// RaiserOptions tune a Raiser.
type RaiserOptions struct {
	// Rules from configuration; stored rules with the same id take precedence.
	Rules []model.AlertRule
	// Cooldown before an already open alert is delivered again.
	Cooldown time.Duration
	Now      func() time.Time
}

// Raiser turns triggers into deduplicated alerts and dispatches them.
type Raiser struct {
	rules    RuleSource
	store    AlertStore
	notifier Notifier
	recorder Recorder
	static   []model.AlertRule
	cooldown time.Duration
	now      func() time.Time
	logger   zerolog.Logger
}

// NewRaiser wires the collaborators. rules and store may be nil.
func NewRaiser(rules RuleSource, store AlertStore, notifier Notifier, recorder Recorder, opts RaiserOptions, logger zerolog.Logger) *Raiser {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Raiser{
		rules:    rules,
		store:    store,
		notifier: notifier,
		recorder: recorder,
		static:   opts.Rules,
		cooldown: opts.Cooldown,
		now:      now,
		logger:   logger.With().Str("component", "alert_raiser").Logger(),
	}
}

// Fingerprint is keccak256 over rule id, instance, chain, contract and symbol.
func Fingerprint(ruleID string, t Trigger) string {
	key := strings.Join([]string{ruleID, t.InstanceID, t.Chain, strings.ToLower(t.Contract), t.Symbol}, "|")
	return crypto.Keccak256Hash([]byte(key)).Hex()
}

// Raise applies every enabled, non-silenced rule for the trigger's event and
// returns the resulting alerts. Nothing is raised when no rule matches.
func (r *Raiser) Raise(ctx context.Context, t Trigger) ([]model.Alert, error) {
	if r == nil {
		return nil, nil
	}
	rules, err := r.matchingRules(ctx, t.Event)
	if err != nil {
		return nil, err
	}

	now := r.now().UTC()
	var raised []model.Alert
	for _, rule := range rules {
		if rule.Silenced(now) {
			r.logger.Debug().Str("rule", rule.ID).Str("event", t.Event).Msg("rule silenced, alert suppressed")
			continue
		}

		severity := t.Severity
		if severity == "" {
			severity = rule.Severity
		}
		alert := model.Alert{
			RuleID:      rule.ID,
			Fingerprint: Fingerprint(rule.ID, t),
			Event:       t.Event,
			Severity:    severity,
			Title:       t.Title,
			Message:     t.Message,
			Symbol:      t.Symbol,
			InstanceID:  t.InstanceID,
			Chain:       t.Chain,
			Contract:    t.Contract,
			Context:     t.Context,
			Channels:    rule.Channels,
			Status:      model.AlertOpen,
			Occurrences: 1,
			CreatedAt:   now,
			LastSeenAt:  now,
		}

		created := true
		if r.store != nil {
			stored, isNew, err := r.store.UpsertAlert(ctx, alert)
			if err != nil {
				return raised, fmt.Errorf("store alert for rule %s: %w", rule.ID, err)
			}
			// the stored row carries id, occurrences and notification history
			stored.Context = alert.Context
			alert, created = stored, isNew
		}
		if r.recorder != nil {
			r.recorder.ObserveAlert(t.Event, string(severity))
		}

		if r.shouldNotify(alert, created, now) {
			r.dispatch(ctx, &alert, now)
		}
		raised = append(raised, alert)
	}
	return raised, nil
}

func (r *Raiser) matchingRules(ctx context.Context, event string) ([]model.AlertRule, error) {
	byID := make(map[string]model.AlertRule)
	order := make([]string, 0)
	add := func(rule model.AlertRule) {
		if _, ok := byID[rule.ID]; !ok {
			order = append(order, rule.ID)
		}
		byID[rule.ID] = rule
	}

	for _, rule := range r.static {
		if rule.Event == event {
			add(rule)
		}
	}
	if r.rules != nil {
		stored, err := r.rules.ListAlertRules(ctx, event)
		if err != nil {
			return nil, fmt.Errorf("list alert rules for %s: %w", event, err)
		}
		for _, rule := range stored {
			add(rule)
		}
	}

	out := make([]model.AlertRule, 0, len(order))
	for _, id := range order {
		if rule := byID[id]; rule.Enabled {
			out = append(out, rule)
		}
	}
	return out, nil
}

func (r *Raiser) shouldNotify(alert model.Alert, created bool, now time.Time) bool {
	if created || alert.LastNotifiedAt == nil {
		return true
	}
	return now.Sub(*alert.LastNotifiedAt) >= r.cooldown
}

func (r *Raiser) dispatch(ctx context.Context, alert *model.Alert, now time.Time) {
	if r.notifier == nil {
		return
	}
	if err := r.notifier.Notify(ctx, *alert); err != nil {
		r.logger.Error().Err(err).Str("fingerprint", alert.Fingerprint).Msg("alert delivery failed")
		return
	}
	alert.LastNotifiedAt = &now
	if r.store == nil || alert.ID == 0 {
		return
	}
	if err := r.store.MarkAlertNotified(ctx, alert.ID, now); err != nil {
		r.logger.Warn().Err(err).Str("fingerprint", alert.Fingerprint).Msg("mark alert notified failed")
	}
}
