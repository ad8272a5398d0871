// Package ingest is the per-event accept/reject pipeline: parse the
// payload, record the observation in the metadata rollup, apply topic
// policy and validation bounds, and append accepted samples to the
// shard store.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"mqttvault/internal/domain"
	"mqttvault/internal/logging"
	"mqttvault/internal/metric"
	"mqttvault/internal/payload"
	"mqttvault/internal/storage"
	"mqttvault/internal/topicroute"
)

// Drop reasons reported in IngestResult.
const (
	ReasonStoreDisabled = "store_disabled"
	ReasonValidation    = "validation"
	ReasonNoValue       = "no_value"
)

var ErrEmptyTopic = errors.New("ingest: empty topic")

// Observer records one observed event in the topic rollup.
type Observer interface {
	Observe(ctx context.Context, topic string, ts float64, value *float64, stored bool) error
}

// Appender is the write half of the shard store.
type Appender interface {
	Append(ctx context.Context, sample domain.Sample) error
}

// Enforcer prunes one shard after a write.
type Enforcer interface {
	Enforce(ctx context.Context, root string) (int64, error)
}

type Service struct {
	policy    *PolicyEngine
	observer  Observer
	store     Appender
	retention Enforcer
	metrics   *metric.Metrics
	log       *slog.Logger
}

func NewService(policy *PolicyEngine, observer Observer, store Appender, retention Enforcer, metrics *metric.Metrics) *Service {
	return &Service{
		policy:    policy,
		observer:  observer,
		store:     store,
		retention: retention,
		metrics:   metrics,
		log:       logging.Component("ingest"),
	}
}

// Ingest processes one observed event. The rollup is updated for every
// event regardless of outcome; the sample row is written only for
// stored numeric values. ts is epoch seconds as captured at receipt.
func (s *Service) Ingest(ctx context.Context, topic string, raw []byte, ts float64) (domain.IngestResult, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return domain.IngestResult{}, ErrEmptyTopic
	}

	var valuePtr *float64
	value, hasValue := payload.Value(raw)
	if hasValue {
		valuePtr = &value
	}

	decision, rule, hasRule, err := s.policy.Decide(ctx, topic)
	if err != nil {
		// Policy lookup failure must not lose telemetry: fall back to
		// the default policy and keep going.
		s.log.Warn("policy lookup failed, using default", "topic", topic, "error", err)
		decision, rule, hasRule = domain.DecisionStore, domain.ValidationRule{}, false
	}
	if decision == domain.DecisionDropAll {
		s.metrics.IngestDecisions.WithLabelValues(string(decision)).Inc()
		return domain.IngestResult{Decision: decision, Value: valuePtr}, nil
	}

	result := domain.IngestResult{Decision: decision, Value: valuePtr}
	stored := false
	switch {
	case decision == domain.DecisionDropStore:
		result.Reason = ReasonStoreDisabled
	case !hasValue:
		result.Decision = domain.DecisionDropStore
		result.Reason = ReasonNoValue
	case hasRule && rule.Rejects(value):
		result.Decision = domain.DecisionDropStore
		result.Reason = ReasonValidation
		s.metrics.ValidationDrops.Inc()
		s.log.Info("value rejected by bounds",
			"topic", topic, "value", value, "min", floatOrNil(rule.Min), "max", floatOrNil(rule.Max))
	default:
		stored = true
	}
	s.metrics.IngestDecisions.WithLabelValues(string(result.Decision)).Inc()

	if err := s.observer.Observe(ctx, topic, ts, valuePtr, stored); err != nil {
		s.metrics.StoreErrors.WithLabelValues("metadata").Inc()
		return result, fmt.Errorf("record observation for %q: %w", topic, err)
	}
	if !stored {
		return result, nil
	}

	if err := s.store.Append(ctx, domain.Sample{Topic: topic, TS: ts, Value: value}); err != nil {
		s.metrics.StoreErrors.WithLabelValues("shard").Inc()
		s.log.Error("append failed", "topic", topic, "retryable", storage.IsRetryable(err))
		return result, fmt.Errorf("append sample for %q: %w", topic, err)
	}
	s.metrics.SamplesStored.Inc()

	// Best-effort retention sweep for the shard we just touched.
	root := topicroute.Root(topic)
	if _, err := s.retention.Enforce(ctx, root); err != nil {
		s.log.Warn("retention sweep failed", "root", root, "error", err)
	}
	return result, nil
}

// InvalidatePolicies drops the policy cache after an operator edit so
// the next event sees the new policy.
func (s *Service) InvalidatePolicies() {
	s.policy.Invalidate()
}

func floatOrNil(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
