package domain

import "time"

// Decision is the per-event outcome of the ingest policy engine.
// DecisionDropAll is reserved for events where even metadata telemetry must
// not be touched; it is currently never returned but callers must handle it.
type Decision string

const (
	DecisionStore     Decision = "store"
	DecisionDropStore Decision = "drop_store"
	DecisionDropAll   Decision = "drop_all"
)

// Sample is one immutable (topic, timestamp, value) observation.
// TS is wall-clock epoch seconds, fractional, captured at transport
// callback time.
type Sample struct {
	Topic string
	TS    float64
	Value float64
}

// TopicStats is the per-topic rollup row maintained by the metadata store.
// MessageCount == StoredCount + DroppedCount at all times.
type TopicStats struct {
	Topic        string
	MessageCount int64
	StoredCount  int64
	DroppedCount int64
	FirstSeen    *float64
	LastSeen     *float64
	LastValue    *float64
	MinValue     *float64
	MaxValue     *float64
}

// TopicPolicy controls visibility and storage for one topic. A topic with
// no stored policy behaves as the zero-config default: visible, enabled.
type TopicPolicy struct {
	Topic        string
	Public       bool
	StoreEnabled bool
	Unit         string

	// Reserved rate-limit extension point, carried but not enforced.
	MaxMsgsPerMin *int64
	AutoDisabled  bool
}

// DefaultTopicPolicy is returned when no row exists for a topic.
func DefaultTopicPolicy(topic string) TopicPolicy {
	return TopicPolicy{Topic: topic, Public: true, StoreEnabled: true}
}

// TopicPolicyUpdate is a partial policy edit; nil fields are untouched.
type TopicPolicyUpdate struct {
	Public       *bool
	StoreEnabled *bool
	Unit         *string
	Bounds       *BoundsUpdate
}

// BoundsUpdate replaces a topic's validation rule wholesale.
type BoundsUpdate struct {
	Min     *float64
	Max     *float64
	Enabled bool
}

// ValidationRule bounds accepted numeric values for one topic.
// A nil Min or Max leaves that side unbounded.
type ValidationRule struct {
	Topic   string
	Min     *float64
	Max     *float64
	Enabled bool
}

// Rejects reports whether v falls outside the configured bounds.
func (r ValidationRule) Rejects(v float64) bool {
	if !r.Enabled {
		return false
	}
	if r.Min != nil && v < *r.Min {
		return true
	}
	if r.Max != nil && v > *r.Max {
		return true
	}
	return false
}

// RetentionPolicy prunes a shard by age and/or row count. Nil fields mean
// unlimited retention on that axis.
type RetentionPolicy struct {
	Root       string
	MaxAgeDays *int64
	MaxRows    *int64
}

// TopicListing is one row of the topic discovery view: rollup joined with
// policy.
type TopicListing struct {
	Topic        string
	MessageCount int64
	Public       bool
	FirstSeen    *float64
	LastSeen     *float64
}

// IngestResult describes what happened to one observed event. Value is
// non-nil only when a numeric value was parsed from the payload. Reason
// is set for non-store outcomes ("store_disabled", "validation",
// "no_value").
type IngestResult struct {
	Decision Decision
	Reason   string
	Value    *float64
}

// ConnStatus is a point-in-time snapshot of the transport connection
// manager. It is a value copy; readers never observe mutation.
type ConnStatus struct {
	Connected   bool
	LastError   string
	RetryCount  int
	LastAttempt time.Time
	NextRetry   time.Time
}
