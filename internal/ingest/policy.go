package ingest

import (
	"context"
	"sync"
	"time"

	"mqttvault/internal/domain"
)

// PolicySource loads per-topic policy and validation rules from the
// metadata store.
type PolicySource interface {
	GetTopicPolicy(ctx context.Context, topic string) (domain.TopicPolicy, error)
	GetValidationRule(ctx context.Context, topic string) (domain.ValidationRule, bool, error)
}

type cachedPolicy struct {
	policy  domain.TopicPolicy
	rule    domain.ValidationRule
	hasRule bool
}

// PolicyEngine answers the per-event store/drop decision. Lookups go
// through a coarse TTL cache: the whole map is cleared once the TTL
// elapses, so a disabled topic takes effect within one TTL at most.
type PolicyEngine struct {
	source PolicySource
	ttl    time.Duration
	now    func() time.Time

	mu      sync.RWMutex
	entries map[string]cachedPolicy
	expiry  time.Time
}

func NewPolicyEngine(source PolicySource, ttl time.Duration) *PolicyEngine {
	return &PolicyEngine{
		source:  source,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cachedPolicy),
	}
}

// Decide maps a topic to its ingest outcome: DropStore when storage is
// disabled, Store otherwise. The returned rule applies only to numeric
// values and only when hasRule is true.
func (p *PolicyEngine) Decide(ctx context.Context, topic string) (domain.Decision, domain.ValidationRule, bool, error) {
	entry, err := p.lookup(ctx, topic)
	if err != nil {
		return domain.DecisionDropStore, domain.ValidationRule{}, false, err
	}
	if !entry.policy.StoreEnabled {
		return domain.DecisionDropStore, entry.rule, entry.hasRule, nil
	}
	return domain.DecisionStore, entry.rule, entry.hasRule, nil
}

func (p *PolicyEngine) lookup(ctx context.Context, topic string) (cachedPolicy, error) {
	now := p.now()

	p.mu.RLock()
	if now.Before(p.expiry) {
		if entry, ok := p.entries[topic]; ok {
			p.mu.RUnlock()
			return entry, nil
		}
	}
	p.mu.RUnlock()

	policy, err := p.source.GetTopicPolicy(ctx, topic)
	if err != nil {
		return cachedPolicy{}, err
	}
	rule, hasRule, err := p.source.GetValidationRule(ctx, topic)
	if err != nil {
		return cachedPolicy{}, err
	}
	entry := cachedPolicy{policy: policy, rule: rule, hasRule: hasRule}

	p.mu.Lock()
	if !now.Before(p.expiry) {
		p.entries = make(map[string]cachedPolicy)
		p.expiry = now.Add(p.ttl)
	}
	p.entries[topic] = entry
	p.mu.Unlock()
	return entry, nil
}

// Invalidate drops the cache so the next lookup sees fresh policy.
// Called after operator policy edits.
func (p *PolicyEngine) Invalidate() {
	p.mu.Lock()
	p.entries = make(map[string]cachedPolicy)
	p.expiry = time.Time{}
	p.mu.Unlock()
}
