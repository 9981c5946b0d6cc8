package rbac

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/oarkflow/rbac/logger"
	"github.com/oarkflow/rbac/utils"
)

// ============================================================================
// POLICY ENGINE
// ============================================================================

// PolicyRule is a condition-gated verdict. Condition is an expression in the
// closed grammar accepted by ExpressionEvaluator; when it evaluates true for
// a request context, the rule contributes its Effect.
type PolicyRule struct {
	ID          string    `json:"id" yaml:"id"`
	Name        string    `json:"name" yaml:"name"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Condition   string    `json:"condition" yaml:"condition"`
	Effect      Effect    `json:"effect" yaml:"effect"`
	Priority    int       `json:"priority" yaml:"priority"`
	Active      bool      `json:"active" yaml:"active"`
	CreatedAt   time.Time `json:"created_at,omitempty" yaml:"created_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`

	// seq is the registration order assigned on reload. Rules with equal
	// priority evaluate in seq order, so repeated evaluations of the same
	// rule set are deterministic.
	seq uint64
}

// DefaultRuleCacheTTL bounds how long a (rule, context) evaluation result is
// reused before being recomputed.
const DefaultRuleCacheTTL = 5 * time.Minute

const ruleCachePruneThreshold = 8192

type ruleCacheEntry struct {
	result  bool
	expires time.Time
}

// PolicyEngine evaluates the active rule set against request contexts.
// Rules are ordered by priority descending, then by registration order for
// ties. Per (rule, context) results are cached with a TTL keyed on the
// canonical hash of the context, so map iteration order never splits the
// cache.
type PolicyEngine struct {
	store RuleStore
	eval  *ExpressionEvaluator
	log   logger.Logger

	mu      sync.RWMutex
	ordered []*PolicyRule

	cacheMu  sync.RWMutex
	cache    map[string]ruleCacheEntry
	cacheTTL time.Duration

	now func() time.Time
}

type PolicyEngineOption func(*PolicyEngine)

// WithRuleCacheTTL overrides the per-rule evaluation cache TTL.
func WithRuleCacheTTL(ttl time.Duration) PolicyEngineOption {
	return func(pe *PolicyEngine) {
		if ttl > 0 {
			pe.cacheTTL = ttl
		}
	}
}

// WithPolicyLogger installs a logger on the engine.
func WithPolicyLogger(l logger.Logger) PolicyEngineOption {
	return func(pe *PolicyEngine) {
		if l != nil {
			pe.log = l
		}
	}
}

func NewPolicyEngine(store RuleStore, eval *ExpressionEvaluator, opts ...PolicyEngineOption) *PolicyEngine {
	if eval == nil {
		eval = NewExpressionEvaluator()
	}
	pe := &PolicyEngine{
		store:    store,
		eval:     eval,
		log:      logger.NewNullLogger(),
		cache:    make(map[string]ruleCacheEntry),
		cacheTTL: DefaultRuleCacheTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(pe)
	}
	return pe
}

// Reload pulls the rule set from the store and rebuilds the evaluation
// order. The store returns rules in registration order; the stable sort
// keeps that order within each priority band.
func (pe *PolicyEngine) Reload(ctx context.Context) error {
	rules, err := pe.store.ListRules(ctx)
	if err != nil {
		return err
	}
	for i, r := range rules {
		r.seq = uint64(i)
	}
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority > rules[j].Priority
	})
	pe.mu.Lock()
	pe.ordered = rules
	pe.mu.Unlock()
	pe.InvalidateCache()
	return nil
}

// Rules returns the current evaluation order. The slice is a copy; the rules
// themselves are shared.
func (pe *PolicyEngine) Rules() []*PolicyRule {
	pe.mu.RLock()
	defer pe.mu.RUnlock()
	out := make([]*PolicyRule, len(pe.ordered))
	copy(out, pe.ordered)
	return out
}

// EvaluateRules returns the active rules whose condition holds for evalCtx,
// in evaluation order.
func (pe *PolicyEngine) EvaluateRules(evalCtx map[string]any) []*PolicyRule {
	pe.mu.RLock()
	rules := pe.ordered
	pe.mu.RUnlock()

	ctxHash := utils.CanonicalHash(evalCtx)
	matched := make([]*PolicyRule, 0, 4)
	for _, rule := range rules {
		if !rule.Active {
			continue
		}
		if pe.evaluateRule(rule, ctxHash, evalCtx) {
			matched = append(matched, rule)
		}
	}
	return matched
}

func (pe *PolicyEngine) evaluateRule(rule *PolicyRule, ctxHash string, evalCtx map[string]any) bool {
	key := rule.ID + "|" + ctxHash
	now := pe.now()

	pe.cacheMu.RLock()
	entry, ok := pe.cache[key]
	pe.cacheMu.RUnlock()
	if ok && now.Before(entry.expires) {
		return entry.result
	}

	result := pe.eval.Evaluate(rule.Condition, evalCtx)

	pe.cacheMu.Lock()
	if len(pe.cache) >= ruleCachePruneThreshold {
		for k, e := range pe.cache {
			if !now.Before(e.expires) {
				delete(pe.cache, k)
			}
		}
	}
	pe.cache[key] = ruleCacheEntry{result: result, expires: now.Add(pe.cacheTTL)}
	pe.cacheMu.Unlock()
	return result
}

// ReducePolicies folds a list of matched rules into a single decision.
// Any deny wins over any permit regardless of order; no matches yields
// not_applicable. The winning rule is returned for audit attribution.
func (pe *PolicyEngine) ReducePolicies(matched []*PolicyRule) (Decision, *PolicyRule) {
	for _, rule := range matched {
		if rule.Effect == EffectDeny {
			return DecisionDeny, rule
		}
	}
	for _, rule := range matched {
		if rule.Effect == EffectPermit {
			return DecisionPermit, rule
		}
	}
	return DecisionNotApplicable, nil
}

// Decide evaluates and reduces in one step.
func (pe *PolicyEngine) Decide(evalCtx map[string]any) (Decision, *PolicyRule) {
	return pe.ReducePolicies(pe.EvaluateRules(evalCtx))
}

// InvalidateCache drops all cached rule evaluations.
func (pe *PolicyEngine) InvalidateCache() {
	pe.cacheMu.Lock()
	pe.cache = make(map[string]ruleCacheEntry)
	pe.cacheMu.Unlock()
}

// ValidateRule lint-checks a rule before it is stored.
func (pe *PolicyEngine) ValidateRule(rule *PolicyRule) error {
	if rule.ID == "" {
		return &ValidationError{Field: "id", Reason: "required"}
	}
	if rule.Effect != EffectPermit && rule.Effect != EffectDeny {
		return &ValidationError{Field: "effect", Reason: "must be permit or deny"}
	}
	return pe.eval.Validate(rule.Condition)
}
