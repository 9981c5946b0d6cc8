package rbac

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/google/uuid"

	"github.com/oarkflow/rbac/logger"
	"github.com/oarkflow/rbac/utils"
)

// ============================================================================
// ACCESS EVALUATOR
// ============================================================================

// DefaultDecisionCacheTTL bounds how long a full access decision is reused.
const DefaultDecisionCacheTTL = time.Minute

// EvaluatorConfig sizes the decision cache.
type EvaluatorConfig struct {
	CacheNumCounters int64
	CacheMaxCost     int64
	CacheTTL         time.Duration
}

func defaultEvaluatorConfig() EvaluatorConfig {
	return EvaluatorConfig{
		CacheNumCounters: 100_000,
		CacheMaxCost:     10_000,
		CacheTTL:         DefaultDecisionCacheTTL,
	}
}

// AccessEvaluator runs the staged access pipeline: request validation,
// decision cache lookup, subject resolution, role-graph permission matching
// and policy rule evaluation. Decisions are cached by a hash of the request;
// a deny for an unknown subject is deliberately not cached so that a freshly
// provisioned subject is never shadowed by a stale negative entry.
type AccessEvaluator struct {
	subjects SubjectStore
	graph    *RoleGraph
	policies *PolicyEngine
	cache    *ristretto.Cache
	cacheTTL time.Duration
	log      logger.Logger
	now      func() time.Time

	hits   atomic.Uint64
	misses atomic.Uint64
}

type EvaluatorOption func(*AccessEvaluator)

// WithDecisionCacheTTL overrides the decision cache TTL.
func WithDecisionCacheTTL(ttl time.Duration) EvaluatorOption {
	return func(ae *AccessEvaluator) {
		if ttl > 0 {
			ae.cacheTTL = ttl
		}
	}
}

// WithEvaluatorLogger installs a logger on the evaluator.
func WithEvaluatorLogger(l logger.Logger) EvaluatorOption {
	return func(ae *AccessEvaluator) {
		if l != nil {
			ae.log = l
		}
	}
}

func NewAccessEvaluator(subjects SubjectStore, graph *RoleGraph, policies *PolicyEngine, cfg EvaluatorConfig, opts ...EvaluatorOption) (*AccessEvaluator, error) {
	def := defaultEvaluatorConfig()
	if cfg.CacheNumCounters <= 0 {
		cfg.CacheNumCounters = def.CacheNumCounters
	}
	if cfg.CacheMaxCost <= 0 {
		cfg.CacheMaxCost = def.CacheMaxCost
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.CacheNumCounters,
		MaxCost:     cfg.CacheMaxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	ae := &AccessEvaluator{
		subjects: subjects,
		graph:    graph,
		policies: policies,
		cache:    cache,
		cacheTTL: cfg.CacheTTL,
		log:      logger.NewNullLogger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(ae)
	}
	return ae, nil
}

// CheckAccess evaluates the request and returns a decision. The only error
// condition is a malformed request; every other failure mode is expressed as
// a deny decision with a reason.
func (ae *AccessEvaluator) CheckAccess(ctx context.Context, req *AccessRequest) (*AccessResponse, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	start := ae.now()

	key := ae.cacheKey(req)
	if cached, ok := ae.cache.Get(key); ok {
		if resp, ok2 := cached.(*AccessResponse); ok2 {
			ae.hits.Add(1)
			out := *resp
			out.CacheHit = true
			out.EvaluationTime = ae.now().Sub(start)
			return &out, nil
		}
	}
	ae.misses.Add(1)

	subject, err := ae.subjects.GetSubject(ctx, req.SubjectID)
	if err != nil {
		// Not cached: the subject may be provisioned at any moment and a
		// cached deny would outlive the condition that produced it.
		ae.log.Warn("access denied for unknown subject", "subject", req.SubjectID)
		return &AccessResponse{
			Decision:       DecisionDeny,
			Reason:         "Subject not found",
			EvaluationTime: ae.now().Sub(start),
		}, nil
	}

	allowed, matched, err := ae.graph.HasPermission(ctx, subject, req.ResourceType, req.Action)
	if err != nil {
		// Also not cached: the store error behind an indeterminate outcome
		// is expected to be transient.
		return &AccessResponse{
			Decision:       DecisionIndeterminate,
			Reason:         "permission resolution failed: " + err.Error(),
			EvaluationTime: ae.now().Sub(start),
		}, nil
	}
	if !allowed {
		resp := &AccessResponse{
			Decision:       DecisionDeny,
			Reason:         fmt.Sprintf("No matching permission for %s:%s", req.ResourceType, req.Action),
			EvaluationTime: ae.now().Sub(start),
		}
		ae.store(key, resp)
		return resp, nil
	}

	permIDs := make([]string, 0, len(matched))
	for _, p := range matched {
		permIDs = append(permIDs, p.ID)
	}

	decision, rule := ae.policies.Decide(ae.policyContext(req, subject))
	resp := &AccessResponse{
		Permissions: permIDs,
	}
	switch decision {
	case DecisionDeny:
		resp.Decision = DecisionDeny
		resp.Reason = "denied by policy rule " + ruleName(rule)
		resp.MatchedRule = rule.ID
	case DecisionPermit:
		resp.Decision = DecisionPermit
		resp.Reason = "permitted by " + permIDs[0] + " and policy rule " + ruleName(rule)
		resp.MatchedRule = rule.ID
	default:
		// Permission matched and no rule objected.
		resp.Decision = DecisionPermit
		resp.Reason = "permitted by " + permIDs[0]
	}
	resp.EvaluationTime = ae.now().Sub(start)
	ae.store(key, resp)
	return resp, nil
}

func ruleName(r *PolicyRule) string {
	if r.Name != "" {
		return r.Name
	}
	return r.ID
}

func (ae *AccessEvaluator) store(key string, resp *AccessResponse) {
	ae.cache.SetWithTTL(key, resp, 1, ae.cacheTTL)
}

// policyContext assembles the context visible to rule conditions. Standard
// keys win over caller-supplied ones so a request cannot spoof its own
// subject or resource identity.
func (ae *AccessEvaluator) policyContext(req *AccessRequest, subject *Subject) map[string]any {
	evalCtx := make(map[string]any, len(req.Context)+4)
	for k, v := range req.Context {
		evalCtx[k] = v
	}
	roles := make([]any, 0, len(subject.Roles))
	for _, r := range subject.Roles {
		roles = append(roles, r)
	}
	attrs := make(map[string]any, len(subject.Attributes))
	for k, v := range subject.Attributes {
		attrs[k] = v
	}
	evalCtx["subject"] = map[string]any{
		"id":    subject.ID,
		"kind":  string(subject.Kind),
		"roles": roles,
		"attrs": attrs,
	}
	evalCtx["resource"] = map[string]any{
		"type": req.ResourceType,
		"id":   req.ResourceID,
	}
	evalCtx["action"] = req.Action
	evalCtx["environment"] = map[string]any{
		"timestamp":  ae.now().UTC().Format(time.RFC3339),
		"request_id": uuid.NewString(),
	}
	return evalCtx
}

// cacheKey derives a stable key from the request identity and the canonical
// form of its context, so equivalent contexts built in different map orders
// share one entry.
func (ae *AccessEvaluator) cacheKey(req *AccessRequest) string {
	h := sha256.New()
	h.Write([]byte(req.SubjectID))
	h.Write([]byte{0})
	h.Write([]byte(req.ResourceType))
	h.Write([]byte{0})
	h.Write([]byte(req.Action))
	h.Write([]byte{0})
	h.Write([]byte(utils.CanonicalHash(req.Context)))
	return hex.EncodeToString(h.Sum(nil))
}

// InvalidateCache drops all cached decisions. Call after any change to
// roles, permissions, subjects or rules.
func (ae *AccessEvaluator) InvalidateCache() {
	ae.cache.Clear()
	ae.policies.InvalidateCache()
}

// CacheStats reports decision cache hit and miss counts since start.
func (ae *AccessEvaluator) CacheStats() (hits, misses uint64) {
	return ae.hits.Load(), ae.misses.Load()
}

// Close releases cache resources.
func (ae *AccessEvaluator) Close() {
	ae.cache.Close()
}

func validateRequest(req *AccessRequest) error {
	if req == nil {
		return &ValidationError{Field: "request", Reason: "required"}
	}
	if req.SubjectID == "" {
		return &ValidationError{Field: "subject_id", Reason: "required"}
	}
	if req.ResourceType == "" {
		return &ValidationError{Field: "resource_type", Reason: "required"}
	}
	if req.Action == "" {
		return &ValidationError{Field: "action", Reason: "required"}
	}
	return nil
}
