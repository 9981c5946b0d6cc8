package rbac

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

type evalFixture struct {
	perms    *memPermStore
	roles    *memRoleStore
	subjects *memSubjectStore
	rules    *memRuleStore
	eval     *AccessEvaluator
}

func newEvalFixture(t *testing.T, rules ...*PolicyRule) *evalFixture {
	t.Helper()
	ctx := context.Background()
	f := &evalFixture{
		perms:    newMemPermStore(),
		roles:    newMemRoleStore(),
		subjects: newMemSubjectStore(),
		rules:    newMemRuleStore(),
	}
	_ = f.perms.CreatePermission(ctx, &Permission{ID: "invoice.read", Resource: "invoice", Action: "read"})
	_ = f.perms.CreatePermission(ctx, &Permission{ID: "invoice.update", Resource: "invoice", Action: "update"})
	_ = f.roles.CreateRole(ctx, &Role{ID: "billing_clerk", Permissions: []string{"invoice.read", "invoice.update"}})
	_ = f.subjects.CreateSubject(ctx, &Subject{
		ID:    "alice",
		Kind:  SubjectUser,
		Roles: []string{"billing_clerk"},
		Attributes: map[string]any{
			"department": "billing",
		},
	})
	for _, r := range rules {
		if err := f.rules.CreateRule(ctx, r); err != nil {
			t.Fatalf("create rule: %v", err)
		}
	}
	graph := NewRoleGraph(f.roles, f.perms, nil)
	pe := NewPolicyEngine(f.rules, NewExpressionEvaluator())
	if err := pe.Reload(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	eval, err := NewAccessEvaluator(f.subjects, graph, pe, EvaluatorConfig{})
	if err != nil {
		t.Fatalf("new evaluator: %v", err)
	}
	t.Cleanup(eval.Close)
	f.eval = eval
	return f
}

func TestCheckAccessPermitViaRole(t *testing.T) {
	f := newEvalFixture(t)
	resp, err := f.eval.CheckAccess(context.Background(), &AccessRequest{
		SubjectID:    "alice",
		ResourceType: "invoice",
		Action:       "read",
	})
	if err != nil {
		t.Fatalf("check access: %v", err)
	}
	if resp.Decision != DecisionPermit {
		t.Fatalf("expected permit, got %s (%s)", resp.Decision, resp.Reason)
	}
	if len(resp.Permissions) == 0 {
		t.Fatalf("expected matched permission ids in response")
	}
}

func TestCheckAccessNoPermission(t *testing.T) {
	f := newEvalFixture(t)
	resp, err := f.eval.CheckAccess(context.Background(), &AccessRequest{
		SubjectID:    "alice",
		ResourceType: "payroll",
		Action:       "update",
	})
	if err != nil {
		t.Fatalf("check access: %v", err)
	}
	if resp.Decision != DecisionDeny {
		t.Fatalf("expected deny for uncovered resource, got %s", resp.Decision)
	}
}

func TestCheckAccessValidation(t *testing.T) {
	f := newEvalFixture(t)
	_, err := f.eval.CheckAccess(context.Background(), &AccessRequest{
		ResourceType: "invoice",
		Action:       "read",
	})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if verr.Field != "subject_id" {
		t.Fatalf("expected subject_id field, got %s", verr.Field)
	}
}

func TestCheckAccessPolicyDeny(t *testing.T) {
	f := newEvalFixture(t, &PolicyRule{
		ID:        "deny-large",
		Condition: "amount > 10000",
		Effect:    EffectDeny,
		Active:    true,
	})
	resp, err := f.eval.CheckAccess(context.Background(), &AccessRequest{
		SubjectID:    "alice",
		ResourceType: "invoice",
		Action:       "update",
		Context:      map[string]any{"amount": 50000},
	})
	if err != nil {
		t.Fatalf("check access: %v", err)
	}
	if resp.Decision != DecisionDeny {
		t.Fatalf("expected policy deny, got %s", resp.Decision)
	}
	if resp.MatchedRule != "deny-large" {
		t.Fatalf("expected deny-large attribution, got %q", resp.MatchedRule)
	}

	// Below the threshold the role permission carries the decision.
	resp, err = f.eval.CheckAccess(context.Background(), &AccessRequest{
		SubjectID:    "alice",
		ResourceType: "invoice",
		Action:       "update",
		Context:      map[string]any{"amount": 100},
	})
	if err != nil {
		t.Fatalf("check access: %v", err)
	}
	if resp.Decision != DecisionPermit {
		t.Fatalf("expected permit below threshold, got %s (%s)", resp.Decision, resp.Reason)
	}
}

func TestCheckAccessReasons(t *testing.T) {
	f := newEvalFixture(t, &PolicyRule{
		ID:        "deny-large",
		Name:      "large invoice guard",
		Condition: "amount > 10000",
		Effect:    EffectDeny,
		Active:    true,
	})
	ctx := context.Background()

	resp, err := f.eval.CheckAccess(ctx, &AccessRequest{
		SubjectID: "alice", ResourceType: "invoice", Action: "update",
	})
	if err != nil {
		t.Fatalf("check access: %v", err)
	}
	if !strings.Contains(resp.Reason, "invoice.update") {
		t.Fatalf("permit reason must name the matched permission, got %q", resp.Reason)
	}

	resp, err = f.eval.CheckAccess(ctx, &AccessRequest{
		SubjectID: "alice", ResourceType: "billing", Action: "delete",
	})
	if err != nil {
		t.Fatalf("check access: %v", err)
	}
	if resp.Reason != "No matching permission for billing:delete" {
		t.Fatalf("unexpected deny reason %q", resp.Reason)
	}

	resp, err = f.eval.CheckAccess(ctx, &AccessRequest{
		SubjectID: "alice", ResourceType: "invoice", Action: "update",
		Context: map[string]any{"amount": 50000},
	})
	if err != nil {
		t.Fatalf("check access: %v", err)
	}
	if !strings.Contains(resp.Reason, "large invoice guard") {
		t.Fatalf("rule deny reason must carry the rule name, got %q", resp.Reason)
	}

	resp, err = f.eval.CheckAccess(ctx, &AccessRequest{
		SubjectID: "ghost", ResourceType: "invoice", Action: "read",
	})
	if err != nil {
		t.Fatalf("check access: %v", err)
	}
	if resp.Reason != "Subject not found" {
		t.Fatalf("unexpected unknown-subject reason %q", resp.Reason)
	}
}

func TestCheckAccessEvaluationTimeMeasured(t *testing.T) {
	f := newEvalFixture(t)
	base := time.Now()
	var ticks int64
	f.eval.now = func() time.Time {
		ticks++
		return base.Add(time.Duration(ticks) * time.Millisecond)
	}
	req := &AccessRequest{SubjectID: "alice", ResourceType: "invoice", Action: "read"}

	first, err := f.eval.CheckAccess(context.Background(), req)
	if err != nil {
		t.Fatalf("check access: %v", err)
	}
	if first.EvaluationTime <= 0 {
		t.Fatalf("expected a positive elapsed time, got %v", first.EvaluationTime)
	}
	f.eval.cache.Wait()

	second, err := f.eval.CheckAccess(context.Background(), req)
	if err != nil {
		t.Fatalf("check access: %v", err)
	}
	if !second.CacheHit {
		t.Fatalf("expected cache hit on repeat evaluation")
	}
	// The hit carries the time the lookup took, not the cached entry's.
	if second.EvaluationTime <= 0 || second.EvaluationTime >= first.EvaluationTime {
		t.Fatalf("expected a recomputed lookup time below %v, got %v", first.EvaluationTime, second.EvaluationTime)
	}
}

func TestCheckAccessSubjectAttributesVisibleToRules(t *testing.T) {
	f := newEvalFixture(t, &PolicyRule{
		ID:        "billing-only",
		Condition: "subject.attrs.department != 'billing'",
		Effect:    EffectDeny,
		Active:    true,
	})
	resp, err := f.eval.CheckAccess(context.Background(), &AccessRequest{
		SubjectID:    "alice",
		ResourceType: "invoice",
		Action:       "read",
	})
	if err != nil {
		t.Fatalf("check access: %v", err)
	}
	if resp.Decision != DecisionPermit {
		t.Fatalf("expected permit for billing member, got %s (%s)", resp.Decision, resp.Reason)
	}
}

func TestCheckAccessDecisionCache(t *testing.T) {
	f := newEvalFixture(t)
	req := &AccessRequest{SubjectID: "alice", ResourceType: "invoice", Action: "read"}

	first, err := f.eval.CheckAccess(context.Background(), req)
	if err != nil {
		t.Fatalf("check access: %v", err)
	}
	if first.CacheHit {
		t.Fatalf("first evaluation must not be a cache hit")
	}
	// ristretto admits writes asynchronously
	f.eval.cache.Wait()

	second, err := f.eval.CheckAccess(context.Background(), req)
	if err != nil {
		t.Fatalf("check access: %v", err)
	}
	if !second.CacheHit {
		t.Fatalf("expected cache hit on repeat evaluation")
	}
	if second.Decision != first.Decision {
		t.Fatalf("cached decision diverged: %s vs %s", second.Decision, first.Decision)
	}
	hits, misses := f.eval.CacheStats()
	if hits == 0 || misses == 0 {
		t.Fatalf("expected both hits and misses recorded, got %d/%d", hits, misses)
	}
}

func TestCheckAccessUnknownSubjectNotCached(t *testing.T) {
	f := newEvalFixture(t)
	ctx := context.Background()
	req := &AccessRequest{SubjectID: "newhire", ResourceType: "invoice", Action: "read"}

	resp, err := f.eval.CheckAccess(ctx, req)
	if err != nil {
		t.Fatalf("check access: %v", err)
	}
	if resp.Decision != DecisionDeny {
		t.Fatalf("expected deny for unknown subject, got %s", resp.Decision)
	}
	f.eval.cache.Wait()

	// Provision the subject; the next evaluation must see it immediately.
	_ = f.subjects.CreateSubject(ctx, &Subject{ID: "newhire", Roles: []string{"billing_clerk"}})
	resp, err = f.eval.CheckAccess(ctx, req)
	if err != nil {
		t.Fatalf("check access: %v", err)
	}
	if resp.Decision != DecisionPermit {
		t.Fatalf("expected fresh permit after provisioning, got %s (%s)", resp.Decision, resp.Reason)
	}
	if resp.CacheHit {
		t.Fatalf("unknown-subject deny must not have been cached")
	}
}

func BenchmarkCheckAccess(b *testing.B) {
	ctx := context.Background()
	perms := newMemPermStore()
	roles := newMemRoleStore()
	subjects := newMemSubjectStore()
	rules := newMemRuleStore()

	_ = perms.CreatePermission(ctx, &Permission{ID: "doc.read", Resource: "document", Action: "read"})
	_ = roles.CreateRole(ctx, &Role{ID: "reader", Permissions: []string{"doc.read"}})
	for i := 0; i < 100; i++ {
		_ = subjects.CreateSubject(ctx, &Subject{ID: fmt.Sprintf("user-%d", i), Roles: []string{"reader"}})
	}
	_ = rules.CreateRule(ctx, &PolicyRule{ID: "hours", Condition: "hour >= 9 and hour < 18", Effect: EffectPermit, Active: true})

	graph := NewRoleGraph(roles, perms, nil)
	pe := NewPolicyEngine(rules, NewExpressionEvaluator())
	_ = pe.Reload(ctx)
	eval, err := NewAccessEvaluator(subjects, graph, pe, EvaluatorConfig{})
	if err != nil {
		b.Fatalf("new evaluator: %v", err)
	}
	defer eval.Close()

	req := &AccessRequest{
		SubjectID:    "user-42",
		ResourceType: "document",
		Action:       "read",
		Context:      map[string]any{"hour": 11},
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := eval.CheckAccess(ctx, req); err != nil {
			b.Fatalf("check access: %v", err)
		}
	}
}
