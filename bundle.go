package rbac

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oarkflow/rbac/logger"
)

// ============================================================================
// SIGNED RULE BUNDLES
// ============================================================================

// Checksum returns a deterministic hash of the rule's evaluation-relevant
// fields. Timestamps are excluded so a rule keeps its checksum across
// metadata-only updates.
func (r *PolicyRule) Checksum() string {
	data, _ := json.Marshal(struct {
		Condition string
		Effect    Effect
		Priority  int
		Active    bool
	}{
		Condition: r.Condition,
		Effect:    r.Effect,
		Priority:  r.Priority,
		Active:    r.Active,
	})
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// RuleBundle carries a rule set with per-rule signatures for distribution to
// downstream enforcement points.
type RuleBundle struct {
	Rules      []*PolicyRule     `json:"rules"`
	Signatures map[string]string `json:"signatures"`
	Meta       map[string]any    `json:"meta,omitempty"`
}

// SignRule returns an ed25519 signature (base64) over the rule's ID and
// checksum.
func SignRule(priv ed25519.PrivateKey, r *PolicyRule) (string, error) {
	data, err := json.Marshal(struct {
		ID       string
		Checksum string
	}{
		ID:       r.ID,
		Checksum: r.Checksum(),
	})
	if err != nil {
		return "", err
	}
	sig := ed25519.Sign(priv, data)
	return base64.StdEncoding.EncodeToString(sig), nil
}

// VerifyRuleSignature checks a single rule signature.
func VerifyRuleSignature(pub ed25519.PublicKey, r *PolicyRule, sigB64 string) (bool, error) {
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false, err
	}
	data, err := json.Marshal(struct {
		ID       string
		Checksum string
	}{
		ID:       r.ID,
		Checksum: r.Checksum(),
	})
	if err != nil {
		return false, err
	}
	return ed25519.Verify(pub, data, sig), nil
}

// SignBundle signs each rule with priv and returns a RuleBundle.
func SignBundle(priv ed25519.PrivateKey, rules []*PolicyRule) (*RuleBundle, error) {
	b := &RuleBundle{Rules: rules, Signatures: make(map[string]string)}
	for _, r := range rules {
		s, err := SignRule(priv, r)
		if err != nil {
			return nil, err
		}
		b.Signatures[r.ID] = s
	}
	return b, nil
}

// VerifyBundle verifies every signature in the bundle.
func VerifyBundle(pub ed25519.PublicKey, b *RuleBundle) (bool, error) {
	for _, r := range b.Rules {
		sig, ok := b.Signatures[r.ID]
		if !ok {
			return false, fmt.Errorf("missing signature for rule %s", r.ID)
		}
		okv, err := VerifyRuleSignature(pub, r, sig)
		if err != nil || !okv {
			return false, fmt.Errorf("bad signature for rule %s: %v", r.ID, err)
		}
	}
	return true, nil
}

// ApplySignedBundle verifies the bundle and loads its rules, replacing rules
// that share IDs with bundle entries. An unverifiable bundle changes nothing.
func (m *Manager) ApplySignedBundle(ctx context.Context, pub ed25519.PublicKey, bundle *RuleBundle) error {
	ok, err := VerifyBundle(pub, bundle)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("bundle verification failed")
	}
	for _, rule := range bundle.Rules {
		if err := m.policies.ValidateRule(rule); err != nil {
			return fmt.Errorf("bundle rule %s: %w", rule.ID, err)
		}
	}
	for _, rule := range bundle.Rules {
		if _, err := m.rules.GetRule(ctx, rule.ID); err != nil {
			if err := m.rules.CreateRule(ctx, rule); err != nil {
				return fmt.Errorf("create rule %s: %w", rule.ID, err)
			}
		} else if err := m.rules.UpdateRule(ctx, rule); err != nil {
			return fmt.Errorf("update rule %s: %w", rule.ID, err)
		}
	}
	if err := m.policies.Reload(ctx); err != nil {
		return err
	}
	m.InvalidateCaches()
	return m.adminEvent(ctx, "", "signed rule bundle applied", map[string]any{
		"rules": len(bundle.Rules),
	})
}

// ============================================================================
// BUNDLE DISTRIBUTION
// ============================================================================

type BundleSubscriber interface {
	OnBundle(ctx context.Context, pub ed25519.PublicKey, bundle *RuleBundle) error
}

type BundleSubscriberFunc func(ctx context.Context, pub ed25519.PublicKey, bundle *RuleBundle) error

func (f BundleSubscriberFunc) OnBundle(ctx context.Context, pub ed25519.PublicKey, bundle *RuleBundle) error {
	return f(ctx, pub, bundle)
}

// RuleBundleDistributor periodically rotates its signing key and pushes
// signed rule bundles to subscribers whenever a rule change is notified.
type RuleBundleDistributor struct {
	ruleStore        RuleStore
	pub              ed25519.PublicKey
	priv             ed25519.PrivateKey
	rotationInterval time.Duration
	notifyCh         chan struct{}
	stopCh           chan struct{}
	subscribers      []BundleSubscriber
	log              logger.Logger
	mu               sync.RWMutex
	started          bool
	wg               sync.WaitGroup
}

type RuleBundleDistributorOption func(*RuleBundleDistributor)

func WithBundleSigningKey(priv ed25519.PrivateKey) RuleBundleDistributorOption {
	return func(d *RuleBundleDistributor) {
		if priv != nil && len(priv) == ed25519.PrivateKeySize {
			d.priv = append(ed25519.PrivateKey{}, priv...)
			d.pub = priv.Public().(ed25519.PublicKey)
		}
	}
}

func WithBundleRotationInterval(interval time.Duration) RuleBundleDistributorOption {
	return func(d *RuleBundleDistributor) {
		if interval > 0 {
			d.rotationInterval = interval
		}
	}
}

func WithBundleLogger(l logger.Logger) RuleBundleDistributorOption {
	return func(d *RuleBundleDistributor) {
		if l != nil {
			d.log = l
		}
	}
}

func NewRuleBundleDistributor(store RuleStore, opts ...RuleBundleDistributorOption) (*RuleBundleDistributor, error) {
	if store == nil {
		return nil, fmt.Errorf("rule store is required")
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	dist := &RuleBundleDistributor{
		ruleStore:        store,
		priv:             priv,
		pub:              pub,
		rotationInterval: 24 * time.Hour,
		notifyCh:         make(chan struct{}, 1),
		stopCh:           make(chan struct{}),
		log:              logger.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(dist)
	}
	return dist, nil
}

func (d *RuleBundleDistributor) Start(ctx context.Context) {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.rotationInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-d.stopCh:
				return
			case <-d.notifyCh:
				if err := d.distribute(ctx); err != nil {
					d.log.Error("bundle distribution failed", "error", err.Error())
				}
			case <-ticker.C:
				if err := d.RotateSigningKey(); err != nil {
					d.log.Error("bundle key rotation failed", "error", err.Error())
				}
			}
		}
	}()
}

func (d *RuleBundleDistributor) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = false
	d.mu.Unlock()

	close(d.stopCh)
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// NotifyRuleChange schedules a redistribution. Coalesces bursts.
func (d *RuleBundleDistributor) NotifyRuleChange() {
	select {
	case d.notifyCh <- struct{}{}:
	default:
	}
}

func (d *RuleBundleDistributor) RegisterSubscriber(sub BundleSubscriber) {
	if sub == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscribers = append(d.subscribers, sub)
}

func (d *RuleBundleDistributor) RotateSigningKey() error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.priv = priv
	d.pub = pub
	d.mu.Unlock()
	return nil
}

func (d *RuleBundleDistributor) CurrentPublicKey() ed25519.PublicKey {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append(ed25519.PublicKey(nil), d.pub...)
}

func (d *RuleBundleDistributor) distribute(ctx context.Context) error {
	rules, err := d.ruleStore.ListRules(ctx)
	if err != nil {
		return err
	}
	d.mu.RLock()
	priv := d.priv
	pub := d.pub
	subs := make([]BundleSubscriber, len(d.subscribers))
	copy(subs, d.subscribers)
	d.mu.RUnlock()

	bundle, err := SignBundle(priv, rules)
	if err != nil {
		return err
	}
	bundle.Meta = map[string]any{
		"generated_at": time.Now().UTC().Format(time.RFC3339Nano),
		"signing_key":  base64.StdEncoding.EncodeToString(pub),
	}

	for _, sub := range subs {
		if err := sub.OnBundle(ctx, append(ed25519.PublicKey(nil), pub...), bundle); err != nil {
			d.log.Error("bundle subscriber error", "error", err.Error())
		}
	}
	return nil
}
