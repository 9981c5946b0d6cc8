package rbac

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/oarkflow/rbac/logger"
)

// ============================================================================
// ZERO TRUST ENGINE
// ============================================================================

// TrustLevel is the ladder a session climbs through verification. New
// sessions always start at TrustUntrusted regardless of what their first
// verification pass observed.
type TrustLevel int

const (
	TrustUntrusted TrustLevel = iota
	TrustLow
	TrustMedium
	TrustHigh
	TrustVerified
)

func (t TrustLevel) String() string {
	switch t {
	case TrustUntrusted:
		return "untrusted"
	case TrustLow:
		return "low"
	case TrustMedium:
		return "medium"
	case TrustHigh:
		return "high"
	case TrustVerified:
		return "verified"
	}
	return "unknown"
}

// SecurityZone segments the network by sensitivity.
type SecurityZone string

const (
	ZoneDMZ        SecurityZone = "dmz"
	ZoneInternal   SecurityZone = "internal"
	ZoneRestricted SecurityZone = "restricted"
	ZoneCritical   SecurityZone = "critical"
	ZoneAdmin      SecurityZone = "admin"
)

// SecurityContext is the per-session verification state. Fields are exported
// so session stores can round-trip it as JSON.
type SecurityContext struct {
	SessionID        string       `json:"session_id"`
	UserID           string       `json:"user_id"`
	DeviceID         string       `json:"device_id"`
	IPAddress        string       `json:"ip_address"`
	UserAgent        string       `json:"user_agent,omitempty"`
	TrustLevel       TrustLevel   `json:"trust_level"`
	Zone             SecurityZone `json:"zone"`
	MFAVerified      bool         `json:"mfa_verified"`
	DeviceVerified   bool         `json:"device_verified"`
	LocationVerified bool         `json:"location_verified"`
	BehaviorNormal   bool         `json:"behavior_normal"`
	RiskScore        float64      `json:"risk_score"`
	CreatedAt        time.Time    `json:"created_at"`
	LastVerified     time.Time    `json:"last_verified"`

	// InitialCreation marks a context that has not yet been through a
	// continuous verification pass. The first pass consumes it.
	InitialCreation bool `json:"initial_creation"`
}

// SessionStore persists security contexts between verification passes.
type SessionStore interface {
	SaveContext(ctx context.Context, sc *SecurityContext) error
	GetContext(ctx context.Context, sessionID string) (*SecurityContext, error)
	DeleteContext(ctx context.Context, sessionID string) error
}

// ZeroTrustPolicy is a named gate an operation must pass. ReverifyInterval
// bounds how stale a session's verification may be before access through
// this policy forces a fresh pass; zero means every access re-verifies.
type ZeroTrustPolicy struct {
	Name             string         `json:"name" yaml:"name"`
	MinTrustLevel    TrustLevel     `json:"min_trust_level" yaml:"min_trust_level"`
	AllowedZones     []SecurityZone `json:"allowed_zones" yaml:"allowed_zones"`
	MaxRiskScore     float64        `json:"max_risk_score" yaml:"max_risk_score"`
	RequireMFA       bool           `json:"require_mfa" yaml:"require_mfa"`
	RequireDevice    bool           `json:"require_device" yaml:"require_device"`
	RequireLocation  bool           `json:"require_location" yaml:"require_location"`
	MaxSessionAge    time.Duration  `json:"max_session_age" yaml:"max_session_age"`
	ReverifyInterval time.Duration  `json:"reverify_interval" yaml:"reverify_interval"`
}

// Evaluate reports whether the context satisfies the policy, with a reason
// on refusal.
func (p *ZeroTrustPolicy) Evaluate(sc *SecurityContext, now time.Time) (bool, string) {
	if sc.TrustLevel < p.MinTrustLevel {
		return false, fmt.Sprintf("trust level %s below required %s", sc.TrustLevel, p.MinTrustLevel)
	}
	if len(p.AllowedZones) > 0 {
		allowed := false
		for _, z := range p.AllowedZones {
			if sc.Zone == z {
				allowed = true
				break
			}
		}
		if !allowed {
			return false, fmt.Sprintf("zone %s not allowed", sc.Zone)
		}
	}
	if p.MaxRiskScore > 0 && sc.RiskScore > p.MaxRiskScore {
		return false, fmt.Sprintf("risk score %.2f exceeds %.2f", sc.RiskScore, p.MaxRiskScore)
	}
	if p.RequireMFA && !sc.MFAVerified {
		return false, "mfa required"
	}
	if p.RequireDevice && !sc.DeviceVerified {
		return false, "verified device required"
	}
	if p.RequireLocation && !sc.LocationVerified {
		return false, "verified location required"
	}
	if p.MaxSessionAge > 0 && now.Sub(sc.CreatedAt) > p.MaxSessionAge {
		return false, "session too old"
	}
	return true, "ok"
}

// ============================================================================
// VERIFIERS
// ============================================================================

// Verifier performs one independent check on a security context. A verifier
// that errors or exceeds the engine's timeout counts as a failed check,
// never as a passed one.
type Verifier interface {
	ID() string
	Verify(ctx context.Context, sc *SecurityContext) (bool, error)
}

// KnownDeviceVerifier checks the device against an enrollment list.
type KnownDeviceVerifier struct {
	mu      sync.RWMutex
	devices map[string]struct{}
}

func NewKnownDeviceVerifier(deviceIDs ...string) *KnownDeviceVerifier {
	v := &KnownDeviceVerifier{devices: make(map[string]struct{}, len(deviceIDs))}
	for _, id := range deviceIDs {
		v.devices[id] = struct{}{}
	}
	return v
}

func (v *KnownDeviceVerifier) ID() string { return "known_device" }

func (v *KnownDeviceVerifier) Verify(_ context.Context, sc *SecurityContext) (bool, error) {
	if sc.DeviceID == "" {
		return false, nil
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.devices[sc.DeviceID]
	return ok, nil
}

// Enroll registers a device as known.
func (v *KnownDeviceVerifier) Enroll(deviceID string) {
	v.mu.Lock()
	v.devices[deviceID] = struct{}{}
	v.mu.Unlock()
}

// Revoke removes a device from the enrollment list.
func (v *KnownDeviceVerifier) Revoke(deviceID string) {
	v.mu.Lock()
	delete(v.devices, deviceID)
	v.mu.Unlock()
}

// TrustedNetworkVerifier checks the session's source address against a set
// of trusted CIDR ranges.
type TrustedNetworkVerifier struct {
	networks []*net.IPNet
}

func NewTrustedNetworkVerifier(cidrs ...string) (*TrustedNetworkVerifier, error) {
	v := &TrustedNetworkVerifier{networks: make([]*net.IPNet, 0, len(cidrs))}
	for _, c := range cidrs {
		_, ipnet, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("trusted network %q: %w", c, err)
		}
		v.networks = append(v.networks, ipnet)
	}
	return v, nil
}

func (v *TrustedNetworkVerifier) ID() string { return "trusted_network" }

func (v *TrustedNetworkVerifier) Verify(_ context.Context, sc *SecurityContext) (bool, error) {
	ip := net.ParseIP(sc.IPAddress)
	if ip == nil {
		return false, nil
	}
	for _, n := range v.networks {
		if n.Contains(ip) {
			return true, nil
		}
	}
	return false, nil
}

// WorkingHoursVerifier treats activity inside the configured hour window as
// normal behavior. StartHour is inclusive, EndHour exclusive, both 0..24 in
// the given location; a window that wraps midnight is supported.
type WorkingHoursVerifier struct {
	StartHour int
	EndHour   int
	Location  *time.Location
	now       func() time.Time
}

func NewWorkingHoursVerifier(startHour, endHour int, loc *time.Location) *WorkingHoursVerifier {
	if loc == nil {
		loc = time.UTC
	}
	return &WorkingHoursVerifier{StartHour: startHour, EndHour: endHour, Location: loc, now: time.Now}
}

func (v *WorkingHoursVerifier) ID() string { return "working_hours" }

func (v *WorkingHoursVerifier) Verify(_ context.Context, _ *SecurityContext) (bool, error) {
	hour := v.now().In(v.Location).Hour()
	if v.StartHour <= v.EndHour {
		return hour >= v.StartHour && hour < v.EndHour, nil
	}
	return hour >= v.StartHour || hour < v.EndHour, nil
}

// ============================================================================
// ENGINE
// ============================================================================

// DefaultVerifyTimeout bounds each individual verifier call.
const DefaultVerifyTimeout = 5 * time.Second

// ZeroTrustEngine continuously re-verifies sessions. Device, location and
// behavior checks are pluggable; their outcomes drive the trust level, zone
// assignment and risk score of the session. All verification for one session
// is serialized by a per-session lock.
type ZeroTrustEngine struct {
	sessions SessionStore
	device   Verifier
	location Verifier
	behavior Verifier

	policyMu sync.RWMutex
	policies map[string]*ZeroTrustPolicy

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	audit         *AuditTrail
	log           logger.Logger
	verifyTimeout time.Duration
	now           func() time.Time
}

type ZeroTrustOption func(*ZeroTrustEngine)

// WithDeviceVerifier sets the device check.
func WithDeviceVerifier(v Verifier) ZeroTrustOption {
	return func(e *ZeroTrustEngine) { e.device = v }
}

// WithLocationVerifier sets the location check.
func WithLocationVerifier(v Verifier) ZeroTrustOption {
	return func(e *ZeroTrustEngine) { e.location = v }
}

// WithBehaviorVerifier sets the behavior check.
func WithBehaviorVerifier(v Verifier) ZeroTrustOption {
	return func(e *ZeroTrustEngine) { e.behavior = v }
}

// WithZeroTrustAudit records verification outcomes on the audit trail.
func WithZeroTrustAudit(at *AuditTrail) ZeroTrustOption {
	return func(e *ZeroTrustEngine) { e.audit = at }
}

// WithVerifyTimeout bounds each verifier call.
func WithVerifyTimeout(d time.Duration) ZeroTrustOption {
	return func(e *ZeroTrustEngine) {
		if d > 0 {
			e.verifyTimeout = d
		}
	}
}

// WithZeroTrustLogger installs a logger on the engine.
func WithZeroTrustLogger(l logger.Logger) ZeroTrustOption {
	return func(e *ZeroTrustEngine) {
		if l != nil {
			e.log = l
		}
	}
}

func NewZeroTrustEngine(sessions SessionStore, opts ...ZeroTrustOption) *ZeroTrustEngine {
	e := &ZeroTrustEngine{
		sessions:      sessions,
		policies:      make(map[string]*ZeroTrustPolicy),
		locks:         make(map[string]*sync.Mutex),
		log:           logger.NewNullLogger(),
		verifyTimeout: DefaultVerifyTimeout,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterPolicy installs or replaces a named policy.
func (e *ZeroTrustEngine) RegisterPolicy(p *ZeroTrustPolicy) {
	e.policyMu.Lock()
	e.policies[p.Name] = p
	e.policyMu.Unlock()
}

func (e *ZeroTrustEngine) policy(name string) (*ZeroTrustPolicy, bool) {
	e.policyMu.RLock()
	defer e.policyMu.RUnlock()
	p, ok := e.policies[name]
	return p, ok
}

func (e *ZeroTrustEngine) sessionLock(sessionID string) *sync.Mutex {
	e.lockMu.Lock()
	defer e.lockMu.Unlock()
	l, ok := e.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[sessionID] = l
	}
	return l
}

// CreateSecurityContext registers a new session. Verifiers run once to
// populate the check flags and the initial risk score, but the context is
// always admitted at TrustUntrusted in the DMZ: trust is earned through
// continuous verification, never granted on arrival.
func (e *ZeroTrustEngine) CreateSecurityContext(ctx context.Context, sessionID, userID, deviceID, ipAddress, userAgent string) (*SecurityContext, error) {
	if sessionID == "" {
		return nil, &ValidationError{Field: "session_id", Reason: "required"}
	}
	lock := e.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	now := e.now().UTC()
	sc := &SecurityContext{
		SessionID:       sessionID,
		UserID:          userID,
		DeviceID:        deviceID,
		IPAddress:       ipAddress,
		UserAgent:       userAgent,
		CreatedAt:       now,
		LastVerified:    now,
		InitialCreation: true,
	}
	e.runChecks(ctx, sc)
	sc.TrustLevel = TrustUntrusted
	sc.Zone = ZoneDMZ
	sc.RiskScore = e.riskScore(sc, now)

	if err := e.sessions.SaveContext(ctx, sc); err != nil {
		return nil, err
	}
	e.record(ctx, sc, "security context created", SeverityInfo)
	return sc, nil
}

// ContinuousVerify re-runs all checks for the session and recomputes its
// trust level, zone and risk score. The first pass after creation consumes
// the InitialCreation flag.
func (e *ZeroTrustEngine) ContinuousVerify(ctx context.Context, sessionID string) (*SecurityContext, error) {
	lock := e.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sc, err := e.sessions.GetContext(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	e.runChecks(ctx, sc)
	sc.TrustLevel, sc.Zone = trustOutcome(sc)
	sc.LastVerified = now
	sc.InitialCreation = false
	sc.RiskScore = e.riskScore(sc, now)

	if err := e.sessions.SaveContext(ctx, sc); err != nil {
		return nil, err
	}
	sev := SeverityInfo
	if sc.TrustLevel == TrustUntrusted {
		sev = SeverityWarning
	}
	e.record(ctx, sc, "continuous verification completed", sev)
	return sc, nil
}

// VerifyAccess gates an operation on a named policy. A session whose last
// verification is older than the policy's re-verification interval, or that
// still carries the initial creation flag, is re-verified first; a fresher
// session is evaluated as stored. Every failure mode (unknown session,
// unknown policy, store error) refuses access.
func (e *ZeroTrustEngine) VerifyAccess(ctx context.Context, sessionID, policyName, operation string) bool {
	p, ok := e.policy(policyName)
	if !ok {
		e.log.Warn("access refused for unknown policy", "policy", policyName, "session", sessionID)
		return false
	}
	sc, err := e.sessions.GetContext(ctx, sessionID)
	if err != nil {
		e.log.Warn("access refused: unknown session", "session", sessionID, "error", err.Error())
		return false
	}
	if sc.InitialCreation || p.ReverifyInterval <= 0 || e.now().UTC().Sub(sc.LastVerified) > p.ReverifyInterval {
		sc, err = e.ContinuousVerify(ctx, sessionID)
		if err != nil {
			e.log.Warn("access refused: verification failed", "session", sessionID, "error", err.Error())
			return false
		}
	}
	allowed, reason := p.Evaluate(sc, e.now().UTC())
	if !allowed {
		e.log.Info("zero trust policy refused operation",
			"session", sessionID, "policy", policyName, "operation", operation, "reason", reason)
		e.record(ctx, sc, fmt.Sprintf("operation %s refused by policy %s: %s", operation, policyName, reason), SeverityWarning)
	}
	return allowed
}

// EndSession removes the session context and its lock.
func (e *ZeroTrustEngine) EndSession(ctx context.Context, sessionID string) error {
	lock := e.sessionLock(sessionID)
	lock.Lock()
	err := e.sessions.DeleteContext(ctx, sessionID)
	lock.Unlock()

	e.lockMu.Lock()
	delete(e.locks, sessionID)
	e.lockMu.Unlock()
	return err
}

// runChecks executes the configured verifiers and records their outcomes on
// the context. A missing verifier leaves its flag false.
func (e *ZeroTrustEngine) runChecks(ctx context.Context, sc *SecurityContext) {
	sc.DeviceVerified = e.runVerifier(ctx, e.device, sc)
	sc.LocationVerified = e.runVerifier(ctx, e.location, sc)
	sc.BehaviorNormal = e.runVerifier(ctx, e.behavior, sc)
}

// runVerifier applies the verification timeout. Timeout and error both
// count as a failed check.
func (e *ZeroTrustEngine) runVerifier(ctx context.Context, v Verifier, sc *SecurityContext) bool {
	if v == nil {
		return false
	}
	vctx, cancel := context.WithTimeout(ctx, e.verifyTimeout)
	defer cancel()

	type result struct {
		ok  bool
		err error
	}
	ch := make(chan result, 1)
	go func() {
		ok, err := v.Verify(vctx, sc)
		ch <- result{ok, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			e.log.Warn("verifier failed", "verifier", v.ID(), "session", sc.SessionID, "error", r.err.Error())
			return false
		}
		return r.ok
	case <-vctx.Done():
		e.log.Warn("verifier timed out", "verifier", v.ID(), "session", sc.SessionID)
		return false
	}
}

// trustOutcome maps check outcomes to a trust level and zone.
func trustOutcome(sc *SecurityContext) (TrustLevel, SecurityZone) {
	allChecks := sc.DeviceVerified && sc.LocationVerified && sc.BehaviorNormal
	switch {
	case allChecks && sc.MFAVerified:
		return TrustVerified, ZoneInternal
	case allChecks:
		return TrustHigh, ZoneInternal
	case sc.DeviceVerified && (sc.LocationVerified || sc.BehaviorNormal):
		return TrustMedium, ZoneRestricted
	case sc.DeviceVerified || sc.LocationVerified:
		return TrustLow, ZoneDMZ
	default:
		return TrustUntrusted, ZoneDMZ
	}
}

var trustLevelRisk = map[TrustLevel]float64{
	TrustUntrusted: 1.0,
	TrustLow:       0.75,
	TrustMedium:    0.5,
	TrustHigh:      0.25,
	TrustVerified:  0.0,
}

// riskScore combines the trust level with failed-check penalties and
// verification staleness, clamped to [0, 1]. The time term grows with hours
// since the last verification pass, not with session age, so a session that
// just re-verified carries no staleness penalty however old it is.
func (e *ZeroTrustEngine) riskScore(sc *SecurityContext, now time.Time) float64 {
	risk := trustLevelRisk[sc.TrustLevel]
	if !sc.DeviceVerified {
		risk += 0.3
	}
	if !sc.LocationVerified {
		risk += 0.2
	}
	if !sc.MFAVerified {
		risk += 0.4
	}
	staleHours := now.Sub(sc.LastVerified).Hours()
	stalePenalty := staleHours * 0.1
	if stalePenalty > 0.5 {
		stalePenalty = 0.5
	}
	if stalePenalty < 0 {
		stalePenalty = 0
	}
	risk += stalePenalty
	if risk > 1 {
		risk = 1
	}
	if risk < 0 {
		risk = 0
	}
	return risk
}

// ConfirmMFA marks the session as MFA-verified and immediately re-verifies.
func (e *ZeroTrustEngine) ConfirmMFA(ctx context.Context, sessionID string) (*SecurityContext, error) {
	lock := e.sessionLock(sessionID)
	lock.Lock()
	sc, err := e.sessions.GetContext(ctx, sessionID)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	sc.MFAVerified = true
	err = e.sessions.SaveContext(ctx, sc)
	lock.Unlock()
	if err != nil {
		return nil, err
	}
	return e.ContinuousVerify(ctx, sessionID)
}

func (e *ZeroTrustEngine) record(ctx context.Context, sc *SecurityContext, msg string, sev Severity) {
	if e.audit == nil {
		return
	}
	err := e.audit.AppendEvent(ctx, &AuditEvent{
		EventType: EventContinuousVerification,
		Severity:  sev,
		UserID:    sc.UserID,
		Message:   msg,
		Context: map[string]any{
			"session_id":  sc.SessionID,
			"trust_level": sc.TrustLevel.String(),
			"zone":        string(sc.Zone),
			"risk_score":  sc.RiskScore,
		},
	})
	if err != nil {
		e.log.Error("audit append failed", "session", sc.SessionID, "error", err.Error())
	}
}
