package rbac

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"
)

// ============================================================================
// CONFIGURATION
// ============================================================================

// Config is a declarative snapshot of the engine: permissions, roles,
// subjects, policy rules and zero trust policies, plus engine tuning.
type Config struct {
	Version           uint16             `json:"version" yaml:"version"`
	Permissions       []*Permission      `json:"permissions" yaml:"permissions"`
	Roles             []*Role            `json:"roles" yaml:"roles"`
	Subjects          []*Subject         `json:"subjects" yaml:"subjects"`
	Rules             []*PolicyRule      `json:"rules" yaml:"rules"`
	ZeroTrustPolicies []*ZeroTrustPolicy `json:"zero_trust_policies,omitempty" yaml:"zero_trust_policies,omitempty"`
	Engine            EngineConfig       `json:"engine" yaml:"engine"`
}

type EngineConfig struct {
	DecisionCacheTTL    int64 `json:"decision_cache_ttl_ms" yaml:"decision_cache_ttl_ms"`
	RuleCacheTTL        int64 `json:"rule_cache_ttl_ms" yaml:"rule_cache_ttl_ms"`
	RistrettoNumCounter int64 `json:"ristretto_num_counter" yaml:"ristretto_num_counter"`
	RistrettoMaxCost    int64 `json:"ristretto_max_cost" yaml:"ristretto_max_cost"`
	MaxConditionLength  int   `json:"max_condition_length" yaml:"max_condition_length"`
}

// ConfigLoader loads configuration from various formats
type ConfigLoader struct{}

func NewConfigLoader() *ConfigLoader {
	return &ConfigLoader{}
}

func (l *ConfigLoader) LoadYAML(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *ConfigLoader) LoadJSON(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadBinary loads from the compact binary format
func (l *ConfigLoader) LoadBinary(data []byte) (*Config, error) {
	r := bytes.NewReader(data)
	return decodeBinaryConfig(r)
}

// EncodeBinaryConfig encodes config to the compact binary format
func EncodeBinaryConfig(cfg *Config) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := encodeBinaryConfig(cfg, buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ToYAML exports config to YAML
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// ToJSON exports config to JSON
func (c *Config) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// Validate checks referential integrity: roles must reference existing
// permissions and parents, subjects must reference existing roles, and rule
// conditions must parse. maxCondition of 0 uses the default length limit.
func (c *Config) Validate(maxCondition int) []error {
	var errs []error

	perms := make(map[string]struct{}, len(c.Permissions))
	for _, p := range c.Permissions {
		if p.ID == "" {
			errs = append(errs, fmt.Errorf("permission with empty id"))
			continue
		}
		if _, dup := perms[p.ID]; dup {
			errs = append(errs, fmt.Errorf("duplicate permission id %q", p.ID))
		}
		perms[p.ID] = struct{}{}
	}

	roles := make(map[string]struct{}, len(c.Roles))
	for _, r := range c.Roles {
		if r.ID == "" {
			errs = append(errs, fmt.Errorf("role with empty id"))
			continue
		}
		if _, dup := roles[r.ID]; dup {
			errs = append(errs, fmt.Errorf("duplicate role id %q", r.ID))
		}
		roles[r.ID] = struct{}{}
	}
	for _, r := range c.Roles {
		for _, pid := range r.Permissions {
			if _, ok := perms[pid]; !ok {
				errs = append(errs, fmt.Errorf("role %q references unknown permission %q", r.ID, pid))
			}
		}
		for _, parent := range r.Parents {
			if _, ok := roles[parent]; !ok {
				errs = append(errs, fmt.Errorf("role %q references unknown parent %q", r.ID, parent))
			}
		}
	}

	for _, s := range c.Subjects {
		if s.ID == "" {
			errs = append(errs, fmt.Errorf("subject with empty id"))
			continue
		}
		for _, rid := range s.Roles {
			if _, ok := roles[rid]; !ok {
				errs = append(errs, fmt.Errorf("subject %q references unknown role %q", s.ID, rid))
			}
		}
	}

	exprOpts := []ExprOption{}
	if maxCondition > 0 {
		exprOpts = append(exprOpts, WithMaxExpressionLength(maxCondition))
	}
	eval := NewExpressionEvaluator(exprOpts...)
	ruleIDs := make(map[string]struct{}, len(c.Rules))
	for _, rule := range c.Rules {
		if rule.ID == "" {
			errs = append(errs, fmt.Errorf("rule with empty id"))
			continue
		}
		if _, dup := ruleIDs[rule.ID]; dup {
			errs = append(errs, fmt.Errorf("duplicate rule id %q", rule.ID))
		}
		ruleIDs[rule.ID] = struct{}{}
		if rule.Effect != EffectPermit && rule.Effect != EffectDeny {
			errs = append(errs, fmt.Errorf("rule %q: effect must be permit or deny", rule.ID))
		}
		if err := eval.Validate(rule.Condition); err != nil {
			errs = append(errs, fmt.Errorf("rule %q: %w", rule.ID, err))
		}
	}
	return errs
}

// ApplyConfig loads the snapshot into the manager's stores. Existing records
// with the same IDs are updated where the store supports it.
func (m *Manager) ApplyConfig(ctx context.Context, cfg *Config) error {
	for _, p := range cfg.Permissions {
		if _, err := m.perms.GetPermission(ctx, p.ID); err != nil {
			if err := m.perms.CreatePermission(ctx, p); err != nil {
				return fmt.Errorf("create permission %s: %w", p.ID, err)
			}
		}
	}
	for _, r := range cfg.Roles {
		if _, err := m.roles.GetRole(ctx, r.ID); err != nil {
			if err := m.roles.CreateRole(ctx, r); err != nil {
				return fmt.Errorf("create role %s: %w", r.ID, err)
			}
		} else if err := m.roles.UpdateRole(ctx, r); err != nil {
			return fmt.Errorf("update role %s: %w", r.ID, err)
		}
	}
	for _, s := range cfg.Subjects {
		if _, err := m.subjects.GetSubject(ctx, s.ID); err != nil {
			if err := m.subjects.CreateSubject(ctx, s); err != nil {
				return fmt.Errorf("create subject %s: %w", s.ID, err)
			}
		} else if err := m.subjects.UpdateSubject(ctx, s); err != nil {
			return fmt.Errorf("update subject %s: %w", s.ID, err)
		}
	}
	for _, rule := range cfg.Rules {
		if err := m.policies.ValidateRule(rule); err != nil {
			return fmt.Errorf("rule %s: %w", rule.ID, err)
		}
		if _, err := m.rules.GetRule(ctx, rule.ID); err != nil {
			if err := m.rules.CreateRule(ctx, rule); err != nil {
				return fmt.Errorf("create rule %s: %w", rule.ID, err)
			}
		} else if err := m.rules.UpdateRule(ctx, rule); err != nil {
			return fmt.Errorf("update rule %s: %w", rule.ID, err)
		}
	}
	if m.zeroTrust != nil {
		for _, p := range cfg.ZeroTrustPolicies {
			m.zeroTrust.RegisterPolicy(p)
		}
	}
	if err := m.policies.Reload(ctx); err != nil {
		return err
	}
	m.InvalidateCaches()
	return nil
}

// Binary protocol encoding/decoding
const (
	binaryMagic   = 0x5242 // "RB"
	binaryVersion = 1
)

func encodeBinaryConfig(cfg *Config, w io.Writer) error {
	buf := &bytes.Buffer{}

	// Header: magic(2) + version(2) + config_version(2)
	binary.Write(buf, binary.LittleEndian, uint16(binaryMagic))
	binary.Write(buf, binary.LittleEndian, uint16(binaryVersion))
	binary.Write(buf, binary.LittleEndian, cfg.Version)

	writeSection(buf, 0x01, func(b *bytes.Buffer) { encodeConfigPermissions(b, cfg.Permissions) })
	writeSection(buf, 0x02, func(b *bytes.Buffer) { encodeConfigRoles(b, cfg.Roles) })
	writeSection(buf, 0x03, func(b *bytes.Buffer) { encodeConfigSubjects(b, cfg.Subjects) })
	writeSection(buf, 0x04, func(b *bytes.Buffer) { encodeConfigRules(b, cfg.Rules) })
	writeSection(buf, 0x05, func(b *bytes.Buffer) { encodeConfigZTPolicies(b, cfg.ZeroTrustPolicies) })
	writeSection(buf, 0x06, func(b *bytes.Buffer) { encodeEngineConfig(b, &cfg.Engine) })

	_, err := w.Write(buf.Bytes())
	return err
}

func decodeBinaryConfig(r io.Reader) (*Config, error) {
	cfg := &Config{}

	var magic, ver, cfgVer uint16
	binary.Read(r, binary.LittleEndian, &magic)
	binary.Read(r, binary.LittleEndian, &ver)
	binary.Read(r, binary.LittleEndian, &cfgVer)

	if magic != binaryMagic {
		return nil, fmt.Errorf("invalid magic: %x", magic)
	}
	if ver != binaryVersion {
		return nil, fmt.Errorf("unsupported version: %d", ver)
	}
	cfg.Version = cfgVer

	for {
		var tag uint8
		if err := binary.Read(r, binary.LittleEndian, &tag); err == io.EOF {
			break
		} else if err != nil {
			return nil, err
		}

		var size uint32
		binary.Read(r, binary.LittleEndian, &size)
		data := make([]byte, size)
		io.ReadFull(r, data)

		switch tag {
		case 0x01:
			cfg.Permissions = decodeConfigPermissions(data)
		case 0x02:
			cfg.Roles = decodeConfigRoles(data)
		case 0x03:
			cfg.Subjects = decodeConfigSubjects(data)
		case 0x04:
			cfg.Rules = decodeConfigRules(data)
		case 0x05:
			cfg.ZeroTrustPolicies = decodeConfigZTPolicies(data)
		case 0x06:
			cfg.Engine = decodeEngineConfig(data)
		}
	}

	return cfg, nil
}

func writeSection(buf *bytes.Buffer, tag uint8, fn func(*bytes.Buffer)) {
	tmp := &bytes.Buffer{}
	fn(tmp)
	binary.Write(buf, binary.LittleEndian, tag)
	binary.Write(buf, binary.LittleEndian, uint32(tmp.Len()))
	buf.Write(tmp.Bytes())
}

func writeString(buf *bytes.Buffer, s string) {
	binary.Write(buf, binary.LittleEndian, uint16(len(s)))
	buf.WriteString(s)
}

func readString(r *bytes.Reader) string {
	var l uint16
	binary.Read(r, binary.LittleEndian, &l)
	b := make([]byte, l)
	r.Read(b)
	return string(b)
}

func writeStringSlice(buf *bytes.Buffer, ss []string) {
	binary.Write(buf, binary.LittleEndian, uint16(len(ss)))
	for _, s := range ss {
		writeString(buf, s)
	}
}

func readStringSlice(r *bytes.Reader) []string {
	var count uint16
	binary.Read(r, binary.LittleEndian, &count)
	out := make([]string, count)
	for i := range out {
		out[i] = readString(r)
	}
	return out
}

func encodeConfigPermissions(buf *bytes.Buffer, perms []*Permission) {
	binary.Write(buf, binary.LittleEndian, uint16(len(perms)))
	for _, p := range perms {
		writeString(buf, p.ID)
		writeString(buf, p.Resource)
		writeString(buf, p.Action)
		writeString(buf, string(p.Scope))
		writeString(buf, p.Description)
		condJSON, _ := json.Marshal(p.Conditions)
		writeString(buf, string(condJSON))
	}
}

func decodeConfigPermissions(data []byte) []*Permission {
	r := bytes.NewReader(data)
	var count uint16
	binary.Read(r, binary.LittleEndian, &count)
	perms := make([]*Permission, count)
	for i := range perms {
		p := &Permission{}
		p.ID = readString(r)
		p.Resource = readString(r)
		p.Action = readString(r)
		p.Scope = PermissionScope(readString(r))
		p.Description = readString(r)
		condStr := readString(r)
		if condStr != "" && condStr != "null" {
			json.Unmarshal([]byte(condStr), &p.Conditions)
		}
		p.CreatedAt = time.Now()
		perms[i] = p
	}
	return perms
}

func encodeConfigRoles(buf *bytes.Buffer, roles []*Role) {
	binary.Write(buf, binary.LittleEndian, uint16(len(roles)))
	for _, role := range roles {
		writeString(buf, role.ID)
		writeString(buf, role.Name)
		writeString(buf, role.Description)
		writeStringSlice(buf, role.Permissions)
		writeStringSlice(buf, role.Parents)
	}
}

func decodeConfigRoles(data []byte) []*Role {
	r := bytes.NewReader(data)
	var count uint16
	binary.Read(r, binary.LittleEndian, &count)
	roles := make([]*Role, count)
	for i := range roles {
		role := &Role{}
		role.ID = readString(r)
		role.Name = readString(r)
		role.Description = readString(r)
		role.Permissions = readStringSlice(r)
		role.Parents = readStringSlice(r)
		role.CreatedAt = time.Now()
		roles[i] = role
	}
	return roles
}

func encodeConfigSubjects(buf *bytes.Buffer, subjects []*Subject) {
	binary.Write(buf, binary.LittleEndian, uint16(len(subjects)))
	for _, s := range subjects {
		writeString(buf, s.ID)
		writeString(buf, string(s.Kind))
		writeStringSlice(buf, s.Roles)
		attrJSON, _ := json.Marshal(s.Attributes)
		writeString(buf, string(attrJSON))
	}
}

func decodeConfigSubjects(data []byte) []*Subject {
	r := bytes.NewReader(data)
	var count uint16
	binary.Read(r, binary.LittleEndian, &count)
	subjects := make([]*Subject, count)
	for i := range subjects {
		s := &Subject{}
		s.ID = readString(r)
		s.Kind = SubjectKind(readString(r))
		s.Roles = readStringSlice(r)
		attrStr := readString(r)
		if attrStr != "" && attrStr != "null" {
			json.Unmarshal([]byte(attrStr), &s.Attributes)
		}
		s.CreatedAt = time.Now()
		subjects[i] = s
	}
	return subjects
}

func encodeConfigRules(buf *bytes.Buffer, rules []*PolicyRule) {
	binary.Write(buf, binary.LittleEndian, uint16(len(rules)))
	for _, rule := range rules {
		writeString(buf, rule.ID)
		writeString(buf, rule.Name)
		writeString(buf, rule.Condition)
		buf.WriteByte(map[Effect]byte{EffectPermit: 1, EffectDeny: 2}[rule.Effect])
		binary.Write(buf, binary.LittleEndian, int32(rule.Priority))
		buf.WriteByte(map[bool]byte{true: 1, false: 0}[rule.Active])
	}
}

func decodeConfigRules(data []byte) []*PolicyRule {
	r := bytes.NewReader(data)
	var count uint16
	binary.Read(r, binary.LittleEndian, &count)
	rules := make([]*PolicyRule, count)
	for i := range rules {
		rule := &PolicyRule{}
		rule.ID = readString(r)
		rule.Name = readString(r)
		rule.Condition = readString(r)
		eff, _ := r.ReadByte()
		rule.Effect = map[byte]Effect{1: EffectPermit, 2: EffectDeny}[eff]
		var pri int32
		binary.Read(r, binary.LittleEndian, &pri)
		rule.Priority = int(pri)
		act, _ := r.ReadByte()
		rule.Active = act == 1
		rule.CreatedAt = time.Now()
		rule.UpdatedAt = time.Now()
		rules[i] = rule
	}
	return rules
}

func encodeConfigZTPolicies(buf *bytes.Buffer, policies []*ZeroTrustPolicy) {
	binary.Write(buf, binary.LittleEndian, uint16(len(policies)))
	for _, p := range policies {
		writeString(buf, p.Name)
		binary.Write(buf, binary.LittleEndian, int32(p.MinTrustLevel))
		binary.Write(buf, binary.LittleEndian, uint16(len(p.AllowedZones)))
		for _, z := range p.AllowedZones {
			writeString(buf, string(z))
		}
		binary.Write(buf, binary.LittleEndian, p.MaxRiskScore)
		buf.WriteByte(map[bool]byte{true: 1, false: 0}[p.RequireMFA])
		buf.WriteByte(map[bool]byte{true: 1, false: 0}[p.RequireDevice])
		buf.WriteByte(map[bool]byte{true: 1, false: 0}[p.RequireLocation])
		binary.Write(buf, binary.LittleEndian, int64(p.MaxSessionAge))
		binary.Write(buf, binary.LittleEndian, int64(p.ReverifyInterval))
	}
}

func decodeConfigZTPolicies(data []byte) []*ZeroTrustPolicy {
	r := bytes.NewReader(data)
	var count uint16
	binary.Read(r, binary.LittleEndian, &count)
	policies := make([]*ZeroTrustPolicy, count)
	for i := range policies {
		p := &ZeroTrustPolicy{}
		p.Name = readString(r)
		var lvl int32
		binary.Read(r, binary.LittleEndian, &lvl)
		p.MinTrustLevel = TrustLevel(lvl)
		var zoneCount uint16
		binary.Read(r, binary.LittleEndian, &zoneCount)
		p.AllowedZones = make([]SecurityZone, zoneCount)
		for j := range p.AllowedZones {
			p.AllowedZones[j] = SecurityZone(readString(r))
		}
		binary.Read(r, binary.LittleEndian, &p.MaxRiskScore)
		mfa, _ := r.ReadByte()
		p.RequireMFA = mfa == 1
		dev, _ := r.ReadByte()
		p.RequireDevice = dev == 1
		loc, _ := r.ReadByte()
		p.RequireLocation = loc == 1
		var age, reverify int64
		binary.Read(r, binary.LittleEndian, &age)
		p.MaxSessionAge = time.Duration(age)
		binary.Read(r, binary.LittleEndian, &reverify)
		p.ReverifyInterval = time.Duration(reverify)
		policies[i] = p
	}
	return policies
}

func encodeEngineConfig(buf *bytes.Buffer, cfg *EngineConfig) {
	binary.Write(buf, binary.LittleEndian, cfg.DecisionCacheTTL)
	binary.Write(buf, binary.LittleEndian, cfg.RuleCacheTTL)
	binary.Write(buf, binary.LittleEndian, cfg.RistrettoNumCounter)
	binary.Write(buf, binary.LittleEndian, cfg.RistrettoMaxCost)
	binary.Write(buf, binary.LittleEndian, int32(cfg.MaxConditionLength))
}

func decodeEngineConfig(data []byte) EngineConfig {
	r := bytes.NewReader(data)
	cfg := EngineConfig{}
	binary.Read(r, binary.LittleEndian, &cfg.DecisionCacheTTL)
	binary.Read(r, binary.LittleEndian, &cfg.RuleCacheTTL)
	binary.Read(r, binary.LittleEndian, &cfg.RistrettoNumCounter)
	binary.Read(r, binary.LittleEndian, &cfg.RistrettoMaxCost)
	var mcl int32
	binary.Read(r, binary.LittleEndian, &mcl)
	cfg.MaxConditionLength = int(mcl)
	return cfg
}
