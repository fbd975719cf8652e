// Package auth 定义会话的认证等级、凭证校验与心跳令牌。
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrUnknownTier = errors.New("auth: unknown tier")

// Tier 认证等级，数值越大权限越高
type Tier uint8

const (
	TierGuest Tier = iota
	TierLocal
	TierAstral
	TierDivine
)

var tierNames = [...]string{"guest", "local", "astral", "divine"}

func (t Tier) String() string {
	if int(t) < len(tierNames) {
		return tierNames[t]
	}
	return fmt.Sprintf("tier(%d)", uint8(t))
}

func (t Tier) Valid() bool { return int(t) < len(tierNames) }

// AtLeast 是否不低于 min
func (t Tier) AtLeast(min Tier) bool { return t >= min }

func ParseTier(s string) (Tier, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range tierNames {
		if n == s {
			return Tier(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownTier, s)
}

func (t Tier) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTier, uint8(t))
	}
	return []byte(t.String()), nil
}

func (t *Tier) UnmarshalText(b []byte) error {
	v, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// TierRule 单个等级的准入规则
type TierRule struct {
	MinQuality float64
	TTL        time.Duration
}

// Policy 各等级的最低质量与令牌有效期
type Policy map[Tier]TierRule

func DefaultPolicy() Policy {
	return Policy{
		TierGuest:  {MinQuality: 0.0, TTL: 5 * time.Minute},
		TierLocal:  {MinQuality: 0.3, TTL: 15 * time.Minute},
		TierAstral: {MinQuality: 0.7, TTL: time.Hour},
		TierDivine: {MinQuality: 0.9, TTL: 24 * time.Hour},
	}
}

func (p Policy) Rule(t Tier) (TierRule, bool) {
	r, ok := p[t]
	return r, ok
}

// Purposes 允许的连接用途
type Purposes map[string]struct{}

func DefaultPurposes() Purposes {
	return NewPurposes("communication", "monitoring", "administration", "testing")
}

func NewPurposes(names ...string) Purposes {
	p := make(Purposes, len(names))
	for _, n := range names {
		p[strings.ToLower(strings.TrimSpace(n))] = struct{}{}
	}
	return p
}

func (p Purposes) Allowed(name string) bool {
	_, ok := p[strings.ToLower(name)]
	return ok
}

// Identity 预注册身份
type Identity struct {
	Name    string
	Secret  string
	MaxTier Tier
}

// Directory 预注册身份表，构造后只读
type Directory struct {
	byName map[string]Identity
}

func NewDirectory(ids ...Identity) *Directory {
	d := &Directory{byName: make(map[string]Identity, len(ids))}
	for _, id := range ids {
		d.byName[id.Name] = id
	}
	return d
}

func (d *Directory) Lookup(name string) (Identity, bool) {
	if d == nil {
		return Identity{}, false
	}
	id, ok := d.byName[name]
	return id, ok
}

func (d *Directory) Len() int {
	if d == nil {
		return 0
	}
	return len(d.byName)
}
