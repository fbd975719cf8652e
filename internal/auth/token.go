package auth

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrTokenExpired   = errors.New("auth: token expired")
	ErrTokenSignature = errors.New("auth: token signature mismatch")
)

// HeartbeatToken 会话当前持有的时效令牌；每次心跳换发新的 PulseID
type HeartbeatToken struct {
	Identity   string  `json:"identity"`
	Tier       Tier    `json:"authLevel"`
	PulseID    string  `json:"pulseId"`
	IssuedAt   int64   `json:"issuedAt"`
	TTLSeconds int64   `json:"ttlSeconds"`
	Quality    float64 `json:"quality"`
	Signature  string  `json:"signature"`
}

func (t HeartbeatToken) ExpiresAt() time.Time {
	return time.Unix(t.IssuedAt, 0).Add(time.Duration(t.TTLSeconds) * time.Second)
}

// Valid now < IssuedAt + TTL
func (t HeartbeatToken) Valid(now time.Time) bool {
	return now.Before(t.ExpiresAt())
}

func (t HeartbeatToken) Remaining(now time.Time) time.Duration {
	if d := t.ExpiresAt().Sub(now); d > 0 {
		return d
	}
	return 0
}

func (t HeartbeatToken) canonical() string {
	return Canonical(t.Identity, t.Tier.String(), t.PulseID, t.IssuedAt, t.TTLSeconds, t.Quality)
}

// Issuer 用网关签名密钥签发与校验令牌
type Issuer struct {
	key    string
	policy Policy
	now    func() time.Time
}

func NewIssuer(signingKey string, policy Policy, now func() time.Time) *Issuer {
	if now == nil {
		now = time.Now
	}
	return &Issuer{key: signingKey, policy: policy, now: now}
}

// Issue 签发新令牌，有效期取自等级策略
func (i *Issuer) Issue(identity string, tier Tier, quality float64) HeartbeatToken {
	ttl := i.policy[tier].TTL
	if ttl <= 0 {
		ttl = DefaultPolicy()[TierGuest].TTL
	}
	t := HeartbeatToken{
		Identity:   identity,
		Tier:       tier,
		PulseID:    uuid.NewString(),
		IssuedAt:   i.now().Unix(),
		TTLSeconds: int64(ttl / time.Second),
		Quality:    quality,
	}
	t.Signature = Sign(i.key, t.canonical())
	return t
}

// Verify 校验签名与有效期
func (i *Issuer) Verify(t HeartbeatToken) error {
	if !verify(i.key, t.canonical(), t.Signature) {
		return ErrTokenSignature
	}
	if !t.Valid(i.now()) {
		return ErrTokenExpired
	}
	return nil
}

// Renew 换发同一身份与等级的新令牌
func (i *Issuer) Renew(t HeartbeatToken) HeartbeatToken {
	return i.Issue(t.Identity, t.Tier, t.Quality)
}
