package config

import (
	"fmt"

	"github.com/hongjun500/pulsebus/internal/auth"
)

// Policy 以默认等级策略为底，叠加 [gateway.tiers] 中的覆盖项
func (g GatewayConfig) Policy() (auth.Policy, error) {
	p := auth.DefaultPolicy()
	for name, tc := range g.Tiers {
		tier, err := auth.ParseTier(name)
		if err != nil {
			return nil, fmt.Errorf("gateway.tiers: %w", err)
		}
		rule := p[tier]
		rule.MinQuality = tc.MinQuality
		if tc.TTL.Duration > 0 {
			rule.TTL = tc.TTL.Duration
		}
		p[tier] = rule
	}
	return p, nil
}

// Directory 由 [[gateway.identities]] 构造身份目录，max_tier 缺省为 guest
func (g GatewayConfig) Directory() (*auth.Directory, error) {
	ids := make([]auth.Identity, 0, len(g.Identities))
	for _, ic := range g.Identities {
		tier := auth.TierGuest
		if ic.MaxTier != "" {
			t, err := auth.ParseTier(ic.MaxTier)
			if err != nil {
				return nil, fmt.Errorf("gateway.identities %s: %w", ic.Name, err)
			}
			tier = t
		}
		ids = append(ids, auth.Identity{Name: ic.Name, Secret: ic.Secret, MaxTier: tier})
	}
	return auth.NewDirectory(ids...), nil
}

func (g GatewayConfig) AllowedPurposes() auth.Purposes {
	if len(g.Purposes) == 0 {
		return auth.DefaultPurposes()
	}
	return auth.NewPurposes(g.Purposes...)
}
