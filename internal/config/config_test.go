package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hongjun500/pulsebus/internal/auth"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PULSEBUS_CONFIG", "")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.TCPAddr)
	assert.Equal(t, "json", cfg.Server.Codec)
	assert.Equal(t, 3, cfg.Gateway.ErrorTolerance)
	assert.Equal(t, 10*time.Second, cfg.Gateway.CredentialTimeout.Duration)
	assert.Equal(t, 5*time.Minute, cfg.Gateway.MaxClockSkew.Duration)
	assert.Contains(t, cfg.Gateway.Purposes, "testing")
}

func TestLoadTOMLWithEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pulsebus.toml")
	body := `
node_id = "node-a"

[server]
tcp_addr = ":7000"
codec = "cbor"

[bus]
max_buffered = 8
stream_ttl = "45s"

[gateway]
signing_key = "k"
liveness_window = "5s"
max_clock_skew = "0s"

[gateway.tiers.guest]
min_quality = 0.1
ttl = "1m"

[[gateway.identities]]
name = "A"
secret = "s3cret"
max_tier = "astral"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Setenv("PULSEBUS_TCP_ADDR", ":7100")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "node-a", cfg.NodeID)
	assert.Equal(t, ":7100", cfg.Server.TCPAddr)
	assert.Equal(t, "cbor", cfg.Server.Codec)
	assert.Equal(t, 8, cfg.Bus.MaxBuffered)
	assert.Equal(t, 45*time.Second, cfg.Bus.StreamTTL.Duration)
	assert.Equal(t, 5*time.Second, cfg.Gateway.LivenessWindow.Duration)
	assert.Zero(t, cfg.Gateway.MaxClockSkew.Duration)
	assert.Equal(t, time.Minute, cfg.Gateway.Tiers["guest"].TTL.Duration)
	require.Len(t, cfg.Gateway.Identities, 1)
	assert.Equal(t, "astral", cfg.Gateway.Identities[0].MaxTier)
	// 未覆盖的字段保持默认值
	assert.Equal(t, 1024, cfg.Bus.QueueSize)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Server.Codec = "xml"
	cfg.Gateway.Identities = []IdentityConfig{{Name: "x"}}
	cfg.Gateway.MaxClockSkew = Duration{-time.Second}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.codec")
	assert.Contains(t, err.Error(), "max_clock_skew")
	assert.Contains(t, err.Error(), "identities[0]")
}

func TestGatewayAuthSettings(t *testing.T) {
	g := Default().Gateway
	g.Tiers = map[string]TierConfig{"local": {MinQuality: 0.5, TTL: Duration{time.Minute}}}
	g.Identities = []IdentityConfig{
		{Name: "A", Secret: "a"},
		{Name: "root", Secret: "r", MaxTier: "divine"},
	}

	policy, err := g.Policy()
	require.NoError(t, err)
	assert.Equal(t, auth.TierRule{MinQuality: 0.5, TTL: time.Minute}, policy[auth.TierLocal])
	assert.Equal(t, auth.DefaultPolicy()[auth.TierDivine], policy[auth.TierDivine])

	dir, err := g.Directory()
	require.NoError(t, err)
	a, ok := dir.Lookup("A")
	require.True(t, ok)
	assert.Equal(t, auth.TierGuest, a.MaxTier)
	root, _ := dir.Lookup("root")
	assert.Equal(t, auth.TierDivine, root.MaxTier)

	assert.True(t, g.AllowedPurposes().Allowed("testing"))

	g.Tiers = map[string]TierConfig{"cosmic": {}}
	_, err = g.Policy()
	assert.ErrorIs(t, err, auth.ErrUnknownTier)
}
