package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// 凭证校验失败的错误码，会原样返回给对端
const (
	CodeMissingField     = "missing_field"
	CodeInvalidField     = "invalid_field"
	CodeUnknownTier      = "unknown_tier"
	CodeLowQuality       = "low_quality"
	CodeUnknownIdentity  = "unknown_identity"
	CodeTierNotPermitted = "tier_not_permitted"
	CodeInvalidPurpose   = "invalid_purpose"
	CodeBadSignature     = "bad_signature"
)

// CredentialError 带错误码的凭证错误
type CredentialError struct {
	Code   string
	Reason string
}

func (e *CredentialError) Error() string { return "auth: " + e.Code + ": " + e.Reason }

func credErr(code, format string, args ...any) *CredentialError {
	return &CredentialError{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// RequiredFields 挑战帧里告知对端的必填字段
var RequiredFields = []string{"identity", "authLevel", "purpose"}

// Credential 客户端在挑战后提交的凭证
type Credential struct {
	Identity   string   `json:"identity"`
	AuthLevel  string   `json:"authLevel"`
	Purpose    string   `json:"purpose"`
	Quality    *float64 `json:"quality,omitempty"`
	IssuedAt   int64    `json:"issuedAt,omitempty"`
	TTLSeconds int64    `json:"ttlSeconds,omitempty"`
	Signature  string   `json:"signature,omitempty"`
}

// QualityOr 未声明质量时取 def
func (c Credential) QualityOr(def float64) float64 {
	if c.Quality == nil {
		return def
	}
	return *c.Quality
}

// Canonical 签名覆盖的规范串：identity|authLevel|pulseId|issuedAt|ttlSeconds|quality
func Canonical(identity, authLevel, pulseID string, issuedAt, ttlSeconds int64, quality float64) string {
	return strings.Join([]string{
		identity,
		authLevel,
		pulseID,
		strconv.FormatInt(issuedAt, 10),
		strconv.FormatInt(ttlSeconds, 10),
		strconv.FormatFloat(quality, 'f', 4, 64),
	}, "|")
}

// Sign HMAC-SHA256，十六进制输出
func Sign(secret, canonical string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

func verify(secret, canonical, sig string) bool {
	want, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(canonical))
	return hmac.Equal(mac.Sum(nil), want)
}

// SignCredential 客户端侧：用身份密钥给凭证签名，nonce 取自挑战帧
func SignCredential(c Credential, secret, nonce string) Credential {
	c.Signature = Sign(secret, Canonical(c.Identity, c.AuthLevel, nonce, c.IssuedAt, c.TTLSeconds, c.QualityOr(1)))
	return c
}

// Validator 按固定顺序校验凭证
type Validator struct {
	Policy    Policy
	Directory *Directory
	Purposes  Purposes
	// MaxSkew issuedAt 允许的时钟偏差；0 表示不检查
	MaxSkew time.Duration
	Now     func() time.Time
}

// Validate 返回解析后的等级与质量；失败时返回 *CredentialError
func (v *Validator) Validate(c Credential, nonce string) (Tier, float64, error) {
	// 1. 必填字段
	switch {
	case strings.TrimSpace(c.Identity) == "":
		return 0, 0, credErr(CodeMissingField, "identity is required")
	case strings.TrimSpace(c.AuthLevel) == "":
		return 0, 0, credErr(CodeMissingField, "authLevel is required")
	case strings.TrimSpace(c.Purpose) == "":
		return 0, 0, credErr(CodeMissingField, "purpose is required")
	}
	if c.Quality != nil && (*c.Quality < 0 || *c.Quality > 1) {
		return 0, 0, credErr(CodeInvalidField, "quality %.3f outside [0,1]", *c.Quality)
	}
	if c.TTLSeconds < 0 || c.IssuedAt < 0 {
		return 0, 0, credErr(CodeInvalidField, "negative issuedAt or ttlSeconds")
	}
	if v.MaxSkew > 0 && c.IssuedAt > 0 {
		skew := v.now().Sub(time.Unix(c.IssuedAt, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > v.MaxSkew {
			return 0, 0, credErr(CodeInvalidField, "issuedAt skew %s exceeds %s", skew.Round(time.Second), v.MaxSkew)
		}
	}

	// 2. 等级
	tier, err := ParseTier(c.AuthLevel)
	if err != nil {
		return 0, 0, credErr(CodeUnknownTier, "unknown auth level %q", c.AuthLevel)
	}
	rule, ok := v.Policy.Rule(tier)
	if !ok {
		return 0, 0, credErr(CodeUnknownTier, "no policy for auth level %q", c.AuthLevel)
	}

	// 3. 质量
	quality := c.QualityOr(1)
	if quality < rule.MinQuality {
		return 0, 0, credErr(CodeLowQuality, "quality %.2f below %.2f required for %s", quality, rule.MinQuality, tier)
	}

	// 4. 身份与等级上限
	id, registered := v.Directory.Lookup(c.Identity)
	if tier > TierGuest {
		if !registered {
			return 0, 0, credErr(CodeUnknownIdentity, "identity %q is not registered", c.Identity)
		}
		if !id.MaxTier.AtLeast(tier) {
			return 0, 0, credErr(CodeTierNotPermitted, "identity %q may not exceed %s", c.Identity, id.MaxTier)
		}
	}

	// 5. 用途
	if !v.Purposes.Allowed(c.Purpose) {
		return 0, 0, credErr(CodeInvalidPurpose, "purpose %q is not allowed", c.Purpose)
	}

	// 6. 签名：已注册身份必须签名，未注册访客可不签
	if registered || c.Signature != "" {
		if !registered {
			return 0, 0, credErr(CodeBadSignature, "signature without registered identity")
		}
		canonical := Canonical(c.Identity, c.AuthLevel, nonce, c.IssuedAt, c.TTLSeconds, quality)
		if c.Signature == "" || !verify(id.Secret, canonical, c.Signature) {
			return 0, 0, credErr(CodeBadSignature, "signature mismatch")
		}
	}
	return tier, quality, nil
}

func (v *Validator) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}
