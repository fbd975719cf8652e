package gateway

import (
	"github.com/hongjun500/pulsebus/internal/auth"
	"github.com/hongjun500/pulsebus/internal/packet"
)

// 帧类型
const (
	TypeAuthChallenge = "auth_challenge"
	TypeAuthResponse  = "auth_response"
	TypeAuthSuccess   = "auth_success"
	TypeAuthFailure   = "auth_failure"
	TypeHeartbeat     = "heartbeat"
	TypeHeartbeatAck  = "heartbeat_ack"
	TypePacket        = "packet"
	TypeCommand       = "command"
	TypeCommandResult = "command_result"
	TypeError         = "error"
)

// 错误帧 / 失败帧的错误码（凭证错误码见 auth 包）
const (
	CodeTimeout          = "timeout"
	CodeInvalidPulse     = "invalid_pulse"
	CodeTokenExpired     = "token_expired"
	CodeInvalidToken     = "invalid_token"
	CodeUnknownType      = "unknown_type"
	CodeDecodeError      = "decode_error"
	CodeInvalidPacket    = "invalid_packet"
	CodeRateLimited      = "rate_limited"
	CodeNotAuthenticated = "not_authenticated"
	CodeAlreadyAuthed    = "already_authenticated"
	CodeBusUnavailable   = "bus_unavailable"
	CodeUnknownCommand   = "unknown_command"
	CodePermissionDenied = "permission_denied"
	CodeCommandFailed    = "command_failed"
	CodeSessionExpired   = "session_expired"
	CodeErrorBudget      = "error_budget_exceeded"
)

type challengeFrame struct {
	Type           string   `json:"type"`
	Nonce          string   `json:"nonce"`
	RequiredFields []string `json:"requiredFields"`
	TimeoutSeconds int      `json:"timeoutSeconds"`
}

// Rules 认证成功时告知客户端的会话规则
type Rules struct {
	AuthLevel                string   `json:"authLevel"`
	HeartbeatIntervalSeconds int      `json:"heartbeatIntervalSeconds"`
	LivenessWindowSeconds    int      `json:"livenessWindowSeconds"`
	TokenTTLSeconds          int64    `json:"tokenTtlSeconds"`
	ErrorTolerance           int      `json:"errorTolerance"`
	Commands                 []string `json:"commands"`
}

type successFrame struct {
	Type      string              `json:"type"`
	Token     auth.HeartbeatToken `json:"token"`
	SessionID string              `json:"sessionId"`
	Rules     Rules               `json:"rules"`
}

type failureFrame struct {
	Type         string `json:"type"`
	Reason       string `json:"reason"`
	Code         string `json:"code"`
	RetryAllowed bool   `json:"retryAllowed"`
}

type heartbeatFrame struct {
	Type    string `json:"type"`
	PulseID string `json:"pulseId"`
}

type heartbeatAckFrame struct {
	Type     string              `json:"type"`
	NewToken auth.HeartbeatToken `json:"newToken"`
}

type errorFrame struct {
	Type   string `json:"type"`
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

type packetFrame struct {
	Type   string        `json:"type"`
	Packet packet.Packet `json:"packet"`
}

type commandFrame struct {
	Type string   `json:"type"`
	Name string   `json:"name"`
	Args []string `json:"args,omitempty"`
}

type commandResultFrame struct {
	Type   string `json:"type"`
	Name   string `json:"name"`
	Result any    `json:"result"`
}
