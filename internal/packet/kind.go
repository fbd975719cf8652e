package packet

import "fmt"

// Kind 包类型，封闭枚举
type Kind uint8

const (
	KindCommand Kind = iota + 1
	KindEvent
	KindStream
	KindResponse
	KindAck
)

var kindNames = map[Kind]string{
	KindCommand:  "command",
	KindEvent:    "event",
	KindStream:   "stream",
	KindResponse: "response",
	KindAck:      "ack",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, uint8(k))
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	for v, name := range kindNames {
		if name == string(text) {
			*k = v
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrUnknownKind, text)
}

// Status 仅用于观察，不决定投递
type Status uint8

const (
	StatusPending Status = iota
	StatusAcknowledged
	StatusMissing
	StatusComplete
	StatusError
)

var statusNames = map[Status]string{
	StatusPending:      "pending",
	StatusAcknowledged: "ack",
	StatusMissing:      "missing",
	StatusComplete:     "complete",
	StatusError:        "error",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

func (s Status) MarshalText() ([]byte, error) {
	n, ok := statusNames[s]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownStatus, uint8(s))
	}
	return []byte(n), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*s = StatusPending
		return nil
	}
	for v, name := range statusNames {
		if name == string(text) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrUnknownStatus, text)
}
