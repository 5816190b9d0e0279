// Package protocol defines the JSON messages exchanged with the transcription
// backend over the WebSocket.
//
// Outbound text frames are the hello handshake and the end-of-stream marker;
// audio travels as binary frames and needs no envelope. Inbound text frames
// are decoded by [Decode] into one of [HelloAck], [ErrorEvent], [Transcript],
// [Status] or [Other]. Decoding is tolerant: unexpected shapes become [Other]
// rather than failing, so a newer server cannot break an older client.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/MrWong99/scribelink/internal/credential"
)

// Message type discriminators.
const (
	TypeHello       = "hello"
	TypeHelloAck    = "hello_ack"
	TypeTranscript  = "transcript"
	TypeStatus      = "status"
	TypeEndOfStream = "end_of_stream"
)

// Error codes carried in the "error" field of error events.
const (
	CodePolicyViolation = "POLICY_VIOLATION"
	CodeNoAudio         = "NO_AUDIO"
	CodeModelLoading    = "MODEL_LOADING"
	CodeAuthFailed      = "AUTH_FAILED"
)

// Policy-violation reasons.
const (
	ReasonBanned          = "BANNED"
	ReasonVersionRejected = "VERSION_REJECTED"
)

// ErrEmptyMessage is returned by Decode for an empty frame.
var ErrEmptyMessage = errors.New("protocol: empty message")

// ─── Outbound ────────────────────────────────────────────────────────────────

// Hello is the handshake request sent as soon as the socket opens.
type Hello struct {
	// ClientVersion is the local client version.
	ClientVersion string

	// MinCompatibleVersion is the oldest client version this build declares
	// itself compatible with. Omitted when empty.
	MinCompatibleVersion string

	// Auth is the credential. Its secret is not zeroed by EncodeHello.
	Auth credential.Token

	// Incognito asks the server not to log or retain the session.
	Incognito bool
}

// EncodeHello renders h as a JSON text frame. The token is copied into the
// returned slice exactly once and never into a Go string, so the caller can
// zero both h.Auth and the result after the frame has been written.
func EncodeHello(h Hello) ([]byte, error) {
	if !h.Auth.Kind.IsValid() {
		return nil, fmt.Errorf("protocol: invalid auth kind %q", h.Auth.Kind)
	}
	if h.Auth.Secret.IsEmpty() {
		return nil, errors.New("protocol: hello requires a token")
	}

	// Worst case every byte becomes a six-byte \u00XX escape. Sizing up front
	// means append never reallocates and leaves no stray copies of the token.
	size := 128 + 6*(len(h.ClientVersion)+len(h.MinCompatibleVersion)+len(h.Auth.Kind)+len(h.Auth.Secret))
	buf := make([]byte, 0, size)

	buf = append(buf, `{"type":"hello","clientVersion":`...)
	buf = appendString(buf, []byte(h.ClientVersion))
	if h.MinCompatibleVersion != "" {
		buf = append(buf, `,"minCompatibleVersion":`...)
		buf = appendString(buf, []byte(h.MinCompatibleVersion))
	}
	buf = append(buf, `,"auth":{"type":`...)
	buf = appendString(buf, []byte(h.Auth.Kind))
	buf = append(buf, `,"token":`...)
	_ = h.Auth.Secret.Use(func(tok []byte) error {
		buf = appendString(buf, tok)
		return nil
	})
	buf = append(buf, `},"incognito":`...)
	buf = strconv.AppendBool(buf, h.Incognito)
	buf = append(buf, '}')
	return buf, nil
}

// EncodeEndOfStream returns the marker sent when capture stops.
func EncodeEndOfStream() []byte {
	return []byte(`{"type":"end_of_stream"}`)
}

const hexDigits = "0123456789abcdef"

// appendString appends s as a quoted JSON string.
func appendString(dst, s []byte) []byte {
	dst = append(dst, '"')
	for _, c := range s {
		switch {
		case c == '"' || c == '\\':
			dst = append(dst, '\\', c)
		case c < 0x20:
			dst = append(dst, '\\', 'u', '0', '0', hexDigits[c>>4], hexDigits[c&0xf])
		default:
			dst = append(dst, c)
		}
	}
	return append(dst, '"')
}

// ─── Inbound ─────────────────────────────────────────────────────────────────

// Inbound is a decoded server message.
type Inbound interface {
	inbound()
}

// HelloAck acknowledges a successful handshake.
type HelloAck struct {
	ConnectionID     string   `json:"connectionId"`
	ServerVersion    string   `json:"serverVersion"`
	MinClientVersion string   `json:"minClientVersion"`
	SecClientVersion string   `json:"secClientVersion"`
	Capabilities     []string `json:"capabilities"`
}

// ErrorEvent is a typed error sent by the server. A policy-violation event is
// followed by a close with status 1008.
type ErrorEvent struct {
	Code    string
	Reason  string
	Message string

	// CooldownSeconds is nil when absent or malformed.
	CooldownSeconds *int

	// Raw is the original frame text, kept for diagnostics.
	Raw string
}

// Transcript is a transcription result.
type Transcript struct {
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

// Status is an informational server status update.
type Status struct {
	Message string `json:"message"`
}

// Other is any frame the client does not understand.
type Other struct {
	Type string
	Raw  string
}

func (HelloAck) inbound()   {}
func (ErrorEvent) inbound() {}
func (Transcript) inbound() {}
func (Status) inbound()     {}
func (Other) inbound()      {}

// envelope captures every discriminating field in one pass.
type envelope struct {
	Type            string          `json:"type"`
	Error           json.RawMessage `json:"error"`
	Reason          string          `json:"reason"`
	Message         string          `json:"message"`
	CooldownSeconds json.RawMessage `json:"cooldownSeconds"`
	Text            *string         `json:"text"`
	Final           bool            `json:"final"`
}

// Decode parses one inbound text frame. It only fails for empty frames or
// frames that are not JSON objects.
func Decode(data []byte) (Inbound, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, ErrEmptyMessage
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("protocol: decode: %w", err)
	}

	switch {
	case env.Type == TypeHelloAck:
		var ack HelloAck
		if err := json.Unmarshal(data, &ack); err != nil {
			return nil, fmt.Errorf("protocol: decode hello_ack: %w", err)
		}
		return ack, nil

	case len(env.Error) > 0 && string(env.Error) != "null":
		return ErrorEvent{
			Code:            errorCode(env.Error),
			Reason:          env.Reason,
			Message:         env.Message,
			CooldownSeconds: cooldown(env.CooldownSeconds),
			Raw:             string(data),
		}, nil

	case env.Type == "error":
		// {"type":"error","code":"..."} variant.
		var alt struct {
			Code json.RawMessage `json:"code"`
		}
		_ = json.Unmarshal(data, &alt)
		return ErrorEvent{
			Code:            errorCode(alt.Code),
			Reason:          env.Reason,
			Message:         env.Message,
			CooldownSeconds: cooldown(env.CooldownSeconds),
			Raw:             string(data),
		}, nil

	case env.Type == TypeTranscript || (env.Type == "" && env.Text != nil):
		t := Transcript{Final: env.Final}
		if env.Text != nil {
			t.Text = *env.Text
		}
		if env.Type == "" {
			// Bare {"text": ...} results are always final.
			t.Final = true
		}
		return t, nil

	case env.Type == TypeStatus:
		return Status{Message: env.Message}, nil
	}

	return Other{Type: env.Type, Raw: string(data)}, nil
}

// errorCode reads a code that may be a JSON string or number.
func errorCode(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.Trim(string(raw), `" `)
}

// cooldown reads cooldownSeconds given as a number or numeric string.
// Values beyond the int range saturate to math.MaxInt.
func cooldown(raw json.RawMessage) *int {
	if len(raw) == 0 {
		return nil
	}
	s := strings.Trim(string(raw), `" `)
	f, err := strconv.ParseFloat(s, 64)
	if math.IsInf(f, 1) || f >= math.MaxInt {
		n := math.MaxInt
		return &n
	}
	if err != nil || math.IsNaN(f) || math.IsInf(f, -1) {
		return nil
	}
	n := int(max(f, math.MinInt))
	return &n
}
