package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// MessageType identifies channel payload variants.
type MessageType string

const (
	TypePing         MessageType = "PING"
	TypeSaveSnapshot MessageType = "SAVE_SNAPSHOT"
	TypeResetConvo   MessageType = "RESET_CONVO"
	TypeSetClientID  MessageType = "SET_CLIENT_ID"
	TypeResponse     MessageType = "RESP"
)

// Error codes carried in Response.Error.
const (
	CodePortUnavailable  = "port_unavailable"
	CodePortDisconnected = "port_disconnected"
	CodeSWUnavailable    = "sw_unavailable"
	CodeInvalidMessage   = "invalid_message"
	CodeUnsupportedType  = "unsupported_type"
	CodeInternalError    = "internal_error"
	CodeConfigError      = "config_error"
	CodeAuthError        = "auth_error"
)

var (
	ErrUnsupportedType = errors.New("unsupported message type")
	ErrInvalidMessage  = errors.New("invalid message")
)

// RequestID correlates a request with its response. It decodes from either a
// JSON string or a JSON number.
type RequestID string

func (id *RequestID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = RequestID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("requestId must be a string or number: %w", err)
	}
	*id = RequestID(n.String())
	return nil
}

// Envelope is the part shared by every request.
type Envelope struct {
	Type      MessageType `json:"type"`
	RequestID RequestID   `json:"requestId"`
}

func (e Envelope) ID() RequestID { return e.RequestID }

// Request is any typed channel request.
type Request interface {
	Kind() MessageType
	ID() RequestID
}

type Ping struct {
	Envelope
}

func (Ping) Kind() MessageType { return TypePing }

type SaveSnapshot struct {
	Envelope
	ConversationID string `json:"conversationId"`
	FileName       string `json:"fileName"`
	Content        string `json:"content"`
}

func (SaveSnapshot) Kind() MessageType { return TypeSaveSnapshot }

type ResetConvo struct {
	Envelope
	ConversationID string `json:"conversationId"`
}

func (ResetConvo) Kind() MessageType { return TypeResetConvo }

type SetClientID struct {
	Envelope
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret,omitempty"`
}

func (SetClientID) Kind() MessageType { return TypeSetClientID }

// Response answers exactly one request.
type Response struct {
	Type      MessageType `json:"type"`
	RequestID RequestID   `json:"requestId"`
	OK        bool        `json:"ok"`
	Error     string      `json:"error,omitempty"`
	Details   any         `json:"details,omitempty"`
	FileID    string      `json:"fileId,omitempty"`
}

func OK(id RequestID) Response {
	return Response{Type: TypeResponse, RequestID: id, OK: true}
}

func Fail(id RequestID, code string, details any) Response {
	return Response{Type: TypeResponse, RequestID: id, OK: false, Error: code, Details: details}
}

// Encode serializes req with the given id. req itself is not modified, so
// one value can be resent under a fresh id.
func Encode(id RequestID, req Request) ([]byte, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	fields["type"], _ = json.Marshal(req.Kind())
	fields["requestId"], _ = json.Marshal(string(id))
	return json.Marshal(fields)
}

// ParseRequest decodes and validates one request frame.
func ParseRequest(raw []byte) (Request, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: invalid envelope: %v", ErrInvalidMessage, err)
	}

	switch env.Type {
	case TypePing:
		return Ping{Envelope: env}, nil
	case TypeSaveSnapshot:
		var msg SaveSnapshot
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		if strings.TrimSpace(msg.ConversationID) == "" || strings.TrimSpace(msg.FileName) == "" {
			return nil, fmt.Errorf("%w: SAVE_SNAPSHOT needs conversationId and fileName", ErrInvalidMessage)
		}
		return msg, nil
	case TypeResetConvo:
		var msg ResetConvo
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		if strings.TrimSpace(msg.ConversationID) == "" {
			return nil, fmt.Errorf("%w: RESET_CONVO needs conversationId", ErrInvalidMessage)
		}
		return msg, nil
	case TypeSetClientID:
		var msg SetClientID
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		return msg, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, env.Type)
	}
}

// ParseResponse decodes a RESP frame.
func ParseResponse(raw []byte) (Response, error) {
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if resp.Type != TypeResponse {
		return Response{}, fmt.Errorf("%w: %q", ErrUnsupportedType, resp.Type)
	}
	return resp, nil
}

// RecoverRequestID extracts the request id from a frame that failed to parse.
func RecoverRequestID(raw []byte) RequestID {
	v := gjson.GetBytes(raw, "requestId")
	switch v.Type {
	case gjson.String:
		return RequestID(v.String())
	case gjson.Number:
		if v.Num == float64(int64(v.Num)) {
			return RequestID(strconv.FormatInt(int64(v.Num), 10))
		}
		return RequestID(v.Raw)
	default:
		return ""
	}
}
