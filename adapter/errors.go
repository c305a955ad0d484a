package deriv

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrorCode is the error.code field of a Deriv error envelope
type ErrorCode string

const (
	ErrCodeRateLimit             ErrorCode = "RateLimit"
	ErrCodeInvalidAppID          ErrorCode = "InvalidAppID"
	ErrCodeDisabledClient        ErrorCode = "DisabledClient"
	ErrCodeAuthorizationRequired ErrorCode = "AuthorizationRequired"
	ErrCodeWrongResponse         ErrorCode = "WrongResponse"
	ErrCodeSelfExclusion         ErrorCode = "SelfExclusion"
	ErrCodeInvalidToken          ErrorCode = "InvalidToken"
	ErrCodeAlreadySubscribed     ErrorCode = "AlreadySubscribed"
)

// APIError is a server error envelope {msg_type, error:{code, message, details}}
type APIError struct {
	Code    ErrorCode       `json:"code"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`

	// MsgType is copied from the enclosing frame
	MsgType string `json:"-"`
}

func (e *APIError) Error() string {
	if e.MsgType == "" {
		return fmt.Sprintf("deriv: %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("deriv %s: %s: %s", e.MsgType, e.Code, e.Message)
}

// IsErrorCode reports whether err carries a server error with the given code
func IsErrorCode(err error, code ErrorCode) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == code
	}
	return false
}

var (
	// ErrKeyNotFound is returned by Storage.Get for missing keys
	ErrKeyNotFound = errors.New("key not found")

	// ErrNotConnected is returned when a request is issued without a live socket
	ErrNotConnected = errors.New("websocket not connected")

	// ErrClientClosed is returned to callers still waiting when the client is closed
	ErrClientClosed = errors.New("websocket client closed")

	// ErrStreamClosed is reported when a stream ends because the socket dropped
	ErrStreamClosed = errors.New("stream closed")
)
