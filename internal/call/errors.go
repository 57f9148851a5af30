// Copyright (c) 2023-2026 Medica Movil
//
// Licensed under GPL-2.0 with Medica Movil Additional Terms.
// See LICENSE.md or contact sales@medicamovil.health for commercial usage.

package internal_call

import "fmt"

// ErrorCode identifies a call failure class. Codes are stable strings the
// client maps to localized copy.
type ErrorCode string

const (
	CodeUnsupportedEnvironment ErrorCode = "unsupported_environment"
	CodeMediaAccessDenied      ErrorCode = "media_access_denied"
	CodeDeviceNotFound         ErrorCode = "device_not_found"
	CodeConnectionFailed       ErrorCode = "connection_failed"
	CodeNetworkError           ErrorCode = "network_error"
	CodeSignalingFailed        ErrorCode = "signaling_failed"
	CodeAuthorizationDenied    ErrorCode = "authorization_denied"
	CodeInvalidSender          ErrorCode = "invalid_sender"
	CodeRateLimited            ErrorCode = "rate_limited"
	CodeCallBusy               ErrorCode = "call_busy"
)

// RecoveryAction tells the client what to offer the user next.
type RecoveryAction string

const (
	RecoveryRetry         RecoveryAction = "retry"
	RecoveryCheckDevices  RecoveryAction = "check_devices"
	RecoveryGrantAccess   RecoveryAction = "grant_access"
	RecoverySwitchBrowser RecoveryAction = "switch_browser"
	RecoveryWait          RecoveryAction = "wait"
	RecoveryNone          RecoveryAction = "none"
)

type errorProfile struct {
	message  string
	recovery RecoveryAction
}

var errorProfiles = map[ErrorCode]errorProfile{
	CodeUnsupportedEnvironment: {"This browser does not support video calls.", RecoverySwitchBrowser},
	CodeMediaAccessDenied:      {"Camera or microphone access was denied.", RecoveryGrantAccess},
	CodeDeviceNotFound:         {"No camera or microphone was found.", RecoveryCheckDevices},
	CodeConnectionFailed:       {"The call connection could not be established.", RecoveryRetry},
	CodeNetworkError:           {"The connection was lost.", RecoveryRetry},
	CodeSignalingFailed:        {"The call could not be set up.", RecoveryRetry},
	CodeAuthorizationDenied:    {"You are not allowed to call this participant.", RecoveryNone},
	CodeInvalidSender:          {"The message sender could not be verified.", RecoveryNone},
	CodeRateLimited:            {"Too many attempts. Please wait a moment.", RecoveryWait},
	CodeCallBusy:               {"The other participant is already in a call.", RecoveryWait},
}

// CallError carries a stable code, a user-facing message and a suggested
// recovery action alongside the underlying cause.
type CallError struct {
	Code     ErrorCode      `json:"code"`
	Message  string         `json:"message"`
	Recovery RecoveryAction `json:"recovery"`
	cause    error
}

// NewCallError wraps cause under the given code. Unknown codes fall back to
// a generic retryable failure.
func NewCallError(code ErrorCode, cause error) *CallError {
	profile, ok := errorProfiles[code]
	if !ok {
		profile = errorProfile{"Something went wrong with the call.", RecoveryRetry}
	}
	return &CallError{Code: code, Message: profile.message, Recovery: profile.recovery, cause: cause}
}

func (e *CallError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.cause)
	}
	return string(e.Code)
}

func (e *CallError) Unwrap() error { return e.cause }

// AsCallError returns err as a *CallError, wrapping it under fallback when
// it is not one already.
func AsCallError(err error, fallback ErrorCode) *CallError {
	if err == nil {
		return nil
	}
	if ce, ok := err.(*CallError); ok {
		return ce
	}
	return NewCallError(fallback, err)
}
