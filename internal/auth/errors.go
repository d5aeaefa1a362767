package auth

import "errors"

var (
	ErrCanceled      = errors.New("auth canceled")
	ErrStateMismatch = errors.New("state mismatch")
	ErrNoCode        = errors.New("no auth code returned")
)

const (
	ReasonCanceled      = "canceled"
	ReasonStateMismatch = "state_mismatch"
	ReasonNoCode        = "no_code"
)

// ConfigError reports missing or invalid user configuration. It is not
// retried: the user has to fix the settings first.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string { return e.Message }

// AuthError is a failed interactive authorization.
type AuthError struct {
	Reason string
	Cause  error
}

func (e *AuthError) Error() string {
	msg := e.sentinel().Error()
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *AuthError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.sentinel()}
	}
	return []error{e.sentinel(), e.Cause}
}

func (e *AuthError) sentinel() error {
	switch e.Reason {
	case ReasonStateMismatch:
		return ErrStateMismatch
	case ReasonNoCode:
		return ErrNoCode
	default:
		return ErrCanceled
	}
}

func canceled(cause error) *AuthError {
	return &AuthError{Reason: ReasonCanceled, Cause: cause}
}
