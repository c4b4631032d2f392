package aim

import (
	"context"
	"errors"
	"fmt"

	"github.com/opena2a/aim-go-sdk/pkg/credstore"
)

// ConfigError reports unusable client configuration: missing identifiers,
// mismatched keys, invalid option combinations.
type ConfigError struct {
	msg string
}

func (e *ConfigError) Error() string { return e.msg }

func configErrorf(format string, args ...any) *ConfigError {
	return &ConfigError{msg: fmt.Sprintf(format, args...)}
}

// AuthError reports rejected credentials (HTTP 401) or insufficient
// permissions (HTTP 403).
type AuthError struct {
	msg string
}

func (e *AuthError) Error() string { return e.msg }

func authErrorf(format string, args ...any) *AuthError {
	return &AuthError{msg: fmt.Sprintf(format, args...)}
}

// ActionDeniedError reports that the control plane denied an action.
type ActionDeniedError struct {
	Reason string
}

func (e *ActionDeniedError) Error() string {
	return "Action denied: " + e.Reason
}

// VerificationFailedError reports that the verification machinery itself
// failed: timeouts, unreachable endpoints, malformed responses.
type VerificationFailedError struct {
	msg string
	err error
}

func (e *VerificationFailedError) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *VerificationFailedError) Unwrap() error { return e.err }

func verificationErrorf(format string, args ...any) *VerificationFailedError {
	return &VerificationFailedError{msg: fmt.Sprintf(format, args...)}
}

func wrapVerificationError(msg string, err error) *VerificationFailedError {
	return &VerificationFailedError{msg: msg, err: err}
}

// CorruptCredentialsError reports stored credentials that no longer
// decrypt. The only remediation is re-registering the agent.
type CorruptCredentialsError struct {
	err error
}

func (e *CorruptCredentialsError) Error() string {
	return "stored credentials are unusable, re-register the agent: " + e.err.Error()
}

func (e *CorruptCredentialsError) Unwrap() error { return e.err }

// translateStoreError converts credential-store failures into SDK error
// kinds.
func translateStoreError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, credstore.ErrCorrupt) {
		return &CorruptCredentialsError{err: err}
	}
	return err
}

// errorTypeName labels an error for action result records.
func errorTypeName(err error) string {
	var (
		config  *ConfigError
		auth    *AuthError
		denied  *ActionDeniedError
		verify  *VerificationFailedError
		corrupt *CorruptCredentialsError
	)
	switch {
	case errors.As(err, &denied):
		return "ActionDeniedError"
	case errors.As(err, &auth):
		return "AuthError"
	case errors.As(err, &verify):
		return "VerificationError"
	case errors.As(err, &config):
		return "ConfigError"
	case errors.As(err, &corrupt):
		return "CorruptCredentialsError"
	case errors.Is(err, context.DeadlineExceeded):
		return "Timeout"
	default:
		return "Error"
	}
}
