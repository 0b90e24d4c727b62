// Package security keeps credentials out of logs and error messages.
package security

import (
	"regexp"
	"strings"
)

// credentialPattern matches key=value credentials in query strings and
// log lines.
var credentialPattern = regexp.MustCompile(`(?i)(api[_-]?key|api[_-]?secret|access[_-]?token|auth[_-]?token|password)([=:]\s*)["']?([^\s"'&]+)`)

// MaskCredential masks a credential value for logging.
func MaskCredential(value string) string {
	if len(value) == 0 {
		return ""
	}
	if len(value) <= 4 {
		return strings.Repeat("*", len(value))
	}
	if len(value) <= 8 {
		return value[:2] + strings.Repeat("*", len(value)-2)
	}
	return value[:4] + strings.Repeat("*", len(value)-8) + value[len(value)-4:]
}

// RedactString masks every credential value found in s.
func RedactString(s string) string {
	return credentialPattern.ReplaceAllStringFunc(s, func(match string) string {
		m := credentialPattern.FindStringSubmatch(match)
		return m[1] + m[2] + MaskCredential(m[3])
	})
}

// RedactedError hides credentials in the message of the error it wraps.
type RedactedError struct {
	msg string
	err error
}

func (e *RedactedError) Error() string { return e.msg }

func (e *RedactedError) Unwrap() error { return e.err }

// RedactError returns err with credentials masked in its message. errors.Is
// and errors.As still see the original chain.
func RedactError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	redacted := RedactString(msg)
	if redacted == msg {
		return err
	}
	return &RedactedError{msg: redacted, err: err}
}
