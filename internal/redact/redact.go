// Package redact strips credentials and internals from error messages before
// they are logged or returned to HTTP clients. Broker and database errors
// often echo the connection URI they failed on.
package redact

import "regexp"

// Placeholders substituted for the redacted fragments.
const (
	RedactedCredentialPlaceholder = "[REDACTED_CREDENTIAL]"
	RedactedPathPlaceholder       = "[REDACTED_PATH]"
	RedactedSQLPlaceholder        = "[REDACTED_SQL]"
	RedactedStackPlaceholder      = "[STACK_TRACE_REDACTED]"
)

type rule struct {
	pattern     *regexp.Regexp
	placeholder string
}

// Rules are applied in order; the URI rule must run before the path rule.
var rules = []rule{
	// user:password@ of amqp, postgres and friends
	{regexp.MustCompile(`(?i)\b(amqps?|postgres(?:ql)?|redis|mongodb)://[^@\s/]+@`), "$1://" + RedactedCredentialPlaceholder + "@"},
	{regexp.MustCompile(`(?i)\b(password|passwd|pwd)([=:]\s*['"]?)[^'"&\s]+`), "$1$2" + RedactedCredentialPlaceholder},
	{regexp.MustCompile(`(?:goroutine \d+|panic:)[\s\S]*?(\n\t.*)+`), RedactedStackPlaceholder},
	{regexp.MustCompile(`\b(SELECT|INSERT|UPDATE|DELETE)\b[\s\S]*?\b(FROM|INTO|SET)\b\s+\w+`), RedactedSQLPlaceholder},
	{regexp.MustCompile(`(^|[\s'"=(])(/[\w.-]+){2,}`), "$1" + RedactedPathPlaceholder},
}

// String redacts the sensitive fragments of input.
func String(input string) string {
	if input == "" {
		return input
	}
	for _, r := range rules {
		input = r.pattern.ReplaceAllString(input, r.placeholder)
	}
	return input
}

// Error redacts err.Error(). A nil error gives "".
func Error(err error) string {
	if err == nil {
		return ""
	}
	return String(err.Error())
}
