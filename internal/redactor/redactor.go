package redactor

import (
	"errors"
	"regexp"
)

// Rule describes one secret pattern scrubbed from log and error text.
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
	Replace string
}

// Redactor applies a list of Rules to strings destined for logs.
type Redactor struct {
	rules []Rule
}

// Default returns a Redactor for webhook secrets and common credentials.
func Default() *Redactor {
	return &Redactor{rules: defaultRules()}
}

// New creates a Redactor with the provided rules.
func New(rules []Rule) *Redactor {
	return &Redactor{rules: rules}
}

func (r *Redactor) Redact(s string) string {
	for _, rule := range r.rules {
		s = rule.Pattern.ReplaceAllString(s, rule.Replace)
	}
	return s
}

// Error wraps err so that its message is redacted while errors.Is and
// errors.As still see the original chain.
func (r *Redactor) Error(err error) error {
	if err == nil {
		return nil
	}
	msg := r.Redact(err.Error())
	if msg == err.Error() {
		return err
	}
	return &redactedError{msg: msg, err: err}
}

type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }

var defaultRedactor = Default()

// String redacts s with the default rules.
func String(s string) string {
	return defaultRedactor.Redact(s)
}

// Error redacts err with the default rules.
func Error(err error) error {
	return defaultRedactor.Error(err)
}

// IsRedacted reports whether err's message was altered by a Redactor.
func IsRedacted(err error) bool {
	var re *redactedError
	return errors.As(err, &re)
}

func defaultRules() []Rule {
	return []Rule{
		{
			Name:    "slack_webhook",
			Pattern: regexp.MustCompile(`(hooks\.slack\.com/(?:services|workflows|triggers)/)[A-Za-z0-9/_\-]+`),
			Replace: "${1}***",
		},
		{
			Name:    "url_userinfo",
			Pattern: regexp.MustCompile(`([a-z][a-z0-9+.\-]*://)[^/\s:@]+(:[^/\s@]*)?@`),
			Replace: "${1}***@",
		},
		{
			Name:    "token_param",
			Pattern: regexp.MustCompile(`(?i)((?:token|apikey|api_key|key|secret)=)[^\s&]+`),
			Replace: "${1}***",
		},
		{
			Name:    "password",
			Pattern: regexp.MustCompile(`(?i)(password|passwd|pwd)=[^\s&]+`),
			Replace: "${1}=***",
		},
		{
			Name:    "bearer_token",
			Pattern: regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9._~+/\-]+=*`),
			Replace: "Bearer ***",
		},
	}
}
