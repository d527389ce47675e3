package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
)

var (
	schemeRegex          = regexp.MustCompile(`^[a-z][a-z0-9+.-]*$`)
	maxWebhookURLLength  = 2048
	maxPort              = 65535
	maxDuplicateWindow   = 24 * time.Hour
	validLogLevels       = []string{"debug", "info", "warn", "error", "fatal"}
	loopbackWebhookHosts = map[string]bool{"localhost": true, "127.0.0.1": true, "::1": true}
)

// ValidateWebhookURL accepts http(s) webhook endpoints and the service URLs
// understood by shoutrrr (slack://, discord://, ...).
func ValidateWebhookURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("webhook URL cannot be empty")
	}
	if len(raw) > maxWebhookURLLength {
		return fmt.Errorf("webhook URL exceeds maximum length of %d characters", maxWebhookURLLength)
	}
	if strings.ContainsAny(raw, " \t\r\n") {
		return fmt.Errorf("webhook URL must not contain whitespace")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid webhook URL: %w", err)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if !schemeRegex.MatchString(scheme) {
		return fmt.Errorf("webhook URL must include a scheme")
	}
	if parsed.Host == "" {
		return fmt.Errorf("webhook URL must include a host")
	}
	return nil
}

// IsPlaintextRemoteWebhook reports whether raw sends alerts over plain http to
// a host other than loopback.
func IsPlaintextRemoteWebhook(raw string) bool {
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return strings.EqualFold(parsed.Scheme, "http") && !loopbackWebhookHosts[strings.ToLower(parsed.Hostname())]
}

func ValidatePort(port int) error {
	if port <= 0 || port > maxPort {
		return fmt.Errorf("port must be between 1 and %d", maxPort)
	}
	return nil
}

func ValidateDuplicateWindow(window time.Duration) error {
	if window <= 0 {
		return fmt.Errorf("duplicate window must be positive")
	}
	if window > maxDuplicateWindow {
		return fmt.Errorf("duplicate window cannot exceed 24 hours")
	}
	return nil
}

func ValidateSampleRate(rate float64) error {
	if rate < 0 || rate > 1 {
		return fmt.Errorf("sample rate must be between 0.0 and 1.0")
	}
	return nil
}

func ValidateLogLevel(level string) error {
	if level == "" {
		return nil
	}
	for _, l := range validLogLevels {
		if strings.ToLower(level) == l {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (valid: %s)", level, strings.Join(validLogLevels, ", "))
}

// SanitizeLogValue strips control characters from client supplied text before
// it is written to logs.
func SanitizeLogValue(value string, maxLen int) string {
	var result strings.Builder
	result.Grow(len(value))
	for _, r := range value {
		if r >= 32 && r != 127 {
			result.WriteRune(r)
		}
	}
	out := result.String()
	if maxLen > 3 && len(out) > maxLen {
		out = out[:maxLen-3] + "..."
	}
	return out
}
