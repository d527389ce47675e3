package alerting

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// DateLayout renders the notification "Date" field in server local time.
const DateLayout = "1/2/2006, 3:04:05 PM"

type Sender interface {
	Send(ctx context.Context, alert *Alert) error
	Name() string
}

// NewSender picks the sink implementation for webhookURL: a direct JSON
// webhook for http(s) URLs, shoutrrr for any other service scheme.
func NewSender(webhookURL string, timeout time.Duration) (Sender, error) {
	parsed, err := url.Parse(strings.TrimSpace(webhookURL))
	if err != nil {
		return nil, fmt.Errorf("invalid webhook URL: %w", err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "http", "https":
		return NewSlackSender(webhookURL, timeout)
	case "":
		return nil, fmt.Errorf("webhook URL has no scheme")
	default:
		return NewShoutrrrSender(webhookURL, timeout)
	}
}

func categoryColor(c Category) string {
	switch c {
	case CategorySuccess:
		return "good"
	case CategoryWarning:
		return "#f39c12"
	case CategoryError:
		return "danger"
	default:
		return "good"
	}
}

func detailsOrPlaceholder(details string) string {
	if details == "" {
		return EmptyDetails
	}
	return details
}

func buildFields(alert *Alert, at time.Time) []SlackField {
	return []SlackField{
		{Title: "Date", Value: at.Local().Format(DateLayout), Short: true},
		{Title: "Type", Value: alert.Category.Label(), Short: true},
		{Title: "Details", Value: detailsOrPlaceholder(alert.Details)},
	}
}
