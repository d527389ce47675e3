package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/alertrelay/alertrelay/internal/config"
	"github.com/alertrelay/alertrelay/internal/redactor"
)

type SlackSender struct {
	webhookURL string
	client     *http.Client
	now        func() time.Time
}

type SlackAttachment struct {
	Color  string       `json:"color,omitempty"`
	Fields []SlackField `json:"fields,omitempty"`
}

type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short,omitempty"`
}

type SlackPayload struct {
	Text        string            `json:"text,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

func NewSlackSender(webhookURL string, timeout time.Duration) (*SlackSender, error) {
	if webhookURL == "" {
		return nil, fmt.Errorf("slack webhook URL is required")
	}
	parsedURL, err := url.Parse(webhookURL)
	if err != nil {
		return nil, fmt.Errorf("invalid slack webhook URL: %w", err)
	}
	if parsedURL.Scheme != "https" && parsedURL.Scheme != "http" {
		return nil, fmt.Errorf("slack webhook URL must use http or https scheme")
	}
	if parsedURL.Host == "" {
		return nil, fmt.Errorf("slack webhook URL has no host")
	}
	return &SlackSender{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: timeout},
		now:        time.Now,
	}, nil
}

// BuildPayload renders alert as a Slack incoming-webhook body.
func (s *SlackSender) BuildPayload(alert *Alert) SlackPayload {
	return SlackPayload{
		Text: alert.Message,
		Attachments: []SlackAttachment{{
			Color:  categoryColor(alert.Category),
			Fields: buildFields(alert, s.now()),
		}},
	}
}

func (s *SlackSender) Send(ctx context.Context, alert *Alert) error {
	if alert == nil {
		return fmt.Errorf("%w: alert is nil", ErrDispatch)
	}
	jsonData, err := json.Marshal(s.BuildPayload(alert))
	if err != nil {
		return fmt.Errorf("%w: failed to marshal Slack payload: %v", ErrDispatch, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("%w: failed to create request: %v", ErrDispatch, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", config.GetUserAgent())
	resp, err := s.client.Do(req)
	if err != nil {
		return redactor.Error(fmt.Errorf("%w: failed to send request: %v", ErrDispatch, err))
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, config.MaxSinkResponseBodyBytes))
		return fmt.Errorf("%w: unexpected status code %d: %s", ErrDispatch, resp.StatusCode, string(bodyBytes))
	}
	return nil
}

func (s *SlackSender) Name() string {
	return "slack"
}
