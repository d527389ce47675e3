package alerting

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	shoutrrr "github.com/nicholas-fedor/shoutrrr"
	router "github.com/nicholas-fedor/shoutrrr/pkg/router"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"

	"github.com/alertrelay/alertrelay/internal/redactor"
)

// ShoutrrrSender delivers to any shoutrrr service URL (slack://, discord://,
// teams://, ...). The fields are rendered as plain text lines under the
// message.
type ShoutrrrSender struct {
	router *router.ServiceRouter
	now    func() time.Time
}

func NewShoutrrrSender(serviceURL string, timeout time.Duration) (*ShoutrrrSender, error) {
	sender, err := shoutrrr.CreateSender(serviceURL)
	if err != nil {
		return nil, redactor.Error(fmt.Errorf("invalid notification service URL: %w", err))
	}
	if timeout > 0 {
		sender.Timeout = timeout
	}
	sender.SetLogger(log.New(io.Discard, "", 0))
	return &ShoutrrrSender{router: sender, now: time.Now}, nil
}

func (s *ShoutrrrSender) Render(alert *Alert) string {
	var b strings.Builder
	if alert.Message != "" {
		b.WriteString(alert.Message)
		b.WriteString("\n")
	}
	for _, f := range buildFields(alert, s.now()) {
		fmt.Fprintf(&b, "%s: %s\n", f.Title, f.Value)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Send blocks until the router returns or ctx is done. The router enforces its
// own timeout, so a send abandoned on ctx still finishes in the background.
func (s *ShoutrrrSender) Send(ctx context.Context, alert *Alert) error {
	if alert == nil {
		return fmt.Errorf("%w: alert is nil", ErrDispatch)
	}
	params := stypes.Params{}
	params.SetTitle(alert.Category.Label())
	body := s.Render(alert)

	done := make(chan error, 1)
	go func() {
		done <- firstError(s.router.Send(body, &params))
	}()
	select {
	case err := <-done:
		if err != nil {
			return redactor.Error(fmt.Errorf("%w: %v", ErrDispatch, err))
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrDispatch, ctx.Err())
	}
}

func (s *ShoutrrrSender) Name() string {
	return "shoutrrr"
}

func firstError(errs []error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
