package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/alertrelay/alertrelay/internal/relay"
)

type sendOptions struct {
	url     string
	message string
	kind    string
	details string
	count   int
	timeout time.Duration
}

type alertPayload struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Details string `json:"details,omitempty"`
}

func newSendCmd() *cobra.Command {
	opts := sendOptions{}
	cmd := &cobra.Command{
		Use:          "send",
		Short:        "Send a test alert to a running relay and print the responses",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			return sendAlerts(ctx, cmd.OutOrStdout(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.url, "url", "ws://localhost:3000", "Relay WebSocket URL")
	cmd.Flags().StringVar(&opts.message, "message", "Service failure!", "Alert message")
	cmd.Flags().StringVar(&opts.kind, "type", "error", "Alert type (success, warning, error)")
	cmd.Flags().StringVar(&opts.details, "details", "Database connection lost on Server B.", "Alert details")
	cmd.Flags().IntVar(&opts.count, "count", 1, "Number of times to send the alert")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "Overall timeout")
	return cmd
}

func sendAlerts(ctx context.Context, out io.Writer, opts sendOptions) error {
	if opts.count < 1 {
		return fmt.Errorf("count must be at least 1")
	}
	body, err := json.Marshal(alertPayload{Message: opts.message, Type: opts.kind, Details: opts.details})
	if err != nil {
		return fmt.Errorf("failed to encode alert: %w", err)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, opts.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", opts.url, err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
		_ = conn.SetWriteDeadline(deadline)
	}

	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	cyan.Fprintf(out, "Connected to %s\n", opts.url)

	for i := 0; i < opts.count; i++ {
		if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
			return fmt.Errorf("failed to send alert: %w", err)
		}
		gray.Fprintf(out, "Alert message sent: %s\n", body)
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}
		responseColor(string(data)).Fprintf(out, "Server response: %s\n", data)
	}

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	cyan.Fprintln(out, "Disconnected from relay")
	return nil
}

func responseColor(ack string) *color.Color {
	switch ack {
	case relay.AckForwarded:
		return color.New(color.FgGreen)
	case relay.AckDuplicate:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgRed)
	}
}
