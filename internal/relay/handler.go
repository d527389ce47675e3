package relay

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/alertrelay/alertrelay/internal/alerting"
	"github.com/alertrelay/alertrelay/internal/config"
	"github.com/alertrelay/alertrelay/internal/logger"
	"github.com/alertrelay/alertrelay/internal/metricsexporter"
	"github.com/alertrelay/alertrelay/internal/redactor"
	"github.com/alertrelay/alertrelay/internal/validation"
)

// Acknowledgements written back to the producer, one per payload.
const (
	AckInvalidCategory = "Invalid alert type. Must be one of: success, warning, error"
	AckDuplicate       = "Duplicate alert detected. Not sent to Slack."
	AckForwarded       = "Alert received by server and sent to Slack"
	AckError           = "Error processing alert message"
)

const maxLoggedPayload = 256

type Outcome string

const (
	OutcomeForwarded       Outcome = "forwarded"
	OutcomeDuplicate       Outcome = "duplicate"
	OutcomeInvalidCategory Outcome = "invalid_category"
	OutcomeMalformed       Outcome = "malformed"
	OutcomeError           Outcome = "error"
)

func (o Outcome) Ack() string {
	switch o {
	case OutcomeForwarded:
		return AckForwarded
	case OutcomeDuplicate:
		return AckDuplicate
	case OutcomeInvalidCategory:
		return AckInvalidCategory
	default:
		return AckError
	}
}

// DuplicateChecker is the shared deduplication state. *alerting.Deduplicator
// implements it.
type DuplicateChecker interface {
	CheckAndRecord(identity string) bool
	ItemCount() int
	Close()
}

// Conn is the part of a WebSocket connection the handler loop uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	RemoteAddr() net.Addr
}

type Handler struct {
	dedup           DuplicateChecker
	sender          alerting.Sender
	dispatchTimeout time.Duration
	tracer          trace.Tracer
	log             *zap.Logger
}

type HandlerOption func(*Handler)

func WithDispatchTimeout(d time.Duration) HandlerOption {
	return func(h *Handler) {
		if d > 0 {
			h.dispatchTimeout = d
		}
	}
}

func WithTracer(t trace.Tracer) HandlerOption {
	return func(h *Handler) {
		if t != nil {
			h.tracer = t
		}
	}
}

func WithLogger(l *zap.Logger) HandlerOption {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

func NewHandler(dedup DuplicateChecker, sender alerting.Sender, opts ...HandlerOption) *Handler {
	h := &Handler{
		dedup:           dedup,
		sender:          sender,
		dispatchTimeout: config.DefaultDispatchTimeout,
		tracer:          noop.NewTracerProvider().Tracer(""),
		log:             logger.Logger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandlePayload runs one producer payload through validation, deduplication
// and dispatch and returns the acknowledgement for it. It never fails: every
// error, including a panic, maps to one of the fixed acknowledgements.
func (h *Handler) HandlePayload(ctx context.Context, payload []byte) string {
	ctx, span := h.tracer.Start(ctx, "relay.handle_payload")
	defer span.End()

	outcome := h.process(ctx, span, payload)
	span.SetAttributes(attribute.String("alert.outcome", string(outcome)))
	metricsexporter.RecordAlert(string(outcome))
	return outcome.Ack()
}

func (h *Handler) process(ctx context.Context, span trace.Span, payload []byte) (outcome Outcome) {
	log := h.logFrom(ctx)
	defer func() {
		if r := recover(); r != nil {
			log.Error("Panic while handling alert", zap.Any("panic", r))
			span.SetStatus(codes.Error, "panic")
			outcome = OutcomeError
		}
	}()

	alert, err := alerting.ParseAlert(payload)
	if err != nil {
		fields := []zap.Field{
			zap.Error(err),
			zap.String("payload", redactor.String(validation.SanitizeLogValue(string(payload), maxLoggedPayload))),
		}
		switch {
		case errors.Is(err, alerting.ErrInvalidCategory):
			log.Info("Rejected alert with invalid type", fields...)
			return OutcomeInvalidCategory
		case errors.Is(err, alerting.ErrMalformedPayload):
			log.Warn("Error parsing alert message", fields...)
			return OutcomeMalformed
		default:
			log.Error("Unexpected error handling alert", fields...)
			return OutcomeError
		}
	}
	span.SetAttributes(attribute.String("alert.category", string(alert.Category)))

	duplicate := h.dedup.CheckAndRecord(alert.Identity())
	metricsexporter.SetDedupEntries(h.dedup.ItemCount())
	if duplicate {
		log.Debug("Duplicate alert suppressed", zap.String("category", string(alert.Category)))
		return OutcomeDuplicate
	}

	h.dispatch(ctx, alert)
	return OutcomeForwarded
}

// dispatch delivers alert to the sink. Failures are logged only; the alert
// stays recorded in the dedup state. The call is detached from ctx
// cancellation so an accepted alert is still delivered during shutdown.
func (h *Handler) dispatch(ctx context.Context, alert *alerting.Alert) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.dispatchTimeout)
	defer cancel()
	ctx, span := h.tracer.Start(ctx, "relay.dispatch",
		trace.WithAttributes(attribute.String("sender", h.sender.Name())))
	defer span.End()

	start := time.Now()
	err := h.sender.Send(ctx, alert)
	elapsed := time.Since(start)
	metricsexporter.RecordDispatch(h.sender.Name(), err, elapsed)

	log := h.logFrom(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dispatch failed")
		log.Error("Error sending alert",
			zap.String("sender", h.sender.Name()),
			zap.String("category", string(alert.Category)),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		return
	}
	log.Info("Alert sent",
		zap.String("sender", h.sender.Name()),
		zap.String("category", string(alert.Category)),
		zap.Duration("elapsed", elapsed))
}

// Serve reads payloads from conn until the peer goes away, a read or write
// fails, or ctx is cancelled. Payloads are handled strictly in order and each
// one gets exactly one text acknowledgement.
func (h *Handler) Serve(ctx context.Context, conn Conn) {
	connID := uuid.NewString()
	log := h.log.With(zap.String("conn_id", connID), zap.String("remote_addr", remoteAddr(conn)))
	ctx = withLogger(ctx, log)

	metricsexporter.ConnectionOpened()
	defer metricsexporter.ConnectionClosed()
	log.Debug("Producer connected")

	for {
		if ctx.Err() != nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.Debug("Producer disconnected")
			} else {
				log.Warn("Connection read failed", zap.Error(err))
			}
			return
		}
		ack := h.HandlePayload(ctx, data)
		if err := conn.WriteMessage(websocket.TextMessage, []byte(ack)); err != nil {
			log.Warn("Failed to write acknowledgement", zap.Error(err))
			return
		}
	}
}

func remoteAddr(conn Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

type loggerKey struct{}

func withLogger(ctx context.Context, l *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

func (h *Handler) logFrom(ctx context.Context) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok {
		return l
	}
	return h.log
}
