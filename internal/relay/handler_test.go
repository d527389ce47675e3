package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/alertrelay/alertrelay/internal/alerting"
)

type recordingSender struct {
	mu     sync.Mutex
	alerts []*alerting.Alert
	err    error
	panic  bool
	delay  time.Duration
}

func (s *recordingSender) Send(ctx context.Context, alert *alerting.Alert) error {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", alerting.ErrDispatch, ctx.Err())
		}
	}
	if s.panic {
		panic("sink exploded")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, alert)
	return s.err
}

func (s *recordingSender) Name() string { return "recording" }

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts)
}

type fakeConn struct {
	in       [][]byte
	out      []string
	readErr  error
	writeErr error
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	if len(c.in) == 0 {
		if c.readErr != nil {
			return 0, nil, c.readErr
		}
		return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
	}
	msg := c.in[0]
	c.in = c.in[1:]
	return websocket.TextMessage, msg, nil
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	if c.writeErr != nil {
		return c.writeErr
	}
	c.out = append(c.out, string(data))
	return nil
}

func (c *fakeConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 50000}
}

func newTestHandler(t *testing.T, sender alerting.Sender, window time.Duration) (*Handler, *alerting.Deduplicator) {
	t.Helper()
	dedup := alerting.NewDeduplicator(window, time.Second)
	t.Cleanup(dedup.Close)
	return NewHandler(dedup, sender, WithLogger(zap.NewNop())), dedup
}

const errorAlert = `{"message":"Service failure!","type":"error","details":"Database connection lost on Server B."}`

func TestHandlePayload_Outcomes(t *testing.T) {
	tests := []struct {
		name          string
		payloads      []string
		senderErr     error
		wantAcks      []string
		wantDispatch  int
		wantDedupSize int
	}{
		{
			name:          "new alert is forwarded",
			payloads:      []string{errorAlert},
			wantAcks:      []string{AckForwarded},
			wantDispatch:  1,
			wantDedupSize: 1,
		},
		{
			name:          "duplicate within window is suppressed",
			payloads:      []string{errorAlert, errorAlert},
			wantAcks:      []string{AckForwarded, AckDuplicate},
			wantDispatch:  1,
			wantDedupSize: 1,
		},
		{
			name:          "message does not affect identity",
			payloads:      []string{errorAlert, `{"message":"other","type":"error","details":"Database connection lost on Server B."}`},
			wantAcks:      []string{AckForwarded, AckDuplicate},
			wantDispatch:  1,
			wantDedupSize: 1,
		},
		{
			name:          "distinct categories are not conflated",
			payloads:      []string{`{"type":"error","details":"x"}`, `{"type":"warning","details":"x"}`},
			wantAcks:      []string{AckForwarded, AckForwarded},
			wantDispatch:  2,
			wantDedupSize: 2,
		},
		{
			name:          "invalid category",
			payloads:      []string{`{"message":"x","type":"critical","details":"y"}`},
			wantAcks:      []string{AckInvalidCategory},
			wantDispatch:  0,
			wantDedupSize: 0,
		},
		{
			name:          "non parseable payload",
			payloads:      []string{`not json`},
			wantAcks:      []string{AckError},
			wantDispatch:  0,
			wantDedupSize: 0,
		},
		{
			name:          "null payload",
			payloads:      []string{`null`},
			wantAcks:      []string{AckError},
			wantDispatch:  0,
			wantDedupSize: 0,
		},
		{
			name:          "non-string or absent type is an invalid category",
			payloads:      []string{`{"message":"x","type":5}`, `{"type":true}`, `[1,2]`, `"text"`},
			wantAcks:      []string{AckInvalidCategory, AckInvalidCategory, AckInvalidCategory, AckInvalidCategory},
			wantDispatch:  0,
			wantDedupSize: 0,
		},
		{
			name:          "numeric details are forwarded as text",
			payloads:      []string{`{"type":"error","details":42}`, `{"type":"error","details":"42"}`},
			wantAcks:      []string{AckForwarded, AckDuplicate},
			wantDispatch:  1,
			wantDedupSize: 1,
		},
		{
			name:          "dispatch failure is still acknowledged as forwarded",
			payloads:      []string{errorAlert, errorAlert},
			senderErr:     fmt.Errorf("%w: 500", alerting.ErrDispatch),
			wantAcks:      []string{AckForwarded, AckDuplicate},
			wantDispatch:  1,
			wantDedupSize: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := &recordingSender{err: tt.senderErr}
			h, dedup := newTestHandler(t, sender, 3*time.Second)

			for i, p := range tt.payloads {
				if got := h.HandlePayload(context.Background(), []byte(p)); got != tt.wantAcks[i] {
					t.Errorf("payload %d ack = %q, want %q", i, got, tt.wantAcks[i])
				}
			}
			if sender.count() != tt.wantDispatch {
				t.Errorf("dispatched %d, want %d", sender.count(), tt.wantDispatch)
			}
			if dedup.Len() != tt.wantDedupSize {
				t.Errorf("dedup size %d, want %d", dedup.Len(), tt.wantDedupSize)
			}
		})
	}
}

func TestHandlePayload_DispatchedAlert(t *testing.T) {
	sender := &recordingSender{}
	h, _ := newTestHandler(t, sender, time.Second)

	h.HandlePayload(context.Background(), []byte(`{"message":"Deployed","type":"success"}`))
	if sender.count() != 1 {
		t.Fatalf("expected one dispatch, got %d", sender.count())
	}
	got := sender.alerts[0]
	want := alerting.Alert{Category: alerting.CategorySuccess, Message: "Deployed", Details: alerting.EmptyDetails}
	if *got != want {
		t.Errorf("dispatched %+v, want %+v", *got, want)
	}
}

func TestHandlePayload_ReforwardAfterWindow(t *testing.T) {
	sender := &recordingSender{}
	h, _ := newTestHandler(t, sender, 50*time.Millisecond)

	if got := h.HandlePayload(context.Background(), []byte(errorAlert)); got != AckForwarded {
		t.Fatalf("first ack = %q", got)
	}
	time.Sleep(80 * time.Millisecond)
	if got := h.HandlePayload(context.Background(), []byte(errorAlert)); got != AckForwarded {
		t.Errorf("ack after window = %q, want %q", got, AckForwarded)
	}
	if sender.count() != 2 {
		t.Errorf("dispatched %d, want 2", sender.count())
	}
}

func TestHandlePayload_DefaultWindowScenario(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the full 3s window")
	}
	sender := &recordingSender{}
	h, _ := newTestHandler(t, sender, 3000*time.Millisecond)

	start := time.Now()
	if got := h.HandlePayload(context.Background(), []byte(errorAlert)); got != AckForwarded {
		t.Fatalf("t=0 ack = %q", got)
	}
	time.Sleep(time.Until(start.Add(1000 * time.Millisecond)))
	if got := h.HandlePayload(context.Background(), []byte(errorAlert)); got != AckDuplicate {
		t.Errorf("t=1000ms ack = %q, want %q", got, AckDuplicate)
	}
	time.Sleep(time.Until(start.Add(3100 * time.Millisecond)))
	if got := h.HandlePayload(context.Background(), []byte(errorAlert)); got != AckForwarded {
		t.Errorf("t=3100ms ack = %q, want %q", got, AckForwarded)
	}
	if sender.count() != 2 {
		t.Errorf("dispatched %d, want 2", sender.count())
	}
}

func TestHandlePayload_ConcurrentIdenticalAlerts(t *testing.T) {
	sender := &recordingSender{}
	h, _ := newTestHandler(t, sender, time.Minute)

	const producers = 50
	acks := make(chan string, producers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			acks <- h.HandlePayload(context.Background(), []byte(errorAlert))
		}()
	}
	close(start)
	wg.Wait()
	close(acks)

	counts := map[string]int{}
	for ack := range acks {
		counts[ack]++
	}
	if counts[AckForwarded] != 1 || counts[AckDuplicate] != producers-1 {
		t.Errorf("unexpected acks: %v", counts)
	}
	if sender.count() != 1 {
		t.Errorf("dispatched %d, want exactly 1", sender.count())
	}
}

func TestHandlePayload_PanicIsAbsorbed(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	dedup := alerting.NewDeduplicator(time.Minute, time.Second)
	defer dedup.Close()
	h := NewHandler(dedup, &recordingSender{panic: true}, WithLogger(zap.New(core)))

	if got := h.HandlePayload(context.Background(), []byte(errorAlert)); got != AckError {
		t.Errorf("ack = %q, want %q", got, AckError)
	}
	if logs.FilterMessage("Panic while handling alert").Len() != 1 {
		t.Error("expected the panic to be logged")
	}
}

func TestHandlePayload_DispatchTimeout(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	dedup := alerting.NewDeduplicator(time.Minute, time.Second)
	defer dedup.Close()
	sender := &recordingSender{delay: time.Second}
	h := NewHandler(dedup, sender, WithDispatchTimeout(20*time.Millisecond), WithLogger(zap.New(core)))

	start := time.Now()
	if got := h.HandlePayload(context.Background(), []byte(errorAlert)); got != AckForwarded {
		t.Errorf("ack = %q, want %q", got, AckForwarded)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("dispatch should be bounded by the dispatch timeout")
	}
	entries := logs.FilterMessage("Error sending alert").All()
	if len(entries) != 1 {
		t.Fatalf("expected one dispatch error log, got %d", len(entries))
	}
	if entries[0].ContextMap()["sender"] != "recording" {
		t.Errorf("unexpected log fields: %v", entries[0].ContextMap())
	}
}

func TestHandlePayload_Spans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	dedup := alerting.NewDeduplicator(time.Minute, time.Second)
	defer dedup.Close()
	h := NewHandler(dedup, &recordingSender{}, WithTracer(tp.Tracer("test")), WithLogger(zap.NewNop()))

	h.HandlePayload(context.Background(), []byte(errorAlert))
	h.HandlePayload(context.Background(), []byte(`{"type":"critical"}`))

	spans := recorder.Ended()
	byName := map[string]int{}
	var outcomes []string
	for _, s := range spans {
		byName[s.Name()]++
		for _, kv := range s.Attributes() {
			if kv.Key == "alert.outcome" {
				outcomes = append(outcomes, kv.Value.AsString())
			}
		}
	}
	if byName["relay.handle_payload"] != 2 || byName["relay.dispatch"] != 1 {
		t.Errorf("unexpected spans: %v", byName)
	}
	if len(outcomes) != 2 || outcomes[0] != "forwarded" || outcomes[1] != "invalid_category" {
		t.Errorf("unexpected outcomes: %v", outcomes)
	}
}

func TestServe_AcknowledgesInOrder(t *testing.T) {
	sender := &recordingSender{}
	h, _ := newTestHandler(t, sender, time.Minute)
	conn := &fakeConn{in: [][]byte{
		[]byte(errorAlert),
		[]byte(`garbage`),
		[]byte(errorAlert),
		[]byte(`{"type":"critical"}`),
		[]byte(`{"type":"warning","details":"disk"}`),
	}}

	h.Serve(context.Background(), conn)

	want := []string{AckForwarded, AckError, AckDuplicate, AckInvalidCategory, AckForwarded}
	if len(conn.out) != len(want) {
		t.Fatalf("got %d acks, want %d: %v", len(conn.out), len(want), conn.out)
	}
	for i := range want {
		if conn.out[i] != want[i] {
			t.Errorf("ack %d = %q, want %q", i, conn.out[i], want[i])
		}
	}
}

func TestServe_StopsOnWriteError(t *testing.T) {
	h, _ := newTestHandler(t, &recordingSender{}, time.Minute)
	conn := &fakeConn{
		in:       [][]byte{[]byte(errorAlert), []byte(`{"type":"warning"}`)},
		writeErr: errors.New("broken pipe"),
	}
	h.Serve(context.Background(), conn)
	if len(conn.in) != 1 {
		t.Errorf("Serve should stop after the failed write, %d payloads left", len(conn.in))
	}
}

func TestServe_StopsOnCancelledContext(t *testing.T) {
	h, _ := newTestHandler(t, &recordingSender{}, time.Minute)
	conn := &fakeConn{in: [][]byte{[]byte(errorAlert)}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.Serve(ctx, conn)
	if len(conn.out) != 0 {
		t.Errorf("no payload should be handled after cancellation, got %v", conn.out)
	}
}

func TestServe_LogsConnectionID(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	dedup := alerting.NewDeduplicator(time.Minute, time.Second)
	defer dedup.Close()
	h := NewHandler(dedup, &recordingSender{}, WithLogger(zap.New(core)))

	h.Serve(context.Background(), &fakeConn{readErr: errors.New("unexpected EOF")})

	entries := logs.FilterMessage("Connection read failed").All()
	if len(entries) != 1 {
		t.Fatalf("expected one read failure log, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if id, _ := fields["conn_id"].(string); len(id) != 36 {
		t.Errorf("conn_id = %v, want a uuid", fields["conn_id"])
	}
	if fields["remote_addr"] != "127.0.0.1:50000" {
		t.Errorf("remote_addr = %v", fields["remote_addr"])
	}
}

func TestOutcomeAck(t *testing.T) {
	tests := []struct {
		outcome Outcome
		want    string
	}{
		{OutcomeForwarded, AckForwarded},
		{OutcomeDuplicate, AckDuplicate},
		{OutcomeInvalidCategory, AckInvalidCategory},
		{OutcomeMalformed, AckError},
		{OutcomeError, AckError},
	}
	for _, tt := range tests {
		if got := tt.outcome.Ack(); got != tt.want {
			t.Errorf("%s.Ack() = %q, want %q", tt.outcome, got, tt.want)
		}
	}
}
