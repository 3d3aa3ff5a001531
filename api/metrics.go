package api

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	dragsRoute       = "/api/drags"
	dragsSpanName    = "board.drags"
	dragsEventName   = "board.drags.request"
	dragsEventDomain = "board"
	tracerName       = "board-api/api"
)

// dragRequestMetrics collects per-request timings for the drag submission
// path and emits them both as a structured log entry and as an OpenTelemetry
// span with an attached observability event.
type dragRequestMetrics struct {
	logger *log.Logger
	span   trace.Span
	start  time.Time

	authDuration      time.Duration
	fetchDuration     time.Duration
	reconcileDuration time.Duration
	encodeDuration    time.Duration
	gestures          int
	deduped           int
	opsEmitted        int
	errorStage        string
}

// newDragRequestMetrics starts the request span. The returned context carries
// the span and should replace the request context when non-nil.
func newDragRequestMetrics(ctx context.Context, logger *log.Logger) (*dragRequestMetrics, context.Context) {
	m := &dragRequestMetrics{logger: logger, start: time.Now()}

	tracer := otel.GetTracerProvider().Tracer(tracerName)
	spanCtx, span := tracer.Start(ctx, dragsSpanName)
	if !span.SpanContext().IsValid() {
		return m, nil
	}
	m.span = span
	return m, spanCtx
}

func (m *dragRequestMetrics) ObserveAuth(d time.Duration) {
	if d > 0 {
		m.authDuration = d
	}
}

func (m *dragRequestMetrics) ObserveFetch(d time.Duration) {
	if d > 0 {
		m.fetchDuration = d
	}
}

func (m *dragRequestMetrics) ObserveReconcile(d time.Duration) {
	if d > 0 {
		m.reconcileDuration = d
	}
}

func (m *dragRequestMetrics) ObserveEncode(d time.Duration) {
	if d > 0 {
		m.encodeDuration = d
	}
}

func (m *dragRequestMetrics) SetGestures(count int) {
	if count < 0 {
		count = 0
	}
	m.gestures = count
}

func (m *dragRequestMetrics) SetDeduped(count int) {
	if count < 0 {
		count = 0
	}
	m.deduped = count
}

func (m *dragRequestMetrics) SetOpsEmitted(count int) {
	if count < 0 {
		count = 0
	}
	m.opsEmitted = count
}

func (m *dragRequestMetrics) SetErrorStage(stage string) {
	if stage == "" {
		return
	}
	m.errorStage = stage
}

// Log finalizes the request: one observability.event log entry, the matching
// span event, span status and end.
func (m *dragRequestMetrics) Log(status int, err error) {
	if m == nil || m.logger == nil {
		return
	}

	attrs := map[string]any{
		"http.route":            dragsRoute,
		"http.status_code":      status,
		"board.drags.total_ms":  durationToMillis(time.Since(m.start)),
		"board.drags.gestures":  m.gestures,
		"board.drags.deduped":   m.deduped,
		"board.drags.ops_count": m.opsEmitted,
	}
	if m.authDuration > 0 {
		attrs["board.drags.auth_ms"] = durationToMillis(m.authDuration)
	}
	if m.fetchDuration > 0 {
		attrs["board.drags.fetch_ms"] = durationToMillis(m.fetchDuration)
	}
	if m.reconcileDuration > 0 {
		attrs["board.drags.reconcile_ms"] = durationToMillis(m.reconcileDuration)
	}
	if m.encodeDuration > 0 {
		attrs["board.drags.encode_ms"] = durationToMillis(m.encodeDuration)
	}
	if m.errorStage != "" {
		attrs["board.drags.error_stage"] = m.errorStage
	}
	if err != nil {
		attrs["error.message"] = err.Error()
	}

	severityText, severityNumber := severityForStatus(status, err)

	fields := log.Fields{
		"event.name":      dragsEventName,
		"event.domain":    dragsEventDomain,
		"attributes":      attrs,
		"severity_text":   severityText,
		"severity_number": severityNumber,
	}

	if m.span != nil {
		sc := m.span.SpanContext()
		if sc.IsValid() {
			fields["trace_id"] = sc.TraceID().String()
			fields["span_id"] = sc.SpanID().String()
		}

		spanAttrs := make([]attribute.KeyValue, 0, len(attrs)+2)
		spanAttrs = append(spanAttrs,
			attribute.String("http.route", dragsRoute),
			attribute.Int64("http.status_code", int64(status)),
		)
		if m.errorStage != "" {
			spanAttrs = append(spanAttrs, attribute.String("board.drags.error_stage", m.errorStage))
		}
		m.span.SetAttributes(spanAttrs...)

		eventAttrs := []attribute.KeyValue{
			attribute.String("event.name", dragsEventName),
			attribute.String("event.domain", dragsEventDomain),
			attribute.String("severity_text", severityText),
			attribute.Int("severity_number", severityNumber),
			attribute.Float64("board.drags.total_ms", durationToMillis(time.Since(m.start))),
			attribute.Int("board.drags.gestures", m.gestures),
			attribute.Int("board.drags.ops_count", m.opsEmitted),
		}
		if m.errorStage != "" {
			eventAttrs = append(eventAttrs, attribute.String("board.drags.error_stage", m.errorStage))
		}
		if err != nil {
			eventAttrs = append(eventAttrs, attribute.String("error.message", err.Error()))
		}
		m.span.AddEvent("observability.event", trace.WithAttributes(eventAttrs...))

		if err != nil || status >= http.StatusInternalServerError {
			desc := http.StatusText(status)
			if err != nil {
				desc = err.Error()
			}
			m.span.SetStatus(codes.Error, desc)
		} else {
			m.span.SetStatus(codes.Ok, "")
		}
		m.span.End()
	}

	m.logger.WithFields(fields).Log(levelForSeverity(severityText), "observability.event")
}

func severityForStatus(status int, err error) (string, int) {
	switch {
	case err != nil || status >= http.StatusInternalServerError:
		return "ERROR", 17
	case status >= http.StatusBadRequest:
		return "WARN", 13
	default:
		return "INFO", 9
	}
}

func levelForSeverity(text string) log.Level {
	switch text {
	case "ERROR":
		return log.ErrorLevel
	case "WARN":
		return log.WarnLevel
	default:
		return log.InfoLevel
	}
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
