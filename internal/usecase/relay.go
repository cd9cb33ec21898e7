package usecase

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"chat-relay/internal/domain"
)

const (
	instrumentationName = "chat-relay/usecase"
	recordTimeout       = 5 * time.Second
)

// LLMStreamer opens one streaming completion. The sequence is lazy: nothing is
// sent upstream until it is ranged over, and breaking out of the range
// releases the upstream connection.
type LLMStreamer interface {
	Stream(ctx context.Context, model string, messages []domain.ChatMessage) iter.Seq2[domain.Chunk, error]
}

type RelayRecorder interface {
	SaveRelay(ctx context.Context, rec domain.RelayRecord) error
}

// EventSink receives normalized events in order. A Send error means the
// client can no longer be written to.
type EventSink interface {
	Send(ev domain.ChunkEvent) error
}

type RelayInput struct {
	RequestID string
	Messages  []domain.ChatMessage
}

type RelayOutput struct {
	Deltas      int
	ChunkErrors int
	Outcome     string
	// UpstreamErr is the failure reported to the client as the terminal error event.
	UpstreamErr error
}

type RelayService struct {
	llm      LLMStreamer
	recorder RelayRecorder
	model    string
	logger   *slog.Logger
	tracer   trace.Tracer
	extract  func(domain.Chunk) (string, error)
	now      func() time.Time

	streams     metric.Int64Counter
	deltas      metric.Int64Counter
	chunkErrors metric.Int64Counter
	duration    metric.Float64Histogram
}

type RelayOption func(*RelayService)

func WithLogger(logger *slog.Logger) RelayOption {
	return func(s *RelayService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithTracerProvider(tp trace.TracerProvider) RelayOption {
	return func(s *RelayService) {
		if tp != nil {
			s.tracer = tp.Tracer(instrumentationName)
		}
	}
}

func NewRelayService(llm LLMStreamer, recorder RelayRecorder, model string, opts ...RelayOption) (*RelayService, error) {
	if llm == nil {
		return nil, errors.New("usecase: llm streamer must not be nil")
	}
	if recorder == nil {
		return nil, errors.New("usecase: relay recorder must not be nil")
	}
	model = strings.TrimSpace(model)
	if model == "" {
		return nil, errors.New("usecase: model must not be empty")
	}
	s := &RelayService{
		llm:      llm,
		recorder: recorder,
		model:    model,
		logger:   slog.Default(),
		tracer:   otel.Tracer(instrumentationName),
		extract:  ExtractFragment,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.initInstruments(otel.Meter(instrumentationName)); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *RelayService) initInstruments(meter metric.Meter) error {
	var err error
	if s.streams, err = meter.Int64Counter("relay.streams",
		metric.WithDescription("Relayed streams by outcome")); err != nil {
		return fmt.Errorf("usecase: create streams counter: %w", err)
	}
	if s.deltas, err = meter.Int64Counter("relay.deltas",
		metric.WithDescription("Delta events written to clients")); err != nil {
		return fmt.Errorf("usecase: create deltas counter: %w", err)
	}
	if s.chunkErrors, err = meter.Int64Counter("relay.chunk_errors",
		metric.WithDescription("Provider chunks that failed to process")); err != nil {
		return fmt.Errorf("usecase: create chunk errors counter: %w", err)
	}
	if s.duration, err = meter.Float64Histogram("relay.duration",
		metric.WithDescription("Relay duration in milliseconds"),
		metric.WithUnit("ms")); err != nil {
		return fmt.Errorf("usecase: create duration histogram: %w", err)
	}
	return nil
}

// Validate rejects input before any upstream work is done.
func (s *RelayService) Validate(messages []domain.ChatMessage) error {
	return ValidateMessages(messages)
}

// Relay streams the provider's answer for in.Messages into sink.
//
// A *Error is returned only when validation fails, in which case nothing was
// written to sink. Any other returned error is a sink failure: the client went
// away and the upstream stream has been released. Upstream failures are not
// returned; they are written to sink as the terminal error event.
func (s *RelayService) Relay(ctx context.Context, in RelayInput, sink EventSink) (RelayOutput, error) {
	if err := s.Validate(in.Messages); err != nil {
		return RelayOutput{}, err
	}
	if sink == nil {
		return RelayOutput{}, newError(ErrorInternal, "nil_sink", "event sink must not be nil", nil)
	}

	started := s.now()
	ctx, span := s.tracer.Start(ctx, "chat.relay", trace.WithAttributes(
		attribute.String("relay.request_id", in.RequestID),
		attribute.String("llm.model", s.model),
		attribute.Int("relay.messages", len(in.Messages)),
	))
	defer span.End()

	out, sinkErr := s.relay(ctx, in.Messages, sink)
	elapsed := s.now().Sub(started)

	span.SetAttributes(
		attribute.Int("relay.deltas", out.Deltas),
		attribute.Int("relay.chunk_errors", out.ChunkErrors),
		attribute.String("relay.outcome", out.Outcome),
	)
	if out.UpstreamErr != nil {
		span.RecordError(out.UpstreamErr)
		span.SetStatus(codes.Error, out.UpstreamErr.Error())
	}

	outcome := metric.WithAttributes(attribute.String("outcome", out.Outcome))
	s.streams.Add(ctx, 1, outcome)
	s.deltas.Add(ctx, int64(out.Deltas))
	s.chunkErrors.Add(ctx, int64(out.ChunkErrors))
	s.duration.Record(ctx, float64(elapsed.Milliseconds()), outcome)

	logger := s.logger.With("request_id", in.RequestID, "outcome", out.Outcome,
		"deltas", out.Deltas, "chunk_errors", out.ChunkErrors, "duration_ms", elapsed.Milliseconds())
	switch {
	case out.UpstreamErr != nil:
		logger.Error("relay ended with upstream error", "err", out.UpstreamErr)
	case sinkErr != nil:
		logger.Info("client went away during relay", "err", sinkErr)
	default:
		logger.Info("relay completed")
	}

	s.saveRecord(ctx, in, out, started, elapsed)
	return out, sinkErr
}

func (s *RelayService) relay(ctx context.Context, messages []domain.ChatMessage, sink EventSink) (RelayOutput, error) {
	var out RelayOutput
	clientGone := func(err error) (RelayOutput, error) {
		out.Outcome = domain.OutcomeClientGone
		return out, err
	}

	for chunk, err := range s.llm.Stream(ctx, s.model, messages) {
		if err != nil {
			if ctx.Err() != nil {
				return clientGone(ctx.Err())
			}
			out.Outcome = domain.OutcomeError
			out.UpstreamErr = newError(ErrorUpstream, upstreamReason(err), "upstream stream failed", err)
			if sendErr := sink.Send(domain.ErrorEvent(err.Error())); sendErr != nil {
				return clientGone(sendErr)
			}
			return out, nil
		}

		fragment, err := s.extractSafely(chunk)
		if err != nil {
			out.ChunkErrors++
			s.logger.Warn("skipping provider chunk", "event", chunk.Event, "err", err)
			if sendErr := sink.Send(domain.ErrorEvent(err.Error())); sendErr != nil {
				return clientGone(sendErr)
			}
			continue
		}
		if fragment == "" {
			continue
		}
		if sendErr := sink.Send(domain.DeltaEvent(fragment)); sendErr != nil {
			return clientGone(sendErr)
		}
		out.Deltas++
	}

	if ctx.Err() != nil {
		return clientGone(ctx.Err())
	}
	if sendErr := sink.Send(domain.DoneEvent()); sendErr != nil {
		return clientGone(sendErr)
	}
	out.Outcome = domain.OutcomeDone
	return out, nil
}

// httpStatusCoder is implemented by upstream errors carrying an HTTP status.
type httpStatusCoder interface {
	HTTPStatusCode() int
}

func upstreamReason(err error) string {
	var sc httpStatusCoder
	if errors.As(err, &sc) {
		return fmt.Sprintf("upstream_status_%d", sc.HTTPStatusCode())
	}
	return "upstream_stream_failed"
}

// extractSafely turns a panic while handling one chunk into an ordinary
// per-chunk error so the rest of the stream is still relayed.
func (s *RelayService) extractSafely(chunk domain.Chunk) (fragment string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("process chunk: %v", r)
		}
	}()
	return s.extract(chunk)
}

func (s *RelayService) saveRecord(ctx context.Context, in RelayInput, out RelayOutput, started time.Time, elapsed time.Duration) {
	rec := domain.RelayRecord{
		RequestID:   in.RequestID,
		Model:       s.model,
		Messages:    len(in.Messages),
		Deltas:      out.Deltas,
		ChunkErrors: out.ChunkErrors,
		Outcome:     out.Outcome,
		StartedAt:   started,
		Duration:    elapsed,
	}
	if out.UpstreamErr != nil {
		rec.Error = errors.Unwrap(out.UpstreamErr).Error()
	}

	// The record is written even when the client disconnected.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := s.recorder.SaveRelay(ctx, rec); err != nil {
		s.logger.Warn("failed to save relay record", "request_id", in.RequestID, "err", err)
	}
}
