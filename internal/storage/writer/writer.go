// Package writer runs the persistence stage: the single goroutine that
// writes records to the storage sink in the order it receives them.
package writer

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/vantutran2k1/env-logger/internal/record"
	"github.com/vantutran2k1/env-logger/internal/storage"
	"github.com/vantutran2k1/env-logger/internal/task"
	"github.com/vantutran2k1/env-logger/pkg/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	insertTimeout = 10 * time.Second
	tracerName    = "github.com/vantutran2k1/env-logger/internal/storage/writer"
)

type Stage struct {
	*task.Task

	sink   storage.Sink
	in     <-chan record.SensorRecord
	logger zerolog.Logger
	tracer trace.Tracer
}

type Option func(*Stage)

// WithTracer sets the tracer for the per-insert spans. The default comes
// from the global provider.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Stage) {
		s.tracer = tracer
	}
}

// Start consumes in until it is closed, then closes the sink. A failed
// insert is logged and the record is dropped; it is never retried.
func Start(sink storage.Sink, in <-chan record.SensorRecord, logger zerolog.Logger, opts ...Option) *Stage {
	s := &Stage{
		sink:   sink,
		in:     in,
		logger: logger,
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.Task = task.Go("database", s.run)
	return s
}

func (s *Stage) run() {
	s.logger.Info().Msg("start database task")

	defer func() {
		if err := s.sink.Close(); err != nil {
			s.logger.Error().Err(err).Msg("storage close failed")
		}
		s.logger.Info().Msg("shutdown database task")
	}()

	for rec := range s.in {
		s.write(rec)
	}
}

func (s *Stage) write(rec record.SensorRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
	defer cancel()

	// child of the receiving span when the record carries one
	ctx = trace.ContextWithSpanContext(ctx, rec.Trace)
	ctx, span := s.tracer.Start(ctx, "insert record",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("envlogger.location", rec.Location)),
	)
	defer span.End()

	start := time.Now()
	err := s.sink.Insert(ctx, rec)
	metrics.InsertDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert record failed")
		metrics.InsertErrorsTotal.Inc()
		s.logger.Error().Err(err).Str("record", rec.String()).Msg("insert record failed")
		return
	}

	metrics.RecordsPersistedTotal.Inc()
	s.logger.Info().Msgf("insert record: %s", rec)
}
