// Package receiver accepts sensor payloads over TCP and UDP and turns them
// into records on a bounded output channel.
package receiver

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vantutran2k1/env-logger/internal/record"
	"github.com/vantutran2k1/env-logger/internal/task"
	"github.com/vantutran2k1/env-logger/pkg/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

var ErrBind = errors.New("bind failed")

const tracerName = "github.com/vantutran2k1/env-logger/internal/receiver"

type Options struct {
	// ChannelCapacity bounds the output channel; a full channel blocks the
	// unit of work that is forwarding, never the accept loop.
	ChannelCapacity int
	// ReadTimeout is how long a TCP peer has to deliver its line.
	ReadTimeout time.Duration
	// MaxLineBytes caps a TCP line, newline included.
	MaxLineBytes int
	// DatagramBuffer is the UDP read buffer; longer datagrams are truncated.
	DatagramBuffer int
	// MaxInflight limits concurrent units of work per receiver. Zero means
	// unlimited. Units over the limit are refused, not queued.
	MaxInflight int
	// Tracer starts one span per unit of work. Nil uses the global provider.
	Tracer trace.Tracer
}

func DefaultOptions() Options {
	return Options{
		ChannelCapacity: 10,
		ReadTimeout:     10 * time.Second,
		MaxLineBytes:    4096,
		DatagramBuffer:  1024,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.ChannelCapacity <= 0 {
		o.ChannelCapacity = def.ChannelCapacity
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = def.ReadTimeout
	}
	if o.MaxLineBytes <= 0 {
		o.MaxLineBytes = def.MaxLineBytes
	}
	if o.DatagramBuffer <= 0 {
		o.DatagramBuffer = def.DatagramBuffer
	}
	if o.Tracer == nil {
		o.Tracer = otel.Tracer(tracerName)
	}
	return o
}

// Handle controls a running receiver. Shutdown may be called any number of
// times from any goroutine; only the first call has an effect.
type Handle struct {
	requestCh chan struct{}
	once      sync.Once
	task      *task.Task
}

func newHandle() *Handle {
	return &Handle{requestCh: make(chan struct{})}
}

// Shutdown asks the receiver to stop accepting input. It does not wait;
// use Wait or Done for completion.
func (h *Handle) Shutdown() {
	h.once.Do(func() { close(h.requestCh) })
}

func (h *Handle) requested() <-chan struct{} {
	return h.requestCh
}

// Done is closed after the read loop has exited, in-flight work has
// finished and the output channel has been closed.
func (h *Handle) Done() <-chan struct{} {
	return h.task.Done()
}

func (h *Handle) Wait() error {
	return h.task.Wait()
}

// pipeline is the part shared by both transports: the output channel, the
// in-flight bookkeeping and the optional in-flight limit.
type pipeline struct {
	transport string
	out       chan record.SensorRecord
	inflight  sync.WaitGroup
	sem       *semaphore.Weighted
	logger    zerolog.Logger
}

func newPipeline(transport string, opts Options, logger zerolog.Logger) *pipeline {
	p := &pipeline{
		transport: transport,
		out:       make(chan record.SensorRecord, opts.ChannelCapacity),
		logger:    logger,
	}
	if opts.MaxInflight > 0 {
		p.sem = semaphore.NewWeighted(int64(opts.MaxInflight))
	}
	return p
}

// spawn starts one unit of work. It reports false when the in-flight limit
// is reached and the unit was not started.
func (p *pipeline) spawn(fn func()) bool {
	if p.sem != nil && !p.sem.TryAcquire(1) {
		metrics.RejectedUnitsTotal.WithLabelValues(p.transport).Inc()
		return false
	}

	p.inflight.Add(1)
	metrics.InflightUnits.WithLabelValues(p.transport).Inc()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error().Interface("panic", r).Msg("unit of work panicked")
			}
			metrics.InflightUnits.WithLabelValues(p.transport).Dec()
			if p.sem != nil {
				p.sem.Release(1)
			}
			p.inflight.Done()
		}()
		fn()
	}()
	return true
}

// startSpan opens the span covering one connection or datagram.
func (p *pipeline) startSpan(tracer trace.Tracer, session, peer string) trace.Span {
	_, span := tracer.Start(context.Background(), p.transport+" receive",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("envlogger.transport", p.transport),
			attribute.String("envlogger.session", session),
			attribute.String("net.peer.addr", peer),
		),
	)
	return span
}

func failSpan(span trace.Span, err error, msg string) {
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
}

func (p *pipeline) forward(rec record.SensorRecord) {
	p.out <- rec
	metrics.RecordsReceivedTotal.WithLabelValues(p.transport).Inc()
}

// drain waits for every in-flight unit and then closes the output channel.
func (p *pipeline) drain() {
	p.inflight.Wait()
	close(p.out)
}
