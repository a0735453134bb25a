package receiver

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/vantutran2k1/env-logger/internal/record"
	"github.com/vantutran2k1/env-logger/internal/task"
	"github.com/vantutran2k1/env-logger/pkg/metrics"
)

const transportUDP = "udp"

// UDPReceiver decodes each datagram as one payload.
type UDPReceiver struct {
	*Handle

	conn   net.PacketConn
	opts   Options
	pipe   *pipeline
	logger zerolog.Logger
}

func StartUDP(addr string, opts Options, logger zerolog.Logger) (*UDPReceiver, <-chan record.SensorRecord, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: udp %s: %v", ErrBind, addr, err)
	}
	logger.Info().Str("addr", conn.LocalAddr().String()).Msg("success bind")

	opts = opts.withDefaults()
	r := &UDPReceiver{
		Handle: newHandle(),
		conn:   conn,
		opts:   opts,
		pipe:   newPipeline(transportUDP, opts, logger),
		logger: logger,
	}
	r.task = task.Go("udp-receiver", r.listenerLoop)

	return r, r.pipe.out, nil
}

func (r *UDPReceiver) Addr() net.Addr {
	return r.conn.LocalAddr()
}

func (r *UDPReceiver) listenerLoop() {
	r.logger.Info().Msg("start UDP receiver task")
	defer r.logger.Info().Msg("shutdown UDP receiver task")
	defer r.pipe.drain()

	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-r.requested():
		case <-stopped:
		}
		_ = r.conn.Close()
	}()

	buf := make([]byte, r.opts.DatagramBuffer)
	var backoff time.Duration
	for {
		n, addr, err := r.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-r.requested():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				r.logger.Error().Err(err).Msg("socket closed unexpectedly")
				return
			}

			metrics.TransportErrorsTotal.WithLabelValues(transportUDP, "read").Inc()
			backoff = nextBackoff(backoff)
			r.logger.Error().Err(err).Dur("retry_in", backoff).Msg("receive failed")

			select {
			case <-time.After(backoff):
			case <-r.requested():
				return
			}
			continue
		}
		backoff = 0

		session := uuid.NewString()
		peer := addr.String()
		r.logger.Info().
			Str("session", session).
			Str("peer", peer).
			Int("bytes", n).
			Msg("datagram received")

		data := make([]byte, n)
		copy(data, buf[:n])

		if !r.pipe.spawn(func() { r.receive(data, session, peer) }) {
			r.logger.Warn().
				Str("session", session).
				Int("max_inflight", r.opts.MaxInflight).
				Msg("too many datagrams in flight, dropping")
		}
	}
}

func (r *UDPReceiver) receive(data []byte, session, peer string) {
	logger := r.logger.With().Str("session", session).Logger()
	span := r.pipe.startSpan(r.opts.Tracer, session, peer)
	defer span.End()

	if e := logger.Trace(); e.Enabled() {
		e.Msgf("received data:\n%s", hex.Dump(data))
	}

	rec, err := record.FromJSON(data)
	if err != nil {
		metrics.DecodeErrorsTotal.WithLabelValues(transportUDP).Inc()
		logger.Error().Err(err).Msg("invalid JSON received")
		failSpan(span, err, "invalid JSON received")
		return
	}

	rec.Trace = span.SpanContext()
	r.pipe.forward(rec)
}
