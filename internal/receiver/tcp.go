package receiver

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/vantutran2k1/env-logger/internal/record"
	"github.com/vantutran2k1/env-logger/internal/task"
	"github.com/vantutran2k1/env-logger/pkg/metrics"
)

const transportTCP = "tcp"

var (
	errEmptyData   = errors.New("receive data is empty")
	errLineTooLong = errors.New("line exceeds maximum length")
)

// TCPReceiver accepts one newline-terminated payload per connection.
type TCPReceiver struct {
	*Handle

	listener net.Listener
	opts     Options
	pipe     *pipeline
	logger   zerolog.Logger
}

// StartTCP binds addr and starts the accept loop. The returned channel is
// closed once the receiver has shut down and all its sessions finished.
func StartTCP(addr string, opts Options, logger zerolog.Logger) (*TCPReceiver, <-chan record.SensorRecord, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: tcp %s: %v", ErrBind, addr, err)
	}
	logger.Info().Str("addr", ln.Addr().String()).Msg("success bind")

	opts = opts.withDefaults()
	r := &TCPReceiver{
		Handle:   newHandle(),
		listener: ln,
		opts:     opts,
		pipe:     newPipeline(transportTCP, opts, logger),
		logger:   logger,
	}
	r.task = task.Go("tcp-receiver", r.listenerLoop)

	return r, r.pipe.out, nil
}

func (r *TCPReceiver) Addr() net.Addr {
	return r.listener.Addr()
}

func (r *TCPReceiver) listenerLoop() {
	r.logger.Info().Msg("start TCP receiver task")
	defer r.logger.Info().Msg("shutdown TCP receiver task")
	defer r.pipe.drain()

	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-r.requested():
		case <-stopped:
		}
		_ = r.listener.Close()
	}()

	var backoff time.Duration
	for {
		conn, err := r.listener.Accept()
		if err != nil {
			select {
			case <-r.requested():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				r.logger.Error().Err(err).Msg("listener closed unexpectedly")
				return
			}

			metrics.TransportErrorsTotal.WithLabelValues(transportTCP, "accept").Inc()
			backoff = nextBackoff(backoff)
			r.logger.Error().Err(err).Dur("retry_in", backoff).Msg("accept failed")

			select {
			case <-time.After(backoff):
			case <-r.requested():
				return
			}
			continue
		}
		backoff = 0

		session := uuid.NewString()
		r.logger.Info().
			Str("session", session).
			Str("peer", conn.RemoteAddr().String()).
			Msg("connection accepted")

		if !r.pipe.spawn(func() { r.session(conn, session) }) {
			r.logger.Warn().
				Str("session", session).
				Int("max_inflight", r.opts.MaxInflight).
				Msg("too many connections in flight, closing")
			_ = conn.Close()
		}
	}
}

// session reads a single line, decodes it and forwards the record.
func (r *TCPReceiver) session(conn net.Conn, session string) {
	logger := r.logger.With().Str("session", session).Logger()
	span := r.pipe.startSpan(r.opts.Tracer, session, conn.RemoteAddr().String())
	defer span.End()

	rec, err := r.receiveRecord(conn, logger)
	if err != nil {
		switch {
		case errors.Is(err, record.ErrRecordFormat):
			metrics.DecodeErrorsTotal.WithLabelValues(transportTCP).Inc()
			logger.Error().Err(err).Msg("parse JSON failed")
			failSpan(span, err, "parse JSON failed")
		case errors.Is(err, os.ErrDeadlineExceeded):
			metrics.TransportErrorsTotal.WithLabelValues(transportTCP, "timeout").Inc()
			logger.Error().Dur("timeout", r.opts.ReadTimeout).Msg("data receive timeout")
			failSpan(span, err, "data receive timeout")
		default:
			metrics.TransportErrorsTotal.WithLabelValues(transportTCP, "read").Inc()
			logger.Error().Err(err).Msg("TCP receive failed")
			failSpan(span, err, "TCP receive failed")
		}
		return
	}

	rec.Trace = span.SpanContext()
	r.pipe.forward(rec)
}

func (r *TCPReceiver) receiveRecord(conn net.Conn, logger zerolog.Logger) (record.SensorRecord, error) {
	defer func() {
		if err := conn.Close(); err != nil {
			logger.Debug().Err(err).Msg("TCP socket close failed")
		}
	}()

	if err := conn.SetReadDeadline(time.Now().Add(r.opts.ReadTimeout)); err != nil {
		return record.SensorRecord{}, err
	}

	line, err := readLine(bufio.NewReaderSize(conn, r.opts.MaxLineBytes))
	if err != nil {
		return record.SensorRecord{}, err
	}

	if e := logger.Trace(); e.Enabled() {
		e.Msgf("received data:\n%s", hex.Dump(line))
	}

	return record.FromJSON(line)
}

// readLine returns one line without its terminator. A last line that ends
// at EOF without a newline still counts.
func readLine(br *bufio.Reader) ([]byte, error) {
	line, err := br.ReadSlice('\n')
	switch {
	case err == nil:
	case errors.Is(err, bufio.ErrBufferFull):
		return nil, fmt.Errorf("%w: more than %d bytes", errLineTooLong, br.Size())
	case errors.Is(err, io.EOF):
		if len(line) == 0 {
			return nil, errEmptyData
		}
	default:
		return nil, err
	}

	line = bytes.TrimSuffix(line, []byte("\n"))
	line = bytes.TrimSuffix(line, []byte("\r"))
	return line, nil
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > time.Second {
		d = time.Second
	}
	return d
}
