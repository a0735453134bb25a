package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/vantutran2k1/env-logger/internal/config"
	"github.com/vantutran2k1/env-logger/internal/receiver"
	"github.com/vantutran2k1/env-logger/internal/record"
	"github.com/vantutran2k1/env-logger/internal/relay"
	"github.com/vantutran2k1/env-logger/internal/storage"
	"github.com/vantutran2k1/env-logger/internal/storage/writer"
	"github.com/vantutran2k1/env-logger/internal/task"
	"github.com/vantutran2k1/env-logger/pkg/auth"
	"github.com/vantutran2k1/env-logger/pkg/logging"
	"github.com/vantutran2k1/env-logger/pkg/metrics"
	"github.com/vantutran2k1/env-logger/pkg/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"
)

type app struct {
	config  config.Config
	logger  zerolog.Logger
	stage   *writer.Stage
	tcp     *receiver.TCPReceiver
	udp     *receiver.UDPReceiver
	relay   *relay.Relay
	signals *task.Task

	opsServer *http.Server
	opsDone   chan struct{}

	tp *sdktrace.TracerProvider
}

func receiverOptions(cfg config.Config) receiver.Options {
	return receiver.Options{
		ChannelCapacity: cfg.Receiver.ChannelCapacity,
		ReadTimeout:     cfg.Receiver.ReadTimeout,
		MaxLineBytes:    cfg.Receiver.MaxLineBytes,
		DatagramBuffer:  cfg.Receiver.DatagramBuffer,
		MaxInflight:     cfg.Receiver.MaxInflight,
	}
}

// newApp starts every component in dependency order. Nothing is left
// running when it returns an error.
func newApp(ctx context.Context, cfg config.Config, logger zerolog.Logger, sigCh <-chan os.Signal) (*app, error) {
	a := &app{config: cfg, logger: logger}

	tp, err := tracing.InitTracerProvider(ctx, "env-logger", cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracer: %w", err)
	}
	a.tp = tp
	if cfg.Tracing.OTLPEndpoint != "" {
		logger.Info().Str("endpoint", cfg.Tracing.OTLPEndpoint).Msg("exporting traces")
	}

	sink, err := storage.Open(ctx, storage.Config{
		Driver:      cfg.Storage.Driver,
		DBFile:      cfg.DBFile,
		PostgresURL: cfg.Storage.PostgresURL,
	})
	if err != nil {
		a.shutdownTracer()
		return nil, err
	}
	logger.Info().Str("driver", cfg.Storage.Driver).Str("db", cfg.DBFile).Msg("success open storage")

	pipeline := make(chan record.SensorRecord, cfg.PipelineCapacity)
	a.stage = writer.Start(sink, pipeline, logging.Component(logger, "database"),
		writer.WithTracer(tp.Tracer("env-logger/database")))

	opts := receiverOptions(cfg)
	opts.Tracer = tp.Tracer("env-logger/receiver")

	tcp, tcpOut, err := receiver.StartTCP(cfg.Endpoint(), opts, logging.Component(logger, "tcp-receiver"))
	if err != nil {
		close(pipeline)
		_ = a.stage.Wait()
		a.shutdownTracer()
		return nil, err
	}
	a.tcp = tcp

	udp, udpOut, err := receiver.StartUDP(cfg.Endpoint(), opts, logging.Component(logger, "udp-receiver"))
	if err != nil {
		tcp.Shutdown()
		_ = tcp.Wait()
		close(pipeline)
		_ = a.stage.Wait()
		a.shutdownTracer()
		return nil, err
	}
	a.udp = udp

	a.relay = relay.Start(pipeline, a.stage.Done(), logging.Component(logger, "relay"), tcpOut, udpOut)

	if cfg.MetricsAddr != "" {
		if err := a.startOpsServer(cfg.MetricsAddr); err != nil {
			a.tcp.Shutdown()
			a.udp.Shutdown()
			a.wait()
			a.shutdownTracer()
			return nil, err
		}
	}

	a.signals = task.Go("signal-trap", a.signalTrap(sigCh))

	return a, nil
}

// signalTrap waits for SIGINT or SIGTERM and asks both receivers to stop.
// The shutdown cascades from there: closed receiver outputs end the relay,
// the closed relay output ends the persistence stage.
func (a *app) signalTrap(sigCh <-chan os.Signal) func() {
	receiversDone := make(chan struct{})
	go func() {
		<-a.tcp.Done()
		<-a.udp.Done()
		close(receiversDone)
	}()

	return func() {
		select {
		case sig := <-sigCh:
			a.logger.Info().Msgf("caught %s", signalName(sig))
		case <-receiversDone:
			a.logger.Warn().Msg("both receivers stopped without a signal")
		}

		var g errgroup.Group
		g.Go(func() error { a.tcp.Shutdown(); return nil })
		g.Go(func() error { a.udp.Shutdown(); return nil })
		_ = g.Wait()
	}
}

func (a *app) startOpsServer(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: metrics endpoint %s: %v", receiver.ErrBind, addr, err)
	}

	keys, err := auth.NewKeyring(a.config.Auth.Keys, logging.Component(a.logger, "ops"))
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}
	a.opsServer = metrics.NewServer(addr, keys)
	a.opsDone = make(chan struct{})
	go func() {
		defer close(a.opsDone)
		a.logger.Info().Str("addr", ln.Addr().String()).Msg("starting metrics server")
		if err := a.opsServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error().Err(err).Msg("metrics server failed")
		}
	}()
	return nil
}

// run blocks until the shutdown sequence has completed.
func (a *app) run() {
	a.logger.Info().
		Str("endpoint", a.config.Endpoint()).
		Msgf("start env-logger %s", version)

	a.wait()
	a.shutdownOpsServer()
	a.shutdownTracer()
}

// wait joins every task. A failed task is reported and does not stop the
// join of the others.
func (a *app) wait() {
	type joinable struct {
		name string
		wait func() error
	}

	tasks := []joinable{
		{"relay", a.relay.Wait},
		{"TCP receiver", a.tcp.Wait},
		{"UDP receiver", a.udp.Wait},
		{"database", a.stage.Wait},
	}
	if a.signals != nil {
		tasks = append(tasks, joinable{"signal-trap", a.signals.Wait})
	}

	var g errgroup.Group
	for _, t := range tasks {
		g.Go(func() error {
			if err := t.wait(); err != nil {
				a.logger.Warn().Err(err).Msgf("%s task has been troubled", t.name)
				return err
			}
			return nil
		})
	}
	_ = g.Wait()
}

// shutdownTracer flushes pending spans to the collector.
func (a *app) shutdownTracer() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.tp.Shutdown(ctx); err != nil {
		a.logger.Error().Err(err).Msg("tracer shutdown error")
	}
}

func (a *app) shutdownOpsServer() {
	if a.opsServer == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.opsServer.Shutdown(ctx); err != nil {
		a.logger.Error().Err(err).Msg("metrics server shutdown error")
	}
	<-a.opsDone
}
