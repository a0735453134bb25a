// Package relay merges the receivers' record streams into the single stream
// consumed by the persistence stage.
package relay

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/vantutran2k1/env-logger/internal/record"
	"github.com/vantutran2k1/env-logger/internal/task"
	"github.com/vantutran2k1/env-logger/pkg/metrics"
)

type Relay struct {
	*task.Task

	out          chan<- record.SensorRecord
	consumerDone <-chan struct{}
	open         atomic.Int32
	closed       chan struct{}
	logger       zerolog.Logger
}

// Start forwards every record from inputs to out and closes out once all
// inputs are closed. Order is kept per input only. When consumerDone is
// closed, records that cannot be delivered are logged and dropped so the
// inputs keep draining.
func Start(out chan<- record.SensorRecord, consumerDone <-chan struct{}, logger zerolog.Logger, inputs ...<-chan record.SensorRecord) *Relay {
	r := &Relay{
		out:          out,
		consumerDone: consumerDone,
		closed:       make(chan struct{}),
		logger:       logger,
	}
	r.open.Store(int32(len(inputs)))

	r.Task = task.GoErr("relay", func() error {
		r.logger.Info().Int("inputs", len(inputs)).Msg("start relay task")
		defer r.logger.Info().Msg("shutdown relay task")

		if len(inputs) == 0 {
			close(r.out)
			return nil
		}

		pumps := make([]*task.Task, len(inputs))
		for i, in := range inputs {
			pumps[i] = task.Go(fmt.Sprintf("relay-pump-%d", i), func() { r.pump(in) })
		}
		<-r.closed

		var errs []error
		for _, p := range pumps {
			if err := p.Wait(); err != nil {
				r.logger.Error().Err(err).Str("pump", p.Name()).Msg("relay pump failed")
				errs = append(errs, err)
			}
		}

		close(r.out)
		return errors.Join(errs...)
	})

	return r
}

// pump drains one input. The open count is released even when forwarding
// panics, so out is still closed once every input is done.
func (r *Relay) pump(in <-chan record.SensorRecord) {
	defer func() {
		if r.open.Add(-1) == 0 {
			close(r.closed)
		}
	}()

	for rec := range in {
		r.forward(rec)
	}
}

func (r *Relay) forward(rec record.SensorRecord) {
	select {
	case r.out <- rec:
		metrics.RelayForwardedTotal.Inc()
	case <-r.consumerDone:
		metrics.RelayDroppedTotal.Inc()
		r.logger.Error().Str("location", rec.Location).Msg("record send failed: persistence stage is gone")
	}
}
