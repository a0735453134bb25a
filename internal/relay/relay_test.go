package relay

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vantutran2k1/env-logger/internal/record"
	"github.com/vantutran2k1/env-logger/internal/task"
	"github.com/vantutran2k1/env-logger/pkg/metrics"
)

func rec(location string) record.SensorRecord {
	return record.SensorRecord{Location: location, Timestamp: uint64(time.Now().UnixMilli())}
}

func TestRelay_MergesBothInputs(t *testing.T) {
	tcp := make(chan record.SensorRecord, 10)
	udp := make(chan record.SensorRecord, 10)
	out := make(chan record.SensorRecord, 10)

	r := Start(out, nil, zerolog.Nop(), tcp, udp)

	const n, m = 25, 17
	go func() {
		for i := 0; i < n; i++ {
			tcp <- rec(fmt.Sprintf("tcp-%d", i))
		}
		close(tcp)
	}()
	go func() {
		for i := 0; i < m; i++ {
			udp <- rec(fmt.Sprintf("udp-%d", i))
		}
		close(udp)
	}()

	var got []string
	for rec := range out {
		got = append(got, rec.Location)
	}
	require.NoError(t, r.Wait())
	require.Len(t, got, n+m)

	// FIFO per input, no duplicates
	next := map[string]int{"tcp": 0, "udp": 0}
	seen := make(map[string]bool)
	for _, loc := range got {
		assert.False(t, seen[loc], "duplicate %s", loc)
		seen[loc] = true

		var transport string
		var idx int
		_, err := fmt.Sscanf(loc, "%3s-%d", &transport, &idx)
		require.NoError(t, err)
		assert.Equal(t, next[transport], idx, "out of order on %s", transport)
		next[transport]++
	}
}

func TestRelay_ClosesOnlyWhenAllInputsClose(t *testing.T) {
	tcp := make(chan record.SensorRecord)
	udp := make(chan record.SensorRecord)
	out := make(chan record.SensorRecord, 1)

	r := Start(out, nil, zerolog.Nop(), tcp, udp)

	close(tcp)
	select {
	case <-r.Done():
		t.Fatal("relay finished with one input still open")
	case <-time.After(50 * time.Millisecond):
	}

	udp <- rec("late")
	assert.Equal(t, "late", (<-out).Location)

	close(udp)
	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("relay did not finish after both inputs closed")
	}

	_, ok := <-out
	assert.False(t, ok, "output must be closed")
}

func TestRelay_NoInputs(t *testing.T) {
	out := make(chan record.SensorRecord)
	r := Start(out, nil, zerolog.Nop())

	require.NoError(t, r.Wait())
	_, ok := <-out
	assert.False(t, ok)
}

func TestRelay_ConsumerGoneKeepsDraining(t *testing.T) {
	in := make(chan record.SensorRecord)
	out := make(chan record.SensorRecord)
	consumerDone := make(chan struct{})
	close(consumerDone)

	before := testutil.ToFloat64(metrics.RelayDroppedTotal)
	r := Start(out, consumerDone, zerolog.Nop(), in)

	for i := 0; i < 5; i++ {
		select {
		case in <- rec("orphan"):
		case <-time.After(time.Second):
			t.Fatal("relay stopped draining its input")
		}
	}
	close(in)

	require.NoError(t, r.Wait())
	assert.Equal(t, before+5, testutil.ToFloat64(metrics.RelayDroppedTotal))
}

func TestRelay_PumpPanicIsReported(t *testing.T) {
	var logs bytes.Buffer
	in := make(chan record.SensorRecord, 1)
	out := make(chan record.SensorRecord)
	close(out)

	in <- rec("doomed")
	close(in)

	r := Start(out, nil, zerolog.New(&logs), in)

	err := r.Wait()
	require.Error(t, err)
	assert.ErrorIs(t, err, task.ErrPanicked)
	assert.Contains(t, logs.String(), "relay pump failed")
	assert.Contains(t, logs.String(), "relay-pump-0")
}

func TestRelay_ClosesOutputAfterPumps(t *testing.T) {
	var logs bytes.Buffer
	a := make(chan record.SensorRecord)
	b := make(chan record.SensorRecord)
	out := make(chan record.SensorRecord, 2)

	r := Start(out, nil, zerolog.New(&logs), a, b)
	close(a)
	close(b)

	require.NoError(t, r.Wait())
	_, ok := <-out
	assert.False(t, ok, "out must be closed after all pumps finished")
	assert.NotContains(t, logs.String(), "relay pump failed")
}
