package receiver

import (
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vantutran2k1/env-logger/internal/record"
	"github.com/vantutran2k1/env-logger/pkg/metrics"
)

func startTCP(t *testing.T, opts Options) (*TCPReceiver, <-chan record.SensorRecord, *syncBuffer) {
	t.Helper()

	logger, logs := testLogger()
	r, out, err := StartTCP("127.0.0.1:0", opts, logger)
	require.NoError(t, err)

	t.Cleanup(func() {
		r.Shutdown()
		go func() {
			for range out {
			}
		}()
		_ = r.Wait()
	})
	return r, out, logs
}

func sendLine(t *testing.T, addr net.Addr, payload string) {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = io.WriteString(conn, payload)
	require.NoError(t, err)
}

func TestTCPReceiver_ForwardsRecord(t *testing.T) {
	r, out, _ := startTCP(t, testOptions())

	before := uint64(time.Now().UnixMilli())
	sendLine(t, r.Addr(), `{"location":"lab-1","temperature":21.5}`+"\n")
	rec := nextRecord(t, out)

	assert.Equal(t, "lab-1", rec.Location)
	assert.Nil(t, rec.DeviceID)
	require.NotNil(t, rec.Temperature)
	assert.Equal(t, float32(21.5), *rec.Temperature)
	assert.Nil(t, rec.Humidity)
	assert.Nil(t, rec.AirPressure)
	assert.GreaterOrEqual(t, rec.Timestamp, before)
	assert.LessOrEqual(t, rec.Timestamp, uint64(time.Now().UnixMilli()))
}

func TestTCPReceiver_LineEndings(t *testing.T) {
	r, out, _ := startTCP(t, testOptions())

	sendLine(t, r.Addr(), `{"location":"crlf"}`+"\r\n")
	assert.Equal(t, "crlf", nextRecord(t, out).Location)

	sendLine(t, r.Addr(), `{"location":"eof"}`)
	assert.Equal(t, "eof", nextRecord(t, out).Location)

	sendLine(t, r.Addr(), `{"location":"first"}`+"\n"+`{"location":"second"}`+"\n")
	assert.Equal(t, "first", nextRecord(t, out).Location)
	expectNoRecord(t, out, 100*time.Millisecond)
}

func TestTCPReceiver_MalformedPayloadIsDropped(t *testing.T) {
	r, out, logs := startTCP(t, testOptions())

	sendLine(t, r.Addr(), `{"temperature":20.0}`+"\n")
	sendLine(t, r.Addr(), `not json at all`+"\n")
	sendLine(t, r.Addr(), `{"location":"lab-2","humidity":55}`+"\n")

	rec := nextRecord(t, out)
	assert.Equal(t, "lab-2", rec.Location)
	expectNoRecord(t, out, 100*time.Millisecond)

	assert.Eventually(t, func() bool {
		return logs.Count("parse JSON failed") == 2
	}, time.Second, 10*time.Millisecond)
}

func TestTCPReceiver_EmptyConnection(t *testing.T) {
	r, out, logs := startTCP(t, testOptions())

	conn, err := net.Dial("tcp", r.Addr().String())
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	expectNoRecord(t, out, 100*time.Millisecond)
	assert.Eventually(t, func() bool {
		return logs.Count("receive data is empty") == 1
	}, time.Second, 10*time.Millisecond)
}

func TestTCPReceiver_Timeout(t *testing.T) {
	opts := testOptions()
	opts.ReadTimeout = 150 * time.Millisecond
	r, out, logs := startTCP(t, opts)

	stalled, err := net.Dial("tcp", r.Addr().String())
	require.NoError(t, err)
	defer stalled.Close()
	_, err = io.WriteString(stalled, `{"location":"never-finis`)
	require.NoError(t, err)

	sendLine(t, r.Addr(), `{"location":"after-stall"}`+"\n")
	assert.Equal(t, "after-stall", nextRecord(t, out).Location)

	assert.Eventually(t, func() bool {
		return logs.Count("data receive timeout") == 1
	}, 2*time.Second, 10*time.Millisecond)
	expectNoRecord(t, out, 100*time.Millisecond)

	// the server side closed the stalled connection
	_ = stalled.SetReadDeadline(time.Now().Add(time.Second))
	_, err = stalled.Read(make([]byte, 1))
	assert.Error(t, err)
}

func TestTCPReceiver_LineTooLong(t *testing.T) {
	opts := testOptions()
	opts.MaxLineBytes = 32
	r, out, logs := startTCP(t, opts)

	sendLine(t, r.Addr(), `{"location":"`+strings.Repeat("x", 100)+`"}`+"\n")
	expectNoRecord(t, out, 100*time.Millisecond)
	assert.Eventually(t, func() bool {
		return logs.Count("line exceeds maximum length") == 1
	}, time.Second, 10*time.Millisecond)

	sendLine(t, r.Addr(), `{"location":"short"}`+"\n")
	assert.Equal(t, "short", nextRecord(t, out).Location)
}

func TestTCPReceiver_Backpressure(t *testing.T) {
	opts := testOptions()
	opts.ChannelCapacity = 1
	r, out, _ := startTCP(t, opts)

	for i := 0; i < 3; i++ {
		sendLine(t, r.Addr(), `{"location":"bp"}`+"\n")
	}

	// one record fits in the channel, the other two sessions block on it
	// while the accept loop keeps going
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.InflightUnits.WithLabelValues(transportTCP)) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, out, 1)

	sendLine(t, r.Addr(), `{"location":"bp"}`+"\n")

	for i := 0; i < 4; i++ {
		assert.Equal(t, "bp", nextRecord(t, out).Location)
	}
}

func TestTCPReceiver_MaxInflight(t *testing.T) {
	opts := testOptions()
	opts.MaxInflight = 1
	r, out, logs := startTCP(t, opts)

	held, err := net.Dial("tcp", r.Addr().String())
	require.NoError(t, err)
	defer held.Close()

	require.Eventually(t, func() bool {
		return logs.Count("connection accepted") == 1
	}, time.Second, 10*time.Millisecond)

	refused, err := net.Dial("tcp", r.Addr().String())
	require.NoError(t, err)
	defer refused.Close()

	_ = refused.SetReadDeadline(time.Now().Add(time.Second))
	_, err = refused.Read(make([]byte, 1))
	assert.Error(t, err, "connection over the limit should be closed")
	assert.Equal(t, 1, logs.Count("too many connections in flight"))

	_, err = io.WriteString(held, `{"location":"held"}`+"\n")
	require.NoError(t, err)
	assert.Equal(t, "held", nextRecord(t, out).Location)
}

func TestTCPReceiver_ShutdownClosesOutput(t *testing.T) {
	r, out, _ := startTCP(t, testOptions())
	addr := r.Addr().String()

	sendLine(t, r.Addr(), `{"location":"before"}`+"\n")
	assert.Equal(t, "before", nextRecord(t, out).Location)

	r.Shutdown()
	r.Shutdown()

	expectClosed(t, out)
	require.NoError(t, r.Wait())

	_, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
	assert.Error(t, err, "no connection may be accepted after shutdown")
}

func TestTCPReceiver_ShutdownWaitsForInflight(t *testing.T) {
	r, out, logs := startTCP(t, testOptions())

	conn, err := net.Dial("tcp", r.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool {
		return logs.Count("connection accepted") == 1
	}, time.Second, 10*time.Millisecond)

	r.Shutdown()

	select {
	case <-r.Done():
		t.Fatal("receiver finished while a session was still in flight")
	case <-time.After(100 * time.Millisecond):
	}

	_, err = io.WriteString(conn, `{"location":"in-flight"}`+"\n")
	require.NoError(t, err)

	assert.Equal(t, "in-flight", nextRecord(t, out).Location)
	expectClosed(t, out)
	require.NoError(t, r.Wait())
}

func TestStartTCP_BindError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	logger, _ := testLogger()
	_, _, err = StartTCP(ln.Addr().String(), testOptions(), logger)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBind))

	_, _, err = StartTCP("not-an-address", testOptions(), logger)
	assert.True(t, errors.Is(err, ErrBind))
}
