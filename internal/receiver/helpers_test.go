package receiver

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/vantutran2k1/env-logger/internal/record"
)

// syncBuffer collects log output written from many goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Count(substr string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Count(b.buf.String(), substr)
}

func testLogger() (zerolog.Logger, *syncBuffer) {
	buf := &syncBuffer{}
	return zerolog.New(buf).Level(zerolog.TraceLevel), buf
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.ReadTimeout = 2 * time.Second
	return opts
}

func nextRecord(t *testing.T, ch <-chan record.SensorRecord) record.SensorRecord {
	t.Helper()
	select {
	case rec, ok := <-ch:
		if !ok {
			t.Fatal("channel closed while waiting for a record")
		}
		return rec
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a record")
	}
	return record.SensorRecord{}
}

func expectNoRecord(t *testing.T, ch <-chan record.SensorRecord, wait time.Duration) {
	t.Helper()
	select {
	case rec, ok := <-ch:
		if ok {
			t.Fatalf("unexpected record: %s", rec)
		}
	case <-time.After(wait):
	}
}

func expectClosed(t *testing.T, ch <-chan record.SensorRecord) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel was not closed")
		}
	}
}
