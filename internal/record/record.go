// Package record defines the sensor reading that flows through the pipeline.
package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"
)

var ErrRecordFormat = errors.New("invalid record format")

// SensorRecord is one normalized reading. Timestamp is assigned by the
// receiving process when the payload is decoded and never taken from the
// sender.
type SensorRecord struct {
	Location    string
	DeviceID    *string
	Timestamp   uint64
	Temperature *float32
	Humidity    *float32
	AirPressure *float32

	// Trace is the span of the unit of work that received the record. It
	// is the zero value when tracing is off.
	Trace trace.SpanContext
}

type payload struct {
	Location    *string  `json:"location"`
	DeviceID    *string  `json:"device_id"`
	Temperature *float32 `json:"temperature"`
	Humidity    *float32 `json:"humidity"`
	AirPressure *float32 `json:"air_pressure"`
}

// FromJSON decodes a device payload. Unknown fields, including any
// timestamp sent by the device, are ignored.
func FromJSON(data []byte) (SensorRecord, error) {
	if !utf8.Valid(data) {
		return SensorRecord{}, fmt.Errorf("%w: payload is not valid UTF-8", ErrRecordFormat)
	}

	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return SensorRecord{}, fmt.Errorf("%w: %v", ErrRecordFormat, err)
	}

	if p.Location == nil {
		return SensorRecord{}, fmt.Errorf("%w: missing field `location`", ErrRecordFormat)
	}
	if *p.Location == "" {
		return SensorRecord{}, fmt.Errorf("%w: empty field `location`", ErrRecordFormat)
	}

	return SensorRecord{
		Location:    *p.Location,
		DeviceID:    p.DeviceID,
		Timestamp:   uint64(time.Now().UnixMilli()),
		Temperature: p.Temperature,
		Humidity:    p.Humidity,
		AirPressure: p.AirPressure,
	}, nil
}

// Time returns the receive time as a time.Time in local time.
func (r SensorRecord) Time() time.Time {
	return time.UnixMilli(int64(r.Timestamp)).Local()
}

func (r SensorRecord) String() string {
	vals := make([]string, 0, 4)

	if r.DeviceID != nil {
		vals = append(vals, *r.DeviceID)
	}
	if r.Temperature != nil {
		vals = append(vals, fmt.Sprintf("%.1f°C", *r.Temperature))
	}
	if r.Humidity != nil {
		vals = append(vals, fmt.Sprintf("%.1f%%", *r.Humidity))
	}
	if r.AirPressure != nil {
		vals = append(vals, fmt.Sprintf("%.1fhpa", *r.AirPressure))
	}

	return fmt.Sprintf("%q,%s,%s",
		r.Location,
		r.Time().Format("2006-01-02 15:04:05.000 -07:00"),
		strings.Join(vals, ","),
	)
}
