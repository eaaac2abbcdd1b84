package record

import (
	"errors"
	"fmt"
	"math"
	"time"

	json "github.com/goccy/go-json"
)

// Record is one structured log event. Values are strings, numbers, booleans,
// nil, or nested maps/slices of those.
type Record map[string]any

// EventTime is the event timestamp handed over by the host, kept as whole
// seconds plus nanoseconds so the float conversion matches the host's own.
type EventTime struct {
	Sec  int64
	Nsec int64
}

// FromTime converts a time.Time into an EventTime.
func FromTime(t time.Time) EventTime {
	return EventTime{Sec: t.Unix(), Nsec: int64(t.Nanosecond())}
}

// Float returns the timestamp as fractional seconds.
func (t EventTime) Float() float64 {
	return float64(t.Sec) + float64(t.Nsec)/1e9
}

// Time returns the timestamp as a time.Time.
func (t EventTime) Time() time.Time {
	return time.Unix(t.Sec, t.Nsec)
}

// ErrUnsupportedValue is returned when a record holds a value that cannot be
// encoded as JSON.
var ErrUnsupportedValue = errors.New("unsupported record value")

// Options controls field injection and null elision.
type Options struct {
	DatetimeName      string
	DatetimePrecision int
	TZOffsetMinutes   int
	TagName           string
	DropNullFields    bool
}

// Formatter turns records into JSONEachRow lines. It holds no mutable state and
// is safe for concurrent use.
type Formatter struct {
	opts  Options
	scale float64
}

// NewFormatter returns a Formatter for opts.
func NewFormatter(opts Options) *Formatter {
	f := &Formatter{opts: opts}
	if opts.DatetimePrecision > 0 {
		f.scale = math.Pow10(opts.DatetimePrecision)
	}
	return f
}

// Datetime returns the value injected under DatetimeName for ts.
func (f *Formatter) Datetime(ts EventTime) int64 {
	offset := int64(f.opts.TZOffsetMinutes) * 60
	if f.opts.DatetimePrecision > 0 {
		// offset is applied in seconds after scaling
		return int64(ts.Float()*f.scale) + offset
	}
	return ts.Sec + offset
}

// Format encodes rec as a single JSON line terminated by "\n". rec itself is
// never modified. The second return value is the number of null fields dropped.
func (f *Formatter) Format(tag string, ts EventTime, rec Record) ([]byte, int, error) {
	out := make(Record, len(rec)+2)
	for k, v := range rec {
		out[k] = v
	}
	if f.opts.DatetimeName != "" {
		out[f.opts.DatetimeName] = f.Datetime(ts)
	}
	if f.opts.TagName != "" {
		out[f.opts.TagName] = tag
	}

	dropped := 0
	if f.opts.DropNullFields {
		for k, v := range out {
			if v == nil {
				delete(out, k)
				dropped++
			}
		}
	}

	b, err := json.MarshalNoEscape(out)
	if err != nil {
		return nil, dropped, fmt.Errorf("%w: %v", ErrUnsupportedValue, err)
	}
	return append(b, '\n'), dropped, nil
}
