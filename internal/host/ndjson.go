package host

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	json "github.com/goccy/go-json"
	"github.com/loykin/clickhousejson/internal/record"
)

// maxLine bounds a single NDJSON line.
const maxLine = 4 << 20

// ErrBadEvent marks input lines that cannot be turned into an Event.
var ErrBadEvent = errors.New("bad event")

// ReadOptions controls how NDJSON lines become events.
type ReadOptions struct {
	Tag string
	// TimeKey names the record field holding the event time. The field is
	// removed from the record. Empty means every event is stamped with Now.
	TimeKey string
	Now     func() time.Time
}

// ReadEvents decodes one JSON object per line from r and calls fn for each.
// Blank lines are skipped. line is 1-based.
func ReadEvents(r io.Reader, opts ReadOptions, fn func(line int, ev Event) error) error {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxLine)
	n := 0
	for sc.Scan() {
		n++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		ev, err := decodeEvent(raw, opts, now)
		if err != nil {
			return fmt.Errorf("line %d: %w", n, err)
		}
		if err := fn(n, ev); err != nil {
			return err
		}
	}
	return sc.Err()
}

func decodeEvent(raw []byte, opts ReadOptions, now func() time.Time) (Event, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var rec record.Record
	if err := dec.Decode(&rec); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrBadEvent, err)
	}
	if rec == nil {
		return Event{}, fmt.Errorf("%w: not a JSON object", ErrBadEvent)
	}
	ev := Event{Tag: opts.Tag, Record: rec}
	if opts.TimeKey == "" {
		ev.Time = record.FromTime(now())
		return ev, nil
	}
	v, ok := rec[opts.TimeKey]
	if !ok || v == nil {
		ev.Time = record.FromTime(now())
		return ev, nil
	}
	ts, err := parseTime(v)
	if err != nil {
		return Event{}, fmt.Errorf("%w: field %s: %v", ErrBadEvent, opts.TimeKey, err)
	}
	delete(rec, opts.TimeKey)
	ev.Time = ts
	return ev, nil
}

func parseTime(v any) (record.EventTime, error) {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return record.EventTime{Sec: i}, nil
		}
		f, err := t.Float64()
		if err != nil {
			return record.EventTime{}, err
		}
		sec, frac := math.Modf(f)
		return record.EventTime{Sec: int64(sec), Nsec: int64(math.Round(frac * 1e9))}, nil
	case string:
		tm, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return record.EventTime{}, err
		}
		return record.FromTime(tm), nil
	default:
		return record.EventTime{}, fmt.Errorf("unsupported time value %T", v)
	}
}
