package clickhouse

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// encoder compresses request bodies. A nil encoder sends bodies unchanged.
type encoder struct {
	name string
	zstd *zstd.Encoder
}

func newEncoder(name string) (*encoder, error) {
	switch name {
	case "":
		return nil, nil
	case "gzip":
		return &encoder{name: name}, nil
	case "zstd":
		// EncodeAll is safe for concurrent use
		z, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		return &encoder{name: name, zstd: z}, nil
	default:
		return nil, fmt.Errorf("unknown compression %q", name)
	}
}

func (e *encoder) encode(body []byte) ([]byte, string, error) {
	if e == nil {
		return body, "", nil
	}
	switch e.name {
	case "gzip":
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(body); err != nil {
			return nil, "", err
		}
		if err := w.Close(); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), "gzip", nil
	case "zstd":
		return e.zstd.EncodeAll(body, make([]byte, 0, len(body)/2)), "zstd", nil
	}
	return body, "", nil
}

func (e *encoder) close() {
	if e != nil && e.zstd != nil {
		_ = e.zstd.Close()
	}
}
