package proto

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/gzip"
)

// Compress gzips b.
func Compress(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(b); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decompress gunzips b; output above maxSize (when > 0) is malformed.
func Decompress(b []byte, maxSize int) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, ErrMalformedFrame
	}
	defer zr.Close()
	var r io.Reader = zr
	if maxSize > 0 {
		r = io.LimitReader(zr, int64(maxSize)+1)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, ErrMalformedFrame
	}
	if maxSize > 0 && len(out) > maxSize {
		return nil, ErrMalformedFrame
	}
	return out, nil
}

// decompressPrefix inflates only the first n bytes.
func decompressPrefix(b []byte, n int) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, ErrMalformedFrame
	}
	defer zr.Close()
	out := make([]byte, n)
	if _, err := io.ReadFull(zr, out); err != nil {
		return nil, ErrMalformedFrame
	}
	return out, nil
}
