package providers

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"io"
)

// GzipBase64 compresses data with gzip and encodes the result as standard
// base64 text, the shape Qwen's web client uses to pack its per-request
// credential blob. Stdlib only — no pack dependency wraps gzip+base64.
func GzipBase64(data []byte) (string, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// UngzipBase64 reverses GzipBase64, used by tests and by any admin tooling
// that needs to inspect a compressed credential blob.
func UngzipBase64(s string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	r, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
