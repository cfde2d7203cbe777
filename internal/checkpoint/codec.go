package checkpoint

import (
	"bytes"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"
)

// envelopeVersion is the current on-disk encoding version. Decode accepts
// only versions it knows; unknown versions fail loudly rather than guessing.
const envelopeVersion = 1

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// envelope is the versioned wrapper persisted for every checkpoint. The
// payload stays opaque JSON so callers own their own schemas.
type envelope struct {
	Version   int               `json:"version"`
	ScopeID   string            `json:"scope_id"`
	Label     string            `json:"label"`
	CreatedAt time.Time         `json:"created_at"`
	Meta      map[string]string `json:"meta,omitempty"`
	Payload   json.RawMessage   `json:"payload"`
}

// encode marshals, compresses, and checksums an envelope. The returned CRC
// covers the compressed bytes, so corruption is detected before inflation.
func encode(env envelope) ([]byte, uint32, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, 0, fmt.Errorf("checkpoint: marshal envelope: %w", err)
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, 0, fmt.Errorf("checkpoint: compress envelope: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, 0, fmt.Errorf("checkpoint: close compressor: %w", err)
	}

	blob := buf.Bytes()
	return blob, crc32.Checksum(blob, castagnoli), nil
}

// decode verifies the checksum, inflates, and unmarshals a stored blob.
func decode(blob []byte, wantCRC uint32) (envelope, error) {
	var env envelope
	if got := crc32.Checksum(blob, castagnoli); got != wantCRC {
		return env, fmt.Errorf("checkpoint: checksum mismatch: stored %08x, computed %08x", wantCRC, got)
	}

	zr, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return env, fmt.Errorf("checkpoint: open compressed envelope: %w", err)
	}
	raw, err := io.ReadAll(zr)
	if cerr := zr.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return env, fmt.Errorf("checkpoint: inflate envelope: %w", err)
	}

	if err := json.Unmarshal(raw, &env); err != nil {
		return env, fmt.Errorf("checkpoint: unmarshal envelope: %w", err)
	}
	if env.Version != envelopeVersion {
		return env, fmt.Errorf("checkpoint: unsupported envelope version %d", env.Version)
	}
	return env, nil
}

// salvage attempts a best-effort recovery of a blob that failed decode:
// checksum is ignored and whatever top-level JSON fields survive inflation
// are returned. Used to hand callers a degraded snapshot instead of nothing.
func salvage(blob []byte) (map[string]any, bool) {
	zr, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return nil, false
	}
	// ReadAll may fail partway through a truncated stream; keep what we got.
	raw, _ := io.ReadAll(zr)
	_ = zr.Close()
	if len(raw) == 0 {
		return nil, false
	}

	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil || len(fields) == 0 {
		return nil, false
	}
	return fields, true
}
