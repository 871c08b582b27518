package checkpoint

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/BaSui01/stepflow/internal/pool"
)

// DefaultCompressionThreshold is the serialized payload size in bytes
// above which checkpoint fields are gzip-compressed.
const DefaultCompressionThreshold = 10 * 1024

// encodeField marshals v to JSON. A nil value encodes to a nil slice so
// absent fields stay absent in the stored record.
func encodeField(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode checkpoint field: %w", err)
	}
	return data, nil
}

// checksumPayload computes the integrity digest of a checkpoint payload:
// SHA-256 hex over the canonical JSON encoding of the {input, output,
// context} triple. Canonical means map-key order, which encoding/json
// guarantees, so the digest is stable across processes. The digest is
// always computed over uncompressed bytes.
func checksumPayload(input, output, taskCtx []byte) (string, error) {
	triple := map[string]json.RawMessage{
		"input":   rawOrNull(input),
		"output":  rawOrNull(output),
		"context": rawOrNull(taskCtx),
	}
	data, err := json.Marshal(triple)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize checkpoint payload: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func rawOrNull(data []byte) json.RawMessage {
	if len(data) == 0 {
		return json.RawMessage("null")
	}
	return json.RawMessage(data)
}

// compressField gzips one payload field with pooled writer and buffer.
// The result is copied out because the buffer returns to the pool.
// Empty fields pass through untouched.
func compressField(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}

	buf := pool.ByteBufferPool.Get()
	defer pool.ByteBufferPool.Put(buf)

	zw := pool.GzipWriterPool.Get()
	defer pool.GzipWriterPool.Put(zw)

	zw.Reset(buf)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("failed to compress checkpoint field: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress checkpoint field: %w", err)
	}

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

// decompressField reverses compressField with pooled reader and buffer.
func decompressField(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}

	zr := pool.GzipReaderPool.Get()
	defer pool.GzipReaderPool.Put(zr)

	if err := zr.Reset(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("failed to decompress checkpoint field: %w", err)
	}

	buf := pool.ByteBufferPool.Get()
	defer pool.ByteBufferPool.Put(buf)

	if _, err := io.Copy(buf, zr); err != nil {
		return nil, fmt.Errorf("failed to decompress checkpoint field: %w", err)
	}
	if err := zr.Close(); err != nil {
		return nil, fmt.Errorf("failed to decompress checkpoint field: %w", err)
	}

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

// payloadSize is the serialized size of the uncompressed triple, the
// quantity compared against the compression threshold.
func payloadSize(input, output, taskCtx []byte) int {
	return len(input) + len(output) + len(taskCtx)
}
