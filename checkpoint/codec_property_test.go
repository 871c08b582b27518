package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"reflect"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/BaSui01/stepflow/store"
)

func TestProperty_ChecksumStability(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("the same payload always hashes to the same digest", prop.ForAll(
		func(key string, value int, note string) bool {
			input, err := encodeField(map[string]any{key: value})
			if err != nil {
				t.Logf("encode input failed: %v", err)
				return false
			}
			output, err := encodeField(map[string]any{"note": note})
			if err != nil {
				t.Logf("encode output failed: %v", err)
				return false
			}
			taskCtx, err := encodeField(map[string]any{"count": value})
			if err != nil {
				t.Logf("encode context failed: %v", err)
				return false
			}

			first, err := checksumPayload(input, output, taskCtx)
			if err != nil {
				t.Logf("first checksum failed: %v", err)
				return false
			}
			second, err := checksumPayload(input, output, taskCtx)
			if err != nil {
				t.Logf("second checksum failed: %v", err)
				return false
			}

			if first != second {
				t.Logf("checksum not stable: %s vs %s", first, second)
				return false
			}
			if len(first) != 64 {
				t.Logf("expected 64 hex chars, got %d", len(first))
				return false
			}
			return true
		},
		gen.Identifier(),  // key
		gen.Int(),         // value
		gen.AlphaString(), // note
	))

	properties.Property("changing one field value changes the digest", prop.ForAll(
		func(key string, v1, v2 int) bool {
			if v1 == v2 {
				return true
			}

			first, err := encodeField(map[string]any{key: v1})
			if err != nil {
				t.Logf("encode failed: %v", err)
				return false
			}
			second, err := encodeField(map[string]any{key: v2})
			if err != nil {
				t.Logf("encode failed: %v", err)
				return false
			}

			sum1, err := checksumPayload(first, nil, nil)
			if err != nil {
				t.Logf("checksum failed: %v", err)
				return false
			}
			sum2, err := checksumPayload(second, nil, nil)
			if err != nil {
				t.Logf("checksum failed: %v", err)
				return false
			}

			if sum1 == sum2 {
				t.Logf("digest collision for %s=%d vs %s=%d", key, v1, key, v2)
				return false
			}
			return true
		},
		gen.Identifier(), // key
		gen.Int(),        // v1
		gen.Int(),        // v2
	))

	properties.Property("the same value in a different field changes the digest", prop.ForAll(
		func(key string, value int) bool {
			data, err := encodeField(map[string]any{key: value})
			if err != nil {
				t.Logf("encode failed: %v", err)
				return false
			}

			asInput, err := checksumPayload(data, nil, nil)
			if err != nil {
				t.Logf("checksum failed: %v", err)
				return false
			}
			asOutput, err := checksumPayload(nil, data, nil)
			if err != nil {
				t.Logf("checksum failed: %v", err)
				return false
			}

			if asInput == asOutput {
				t.Logf("digest ignores field position")
				return false
			}
			return true
		},
		gen.Identifier(), // key
		gen.Int(),        // value
	))

	properties.TestingRun(t)
}

func TestProperty_CompressionRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("compress then decompress returns the original bytes", prop.ForAll(
		func(payload string, repeat int) bool {
			data := []byte(strings.Repeat(payload, repeat))

			compressed, err := compressField(data)
			if err != nil {
				t.Logf("compress failed: %v", err)
				return false
			}
			restored, err := decompressField(compressed)
			if err != nil {
				t.Logf("decompress failed: %v", err)
				return false
			}

			if !bytes.Equal(data, restored) {
				t.Logf("round trip mismatch: %d bytes in, %d bytes out", len(data), len(restored))
				return false
			}
			return true
		},
		gen.AnyString(),      // payload
		gen.IntRange(1, 200), // repeat
	))

	properties.TestingRun(t)
}

func TestProperty_CompressionThreshold(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("payloads above the threshold are stored compressed and read back intact", prop.ForAll(
		func(filler string, size int) bool {
			ctx := context.Background()
			st := store.NewMemoryStore(nil)
			m := NewManager(st, WithCompressionThreshold(128))

			original := map[string]any{"data": strings.Repeat(filler, size)}

			created, err := m.CreateStepCheckpoint(ctx, "task-prop", 0, "bulk", original, original, nil, nil)
			if err != nil {
				t.Logf("create failed: %v", err)
				return false
			}

			// The caller's view stays uncompressed.
			if created.IsCompressed {
				t.Logf("returned checkpoint should not be marked compressed")
				return false
			}

			raw, err := st.GetStep(ctx, created.ID)
			if err != nil {
				t.Logf("raw get failed: %v", err)
				return false
			}
			if !raw.IsCompressed {
				t.Logf("stored record should be compressed above the threshold")
				return false
			}

			loaded, err := m.GetStepCheckpoint(ctx, created.ID)
			if err != nil {
				t.Logf("get failed: %v", err)
				return false
			}

			var restored map[string]any
			if err := json.Unmarshal(loaded.Input, &restored); err != nil {
				t.Logf("unmarshal failed: %v", err)
				return false
			}
			if !reflect.DeepEqual(original, restored) {
				t.Logf("decompressed input differs from original")
				return false
			}

			sum, err := checksumPayload(loaded.Input, loaded.Output, loaded.Context)
			if err != nil {
				t.Logf("checksum failed: %v", err)
				return false
			}
			if sum != loaded.Checksum {
				t.Logf("checksum does not verify after decompression")
				return false
			}
			return true
		},
		gen.RegexMatch("[a-z]{8}"), // filler
		gen.IntRange(20, 100),      // size, keeps the triple well above 128 bytes
	))

	properties.Property("payloads below the threshold are stored as-is", prop.ForAll(
		func(value int) bool {
			ctx := context.Background()
			st := store.NewMemoryStore(nil)
			m := NewManager(st)

			created, err := m.CreateStepCheckpoint(ctx, "task-small", 0, "tiny", map[string]any{"n": value}, nil, nil, nil)
			if err != nil {
				t.Logf("create failed: %v", err)
				return false
			}

			raw, err := st.GetStep(ctx, created.ID)
			if err != nil {
				t.Logf("raw get failed: %v", err)
				return false
			}
			if raw.IsCompressed {
				t.Logf("small payload should not be compressed")
				return false
			}
			if !bytes.Equal(raw.Input, created.Input) {
				t.Logf("small payload should be stored verbatim")
				return false
			}
			return true
		},
		gen.Int(), // value
	))

	properties.TestingRun(t)
}
