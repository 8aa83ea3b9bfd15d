package artifact

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// encode applies the configured compression mode and reports the matching
// file extension.
func encode(mode string, data []byte) ([]byte, string, error) {
	switch mode {
	case "", "none":
		return data, "json", nil
	case "gzip":
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			return nil, "", fmt.Errorf("gzip artifact: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, "", fmt.Errorf("gzip artifact: %w", err)
		}
		return buf.Bytes(), "json.gz", nil
	case "zstd":
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, "", fmt.Errorf("zstd artifact: %w", err)
		}
		out := enc.EncodeAll(data, make([]byte, 0, len(data)/2))
		enc.Close()
		return out, "json.zst", nil
	default:
		return nil, "", fmt.Errorf("unknown compression mode %q", mode)
	}
}
