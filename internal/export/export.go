// Package export writes store snapshots as JSON lines.
package export

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/dgnsrekt/logtail/internal/protocol"
)

// Record is one exported line.
type Record struct {
	Position int64 `json:"position"`
	Payload  any   `json:"payload"`
}

// WriteJSONL writes one JSON object per entry, in order.
func WriteJSONL(w io.Writer, entries []protocol.LogEntry) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for _, e := range entries {
		if err := enc.Encode(Record{Position: e.Position, Payload: e.Payload}); err != nil {
			return fmt.Errorf("encode position %d: %w", e.Position, err)
		}
	}
	return nil
}

// ToFile writes entries to path. Paths ending in .zst are zstd compressed.
func ToFile(path string, entries []protocol.LogEntry) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close %s: %w", path, cerr)
		}
	}()

	bw := bufio.NewWriter(f)

	if !strings.HasSuffix(path, ".zst") {
		if err := WriteJSONL(bw, entries); err != nil {
			return err
		}
		return bw.Flush()
	}

	zw, err := zstd.NewWriter(bw, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("create zstd encoder: %w", err)
	}
	if err := WriteJSONL(zw, entries); err != nil {
		zw.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finish zstd stream: %w", err)
	}
	return bw.Flush()
}
