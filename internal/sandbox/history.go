package sandbox

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
)

// HistoryEnv is the environment variable carrying prior conversation
// into a sandbox.
const HistoryEnv = "HARBOR_HISTORY"

// HistoryEntry is one prior message handed to a new sandbox.
type HistoryEntry struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"ts"`
}

// Shared encoder and decoder. Both are safe for concurrent use via
// EncodeAll and DecodeAll.
var (
	historyEncoder *zstd.Encoder
	historyDecoder *zstd.Decoder
)

func init() {
	var err error
	historyEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		panic("sandbox: zstd encoder initialization failed: " + err.Error())
	}
	historyDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(64<<20))
	if err != nil {
		panic("sandbox: zstd decoder initialization failed: " + err.Error())
	}
}

// EncodeHistory serializes entries as base64(zstd(json)). When the
// result exceeds maxBytes, the oldest entries are dropped until it
// fits. It returns the encoding and how many of the newest entries it
// holds. A non-positive maxBytes disables the bound.
func EncodeHistory(entries []HistoryEntry, maxBytes int) (string, int, error) {
	if len(entries) == 0 {
		return "", 0, nil
	}

	full, err := encodeEntries(entries)
	if err != nil {
		return "", 0, err
	}
	if maxBytes <= 0 || len(full) <= maxBytes {
		return full, len(entries), nil
	}

	// Smallest start index whose suffix fits. Size shrinks as start
	// grows, so binary search applies. lo == len(entries) means nothing
	// fits.
	lo, hi := 1, len(entries)
	for lo < hi {
		mid := (lo + hi) / 2
		enc, err := encodeEntries(entries[mid:])
		if err != nil {
			return "", 0, err
		}
		if len(enc) <= maxBytes {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	if lo == len(entries) {
		return "", 0, nil
	}
	enc, err := encodeEntries(entries[lo:])
	if err != nil {
		return "", 0, err
	}
	return enc, len(entries) - lo, nil
}

func encodeEntries(entries []HistoryEntry) (string, error) {
	raw, err := json.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("marshal history: %w", err)
	}
	return base64.StdEncoding.EncodeToString(historyEncoder.EncodeAll(raw, nil)), nil
}

// DecodeHistory reverses EncodeHistory. The empty string decodes to no
// entries.
func DecodeHistory(s string) ([]HistoryEntry, error) {
	if s == "" {
		return nil, nil
	}
	compressed, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode history base64: %w", err)
	}
	raw, err := historyDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress history: %w", err)
	}
	var entries []HistoryEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("unmarshal history: %w", err)
	}
	return entries, nil
}
