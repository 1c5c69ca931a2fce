package storage

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

var (
	encoderOnce sync.Once
	encoder     *zstd.Encoder
	decoderOnce sync.Once
	decoder     *zstd.Decoder
)

func payloadEncoder() *zstd.Encoder {
	encoderOnce.Do(func() {
		// nil writer: only EncodeAll is used, which is safe for concurrent use
		encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	return encoder
}

func payloadDecoder() *zstd.Decoder {
	decoderOnce.Do(func() {
		decoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	})
	return decoder
}

// EncodePayload marshals scraped items to JSON and compresses them with zstd.
// An empty item list encodes to nil.
func EncodePayload(items []json.RawMessage) ([]byte, error) {
	if len(items) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return payloadEncoder().EncodeAll(raw, make([]byte, 0, len(raw)/4)), nil
}

// DecodePayload reverses EncodePayload
func DecodePayload(data []byte) ([]json.RawMessage, error) {
	if len(data) == 0 {
		return nil, nil
	}
	raw, err := payloadDecoder().DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress payload: %w", err)
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return items, nil
}
