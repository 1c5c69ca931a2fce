package storage

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayload_RoundTripCompresses(t *testing.T) {
	items := make([]json.RawMessage, 0, 200)
	for i := 0; i < 200; i++ {
		items = append(items, json.RawMessage(fmt.Sprintf(`{"processo":"0000%03d-12.2024.8.26.0100","classe":"Procedimento Comum Cível"}`, i)))
	}

	encoded, err := EncodePayload(items)
	require.NoError(t, err)

	raw, _ := json.Marshal(items)
	assert.Less(t, len(encoded), len(raw), "repetitive payloads should shrink")

	decoded, err := DecodePayload(encoded)
	require.NoError(t, err)
	require.Len(t, decoded, 200)
	assert.JSONEq(t, string(items[7]), string(decoded[7]))
}

func TestPayload_Empty(t *testing.T) {
	encoded, err := EncodePayload(nil)
	require.NoError(t, err)
	assert.Nil(t, encoded)

	decoded, err := DecodePayload(nil)
	require.NoError(t, err)
	assert.Nil(t, decoded)
}

func TestPayload_CorruptInput(t *testing.T) {
	_, err := DecodePayload([]byte("not zstd"))
	assert.Error(t, err)
}
