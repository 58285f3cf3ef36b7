package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeEnvelopeRoundTrip(t *testing.T) {
	req := TransferRequest{
		ID: "abc123",
		Files: []FileManifestEntry{
			{FileID: "f1", Path: "notes.txt", Size: 42},
		},
	}

	raw, err := Encode(KindTransferRequest, req)
	require.NoError(t, err)

	env, err := DecodeEnvelope(raw)
	require.NoError(t, err)
	assert.Equal(t, KindTransferRequest, env.Kind)

	var decoded TransferRequest
	require.NoError(t, DecodePayload(env, &decoded))
	assert.Equal(t, req, decoded)
}

func TestDecodeEnvelopeRejectsMalformedJSON(t *testing.T) {
	_, err := DecodeEnvelope([]byte("not json"))
	assert.Error(t, err)
}

func TestPingPongRoundTrip(t *testing.T) {
	raw, err := Encode(KindPing, Ping{Timestamp: 1700000000})
	require.NoError(t, err)

	env, err := DecodeEnvelope(raw)
	require.NoError(t, err)
	assert.Equal(t, KindPing, env.Kind)

	var ping Ping
	require.NoError(t, DecodePayload(env, &ping))
	assert.Equal(t, int64(1700000000), ping.Timestamp)
}

func TestFrameEncodeDecodeRoundTrip(t *testing.T) {
	f := Frame{
		TransferID: [16]byte{0x01, 0x02, 0x03},
		FileID:     "file-id-1",
		Offset:     4096,
		Payload:    []byte("some chunk of file content"),
	}

	encoded, err := EncodeFrame(f)
	require.NoError(t, err)

	decoded, err := DecodeFrame(encoded)
	require.NoError(t, err)
	assert.Equal(t, f.TransferID, decoded.TransferID)
	assert.Equal(t, f.FileID, decoded.FileID)
	assert.Equal(t, f.Offset, decoded.Offset)
	assert.Equal(t, f.Payload, decoded.Payload)
}

func TestFrameEncodeEmptyPayload(t *testing.T) {
	f := Frame{TransferID: [16]byte{0xAA}, FileID: "f", Offset: 0, Payload: nil}
	encoded, err := EncodeFrame(f)
	require.NoError(t, err)

	decoded, err := DecodeFrame(encoded)
	require.NoError(t, err)
	assert.Empty(t, decoded.Payload)
}

func TestFrameEncodeRejectsOversizeFileID(t *testing.T) {
	big := make([]byte, MaxFileIDLen+1)
	for i := range big {
		big[i] = 'a'
	}
	_, err := EncodeFrame(Frame{FileID: string(big)})
	assert.Error(t, err)
}

func TestFrameDecodeRejectsTruncatedInput(t *testing.T) {
	_, err := DecodeFrame([]byte{0x01, 0x02, 0x03})
	assert.ErrorIs(t, err, ErrFrameCorrupt)
}

func TestFrameDecodeRejectsTamperedChecksum(t *testing.T) {
	f := Frame{TransferID: [16]byte{0x09}, FileID: "x", Offset: 7, Payload: []byte("data")}
	encoded, err := EncodeFrame(f)
	require.NoError(t, err)

	encoded[0] ^= 0xFF

	_, err = DecodeFrame(encoded)
	assert.ErrorIs(t, err, ErrFrameCorrupt)
}
