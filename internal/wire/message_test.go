package wire

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nugget/proxyd/internal/prxerr"
)

func TestCodecRoundTrip(t *testing.T) {
	// Property 4: for every message type the schema allows, decode(encode(m))
	// reproduces every field of m.
	codec := NewBinaryCodec()

	cases := []*Message{
		{
			SourceAddress: uuid.New(),
			ProxyAddress:  uuid.New(),
			SequenceID:    1,
			CorrelationID: 42,
			ErrorCode:     prxerr.Ok,
			Type:          TypePing,
			Body:          nil,
		},
		{
			SourceAddress: uuid.New(),
			ProxyAddress:  uuid.New(),
			SequenceID:    2,
			CorrelationID: 43,
			ErrorCode:     prxerr.Ok,
			Type:          TypeLinkOpen,
			Body:          &LinkOpenBody{Family: 2, Type: 1, Protocol: 6, Address: "10.0.0.1:443"},
		},
		{
			SourceAddress: uuid.New(),
			ProxyAddress:  uuid.New(),
			SequenceID:    3,
			CorrelationID: 44,
			ErrorCode:     prxerr.NotFound,
			Type:          TypeData,
			Body:          &DataBody{Buffer: []byte("hello proxy")},
		},
		{
			SourceAddress: uuid.New(),
			ProxyAddress:  uuid.New(),
			SequenceID:    4,
			CorrelationID: 45,
			ErrorCode:     prxerr.Ok,
			Type:          TypePoll,
			Body:          &PollBody{Timeout: 5000, Max: 64},
		},
		{
			SourceAddress: uuid.New(),
			ProxyAddress:  uuid.New(),
			SequenceID:    5,
			CorrelationID: 46,
			ErrorCode:     prxerr.Ok,
			Type:          TypeLinkClose,
			Body:          nil,
		},
	}

	for _, want := range cases {
		encoded, err := codec.Encode(want)
		require.NoError(t, err)

		got, err := codec.Decode(encoded)
		require.NoError(t, err)

		assert.Equal(t, want.SourceAddress, got.SourceAddress)
		assert.Equal(t, want.ProxyAddress, got.ProxyAddress)
		assert.Equal(t, want.SequenceID, got.SequenceID)
		assert.Equal(t, want.CorrelationID, got.CorrelationID)
		assert.Equal(t, want.ErrorCode, got.ErrorCode)
		assert.Equal(t, want.Type, got.Type)
		assert.Equal(t, want.Body, got.Body)
	}
}

func TestDecodeRejectsTruncatedFrame(t *testing.T) {
	codec := NewBinaryCodec()
	_, err := codec.Decode([]byte{1, 2, 3})
	require.Error(t, err)
	assert.Equal(t, prxerr.InvalidFormat, prxerr.CodeOf(err))
}

func TestDecodeRejectsBodyLengthMismatch(t *testing.T) {
	codec := NewBinaryCodec()
	encoded, err := codec.Encode(&Message{Type: TypeData, Body: &DataBody{Buffer: []byte("x")}})
	require.NoError(t, err)

	truncated := encoded[:len(encoded)-1]
	_, err = codec.Decode(truncated)
	require.Error(t, err)
	assert.Equal(t, prxerr.InvalidFormat, prxerr.CodeOf(err))
}

func TestCloneDeepCopiesDataBuffer(t *testing.T) {
	orig := &Message{Type: TypeData, Body: &DataBody{Buffer: []byte("abc")}}
	clone := orig.Clone()

	clone.Body.(*DataBody).Buffer[0] = 'z'
	assert.Equal(t, byte('a'), orig.Body.(*DataBody).Buffer[0], "mutating the clone must not affect the original")
}
