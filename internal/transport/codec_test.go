package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/encoding"
)

func TestJSONCodecRoundTrip(t *testing.T) {
	data, err := jsonCodec{}.Marshal(allocateWire{ConferenceID: "c1", EndpointID: "p1", Visitor: true})
	require.NoError(t, err)

	var got allocateWire
	require.NoError(t, jsonCodec{}.Unmarshal(data, &got))
	assert.Equal(t, "c1", got.ConferenceID)
	assert.Equal(t, "p1", got.EndpointID)
	assert.True(t, got.Visitor)
}

func TestJSONCodecUnmarshalErrorIsWrapped(t *testing.T) {
	var got allocateWire
	err := jsonCodec{}.Unmarshal([]byte("not json"), &got)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "transport: unmarshal")
}

func TestJSONCodecRegistersUnderItsName(t *testing.T) {
	assert.Equal(t, jsonCodecName, (jsonCodec{}).Name())
	assert.NotNil(t, encoding.GetCodec(jsonCodecName))
}
