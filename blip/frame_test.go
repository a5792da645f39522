package blip

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestFrameRoundTrip(t *testing.T) {
	f := &frame{
		number:     42,
		frameType:  frameTypeRequest,
		moreComing: true,
		noReply:    true,
		payload:    []byte("payload"),
	}
	decoded, err := decodeFrame(encodeFrame(f))
	assert.Equal(t, nil, err)
	assert.Equal(t, uint64(42), decoded.number)
	assert.Equal(t, frameTypeRequest, decoded.frameType)
	assert.Equal(t, true, decoded.moreComing)
	assert.Equal(t, true, decoded.noReply)
	assert.Equal(t, []byte("payload"), decoded.payload)
}

func TestFrameDecodeTruncated(t *testing.T) {
	_, err := decodeFrame([]byte{})
	assert.NotEqual(t, nil, err)
	// message number with no flags byte
	_, err = decodeFrame([]byte{0x07})
	assert.NotEqual(t, nil, err)
}

func TestPropertiesRoundTrip(t *testing.T) {
	properties := map[string]string{
		PropertyProfile: "changes",
		"since":         "100",
		"empty":         "",
	}
	payload := append(encodeProperties(properties, []string{PropertyProfile, "since", "empty"}), []byte(`[]`)...)

	decoded, body, err := decodeProperties(payload)
	assert.Equal(t, nil, err)
	assert.Equal(t, properties, decoded)
	assert.Equal(t, `[]`, string(body))
}

func TestPropertiesEmpty(t *testing.T) {
	payload := append(encodeProperties(map[string]string{}, nil), []byte("body")...)
	decoded, body, err := decodeProperties(payload)
	assert.Equal(t, nil, err)
	assert.Equal(t, 0, len(decoded))
	assert.Equal(t, "body", string(body))
}

func TestPropertiesTruncated(t *testing.T) {
	properties := map[string]string{"a": "b"}
	payload := encodeProperties(properties, []string{"a"})
	_, _, err := decodeProperties(payload[:len(payload)-2])
	assert.NotEqual(t, nil, err)
}
