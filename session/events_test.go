package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWebSocketEventsCodec(t *testing.T) {
	assert := assert.New(t)

	// Case 0: decode mixed frames
	events, err := DecodeWebSocketEvents([]byte("OPEN\r\nTEXT 5\r\nhello\r\n"))
	assert.Nil(err)
	assert.Len(events, 2)
	assert.Equal(EventOpen, events[0].Type)
	assert.Nil(events[0].Content)
	assert.Equal(EventText, events[1].Type)
	assert.Equal("hello", string(events[1].Content))

	// Case 1: round trip through the encoder
	original := []Event{
		{Type: EventOpen},
		TextEvent(`{"action": "subscribe", "channel": "stock-price"}`),
		{Type: EventDisconnect},
	}
	decoded, err := DecodeWebSocketEvents(EncodeWebSocketEvents(original))
	assert.Nil(err)
	assert.Equal(original, decoded)

	// Case 2: content sizes above 15 use multi-digit hex
	long := TextEvent("0123456789abcdef0123")
	decoded, err = DecodeWebSocketEvents(EncodeWebSocketEvents([]Event{long}))
	assert.Nil(err)
	assert.Equal([]Event{long}, decoded)

	// Case 3: empty body
	events, err = DecodeWebSocketEvents([]byte{})
	assert.Nil(err)
	assert.Empty(events)

	// Case 4: malformed bodies
	_, err = DecodeWebSocketEvents([]byte("TEXT 5\r\nhel"))
	assert.NotNil(err)
	_, err = DecodeWebSocketEvents([]byte("TEXT zz\r\n"))
	assert.NotNil(err)
	_, err = DecodeWebSocketEvents([]byte("OPEN"))
	assert.NotNil(err)

	// Case 5: content length not matching the actual content must not
	// silently mis-frame the following events
	_, err = DecodeWebSocketEvents([]byte("TEXT 3\r\nhello\r\nOPEN\r\n"))
	assert.NotNil(err)
}

func TestControlEvents(t *testing.T) {
	assert := assert.New(t)

	// Case 0: control round trip
	event, err := ControlEvent("subscribe", "stock-price_abc")
	assert.Nil(err)
	operation, topic, ok := ParseControl(event)
	assert.True(ok)
	assert.Equal("subscribe", operation)
	assert.Equal("stock-price_abc", topic)

	// Case 1: plain TEXT is not a control instruction
	_, _, ok = ParseControl(TextEvent(`{"type": "ready"}`))
	assert.False(ok)

	// Case 2: content-less events are not control instructions
	_, _, ok = ParseControl(Event{Type: EventOpen})
	assert.False(ok)
}
