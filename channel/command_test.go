package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseCommand(t *testing.T) {
	assert := assert.New(t)

	// Case 0: not JSON
	{
		parsed := ParseCommand([]byte("not json"))
		invalid, ok := parsed.(InvalidCommand)
		assert.True(ok)
		assert.NotEmpty(invalid.Reason)
	}

	// Case 1: missing action
	{
		parsed := ParseCommand([]byte(`{"channel": "stock-price"}`))
		_, ok := parsed.(InvalidCommand)
		assert.True(ok)
	}

	// Case 2: unrecognized action
	{
		parsed := ParseCommand([]byte(`{"action": "launch", "channel": "stock-price"}`))
		_, ok := parsed.(InvalidCommand)
		assert.True(ok)
	}

	// Case 3: subscribe without channel
	{
		parsed := ParseCommand([]byte(`{"action": "subscribe"}`))
		_, ok := parsed.(InvalidCommand)
		assert.True(ok)
	}

	// Case 4: subscribe
	{
		parsed := ParseCommand(
			[]byte(`{"action": "subscribe", "channel": "stock-price", "params": {"symbol": "AAPL"}}`),
		)
		command, ok := parsed.(SubscribeCommand)
		assert.True(ok)
		assert.Equal("stock-price", command.Feed)
		assert.Equal(
			MakeKey("stock-price", map[string]interface{}{"symbol": "AAPL"}), command.Key,
		)
	}

	// Case 5: subscribe without params behaves as empty params
	{
		parsed := ParseCommand([]byte(`{"action": "subscribe", "channel": "stock-price"}`))
		command, ok := parsed.(SubscribeCommand)
		assert.True(ok)
		assert.Empty(command.Params)
		assert.Equal(MakeKey("stock-price", nil), command.Key)
	}

	// Case 6: unsubscribe
	{
		parsed := ParseCommand(
			[]byte(`{"action": "unsubscribe", "channel": "stock-price", "params": {"symbol": "AAPL"}}`),
		)
		command, ok := parsed.(UnsubscribeCommand)
		assert.True(ok)
		assert.Equal(
			MakeKey("stock-price", map[string]interface{}{"symbol": "AAPL"}), command.Key,
		)
	}

	// Case 7: unsubscribe-all
	{
		parsed := ParseCommand([]byte(`{"action": "unsubscribe-all"}`))
		_, ok := parsed.(UnsubscribeAllCommand)
		assert.True(ok)
	}
}
