package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonicalizeParams(t *testing.T) {
	assert := assert.New(t)

	// Case 0: no parameters
	assert.Empty(CanonicalizeParams(map[string]interface{}{}))
	assert.Empty(CanonicalizeParams(nil))

	// Case 1: parameter ordering does not matter
	canonA := CanonicalizeParams(map[string]interface{}{
		"symbol": "AAPL", "market": "NASDAQ",
	})
	canonB := CanonicalizeParams(map[string]interface{}{
		"market": "NASDAQ", "symbol": "AAPL",
	})
	assert.Equal(canonA, canonB)

	// Case 2: key casing does not matter
	canonC := CanonicalizeParams(map[string]interface{}{
		"Symbol": "AAPL", "MARKET": "NASDAQ",
	})
	assert.Equal(canonA, canonC)

	// Case 3: differing values give differing results
	canonD := CanonicalizeParams(map[string]interface{}{
		"symbol": "MSFT", "market": "NASDAQ",
	})
	assert.NotEqual(canonA, canonD)

	// Case 4: non-string values are stringified
	canonE := CanonicalizeParams(map[string]interface{}{"limit": 25})
	canonF := CanonicalizeParams(map[string]interface{}{"limit": "25"})
	assert.Equal(canonE, canonF)
}

func TestMakeKey(t *testing.T) {
	assert := assert.New(t)

	params := map[string]interface{}{"symbol": "AAPL"}
	key := MakeKey("stock-price", params)
	assert.Equal(
		Key("stock-price_"+CanonicalizeParams(params)), key,
	)

	// Same feed and parameters always derive the same key
	assert.Equal(key, MakeKey("stock-price", map[string]interface{}{"SYMBOL": "AAPL"}))

	// Different feeds never collide
	assert.NotEqual(key, MakeKey("weather", params))
}
