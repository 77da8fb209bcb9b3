package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMemoryItemCache(t *testing.T) {
	assert := assert.New(t)

	uut, err := DefineMemoryItemCache(time.Minute)
	assert.Nil(err)
	defer func() { assert.Nil(uut.Close()) }()

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	firstSeen := time.Now()
	payload0 := map[string]interface{}{"symbol": "AAPL", "price": 100.0}

	// Case 0: first sighting has no previous record
	previous, err := uut.PutAndGetPrevious(ctxt, "stock-price", "AAPL", firstSeen, payload0)
	assert.Nil(err)
	assert.Nil(previous)

	// Case 1: second sighting returns the first record
	payload1 := map[string]interface{}{"symbol": "AAPL", "price": 101.5}
	previous, err = uut.PutAndGetPrevious(
		ctxt, "stock-price", "AAPL", time.Now(), payload1,
	)
	assert.Nil(err)
	assert.NotNil(previous)
	assert.Equal(payload0, previous.Payload)
	assert.Equal(firstSeen.Format(time.RFC3339), previous.Timestamp)

	// Case 2: same item id under a different feed is a separate record
	previous, err = uut.PutAndGetPrevious(
		ctxt, "weather", "AAPL", time.Now(), map[string]interface{}{"temp": 20.0},
	)
	assert.Nil(err)
	assert.Nil(previous)

	// Case 3: third sighting of the original key returns the second record
	previous, err = uut.PutAndGetPrevious(
		ctxt, "stock-price", "AAPL", time.Now(), payload1,
	)
	assert.Nil(err)
	assert.NotNil(previous)
	assert.Equal(payload1, previous.Payload)
}

func TestMemoryItemCacheContextCancel(t *testing.T) {
	assert := assert.New(t)

	uut, err := DefineMemoryItemCache(time.Minute)
	assert.Nil(err)
	defer func() { assert.Nil(uut.Close()) }()

	ctxt, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = uut.PutAndGetPrevious(
		ctxt, "stock-price", "AAPL", time.Now(), map[string]interface{}{},
	)
	assert.NotNil(err)
}
