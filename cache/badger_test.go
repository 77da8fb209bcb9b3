package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBadgerItemCache(t *testing.T) {
	assert := assert.New(t)

	uut, err := DefineBadgerItemCache(t.TempDir())
	assert.Nil(err)
	defer func() { assert.Nil(uut.Close()) }()

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	payload0 := map[string]interface{}{"symbol": "AAPL", "price": 100.0}

	// Case 0: first sighting has no previous record
	previous, err := uut.PutAndGetPrevious(
		ctxt, "stock-price", "AAPL", time.Now(), payload0,
	)
	assert.Nil(err)
	assert.Nil(previous)

	// Case 1: second sighting returns the first record
	previous, err = uut.PutAndGetPrevious(
		ctxt, "stock-price", "AAPL", time.Now(),
		map[string]interface{}{"symbol": "AAPL", "price": 101.5},
	)
	assert.Nil(err)
	assert.NotNil(previous)
	assert.Equal(payload0, previous.Payload)
}
