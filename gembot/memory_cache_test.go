package gembot

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCacheAppendAndGet(t *testing.T) {
	cache := NewMemoryCache(25)

	first := Turn{Role: TurnRoleUser, Text: "hi", Timestamp: time.Now()}
	second := Turn{Role: TurnRoleModel, Text: "hello", Timestamp: time.Now()}
	cache.Append("channel_1", first, second)

	turns := cache.Get("channel_1")
	require.Len(t, turns, 2)
	assert.Equal(t, "hi", turns[0].Text)
	assert.Equal(t, "hello", turns[1].Text)

	assert.Nil(t, cache.Get("channel_2"))
}

func TestMemoryCacheBounded(t *testing.T) {
	maxTurns := 25
	cache := NewMemoryCache(maxTurns)

	for i := 0; i < 200; i++ {
		cache.Append(
			"channel_1", Turn{
				Role: TurnRoleUser,
				Text: fmt.Sprintf("message %d", i),
			},
		)
		assert.LessOrEqual(t, cache.Len("channel_1"), 2*maxTurns)
	}

	turns := cache.Get("channel_1")
	require.Len(t, turns, 2*maxTurns)

	// oldest entries are dropped first
	assert.Equal(t, "message 150", turns[0].Text)
	assert.Equal(t, "message 199", turns[len(turns)-1].Text)
}

func TestMemoryCacheDelete(t *testing.T) {
	cache := NewMemoryCache(25)
	cache.Append("channel_1", Turn{Role: TurnRoleUser, Text: "hi"})

	cache.Delete("channel_1")
	assert.Nil(t, cache.Get("channel_1"))

	// deleting an absent conversation is a no-op
	cache.Delete("channel_1")
	assert.Nil(t, cache.Get("channel_1"))
}

func TestMemoryCacheGetReturnsCopy(t *testing.T) {
	cache := NewMemoryCache(25)
	cache.Append("channel_1", Turn{Role: TurnRoleUser, Text: "hi"})

	turns := cache.Get("channel_1")
	turns[0].Text = "mutated"

	assert.Equal(t, "hi", cache.Get("channel_1")[0].Text)
}
