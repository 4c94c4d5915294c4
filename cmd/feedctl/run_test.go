package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketpulse/internal/domain/entity"
)

func TestScopeFromFlags(t *testing.T) {
	t.Run("global wins when set", func(t *testing.T) {
		scope, err := scopeFromFlags(true, []int64{1}, []int64{2})
		require.NoError(t, err)
		assert.Equal(t, entity.ScopeGlobal, scope.Kind)
	})

	t.Run("feed ids", func(t *testing.T) {
		scope, err := scopeFromFlags(false, []int64{1, 2}, nil)
		require.NoError(t, err)
		assert.Equal(t, entity.ScopeFeeds, scope.Kind)
		assert.Equal(t, []int64{1, 2}, scope.FeedIDs)
	})

	t.Run("item ids", func(t *testing.T) {
		scope, err := scopeFromFlags(false, nil, []int64{7})
		require.NoError(t, err)
		assert.Equal(t, entity.ScopeItems, scope.Kind)
		assert.Equal(t, []int64{7}, scope.ItemIDs)
	})

	t.Run("none set is an error", func(t *testing.T) {
		_, err := scopeFromFlags(false, nil, nil)
		assert.Error(t, err)
	})
}

func TestParseID(t *testing.T) {
	id, err := parseID("42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	_, err = parseID("not-a-number")
	assert.Error(t, err)
}
