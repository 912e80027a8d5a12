package models

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSearchKeyNormalize(t *testing.T) {
	a := NewSearchKey("TikTok", "  Dance Challenge ", "")
	b := NewSearchKey("tiktok", "dance challenge", "all")
	assert.Equal(t, b, a)
	assert.Equal(t, "tiktok|dance challenge|all", a.String())
}

func TestSearchKeyValidate(t *testing.T) {
	tests := []struct {
		name string
		key  SearchKey
		ok   bool
	}{
		{"valid", NewSearchKey("douyin", "cats", "7days"), true},
		{"empty query", NewSearchKey("douyin", "   ", ""), false},
		{"bad platform", NewSearchKey("youtube", "cats", ""), false},
		{"bad range", NewSearchKey("tiktok", "cats", "2weeks"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.key.Validate()
			if tt.ok {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrValidation))
		})
	}
}

func TestDedupeByIDKeepsFirst(t *testing.T) {
	in := []VideoResult{
		{ID: "a", Title: "first"},
		{ID: "b", Title: "other"},
		{ID: "a", Title: "second"},
		{ID: "", Title: "no id"},
	}
	out := DedupeByID(in)
	require.Len(t, out, 2)
	assert.Equal(t, "first", out[0].Title)
	assert.Equal(t, "b", out[1].ID)
}

func TestTerminalStates(t *testing.T) {
	assert.True(t, StateCompleted.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.True(t, StateCancelled.Terminal())
	assert.False(t, StateWaiting.Terminal())
	assert.False(t, StateDelayed.Terminal())
	assert.False(t, StateActive.Terminal())
}
