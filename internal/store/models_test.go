package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusCreated, true},
		{StatusCreated, StatusLocked, true},
		{StatusLocked, StatusRunning, true},
		{StatusRunning, StatusStopping, true},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusFailedRequests, true},
		{StatusStopping, StatusStopped, true},
		{StatusLocked, StatusFailed, true},

		// Backwards and sideways moves are rejected.
		{StatusRunning, StatusLocked, false},
		{StatusStopping, StatusRunning, false},
		{StatusLocked, StatusCreated, false},
		{StatusRunning, StatusRunning, false},

		// Terminal states are sticky.
		{StatusCompleted, StatusFailed, false},
		{StatusStopped, StatusRunning, false},
		{StatusFailed, StatusCompleted, false},
		{StatusFailedRequests, StatusStopped, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.ok, validTransition(tt.from, tt.to))
		})
	}
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range []Status{StatusStopped, StatusCompleted, StatusFailed, StatusFailedRequests} {
		assert.True(t, s.Terminal(), string(s))
	}
	for _, s := range []Status{StatusPending, StatusCreated, StatusLocked, StatusRunning, StatusStopping} {
		assert.False(t, s.Terminal(), string(s))
	}
}

func TestDecodeKVs(t *testing.T) {
	t.Run("list form", func(t *testing.T) {
		kvs, err := decodeKVs(`[{"key":"Authorization","value":"Bearer x"},{"key":"X-Trace","value":"1"}]`)
		require.NoError(t, err)
		require.Len(t, kvs, 2)
		assert.Equal(t, "Authorization", kvs[0].Key)
	})

	t.Run("object form", func(t *testing.T) {
		kvs, err := decodeKVs(`{"Authorization":"Bearer x"}`)
		require.NoError(t, err)
		require.Len(t, kvs, 1)
		assert.Equal(t, "Bearer x", kvs[0].Value)
	})

	t.Run("empty", func(t *testing.T) {
		kvs, err := decodeKVs("")
		require.NoError(t, err)
		assert.Nil(t, kvs)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := decodeKVs("not json")
		assert.Error(t, err)
	})
}

func TestHeaderMap(t *testing.T) {
	task := &Task{Headers: []KV{{Key: "A", Value: "1"}, {Key: "B", Value: "2"}}}
	assert.Equal(t, map[string]string{"A": "1", "B": "2"}, task.HeaderMap())
}
