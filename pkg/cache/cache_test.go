// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustKey(t *testing.T, parts any) Key {
	k, err := NewKey(parts)
	require.NoError(t, err)
	return k
}

func TestNewKey(t *testing.T) {
	testcases := map[string]struct {
		a, b       any
		expectSame bool
	}{
		"Equal parts": {
			a:          map[string]int{"max_length": 512},
			b:          map[string]int{"max_length": 512},
			expectSame: true,
		},
		"Different parts": {
			a: map[string]int{"max_length": 512},
			b: map[string]int{"max_length": 256},
		},
	}

	for k, tc := range testcases {
		t.Run(k, func(t *testing.T) {
			a, b := mustKey(t, tc.a), mustKey(t, tc.b)
			assert.Equal(t, tc.expectSame, a == b)
			assert.Len(t, a.String(), 64)
		})
	}

	_, err := NewKey(func() {})
	assert.Error(t, err)
}

func TestTokenCache(t *testing.T) {
	c, err := Open(t.TempDir(), 0)
	require.NoError(t, err)
	defer c.Close()
	key := mustKey(t, "record-1")

	_, err = c.Get(key)
	assert.ErrorIs(t, err, ErrMiss)

	require.NoError(t, c.Put(key, []byte(`{"input_ids":[1]}`)))
	got, err := c.Get(key)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"input_ids":[1]}`), got)

	require.NoError(t, c.Put(key, []byte(`{"input_ids":[1,2]}`)))
	got, err = c.Get(key)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"input_ids":[1,2]}`), got)

	require.NoError(t, c.Evict(key))
	_, err = c.Get(key)
	assert.ErrorIs(t, err, ErrMiss)

	assert.Equal(t, Stats{Hits: 2, Misses: 2}, c.Stats())
}

func TestTokenCacheReopen(t *testing.T) {
	dir := t.TempDir()
	key := mustKey(t, "persisted")
	c, err := Open(dir, time.Hour)
	require.NoError(t, err)
	require.NoError(t, c.Put(key, []byte("yes")))
	require.NoError(t, c.Close())

	c, err = Open(dir, time.Hour)
	require.NoError(t, err)
	defer c.Close()
	got, err := c.Get(key)
	require.NoError(t, err)
	assert.Equal(t, []byte("yes"), got)
	assert.Equal(t, Stats{Hits: 1}, c.Stats())
}
