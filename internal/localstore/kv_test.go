package localstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKVRoundTrip(t *testing.T) {
	ctx := context.Background()
	kv := openTestKV(t)

	_, ok, err := kv.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, kv.Set(ctx, "k", []byte("v1")))
	raw, ok, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v1", string(raw))

	// Upsert overwrites in place.
	require.NoError(t, kv.Set(ctx, "k", []byte("v2")))
	raw, _, err = kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(raw))

	require.NoError(t, kv.Delete(ctx, "k"))
	_, ok, err = kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKVDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	kv := openTestKV(t)
	require.NoError(t, kv.Delete(ctx, "never-existed"))
}
