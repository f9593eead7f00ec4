package session

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pocketledger/pocketledger/internal/localstore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestKV(t *testing.T) *localstore.KV {
	t.Helper()
	kv, err := localstore.OpenKV(filepath.Join(t.TempDir(), "session.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })
	return kv
}

// hangingAuthenticator simulates an identity provider that never answers.
type hangingAuthenticator struct{}

func (hangingAuthenticator) CurrentUserID(ctx context.Context) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestInitResolvesUser(t *testing.T) {
	ctx := context.Background()
	s := New(StaticAuthenticator{UserID: "u1"}, openTestKV(t), testLogger())
	require.NoError(t, s.Init(ctx))

	id, err := s.ReadUserID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "u1", id)
}

func TestInitTimesOutOnHungProvider(t *testing.T) {
	s := New(hangingAuthenticator{}, openTestKV(t), testLogger())
	s.initTimeout = 50 * time.Millisecond

	err := s.Init(context.Background())
	assert.ErrorIs(t, err, ErrInitTimeout)
}

func TestOperationsRequireAuthentication(t *testing.T) {
	ctx := context.Background()
	s := New(StaticAuthenticator{UserID: "u1"}, openTestKV(t), testLogger())

	// No Init yet.
	_, err := s.ReadUserID(ctx)
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	_, err = s.WriteUserID(ctx)
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestViewAsRedirectsReadsAndBlocksWrites(t *testing.T) {
	ctx := context.Background()
	s := New(StaticAuthenticator{UserID: "owner"}, openTestKV(t), testLogger())
	require.NoError(t, s.Init(ctx))

	require.NoError(t, s.ViewAs(ctx, "friend"))

	id, err := s.ReadUserID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "friend", id)

	_, err = s.WriteUserID(ctx)
	assert.ErrorIs(t, err, ErrReadOnlySession)

	// The owner identity is still reachable for queue bookkeeping.
	owner, err := s.OwnerUserID()
	require.NoError(t, err)
	assert.Equal(t, "owner", owner)

	require.NoError(t, s.ClearViewAs(ctx))
	id, err = s.ReadUserID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "owner", id)
}

func TestViewAsSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	kv := openTestKV(t)

	s1 := New(StaticAuthenticator{UserID: "owner"}, kv, testLogger())
	require.NoError(t, s1.Init(ctx))
	require.NoError(t, s1.ViewAs(ctx, "friend"))

	// A fresh session over the same store picks the target back up.
	s2 := New(StaticAuthenticator{UserID: "owner"}, kv, testLogger())
	require.NoError(t, s2.Init(ctx))
	id, err := s2.ReadUserID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "friend", id)
}

func TestCloseClearsViewingAs(t *testing.T) {
	ctx := context.Background()
	kv := openTestKV(t)

	s := New(StaticAuthenticator{UserID: "owner"}, kv, testLogger())
	require.NoError(t, s.Init(ctx))
	require.NoError(t, s.ViewAs(ctx, "friend"))
	require.NoError(t, s.Close(ctx))

	_, err := s.ReadUserID(ctx)
	assert.ErrorIs(t, err, ErrNotAuthenticated)

	_, ok, err := s.ViewingAs(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}
