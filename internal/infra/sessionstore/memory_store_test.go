package sessionstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yanqian/agrivision/internal/domain/session"
)

func TestMemoryStoreSaveGet(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	sess := session.Session{
		ID:        "abc",
		State:     session.StateResult,
		Image:     &session.ImageRef{Key: "sessions/abc/capture", Width: 10, Height: 20},
		ExpiresAt: now.Add(time.Minute),
	}
	require.NoError(t, store.Save(context.Background(), sess))

	got, err := store.Get(context.Background(), "abc")
	require.NoError(t, err)
	require.Equal(t, sess, got)

	// returned copies do not alias stored state
	got.Image.Width = 99
	again, err := store.Get(context.Background(), "abc")
	require.NoError(t, err)
	require.Equal(t, 10, again.Image.Width)

	_, err = store.Get(context.Background(), "missing")
	require.ErrorIs(t, err, session.ErrNotFound)
}

func TestMemoryStoreExpiryAndSweep(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	require.NoError(t, store.Save(context.Background(), session.Session{ID: "old", ExpiresAt: now.Add(-time.Second)}))
	require.NoError(t, store.Save(context.Background(), session.Session{ID: "fresh", ExpiresAt: now.Add(time.Hour)}))

	_, err := store.Get(context.Background(), "old")
	require.ErrorIs(t, err, session.ErrNotFound)

	ids, err := store.Sweep(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, []string{"old"}, ids)

	_, err = store.Get(context.Background(), "fresh")
	require.NoError(t, err)

	ids, err = store.Sweep(context.Background(), now)
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestValkeyStoreKeys(t *testing.T) {
	store := NewValkeyStore(nil, "")
	require.Equal(t, "agrivision:session:abc", store.sessionKey("abc"))
	require.Equal(t, "agrivision:sessions:expiry", store.expiryKey())
}
