package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_Lookups(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Replace(
		[]*User{{ID: 1, Name: "alice", Enabled: true}},
		[]*Key{{ID: 10, UserID: 1, Name: "main", KeyHash: HashKey("rk-a"), Enabled: true}},
	))
	ctx := context.Background()

	k, err := s.GetKeyByHash(ctx, HashKey("rk-a"))
	require.NoError(t, err)
	assert.Equal(t, int64(10), k.ID)

	k, err = s.GetKey(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, "main", k.Name)

	u, err := s.GetUser(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Name)

	_, err = s.GetKeyByHash(ctx, HashKey("rk-missing"))
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = s.GetKey(ctx, 99)
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = s.GetUser(ctx, 99)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestMemoryStore_ReplaceRejectsBadSets(t *testing.T) {
	tests := []struct {
		name  string
		users []*User
		keys  []*Key
	}{
		{
			name:  "duplicate user",
			users: []*User{{ID: 1}, {ID: 1}},
		},
		{
			name:  "duplicate key",
			users: []*User{{ID: 1}},
			keys:  []*Key{{ID: 10, UserID: 1, KeyHash: "a"}, {ID: 10, UserID: 1, KeyHash: "b"}},
		},
		{
			name:  "unknown user",
			users: []*User{{ID: 1}},
			keys:  []*Key{{ID: 10, UserID: 2, KeyHash: "a"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewMemoryStore()
			require.NoError(t, s.Replace([]*User{{ID: 7, Name: "kept"}}, nil))

			require.Error(t, s.Replace(tt.users, tt.keys))

			// The previous set survives a rejected replace.
			u, err := s.GetUser(context.Background(), 7)
			require.NoError(t, err)
			assert.Equal(t, "kept", u.Name)
		})
	}
}

func TestMemoryStore_ReplaceDropsOldKeys(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Replace(
		[]*User{{ID: 1}},
		[]*Key{{ID: 10, UserID: 1, KeyHash: HashKey("rk-old")}},
	))
	require.NoError(t, s.Replace(
		[]*User{{ID: 1}},
		[]*Key{{ID: 11, UserID: 1, KeyHash: HashKey("rk-new")}},
	))

	_, err := s.GetKeyByHash(context.Background(), HashKey("rk-old"))
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetKeyByHash(context.Background(), HashKey("rk-new"))
	assert.NoError(t, err)
}

func TestMemoryStore_ConcurrentReadsDuringReplace(t *testing.T) {
	s := NewMemoryStore()
	users := []*User{{ID: 1}}
	keys := []*Key{{ID: 10, UserID: 1, KeyHash: HashKey("rk-a")}}
	require.NoError(t, s.Replace(users, keys))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, _ = s.GetKeyByHash(context.Background(), HashKey("rk-a"))
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_ = s.Replace(users, keys)
			}
		}()
	}
	wg.Wait()

	k, err := s.GetKeyByHash(context.Background(), HashKey("rk-a"))
	require.NoError(t, err)
	assert.Equal(t, int64(10), k.ID)
}

func TestKeyIsExpired(t *testing.T) {
	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)

	assert.False(t, (&Key{}).IsExpired())
	assert.True(t, (&Key{ExpiresAt: &past}).IsExpired())
	assert.False(t, (&Key{ExpiresAt: &future}).IsExpired())
}
