package store_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roomsync/roomsync.go/pkg/store"
	"github.com/roomsync/roomsync.go/pkg/store/badgerstore"
	"github.com/roomsync/roomsync.go/pkg/store/memstore"
	"github.com/roomsync/roomsync.go/pkg/store/sqlitestore"
)

func drivers(t *testing.T) map[string]func(t *testing.T) store.Store {
	return map[string]func(t *testing.T) store.Store{
		"memory": func(*testing.T) store.Store { return memstore.New() },
		"badger": func(t *testing.T) store.Store {
			s, err := badgerstore.Open(badgerstore.InMemoryConfig())
			require.NoError(t, err)
			return s
		},
		"sqlite": func(t *testing.T) store.Store {
			s, err := sqlitestore.Open(filepath.Join(t.TempDir(), "state.db"))
			require.NoError(t, err)
			return s
		},
	}
}

func TestStores(t *testing.T) {
	ctx := context.Background()
	for name, open := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)

			_, ok, err := s.Load(ctx, "prop-1")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.Save(ctx, "prop-1", []byte("v1")))
			require.NoError(t, s.Save(ctx, "prop-1", []byte("v2")))
			require.NoError(t, s.Save(ctx, "prop-2", []byte("other")))

			blob, ok, err := s.Load(ctx, "prop-1")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, []byte("v2"), blob)

			require.NoError(t, s.Delete(ctx, "prop-1"))
			require.NoError(t, s.Delete(ctx, "prop-1"))
			_, ok, err = s.Load(ctx, "prop-1")
			require.NoError(t, err)
			assert.False(t, ok)

			blob, _, err = s.Load(ctx, "prop-2")
			require.NoError(t, err)
			assert.Equal(t, []byte("other"), blob)

			require.NoError(t, s.Close())
			_, _, err = s.Load(ctx, "prop-2")
			assert.ErrorIs(t, err, store.ErrClosed)
		})
	}
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "state.db")

	s, err := sqlitestore.Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, "prop-1", []byte{1, 2, 3}))
	require.NoError(t, s.Close())

	s, err = sqlitestore.Open(path)
	require.NoError(t, err)
	defer s.Close()
	blob, ok, err := s.Load(ctx, "prop-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3}, blob)
}

func TestBadgerPropertyIDs(t *testing.T) {
	ctx := context.Background()
	s, err := badgerstore.Open(badgerstore.InMemoryConfig())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Save(ctx, "a", []byte("1")))
	require.NoError(t, s.Save(ctx, "b", []byte("2")))
	ids, err := s.PropertyIDs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, ids)
}

func TestMemstoreFailSaves(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	boom := errors.New("boom")
	s.FailSaves(boom)
	assert.ErrorIs(t, s.Save(ctx, "p", []byte("x")), boom)
	s.FailSaves(nil)
	require.NoError(t, s.Save(ctx, "p", []byte("x")))
	assert.Equal(t, 1, s.Saves())
}
