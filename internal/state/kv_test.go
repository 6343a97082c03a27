package state

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exerciseKV runs the behaviour every adapter must share.
func exerciseKV(t *testing.T, kv KV) {
	t.Helper()
	ctx := context.Background()

	_, err := kv.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, kv.Set(ctx, "k", []byte("v1")))
	got, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)

	require.NoError(t, kv.Set(ctx, "k", []byte("v2")))
	got, err = kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)

	require.NoError(t, kv.Delete(ctx, "k"))
	_, err = kv.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, kv.Delete(ctx, "never-set"))
}

func TestMemoryKV(t *testing.T) {
	exerciseKV(t, NewMemoryKV())
}

func TestMemoryKVReturnsCopies(t *testing.T) {
	kv := NewMemoryKV()
	ctx := context.Background()
	buf := []byte("abc")
	require.NoError(t, kv.Set(ctx, "k", buf))
	buf[0] = 'z'

	got, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got)
}

func TestSQLiteKV(t *testing.T) {
	kv, err := NewSQLiteKV(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer kv.Close()

	exerciseKV(t, kv)
}

func TestSQLiteKVKeysAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()

	kv, err := NewSQLiteKV(path)
	require.NoError(t, err)
	require.NoError(t, kv.Set(ctx, HistoryKey, []byte("[]")))
	require.NoError(t, kv.Set(ctx, StateKey, []byte("{}")))

	keys, err := kv.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{HistoryKey, StateKey}, keys)
	require.NoError(t, kv.Close())

	reopened, err := NewSQLiteKV(path)
	require.NoError(t, err)
	defer reopened.Close()
	got, err := reopened.Get(ctx, StateKey)
	require.NoError(t, err)
	assert.Equal(t, []byte("{}"), got)
}

func TestBadgerKV(t *testing.T) {
	kv, err := OpenBadgerKV(BadgerConfig{InMemory: true})
	require.NoError(t, err)
	defer kv.Close()

	exerciseKV(t, kv)
}

func TestBadgerKVRequiresPath(t *testing.T) {
	_, err := OpenBadgerKV(BadgerConfig{})
	assert.Error(t, err)
}

func TestBadgerKVCancelledContext(t *testing.T) {
	kv, err := OpenBadgerKV(BadgerConfig{InMemory: true})
	require.NoError(t, err)
	defer kv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, kv.Set(ctx, "k", []byte("v")), context.Canceled)
}

func TestPostgresKVGet(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`SELECT value FROM quality_kv WHERE key`).
		WithArgs(StateKey).
		WillReturnRows(pgxmock.NewRows([]string{"value"}).AddRow([]byte(`{"timestamp":1}`)))
	mock.ExpectQuery(`SELECT value FROM quality_kv WHERE key`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	kv := NewPostgresKV(mock)
	got, err := kv.Get(context.Background(), StateKey)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"timestamp":1}`), got)

	_, err = kv.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresKVSetDelete(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(`INSERT INTO quality_kv`).
		WithArgs(HistoryKey, []byte("[]")).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`DELETE FROM quality_kv`).
		WithArgs(HistoryKey).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	kv := NewPostgresKV(mock)
	require.NoError(t, kv.Set(context.Background(), HistoryKey, []byte("[]")))
	require.NoError(t, kv.Delete(context.Background(), HistoryKey))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresKVWrapsErrors(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	boom := errors.New("connection reset")
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS quality_kv`).WillReturnError(boom)

	kv := NewPostgresKV(mock)
	err = kv.Migrate(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOpenDrivers(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	for _, cfg := range []OpenConfig{
		{Driver: "sqlite", Path: filepath.Join(dir, "nested", "quality.db")},
		{Driver: "badger", Path: filepath.Join(dir, "badger")},
		{Driver: "memory"},
	} {
		t.Run(cfg.Driver, func(t *testing.T) {
			b, err := Open(ctx, cfg)
			require.NoError(t, err)
			defer b.Close()
			require.NoError(t, b.KV.Set(ctx, "k", []byte("v")))
			got, err := b.KV.Get(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, []byte("v"), got)
			assert.Equal(t, cfg.Driver == "sqlite", b.DB != nil)
		})
	}

	_, err := Open(ctx, OpenConfig{Driver: "redis"})
	assert.Error(t, err)

	var nilBackend *Backend
	assert.NoError(t, nilBackend.Close())
}
