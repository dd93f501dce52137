package blobstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseStore(t *testing.T, s Store) {
	ctx := context.Background()

	t.Run("MissingKey", func(t *testing.T) {
		_, err := s.Get(ctx, "baselines/req_count/missing.json")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("PutGet", func(t *testing.T) {
		key := "baselines/req_count/abc/def.json"
		require.NoError(t, s.Put(ctx, key, []byte(`{"mean":1}`)))

		data, err := s.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, `{"mean":1}`, string(data))
	})

	t.Run("Overwrite", func(t *testing.T) {
		key := "baselines/req_count/abc/overwrite.json"
		require.NoError(t, s.Put(ctx, key, []byte("first")))
		require.NoError(t, s.Put(ctx, key, []byte("second")))

		data, err := s.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, "second", string(data))
	})
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	exerciseStore(t, s)

	t.Run("ReturnsCopies", func(t *testing.T) {
		ctx := context.Background()
		buf := []byte("value")
		require.NoError(t, s.Put(ctx, "k", buf))
		buf[0] = 'X'

		data, err := s.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "value", string(data))
	})

	t.Run("CancelledContext", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := s.Get(ctx, "k")
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestFileStore(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	exerciseStore(t, s)

	t.Run("RejectsDirectoryKeys", func(t *testing.T) {
		err := s.Put(context.Background(), "baselines/", []byte("x"))
		assert.Error(t, err)
	})

	t.Run("KeyCannotEscapeRoot", func(t *testing.T) {
		ctx := context.Background()
		require.NoError(t, s.Put(ctx, "../../escape.json", []byte("x")))
		data, err := s.Get(ctx, "escape.json")
		require.NoError(t, err)
		assert.Equal(t, "x", string(data))
	})

	t.Run("ConcurrentWriters", func(t *testing.T) {
		ctx := context.Background()
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, s.Put(ctx, "baselines/shared.json", []byte("payload")))
			}()
		}
		wg.Wait()

		data, err := s.Get(ctx, "baselines/shared.json")
		require.NoError(t, err)
		assert.Equal(t, "payload", string(data))
	})
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	s := NewRedisStoreFromClient(client, "sentinel:", time.Hour)
	exerciseStore(t, s)

	t.Run("PrefixAndTTL", func(t *testing.T) {
		require.NoError(t, s.Put(context.Background(), "a/b.json", []byte("v")))
		assert.True(t, mr.Exists("sentinel:a/b.json"))
		assert.Equal(t, time.Hour, mr.TTL("sentinel:a/b.json"))
	})

	t.Run("ServerDown", func(t *testing.T) {
		mr.Close()
		_, err := s.Get(context.Background(), "a/b.json")
		require.Error(t, err)
		assert.False(t, errors.Is(err, ErrNotFound))
	})
}

func TestNewRedisStoreConnects(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := NewRedisStore(context.Background(), RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	defer s.Close()
	exerciseStore(t, s)
}

// fakeRow and fakeDB emulate the pgx calls made by PostgresStore
type fakeRow struct {
	data []byte
	err  error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*[]byte)) = r.data
	return nil
}

type fakeDB struct {
	mu      sync.Mutex
	rows    map[string][]byte
	execErr error
	execs   []string
}

func (db *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.execs = append(db.execs, sql)
	if db.execErr != nil {
		return pgconn.CommandTag{}, db.execErr
	}
	if sql == upsertBlobSQL {
		db.rows[args[0].(string)] = append([]byte(nil), args[1].([]byte)...)
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	}
	return pgconn.NewCommandTag("CREATE TABLE"), nil
}

func (db *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	db.mu.Lock()
	defer db.mu.Unlock()
	data, ok := db.rows[args[0].(string)]
	if !ok {
		return fakeRow{err: pgx.ErrNoRows}
	}
	return fakeRow{data: data}
}

func TestPostgresStore(t *testing.T) {
	db := &fakeDB{rows: make(map[string][]byte)}
	s := newPostgresStore(db)
	require.NoError(t, s.migrate(context.Background()))
	assert.Equal(t, createBlobTableSQL, db.execs[0])

	exerciseStore(t, s)

	t.Run("ExecFailure", func(t *testing.T) {
		db.execErr = errors.New("connection reset")
		err := s.Put(context.Background(), "k", []byte("v"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "connection reset")
	})
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, closer, err := Open(ctx, Config{})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)
	assert.NoError(t, closer.Close())

	s, closer, err = Open(ctx, Config{Backend: BackendFile, Dir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)
	assert.NoError(t, closer.Close())

	mr := miniredis.RunT(t)
	s, closer, err = Open(ctx, Config{Backend: BackendRedis, Redis: RedisConfig{Addr: mr.Addr()}})
	require.NoError(t, err)
	assert.IsType(t, &RedisStore{}, s)
	assert.NoError(t, closer.Close())

	_, _, err = Open(ctx, Config{Backend: "s3"})
	assert.Error(t, err)

	_, _, err = Open(ctx, Config{Backend: BackendFile})
	assert.Error(t, err)
}
