package cache

import (
	"testing"
	"time"

	"github.com/meridian-io/meridian/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetAndGet(t *testing.T) {
	e := New()
	defer e.Close()

	key := types.CacheKey{Type: types.CacheTypeString, Key: "token-abc"}
	e.Set(key, []byte("hello"), nil, time.Second, time.Now())

	require.Eventually(t, func() bool {
		entry, err := e.Get(key)
		return err == nil && string(entry.Raw) == "hello"
	}, time.Second, time.Millisecond)
}

func TestGetNotFound(t *testing.T) {
	e := New()
	defer e.Close()

	_, err := e.Get(types.CacheKey{Type: types.CacheTypeString, Key: "missing"})
	require.Error(t, err)
	var cerr *types.Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, types.ErrNotFound, cerr.Kind)
}

func TestEntryExpiresAfterTTL(t *testing.T) {
	e := New()
	defer e.Close()

	key := types.CacheKey{Type: types.CacheTypeUserSession, Key: "sess-1"}
	e.Set(key, nil, map[string]string{"user": "alice"}, 100*time.Millisecond, time.Now())

	require.Eventually(t, func() bool {
		_, err := e.Get(key)
		return err == nil
	}, time.Second, time.Millisecond)

	time.Sleep(200 * time.Millisecond)
	_, err := e.Get(key)
	require.Error(t, err)
}

func TestReSetRestartsTTL(t *testing.T) {
	e := New()
	defer e.Close()

	key := types.CacheKey{Type: types.CacheTypeString, Key: "sliding"}
	e.Set(key, []byte("v1"), nil, 200*time.Millisecond, time.Now())

	require.Eventually(t, func() bool {
		_, err := e.Get(key)
		return err == nil
	}, time.Second, time.Millisecond)

	time.Sleep(120 * time.Millisecond)
	e.Set(key, []byte("v2"), nil, 200*time.Millisecond, time.Now())

	time.Sleep(120 * time.Millisecond)
	entry, err := e.Get(key)
	require.NoError(t, err, "re-set should have restarted the TTL window")
	assert.Equal(t, "v2", string(entry.Raw))
}

func TestDelete(t *testing.T) {
	e := New()
	defer e.Close()

	key := types.CacheKey{Type: types.CacheTypeMap, Key: "m1"}
	e.Set(key, nil, map[string]string{"a": "1"}, time.Minute, time.Now())

	require.Eventually(t, func() bool {
		_, err := e.Get(key)
		return err == nil
	}, time.Second, time.Millisecond)

	e.Delete(key)
	require.Eventually(t, func() bool {
		_, err := e.Get(key)
		return err != nil
	}, time.Second, time.Millisecond)
}

func TestListByType(t *testing.T) {
	e := New()
	defer e.Close()

	e.Set(types.CacheKey{Type: types.CacheTypeString, Key: "a"}, []byte("1"), nil, time.Minute, time.Now())
	e.Set(types.CacheKey{Type: types.CacheTypeString, Key: "b"}, []byte("2"), nil, time.Minute, time.Now())
	e.Set(types.CacheKey{Type: types.CacheTypeMap, Key: "c"}, nil, map[string]string{"x": "1"}, time.Minute, time.Now())

	require.Eventually(t, func() bool {
		entries, err := e.ListByType(types.CacheTypeString)
		return err == nil && len(entries) == 2
	}, time.Second, time.Millisecond)
}
