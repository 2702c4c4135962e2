package internal

import (
	goerrs "errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/groundsys/cmdtlm-router/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndpointStoreAddRemove(t *testing.T) {
	store := CreateEndpointStore[string](0)

	a, err := store.Add(9100, "a")
	require.NoError(t, err)
	b, err := store.Add(9200, "b")
	require.NoError(t, err)
	assert.NotEqual(t, a.Handle, b.Handle)
	assert.Equal(t, 2, store.Len())

	_, err = store.Add(9100, "again")
	var dup *DuplicateEndpointPortError
	require.True(t, goerrs.As(err, &dup))
	assert.Equal(t, 9100, dup.Port)

	before := store.Snapshot()
	removed, err := store.Remove(a.Handle)
	require.NoError(t, err)
	assert.Equal(t, "a", removed.Value)

	// Earlier snapshots are unchanged.
	assert.Len(t, before, 2)
	assert.Len(t, store.Snapshot(), 1)

	_, has := store.Get(a.Handle)
	assert.False(t, has)
	got, has := store.Get(b.Handle)
	require.True(t, has)
	assert.Equal(t, 9200, got.Port)

	_, err = store.Remove(uuid.New())
	var unknown *errors.UnknownEndpoint
	assert.True(t, goerrs.As(err, &unknown))

	all := store.RemoveAll()
	assert.Len(t, all, 1)
	assert.Equal(t, 0, store.Len())
}

func TestEndpointStoreLimit(t *testing.T) {
	store := CreateEndpointStore[int](2)
	_, err := store.Add(0, 1)
	require.NoError(t, err)
	_, err = store.Add(0, 2)
	require.NoError(t, err)

	_, err = store.Add(0, 3)
	var tooMany *TooManyEndpointsError
	assert.True(t, goerrs.As(err, &tooMany))
}

func TestEndpointStoreConcurrentAccess(t *testing.T) {
	store := CreateEndpointStore[int](0)
	var wg sync.WaitGroup

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			endpoint, err := store.Add(0, i)
			if !assert.NoError(t, err) {
				return
			}
			_ = store.Snapshot()
			_, err = store.Remove(endpoint.Handle)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, store.Len())
}
