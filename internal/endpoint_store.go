package internal

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/groundsys/cmdtlm-router/pkg/errors"
)

type DuplicateEndpointPortError struct {
	Port int
}

func (e *DuplicateEndpointPortError) Error() string {
	return fmt.Sprintf("Attempted to register a second endpoint on port %d", e.Port)
}

type TooManyEndpointsError struct {
	Max int
}

func (e *TooManyEndpointsError) Error() string {
	return fmt.Sprintf("Too many endpoints are registered (max=%d) - cannot add another", e.Max)
}

type Endpoint[T any] struct {
	Handle      uuid.UUID
	Port        int
	CreatedTime int64

	Value T
}

// EndpointStore keeps a copy-on-write list of endpoints. Readers take Snapshot() without
// locking; Add and Remove build a new list under the mutex and swap it in.
type EndpointStore[T any] struct {
	MaxEndpoints int

	mut_endpoints sync.Mutex
	endpoints     atomic.Pointer[[]*Endpoint[T]]
}

func CreateEndpointStore[T any](maxEndpoints int) *EndpointStore[T] {
	store := &EndpointStore[T]{
		MaxEndpoints:  maxEndpoints,
		mut_endpoints: sync.Mutex{},
	}
	empty := []*Endpoint[T]{}
	store.endpoints.Store(&empty)
	return store
}

// Snapshot returns the current endpoint list. The slice must not be modified.
func (store *EndpointStore[T]) Snapshot() []*Endpoint[T] {
	return *store.endpoints.Load()
}

func (store *EndpointStore[T]) Len() int {
	return len(store.Snapshot())
}

func (store *EndpointStore[T]) Get(handle uuid.UUID) (*Endpoint[T], bool) {
	for _, endpoint := range store.Snapshot() {
		if endpoint.Handle == handle {
			return endpoint, true
		}
	}
	return nil, false
}

func (store *EndpointStore[T]) Add(port int, value T) (*Endpoint[T], error) {
	store.mut_endpoints.Lock()
	defer store.mut_endpoints.Unlock()

	current := store.Snapshot()
	if store.MaxEndpoints > 0 && len(current) >= store.MaxEndpoints {
		return nil, &TooManyEndpointsError{Max: store.MaxEndpoints}
	}
	for _, endpoint := range current {
		if port != 0 && endpoint.Port == port {
			return nil, &DuplicateEndpointPortError{Port: port}
		}
	}

	endpoint := &Endpoint[T]{
		Handle:      uuid.New(),
		Port:        port,
		CreatedTime: time.Now().UnixMicro(),
		Value:       value,
	}

	next := make([]*Endpoint[T], 0, len(current)+1)
	next = append(next, current...)
	next = append(next, endpoint)
	store.endpoints.Store(&next)

	return endpoint, nil
}

func (store *EndpointStore[T]) Remove(handle uuid.UUID) (*Endpoint[T], error) {
	store.mut_endpoints.Lock()
	defer store.mut_endpoints.Unlock()

	current := store.Snapshot()
	next := make([]*Endpoint[T], 0, len(current))
	var removed *Endpoint[T]
	for _, endpoint := range current {
		if endpoint.Handle == handle {
			removed = endpoint
			continue
		}
		next = append(next, endpoint)
	}

	if removed == nil {
		return nil, &errors.UnknownEndpoint{Handle: handle.String()}
	}

	store.endpoints.Store(&next)
	return removed, nil
}

// RemoveAll empties the store and returns what it held.
func (store *EndpointStore[T]) RemoveAll() []*Endpoint[T] {
	store.mut_endpoints.Lock()
	defer store.mut_endpoints.Unlock()

	current := store.Snapshot()
	empty := []*Endpoint[T]{}
	store.endpoints.Store(&empty)
	return current
}
