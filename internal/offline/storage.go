package offline

import (
	"context"
	"errors"
)

// ErrStoreNotFound is returned when a named store does not exist.
var ErrStoreNotFound = errors.New("cache store not found")

// Storage is the set of named cache stores, one per cache generation.
type Storage interface {
	// Open returns the store with the given name, creating it if needed.
	Open(ctx context.Context, name string) (Store, error)
	// Lookup returns an existing store without creating it, or
	// ErrStoreNotFound.
	Lookup(ctx context.Context, name string) (Store, error)
	// Has reports whether a store with the given name exists.
	Has(ctx context.Context, name string) (bool, error)
	// Keys lists the names of all existing stores.
	Keys(ctx context.Context) ([]string, error)
	// Delete removes a store and all of its entries. It reports false when
	// there was nothing to delete.
	Delete(ctx context.Context, name string) (bool, error)

	// ActiveGeneration returns the generation recorded by the last completed
	// activation, or "" when none was recorded.
	ActiveGeneration(ctx context.Context) (string, error)
	SetActiveGeneration(ctx context.Context, name string) error

	Close() error
}

// Store maps request identities to cached responses.
type Store interface {
	Name() string
	// Match returns the response stored under key, or ok=false on a miss.
	Match(ctx context.Context, key string) (resp *Response, ok bool, err error)
	// Put stores resp under key, replacing any previous entry. It reads the
	// whole body but does not close it.
	Put(ctx context.Context, key string, resp *Response) error
	// PutAll stores every entry or none of them.
	PutAll(ctx context.Context, entries map[string]*Response) error
	Delete(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context) ([]string, error)
	// Size is the total number of encoded bytes held by the store.
	Size() int64
}
