package assetcache

import (
	"context"
	"errors"
)

// ErrGenerationNotFound is returned when writing into a generation that does
// not exist, typically because activation of a newer version deleted it.
var ErrGenerationNotFound = errors.New("generation not found")

// Store holds named generations of entries. Implementations must be safe for
// concurrent use; Put is atomic per key and PutAll is atomic per batch.
type Store interface {
	// Open creates the generation if it does not exist yet and reports
	// whether this call created it.
	Open(ctx context.Context, generation string) (bool, error)
	// Generations lists every existing generation name.
	Generations(ctx context.Context) ([]string, error)
	// Delete drops a generation with all its entries. It reports whether the
	// generation existed.
	Delete(ctx context.Context, generation string) (bool, error)
	// Match returns (entry, true, nil) on hit and (Entry{}, false, nil) on miss.
	Match(ctx context.Context, generation, key string) (Entry, bool, error)
	Put(ctx context.Context, generation, key string, ent Entry) error
	PutAll(ctx context.Context, generation string, ents []Entry) error
	Count(ctx context.Context, generation string) (int, error)
	Close() error
}
