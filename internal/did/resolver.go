package did

import (
	"context"

	"github.com/pkg/errors"
)

// ErrNotFound is returned by a Resolver when the registry has no document for a DID.
var ErrNotFound = errors.New("did not found")

// Resolver looks up the current document for a DID. Implementations must not cache: a document may change
// between two calls.
type Resolver interface {
	Resolve(ctx context.Context, did string) (*Document, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, did string) (*Document, error)

func (f ResolverFunc) Resolve(ctx context.Context, did string) (*Document, error) {
	return f(ctx, did)
}

// IsNotFound reports whether err means the DID does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
