// Package runner holds the pluggable per-backend query runners and the
// registry that maps a data source's backend type to a constructor.
//
// New backends register themselves at startup; nothing outside this
// registry switches on backend-type strings.
package runner

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// Runner executes one query against a backend. A non-empty errMsg is the
// backend's failure message; payload is the serialized result otherwise.
// Run blocks for a backend-defined duration and must honor ctx
// cancellation, which is how revoked jobs interrupt in-flight queries.
type Runner interface {
	Run(ctx context.Context, query string) (payload []byte, errMsg string)
}

// Annotator is implemented by runners that want a diagnostic comment
// (job id and fingerprint) prepended to the query text.
type Annotator interface {
	AnnotateQuery() bool
}

// Factory builds a Runner from a data source's opaque options blob.
type Factory func(options string) (Runner, error)

var (
	registryMtx sync.RWMutex
	registry    = map[string]Factory{}
)

// Register adds a backend type to the registry. Calling it twice for the
// same type is a programming error.
func Register(backendType string, factory Factory) {
	registryMtx.Lock()
	defer registryMtx.Unlock()
	if _, ok := registry[backendType]; ok {
		panic("runner: duplicate registration of backend type " + backendType)
	}
	registry[backendType] = factory
}

// New builds a runner for the given backend type.
func New(backendType, options string) (Runner, error) {
	registryMtx.RLock()
	factory, ok := registry[backendType]
	registryMtx.RUnlock()
	if !ok {
		return nil, errors.Errorf("unsupported backend type %q", backendType)
	}
	return factory(options)
}
