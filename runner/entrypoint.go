package runner

import (
	"context"
	"maps"
	"slices"

	"github.com/pkg/errors"
)

// ErrUnknownEntryPoint is returned when resolving a name with no entry point
var ErrUnknownEntryPoint = errors.New("unknown entry point")

// EntryPoint is the function started once per OS process
type EntryPoint func(ctx context.Context) error

// EntryPoints maps names to entry points
type EntryPoints map[string]EntryPoint

// Resolve returns the entry point registered under name
func (e EntryPoints) Resolve(name string) (EntryPoint, error) {
	entryPoint, ok := e[name]
	if !ok || entryPoint == nil {
		return nil, errors.Wrap(ErrUnknownEntryPoint, name)
	}
	return entryPoint, nil
}

// Names returns the registered names in sorted order
func (e EntryPoints) Names() []string {
	return slices.Sorted(maps.Keys(e))
}
