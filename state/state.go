// Package state holds the process-local views derived from the stream of
// actions a process observes.
package state

import (
	"context"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/proto"

	"github.com/super-flat/flock/action"
)

// ErrUnknownState is returned when reading a view the store does not hold
var ErrUnknownState = errors.New("unknown state")

// Store is the state store a process applies every inbound action to and
// reads handler dependencies from
type Store interface {
	// Apply updates the views affected by the action. It is called once per
	// inbound action, whether or not a handler matches it.
	Apply(ctx context.Context, act proto.Message) error
	// Read returns the current value of the view of the given type
	Read(ctx context.Context, stateType action.Type) (proto.Message, error)
}
