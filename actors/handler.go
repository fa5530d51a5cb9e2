package actors

import (
	"context"
	"iter"
	"slices"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/proto"

	"github.com/super-flat/flock/action"
)

// Kind tells how many outputs a handler produces per action
type Kind int

const (
	// SingleResult handlers return zero or one output action
	SingleResult Kind = iota
	// MultiResult handlers yield a finite sequence of output actions
	MultiResult
)

func (k Kind) String() string {
	switch k {
	case SingleResult:
		return "single"
	case MultiResult:
		return "multi"
	default:
		return "unknown"
	}
}

type (
	singleFunc func(ctx context.Context, p *Process, act proto.Message, states []proto.Message) (proto.Message, error)
	multiFunc  func(ctx context.Context, p *Process, act proto.Message, states []proto.Message) (iter.Seq2[proto.Message, error], error)
)

// Handler binds an action type to the function reacting to it and to the
// ordered list of state views injected into that function. Build handlers
// with the Handle and Stream helpers.
type Handler struct {
	actionType action.Type
	kind       Kind
	states     []action.Type
	single     singleFunc
	multi      multiFunc
}

// ActionType returns the action type the handler reacts to
func (h Handler) ActionType() action.Type { return h.actionType }

// Kind returns the handler shape
func (h Handler) Kind() Kind { return h.kind }

// States returns the state types injected into the handler, in order
func (h Handler) States() []action.Type { return slices.Clone(h.states) }

// Handle registers a single-result handler for actions of type A
func Handle[A proto.Message](fn func(ctx context.Context, p *Process, act A) (proto.Message, error)) Handler {
	return Handler{
		actionType: action.TypeFor[A](),
		kind:       SingleResult,
		single: func(ctx context.Context, p *Process, act proto.Message, _ []proto.Message) (proto.Message, error) {
			return fn(ctx, p, act.(A))
		},
	}
}

// Handle1 registers a single-result handler for actions of type A that
// reads the state view S1
func Handle1[A, S1 proto.Message](fn func(ctx context.Context, p *Process, act A, s1 S1) (proto.Message, error)) Handler {
	return Handler{
		actionType: action.TypeFor[A](),
		kind:       SingleResult,
		states:     []action.Type{action.TypeFor[S1]()},
		single: func(ctx context.Context, p *Process, act proto.Message, states []proto.Message) (proto.Message, error) {
			s1, err := stateAt[S1](states, 0)
			if err != nil {
				return nil, err
			}
			return fn(ctx, p, act.(A), s1)
		},
	}
}

// Handle2 registers a single-result handler for actions of type A that
// reads the state views S1 and S2
func Handle2[A, S1, S2 proto.Message](fn func(ctx context.Context, p *Process, act A, s1 S1, s2 S2) (proto.Message, error)) Handler {
	return Handler{
		actionType: action.TypeFor[A](),
		kind:       SingleResult,
		states:     []action.Type{action.TypeFor[S1](), action.TypeFor[S2]()},
		single: func(ctx context.Context, p *Process, act proto.Message, states []proto.Message) (proto.Message, error) {
			s1, err := stateAt[S1](states, 0)
			if err != nil {
				return nil, err
			}
			s2, err := stateAt[S2](states, 1)
			if err != nil {
				return nil, err
			}
			return fn(ctx, p, act.(A), s1, s2)
		},
	}
}

// Handle3 registers a single-result handler for actions of type A that
// reads the state views S1, S2 and S3
func Handle3[A, S1, S2, S3 proto.Message](fn func(ctx context.Context, p *Process, act A, s1 S1, s2 S2, s3 S3) (proto.Message, error)) Handler {
	return Handler{
		actionType: action.TypeFor[A](),
		kind:       SingleResult,
		states:     []action.Type{action.TypeFor[S1](), action.TypeFor[S2](), action.TypeFor[S3]()},
		single: func(ctx context.Context, p *Process, act proto.Message, states []proto.Message) (proto.Message, error) {
			s1, err := stateAt[S1](states, 0)
			if err != nil {
				return nil, err
			}
			s2, err := stateAt[S2](states, 1)
			if err != nil {
				return nil, err
			}
			s3, err := stateAt[S3](states, 2)
			if err != nil {
				return nil, err
			}
			return fn(ctx, p, act.(A), s1, s2, s3)
		},
	}
}

// Stream registers a multi-result handler for actions of type A. The
// returned sequence is consumed once, to completion, before the next action
// is dispatched. A non-nil error yielded by the sequence stops it.
func Stream[A proto.Message](fn func(ctx context.Context, p *Process, act A) iter.Seq2[proto.Message, error]) Handler {
	return Handler{
		actionType: action.TypeFor[A](),
		kind:       MultiResult,
		multi: func(ctx context.Context, p *Process, act proto.Message, _ []proto.Message) (iter.Seq2[proto.Message, error], error) {
			return fn(ctx, p, act.(A)), nil
		},
	}
}

// Stream1 registers a multi-result handler for actions of type A that reads
// the state view S1
func Stream1[A, S1 proto.Message](fn func(ctx context.Context, p *Process, act A, s1 S1) iter.Seq2[proto.Message, error]) Handler {
	return Handler{
		actionType: action.TypeFor[A](),
		kind:       MultiResult,
		states:     []action.Type{action.TypeFor[S1]()},
		multi: func(ctx context.Context, p *Process, act proto.Message, states []proto.Message) (iter.Seq2[proto.Message, error], error) {
			s1, err := stateAt[S1](states, 0)
			if err != nil {
				return nil, err
			}
			return fn(ctx, p, act.(A), s1), nil
		},
	}
}

// Stream2 registers a multi-result handler for actions of type A that reads
// the state views S1 and S2
func Stream2[A, S1, S2 proto.Message](fn func(ctx context.Context, p *Process, act A, s1 S1, s2 S2) iter.Seq2[proto.Message, error]) Handler {
	return Handler{
		actionType: action.TypeFor[A](),
		kind:       MultiResult,
		states:     []action.Type{action.TypeFor[S1](), action.TypeFor[S2]()},
		multi: func(ctx context.Context, p *Process, act proto.Message, states []proto.Message) (iter.Seq2[proto.Message, error], error) {
			s1, err := stateAt[S1](states, 0)
			if err != nil {
				return nil, err
			}
			s2, err := stateAt[S2](states, 1)
			if err != nil {
				return nil, err
			}
			return fn(ctx, p, act.(A), s1, s2), nil
		},
	}
}

// Stream3 registers a multi-result handler for actions of type A that reads
// the state views S1, S2 and S3
func Stream3[A, S1, S2, S3 proto.Message](fn func(ctx context.Context, p *Process, act A, s1 S1, s2 S2, s3 S3) iter.Seq2[proto.Message, error]) Handler {
	return Handler{
		actionType: action.TypeFor[A](),
		kind:       MultiResult,
		states:     []action.Type{action.TypeFor[S1](), action.TypeFor[S2](), action.TypeFor[S3]()},
		multi: func(ctx context.Context, p *Process, act proto.Message, states []proto.Message) (iter.Seq2[proto.Message, error], error) {
			s1, err := stateAt[S1](states, 0)
			if err != nil {
				return nil, err
			}
			s2, err := stateAt[S2](states, 1)
			if err != nil {
				return nil, err
			}
			s3, err := stateAt[S3](states, 2)
			if err != nil {
				return nil, err
			}
			return fn(ctx, p, act.(A), s1, s2, s3), nil
		},
	}
}

// Emit is a convenience to build a multi-result sequence from a slice
func Emit(actions ...proto.Message) iter.Seq2[proto.Message, error] {
	return func(yield func(proto.Message, error) bool) {
		for _, act := range actions {
			if !yield(act, nil) {
				return
			}
		}
	}
}

func stateAt[S proto.Message](states []proto.Message, index int) (S, error) {
	var zero S
	if index >= len(states) {
		return zero, errors.Errorf("missing state %s at position %d", action.TypeFor[S](), index)
	}
	value, ok := states[index].(S)
	if !ok {
		return zero, errors.Errorf("state at position %d is %T, expected %s", index, states[index], action.TypeFor[S]())
	}
	return value, nil
}
