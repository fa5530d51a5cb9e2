package state

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/proto"

	"github.com/super-flat/flock/action"
)

type reduceFunc func(current proto.Message, act proto.Message) proto.Message

// Reducer computes the next value of a view of type S from an action
type Reducer[S proto.Message] struct {
	actionType action.Type
	reduce     reduceFunc
}

// Reduce declares how actions of type A update a view of type S. The
// function receives a copy of the current value and returns the new one.
func Reduce[A proto.Message, S proto.Message](fn func(current S, act A) S) Reducer[S] {
	return Reducer[S]{
		actionType: action.TypeFor[A](),
		reduce: func(current proto.Message, act proto.Message) proto.Message {
			return fn(current.(S), act.(A))
		},
	}
}

// View declares one state view held by a Memory store
type View struct {
	stateType action.Type
	initial   proto.Message
	reducers  map[action.Type][]reduceFunc
}

// NewView declares a view of type S starting at initial. A nil initial
// value starts the view at the empty message.
func NewView[S proto.Message](initial S, reducers ...Reducer[S]) View {
	var value proto.Message = initial
	if !initial.ProtoReflect().IsValid() {
		value = action.New(initial)
	}
	view := View{
		stateType: action.TypeOf(value),
		initial:   value,
		reducers:  make(map[action.Type][]reduceFunc, len(reducers)),
	}
	for _, reducer := range reducers {
		view.reducers[reducer.actionType] = append(view.reducers[reducer.actionType], reducer.reduce)
	}
	return view
}

// Memory is an in-memory Store. It expects a single writer, the dispatch
// loop of the owning process; reads may happen concurrently.
type Memory struct {
	mtx    sync.RWMutex
	views  map[action.Type]View
	values map[action.Type]proto.Message
}

var _ Store = (*Memory)(nil)

// NewMemory returns a store holding the given views. Declaring two views of
// the same type keeps the last one.
func NewMemory(views ...View) *Memory {
	store := &Memory{
		views:  make(map[action.Type]View, len(views)),
		values: make(map[action.Type]proto.Message, len(views)),
	}
	for _, view := range views {
		store.views[view.stateType] = view
		store.values[view.stateType] = proto.Clone(view.initial)
	}
	return store
}

// Apply runs every reducer registered for the action's type. Either every
// view is updated or, when a reducer fails, none is.
func (m *Memory) Apply(ctx context.Context, act proto.Message) error {
	if act == nil {
		return errors.New("cannot apply a nil action")
	}
	actionType := action.TypeOf(act)
	m.mtx.Lock()
	defer m.mtx.Unlock()
	staged := make(map[action.Type]proto.Message)
	for stateType, view := range m.views {
		reducers := view.reducers[actionType]
		if len(reducers) == 0 {
			continue
		}
		next := m.values[stateType]
		for _, reduce := range reducers {
			next = reduce(proto.Clone(next), act)
			if next == nil || !next.ProtoReflect().IsValid() {
				return errors.Errorf("reducer of %s returned nil for %s", stateType, actionType)
			}
		}
		staged[stateType] = next
	}
	for stateType, next := range staged {
		m.values[stateType] = next
	}
	return nil
}

// Read returns a copy of the current value of a view
func (m *Memory) Read(ctx context.Context, stateType action.Type) (proto.Message, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	value, ok := m.values[stateType]
	if !ok {
		return nil, errors.Wrap(ErrUnknownState, string(stateType))
	}
	return proto.Clone(value), nil
}
