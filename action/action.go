// Package action defines the identity of actions, the unit of dispatch.
//
// Any protobuf message can be an action. Its type is the message full name,
// unique across the protobuf registry, which makes it usable both as a
// dispatch key inside a process and as a type tag on the wire.
package action

import (
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// Type identifies an action or a state view
type Type = protoreflect.FullName

// TypeOf returns the type of the given message
func TypeOf(msg proto.Message) Type {
	return msg.ProtoReflect().Descriptor().FullName()
}

// TypeFor returns the type of T without needing a value of it
func TypeFor[T proto.Message]() Type {
	var zero T
	return TypeOf(zero)
}

// New returns an empty message of the same type as msg. It also works when
// msg is a typed nil pointer.
func New[T proto.Message](msg T) T {
	return msg.ProtoReflect().New().Interface().(T)
}
