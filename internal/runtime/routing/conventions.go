package routing

import (
	"reflect"

	"google.golang.org/protobuf/proto"
)

var protoMessageType = reflect.TypeFor[proto.Message]()

// Conventions decide which types count as message types.
type Conventions interface {
	IsMessageType(t reflect.Type) bool
}

// ConventionsFunc adapts a function to Conventions.
type ConventionsFunc func(t reflect.Type) bool

func (f ConventionsFunc) IsMessageType(t reflect.Type) bool { return f(t) }

// DefaultConventions accept protobuf messages, structs, pointers to structs
// and interfaces. Builtin kinds such as strings or slices are never messages.
var DefaultConventions Conventions = ConventionsFunc(isMessageType)

func isMessageType(t reflect.Type) bool {
	if t == nil {
		return false
	}
	if t.Implements(protoMessageType) {
		return true
	}
	switch t.Kind() {
	case reflect.Struct, reflect.Interface:
		return true
	case reflect.Pointer:
		return t.Elem().Kind() == reflect.Struct
	default:
		return false
	}
}

// TypeOf returns the message type of v. Pointers to structs are reduced to
// the struct so that T and *T route the same way.
func TypeOf(v any) reflect.Type {
	return Normalize(reflect.TypeOf(v))
}

// Normalize reduces a pointer to struct to the struct type.
func Normalize(t reflect.Type) reflect.Type {
	if t != nil && t.Kind() == reflect.Pointer && t.Elem().Kind() == reflect.Struct {
		return t.Elem()
	}
	return t
}

// TypeName is the name a message type travels under in the enclosed
// message type header: the import path and the type name.
func TypeName(t reflect.Type) string {
	t = Normalize(t)
	if t == nil {
		return ""
	}
	if t.PkgPath() == "" || t.Name() == "" {
		return t.String()
	}
	return t.PkgPath() + "." + t.Name()
}
