// Package rpc binds named methods to module IDs and dispatches decoded envelopes to them.
package rpc

import (
	"reflect"

	"dev.c0redev.peerrpc/internal/peer"
)

// Info describes the caller of an RPC.
type Info struct {
	Sender  peer.ID
	Name    string // human-readable identity of Sender
	IsLocal bool
}

// Service is implemented by anything that exposes RPC methods.
type Service interface {
	RPCMethods() []Method
}

// ServiceFunc lets a plain function list methods.
type ServiceFunc func() []Method

func (f ServiceFunc) RPCMethods() []Method { return f() }

// Method one callable RPC. Build with Handle0..Handle3 or HandleInfo0..HandleInfo3.
type Method struct {
	Name      string
	params    []reflect.Type
	takesInfo bool
	call      func(args []any, info Info) error
}

// Params parameter types, Info excluded.
func (m Method) Params() []reflect.Type { return m.params }

// TakesInfo reports whether the handler receives caller Info.
func (m Method) TakesInfo() bool { return m.takesInfo }

// build: codecs are resolved at registration so types registered later still work.
func build(name string, info bool, types []reflect.Type, call func([]any, Info) error) Method {
	return Method{Name: name, params: types, takesInfo: info, call: call}
}

func Handle0(name string, f func() error) Method {
	return build(name, false, nil, func([]any, Info) error { return f() })
}

func Handle1[A any](name string, f func(A) error) Method {
	return build(name, false, []reflect.Type{reflect.TypeFor[A]()}, func(a []any, _ Info) error {
		return f(arg[A](a[0]))
	})
}

func Handle2[A, B any](name string, f func(A, B) error) Method {
	return build(name, false, []reflect.Type{reflect.TypeFor[A](), reflect.TypeFor[B]()}, func(a []any, _ Info) error {
		return f(arg[A](a[0]), arg[B](a[1]))
	})
}

func Handle3[A, B, C any](name string, f func(A, B, C) error) Method {
	types := []reflect.Type{reflect.TypeFor[A](), reflect.TypeFor[B](), reflect.TypeFor[C]()}
	return build(name, false, types, func(a []any, _ Info) error {
		return f(arg[A](a[0]), arg[B](a[1]), arg[C](a[2]))
	})
}

// HandleInfo0..3: same as Handle, with caller Info as the last parameter.
func HandleInfo0(name string, f func(Info) error) Method {
	return build(name, true, nil, func(_ []any, in Info) error { return f(in) })
}

func HandleInfo1[A any](name string, f func(A, Info) error) Method {
	return build(name, true, []reflect.Type{reflect.TypeFor[A]()}, func(a []any, in Info) error {
		return f(arg[A](a[0]), in)
	})
}

func HandleInfo2[A, B any](name string, f func(A, B, Info) error) Method {
	return build(name, true, []reflect.Type{reflect.TypeFor[A](), reflect.TypeFor[B]()}, func(a []any, in Info) error {
		return f(arg[A](a[0]), arg[B](a[1]), in)
	})
}

func HandleInfo3[A, B, C any](name string, f func(A, B, C, Info) error) Method {
	types := []reflect.Type{reflect.TypeFor[A](), reflect.TypeFor[B](), reflect.TypeFor[C]()}
	return build(name, true, types, func(a []any, in Info) error {
		return f(arg[A](a[0]), arg[B](a[1]), arg[C](a[2]), in)
	})
}

// arg asserts v to T; nil (an absent optional) becomes T's zero value.
func arg[T any](v any) T {
	if v == nil {
		var zero T
		return zero
	}
	return v.(T)
}
