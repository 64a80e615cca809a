package rpc

import (
	"errors"
	"fmt"
	"io"
	"reflect"
	"sort"
	"sync"

	"go.uber.org/zap"

	"dev.c0redev.peerrpc/internal/proto"
	"dev.c0redev.peerrpc/internal/wire"
)

var (
	ErrUnknownRoute  = errors.New("no handler registered for route")
	ErrNoHandler     = errors.New("no handler accepted the call")
	ErrArgumentCount = errors.New("argument count does not match handler")
)

type entry struct {
	method Method
	codecs []wire.Any
	owner  any          // instance identity; nil for type registrations
	typ    reflect.Type // set for type registrations
	mask   int32
}

func (e *entry) arity() int { return len(e.codecs) }

// Registry maps (module, method) to handlers. Safe for concurrent use.
type Registry struct {
	log *zap.Logger

	mu     sync.RWMutex
	routes map[uint32]map[string][]*entry
}

func NewRegistry(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{log: log.Named("rpc"), routes: make(map[uint32]map[string][]*entry)}
}

// Register binds every method of svc under module. Closing the returned token
// removes exactly the entries added for (module, svc, mask).
func (r *Registry) Register(module uint32, svc Service, mask int32) (io.Closer, error) {
	return r.add(module, svc, identity(svc), nil, mask)
}

// RegisterType binds svc's methods as type-level handlers: deregistration
// matches any value of the same type instead of this instance.
func (r *Registry) RegisterType(module uint32, svc Service, mask int32) (io.Closer, error) {
	return r.add(module, svc, nil, reflect.TypeOf(svc), mask)
}

func (r *Registry) add(module uint32, svc Service, owner any, typ reflect.Type, mask int32) (io.Closer, error) {
	if svc == nil {
		return nil, errors.New("rpc: nil service")
	}
	methods := svc.RPCMethods()
	entries := make([]*entry, 0, len(methods))
	for _, m := range methods {
		if m.Name == "" || m.call == nil {
			return nil, fmt.Errorf("rpc: incomplete method %q", m.Name)
		}
		e := &entry{method: m, owner: owner, typ: typ, mask: mask}
		for _, t := range m.params {
			c, err := wire.Lookup(t)
			if err != nil {
				return nil, fmt.Errorf("rpc: method %s: %w", m.Name, err)
			}
			e.codecs = append(e.codecs, c)
		}
		entries = append(entries, e)
	}
	r.mu.Lock()
	methodsByName, ok := r.routes[module]
	if !ok {
		methodsByName = make(map[string][]*entry)
		r.routes[module] = methodsByName
	}
	for _, e := range entries {
		methodsByName[e.method.Name] = append(methodsByName[e.method.Name], e)
	}
	r.mu.Unlock()
	r.log.Info("registered", zap.Uint32("module", module), zap.Int("methods", len(entries)),
		zap.String("target", fmt.Sprintf("%T", svc)), zap.Int32("mask", mask))
	return &token{r: r, module: module, owner: owner, typ: typ, mask: mask}, nil
}

// Deregister removes entries of module registered for svc with mask.
func (r *Registry) Deregister(module uint32, svc Service, mask int32) int {
	return r.remove(module, identity(svc), nil, mask)
}

// DeregisterType removes type-level entries of svc's type.
func (r *Registry) DeregisterType(module uint32, svc Service, mask int32) int {
	return r.remove(module, nil, reflect.TypeOf(svc), mask)
}

func (r *Registry) remove(module uint32, owner any, typ reflect.Type, mask int32) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	methodsByName, ok := r.routes[module]
	if !ok {
		return 0
	}
	removed := 0
	for name, list := range methodsByName {
		kept := list[:0:0]
		for _, e := range list {
			match := e.mask == mask && e.typ == typ && (typ != nil || e.owner == owner)
			if match {
				removed++
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(methodsByName, name)
		} else {
			methodsByName[name] = kept
		}
	}
	if len(methodsByName) == 0 {
		delete(r.routes, module)
	}
	if removed > 0 {
		r.log.Info("deregistered", zap.Uint32("module", module), zap.Int("methods", removed))
	}
	return removed
}

type token struct {
	r      *Registry
	module uint32
	owner  any
	typ    reflect.Type
	mask   int32
	once   sync.Once
}

func (t *token) Close() error {
	t.once.Do(func() { t.r.remove(t.module, t.owner, t.typ, t.mask) })
	return nil
}

// identity is a comparable key for svc. Pointers compare by address; values
// that can't be compared (funcs, maps) fall back to their pointer.
func identity(svc any) any {
	if svc == nil {
		return nil
	}
	t := reflect.TypeOf(svc)
	if t.Comparable() {
		return svc
	}
	type ptrKey struct {
		t reflect.Type
		p uintptr
	}
	v := reflect.ValueOf(svc)
	switch v.Kind() {
	case reflect.Func, reflect.Map, reflect.Slice, reflect.Chan, reflect.Pointer, reflect.UnsafePointer:
		return ptrKey{t: t, p: v.Pointer()}
	}
	return ptrKey{t: t}
}

func (r *Registry) handlers(module uint32, method string) []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.routes[module][method]
	return append([]*entry(nil), list...)
}

// EncodeArgs serializes args for (module, method, mask) using the parameter
// types of the best handler: exact mask, arity and types first, then the first
// handler of matching mask and arity, then the first handler. With no handler
// registered nothing is written.
func (r *Registry) EncodeArgs(module uint32, method string, mask int32, args []any) ([]byte, error) {
	list := r.handlers(module, method)
	if len(list) == 0 {
		return nil, nil
	}
	chosen := pick(list, mask, args)
	if len(args) < chosen.arity() {
		return nil, fmt.Errorf("%w: %s wants %d, got %d", ErrArgumentCount, method, chosen.arity(), len(args))
	}
	w := wire.NewWriter(64)
	for i, c := range chosen.codecs {
		if err := c.WriteAny(w, args[i]); err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
	}
	return w.Bytes(), nil
}

func pick(list []*entry, mask int32, args []any) *entry {
	for _, e := range list {
		if e.mask != mask || e.arity() != len(args) {
			continue
		}
		ok := true
		for i, c := range e.codecs {
			if args[i] == nil || !reflect.TypeOf(args[i]).AssignableTo(c.Type()) {
				ok = false
				break
			}
		}
		if ok {
			return e
		}
	}
	for _, e := range list {
		if e.mask == mask && e.arity() == len(args) {
			return e
		}
	}
	return list[0]
}

// Dispatch invokes the first handler with e's mask whose arguments decode and
// whose call returns nil. Handler panics are recovered and count as failures.
func (r *Registry) Dispatch(e proto.Envelope, info Info) error {
	list := r.handlers(e.Module, e.Method)
	if len(list) == 0 {
		return fmt.Errorf("%w: %d:%s", ErrUnknownRoute, e.Module, e.Method)
	}
	tried := 0
	for _, h := range list {
		if h.mask != e.Mask {
			continue
		}
		tried++
		err := r.invoke(h, e.Args, info)
		if err == nil {
			return nil
		}
		r.log.Debug("handler rejected call", zap.Uint32("module", e.Module), zap.String("method", e.Method), zap.Error(err))
	}
	if tried == 0 {
		return fmt.Errorf("%w: %d:%s mask %d", ErrUnknownRoute, e.Module, e.Method, e.Mask)
	}
	return fmt.Errorf("%w: %d:%s", ErrNoHandler, e.Module, e.Method)
}

// InvokeAll calls every handler with e's mask (local delivery) and returns
// how many succeeded.
func (r *Registry) InvokeAll(e proto.Envelope, info Info) int {
	ok := 0
	for _, h := range r.handlers(e.Module, e.Method) {
		if h.mask != e.Mask {
			continue
		}
		if err := r.invoke(h, e.Args, info); err != nil {
			r.log.Error("local invoke", zap.Uint32("module", e.Module), zap.String("method", e.Method), zap.Error(err))
			continue
		}
		ok++
	}
	return ok
}

func (r *Registry) invoke(h *entry, args []byte, info Info) (err error) {
	rd := wire.NewReader(args)
	vals := make([]any, len(h.codecs))
	for i, c := range h.codecs {
		if vals[i], err = c.ReadAny(rd); err != nil {
			return fmt.Errorf("argument %d: %w", i, err)
		}
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return h.method.call(vals, info)
}

// Route describes one registered handler.
type Route struct {
	Module    uint32
	Method    string
	Mask      int32
	Params    []string
	TakesInfo bool
}

// Routes lists registered handlers sorted by module and method.
func (r *Registry) Routes() []Route {
	r.mu.RLock()
	var out []Route
	for module, methods := range r.routes {
		for name, list := range methods {
			for _, e := range list {
				rt := Route{Module: module, Method: name, Mask: e.mask, TakesInfo: e.method.takesInfo}
				for _, c := range e.codecs {
					rt.Params = append(rt.Params, c.Type().String())
				}
				out = append(out, rt)
			}
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Module != out[j].Module {
			return out[i].Module < out[j].Module
		}
		if out[i].Method != out[j].Method {
			return out[i].Method < out[j].Method
		}
		return out[i].Mask < out[j].Mask
	})
	return out
}

// ParamTypes of the first handler for (module, method, mask).
func (r *Registry) ParamTypes(module uint32, method string, mask int32) ([]reflect.Type, bool) {
	for _, e := range r.handlers(module, method) {
		if e.mask == mask {
			return e.method.params, true
		}
	}
	return nil, false
}
