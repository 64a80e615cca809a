package wire

import (
	"fmt"
	"reflect"
	"sync"
)

// Any is a type-erased codec bound to one reflect.Type.
type Any interface {
	Type() reflect.Type
	WriteAny(w *Writer, v any) error
	ReadAny(r *Reader) (any, error)
}

type erased[T any] struct {
	c Codec[T]
	t reflect.Type
}

// Erase binds c to T's reflect.Type.
func Erase[T any](c Codec[T]) Any {
	return erased[T]{c: c, t: reflect.TypeFor[T]()}
}

func (e erased[T]) Type() reflect.Type { return e.t }

func (e erased[T]) WriteAny(w *Writer, v any) error {
	t, ok := v.(T)
	if !ok {
		cv, err := Convert(v, e.t)
		if err != nil {
			return err
		}
		t = cv.(T)
	}
	return e.c.Write(w, t)
}

func (e erased[T]) ReadAny(r *Reader) (any, error) {
	return e.c.Read(r)
}

// Convert coerces v to t when Go allows the conversion (e.g. untyped int -> int32).
func Convert(v any, t reflect.Type) (any, error) {
	if v == nil {
		switch t.Kind() {
		case reflect.Pointer, reflect.Slice:
			return reflect.Zero(t).Interface(), nil
		}
		return nil, fmt.Errorf("%w: nil for %s", ErrUnsupportedType, t)
	}
	rv := reflect.ValueOf(v)
	if rv.Type() == t {
		return v, nil
	}
	if rv.Type().AssignableTo(t) || (rv.Type().ConvertibleTo(t) && convertibleKinds(rv.Kind(), t.Kind())) {
		return rv.Convert(t).Interface(), nil
	}
	return nil, fmt.Errorf("%w: %s as %s", ErrUnsupportedType, rv.Type(), t)
}

// convertibleKinds rejects conversions Go permits but that lose meaning (int -> string).
func convertibleKinds(from, to reflect.Kind) bool {
	num := func(k reflect.Kind) bool { return k >= reflect.Int && k <= reflect.Float64 }
	if num(from) && num(to) {
		return true
	}
	return from == to
}

var registry = struct {
	mu    sync.RWMutex
	types map[reflect.Type]Any
}{types: make(map[reflect.Type]Any)}

// Register installs c for T process-wide; later registrations replace earlier ones.
func Register[T any](c Codec[T]) {
	RegisterAny(Erase(c))
}

// RegisterAny installs an erased codec under its Type().
func RegisterAny(a Any) {
	registry.mu.Lock()
	registry.types[a.Type()] = a
	registry.mu.Unlock()
}

// Lookup finds or derives a codec for t. Slices, arrays, pointers and named
// integer kinds are derived from their element codec; everything else must be registered.
func Lookup(t reflect.Type) (Any, error) {
	registry.mu.RLock()
	a, ok := registry.types[t]
	registry.mu.RUnlock()
	if ok {
		return a, nil
	}
	a, err := derive(t)
	if err != nil {
		return nil, err
	}
	RegisterAny(a)
	return a, nil
}

// For returns the typed codec for T.
func For[T any]() (Codec[T], error) {
	a, err := Lookup(reflect.TypeFor[T]())
	if err != nil {
		return nil, err
	}
	if e, ok := a.(erased[T]); ok {
		return e.c, nil
	}
	return CodecFunc(func(w *Writer, v T) error { return a.WriteAny(w, v) }, func(r *Reader) (T, error) {
		v, err := a.ReadAny(r)
		if err != nil {
			var zero T
			return zero, err
		}
		return v.(T), nil
	}), nil
}

// WriteValue encodes v with the codec registered for its dynamic type.
func WriteValue(w *Writer, v any) error {
	if v == nil {
		return fmt.Errorf("%w: untyped nil", ErrUnsupportedType)
	}
	a, err := Lookup(reflect.TypeOf(v))
	if err != nil {
		return err
	}
	return a.WriteAny(w, v)
}

// ReadValue decodes one value of type t.
func ReadValue(r *Reader, t reflect.Type) (any, error) {
	a, err := Lookup(t)
	if err != nil {
		return nil, err
	}
	return a.ReadAny(r)
}

func derive(t reflect.Type) (Any, error) {
	switch t.Kind() {
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			return reflectCodec{t: t, write: func(w *Writer, v reflect.Value) error {
				w.Blob(v.Bytes())
				return nil
			}, read: func(r *Reader) (reflect.Value, error) {
				b, err := r.Blob()
				return reflect.ValueOf(b).Convert(t), err
			}}, nil
		}
		elem, err := Lookup(t.Elem())
		if err != nil {
			return nil, err
		}
		return sliceOf(t, elem), nil
	case reflect.Array:
		elem, err := Lookup(t.Elem())
		if err != nil {
			return nil, err
		}
		return arrayOf(t, elem), nil
	case reflect.Pointer:
		elem, err := Lookup(t.Elem())
		if err != nil {
			return nil, err
		}
		return optionalOf(t, elem), nil
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64, reflect.Int,
		reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uint:
		return enumOf(t), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, t)
}

// reflectCodec serves derived container types.
type reflectCodec struct {
	t     reflect.Type
	write func(*Writer, reflect.Value) error
	read  func(*Reader) (reflect.Value, error)
}

func (c reflectCodec) Type() reflect.Type { return c.t }

func (c reflectCodec) WriteAny(w *Writer, v any) error {
	cv, err := Convert(v, c.t)
	if err != nil {
		return err
	}
	return c.write(w, reflect.ValueOf(cv))
}

func (c reflectCodec) ReadAny(r *Reader) (any, error) {
	v, err := c.read(r)
	if err != nil {
		return nil, err
	}
	return v.Interface(), nil
}

func sliceOf(t reflect.Type, elem Any) Any {
	return reflectCodec{t: t, write: func(w *Writer, v reflect.Value) error {
		w.I32(int32(v.Len()))
		for i := 0; i < v.Len(); i++ {
			if err := elem.WriteAny(w, v.Index(i).Interface()); err != nil {
				return err
			}
		}
		return nil
	}, read: func(r *Reader) (reflect.Value, error) {
		n, err := r.Len()
		if err != nil {
			return reflect.Value{}, err
		}
		out := reflect.MakeSlice(t, 0, min(n, r.Remaining()))
		for i := 0; i < n; i++ {
			e, err := elem.ReadAny(r)
			if err != nil {
				return reflect.Value{}, err
			}
			out = reflect.Append(out, reflect.ValueOf(e))
		}
		return out, nil
	}}
}

// arrayOf keeps the i32 count on the wire and requires it to match the array length.
func arrayOf(t reflect.Type, elem Any) Any {
	return reflectCodec{t: t, write: func(w *Writer, v reflect.Value) error {
		w.I32(int32(v.Len()))
		for i := 0; i < v.Len(); i++ {
			if err := elem.WriteAny(w, v.Index(i).Interface()); err != nil {
				return err
			}
		}
		return nil
	}, read: func(r *Reader) (reflect.Value, error) {
		n, err := r.Len()
		if err != nil {
			return reflect.Value{}, err
		}
		if n != t.Len() {
			return reflect.Value{}, ErrInvalidLength
		}
		out := reflect.New(t).Elem()
		for i := 0; i < n; i++ {
			e, err := elem.ReadAny(r)
			if err != nil {
				return reflect.Value{}, err
			}
			out.Index(i).Set(reflect.ValueOf(e))
		}
		return out, nil
	}}
}

func optionalOf(t reflect.Type, elem Any) Any {
	return reflectCodec{t: t, write: func(w *Writer, v reflect.Value) error {
		if v.IsNil() {
			w.Bool(false)
			return nil
		}
		w.Bool(true)
		return elem.WriteAny(w, v.Elem().Interface())
	}, read: func(r *Reader) (reflect.Value, error) {
		ok, err := r.Bool()
		if err != nil {
			return reflect.Value{}, err
		}
		if !ok {
			return reflect.Zero(t), nil
		}
		e, err := elem.ReadAny(r)
		if err != nil {
			return reflect.Value{}, err
		}
		p := reflect.New(t.Elem())
		p.Elem().Set(reflect.ValueOf(e))
		return p, nil
	}}
}

func enumOf(t reflect.Type) Any {
	size := int(t.Size())
	signed := t.Kind() >= reflect.Int && t.Kind() <= reflect.Int64
	return reflectCodec{t: t, write: func(w *Writer, v reflect.Value) error {
		if signed {
			writeInt(w, size, uint64(v.Int()))
		} else {
			writeInt(w, size, v.Uint())
		}
		return nil
	}, read: func(r *Reader) (reflect.Value, error) {
		u, err := readInt(r, size, signed)
		if err != nil {
			return reflect.Value{}, err
		}
		out := reflect.New(t).Elem()
		if signed {
			out.SetInt(int64(u))
		} else {
			out.SetUint(u)
		}
		return out, nil
	}}
}

func init() {
	Register(Uint8)
	Register(Uint16)
	Register(Uint32)
	Register(Uint64)
	Register(Int8)
	Register(Int16)
	Register(Int32)
	Register(Int64)
	Register(Int)
	Register(Uint)
	Register(Float32)
	Register(Float64)
	Register(Bool)
	Register(String)
	Register(Bytes)
	Register(Vec2Codec)
	Register(Vec3Codec)
	Register(Vec4Codec)
	Register(QuatCodec)
}
