package wire

import (
	"unsafe"
)

// Codec writes and reads one value type.
type Codec[T any] interface {
	Write(w *Writer, v T) error
	Read(r *Reader) (T, error)
}

type funcCodec[T any] struct {
	write func(*Writer, T) error
	read  func(*Reader) (T, error)
}

func (c funcCodec[T]) Write(w *Writer, v T) error { return c.write(w, v) }
func (c funcCodec[T]) Read(r *Reader) (T, error)  { return c.read(r) }

// CodecFunc builds a Codec from a writer/reader pair.
func CodecFunc[T any](write func(*Writer, T) error, read func(*Reader) (T, error)) Codec[T] {
	return funcCodec[T]{write: write, read: read}
}

// simple wraps infallible writers.
func simple[T any](write func(*Writer, T), read func(*Reader) (T, error)) Codec[T] {
	return CodecFunc(func(w *Writer, v T) error { write(w, v); return nil }, read)
}

var (
	Uint8   = simple((*Writer).U8, (*Reader).U8)
	Uint16  = simple((*Writer).U16, (*Reader).U16)
	Uint32  = simple((*Writer).U32, (*Reader).U32)
	Uint64  = simple((*Writer).U64, (*Reader).U64)
	Int8    = simple((*Writer).I8, (*Reader).I8)
	Int16   = simple((*Writer).I16, (*Reader).I16)
	Int32   = simple((*Writer).I32, (*Reader).I32)
	Int64   = simple((*Writer).I64, (*Reader).I64)
	Float32 = simple((*Writer).F32, (*Reader).F32)
	Float64 = simple((*Writer).F64, (*Reader).F64)
	Bool    = simple((*Writer).Bool, (*Reader).Bool)
	String  = simple((*Writer).Str, (*Reader).Str)
	Bytes   = simple((*Writer).Blob, (*Reader).Blob)

	// Int and Uint travel as 64-bit.
	Int = simple(func(w *Writer, v int) { w.I64(int64(v)) }, func(r *Reader) (int, error) {
		v, err := r.I64()
		return int(v), err
	})
	Uint = simple(func(w *Writer, v uint) { w.U64(uint64(v)) }, func(r *Reader) (uint, error) {
		v, err := r.U64()
		return uint(v), err
	})
)

// Vec2 fixed layout: x, y as f32.
type Vec2 struct{ X, Y float32 }

// Vec3 fixed layout: x, y, z as f32.
type Vec3 struct{ X, Y, Z float32 }

// Vec4 fixed layout: x, y, z, w as f32.
type Vec4 struct{ X, Y, Z, W float32 }

// Quat fixed layout: x, y, z, w as f32.
type Quat struct{ X, Y, Z, W float32 }

// floats reads n f32 values in order.
func floats(r *Reader, out ...*float32) error {
	for _, p := range out {
		v, err := r.F32()
		if err != nil {
			return err
		}
		*p = v
	}
	return nil
}

var (
	Vec2Codec = simple(func(w *Writer, v Vec2) { w.F32(v.X); w.F32(v.Y) }, func(r *Reader) (Vec2, error) {
		var v Vec2
		return v, floats(r, &v.X, &v.Y)
	})
	Vec3Codec = simple(func(w *Writer, v Vec3) { w.F32(v.X); w.F32(v.Y); w.F32(v.Z) }, func(r *Reader) (Vec3, error) {
		var v Vec3
		return v, floats(r, &v.X, &v.Y, &v.Z)
	})
	Vec4Codec = simple(func(w *Writer, v Vec4) { w.F32(v.X); w.F32(v.Y); w.F32(v.Z); w.F32(v.W) }, func(r *Reader) (Vec4, error) {
		var v Vec4
		return v, floats(r, &v.X, &v.Y, &v.Z, &v.W)
	})
	QuatCodec = simple(func(w *Writer, v Quat) { w.F32(v.X); w.F32(v.Y); w.F32(v.Z); w.F32(v.W) }, func(r *Reader) (Quat, error) {
		var v Quat
		return v, floats(r, &v.X, &v.Y, &v.Z, &v.W)
	})
)

// Slice: i32 count + elements. Decodes to a non-nil slice.
func Slice[T any](elem Codec[T]) Codec[[]T] {
	return CodecFunc(func(w *Writer, v []T) error {
		w.I32(int32(len(v)))
		for _, e := range v {
			if err := elem.Write(w, e); err != nil {
				return err
			}
		}
		return nil
	}, func(r *Reader) ([]T, error) {
		n, err := r.Len()
		if err != nil {
			return nil, err
		}
		// every element costs at least one byte unless T is zero-sized
		out := make([]T, 0, min(n, r.Remaining()))
		for i := 0; i < n; i++ {
			e, err := elem.Read(r)
			if err != nil {
				return nil, err
			}
			out = append(out, e)
		}
		return out, nil
	})
}

// Optional: presence byte + value; nil pointer writes 0.
func Optional[T any](elem Codec[T]) Codec[*T] {
	return CodecFunc(func(w *Writer, v *T) error {
		if v == nil {
			w.Bool(false)
			return nil
		}
		w.Bool(true)
		return elem.Write(w, *v)
	}, func(r *Reader) (*T, error) {
		ok, err := r.Bool()
		if err != nil || !ok {
			return nil, err
		}
		v, err := elem.Read(r)
		if err != nil {
			return nil, err
		}
		return &v, nil
	})
}

// Integer is any type usable as an enumeration's underlying type.
type Integer interface {
	~int8 | ~int16 | ~int32 | ~int64 | ~int | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uint
}

// Enum encodes E as its underlying integer (width from the type).
func Enum[E Integer]() Codec[E] {
	var zero E
	size := int(unsafe.Sizeof(zero))
	signed := zero-1 < 0
	return CodecFunc(func(w *Writer, v E) error {
		writeInt(w, size, uint64(v))
		return nil
	}, func(r *Reader) (E, error) {
		u, err := readInt(r, size, signed)
		return E(u), err
	})
}

func writeInt(w *Writer, size int, u uint64) {
	switch size {
	case 1:
		w.U8(uint8(u))
	case 2:
		w.U16(uint16(u))
	case 4:
		w.U32(uint32(u))
	default:
		w.U64(u)
	}
}

// readInt sign-extends when signed so E(u) restores negative values.
func readInt(r *Reader, size int, signed bool) (uint64, error) {
	switch size {
	case 1:
		v, err := r.U8()
		if signed {
			return uint64(int64(int8(v))), err
		}
		return uint64(v), err
	case 2:
		v, err := r.U16()
		if signed {
			return uint64(int64(int16(v))), err
		}
		return uint64(v), err
	case 4:
		v, err := r.U32()
		if signed {
			return uint64(int64(int32(v))), err
		}
		return uint64(v), err
	default:
		return r.U64()
	}
}
