package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var cborEnc, _ = cbor.CoreDetEncOptions().EncMode()

// CBOR embeds T as an i32-len-prefixed CBOR blob; for application structs
// that do not warrant a hand-written codec. Register with wire.Register(wire.CBOR[T]()).
func CBOR[T any]() Codec[T] {
	return CodecFunc(func(w *Writer, v T) error {
		b, err := cborEnc.Marshal(v)
		if err != nil {
			return fmt.Errorf("%w: cbor: %v", ErrUnsupportedType, err)
		}
		w.Blob(b)
		return nil
	}, func(r *Reader) (T, error) {
		var v T
		b, err := r.Blob()
		if err != nil {
			return v, err
		}
		if err := cbor.Unmarshal(b, &v); err != nil {
			return v, fmt.Errorf("wire: cbor: %w", err)
		}
		return v, nil
	})
}
