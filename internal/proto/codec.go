package proto

import (
	"fmt"

	"dev.c0redev.peerrpc/internal/wire"
)

// EncodeEnvelope writes version, module, method, mask; args are appended raw.
func EncodeEnvelope(module uint32, method string, mask int32, args []byte) []byte {
	w := wire.NewWriter(1 + 4 + 4 + len(method) + 4 + len(args))
	w.U8(EnvelopeVersion)
	w.U32(module)
	w.Str(method)
	w.I32(mask)
	w.Raw(args)
	return w.Bytes()
}

// DecodeEnvelope parses the fixed prefix; Args aliases b.
func DecodeEnvelope(b []byte) (Envelope, error) {
	r := wire.NewReader(b)
	var e Envelope
	var err error
	if e.Version, err = r.U8(); err != nil {
		return e, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if e.Version != EnvelopeVersion {
		return e, fmt.Errorf("%w: envelope version %d", ErrMalformedFrame, e.Version)
	}
	if e.Module, err = r.U32(); err != nil {
		return e, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if e.Method, err = r.Str(); err != nil {
		return e, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if e.Mask, err = r.I32(); err != nil {
		return e, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	e.Args = r.Rest()
	return e, nil
}

// Bytes re-encodes e.
func (e Envelope) Bytes() []byte {
	return EncodeEnvelope(e.Module, e.Method, e.Mask, e.Args)
}

// EncodeAck: control envelope acking msgID.
func EncodeAck(msgID uint64) []byte {
	w := wire.NewWriter(8)
	w.U64(msgID)
	return EncodeEnvelope(ControlModule, MethodAck, 0, w.Bytes())
}

// DecodeAck reads the acked message_id from control args.
func DecodeAck(args []byte) (uint64, error) {
	return wire.NewReader(args).U64()
}

// HandshakeKey: PUBKEY args (public key, nonce).
type HandshakeKey struct {
	PublicKey []byte
	Nonce     string
}

// HandshakeSecret: SECRET args (wrapped symmetric key, sender nonce).
type HandshakeSecret struct {
	Encrypted []byte
	Nonce     string
}

// HandshakeConfirm: CONFIRM args (nonce, HMAC(key, nonce)).
type HandshakeConfirm struct {
	Nonce string
	MAC   []byte
}

func EncodeHandshakeKey(m HandshakeKey) []byte {
	w := wire.NewWriter(len(m.PublicKey) + len(m.Nonce) + 8)
	w.Blob(m.PublicKey)
	w.Str(m.Nonce)
	return EncodeEnvelope(ControlModule, MethodHandshakePubKey, 0, w.Bytes())
}

func DecodeHandshakeKey(args []byte) (HandshakeKey, error) {
	r := wire.NewReader(args)
	var m HandshakeKey
	var err error
	if m.PublicKey, err = r.Blob(); err != nil {
		return m, err
	}
	m.Nonce, err = r.Str()
	return m, err
}

func EncodeHandshakeSecret(m HandshakeSecret) []byte {
	w := wire.NewWriter(len(m.Encrypted) + len(m.Nonce) + 8)
	w.Blob(m.Encrypted)
	w.Str(m.Nonce)
	return EncodeEnvelope(ControlModule, MethodHandshakeSecret, 0, w.Bytes())
}

func DecodeHandshakeSecret(args []byte) (HandshakeSecret, error) {
	r := wire.NewReader(args)
	var m HandshakeSecret
	var err error
	if m.Encrypted, err = r.Blob(); err != nil {
		return m, err
	}
	m.Nonce, err = r.Str()
	return m, err
}

func EncodeHandshakeConfirm(m HandshakeConfirm) []byte {
	w := wire.NewWriter(len(m.Nonce) + len(m.MAC) + 8)
	w.Str(m.Nonce)
	w.Blob(m.MAC)
	return EncodeEnvelope(ControlModule, MethodHandshakeConfirm, 0, w.Bytes())
}

func DecodeHandshakeConfirm(args []byte) (HandshakeConfirm, error) {
	r := wire.NewReader(args)
	var m HandshakeConfirm
	var err error
	if m.Nonce, err = r.Str(); err != nil {
		return m, err
	}
	m.MAC, err = r.Blob()
	return m, err
}
