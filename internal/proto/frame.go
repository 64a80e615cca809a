package proto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
)

var ErrMalformedFrame = errors.New("malformed frame")
var ErrAuthentication = errors.New("authentication failed")

// AppendHeader writes the 25-byte header to b.
func AppendHeader(b []byte, h Header) []byte {
	b = append(b, byte(h.Flags))
	b = binary.LittleEndian.AppendUint64(b, h.MessageID)
	b = binary.LittleEndian.AppendUint64(b, h.Sequence)
	b = binary.LittleEndian.AppendUint32(b, uint32(h.FragmentTotal))
	b = binary.LittleEndian.AppendUint32(b, uint32(h.FragmentIndex))
	return b
}

// ParseHeader reads the header; fragment_total <= 0 is read as 1.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrMalformedFrame
	}
	h := Header{
		Flags:         Flags(b[0]),
		MessageID:     binary.LittleEndian.Uint64(b[1:9]),
		Sequence:      binary.LittleEndian.Uint64(b[9:17]),
		FragmentTotal: int32(binary.LittleEndian.Uint32(b[17:21])),
		FragmentIndex: int32(binary.LittleEndian.Uint32(b[21:25])),
	}
	if h.FragmentTotal <= 0 {
		h.FragmentTotal = 1
	}
	if h.FragmentTotal > MaxFragments || h.FragmentIndex < 0 || h.FragmentIndex >= h.FragmentTotal {
		return Header{}, ErrMalformedFrame
	}
	return h, nil
}

// PeekMessageID reads message_id without validating the rest.
func PeekMessageID(frame []byte) (uint64, bool) {
	if len(frame) < 9 {
		return 0, false
	}
	return binary.LittleEndian.Uint64(frame[1:9]), true
}

// BuildOptions for one outgoing frame.
type BuildOptions struct {
	MessageID uint64
	Sequence  uint64
	Ack       bool
	Signer    Signer // nil = unsigned
	MACKey    []byte // nil = no MAC
	// CompressThreshold 0 = CompressThreshold const, <0 = never.
	CompressThreshold int
}

// Build frames an encoded envelope as a single frame. Flags are final before
// signing and MAC, so the MAC covers exactly the bytes the receiver sees.
func Build(envelope []byte, o BuildOptions) ([]byte, error) {
	threshold := o.CompressThreshold
	if threshold == 0 {
		threshold = CompressThreshold
	}
	payload := envelope
	var flags Flags
	if threshold > 0 && len(payload) > threshold {
		z, err := Compress(payload)
		if err != nil {
			return nil, err
		}
		payload = z
		flags |= FlagCompressed
	}
	if o.Signer != nil {
		flags |= FlagSigned
	}
	if o.MACKey != nil {
		flags |= FlagMAC
	}
	if o.Ack {
		flags |= FlagAck
	}
	h := Header{Flags: flags, MessageID: o.MessageID, Sequence: o.Sequence, FragmentTotal: 1}
	out := make([]byte, 0, HeaderSize+len(payload)+MACSize+2+64)
	out = AppendHeader(out, h)
	out = append(out, payload...)
	if o.Signer != nil {
		sig, err := o.Signer.Sign(SigningInput(h, payload))
		if err != nil {
			return nil, fmt.Errorf("sign: %w", err)
		}
		if len(sig) > 0xffff {
			return nil, errors.New("signature too large")
		}
		out = binary.LittleEndian.AppendUint16(out, uint16(len(sig)))
		out = append(out, sig...)
	}
	if o.MACKey != nil {
		out = append(out, MAC(o.MACKey, out)...)
	}
	return out, nil
}

// SigningInput: flags (compressed|signed only), message_id, sequence, payload.
// Fragment fields and per-hop bits stay out so the signature survives reassembly.
func SigningInput(h Header, payload []byte) []byte {
	b := make([]byte, 0, 17+len(payload))
	b = append(b, byte(h.Flags&(FlagCompressed|FlagSigned)))
	b = binary.LittleEndian.AppendUint64(b, h.MessageID)
	b = binary.LittleEndian.AppendUint64(b, h.Sequence)
	return append(b, payload...)
}

// MAC is HMAC-SHA256(key, msg).
func MAC(key, msg []byte) []byte {
	m := hmac.New(sha256.New, key)
	m.Write(msg)
	return m.Sum(nil)
}

// Unseal parses the header and strips/verifies the trailing MAC.
// key nil with FlagMAC set fails: an unverifiable MAC is treated as forged.
// requireMAC rejects frames without a MAC when a key is known.
func Unseal(frame []byte, key []byte, requireMAC bool) (Header, []byte, error) {
	h, err := ParseHeader(frame)
	if err != nil {
		return Header{}, nil, err
	}
	body := frame[HeaderSize:]
	if !h.Flags.Has(FlagMAC) {
		if requireMAC && key != nil {
			return Header{}, nil, ErrAuthentication
		}
		return h, body, nil
	}
	if len(body) < MACSize {
		return Header{}, nil, ErrMalformedFrame
	}
	if key == nil {
		return Header{}, nil, ErrAuthentication
	}
	cut := len(frame) - MACSize
	if !hmac.Equal(MAC(key, frame[:cut]), frame[cut:]) {
		return Header{}, nil, ErrAuthentication
	}
	return h, frame[HeaderSize:cut], nil
}

// VerifierLookup returns the public key registered for a module.
type VerifierLookup func(module uint32) (Verifier, bool)

// Open strips/verifies the signature and decompresses. body is the MAC-stripped
// payload (reassembled when fragmented); flags come from the frame header.
func Open(h Header, body []byte, verifiers VerifierLookup, maxSize int) ([]byte, error) {
	payload := body
	if h.Flags.Has(FlagSigned) {
		module, err := peekModule(body, h.Flags.Has(FlagCompressed))
		if err != nil {
			return nil, err
		}
		var v Verifier
		ok := false
		if verifiers != nil {
			v, ok = verifiers(module)
		}
		if !ok {
			return nil, ErrAuthentication
		}
		n := v.SignatureSize()
		if len(body) < n+2 {
			return nil, ErrMalformedFrame
		}
		cut := len(body) - n - 2
		if int(binary.LittleEndian.Uint16(body[cut:cut+2])) != n {
			return nil, ErrAuthentication
		}
		payload = body[:cut]
		if !v.Verify(SigningInput(h, payload), body[cut+2:]) {
			return nil, ErrAuthentication
		}
	}
	if h.Flags.Has(FlagCompressed) {
		return Decompress(payload, maxSize)
	}
	return payload, nil
}

// peekModule reads module_id from the envelope prefix (bytes 1..5).
func peekModule(body []byte, compressed bool) (uint32, error) {
	prefix := body
	if compressed {
		p, err := decompressPrefix(body, 5)
		if err != nil {
			return 0, err
		}
		prefix = p
	}
	if len(prefix) < 5 {
		return 0, ErrMalformedFrame
	}
	return binary.LittleEndian.Uint32(prefix[1:5]), nil
}
