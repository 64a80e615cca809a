package proto

// Flags: 1-byte bitset at frame offset 0.
type Flags uint8

const (
	FlagFragment   Flags = 0x01 // fragment_total > 1
	FlagCompressed Flags = 0x02 // payload is gzip
	FlagMAC        Flags = 0x04 // trailing 32-byte HMAC-SHA256
	FlagSigned     Flags = 0x08 // u16 len + signature after payload
	FlagAck        Flags = 0x10 // sender wants an ack
)

func (f Flags) Has(x Flags) bool { return f&x != 0 }

// HeaderSize: flags(1) + message_id(8) + sequence(8) + fragment_total(4) + fragment_index(4).
const HeaderSize = 25

// MACSize HMAC-SHA256.
const MACSize = 32

// CompressThreshold payloads longer than this are gzipped.
const CompressThreshold = 1024

// MaxFragments per message; 16x single-frame max is the total size cap.
const MaxFragments = 16

// EnvelopeVersion byte 0 of every envelope.
const EnvelopeVersion = 1

// ControlModule reserved for internal control envelopes.
const ControlModule uint32 = 0

// Control method names (module 0).
const (
	MethodAck              = "NETWORK_INTERNAL_ACK"
	MethodHandshakePubKey  = "NETWORK_INTERNAL_HANDSHAKE_PUBKEY"
	MethodHandshakeSecret  = "NETWORK_INTERNAL_HANDSHAKE_SECRET"
	MethodHandshakeConfirm = "NETWORK_INTERNAL_HANDSHAKE_CONFIRM"
)

// Header: fixed 25-byte frame prefix.
type Header struct {
	Flags         Flags
	MessageID     uint64
	Sequence      uint64
	FragmentTotal int32
	FragmentIndex int32
}

// Fragmented reports whether the frame is one piece of a multi-frame message.
func (h Header) Fragmented() bool { return h.FragmentTotal > 1 }

// Envelope: decoded RPC call; Args holds the still-encoded argument bytes.
type Envelope struct {
	Version uint8
	Module  uint32
	Method  string
	Mask    int32
	Args    []byte
}

// Signer signs the signing input of a frame (per module).
type Signer interface {
	Sign(msg []byte) ([]byte, error)
}

// Verifier checks signatures produced by the module's Signer.
type Verifier interface {
	Verify(msg, sig []byte) bool
	SignatureSize() int
}
