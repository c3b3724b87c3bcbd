package transport

import (
	"errors"
	"fmt"
	"math"
	"net"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/opd-ai/comm/crypto"
	"github.com/opd-ai/comm/limits"
)

// ErrMalformedMessage is wrapped by every decode failure.
var ErrMalformedMessage = errors.New("malformed message")

// Envelope field numbers.
const (
	fieldEnvelopeType          protowire.Number = 1
	fieldEnvelopeTransactionID protowire.Number = 2
	// Bodies occupy fields 3 through 8, one per message type.
	fieldEnvelopeFirstBody protowire.Number = 3
)

// Body field numbers shared by all six message bodies.
const (
	fieldBodyOrigin protowire.Number = 1
	fieldBodyExtra  protowire.Number = 2
)

// Node field numbers.
const (
	fieldNodeID   protowire.Number = 1
	fieldNodeIP   protowire.Number = 2
	fieldNodePort protowire.Number = 3
)

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformedMessage, fmt.Sprintf(format, args...))
}

func bodyField(t MessageType) protowire.Number {
	return fieldEnvelopeFirstBody + protowire.Number(t-FindNodeQuery)
}

// ProtoCodec encodes envelopes in protobuf wire format.
type ProtoCodec struct{}

// Encode serializes env.
func (ProtoCodec) Encode(env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, errors.New("nil envelope")
	}
	if !env.Type.Valid() {
		return nil, fmt.Errorf("cannot encode message type %s", env.Type)
	}

	body := protowire.AppendTag(nil, fieldBodyOrigin, protowire.BytesType)
	body = protowire.AppendBytes(body, encodeNode(env.Origin))

	switch env.Type {
	case FindNodeQuery:
		body = protowire.AppendTag(body, fieldBodyExtra, protowire.BytesType)
		body = protowire.AppendString(body, env.Target.String())
	case FindNodeResponse:
		for _, node := range env.Nodes {
			body = protowire.AppendTag(body, fieldBodyExtra, protowire.BytesType)
			body = protowire.AppendBytes(body, encodeNode(node))
		}
	case PacketQuery:
		body = protowire.AppendTag(body, fieldBodyExtra, protowire.BytesType)
		body = protowire.AppendBytes(body, env.Payload)
	}

	var b []byte
	b = protowire.AppendTag(b, fieldEnvelopeType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(env.Type))
	b = protowire.AppendTag(b, fieldEnvelopeTransactionID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(env.TransactionID))
	b = protowire.AppendTag(b, bodyField(env.Type), protowire.BytesType)
	b = protowire.AppendBytes(b, body)
	if err := limits.ValidateDatagram(b); err != nil {
		return nil, fmt.Errorf("encode %s: %w", env.Type, err)
	}
	return b, nil
}

// Only the primary UDP endpoint travels on the wire.
func encodeNode(d PeerDescriptor) []byte {
	b := protowire.AppendTag(nil, fieldNodeID, protowire.BytesType)
	b = protowire.AppendString(b, d.ID.String())

	if addr := d.PrimaryUDP(); addr != nil {
		ip := addr.IP.To4()
		if ip == nil {
			ip = addr.IP.To16()
		}
		b = protowire.AppendTag(b, fieldNodeIP, protowire.BytesType)
		b = protowire.AppendBytes(b, ip)
		b = protowire.AppendTag(b, fieldNodePort, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(addr.Port))
	}
	return b
}

// Decode parses a datagram produced by Encode.
func (ProtoCodec) Decode(data []byte) (*Envelope, error) {
	if len(data) == 0 {
		return nil, malformed("empty datagram")
	}

	env := &Envelope{}
	var (
		haveType bool
		bodyNum  protowire.Number
		body     []byte
	)

	err := forEachField(data, func(f field) error {
		switch {
		case f.num == fieldEnvelopeType:
			if f.typ != protowire.VarintType {
				return malformed("message type has wire type %d", f.typ)
			}
			if f.varint > math.MaxInt32 {
				return malformed("message type %d out of range", f.varint)
			}
			env.Type = MessageType(f.varint)
			haveType = true
		case f.num == fieldEnvelopeTransactionID:
			if f.typ != protowire.VarintType {
				return malformed("transaction id has wire type %d", f.typ)
			}
			if f.varint > math.MaxUint32 {
				return malformed("transaction id %d out of range", f.varint)
			}
			env.TransactionID = uint32(f.varint)
		case f.num >= fieldEnvelopeFirstBody && f.num <= bodyField(PacketResponse):
			if f.typ != protowire.BytesType {
				return malformed("body field %d has wire type %d", f.num, f.typ)
			}
			bodyNum, body = f.num, f.bytes
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !haveType || !env.Type.Valid() {
		return nil, malformed("unknown message type %d", int32(env.Type))
	}
	if bodyNum != bodyField(env.Type) {
		return nil, malformed("%s envelope carries body field %d", env.Type, bodyNum)
	}
	if err := decodeBody(env, body); err != nil {
		return nil, err
	}
	return env, nil
}

func decodeBody(env *Envelope, body []byte) error {
	var haveOrigin, haveTarget bool

	err := forEachField(body, func(f field) error {
		switch f.num {
		case fieldBodyOrigin:
			if f.typ != protowire.BytesType {
				return malformed("origin has wire type %d", f.typ)
			}
			origin, err := decodeNode(f.bytes)
			if err != nil {
				return fmt.Errorf("origin: %w", err)
			}
			env.Origin = origin
			haveOrigin = true
		case fieldBodyExtra:
			if f.typ != protowire.BytesType {
				return malformed("field 2 of %s has wire type %d", env.Type, f.typ)
			}
			switch env.Type {
			case FindNodeQuery:
				target, err := crypto.FromHex(string(f.bytes))
				if err != nil {
					return malformed("target: %v", err)
				}
				env.Target = target
				haveTarget = true
			case FindNodeResponse:
				node, err := decodeNode(f.bytes)
				if err != nil {
					return fmt.Errorf("candidate %d: %w", len(env.Nodes), err)
				}
				env.Nodes = append(env.Nodes, node)
			case PacketQuery:
				env.Payload = append([]byte(nil), f.bytes...)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if !haveOrigin {
		return malformed("%s without origin", env.Type)
	}
	if env.Type == FindNodeQuery && !haveTarget {
		return malformed("find node query without target")
	}
	return nil
}

func decodeNode(b []byte) (PeerDescriptor, error) {
	var (
		d        PeerDescriptor
		haveID   bool
		ip       net.IP
		port     uint64
		havePort bool
	)

	err := forEachField(b, func(f field) error {
		switch f.num {
		case fieldNodeID:
			if f.typ != protowire.BytesType {
				return malformed("node id has wire type %d", f.typ)
			}
			id, err := crypto.FromHex(string(f.bytes))
			if err != nil {
				return malformed("node id: %v", err)
			}
			d.ID = id
			haveID = true
		case fieldNodeIP:
			if f.typ != protowire.BytesType {
				return malformed("node ip has wire type %d", f.typ)
			}
			if len(f.bytes) != net.IPv4len && len(f.bytes) != net.IPv6len {
				return malformed("node ip has %d bytes", len(f.bytes))
			}
			ip = append(net.IP(nil), f.bytes...)
		case fieldNodePort:
			if f.typ != protowire.VarintType {
				return malformed("node port has wire type %d", f.typ)
			}
			if f.varint > math.MaxUint16 {
				return malformed("node port %d out of range", f.varint)
			}
			port = f.varint
			havePort = true
		}
		return nil
	})
	if err != nil {
		return PeerDescriptor{}, err
	}

	if !haveID {
		return PeerDescriptor{}, malformed("node without id")
	}
	if ip == nil || !havePort {
		return PeerDescriptor{}, malformed("node %s without address", d.ID)
	}
	d.Endpoints = []Endpoint{UDPEndpoint(&net.UDPAddr{IP: ip, Port: int(port)})}
	return d, nil
}

type field struct {
	num    protowire.Number
	typ    protowire.Type
	varint uint64
	bytes  []byte
}

// forEachField walks the top-level fields of b. Fields of types other than
// varint and length-delimited are skipped.
func forEachField(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return malformed("tag: %v", protowire.ParseError(n))
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return malformed("field %d: %v", num, protowire.ParseError(n))
		}
		b = b[n:]

		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

// SealedCodec seals every datagram of an inner codec with a network key.
type SealedCodec struct {
	inner Codec
	key   crypto.NetworkKey
}

// NewSealedCodec wraps inner. A nil inner codec means ProtoCodec.
func NewSealedCodec(inner Codec, key crypto.NetworkKey) *SealedCodec {
	if inner == nil {
		inner = ProtoCodec{}
	}
	return &SealedCodec{inner: inner, key: key}
}

// Encode encodes env with the inner codec and seals the result.
func (c *SealedCodec) Encode(env *Envelope) ([]byte, error) {
	plain, err := c.inner.Encode(env)
	if err != nil {
		return nil, err
	}
	return crypto.Seal(plain, c.key)
}

// Decode opens data and decodes it with the inner codec.
func (c *SealedCodec) Decode(data []byte) (*Envelope, error) {
	plain, err := crypto.Open(data, c.key)
	if err != nil {
		return nil, malformed("%v", err)
	}
	return c.inner.Decode(plain)
}
