// Package stunmsg implements the STUN/TURN wire codec described in
// spec.md §6: the RFC 5389/8489 20-byte header (type, length, the magic
// cookie 0x2112A442, and a 96-bit transaction id) plus a TLV attribute
// list, with MESSAGE-INTEGRITY (HMAC-SHA1) and FINGERPRINT (CRC-32)
// support. This is one of the spec's core deliverables (§2: ~8% of the
// budget) rather than a pass-through to a third-party STUN library — see
// DESIGN.md for why crypto/hmac, crypto/sha1 and hash/crc32 from the
// standard library are used here instead of an ecosystem wrapper.
package stunmsg

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // required by RFC 5389 MESSAGE-INTEGRITY, not used for anything security-sensitive beyond the wire format
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/pion/randutil"
)

// MagicCookie is the fixed STUN magic cookie (RFC 5389 §6).
const MagicCookie uint32 = 0x2112A442

// TransactionIDSize is 96 bits per RFC 8489 §5, reproduced here rather than
// imported from a STUN library since the codec itself is hand-rolled (see
// SPEC_FULL.md §3).
const TransactionIDSize = 12

// fingerprintXOR is XORed into the computed CRC-32 per RFC 5389 §15.5.
const fingerprintXOR uint32 = 0x5354554e

// Class is the 2-bit STUN message class.
type Class uint8

const (
	ClassRequest         Class = 0x00
	ClassIndication      Class = 0x01
	ClassSuccessResponse Class = 0x02
	ClassErrorResponse   Class = 0x03
)

// Method is the 12-bit STUN/TURN method.
type Method uint16

const (
	MethodBinding          Method = 0x0001
	MethodAllocate         Method = 0x0003
	MethodRefresh          Method = 0x0004
	MethodSend             Method = 0x0006
	MethodData             Method = 0x0007
	MethodCreatePermission Method = 0x0008
	MethodChannelBind      Method = 0x0009
)

// TransactionID is the 96-bit correlation id carried by every message.
type TransactionID [TransactionIDSize]byte

// NewTransactionID generates a cryptographically-randomized transaction id
// via pion/randutil, matching the ambient stack's random-generation source
// for ICE ufrag/pwd/foundations (see internal/ice).
func NewTransactionID() (TransactionID, error) {
	var t TransactionID
	b, err := randutil.GenerateCryptoRandomString(TransactionIDSize, randutil.CharsetAlphaNumeric)
	if err != nil {
		return t, err
	}
	copy(t[:], b[:TransactionIDSize])
	return t, nil
}

// AttrType is a 16-bit STUN/TURN attribute type.
type AttrType uint16

const (
	AttrMappedAddress     AttrType = 0x0001
	AttrUsername          AttrType = 0x0006
	AttrMessageIntegrity  AttrType = 0x0008
	AttrErrorCode         AttrType = 0x0009
	AttrUnknownAttributes AttrType = 0x000A
	AttrChannelNumber     AttrType = 0x000C
	AttrLifetime          AttrType = 0x000D
	AttrXORPeerAddress    AttrType = 0x0012
	AttrData              AttrType = 0x0013
	AttrRealm             AttrType = 0x0014
	AttrNonce              AttrType = 0x0015
	AttrXORRelayedAddress AttrType = 0x0016
	AttrRequestedTransport AttrType = 0x0019
	AttrXORMappedAddress  AttrType = 0x0020
	AttrPriority          AttrType = 0x0024
	AttrUseCandidate      AttrType = 0x0025
	AttrFingerprint       AttrType = 0x8028
	AttrICEControlled     AttrType = 0x8029
	AttrICEControlling    AttrType = 0x802A
	AttrSoftware          AttrType = 0x8022
)

// ErrMalformed wraps every parse failure so callers can classify it as the
// spec's "protocol" error kind (spec.md §7).
var ErrMalformed = errors.New("stunmsg: malformed message")

// Attribute is a raw, already-decoded TLV (value is padded-length stripped).
type Attribute struct {
	Type  AttrType
	Value []byte
}

// Message is a fully decoded STUN/TURN message.
type Message struct {
	Class         Class
	Method        Method
	TransactionID TransactionID
	Attributes    []Attribute

	// raw holds the header+attributes as encoded, before MESSAGE-INTEGRITY
	// and FINGERPRINT are appended; Encode needs it to compute both.
	raw []byte
}

// messageType packs class+method into the 14-bit STUN message type field.
func messageType(class Class, method Method) uint16 {
	m := uint16(method)
	c := uint16(class)
	return (m & 0x0f80 << 2) | (c&0x02)<<7 | (m & 0x0070 << 1) | (c&0x01)<<4 | (m & 0x000f)
}

func splitMessageType(t uint16) (Class, Method) {
	c := Class((t>>4)&0x1 | (t>>7)&0x2)
	m := Method((t & 0x000f) | (t>>1)&0x0070 | (t>>2)&0x0f80)
	return c, m
}

// IsStunMessage performs the magic-cookie detection from spec.md §6: the
// fast pre-check used by a ConnectionListener receive_handler to decide
// whether an inbound datagram is STUN/TURN before handing it to the media
// path.
func IsStunMessage(packet []byte) bool {
	if len(packet) < 20 {
		return false
	}
	if packet[0]&0xC0 != 0 {
		return false // two high bits of a STUN header are always zero
	}
	return binary.BigEndian.Uint32(packet[4:8]) == MagicCookie
}

// Parse decodes a raw STUN/TURN message. It does not verify
// MESSAGE-INTEGRITY or FINGERPRINT; call VerifyMessageIntegrity /
// VerifyFingerprint explicitly once the caller has the right key/password.
func Parse(packet []byte) (*Message, error) {
	if len(packet) < 20 {
		return nil, fmt.Errorf("%w: header too short", ErrMalformed)
	}
	typ := binary.BigEndian.Uint16(packet[0:2])
	length := binary.BigEndian.Uint16(packet[2:4])
	cookie := binary.BigEndian.Uint32(packet[4:8])
	if cookie != MagicCookie {
		return nil, fmt.Errorf("%w: bad magic cookie", ErrMalformed)
	}
	if int(length)+20 > len(packet) {
		return nil, fmt.Errorf("%w: declared length exceeds packet", ErrMalformed)
	}

	class, method := splitMessageType(typ)
	msg := &Message{Class: class, Method: method, raw: append([]byte(nil), packet...)}
	copy(msg.TransactionID[:], packet[8:20])

	body := packet[20 : 20+int(length)]
	for len(body) >= 4 {
		attrType := AttrType(binary.BigEndian.Uint16(body[0:2]))
		attrLen := int(binary.BigEndian.Uint16(body[2:4]))
		if 4+attrLen > len(body) {
			return nil, fmt.Errorf("%w: attribute overruns body", ErrMalformed)
		}
		value := body[4 : 4+attrLen]
		msg.Attributes = append(msg.Attributes, Attribute{Type: attrType, Value: append([]byte(nil), value...)})

		padded := attrLen + padding(attrLen)
		if 4+padded > len(body) {
			break
		}
		body = body[4+padded:]
	}
	return msg, nil
}

func padding(n int) int {
	if rem := n % 4; rem != 0 {
		return 4 - rem
	}
	return 0
}

// Get returns the first attribute of the given type, or ok=false.
func (m *Message) Get(t AttrType) (Attribute, bool) {
	for _, a := range m.Attributes {
		if a.Type == t {
			return a, true
		}
	}
	return Attribute{}, false
}

// Has reports whether an attribute of the given type is present.
func (m *Message) Has(t AttrType) bool {
	_, ok := m.Get(t)
	return ok
}

// Builder assembles a Message for encoding.
type Builder struct {
	class  Class
	method Method
	txID   TransactionID
	attrs  []Attribute
}

// NewRequest starts building a STUN request with a fresh transaction id.
func NewRequest(method Method) (*Builder, error) {
	tx, err := NewTransactionID()
	if err != nil {
		return nil, err
	}
	return &Builder{class: ClassRequest, method: method, txID: tx}, nil
}

// NewIndication starts building a STUN indication with a fresh transaction id.
func NewIndication(method Method) (*Builder, error) {
	tx, err := NewTransactionID()
	if err != nil {
		return nil, err
	}
	return &Builder{class: ClassIndication, method: method, txID: tx}, nil
}

// NewResponse builds a success or error response correlated to req's
// transaction id.
func NewResponse(req *Message, class Class) *Builder {
	return &Builder{class: class, method: req.Method, txID: req.TransactionID}
}

// Add appends a raw attribute.
func (b *Builder) Add(t AttrType, value []byte) *Builder {
	b.attrs = append(b.attrs, Attribute{Type: t, Value: value})
	return b
}

// AddUint32 appends a 4-byte big-endian attribute (PRIORITY, LIFETIME, ...).
func (b *Builder) AddUint32(t AttrType, v uint32) *Builder {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	return b.Add(t, buf)
}

// AddUint64 appends an 8-byte big-endian attribute (ICE-CONTROLLING/
// ICE-CONTROLLED tie-breaker).
func (b *Builder) AddUint64(t AttrType, v uint64) *Builder {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return b.Add(t, buf)
}

// AddFlag appends a zero-length attribute (USE-CANDIDATE).
func (b *Builder) AddFlag(t AttrType) *Builder {
	return b.Add(t, nil)
}

// AddString appends a UTF-8 attribute (USERNAME).
func (b *Builder) AddString(t AttrType, s string) *Builder {
	return b.Add(t, []byte(s))
}

// AddXORMappedAddress encodes XOR-MAPPED-ADDRESS/XOR-PEER-ADDRESS/
// XOR-RELAYED-ADDRESS per RFC 5389 §15.2, obfuscating the address with the
// magic cookie and transaction id so middleboxes don't rewrite it.
func (b *Builder) AddXORMappedAddress(t AttrType, ip []byte, port uint16) *Builder {
	value := encodeXORAddress(b.txID, ip, port)
	return b.Add(t, value)
}

// TransactionID returns the transaction id this builder will encode.
func (b *Builder) TransactionID() TransactionID { return b.txID }

// Encode serializes the message, appending MESSAGE-INTEGRITY (if key is
// non-nil) and then FINGERPRINT (if withFingerprint), in that order, per
// RFC 5389 §15.4/§15.5 (FINGERPRINT must be computed over a message that
// already includes MESSAGE-INTEGRITY).
func (b *Builder) Encode(key []byte, withFingerprint bool) ([]byte, error) {
	body := encodeAttributes(b.attrs)
	header := make([]byte, 20)
	binary.BigEndian.PutUint16(header[0:2], messageType(b.class, b.method))
	binary.BigEndian.PutUint32(header[4:8], MagicCookie)
	copy(header[8:20], b.txID[:])

	buf := append(header, body...)
	setLength(buf, len(buf)-20)

	if key != nil {
		// RFC 5389 §15.4: the HMAC is computed over the header+body-so-far
		// with the length field set as if the 24-byte MESSAGE-INTEGRITY
		// attribute (4-byte header + 20-byte HMAC-SHA1) were already
		// appended, even though its bytes are not part of the hashed text.
		setLength(buf, len(buf)-20+24)
		mic := hmacSHA1(buf, key)
		setLength(buf, len(buf)-20) // restore the real pre-MI length
		micAttr := encodeAttributes([]Attribute{{Type: AttrMessageIntegrity, Value: mic}})
		buf = append(buf, micAttr...)
		setLength(buf, len(buf)-20)
	}

	if withFingerprint {
		setLength(buf, len(buf)-20+8) // account for the FINGERPRINT TLV about to be appended
		crc := crc32.ChecksumIEEE(buf) ^ fingerprintXOR
		fpBuf := make([]byte, 4)
		binary.BigEndian.PutUint32(fpBuf, crc)
		fpAttr := encodeAttributes([]Attribute{{Type: AttrFingerprint, Value: fpBuf}})
		buf = append(buf, fpAttr...)
	}

	return buf, nil
}

func setLength(buf []byte, length int) {
	binary.BigEndian.PutUint16(buf[2:4], uint16(length))
}

func encodeAttributes(attrs []Attribute) []byte {
	var out bytes.Buffer
	for _, a := range attrs {
		header := make([]byte, 4)
		binary.BigEndian.PutUint16(header[0:2], uint16(a.Type))
		binary.BigEndian.PutUint16(header[2:4], uint16(len(a.Value)))
		out.Write(header)
		out.Write(a.Value)
		if p := padding(len(a.Value)); p > 0 {
			out.Write(make([]byte, p))
		}
	}
	return out.Bytes()
}

func hmacSHA1(data, key []byte) []byte {
	h := hmac.New(sha1.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// VerifyMessageIntegrity recomputes HMAC-SHA1 over the portion of raw
// preceding the MESSAGE-INTEGRITY attribute and compares it in constant
// time, per RFC 5389 §15.4.
func VerifyMessageIntegrity(raw []byte, key []byte) bool {
	idx := findAttrOffset(raw, AttrMessageIntegrity)
	if idx < 0 {
		return false
	}
	mic := raw[idx+4 : idx+4+20]

	trimmed := append([]byte(nil), raw[:idx]...)
	setLength(trimmed, idx-20+24) // pretend the 24-byte MESSAGE-INTEGRITY attribute is already present
	computed := hmacSHA1(trimmed, key)
	return hmac.Equal(mic, computed)
}

// VerifyFingerprint recomputes CRC-32 over the portion of raw preceding the
// FINGERPRINT attribute and compares it, per RFC 5389 §15.5.
func VerifyFingerprint(raw []byte) bool {
	idx := findAttrOffset(raw, AttrFingerprint)
	if idx < 0 {
		return false
	}
	want := binary.BigEndian.Uint32(raw[idx+4 : idx+8])

	trimmed := append([]byte(nil), raw[:idx]...)
	setLength(trimmed, idx-20+8) // pretend the 8-byte FINGERPRINT attribute is already present
	got := crc32.ChecksumIEEE(trimmed) ^ fingerprintXOR
	return got == want
}

func findAttrOffset(raw []byte, t AttrType) int {
	if len(raw) < 20 {
		return -1
	}
	length := int(binary.BigEndian.Uint16(raw[2:4]))
	body := raw[20:]
	if length > len(body) {
		length = len(body)
	}
	body = body[:length]
	offset := 20
	for len(body) >= 4 {
		attrType := AttrType(binary.BigEndian.Uint16(body[0:2]))
		attrLen := int(binary.BigEndian.Uint16(body[2:4]))
		if attrType == t {
			return offset
		}
		padded := attrLen + padding(attrLen)
		if 4+padded > len(body) {
			break
		}
		body = body[4+padded:]
		offset += 4 + padded
	}
	return -1
}

// DecodeXORAddress reverses AddXORMappedAddress given the transaction id the
// message carried.
func DecodeXORAddress(txID TransactionID, value []byte) (family uint8, ip []byte, port uint16, err error) {
	if len(value) < 8 {
		return 0, nil, 0, fmt.Errorf("%w: xor-address too short", ErrMalformed)
	}
	family = value[1]
	xport := binary.BigEndian.Uint16(value[2:4])
	port = xport ^ uint16(MagicCookie>>16)

	cookieAndTx := make([]byte, 16)
	binary.BigEndian.PutUint32(cookieAndTx[0:4], MagicCookie)
	copy(cookieAndTx[4:16], txID[:])

	switch family {
	case 0x01: // IPv4
		ip = make([]byte, 4)
		for i := 0; i < 4; i++ {
			ip[i] = value[4+i] ^ cookieAndTx[i]
		}
	case 0x02: // IPv6
		if len(value) < 20 {
			return 0, nil, 0, fmt.Errorf("%w: ipv6 xor-address too short", ErrMalformed)
		}
		ip = make([]byte, 16)
		for i := 0; i < 16; i++ {
			ip[i] = value[4+i] ^ cookieAndTx[i]
		}
	default:
		return 0, nil, 0, fmt.Errorf("%w: unknown address family %d", ErrMalformed, family)
	}
	return family, ip, port, nil
}

func encodeXORAddress(txID TransactionID, ip []byte, port uint16) []byte {
	cookieAndTx := make([]byte, 16)
	binary.BigEndian.PutUint32(cookieAndTx[0:4], MagicCookie)
	copy(cookieAndTx[4:16], txID[:])

	xport := port ^ uint16(MagicCookie>>16)
	var family uint8 = 0x01
	addrLen := 4
	if len(ip) == 16 {
		family = 0x02
		addrLen = 16
	}

	out := make([]byte, 4+addrLen)
	out[1] = family
	binary.BigEndian.PutUint16(out[2:4], xport)
	for i := 0; i < addrLen; i++ {
		out[4+i] = ip[i] ^ cookieAndTx[i]
	}
	return out
}
