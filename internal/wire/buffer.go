// Package wire implements the binary codec for the SSH connection-layer
// wire types: byte, boolean, uint32, uint64, string, name-list, mpint and
// public-key blobs. It is grounded on pkg/sftp's internal
// encoding/ssh/filexfer Buffer (vendored in the example corpus), adapted
// to the rpos/wpos cursor pair and reserved-header convention this
// module's connection layer requires.
package wire

import (
	"encoding/binary"
	"math/big"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/sshcore/sshcore/internal/errors"
)

// HeaderReserve is the number of leading bytes a packet buffer leaves
// untouched so the transport can stamp the packet-length and
// padding-length fields in place once the payload is complete.
const HeaderReserve = 5

// GrowthFunc computes the next backing-store size given the current one.
// It must be strictly increasing: growth(n) > n for all n >= 0.
type GrowthFunc func(capacity int) int

// GrowByConstant returns a GrowthFunc that adds a fixed number of bytes
// each time the buffer must grow.
func GrowByConstant(delta int) GrowthFunc {
	if delta < 1 {
		delta = 1
	}
	return func(capacity int) int { return capacity + delta }
}

// GrowByDoubling returns a GrowthFunc that doubles the backing store,
// with a floor so it still makes progress from a zero-capacity buffer.
func GrowByDoubling() GrowthFunc {
	return func(capacity int) int {
		if capacity < 8 {
			return 8
		}
		return capacity * 2
	}
}

// DefaultGrowth is used by EnsureCapacity when no GrowthFunc is supplied.
var DefaultGrowth = GrowByConstant(8)

// Buffer is a mutable byte sequence with independent read and write
// cursors. Wire types are encoded big-endian; strings are a uint32
// length followed by that many raw bytes; mpint is signed two's
// complement with a minimal leading sign byte; booleans are a single
// byte, zero or non-zero.
//
// Invariant: 0 <= rpos <= wpos <= len(buf).
type Buffer struct {
	buf  []byte
	rpos int
	wpos int
}

// NewBuffer returns an empty buffer with no reserved header.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// NewBufferFrom wraps an existing byte slice for reading; rpos starts at
// 0 and wpos at len(b).
func NewBufferFrom(b []byte) *Buffer {
	return &Buffer{buf: b, wpos: len(b)}
}

// NewPacketBuffer returns a buffer with the first HeaderReserve bytes
// reserved for the transport's packet-length/padding-length header.
// Application payload encoding begins at offset HeaderReserve.
func NewPacketBuffer() *Buffer {
	b := &Buffer{buf: make([]byte, HeaderReserve)}
	b.rpos = HeaderReserve
	b.wpos = HeaderReserve
	return b
}

// Rpos returns the read cursor.
func (b *Buffer) Rpos() int { return b.rpos }

// SetRpos moves the read cursor. It panics if pos is out of [0, wpos].
func (b *Buffer) SetRpos(pos int) {
	if pos < 0 || pos > b.wpos {
		panic("wire: rpos out of range")
	}
	b.rpos = pos
}

// Wpos returns the write cursor.
func (b *Buffer) Wpos() int { return b.wpos }

// SetWpos moves the write cursor. It panics if pos is out of
// [rpos, len(buf)].
func (b *Buffer) SetWpos(pos int) {
	if pos < b.rpos || pos > len(b.buf) {
		panic("wire: wpos out of range")
	}
	b.wpos = pos
}

// Available reports how many unread bytes remain between rpos and wpos.
func (b *Buffer) Available() int { return b.wpos - b.rpos }

// Capacity reports the size of the backing store.
func (b *Buffer) Capacity() int { return len(b.buf) }

// Bytes returns the full written region, including any reserved header.
// The slice aliases the buffer's backing store.
func (b *Buffer) Bytes() []byte { return b.buf[:b.wpos] }

// Payload returns the written region starting at off, typically
// HeaderReserve for a packet buffer. The slice aliases the backing
// store.
func (b *Buffer) Payload(off int) []byte { return b.buf[off:b.wpos] }

// Compact shifts the unread region [rpos, wpos) down to offset 0,
// discarding already-consumed bytes.
func (b *Buffer) Compact() {
	if b.rpos == 0 {
		return
	}
	n := copy(b.buf, b.buf[b.rpos:b.wpos])
	b.wpos = n
	b.rpos = 0
}

// EnsureCapacity grows the backing store, if necessary, so that at least
// n more bytes can be written at wpos. growth is applied repeatedly
// until the requested capacity is reached; a nil growth uses
// DefaultGrowth.
func (b *Buffer) EnsureCapacity(n int, growth GrowthFunc) {
	need := b.wpos + n
	if len(b.buf) >= need {
		return
	}
	if growth == nil {
		growth = DefaultGrowth
	}
	newCap := len(b.buf)
	for newCap < need {
		next := growth(newCap)
		if next <= newCap {
			next = newCap + 1
		}
		newCap = next
	}
	grown := make([]byte, newCap)
	copy(grown, b.buf)
	b.buf = grown
}

func (b *Buffer) reserve(n int) {
	b.EnsureCapacity(n, nil)
}

// PutByte appends a single byte.
func (b *Buffer) PutByte(v byte) {
	b.reserve(1)
	b.buf[b.wpos] = v
	b.wpos++
}

// GetByte consumes a single byte.
func (b *Buffer) GetByte() (byte, error) {
	if b.Available() < 1 {
		return 0, errors.NewEncodingError("get byte: only %d bytes available", b.Available())
	}
	v := b.buf[b.rpos]
	b.rpos++
	return v, nil
}

// PutBool appends a single byte: 1 for true, 0 for false.
func (b *Buffer) PutBool(v bool) {
	if v {
		b.PutByte(1)
	} else {
		b.PutByte(0)
	}
}

// GetBool consumes a single byte, treating any non-zero value as true.
func (b *Buffer) GetBool() (bool, error) {
	v, err := b.GetByte()
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// PutUint32 appends a big-endian uint32.
func (b *Buffer) PutUint32(v uint32) {
	b.reserve(4)
	binary.BigEndian.PutUint32(b.buf[b.wpos:], v)
	b.wpos += 4
}

// GetUint32 consumes a big-endian uint32.
func (b *Buffer) GetUint32() (uint32, error) {
	if b.Available() < 4 {
		return 0, errors.NewEncodingError("get uint32: only %d bytes available", b.Available())
	}
	v := binary.BigEndian.Uint32(b.buf[b.rpos:])
	b.rpos += 4
	return v, nil
}

// PutUint64 appends a big-endian uint64.
func (b *Buffer) PutUint64(v uint64) {
	b.reserve(8)
	binary.BigEndian.PutUint64(b.buf[b.wpos:], v)
	b.wpos += 8
}

// GetUint64 consumes a big-endian uint64.
func (b *Buffer) GetUint64() (uint64, error) {
	if b.Available() < 8 {
		return 0, errors.NewEncodingError("get uint64: only %d bytes available", b.Available())
	}
	v := binary.BigEndian.Uint64(b.buf[b.rpos:])
	b.rpos += 8
	return v, nil
}

// PutBytes appends a raw byte slice without any length prefix.
func (b *Buffer) PutBytes(raw []byte) {
	b.reserve(len(raw))
	copy(b.buf[b.wpos:], raw)
	b.wpos += len(raw)
}

// GetBytes consumes exactly n raw bytes without any length prefix. The
// returned slice is a copy, safe to retain past further buffer use.
func (b *Buffer) GetBytes(n int) ([]byte, error) {
	if n < 0 || b.Available() < n {
		return nil, errors.NewEncodingError("get bytes: want %d, only %d available", n, b.Available())
	}
	out := make([]byte, n)
	copy(out, b.buf[b.rpos:b.rpos+n])
	b.rpos += n
	return out, nil
}

// PutString appends an SSH string: a uint32 length followed by the raw
// bytes of s.
func (b *Buffer) PutString(s string) {
	b.PutUint32(uint32(len(s)))
	b.PutBytes([]byte(s))
}

// GetString consumes an SSH string.
func (b *Buffer) GetString() (string, error) {
	raw, err := b.getLengthPrefixed()
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// GetStringBytes consumes an SSH string, returning the raw bytes rather
// than converting to a string.
func (b *Buffer) GetStringBytes() ([]byte, error) {
	return b.getLengthPrefixed()
}

func (b *Buffer) getLengthPrefixed() ([]byte, error) {
	n, err := b.GetUint32()
	if err != nil {
		return nil, err
	}
	if int(n) < 0 || int64(n) > int64(b.Available()) {
		return nil, errors.NewEncodingError("declared length %d exceeds %d bytes available", n, b.Available())
	}
	return b.GetBytes(int(n))
}

// PutNameList appends a name-list: a string whose contents are the
// elements joined by commas.
func (b *Buffer) PutNameList(names []string) {
	b.PutString(strings.Join(names, ","))
}

// GetNameList consumes a name-list. An empty wire string decodes to a
// nil slice, not a one-element slice containing "".
func (b *Buffer) GetNameList() ([]string, error) {
	s, err := b.GetString()
	if err != nil {
		return nil, err
	}
	if s == "" {
		return nil, nil
	}
	return strings.Split(s, ","), nil
}

// PutMpint appends a multiple-precision integer: signed two's
// complement, big-endian, with the minimal number of bytes needed to
// represent the value unambiguously (a leading 0x00 is added if the
// high bit of a positive value's most significant byte would otherwise
// be set, and negative values are encoded in two's complement with a
// leading 0xFF when needed).
func (b *Buffer) PutMpint(v *big.Int) {
	encoded := encodeMpint(v)
	b.PutUint32(uint32(len(encoded)))
	b.PutBytes(encoded)
}

// GetMpint consumes a multiple-precision integer.
func (b *Buffer) GetMpint() (*big.Int, error) {
	raw, err := b.getLengthPrefixed()
	if err != nil {
		return nil, err
	}
	return decodeMpint(raw), nil
}

func encodeMpint(v *big.Int) []byte {
	if v.Sign() == 0 {
		return nil
	}
	if v.Sign() > 0 {
		b := v.Bytes()
		if len(b) > 0 && b[0]&0x80 != 0 {
			b = append([]byte{0x00}, b...)
		}
		return b
	}

	// Negative: find the smallest byte count n such that v fits in an
	// n-byte two's complement representation, i.e. -2^(8n-1) <= v.
	magnitude := new(big.Int).Neg(v)
	n := 1
	threshold := new(big.Int).Lsh(big.NewInt(1), uint(8*n-1))
	for magnitude.Cmp(threshold) > 0 {
		n++
		threshold = new(big.Int).Lsh(big.NewInt(1), uint(8*n-1))
	}

	t := new(big.Int).Add(v, new(big.Int).Lsh(big.NewInt(1), uint(8*n)))
	tBytes := t.Bytes()
	buf := make([]byte, n)
	copy(buf[n-len(tBytes):], tBytes)
	return buf
}

func decodeMpint(raw []byte) *big.Int {
	if len(raw) == 0 {
		return big.NewInt(0)
	}
	if raw[0]&0x80 == 0 {
		return new(big.Int).SetBytes(raw)
	}
	// Negative: subtract 2^(8*len(raw)) from the unsigned interpretation.
	unsigned := new(big.Int).SetBytes(raw)
	modulus := new(big.Int).Lsh(big.NewInt(1), uint(len(raw))*8)
	return new(big.Int).Sub(unsigned, modulus)
}

// PutPublicKey appends an SSH public-key blob, as produced by
// key.Marshal(). The key is treated as an opaque capability; this
// package never constructs or validates key material.
func (b *Buffer) PutPublicKey(key ssh.PublicKey) {
	b.PutString(string(key.Marshal()))
}

// GetPublicKey consumes an SSH public-key blob and parses it.
func (b *Buffer) GetPublicKey() (ssh.PublicKey, error) {
	raw, err := b.GetStringBytes()
	if err != nil {
		return nil, err
	}
	key, err := ssh.ParsePublicKey(raw)
	if err != nil {
		return nil, errors.NewEncodingError("parse public key: %v", err)
	}
	return key, nil
}
