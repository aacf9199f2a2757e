package protocol

import (
	"encoding/binary"
	"fmt"
)

// reader walks a decoded payload left to right, the way each message's
// field list in spec section 6 is laid out.
type reader struct {
	buf []byte
	pos int
}

func newReader(buf []byte) *reader {
	return &reader{buf: buf}
}

func (r *reader) need(n int) error {
	if r.pos+n > len(r.buf) {
		return fmt.Errorf("protocol: payload truncated, need %d more bytes at offset %d", n, r.pos)
	}
	return nil
}

func (r *reader) u32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *reader) u64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	v := r.buf[r.pos : r.pos+n]
	r.pos += n
	return v, nil
}

func (r *reader) hash32() ([32]byte, error) {
	var h [32]byte
	b, err := r.bytes(32)
	if err != nil {
		return h, err
	}
	copy(h[:], b)
	return h, nil
}

// lenPrefixedBytes reads a u32 length followed by that many bytes.
func (r *reader) lenPrefixedBytes() ([]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	return r.bytes(int(n))
}

func (r *reader) lenPrefixedString() (string, error) {
	b, err := r.lenPrefixedBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// remaining reports whether unread bytes are left, used to detect an
// optional trailing field such as APPEND_TURN's fs_root_hash.
func (r *reader) remaining() int {
	return len(r.buf) - r.pos
}

// writer accumulates a payload in the same field order the reader
// expects it back in.
type writer struct {
	buf []byte
}

func (w *writer) u32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *writer) u64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *writer) raw(b []byte) {
	w.buf = append(w.buf, b...)
}

func (w *writer) lenPrefixed(b []byte) {
	w.u32(uint32(len(b)))
	w.raw(b)
}

func (w *writer) bytes() []byte {
	return w.buf
}
