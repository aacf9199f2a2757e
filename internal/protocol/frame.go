// Package protocol implements CXDB's binary wire protocol (spec section
// 4.C): a 16-byte length-prefixed frame header followed by a
// message-type-specific payload, multiplexed by a client-chosen req_id.
//
// The framing discipline mirrors the teacher's
// internal/transport/message_codec.go (WriteMessage/ReadMessage: write a
// fixed header, then the payload, in one pass; read the header first,
// then exactly len payload bytes), adapted from that file's 8-byte
// big-endian (type,length) header to the spec's 16-byte little-endian
// (len,msg_type,flags,req_id) header.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// HeaderSize is the fixed byte length of a frame header.
const HeaderSize = 16

// ProtocolVersion is this implementation's wire protocol version,
// exchanged during HELLO (spec section 6).
const ProtocolVersion uint32 = 1

// MsgType identifies a frame's payload shape (spec section 4.C).
type MsgType uint16

const (
	MsgHello      MsgType = 1
	MsgCtxCreate  MsgType = 2
	MsgCtxFork    MsgType = 3
	MsgGetHead    MsgType = 4
	MsgAppendTurn MsgType = 5
	MsgGetLast    MsgType = 6
	MsgGetBlob    MsgType = 9
	MsgAttachFS   MsgType = 10
	MsgPutBlob    MsgType = 11
	MsgError      MsgType = 255
)

func (m MsgType) String() string {
	switch m {
	case MsgHello:
		return "HELLO"
	case MsgCtxCreate:
		return "CTX_CREATE"
	case MsgCtxFork:
		return "CTX_FORK"
	case MsgGetHead:
		return "GET_HEAD"
	case MsgAppendTurn:
		return "APPEND_TURN"
	case MsgGetLast:
		return "GET_LAST"
	case MsgGetBlob:
		return "GET_BLOB"
	case MsgAttachFS:
		return "ATTACH_FS"
	case MsgPutBlob:
		return "PUT_BLOB"
	case MsgError:
		return "ERROR"
	default:
		return fmt.Sprintf("MsgType(%d)", uint16(m))
	}
}

// FlagFSRootHash marks an APPEND_TURN request as carrying a trailing
// fs_root_hash[32] after its main payload (spec section 4.C).
const FlagFSRootHash uint16 = 1 << 0

// Header is a decoded frame header.
type Header struct {
	Len     uint32
	MsgType MsgType
	Flags   uint16
	ReqID   uint64
}

// ReadFrame reads one frame header and its payload. maxLen bounds the
// accepted payload length (spec section 4.D step 3); a header claiming
// more is an error the caller should turn into ERROR(400) and close the
// connection to resynchronize.
func ReadFrame(r io.Reader, maxLen uint32) (Header, []byte, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Header{}, nil, err
	}
	h := Header{
		Len:     binary.LittleEndian.Uint32(hdr[0:4]),
		MsgType: MsgType(binary.LittleEndian.Uint16(hdr[4:6])),
		Flags:   binary.LittleEndian.Uint16(hdr[6:8]),
		ReqID:   binary.LittleEndian.Uint64(hdr[8:16]),
	}
	if h.Len > maxLen {
		return h, nil, fmt.Errorf("protocol: frame length %d exceeds cap %d", h.Len, maxLen)
	}
	var payload []byte
	if h.Len > 0 {
		payload = make([]byte, h.Len)
		if _, err := io.ReadFull(r, payload); err != nil {
			return h, nil, fmt.Errorf("protocol: reading %d byte payload: %w", h.Len, err)
		}
	}
	return h, payload, nil
}

// WriteFrame writes a header followed by payload as a single frame.
func WriteFrame(w io.Writer, msgType MsgType, flags uint16, reqID uint64, payload []byte) error {
	var hdr [HeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint16(hdr[4:6], uint16(msgType))
	binary.LittleEndian.PutUint16(hdr[6:8], flags)
	binary.LittleEndian.PutUint64(hdr[8:16], reqID)
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("protocol: writing header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("protocol: writing payload: %w", err)
		}
	}
	return nil
}
