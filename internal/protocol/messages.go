package protocol

// Payload shapes below follow the table in spec section 6 field for
// field; GetLast's response item layout is this implementation's own
// concrete choice where the text only described it in prose.

type HelloRequest struct {
	ProtocolVersion uint32
	ClientTag       string
}

func DecodeHelloRequest(payload []byte) (HelloRequest, error) {
	r := newReader(payload)
	var req HelloRequest
	var err error
	if req.ProtocolVersion, err = r.u32(); err != nil {
		return req, err
	}
	if req.ClientTag, err = r.lenPrefixedString(); err != nil {
		return req, err
	}
	return req, nil
}

type HelloResponse struct {
	ProtocolVersion uint32
	SessionID       uint64
	ServerTag       string
}

func EncodeHelloResponse(resp HelloResponse) []byte {
	var w writer
	w.u32(resp.ProtocolVersion)
	w.u64(resp.SessionID)
	w.lenPrefixed([]byte(resp.ServerTag))
	return w.bytes()
}

// CtxBaseRequest is shared by CTX_CREATE and CTX_FORK; they differ only
// in whether base_turn_id is required to be nonzero (spec section 4.B).
type CtxBaseRequest struct {
	BaseTurnID uint64
}

func DecodeCtxBaseRequest(payload []byte) (CtxBaseRequest, error) {
	r := newReader(payload)
	var req CtxBaseRequest
	var err error
	if req.BaseTurnID, err = r.u64(); err != nil {
		return req, err
	}
	return req, nil
}

// ContextHeadResponse answers CTX_CREATE, CTX_FORK, and GET_HEAD alike.
type ContextHeadResponse struct {
	ContextID  uint64
	HeadTurnID uint64
	HeadDepth  uint32
}

func EncodeContextHeadResponse(resp ContextHeadResponse) []byte {
	var w writer
	w.u64(resp.ContextID)
	w.u64(resp.HeadTurnID)
	w.u32(resp.HeadDepth)
	return w.bytes()
}

type GetHeadRequest struct {
	ContextID uint64
}

func DecodeGetHeadRequest(payload []byte) (GetHeadRequest, error) {
	r := newReader(payload)
	var req GetHeadRequest
	var err error
	if req.ContextID, err = r.u64(); err != nil {
		return req, err
	}
	return req, nil
}

type AppendTurnRequest struct {
	ContextID       uint64
	ParentTurnID    uint64
	TypeID          string
	TypeVersion     uint32
	Encoding        uint32
	Compression     uint32
	UncompressedLen uint32
	ContentHash     [32]byte
	Payload         []byte
	IdempotencyKey  string
	FSRootHash      *[32]byte
}

func DecodeAppendTurnRequest(payload []byte, flags uint16) (AppendTurnRequest, error) {
	r := newReader(payload)
	var req AppendTurnRequest
	var err error

	if req.ContextID, err = r.u64(); err != nil {
		return req, err
	}
	if req.ParentTurnID, err = r.u64(); err != nil {
		return req, err
	}
	if req.TypeID, err = r.lenPrefixedString(); err != nil {
		return req, err
	}
	if req.TypeVersion, err = r.u32(); err != nil {
		return req, err
	}
	if req.Encoding, err = r.u32(); err != nil {
		return req, err
	}
	if req.Compression, err = r.u32(); err != nil {
		return req, err
	}
	if req.UncompressedLen, err = r.u32(); err != nil {
		return req, err
	}
	if req.ContentHash, err = r.hash32(); err != nil {
		return req, err
	}
	if req.Payload, err = r.lenPrefixedBytes(); err != nil {
		return req, err
	}
	if req.IdempotencyKey, err = r.lenPrefixedString(); err != nil {
		return req, err
	}
	if flags&FlagFSRootHash != 0 {
		h, err := r.hash32()
		if err != nil {
			return req, err
		}
		req.FSRootHash = &h
	}
	return req, nil
}

type AppendTurnResponse struct {
	ContextID   uint64
	NewTurnID   uint64
	NewDepth    uint32
	ContentHash [32]byte
}

func EncodeAppendTurnResponse(resp AppendTurnResponse) []byte {
	var w writer
	w.u64(resp.ContextID)
	w.u64(resp.NewTurnID)
	w.u32(resp.NewDepth)
	w.raw(resp.ContentHash[:])
	return w.bytes()
}

type GetLastRequest struct {
	ContextID      uint64
	Limit          uint32
	IncludePayload bool
}

func DecodeGetLastRequest(payload []byte) (GetLastRequest, error) {
	r := newReader(payload)
	var req GetLastRequest
	var err error
	if req.ContextID, err = r.u64(); err != nil {
		return req, err
	}
	if req.Limit, err = r.u32(); err != nil {
		return req, err
	}
	flag, err := r.u32()
	if err != nil {
		return req, err
	}
	req.IncludePayload = flag != 0
	return req, nil
}

// TurnItem is one GET_LAST response element.
type TurnItem struct {
	TurnID              uint64
	ParentTurnID        uint64
	Depth               uint32
	PayloadHash         [32]byte
	CreatedAtUnixMs     uint64
	DeclaredTypeID      string
	DeclaredTypeVersion uint32
	Encoding            uint32
	CompressionHint     uint32
	UncompressedLen     uint32
	Payload             []byte // present iff the request set include_payload
}

func EncodeGetLastResponse(items []TurnItem, includePayload bool) []byte {
	var w writer
	w.u32(uint32(len(items)))
	for _, it := range items {
		w.u64(it.TurnID)
		w.u64(it.ParentTurnID)
		w.u32(it.Depth)
		w.raw(it.PayloadHash[:])
		w.u64(it.CreatedAtUnixMs)
		w.lenPrefixed([]byte(it.DeclaredTypeID))
		w.u32(it.DeclaredTypeVersion)
		w.u32(it.Encoding)
		w.u32(it.CompressionHint)
		w.u32(it.UncompressedLen)
		if includePayload {
			w.lenPrefixed(it.Payload)
		}
	}
	return w.bytes()
}

type GetBlobRequest struct {
	ContentHash [32]byte
}

func DecodeGetBlobRequest(payload []byte) (GetBlobRequest, error) {
	r := newReader(payload)
	var req GetBlobRequest
	var err error
	if req.ContentHash, err = r.hash32(); err != nil {
		return req, err
	}
	return req, nil
}

func EncodeGetBlobResponse(raw []byte) []byte {
	var w writer
	w.u32(uint32(len(raw)))
	w.raw(raw)
	return w.bytes()
}

type PutBlobRequest struct {
	ContentHash [32]byte
	RawBytes    []byte
}

func DecodePutBlobRequest(payload []byte) (PutBlobRequest, error) {
	r := newReader(payload)
	var req PutBlobRequest
	var err error
	if req.ContentHash, err = r.hash32(); err != nil {
		return req, err
	}
	rawLen, err := r.u32()
	if err != nil {
		return req, err
	}
	if req.RawBytes, err = r.bytes(int(rawLen)); err != nil {
		return req, err
	}
	return req, nil
}

type PutBlobResponse struct {
	ContentHash [32]byte
	WasNew      bool
}

func EncodePutBlobResponse(resp PutBlobResponse) []byte {
	var w writer
	w.raw(resp.ContentHash[:])
	if resp.WasNew {
		w.buf = append(w.buf, 1)
	} else {
		w.buf = append(w.buf, 0)
	}
	return w.bytes()
}

type AttachFSRequest struct {
	TurnID     uint64
	FSRootHash [32]byte
}

func DecodeAttachFSRequest(payload []byte) (AttachFSRequest, error) {
	r := newReader(payload)
	var req AttachFSRequest
	var err error
	if req.TurnID, err = r.u64(); err != nil {
		return req, err
	}
	if req.FSRootHash, err = r.hash32(); err != nil {
		return req, err
	}
	return req, nil
}

func EncodeAttachFSResponse(req AttachFSRequest) []byte {
	var w writer
	w.u64(req.TurnID)
	w.raw(req.FSRootHash[:])
	return w.bytes()
}

// ErrorPayload is the body of every ERROR frame (spec section 4.D).
type ErrorPayload struct {
	Code   uint32
	Detail string
}

func EncodeError(code uint32, detail string) []byte {
	var w writer
	w.u32(code)
	w.lenPrefixed([]byte(detail))
	return w.bytes()
}

func DecodeError(payload []byte) (ErrorPayload, error) {
	r := newReader(payload)
	var e ErrorPayload
	var err error
	if e.Code, err = r.u32(); err != nil {
		return e, err
	}
	if e.Detail, err = r.lenPrefixedString(); err != nil {
		return e, err
	}
	return e, nil
}
