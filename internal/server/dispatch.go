package server

import (
	"net"

	"github.com/sirupsen/logrus"

	"github.com/cxdb/cxdb/internal/cxdberr"
	"github.com/cxdb/cxdb/internal/model"
	"github.com/cxdb/cxdb/internal/protocol"
	"github.com/cxdb/cxdb/internal/turnstore"
)

// dispatch decodes and handles one frame, writing its response (or an
// ERROR frame) back on conn. It returns true only when the connection
// must be closed because a response frame could not be written. A fatal
// storage error terminates the process once its ERROR frame has been
// attempted (spec section 4.D step 2, section 7 "Propagation policy").
func (s *Server) dispatch(conn net.Conn, h protocol.Header, payload []byte, log logrus.FieldLogger) bool {
	resp, msgType, err := s.handle(h, payload)
	if err != nil {
		kind, detail, fatal := cxdberr.As(err)
		werr := writeErrorFrame(conn, uint32(kind), h.ReqID, detail)
		if fatal {
			log.WithError(err).Fatal("server: fatal storage error, terminating process")
			return true
		}
		if werr != nil {
			log.WithError(werr).Debug("server: writing error frame failed")
			return true
		}
		return false
	}

	if werr := protocol.WriteFrame(conn, msgType, 0, h.ReqID, resp); werr != nil {
		log.WithError(werr).Debug("server: writing response frame failed")
		return true
	}
	return false
}

func (s *Server) handle(h protocol.Header, payload []byte) ([]byte, protocol.MsgType, error) {
	switch h.MsgType {
	case protocol.MsgCtxCreate:
		return s.handleCtxCreate(payload, false)
	case protocol.MsgCtxFork:
		return s.handleCtxCreate(payload, true)
	case protocol.MsgGetHead:
		return s.handleGetHead(payload)
	case protocol.MsgAppendTurn:
		return s.handleAppendTurn(payload, h.Flags)
	case protocol.MsgGetLast:
		return s.handleGetLast(payload)
	case protocol.MsgGetBlob:
		return s.handleGetBlob(payload)
	case protocol.MsgPutBlob:
		return s.handlePutBlob(payload)
	case protocol.MsgAttachFS:
		return s.handleAttachFS(payload)
	case protocol.MsgHello:
		return nil, protocol.MsgError, cxdberr.New(cxdberr.BadRequest, "server: HELLO only valid as the first frame")
	default:
		return nil, protocol.MsgError, cxdberr.New(cxdberr.BadRequest, "server: unknown message type %d", h.MsgType)
	}
}

func (s *Server) handleCtxCreate(payload []byte, fork bool) ([]byte, protocol.MsgType, error) {
	req, err := protocol.DecodeCtxBaseRequest(payload)
	if err != nil {
		return nil, protocol.MsgError, cxdberr.Wrap(cxdberr.BadRequest, err)
	}
	if fork && req.BaseTurnID == 0 {
		return nil, protocol.MsgError, cxdberr.New(cxdberr.BadRequest, "server: CTX_FORK requires a nonzero base_turn_id")
	}

	head, err := s.turns.CreateContext(req.BaseTurnID)
	if err != nil {
		return nil, protocol.MsgError, err
	}

	msgType := protocol.MsgCtxCreate
	if fork {
		msgType = protocol.MsgCtxFork
	}
	return protocol.EncodeContextHeadResponse(protocol.ContextHeadResponse{
		ContextID:  head.ContextID,
		HeadTurnID: head.HeadTurnID,
		HeadDepth:  head.HeadDepth,
	}), msgType, nil
}

func (s *Server) handleGetHead(payload []byte) ([]byte, protocol.MsgType, error) {
	req, err := protocol.DecodeGetHeadRequest(payload)
	if err != nil {
		return nil, protocol.MsgError, cxdberr.Wrap(cxdberr.BadRequest, err)
	}
	head, err := s.turns.GetHead(req.ContextID)
	if err != nil {
		return nil, protocol.MsgError, err
	}
	return protocol.EncodeContextHeadResponse(protocol.ContextHeadResponse{
		ContextID:  head.ContextID,
		HeadTurnID: head.HeadTurnID,
		HeadDepth:  head.HeadDepth,
	}), protocol.MsgGetHead, nil
}

func (s *Server) handleAppendTurn(payload []byte, flags uint16) ([]byte, protocol.MsgType, error) {
	req, err := protocol.DecodeAppendTurnRequest(payload, flags)
	if err != nil {
		return nil, protocol.MsgError, cxdberr.Wrap(cxdberr.BadRequest, err)
	}

	if int64(len(req.Payload)) > s.maxBlobSize {
		return nil, protocol.MsgError, cxdberr.New(cxdberr.Unprocessable, "server: payload exceeds configured max_blob_size")
	}

	if _, err := s.blobs.Put(req.ContentHash, req.Payload); err != nil {
		return nil, protocol.MsgError, err
	}

	turn, err := s.turns.AppendTurn(turnstore.AppendRequest{
		ContextID:           req.ContextID,
		ParentTurnID:        req.ParentTurnID,
		PayloadHash:         req.ContentHash,
		DeclaredTypeID:      req.TypeID,
		DeclaredTypeVersion: req.TypeVersion,
		Encoding:            req.Encoding,
		CompressionHint:     req.Compression,
		UncompressedLen:     req.UncompressedLen,
		IdempotencyKey:      req.IdempotencyKey,
	})
	if err != nil {
		return nil, protocol.MsgError, err
	}

	if req.FSRootHash != nil && s.fsattach != nil {
		if err := s.fsattach.Attach(turn.TurnID, model.Hash(*req.FSRootHash)); err != nil {
			return nil, protocol.MsgError, cxdberr.Wrap(cxdberr.Internal, err)
		}
	}

	return protocol.EncodeAppendTurnResponse(protocol.AppendTurnResponse{
		ContextID:   req.ContextID,
		NewTurnID:   turn.TurnID,
		NewDepth:    turn.Depth,
		ContentHash: turn.PayloadHash,
	}), protocol.MsgAppendTurn, nil
}

func (s *Server) handleGetLast(payload []byte) ([]byte, protocol.MsgType, error) {
	req, err := protocol.DecodeGetLastRequest(payload)
	if err != nil {
		return nil, protocol.MsgError, cxdberr.Wrap(cxdberr.BadRequest, err)
	}

	turns, err := s.turns.GetLast(req.ContextID, req.Limit)
	if err != nil {
		return nil, protocol.MsgError, err
	}

	items := make([]protocol.TurnItem, len(turns))
	for i, t := range turns {
		item := protocol.TurnItem{
			TurnID:              t.TurnID,
			ParentTurnID:        t.ParentTurnID,
			Depth:               t.Depth,
			PayloadHash:         t.PayloadHash,
			CreatedAtUnixMs:     t.CreatedAtUnixMs,
			DeclaredTypeID:      t.DeclaredTypeID,
			DeclaredTypeVersion: t.DeclaredTypeVersion,
			Encoding:            t.Encoding,
			CompressionHint:     t.CompressionHint,
			UncompressedLen:     t.UncompressedLen,
		}
		if req.IncludePayload {
			raw, err := s.blobs.Get(t.PayloadHash)
			if err != nil {
				return nil, protocol.MsgError, err
			}
			item.Payload = raw
		}
		items[i] = item
	}

	return protocol.EncodeGetLastResponse(items, req.IncludePayload), protocol.MsgGetLast, nil
}

func (s *Server) handleGetBlob(payload []byte) ([]byte, protocol.MsgType, error) {
	req, err := protocol.DecodeGetBlobRequest(payload)
	if err != nil {
		return nil, protocol.MsgError, cxdberr.Wrap(cxdberr.BadRequest, err)
	}
	raw, err := s.blobs.Get(req.ContentHash)
	if err != nil {
		return nil, protocol.MsgError, err
	}
	return protocol.EncodeGetBlobResponse(raw), protocol.MsgGetBlob, nil
}

func (s *Server) handlePutBlob(payload []byte) ([]byte, protocol.MsgType, error) {
	req, err := protocol.DecodePutBlobRequest(payload)
	if err != nil {
		return nil, protocol.MsgError, cxdberr.Wrap(cxdberr.BadRequest, err)
	}
	if int64(len(req.RawBytes)) > s.maxBlobSize {
		return nil, protocol.MsgError, cxdberr.New(cxdberr.Unprocessable, "server: payload exceeds configured max_blob_size")
	}

	result, err := s.blobs.Put(req.ContentHash, req.RawBytes)
	if err != nil {
		return nil, protocol.MsgError, err
	}

	return protocol.EncodePutBlobResponse(protocol.PutBlobResponse{
		ContentHash: req.ContentHash,
		WasNew:      result == model.Stored,
	}), protocol.MsgPutBlob, nil
}

func (s *Server) handleAttachFS(payload []byte) ([]byte, protocol.MsgType, error) {
	req, err := protocol.DecodeAttachFSRequest(payload)
	if err != nil {
		return nil, protocol.MsgError, cxdberr.Wrap(cxdberr.BadRequest, err)
	}
	if s.fsattach == nil {
		return nil, protocol.MsgError, cxdberr.New(cxdberr.Internal, "server: fs attachment table not configured")
	}
	if err := s.fsattach.Attach(req.TurnID, model.Hash(req.FSRootHash)); err != nil {
		return nil, protocol.MsgError, cxdberr.Wrap(cxdberr.Internal, err)
	}
	return protocol.EncodeAttachFSResponse(req), protocol.MsgAttachFS, nil
}

