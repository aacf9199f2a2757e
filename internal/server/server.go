// Package server implements CXDB's connection lifecycle and handler
// dispatch (spec section 4.D): accept TCP connections, require a HELLO
// handshake, then loop reading frames and invoking the Blob Store / Turn
// Store operation each message type names.
//
// The accept-loop-plus-per-connection-goroutine shape is grounded on the
// teacher's internal/transport/carrier.go (NewCarrier starts an
// acceptLoop goroutine tracked by a WaitGroup; Close cancels a context
// and waits for it to drain). This package swaps the WaitGroup for
// golang.org/x/sync/errgroup, which the wider example pack uses for the
// same purpose (go-go-golems-pinocchio depends on it directly) and
// which surfaces the accept loop's error from Serve. Per-connection
// goroutines log their own failures and always return nil.
package server

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/cxdb/cxdb/internal/blobstore"
	"github.com/cxdb/cxdb/internal/fsattach"
	"github.com/cxdb/cxdb/internal/protocol"
	"github.com/cxdb/cxdb/internal/turnstore"
)

// Config wires the stores and limits a Server needs.
type Config struct {
	Listener    net.Listener
	Blobs       *blobstore.Store
	Turns       *turnstore.Store
	FSAttach    *fsattach.Store
	MaxBlobSize int64
	ServerTag   string
	Logger      logrus.FieldLogger
}

// Server owns the listener and dispatches every accepted connection to
// its own goroutine.
type Server struct {
	ln          net.Listener
	blobs       *blobstore.Store
	turns       *turnstore.Store
	fsattach    *fsattach.Store
	maxFrameLen uint32
	maxBlobSize int64
	serverTag   string
	log         logrus.FieldLogger

	sessionSeq atomic.Uint64
}

// maxFrameOverhead is headroom above MaxBlobSize for the rest of an
// APPEND_TURN/PUT_BLOB payload (type id, idempotency key, headers).
const maxFrameOverhead = 64 << 10

func New(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	maxFrame := cfg.MaxBlobSize + maxFrameOverhead
	return &Server{
		ln:          cfg.Listener,
		blobs:       cfg.Blobs,
		turns:       cfg.Turns,
		fsattach:    cfg.FSAttach,
		maxFrameLen: uint32(maxFrame),
		maxBlobSize: cfg.MaxBlobSize,
		serverTag:   cfg.ServerTag,
		log:         log.WithField("component", "server"),
	}
}

// Serve accepts connections until ctx is canceled or the listener
// errors, then waits for in-flight connections to drain before
// returning (spec section 4.D step 5).
func (s *Server) Serve(ctx context.Context) error {
	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		<-egCtx.Done()
		return s.ln.Close()
	})

	eg.Go(func() error {
		for {
			conn, err := s.ln.Accept()
			if err != nil {
				select {
				case <-egCtx.Done():
					return nil
				default:
					return err
				}
			}
			eg.Go(func() error {
				s.handleConn(egCtx, conn)
				return nil
			})
		}
	})

	return eg.Wait()
}

func (s *Server) nextSessionID() uint64 {
	return s.sessionSeq.Add(1)
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	log := s.log.WithField("remote", conn.RemoteAddr().String())

	if err := s.handshake(conn); err != nil {
		log.WithError(err).Warn("server: handshake failed")
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(idleReadTimeout))
		h, payload, err := protocol.ReadFrame(conn, s.maxFrameLen)
		if err != nil {
			if err := writeErrorFrame(conn, 400, 0, "oversized or malformed frame"); err != nil {
				log.WithError(err).Debug("server: writing error frame failed")
			}
			return
		}

		if fatal := s.dispatch(conn, h, payload, log); fatal {
			return
		}
	}
}

func (s *Server) handshake(conn net.Conn) error {
	h, payload, err := protocol.ReadFrame(conn, s.maxFrameLen)
	if err != nil {
		writeErrorFrame(conn, 400, 0, "failed to read HELLO frame")
		return err
	}
	if h.MsgType != protocol.MsgHello {
		writeErrorFrame(conn, 400, h.ReqID, "first frame must be HELLO")
		return errNotHello
	}
	req, err := protocol.DecodeHelloRequest(payload)
	if err != nil {
		writeErrorFrame(conn, 400, h.ReqID, "malformed HELLO payload")
		return err
	}
	_ = req

	resp := protocol.EncodeHelloResponse(protocol.HelloResponse{
		ProtocolVersion: protocol.ProtocolVersion,
		SessionID:       s.nextSessionID(),
		ServerTag:       s.serverTag,
	})
	return protocol.WriteFrame(conn, protocol.MsgHello, 0, h.ReqID, resp)
}

func writeErrorFrame(conn net.Conn, code uint32, reqID uint64, detail string) error {
	payload := protocol.EncodeError(code, detail)
	return protocol.WriteFrame(conn, protocol.MsgError, 0, reqID, payload)
}

var errNotHello = errConnClosed("server: first frame was not HELLO")

type errConnClosed string

func (e errConnClosed) Error() string { return string(e) }

// idleReadTimeout bounds how long a connection may sit with no frames in
// flight before the server reclaims it; deployment wrappers may impose
// a tighter one per spec section 5 "Cancellation and timeouts".
const idleReadTimeout = 10 * time.Minute
