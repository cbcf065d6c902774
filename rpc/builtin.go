package rpc

import (
	"context"
	"encoding/binary"
	"hash/crc32"
	"time"

	"github.com/emberline/nodecore/errors"
)

// dataSendChunk is the staging size for the built-in sender stream.
const dataSendChunk = 256

// pullWait bounds each frame wait in the built-in receiver.
const pullWait = 2 * time.Second

// installBuiltins registers the always-available commands: echo, and
// the two DATA exercisers used to validate links in both directions.
func (s *Server) installBuiltins() {
	s.Register(CmdEcho, Command{Handler: handleEcho})
	s.Register(CmdDataSender, Command{Handler: handleDataSender})
	s.Register(CmdDataReceiver, Command{Handler: handleDataReceiver})
}

// handleEcho returns the request params unchanged.
func handleEcho(_ context.Context, req *Request) {
	if err := req.Respond(0, req.Params); err != nil {
		req.srv.logger.Warn("echo respond failed", "request_id", req.Header.RequestID, "error", err)
	}
}

// fillPattern writes the deterministic byte sequence both ends of a
// DATA exercise can reproduce: each byte is the low octet of its
// absolute offset.
func fillPattern(dst []byte, offset uint32) {
	for i := range dst {
		dst[i] = byte(offset + uint32(i))
	}
}

// handleDataSender streams the requested number of pattern bytes back
// to the caller, then reports the stream CRC and length in the
// response. Params: size uint32, little endian.
func handleDataSender(ctx context.Context, req *Request) {
	if len(req.Params) < 4 {
		respondCode(req, errors.ErrInvalidArgument)
		return
	}
	size := binary.LittleEndian.Uint32(req.Params)

	crc := crc32.NewIEEE()
	var staging [dataSendChunk]byte
	offset := uint32(0)
	for offset < size {
		n := uint32(len(staging))
		if size-offset < n {
			n = size - offset
		}
		fillPattern(staging[:n], offset)
		if err := req.SendData(ctx, offset, staging[:n]); err != nil {
			req.srv.logger.Warn("sender stream failed",
				"request_id", req.Header.RequestID, "offset", offset, "error", err)
			respondCode(req, err)
			return
		}
		crc.Write(staging[:n])
		offset += n
	}

	var rsp [8]byte
	binary.LittleEndian.PutUint32(rsp[0:4], crc.Sum32())
	binary.LittleEndian.PutUint32(rsp[4:8], size)
	if err := req.Respond(0, rsp[:]); err != nil {
		req.srv.logger.Warn("sender respond failed", "request_id", req.Header.RequestID, "error", err)
	}
}

// handleDataReceiver pulls a client-to-server DATA stream in order,
// acknowledging per the requested period, and reports the CRC and byte
// count received. Params: size uint32 then ack period uint8, little
// endian.
func handleDataReceiver(_ context.Context, req *Request) {
	if len(req.Params) < 5 {
		respondCode(req, errors.ErrInvalidArgument)
		return
	}
	size := binary.LittleEndian.Uint32(req.Params)
	req.SetAckPeriod(req.Params[4])

	crc := crc32.NewIEEE()
	offset := uint32(0)
	for offset < size {
		payload, err := req.PullData(offset, pullWait)
		if err != nil {
			req.srv.logger.Warn("receiver stream failed",
				"request_id", req.Header.RequestID, "offset", offset, "error", err)
			req.flushAck()
			// The partial CRC still goes back so the caller can tell
			// how far the stream got.
			var rsp [8]byte
			binary.LittleEndian.PutUint32(rsp[0:4], crc.Sum32())
			binary.LittleEndian.PutUint32(rsp[4:8], offset)
			if rerr := req.Respond(errors.Code(err), rsp[:]); rerr != nil {
				req.srv.logger.Warn("receiver respond failed",
					"request_id", req.Header.RequestID, "error", rerr)
			}
			return
		}
		crc.Write(payload)
		offset += uint32(len(payload))
	}
	req.flushAck()

	var rsp [8]byte
	binary.LittleEndian.PutUint32(rsp[0:4], crc.Sum32())
	binary.LittleEndian.PutUint32(rsp[4:8], offset)
	if err := req.Respond(0, rsp[:]); err != nil {
		req.srv.logger.Warn("receiver respond failed", "request_id", req.Header.RequestID, "error", err)
	}
}

func respondCode(req *Request, err error) {
	if rerr := req.Respond(errors.Code(err), nil); rerr != nil {
		req.srv.logger.Warn("error respond failed", "request_id", req.Header.RequestID, "error", rerr)
	}
}
