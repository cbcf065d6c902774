package rpc

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/emberline/nodecore/errors"
	"github.com/emberline/nodecore/fabric"
	"github.com/emberline/nodecore/metric"
	"github.com/emberline/nodecore/pkg/worker"
)

// MaxAckPeriod is the largest DATA ACK period the server honours.
// Requests above it disable acknowledgements for the stream.
const MaxAckPeriod = 8

// pullRetryBudget bounds how many mismatched DATA frames PullData drops
// before reporting a timeout.
const pullRetryBudget = 8

// streamDepth is the per-request inbound DATA channel capacity.
const streamDepth = 32

// HandlerFunc services one command. It must complete the exchange with
// Respond before returning; requests it leaves unanswered time out on
// the client.
type HandlerFunc func(ctx context.Context, req *Request)

// Command pairs a handler with the authentication floor a caller must
// meet.
type Command struct {
	Handler HandlerFunc
	MinAuth fabric.AuthLevel
}

// Server dispatches RPC commands arriving on one fabric interface.
// Handlers run serially on the server's work queue.
type Server struct {
	ifc     *fabric.Interface
	logger  *slog.Logger
	core    *metric.CoreMetrics
	queue   *worker.Queue
	limiter *fabric.RateLimiter

	claimWait time.Duration

	mu       sync.Mutex
	commands map[uint16]Command
	streams  map[uint32]chan *fabric.Buffer
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the server logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// WithServerMetrics wires the shared core metrics.
func WithServerMetrics(core *metric.CoreMetrics) ServerOption {
	return func(s *Server) { s.core = core }
}

// WithServerRateLimit paces outbound DATA at bytesPerSecond.
func WithServerRateLimit(bytesPerSecond int) ServerOption {
	return func(s *Server) { s.limiter = fabric.NewRateLimiter(bytesPerSecond, 2*bytesPerSecond) }
}

// NewServer builds a server bound to the interface, installs the
// built-in commands, and registers the RPC_CMD and RPC_DATA type
// handlers.
func NewServer(ifc *fabric.Interface, opts ...ServerOption) (*Server, error) {
	s := &Server{
		ifc:       ifc,
		logger:    slog.Default(),
		limiter:   fabric.NewRateLimiter(0, 0),
		claimWait: 100 * time.Millisecond,
		commands:  make(map[uint16]Command),
		streams:   make(map[uint32]chan *fabric.Buffer),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("rpc", "server", "interface", ifc.Name())

	queue, err := worker.NewQueue(16)
	if err != nil {
		return nil, errors.WrapFatal(err, "rpc", "NewServer", "work queue creation")
	}
	s.queue = queue

	s.installBuiltins()

	ifc.RegisterHandler(fabric.PacketRPCCmd, s.onCommand)
	ifc.RegisterHandler(fabric.PacketRPCData, s.onData)
	return s, nil
}

// Start launches the server's work queue.
func (s *Server) Start(ctx context.Context) error {
	return s.queue.Start(ctx)
}

// Stop drains the work queue, waiting up to timeout.
func (s *Server) Stop(timeout time.Duration) error {
	return s.queue.Stop(timeout)
}

// Register installs or replaces the handler for a command id.
func (s *Server) Register(cmdID uint16, cmd Command) {
	s.mu.Lock()
	s.commands[cmdID] = cmd
	s.mu.Unlock()
}

// Unregister removes a command handler.
func (s *Server) Unregister(cmdID uint16) {
	s.mu.Lock()
	delete(s.commands, cmdID)
	s.mu.Unlock()
}

func (s *Server) lookup(cmdID uint16) (Command, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd, ok := s.commands[cmdID]
	return cmd, ok
}

// onCommand is the RPC_CMD type handler. Params are copied out of the
// fabric buffer so the handler can run after the buffer is released.
func (s *Server) onCommand(buf *fabric.Buffer) {
	hdr, params, err := DecodeCmdHeader(buf.Bytes())
	if err != nil {
		s.logger.Warn("malformed command frame", "error", err)
		return
	}

	req := &Request{
		srv:    s,
		Header: hdr,
		Params: append([]byte(nil), params...),
		Source: buf.RX.Source,
		Auth:   buf.RX.Auth,
	}

	cmd, ok := s.lookup(hdr.CommandID)
	if !ok {
		s.logger.Debug("unknown command", "command_id", hdr.CommandID, "request_id", hdr.RequestID)
		s.noteCommand("unknown")
		s.dispatch(func(context.Context) {
			if err := req.Respond(errors.Code(errors.ErrNotSupported), nil); err != nil {
				s.logger.Warn("reject response failed", "request_id", hdr.RequestID, "error", err)
			}
		})
		return
	}
	if buf.RX.Auth < cmd.MinAuth {
		s.logger.Warn("command below auth floor",
			"command_id", hdr.CommandID, "auth", buf.RX.Auth, "min_auth", cmd.MinAuth)
		s.noteCommand("denied")
		s.dispatch(func(context.Context) {
			if err := req.Respond(errors.Code(errors.ErrPermissionDenied), nil); err != nil {
				s.logger.Warn("reject response failed", "request_id", hdr.RequestID, "error", err)
			}
		})
		return
	}

	// The stream must exist before the handler runs: clients may start
	// queueing DATA as soon as the command frame is confirmed.
	s.openStream(hdr.RequestID)
	s.noteCommand("accepted")
	s.dispatch(func(ctx context.Context) {
		defer s.closeStream(hdr.RequestID)
		cmd.Handler(ctx, req)
		req.flushAck()
	})
}

// dispatch hands a unit of work to the server queue, logging rejection
// when the queue is stopped or saturated.
func (s *Server) dispatch(fn func(ctx context.Context)) {
	err := s.queue.Submit(func(ctx context.Context, _ *worker.Work) { fn(ctx) })
	if err != nil {
		s.logger.Warn("command dispatch rejected", "error", err)
	}
}

// onData is the RPC_DATA type handler. Frames for live requests are
// retained and parked on the request's stream; everything else drops.
func (s *Server) onData(buf *fabric.Buffer) {
	hdr, _, err := DecodeDataHeader(buf.Bytes())
	if err != nil {
		s.logger.Warn("malformed data frame", "error", err)
		return
	}

	s.mu.Lock()
	ch, ok := s.streams[hdr.RequestID]
	s.mu.Unlock()
	if !ok {
		s.logger.Debug("data for unknown request", "request_id", hdr.RequestID)
		return
	}

	buf.Ref()
	select {
	case ch <- buf:
	default:
		buf.Unref()
		s.logger.Warn("data stream overrun", "request_id", hdr.RequestID)
	}
}

func (s *Server) openStream(requestID uint32) {
	s.mu.Lock()
	if _, ok := s.streams[requestID]; !ok {
		s.streams[requestID] = make(chan *fabric.Buffer, streamDepth)
	}
	s.mu.Unlock()
}

func (s *Server) closeStream(requestID uint32) {
	s.mu.Lock()
	ch, ok := s.streams[requestID]
	delete(s.streams, requestID)
	s.mu.Unlock()
	if !ok {
		return
	}
	for {
		select {
		case buf := <-ch:
			buf.Unref()
		default:
			return
		}
	}
}

func (s *Server) stream(requestID uint32) chan *fabric.Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams[requestID]
}

func (s *Server) noteCommand(status string) {
	if s.core != nil {
		s.core.RPCCommands.WithLabelValues("server", status).Inc()
	}
}

// Request carries one inbound command through its handler.
type Request struct {
	srv    *Server
	Header CmdHeader
	Params []byte
	Source fabric.Address
	Auth   fabric.AuthLevel

	ackPeriod  uint8
	ackPending []uint32
	responded  bool
}

// SetAckPeriod arms DATA acknowledgement for the request: one RPC_DATA_ACK
// per period received frames. Zero or a period above MaxAckPeriod
// disables acknowledgements.
func (r *Request) SetAckPeriod(period uint8) {
	if period > MaxAckPeriod {
		period = 0
	}
	r.ackPeriod = period
	r.ackPending = r.ackPending[:0]
}

// PullData blocks for the DATA frame carrying expectedOffset and
// returns a copy of its payload. Frames at any other offset are dropped
// and retried up to a fixed budget; exhausting the budget or the
// timeout reports ErrTimeout.
func (r *Request) PullData(expectedOffset uint32, timeout time.Duration) ([]byte, error) {
	ch := r.srv.stream(r.Header.RequestID)
	if ch == nil {
		return nil, errors.ErrNoData
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for attempt := 0; attempt < pullRetryBudget; attempt++ {
		var buf *fabric.Buffer
		select {
		case buf = <-ch:
		case <-deadline.C:
			return nil, errors.ErrTimeout
		}

		hdr, payload, err := DecodeDataHeader(buf.Bytes())
		if err != nil || hdr.Offset != expectedOffset {
			buf.Unref()
			continue
		}

		out := append([]byte(nil), payload...)
		buf.Unref()
		if r.srv.core != nil {
			r.srv.core.RPCDataBytes.WithLabelValues("rx").Add(float64(len(out)))
		}
		r.noteAck(expectedOffset)
		return out, nil
	}
	return nil, errors.ErrTimeout
}

// noteAck records a received offset and emits an RPC_DATA_ACK once the
// period fills.
func (r *Request) noteAck(offset uint32) {
	if r.ackPeriod == 0 {
		return
	}
	r.ackPending = append(r.ackPending, offset)
	if len(r.ackPending) >= int(r.ackPeriod) {
		r.sendAck()
	}
}

// flushAck emits any partial acknowledgement window at stream end.
func (r *Request) flushAck() {
	if len(r.ackPending) > 0 {
		r.sendAck()
	}
}

func (r *Request) sendAck() {
	buf, err := r.srv.ifc.ClaimTx(r.srv.claimWait)
	if err != nil {
		r.srv.logger.Warn("ack claim failed", "request_id", r.Header.RequestID, "error", err)
		r.ackPending = r.ackPending[:0]
		return
	}
	frame := DataAck{RequestID: r.Header.RequestID, Offsets: r.ackPending}.Encode(nil)
	if err := buf.Append(frame); err != nil {
		buf.Unref()
		r.srv.logger.Warn("ack frame too large", "request_id", r.Header.RequestID, "error", err)
		r.ackPending = r.ackPending[:0]
		return
	}
	buf.TX.Auth = r.Auth
	buf.TX.Type = fabric.PacketRPCDataAck
	buf.TX.Dest = r.Source
	if err := r.srv.ifc.Queue(buf); err != nil {
		r.srv.logger.Warn("ack send failed", "request_id", r.Header.RequestID, "error", err)
	}
	r.ackPending = r.ackPending[:0]
}

// SendData streams payload back to the caller as RPC_DATA frames
// starting at offset. Server-to-client DATA is paced, never ACK-gated.
func (r *Request) SendData(ctx context.Context, offset uint32, payload []byte) error {
	if offset%4 != 0 {
		return errors.ErrInvalidArgument
	}
	for len(payload) > 0 {
		if err := ctx.Err(); err != nil {
			return errors.WrapTransient(err, "rpc", "SendData", "stream cancelled")
		}
		chunk, err := dataChunkSize(r.srv.ifc.MaxPacketSize(), len(payload), uint32(len(payload)))
		if err != nil {
			return err
		}

		buf, err := r.srv.ifc.ClaimTx(r.srv.claimWait)
		if err != nil {
			return err
		}
		frame := DataHeader{RequestID: r.Header.RequestID, Offset: offset}.Encode(nil)
		if err := buf.Append(frame); err == nil {
			err = buf.Append(payload[:chunk])
		}
		if err != nil {
			buf.Unref()
			return errors.WrapInvalid(err, "rpc", "SendData", "frame assembly")
		}
		buf.TX.Auth = r.Auth
		buf.TX.Type = fabric.PacketRPCData
		buf.TX.Dest = r.Source
		if err := r.srv.ifc.Queue(buf); err != nil {
			return err
		}

		offset += uint32(chunk)
		payload = payload[chunk:]
		if r.srv.core != nil {
			r.srv.core.RPCDataBytes.WithLabelValues("tx").Add(float64(chunk))
		}
		if err := r.srv.limiter.Pace(ctx, chunk+DataHeaderLen); err != nil {
			return errors.WrapTransient(err, "rpc", "SendData", "rate pacing")
		}
	}
	return nil
}

// Respond sends the RPC_RSP frame closing the exchange. Only the first
// call per request transmits.
func (r *Request) Respond(returnCode int16, payload []byte) error {
	if r.responded {
		return errors.ErrInvalidArgument
	}
	mtu := r.srv.ifc.MaxPacketSize()
	if mtu == 0 {
		return errors.ErrNotConnected
	}
	if RspHeaderLen+len(payload) > mtu {
		return errors.ErrInvalidArgument
	}

	buf, err := r.srv.ifc.ClaimTx(r.srv.claimWait)
	if err != nil {
		return err
	}
	hdr := RspHeader{
		CommandID:  r.Header.CommandID,
		RequestID:  r.Header.RequestID,
		ReturnCode: returnCode,
	}.Encode(nil)
	if err := buf.Append(hdr); err == nil {
		err = buf.Append(payload)
	}
	if err != nil {
		buf.Unref()
		return errors.WrapInvalid(err, "rpc", "Respond", "response framing")
	}
	buf.TX.Auth = r.Auth
	buf.TX.Type = fabric.PacketRPCRsp
	buf.TX.Dest = r.Source
	if err := r.srv.ifc.Queue(buf); err != nil {
		return err
	}
	r.responded = true
	return nil
}
