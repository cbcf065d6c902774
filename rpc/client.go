package rpc

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emberline/nodecore/errors"
	"github.com/emberline/nodecore/fabric"
	"github.com/emberline/nodecore/metric"
)

// MaxInFlight is the number of command contexts a client tracks
// concurrently.
const MaxInFlight = 4

// maxTxTokens caps the TX-token semaphore of one context.
const maxTxTokens = 64

// txConfirmWait bounds the wait for transmit confirmation of a command.
const txConfirmWait = time.Second

// Response is delivered to a command callback. Payload aliases fabric
// buffer memory and is valid only for the duration of the callback; Ref
// the Buffer to retain it longer.
type Response struct {
	Header  RspHeader
	Payload []byte
	Buffer  *fabric.Buffer
}

// Callback receives the response for a queued command. It is invoked
// exactly once per command: with a nil Response on cancel or timeout.
type Callback func(rsp *Response)

// Loader refills a staging buffer during DATA streaming. It writes up
// to len(dst) bytes for the given absolute offset and returns the count.
type Loader func(userData any, offset uint32, dst []byte) (int, error)

// LoaderParams configures a DATA transmit loop.
type LoaderParams struct {
	// TotalLen is the total number of bytes to stream.
	TotalLen uint32
	// AckPeriod is the number of DATA frames per expected ACK; zero
	// disables ACK gating.
	AckPeriod uint8
	// AckWait bounds each wait for a TX token.
	AckWait time.Duration
	// Pipelining multiplies AckPeriod for the initial token seed,
	// letting that many windows travel before the first ACK.
	Pipelining uint8
	// Loader refills the staging buffer; nil streams the staging
	// buffer contents directly.
	Loader Loader
	// UserData is passed through to the loader.
	UserData any
}

type cmdContext struct {
	mu         sync.Mutex
	inUse      bool
	requestID  uint32
	commandID  uint16
	cb         Callback
	timer      *time.Timer
	rspTimeout time.Duration
	tokens     chan struct{}
	tokensOnAck int
	lastTxErr  error
}

// drainTokens empties the token semaphore. Caller holds c.mu.
func (c *cmdContext) drainTokens() {
	for {
		select {
		case <-c.tokens:
		default:
			return
		}
	}
}

// giveTokens releases n tokens without blocking.
func (c *cmdContext) giveTokens(n int) {
	for i := 0; i < n; i++ {
		select {
		case c.tokens <- struct{}{}:
		default:
			return
		}
	}
}

// Client issues RPC commands over one fabric interface to one peer.
type Client struct {
	ifc     *fabric.Interface
	dest    fabric.Address
	logger  *slog.Logger
	core    *metric.CoreMetrics
	limiter *fabric.RateLimiter

	claimWait time.Duration
	reqID     atomic.Uint32

	slots     chan *cmdContext
	ctxs      [MaxInFlight]*cmdContext
	intercept *fabric.Callback

	mu     sync.Mutex
	closed bool
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger sets the client logger.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithClientMetrics wires the shared core metrics.
func WithClientMetrics(core *metric.CoreMetrics) ClientOption {
	return func(c *Client) { c.core = core }
}

// WithClientRateLimit paces DATA loops at bytesPerSecond.
func WithClientRateLimit(bytesPerSecond int) ClientOption {
	return func(c *Client) { c.limiter = fabric.NewRateLimiter(bytesPerSecond, 2*bytesPerSecond) }
}

// NewClient captures the interface and destination, seeds a random
// initial request id, and registers the client's intercept callback on
// the interface.
func NewClient(ifc *fabric.Interface, dest fabric.Address, opts ...ClientOption) *Client {
	c := &Client{
		ifc:       ifc,
		dest:      dest,
		logger:    slog.Default(),
		limiter:   fabric.NewRateLimiter(0, 0),
		claimWait: 100 * time.Millisecond,
		slots:     make(chan *cmdContext, MaxInFlight),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("rpc", "client", "interface", ifc.Name())

	// Request ids are never zero.
	seed := rand.Uint32()
	if seed == 0 {
		seed = 1
	}
	c.reqID.Store(seed)

	for i := range c.ctxs {
		c.ctxs[i] = &cmdContext{tokens: make(chan struct{}, maxTxTokens)}
		c.slots <- c.ctxs[i]
	}

	c.intercept = &fabric.Callback{PacketReceived: c.onPacket}
	ifc.RegisterCallback(c.intercept)
	return c
}

func (c *Client) nextRequestID() uint32 {
	for {
		if id := c.reqID.Add(1); id != 0 {
			return id
		}
	}
}

// find locates the in-flight context for a request id.
func (c *Client) find(requestID uint32) *cmdContext {
	for _, ctx := range c.ctxs {
		ctx.mu.Lock()
		match := ctx.inUse && ctx.requestID == requestID
		ctx.mu.Unlock()
		if match {
			return ctx
		}
	}
	return nil
}

// CommandQueue allocates a context slot (waiting up to ctxWait, failing
// with ErrTryAgain), assigns the next request id, queues the RPC_CMD
// frame, starts the response timer, and blocks up to one second for
// transmit confirmation. The callback fires exactly once when the
// response, timeout, or cleanup arrives.
func (c *Client) CommandQueue(cmdID uint16, params []byte, cb Callback, ctxWait, rspTimeout time.Duration) (uint32, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, errors.ErrShuttingDown
	}
	c.mu.Unlock()

	var cctx *cmdContext
	slotTimer := time.NewTimer(ctxWait)
	defer slotTimer.Stop()
	select {
	case cctx = <-c.slots:
	case <-slotTimer.C:
		return 0, errors.ErrTryAgain
	}

	requestID := c.nextRequestID()
	cctx.mu.Lock()
	cctx.inUse = true
	cctx.requestID = requestID
	cctx.commandID = cmdID
	cctx.cb = cb
	cctx.rspTimeout = rspTimeout
	cctx.tokensOnAck = 0
	cctx.lastTxErr = nil
	cctx.drainTokens()
	cctx.mu.Unlock()

	buf, err := c.ifc.ClaimTx(c.claimWait)
	if err != nil {
		c.abandon(cctx)
		return 0, err
	}
	hdr := CmdHeader{CommandID: cmdID, RequestID: requestID}.Encode(nil)
	if err := buf.Append(hdr); err == nil {
		err = buf.Append(params)
	}
	if err != nil {
		buf.Unref()
		c.abandon(cctx)
		return 0, errors.WrapInvalid(err, "rpc", "CommandQueue", "request framing")
	}
	buf.TX.Auth = fabric.AuthNetwork
	buf.TX.Type = fabric.PacketRPCCmd
	buf.TX.Dest = c.dest
	buf.TX.TxDone = func(_ *fabric.Buffer, result error) {
		cctx.mu.Lock()
		cctx.lastTxErr = result
		cctx.mu.Unlock()
		cctx.giveTokens(1)
	}

	cctx.mu.Lock()
	cctx.timer = time.AfterFunc(rspTimeout, func() { c.expire(cctx, requestID) })
	cctx.mu.Unlock()

	if err := c.ifc.Queue(buf); err != nil {
		c.cancel(cctx, requestID)
		return 0, err
	}

	// Await transmit confirmation.
	confirm := time.NewTimer(txConfirmWait)
	defer confirm.Stop()
	select {
	case <-cctx.tokens:
		cctx.mu.Lock()
		txErr := cctx.lastTxErr
		cctx.mu.Unlock()
		if txErr != nil {
			c.noteCommand("error")
			return requestID, txErr
		}
		c.noteCommand("queued")
		return requestID, nil
	case <-confirm.C:
		c.noteCommand("tx_unconfirmed")
		return requestID, errors.ErrTimeout
	}
}

// abandon returns a never-queued context to the free pool.
func (c *Client) abandon(cctx *cmdContext) {
	cctx.mu.Lock()
	cctx.inUse = false
	cctx.cb = nil
	cctx.mu.Unlock()
	c.slots <- cctx
}

// cancel tears down an in-flight context without invoking its callback.
func (c *Client) cancel(cctx *cmdContext, requestID uint32) {
	cctx.mu.Lock()
	if !cctx.inUse || cctx.requestID != requestID {
		cctx.mu.Unlock()
		return
	}
	if cctx.timer != nil {
		cctx.timer.Stop()
		cctx.timer = nil
	}
	cctx.inUse = false
	cctx.cb = nil
	cctx.mu.Unlock()
	c.slots <- cctx
}

// expire is the response-timeout path. The slot and tokens are released
// before the callback runs so the callback may issue new commands.
func (c *Client) expire(cctx *cmdContext, requestID uint32) {
	cctx.mu.Lock()
	if !cctx.inUse || cctx.requestID != requestID {
		cctx.mu.Unlock()
		return
	}
	cb := cctx.cb
	cctx.inUse = false
	cctx.cb = nil
	cctx.timer = nil
	cctx.mu.Unlock()

	if c.core != nil {
		c.core.RPCTimeouts.WithLabelValues("client").Inc()
	}
	c.noteCommand("timeout")
	cctx.giveTokens(1)
	c.slots <- cctx
	if cb != nil {
		cb(nil)
	}
}

// AckWait consumes one TX token, used by DATA loops to back-pressure
// on acknowledgements.
func (c *Client) AckWait(requestID uint32, timeout time.Duration) error {
	cctx := c.find(requestID)
	if cctx == nil {
		return errors.ErrInvalidArgument
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-cctx.tokens:
		return nil
	case <-timer.C:
		return errors.ErrTryAgain
	}
}

// DataQueue streams src as RPC_DATA frames for an in-flight request.
// It behaves like DataQueueAutoLoad with a nil loader.
func (c *Client) DataQueue(ctx context.Context, requestID, offset uint32, src []byte) error {
	return c.DataQueueAutoLoad(ctx, requestID, offset, src, LoaderParams{
		TotalLen: uint32(len(src)),
	})
}

// DataQueueAutoLoad streams p.TotalLen bytes as RPC_DATA frames,
// refilling staging through p.Loader as it drains. Offsets must be
// word-aligned. Before any DATA is transmitted the token semaphore is
// reset and seeded with Pipelining × AckPeriod tokens (one when the
// period is zero); each frame then consumes a token when ACK gating is
// enabled.
func (c *Client) DataQueueAutoLoad(ctx context.Context, requestID, offset uint32, staging []byte, p LoaderParams) error {
	if offset%4 != 0 {
		return errors.ErrInvalidArgument
	}
	if len(staging) == 0 || p.TotalLen == 0 {
		return errors.ErrInvalidArgument
	}
	cctx := c.find(requestID)
	if cctx == nil {
		return errors.ErrInvalidArgument
	}

	pipelining := int(p.Pipelining)
	if pipelining == 0 {
		pipelining = 1
	}
	seed := pipelining * int(p.AckPeriod)
	if p.AckPeriod == 0 {
		seed = 1
	}
	ackWait := p.AckWait
	if ackWait == 0 {
		ackWait = 5 * time.Second
	}

	cctx.mu.Lock()
	cctx.drainTokens()
	cctx.tokensOnAck = int(p.AckPeriod)
	cctx.mu.Unlock()
	cctx.giveTokens(seed)

	remaining := p.TotalLen
	var avail []byte
	if p.Loader == nil {
		n := len(staging)
		if uint32(n) > remaining {
			n = int(remaining)
		}
		avail = staging[:n]
	}

	for remaining > 0 {
		if err := ctx.Err(); err != nil {
			return errors.WrapTransient(err, "rpc", "DataQueueAutoLoad", "stream cancelled")
		}
		if p.AckPeriod > 0 {
			if err := c.AckWait(requestID, ackWait); err != nil {
				return err
			}
		}

		if len(avail) == 0 {
			if p.Loader == nil {
				return errors.ErrNoData
			}
			want := len(staging)
			if uint32(want) > remaining {
				want = int(remaining)
			}
			n, err := p.Loader(p.UserData, offset, staging[:want])
			if err != nil {
				return errors.WrapTransient(err, "rpc", "DataQueueAutoLoad", "source load")
			}
			if n <= 0 {
				return errors.ErrNoData
			}
			avail = staging[:n]
		}

		chunk, err := dataChunkSize(c.ifc.MaxPacketSize(), len(avail), remaining)
		if err != nil {
			return err
		}

		buf, err := c.ifc.ClaimTx(c.claimWait)
		if err != nil {
			return err
		}
		frame := DataHeader{RequestID: requestID, Offset: offset}.Encode(nil)
		if err := buf.Append(frame); err == nil {
			err = buf.Append(avail[:chunk])
		}
		if err != nil {
			buf.Unref()
			return errors.WrapInvalid(err, "rpc", "DataQueueAutoLoad", "frame assembly")
		}
		buf.TX.Auth = fabric.AuthNetwork
		buf.TX.Type = fabric.PacketRPCData
		buf.TX.Dest = c.dest
		buf.TX.TxDone = func(_ *fabric.Buffer, result error) {
			if result != nil {
				cctx.mu.Lock()
				cctx.lastTxErr = result
				cctx.mu.Unlock()
			}
		}
		if err := c.ifc.Queue(buf); err != nil {
			return err
		}

		offset += uint32(chunk)
		remaining -= uint32(chunk)
		avail = avail[chunk:]
		if c.core != nil {
			c.core.RPCDataBytes.WithLabelValues("tx").Add(float64(chunk))
		}
		if err := c.limiter.Pace(ctx, chunk+DataHeaderLen); err != nil {
			return errors.WrapTransient(err, "rpc", "DataQueueAutoLoad", "rate pacing")
		}

		cctx.mu.Lock()
		txErr := cctx.lastTxErr
		cctx.mu.Unlock()
		if txErr != nil {
			return txErr
		}
	}
	return nil
}

// dataChunkSize computes the next DATA payload size: bounded by MTU and
// the source, word-aligned except for the final slice.
func dataChunkSize(mtu, avail int, remaining uint32) (int, error) {
	if mtu == 0 {
		return 0, errors.ErrNotConnected
	}
	chunk := mtu - DataHeaderLen
	if chunk <= 0 {
		return 0, errors.ErrNotConnected
	}
	if chunk > avail {
		chunk = avail
	}
	if uint32(chunk) > remaining {
		chunk = int(remaining)
	}
	if uint32(chunk) < remaining {
		chunk &^= 3
	}
	if chunk <= 0 {
		return 0, errors.WrapInvalid(
			fmt.Errorf("mtu %d leaves no aligned payload", mtu),
			"rpc", "dataChunkSize", "chunk sizing")
	}
	return chunk, nil
}

// CommandSync queues a command and blocks for its response. A nil
// response (cancel or timer expiry) reports ErrTimeout.
func (c *Client) CommandSync(ctx context.Context, cmdID uint16, params []byte, ctxWait, rspTimeout time.Duration) (RspHeader, []byte, error) {
	type syncResult struct {
		hdr     RspHeader
		payload []byte
		ok      bool
	}
	ch := make(chan syncResult, 1)

	_, err := c.CommandQueue(cmdID, params, func(rsp *Response) {
		if rsp == nil {
			ch <- syncResult{}
			return
		}
		ch <- syncResult{
			hdr:     rsp.Header,
			payload: append([]byte(nil), rsp.Payload...),
			ok:      true,
		}
	}, ctxWait, rspTimeout)
	if err != nil {
		return RspHeader{}, nil, err
	}

	select {
	case res := <-ch:
		if !res.ok {
			return RspHeader{}, nil, errors.ErrTimeout
		}
		return res.hdr, res.payload, nil
	case <-ctx.Done():
		return RspHeader{}, nil, errors.WrapTransient(ctx.Err(), "rpc", "CommandSync", "response wait")
	}
}

// Cleanup unregisters the intercept callback and invokes the callback
// of every still-pending command with a nil response. It is idempotent:
// repeated calls produce no duplicate invocations.
func (c *Client) Cleanup() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.ifc.UnregisterCallback(c.intercept)

	for _, cctx := range c.ctxs {
		cctx.mu.Lock()
		if !cctx.inUse {
			cctx.mu.Unlock()
			continue
		}
		if cctx.timer != nil {
			cctx.timer.Stop()
			cctx.timer = nil
		}
		cb := cctx.cb
		cctx.inUse = false
		cctx.cb = nil
		cctx.mu.Unlock()

		c.slots <- cctx
		if cb != nil {
			cb(nil)
		}
	}
}

// onPacket is the interface intercept. It consumes RPC_RSP and
// RPC_DATA_ACK frames addressed to in-flight contexts and lets all
// other packets continue to the default handler.
func (c *Client) onPacket(buf *fabric.Buffer, _ bool) bool {
	switch buf.RX.Type {
	case fabric.PacketRPCRsp:
		hdr, body, err := DecodeRspHeader(buf.Bytes())
		if err != nil {
			c.logger.Warn("malformed response frame", "error", err)
			return false
		}
		c.completeResponse(buf, hdr, body)
		return false
	case fabric.PacketRPCDataAck:
		ack, err := DecodeDataAck(buf.Bytes())
		if err != nil {
			c.logger.Warn("malformed ack frame", "error", err)
			return false
		}
		c.handleAck(ack)
		return false
	default:
		return true
	}
}

func (c *Client) completeResponse(buf *fabric.Buffer, hdr RspHeader, body []byte) {
	cctx := c.find(hdr.RequestID)
	if cctx == nil {
		c.logger.Debug("response for unknown request", "request_id", hdr.RequestID)
		return
	}

	cctx.mu.Lock()
	if !cctx.inUse || cctx.requestID != hdr.RequestID {
		cctx.mu.Unlock()
		return
	}
	if cctx.timer != nil {
		cctx.timer.Stop()
		cctx.timer = nil
	}
	cb := cctx.cb
	cctx.inUse = false
	cctx.cb = nil
	cctx.mu.Unlock()

	// Token and slot are released before the callback so user code may
	// re-enter the client (including Cleanup) without deadlock.
	cctx.giveTokens(1)
	c.slots <- cctx
	c.noteCommand("completed")

	if cb != nil {
		cb(&Response{Header: hdr, Payload: body, Buffer: buf})
	}
}

func (c *Client) handleAck(ack DataAck) {
	cctx := c.find(ack.RequestID)
	if cctx == nil {
		return
	}

	// Timer restart and token release share the critical section so a
	// racing DATA loop cannot observe tokens before the new deadline.
	cctx.mu.Lock()
	if !cctx.inUse || cctx.requestID != ack.RequestID {
		cctx.mu.Unlock()
		return
	}
	if cctx.timer != nil {
		cctx.timer.Reset(cctx.rspTimeout)
	}
	n := cctx.tokensOnAck
	cctx.giveTokens(n)
	cctx.mu.Unlock()
}

func (c *Client) noteCommand(status string) {
	if c.core != nil {
		c.core.RPCCommands.WithLabelValues("client", status).Inc()
	}
}
