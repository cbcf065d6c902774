package fabric

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emberline/nodecore/errors"
)

// Driver is the contract a transport implements to appear as a fabric
// interface. Send must be a non-blocking enqueue: delivery errors are
// reported through the interface's CompleteTx, not synchronously.
type Driver interface {
	// Name identifies the interface in logs and metrics.
	Name() string
	// Send enqueues an outbound buffer. The driver owns the buffer
	// reference until it calls CompleteTx on its interface.
	Send(buf *Buffer) error
	// MaxPacketSize returns the current payload MTU. It may vary at
	// runtime; zero means disconnected.
	MaxPacketSize() int
	// Overhead returns the header and footer sizes the driver frames
	// around the payload. Claimed TX buffers reserve this space.
	Overhead() (head, tail int)
}

// ReceiveController is optionally implemented by drivers whose inbound
// reception can be toggled.
type ReceiveController interface {
	ReceiveCtrl(enable bool) error
}

// DecryptObserver is optionally implemented by drivers that want the
// outcome of payload decryption.
type DecryptObserver interface {
	DecryptResult(buf *Buffer, result error)
}

// Callback is a registered observer on an interface. Nil members are
// skipped. PacketReceived runs in interface-receive context and must not
// block; it returns true to let the default receive handler run after
// all observers, false to suppress it.
type Callback struct {
	StateChanged   func(maxPayload int)
	TxResult       func(buf *Buffer, result error)
	PacketReceived func(buf *Buffer, decrypted bool) bool
}

// TypeHandler consumes packets of one type in the default receive path.
type TypeHandler func(buf *Buffer)

// ReceiveForever keeps reception enabled until the next ReceiveCtrl call.
const ReceiveForever time.Duration = -1

// Interface wraps a Driver with the common interface state: registered
// callbacks, default receive handlers, crypto bind point, and the
// scheduled receive window.
type Interface struct {
	drv    Driver
	id     uint8
	fabric *Fabric
	cipher Cipher
	logger *slog.Logger

	// cbMu guards the callback list only; invocation happens outside
	// the critical section so handlers may re-register.
	cbMu sync.Mutex
	cbs  []*Callback

	handlerMu sync.Mutex
	handlers  map[PacketType]TypeHandler

	rxCtrlMu    sync.Mutex
	rxStopTimer *time.Timer
}

// ID returns the interface identifier within its fabric.
func (ifc *Interface) ID() uint8 { return ifc.id }

// Name returns the driver name.
func (ifc *Interface) Name() string { return ifc.drv.Name() }

// Driver returns the underlying transport driver.
func (ifc *Interface) Driver() Driver { return ifc.drv }

// MaxPacketSize returns the driver's current payload MTU.
func (ifc *Interface) MaxPacketSize() int { return ifc.drv.MaxPacketSize() }

// RegisterCallback adds an observer to the interface.
func (ifc *Interface) RegisterCallback(cb *Callback) {
	if cb == nil {
		return
	}
	ifc.cbMu.Lock()
	ifc.cbs = append(ifc.cbs, cb)
	ifc.cbMu.Unlock()
}

// UnregisterCallback removes a previously registered observer.
func (ifc *Interface) UnregisterCallback(cb *Callback) {
	ifc.cbMu.Lock()
	for i, c := range ifc.cbs {
		if c == cb {
			ifc.cbs = append(ifc.cbs[:i], ifc.cbs[i+1:]...)
			break
		}
	}
	ifc.cbMu.Unlock()
}

func (ifc *Interface) callbacks() []*Callback {
	ifc.cbMu.Lock()
	defer ifc.cbMu.Unlock()
	if len(ifc.cbs) == 0 {
		return nil
	}
	out := make([]*Callback, len(ifc.cbs))
	copy(out, ifc.cbs)
	return out
}

// RegisterHandler installs the default receive handler for one packet
// type. The built-in echo handler occupies PacketEchoReq.
func (ifc *Interface) RegisterHandler(t PacketType, h TypeHandler) {
	ifc.handlerMu.Lock()
	ifc.handlers[t] = h
	ifc.handlerMu.Unlock()
}

func (ifc *Interface) handler(t PacketType) TypeHandler {
	ifc.handlerMu.Lock()
	defer ifc.handlerMu.Unlock()
	return ifc.handlers[t]
}

// ClaimTx allocates a TX buffer from the fabric pool with the driver's
// framing overhead reserved.
func (ifc *Interface) ClaimTx(timeout time.Duration) (*Buffer, error) {
	buf, err := ifc.fabric.txPool.Claim(timeout)
	if err != nil {
		return nil, err
	}
	head, tail := ifc.drv.Overhead()
	if err := buf.Reserve(head, tail); err != nil {
		buf.Unref()
		return nil, err
	}
	buf.TX = &TxMeta{}
	return buf, nil
}

// Queue routes an outbound buffer to the driver. The caller must have
// populated buf.TX. Queue consumes the caller's reference on every path:
// failures run the tx-result callbacks and release the buffer.
func (ifc *Interface) Queue(buf *Buffer) error {
	if buf.TX == nil {
		err := errors.WrapInvalid(fmt.Errorf("missing TX metadata"), "fabric", "Queue", "metadata check")
		ifc.CompleteTx(buf, err)
		return err
	}
	if err := buf.TX.Dest.Validate(); err != nil {
		ifc.CompleteTx(buf, err)
		return err
	}
	if ifc.drv.MaxPacketSize() == 0 {
		ifc.CompleteTx(buf, errors.ErrNotConnected)
		return errors.ErrNotConnected
	}

	ifc.fabric.noteSent(ifc, buf.Len())
	if err := ifc.drv.Send(buf); err != nil {
		ifc.CompleteTx(buf, err)
		return err
	}
	return nil
}

// CompleteTx reports the outcome of a transmission. Drivers call this
// exactly once per buffer accepted by Send. It invokes the registered
// tx-result observers and the buffer's tx-done callback, then releases
// the driver's reference.
func (ifc *Interface) CompleteTx(buf *Buffer, result error) {
	if result != nil {
		ifc.fabric.noteSendFailure(ifc)
	}
	for _, cb := range ifc.callbacks() {
		if cb.TxResult != nil {
			cb.TxResult(buf, result)
		}
	}
	if buf.TX != nil && buf.TX.TxDone != nil {
		buf.TX.TxDone(buf, result)
	}
	buf.Unref()
}

// NotifyState reports an MTU change; maxPayload == 0 means disconnected.
func (ifc *Interface) NotifyState(maxPayload int) {
	ifc.fabric.noteMTU(ifc, maxPayload)
	for _, cb := range ifc.callbacks() {
		if cb.StateChanged != nil {
			cb.StateChanged(maxPayload)
		}
	}
}

// Receive dispatches an inbound buffer. The driver populates buf.RX and
// hands over its reference. Intercept observers run first, in
// registration order; if all return true the default type handler runs.
func (ifc *Interface) Receive(buf *Buffer, decrypted bool) {
	if buf.RX == nil {
		buf.RX = &RxMeta{}
	}
	buf.RX.Interface = ifc
	buf.RX.InterfaceID = ifc.id

	ifc.fabric.noteReceived(ifc, buf.Len())

	if do, ok := ifc.drv.(DecryptObserver); ok {
		var result error
		if !decrypted {
			result = errors.ErrPermissionDenied
		}
		do.DecryptResult(buf, result)
	}

	continueDefault := true
	for _, cb := range ifc.callbacks() {
		if cb.PacketReceived != nil {
			if !cb.PacketReceived(buf, decrypted) {
				continueDefault = false
			}
		}
	}

	if continueDefault {
		if h := ifc.handler(buf.RX.Type); h != nil {
			h(buf)
		} else {
			ifc.logger.Debug("unhandled packet type",
				"interface", ifc.Name(), "type", buf.RX.Type)
		}
	}

	buf.Unref()
}

// ReceiveCtrl toggles inbound reception when the driver supports it.
// A positive duration schedules reception to stop after the window; a
// new call overrides the previously scheduled stop. ReceiveForever
// leaves reception enabled, zero stops immediately.
func (ifc *Interface) ReceiveCtrl(enable bool, window time.Duration) error {
	rc, ok := ifc.drv.(ReceiveController)
	if !ok {
		return errors.ErrNotSupported
	}

	ifc.rxCtrlMu.Lock()
	if ifc.rxStopTimer != nil {
		ifc.rxStopTimer.Stop()
		ifc.rxStopTimer = nil
	}
	if enable && window > 0 {
		ifc.rxStopTimer = time.AfterFunc(window, func() {
			if err := rc.ReceiveCtrl(false); err != nil {
				ifc.logger.Warn("receive window stop failed",
					"interface", ifc.Name(), "error", err)
			}
		})
	}
	ifc.rxCtrlMu.Unlock()

	return rc.ReceiveCtrl(enable)
}

// Cipher returns the crypto bind point for this interface.
func (ifc *Interface) Cipher() Cipher { return ifc.cipher }

// installEcho wires the built-in echo responder.
func (ifc *Interface) installEcho() {
	ifc.RegisterHandler(PacketEchoReq, func(buf *Buffer) {
		rsp, err := ifc.ClaimTx(0)
		if err != nil {
			ifc.logger.Warn("echo reply dropped", "interface", ifc.Name(), "error", err)
			return
		}
		if err := rsp.Append(buf.Bytes()); err != nil {
			rsp.Unref()
			ifc.logger.Warn("echo reply too large", "interface", ifc.Name(), "error", err)
			return
		}
		rsp.TX.Type = PacketEchoRsp
		rsp.TX.Auth = buf.RX.Auth
		rsp.TX.Dest = buf.RX.Source
		if err := ifc.Queue(rsp); err != nil {
			ifc.logger.Warn("echo reply send failed", "interface", ifc.Name(), "error", err)
		}
	})
}
